// orchctl is the operator CLI for the orchestration backend's REST
// surface: listing and inspecting instances, queueing and cancelling
// tasks, pruning worktrees, acknowledging alerts and tailing logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/pflag"

	"github.com/orchview/orchview/internal/api"
	"github.com/orchview/orchview/internal/ops"
)

const commandTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "orchctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "instances":
		return runInstances(rest)
	case "tasks":
		return runTasks(rest)
	case "worktrees":
		return runWorktrees(rest)
	case "alerts":
		return runAlerts(rest)
	case "logs":
		return runLogs(rest)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command %q (try \"orchctl help\")", cmd)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `orchctl drives the orchestration backend over REST.

Usage:
  orchctl <command> [subcommand] [flags]

Commands:
  instances list              list orchestrated instances
  instances get <id>          show one instance
  tasks list                  list tasks
  tasks create                queue a task (--instance, --title, --prompt)
  tasks cancel <id>           cancel a task
  worktrees list              list worktrees
  worktrees rm <id>           remove a worktree
  alerts list                 list raised alerts
  alerts ack <id>             acknowledge an alert
  logs <instance>             tail instance logs (-n lines)

Common flags:
  --config path               JSON config file
  --api url                   REST base URL (overrides config)
  --json                      print raw JSON instead of a table
`)
}

// clientFlags are the flags every subcommand shares.
type clientFlags struct {
	config string
	api    string
	json   bool
}

func (f *clientFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.config, "config", "", "path to JSON config")
	flags.StringVar(&f.api, "api", "", "REST base URL (overrides config)")
	flags.BoolVar(&f.json, "json", false, "print raw JSON instead of a table")
}

func (f *clientFlags) client() (*api.Client, error) {
	cfg, err := ops.Load(f.config)
	if err != nil {
		return nil, err
	}
	base := cfg.Server.BaseAPI
	if f.api != "" {
		base = f.api
	}
	return api.New(api.Config{BaseURL: base})
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

func printJSON(v any) error {
	data, err := sonic.ConfigFastest.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runInstances(args []string) error {
	var common clientFlags
	flags := pflag.NewFlagSet("instances", pflag.ContinueOnError)
	common.register(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	client, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	rest := flags.Args()
	if len(rest) > 0 && rest[0] == "get" {
		if len(rest) != 2 {
			return fmt.Errorf("usage: orchctl instances get <id>")
		}
		instance, err := client.GetInstance(ctx, rest[1])
		if err != nil {
			return err
		}
		return printJSON(instance)
	}
	if len(rest) > 0 && rest[0] != "list" {
		return fmt.Errorf("unknown instances subcommand %q", rest[0])
	}

	list, err := client.ListInstances(ctx)
	if err != nil {
		return err
	}
	if common.json {
		return printJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCOST\tTOKENS\tUPDATED")
	for _, in := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%v\t%d/%d\t%s\n",
			in.ID, in.Name, in.Status, in.CostUSD, in.TokensIn, in.TokensOut,
			in.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runTasks(args []string) error {
	var common clientFlags
	var instanceID, title, prompt string
	flags := pflag.NewFlagSet("tasks", pflag.ContinueOnError)
	common.register(flags)
	flags.StringVar(&instanceID, "instance", "", "instance to run the task on")
	flags.StringVar(&title, "title", "", "task title")
	flags.StringVar(&prompt, "prompt", "", "task prompt")
	if err := flags.Parse(args); err != nil {
		return err
	}
	client, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	rest := flags.Args()
	if len(rest) > 0 {
		switch rest[0] {
		case "create":
			task, err := client.CreateTask(ctx, api.CreateTaskRequest{
				InstanceID: instanceID,
				Title:      title,
				Prompt:     prompt,
			})
			if err != nil {
				return err
			}
			return printJSON(task)
		case "cancel":
			if len(rest) != 2 {
				return fmt.Errorf("usage: orchctl tasks cancel <id>")
			}
			if err := client.CancelTask(ctx, rest[1]); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", rest[1])
			return nil
		case "list":
		default:
			return fmt.Errorf("unknown tasks subcommand %q", rest[0])
		}
	}

	list, err := client.ListTasks(ctx)
	if err != nil {
		return err
	}
	if common.json {
		return printJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINSTANCE\tSTATE\tPROG\tCOST\tTITLE")
	for _, task := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t$%v\t%s\n",
			task.ID, task.InstanceID, task.State, int(task.Progress*100),
			task.CostUSD, task.Title)
	}
	return w.Flush()
}

func runWorktrees(args []string) error {
	var common clientFlags
	flags := pflag.NewFlagSet("worktrees", pflag.ContinueOnError)
	common.register(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	client, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	rest := flags.Args()
	if len(rest) > 0 && rest[0] == "rm" {
		if len(rest) != 2 {
			return fmt.Errorf("usage: orchctl worktrees rm <id>")
		}
		if err := client.DeleteWorktree(ctx, rest[1]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", rest[1])
		return nil
	}
	if len(rest) > 0 && rest[0] != "list" {
		return fmt.Errorf("unknown worktrees subcommand %q", rest[0])
	}

	list, err := client.ListWorktrees(ctx)
	if err != nil {
		return err
	}
	if common.json {
		return printJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBRANCH\tDIRTY\tAHEAD\tBEHIND\tPATH")
	for _, tree := range list {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%s\n",
			tree.ID, tree.Branch, tree.Dirty, tree.Ahead, tree.Behind, tree.Path)
	}
	return w.Flush()
}

func runAlerts(args []string) error {
	var common clientFlags
	flags := pflag.NewFlagSet("alerts", pflag.ContinueOnError)
	common.register(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	client, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	rest := flags.Args()
	if len(rest) > 0 && rest[0] == "ack" {
		if len(rest) != 2 {
			return fmt.Errorf("usage: orchctl alerts ack <id>")
		}
		if err := client.AckAlert(ctx, rest[1]); err != nil {
			return err
		}
		fmt.Printf("acked %s\n", rest[1])
		return nil
	}
	if len(rest) > 0 && rest[0] != "list" {
		return fmt.Errorf("unknown alerts subcommand %q", rest[0])
	}

	list, err := client.ListAlerts(ctx)
	if err != nil {
		return err
	}
	if common.json {
		return printJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLEVEL\tACKED\tINSTANCE\tRAISED\tTITLE")
	for _, alert := range list {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			alert.ID, alert.Level, alert.Acked, alert.InstanceID,
			alert.RaisedAt.Format(time.RFC3339), alert.Title)
	}
	return w.Flush()
}

func runLogs(args []string) error {
	var common clientFlags
	var lines int
	flags := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	common.register(flags)
	flags.IntVarP(&lines, "lines", "n", 100, "number of log lines")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: orchctl logs <instance> [-n lines]")
	}
	client, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	tail, err := client.LogTail(ctx, rest[0], lines)
	if err != nil {
		return err
	}
	if common.json {
		return printJSON(tail)
	}
	for _, line := range tail {
		fmt.Printf("%s [%s] %s\n", line.At.Format(time.RFC3339), line.Stream, line.Line)
	}
	return nil
}
