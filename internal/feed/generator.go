// Package feed generates a synthetic dashboard event stream for local
// development and tests.
package feed

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/orchview/orchview/internal/model"
	"github.com/orchview/orchview/internal/obs"
)

// Event is one synthetic stream message ready for the wire.
type Event struct {
	Type      string `json:"type"`
	Topic     string `json:"topic,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type instanceState struct {
	id        string
	name      string
	status    model.InstanceStatus
	costCents int64
	tokensIn  int64
	tokensOut int64
}

type taskState struct {
	id        string
	instance  int
	title     string
	state     model.TaskState
	progress  int
	costCents int64
}

type worktreeState struct {
	id     string
	branch string
	dirty  bool
	ahead  int
	behind int
}

var (
	instanceNames = []string{"alpha", "beta", "gamma", "delta"}
	taskTitles    = []string{
		"refactor config loader",
		"fix flaky socket test",
		"add worktree GC",
		"bump dependencies",
		"profile dispatch path",
	}
	logLines = []string{
		"compiling workspace",
		"running test suite",
		"pushed branch to remote",
		"waiting on review",
		"applying migration",
	}
)

// Generator produces a plausible event cycle over a small fleet of
// instances, tasks and worktrees. Deterministic for a given seed; drive
// it from a single goroutine.
type Generator struct {
	rng   *rand.Rand
	seq   *obs.Sequence
	insts []instanceState
	tasks []taskState
	trees []worktreeState
	index int
}

// NewGenerator seeds the fleet.
func NewGenerator(seed uint64) *Generator {
	g := &Generator{
		rng: rand.New(rand.NewSource(int64(seed))),
		seq: obs.NewSequence(seed),
	}
	for i, name := range instanceNames {
		g.insts = append(g.insts, instanceState{
			id:     fmt.Sprintf("inst-%d", i+1),
			name:   name,
			status: model.InstanceRunning,
		})
	}
	for i, title := range taskTitles {
		g.tasks = append(g.tasks, taskState{
			id:       fmt.Sprintf("task-%d", g.seq.Next()),
			instance: i % len(instanceNames),
			title:    title,
			state:    model.TaskQueued,
		})
	}
	g.trees = []worktreeState{
		{id: "wt-1", branch: "main"},
		{id: "wt-2", branch: "feature/stream-client"},
	}
	return g
}

// Hello is the greeting feedsim sends right after a client connects.
func Hello(now time.Time) Event {
	return Event{
		Type:      model.EventSessionHello,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      map[string]any{"server": "feedsim"},
	}
}

// Next returns the next event in the cycle.
func (g *Generator) Next(now time.Time) Event {
	defer func() { g.index++ }()
	switch g.index % 6 {
	case 0:
		return g.instanceEvent(now)
	case 1, 3:
		return g.taskEvent(now)
	case 5:
		return g.worktreeEvent(now)
	default:
		if g.rng.Intn(8) == 0 {
			return g.alertEvent(now)
		}
		return g.logEvent(now)
	}
}

func (g *Generator) instanceEvent(now time.Time) Event {
	in := &g.insts[g.rng.Intn(len(g.insts))]
	in.costCents += int64(g.rng.Intn(30))
	in.tokensIn += int64(500 + g.rng.Intn(4000))
	in.tokensOut += int64(100 + g.rng.Intn(1500))
	if g.rng.Intn(6) == 0 {
		if in.status == model.InstanceRunning {
			in.status = model.InstanceIdle
		} else {
			in.status = model.InstanceRunning
		}
	}
	return Event{
		Type:      model.EventInstanceUpdated,
		Topic:     model.TopicInstances,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data: map[string]any{
			"id":        in.id,
			"name":      in.name,
			"status":    in.status.String(),
			"costUsd":   centsString(in.costCents),
			"tokensIn":  in.tokensIn,
			"tokensOut": in.tokensOut,
			"updatedAt": now.UTC().Format(time.RFC3339),
		},
	}
}

func (g *Generator) taskEvent(now time.Time) Event {
	task := &g.tasks[g.rng.Intn(len(g.tasks))]
	switch task.state {
	case model.TaskQueued:
		task.state = model.TaskRunning
	case model.TaskRunning:
		task.progress += 5 + g.rng.Intn(20)
		task.costCents += int64(g.rng.Intn(12))
		if task.progress >= 100 {
			task.progress = 100
			if g.rng.Intn(10) == 0 {
				task.state = model.TaskFailed
			} else {
				task.state = model.TaskDone
			}
		}
	default:
		// Terminal tasks respawn as fresh work on the same instance.
		task.id = fmt.Sprintf("task-%d", g.seq.Next())
		task.title = taskTitles[g.rng.Intn(len(taskTitles))]
		task.state = model.TaskQueued
		task.progress = 0
		task.costCents = 0
	}
	return Event{
		Type:      model.EventTaskUpdated,
		Topic:     model.TopicTasks,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data: map[string]any{
			"id":         task.id,
			"instanceId": g.insts[task.instance].id,
			"title":      task.title,
			"state":      task.state.String(),
			"progress":   float64(task.progress) / 100,
			"costUsd":    centsString(task.costCents),
			"updatedAt":  now.UTC().Format(time.RFC3339),
		},
	}
}

func (g *Generator) worktreeEvent(now time.Time) Event {
	tree := &g.trees[g.rng.Intn(len(g.trees))]
	tree.dirty = g.rng.Intn(3) != 0
	tree.ahead = g.rng.Intn(5)
	tree.behind = g.rng.Intn(3)
	return Event{
		Type:      model.EventWorktreeUpdated,
		Topic:     model.TopicWorktrees,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data: map[string]any{
			"id":        tree.id,
			"path":      "/srv/worktrees/" + tree.id,
			"branch":    tree.branch,
			"dirty":     tree.dirty,
			"ahead":     tree.ahead,
			"behind":    tree.behind,
			"updatedAt": now.UTC().Format(time.RFC3339),
		},
	}
}

func (g *Generator) logEvent(now time.Time) Event {
	in := g.insts[g.rng.Intn(len(g.insts))]
	stream := "stdout"
	if g.rng.Intn(5) == 0 {
		stream = "stderr"
	}
	return Event{
		Type:      model.EventLogLine,
		Topic:     model.TopicLogs,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data: map[string]any{
			"instanceId": in.id,
			"stream":     stream,
			"line":       logLines[g.rng.Intn(len(logLines))],
			"at":         now.UTC().Format(time.RFC3339),
		},
	}
}

func (g *Generator) alertEvent(now time.Time) Event {
	in := g.insts[g.rng.Intn(len(g.insts))]
	level := model.AlertWarning
	title := "cost budget at 80%"
	if g.rng.Intn(3) == 0 {
		level = model.AlertCritical
		title = "instance unresponsive"
	}
	return Event{
		Type:      model.EventAlertRaised,
		Topic:     model.TopicAlerts,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data: map[string]any{
			"id":         fmt.Sprintf("alert-%d", g.seq.Next()),
			"level":      level.String(),
			"title":      title,
			"instanceId": in.id,
			"raisedAt":   now.UTC().Format(time.RFC3339),
		},
	}
}

func centsString(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
