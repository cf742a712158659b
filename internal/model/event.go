// Package model mirrors the orchestration backend's resources and its
// stream event catalog.
package model

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Topics the backend publishes on the dashboard stream.
const (
	TopicInstances = "instances"
	TopicTasks     = "tasks"
	TopicWorktrees = "worktrees"
	TopicAlerts    = "alerts"
	TopicLogs      = "logs"
)

// Event types carried in the stream envelope. Everything else on the wire
// is opaque to this client.
const (
	EventSessionHello    = "session.hello"
	EventInstanceUpdated = "instance.updated"
	EventTaskUpdated     = "task.updated"
	EventWorktreeUpdated = "worktree.updated"
	EventAlertRaised     = "alert.raised"
	EventLogLine         = "log.line"
)

// Topics returns the full topic list in publication order.
func Topics() []string {
	return []string{TopicInstances, TopicTasks, TopicWorktrees, TopicAlerts, TopicLogs}
}

// KnownTopic reports whether the backend publishes the given topic.
func KnownTopic(topic string) bool {
	switch topic {
	case TopicInstances, TopicTasks, TopicWorktrees, TopicAlerts, TopicLogs:
		return true
	default:
		return false
	}
}

func decode(data json.RawMessage, v any, what string) error {
	if len(data) == 0 {
		return errors.Errorf("empty %s payload", what)
	}
	if err := sonic.ConfigFastest.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", what)
	}
	return nil
}

// DecodeInstance parses an instance.updated payload.
func DecodeInstance(data json.RawMessage) (Instance, error) {
	var v Instance
	err := decode(data, &v, "instance")
	return v, err
}

// DecodeTask parses a task.updated payload.
func DecodeTask(data json.RawMessage) (Task, error) {
	var v Task
	err := decode(data, &v, "task")
	return v, err
}

// DecodeWorktree parses a worktree.updated payload.
func DecodeWorktree(data json.RawMessage) (Worktree, error) {
	var v Worktree
	err := decode(data, &v, "worktree")
	return v, err
}

// DecodeAlert parses an alert.raised payload.
func DecodeAlert(data json.RawMessage) (Alert, error) {
	var v Alert
	err := decode(data, &v, "alert")
	return v, err
}

// DecodeLogLine parses a log.line payload.
func DecodeLogLine(data json.RawMessage) (LogLine, error) {
	var v LogLine
	err := decode(data, &v, "log line")
	return v, err
}
