package model

import (
	"time"

	"github.com/yanun0323/decimal"
)

// TaskState queued, running, blocked, done, failed, cancelled
type TaskState uint8

const (
	_task_state_beg TaskState = iota
	TaskQueued
	TaskRunning
	TaskBlocked
	TaskDone
	TaskFailed
	TaskCancelled
	_task_state_end
)

var taskStateNames = map[TaskState]string{
	TaskQueued:    "queued",
	TaskRunning:   "running",
	TaskBlocked:   "blocked",
	TaskDone:      "done",
	TaskFailed:    "failed",
	TaskCancelled: "cancelled",
}

func (s TaskState) IsAvailable() bool {
	return s > _task_state_beg && s < _task_state_end
}

// Terminal reports whether the task can no longer change state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseTaskState(s string) TaskState {
	for state, name := range taskStateNames {
		if name == s {
			return state
		}
	}
	return _task_state_beg
}

func (s TaskState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *TaskState) UnmarshalJSON(data []byte) error {
	*s = ParseTaskState(unquote(data))
	return nil
}

// Task is one unit of work dispatched to an instance.
type Task struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instanceId,omitempty"`
	Title      string          `json:"title"`
	Prompt     string          `json:"prompt,omitempty"`
	State      TaskState       `json:"state"`
	Progress   float64         `json:"progress,omitempty"`
	CostUSD    decimal.Decimal `json:"costUsd"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
