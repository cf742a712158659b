package model

import (
	"time"

	"github.com/yanun0323/decimal"
)

// InstanceStatus starting, running, idle, stopped, failed
type InstanceStatus uint8

const (
	_instance_status_beg InstanceStatus = iota
	InstanceStarting
	InstanceRunning
	InstanceIdle
	InstanceStopped
	InstanceFailed
	_instance_status_end
)

var instanceStatusNames = map[InstanceStatus]string{
	InstanceStarting: "starting",
	InstanceRunning:  "running",
	InstanceIdle:     "idle",
	InstanceStopped:  "stopped",
	InstanceFailed:   "failed",
}

func (s InstanceStatus) IsAvailable() bool {
	return s > _instance_status_beg && s < _instance_status_end
}

func (s InstanceStatus) String() string {
	if name, ok := instanceStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseInstanceStatus maps a wire status string to its enum value. Unknown
// strings return an unavailable value.
func ParseInstanceStatus(s string) InstanceStatus {
	for status, name := range instanceStatusNames {
		if name == s {
			return status
		}
	}
	return _instance_status_beg
}

func (s InstanceStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *InstanceStatus) UnmarshalJSON(data []byte) error {
	*s = ParseInstanceStatus(unquote(data))
	return nil
}

// Instance is one orchestrated agent session owned by the backend.
type Instance struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    InstanceStatus  `json:"status"`
	Worktree  string          `json:"worktree,omitempty"`
	Model     string          `json:"model,omitempty"`
	CostUSD   decimal.Decimal `json:"costUsd"`
	TokensIn  uint64          `json:"tokensIn"`
	TokensOut uint64          `json:"tokensOut"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func unquote(data []byte) string {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		return string(data[1 : len(data)-1])
	}
	return string(data)
}
