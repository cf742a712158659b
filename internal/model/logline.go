package model

import "time"

// LogLine is one line of instance output relayed over the stream.
type LogLine struct {
	InstanceID string    `json:"instanceId"`
	Stream     string    `json:"stream,omitempty"`
	Line       string    `json:"line"`
	At         time.Time `json:"at"`
}
