package stream

import (
	"fmt"
	"strings"

	"github.com/yanun0323/logs"
)

// Logger is the transport's only observability surface. Every connect,
// disconnect, reconnect, heartbeat and error occurrence goes through it.
// The event is a short lowercase phrase; args are alternating key/value
// pairs appended to the line.
type Logger interface {
	Debug(event string, args ...any)
	Warn(event string, args ...any)
	Error(event string, args ...any)
}

// logsSink is the default Logger backed by the logs package.
type logsSink struct{}

func (logsSink) Debug(event string, args ...any) {
	logs.Debugf("%s%s", event, kvString(args))
}

func (logsSink) Warn(event string, args ...any) {
	logs.Warnf("%s%s", event, kvString(args))
}

func (logsSink) Error(event string, args ...any) {
	logs.Errorf("%s%s", event, kvString(args))
}

func kvString(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		sb.WriteString(fmt.Sprintf(" %v=%v", args[i], args[i+1]))
	}
	if len(args)%2 != 0 {
		sb.WriteString(fmt.Sprintf(" %v", args[len(args)-1]))
	}
	return sb.String()
}
