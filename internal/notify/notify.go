// Package notify surfaces stream availability to the operator.
package notify

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

// Notifier receives user-facing connection notices. Down fires when the
// stream gives up reconnecting, Up when it is available again.
type Notifier interface {
	Down(reason string)
	Up()
}

type logNotifier struct{}

// NewLog returns a notifier that writes through the process logger.
func NewLog() Notifier {
	return logNotifier{}
}

func (logNotifier) Down(reason string) {
	logs.Errorf("stream down: %s", reason)
}

func (logNotifier) Up() {
	logs.Info("stream restored")
}

type nopNotifier struct{}

// Nop returns a notifier that discards every notice.
func Nop() Notifier {
	return nopNotifier{}
}

func (nopNotifier) Down(string) {}
func (nopNotifier) Up()         {}

// Throttle suppresses repeated Down notices inside the given window. Up
// always passes through and reopens the window.
func Throttle(inner Notifier, window time.Duration) Notifier {
	return &throttled{inner: inner, window: window, now: time.Now}
}

type throttled struct {
	inner  Notifier
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	lastDown time.Time
}

func (t *throttled) Down(reason string) {
	t.mu.Lock()
	now := t.now()
	if !t.lastDown.IsZero() && now.Sub(t.lastDown) < t.window {
		t.mu.Unlock()
		return
	}
	t.lastDown = now
	t.mu.Unlock()
	t.inner.Down(reason)
}

func (t *throttled) Up() {
	t.mu.Lock()
	t.lastDown = time.Time{}
	t.mu.Unlock()
	t.inner.Up()
}
