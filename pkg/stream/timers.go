package stream

import "time"

// timerSet owns every timer the transport arms: the heartbeat ping timer,
// the pong deadline, and the pending reconnect. Owning them in one value
// lets an intentional disconnect cancel the whole set atomically, so no
// stray timer fires after teardown. All methods require the transport
// mutex to be held.
type timerSet struct {
	ping      *time.Timer
	pong      *time.Timer
	reconnect *time.Timer
}

func (s *timerSet) armPing(d time.Duration, fn func()) {
	s.disarmPing()
	if d <= 0 {
		return
	}
	s.ping = time.AfterFunc(d, fn)
}

func (s *timerSet) disarmPing() {
	if s.ping != nil {
		s.ping.Stop()
		s.ping = nil
	}
}

func (s *timerSet) armPong(d time.Duration, fn func()) {
	s.disarmPong()
	if d <= 0 {
		return
	}
	s.pong = time.AfterFunc(d, fn)
}

func (s *timerSet) disarmPong() {
	if s.pong != nil {
		s.pong.Stop()
		s.pong = nil
	}
}

// pongArmed reports whether a ping is outstanding. At most one ping awaits
// a pong at any time.
func (s *timerSet) pongArmed() bool {
	return s.pong != nil
}

func (s *timerSet) armReconnect(d time.Duration, fn func()) {
	s.disarmReconnect()
	if d < 0 {
		d = 0
	}
	s.reconnect = time.AfterFunc(d, fn)
}

func (s *timerSet) disarmReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *timerSet) stopAll() {
	s.disarmPing()
	s.disarmPong()
	s.disarmReconnect()
}
