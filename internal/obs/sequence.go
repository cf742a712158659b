package obs

import (
	"sync/atomic"
	"time"
)

// Sequence issues monotonically increasing IDs for generated events and
// archive segments. A zero seed starts from the current time so IDs stay
// unique across restarts.
type Sequence struct {
	next uint64
}

// NewSequence returns a sequence seeded with the given value.
func NewSequence(seed uint64) *Sequence {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	return &Sequence{next: seed}
}

// Next returns the next ID.
func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return atomic.AddUint64(&s.next, 1)
}
