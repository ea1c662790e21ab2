package signalr

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectSchedule is the fixed four-attempt reconnect backoff from spec
// §4.E: offsets {0, 2s, 10s, 30s} from the trigger, not configurable at this
// layer. It implements backoff.BackOff (grounded on
// other_examples/e412977c_EthanHeilman-bzero's use of cenkalti/backoff) so
// the reconnect loop can be driven with the same NextBackOff()/Reset()
// control flow the pack uses elsewhere, while the actual delays stay exactly
// as specified rather than the library's exponential generator.
type reconnectSchedule struct {
	offsets []time.Duration
	next    int
}

var _ backoff.BackOff = (*reconnectSchedule)(nil)

func newReconnectSchedule() *reconnectSchedule {
	return &reconnectSchedule{
		offsets: []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second},
	}
}

// NextBackOff returns the delay before the next attempt, or backoff.Stop
// once all four attempts have been exhausted.
func (s *reconnectSchedule) NextBackOff() time.Duration {
	if s.next >= len(s.offsets) {
		return backoff.Stop
	}
	d := s.offsets[s.next]
	s.next++
	return d
}

// Reset restarts the schedule from its first offset.
func (s *reconnectSchedule) Reset() {
	s.next = 0
}

// attempts reports how many attempts this schedule allows. The reconnect
// loop does not call it; it stops when NextBackOff returns backoff.Stop.
func (s *reconnectSchedule) attempts() int {
	return len(s.offsets)
}
