package signalr

import (
	"strconv"
	"sync"
	"time"
)

// ticket is the bookkeeping entry for one outstanding invocation (spec §3,
// "Invocation ticket"). The registry owns it; callers hold a *ticket handle
// returned by Begin and block on wait().
type ticket struct {
	invocationID string
	timeout      time.Duration

	done   chan struct{}
	once   sync.Once
	result []byte
	errStr string
	hasErr bool
}

// wait blocks until the ticket is completed or its timeout elapses,
// whichever comes first. A timeout is itself surfaced as an error (spec
// §4.B).
func (t *ticket) wait() (result []byte, errStr string, hasErr bool) {
	if t.timeout <= 0 {
		<-t.done
		return t.result, t.errStr, t.hasErr
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.result, t.errStr, t.hasErr
	case <-timer.C:
		return nil, "invocation timed out", true
	}
}

func (t *ticket) complete(result []byte) {
	t.once.Do(func() {
		t.result = result
		close(t.done)
	})
}

func (t *ticket) fail(errStr string) {
	t.once.Do(func() {
		t.errStr = errStr
		t.hasErr = true
		close(t.done)
	})
}

// invocationRegistry assigns invocation IDs, parks callers awaiting
// completion, and delivers results/errors (spec §4.B, component B). The id
// counter and the backlog map are guarded by separate mutexes; no single
// operation holds both at once (spec §5).
type invocationRegistry struct {
	counterMu sync.Mutex
	counter   uint16

	backlogMu sync.Mutex
	backlog   map[string]*ticket

	log Logger
}

func newInvocationRegistry(log Logger) *invocationRegistry {
	return &invocationRegistry{
		backlog: make(map[string]*ticket),
		log:     log,
	}
}

// nextID returns the next invocation id. The underlying counter is a
// wrapping 16-bit value (spec §3, §9): it wraps silently and correctness
// relies on the backlog never holding two live tickets for the same
// wrapped value, a bound the spec accepts as sufficient for normal
// server round-trip latencies.
func (r *invocationRegistry) nextID() string {
	r.counterMu.Lock()
	id := r.counter
	r.counter++
	r.counterMu.Unlock()
	return strconv.FormatUint(uint64(id), 10)
}

// begin allocates a new invocation id and registers its ticket before
// returning, so that a completion racing the outbound send can never find
// the id missing from the backlog (spec §5 ordering guarantee).
func (r *invocationRegistry) begin(timeout time.Duration) *ticket {
	t := &ticket{
		invocationID: r.nextID(),
		timeout:      timeout,
		done:         make(chan struct{}),
	}

	r.backlogMu.Lock()
	r.backlog[t.invocationID] = t
	r.backlogMu.Unlock()

	return t
}

// complete looks up and, if present, sets the ticket's result; then
// unregisters it.
func (r *invocationRegistry) complete(invocationID string, result []byte) {
	r.backlogMu.Lock()
	t, ok := r.backlog[invocationID]
	if ok {
		delete(r.backlog, invocationID)
	}
	r.backlogMu.Unlock()

	if !ok {
		r.log.Warningf("signalr: completion for unknown invocation id %q", invocationID)
		return
	}
	t.complete(result)
}

// fail looks up and, if present, sets the ticket's error; then unregisters
// it.
func (r *invocationRegistry) fail(invocationID, errStr string) {
	r.backlogMu.Lock()
	t, ok := r.backlog[invocationID]
	if ok {
		delete(r.backlog, invocationID)
	}
	r.backlogMu.Unlock()

	if !ok {
		r.log.Warningf("signalr: error completion for unknown invocation id %q", invocationID)
		return
	}
	t.fail(errStr)
}

// closeAll fails every outstanding invocation with the given reason,
// leaving the backlog empty (spec §4.B, §8 invariant 5).
func (r *invocationRegistry) closeAll(reason string) {
	if reason == "" {
		reason = "HubConnection was closed"
	}

	r.backlogMu.Lock()
	tickets := make([]*ticket, 0, len(r.backlog))
	for id, t := range r.backlog {
		tickets = append(tickets, t)
		delete(r.backlog, id)
	}
	r.backlogMu.Unlock()

	for _, t := range tickets {
		t.fail(reason)
	}
}

// size reports the number of outstanding tickets. Exposed for tests
// verifying spec §8 invariant 5 ("after Stop, the backlog is empty").
func (r *invocationRegistry) size() int {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	return len(r.backlog)
}
