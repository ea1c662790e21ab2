package signalr

import "time"

// timerSet holds the three independent, cancellable scheduled callbacks
// described in spec §4.D. All three fire onto the same coordination channel
// so that no two mutators of ConnectionState ever run simultaneously
// (spec §5).
type timerSet struct {
	keepAlive        *time.Timer
	serverWatchdog   *time.Timer
	handshakeWatchdog *time.Timer
}

// armKeepAlive (re)starts the keep-alive timer with the given interval. The
// teacher-sourced implementation reset this timer using HandshakeTimeout in
// one branch; that was a bug (spec §9, second bullet) and is not replicated
// here — only KeepAliveInterval is ever used.
func (ts *timerSet) armKeepAlive(interval time.Duration, fire func()) {
	stopTimer(ts.keepAlive)
	ts.keepAlive = time.AfterFunc(interval, fire)
}

// armServerWatchdog (re)starts the server-timeout watchdog. Reset on every
// inbound record delivery, after all records in a transport message have
// been processed (spec §5).
func (ts *timerSet) armServerWatchdog(timeout time.Duration, fire func()) {
	stopTimer(ts.serverWatchdog)
	ts.serverWatchdog = time.AfterFunc(timeout, fire)
}

// armHandshakeWatchdog arms the one-shot handshake timeout, started when the
// handshake is sent.
func (ts *timerSet) armHandshakeWatchdog(timeout time.Duration, fire func()) {
	stopTimer(ts.handshakeWatchdog)
	ts.handshakeWatchdog = time.AfterFunc(timeout, fire)
}

// disarmHandshakeWatchdog cancels the handshake watchdog once the handshake
// completes (success or failure).
func (ts *timerSet) disarmHandshakeWatchdog() {
	stopTimer(ts.handshakeWatchdog)
	ts.handshakeWatchdog = nil
}

// disposeAll cancels every timer. Called from HardClose (spec §8 invariant
// 5: "after Stop ... all timers are disposed").
func (ts *timerSet) disposeAll() {
	stopTimer(ts.keepAlive)
	stopTimer(ts.serverWatchdog)
	stopTimer(ts.handshakeWatchdog)
	ts.keepAlive = nil
	ts.serverWatchdog = nil
	ts.handshakeWatchdog = nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
