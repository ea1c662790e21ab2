package signalr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	tomb "gopkg.in/tomb.v2"
)

// ConnectionState is one of {Disconnected, Connecting, Reconnecting,
// Connected} (spec §3).
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Reconnecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Reconnecting:
		return "Reconnecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// ErrInvalidState is returned when a public operation is called in a state
// that does not permit it (spec §7, "Invalid state").
var ErrInvalidState = errors.New("signalr: invalid operation for current connection state")

// ErrNotConnected is returned by SendCore/InvokeCoreAsync when the
// connection is not Connected (spec §7, "Send while transport not open").
var ErrNotConnected = errors.New("signalr: not connected")

// errStoppedWhileConnecting resolves a pending Start (or in-flight reconnect
// attempt) result channel when Stop tears down the connection before the
// handshake completes (spec §5 concurrent-operations requirement).
var errStoppedWhileConnecting = errors.New("signalr: HubConnection was stopped before the connection completed")

// State returns the connection's current state. Safe to call from any
// goroutine.
func (c *HubConnection) State() ConnectionState {
	return c.getState()
}

func (c *HubConnection) getState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *HubConnection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// enqueue hands a closure to the single coordinating goroutine so that no
// two mutators of ConnectionState ever run concurrently (spec §5). The
// channel is generously buffered; callers that need a result synchronize
// via their own reply channel, as Start/Stop/SendCore/InvokeCoreAsync do.
func (c *HubConnection) enqueue(f func()) {
	c.actions <- f
}

// runLoop is the "same coordination point" the reader, the timers, and
// public API calls all funnel through (spec §5). Started once in New and
// lives for the life of the HubConnection so it can be Started again after
// Stop (spec §3: "Terminal: Disconnected (again) after Stop").
func (c *HubConnection) runLoop() {
	for f := range c.actions {
		f()
	}
}

// watchTransport relays a transport's inbound messages and closed signal
// into the action loop, tagged with the generation of the connect attempt
// that owns it, so a stale transport's notifications are dropped rather
// than acted on (the "detach transport callbacks" requirement of hard
// close, spec §5). Grounded on gopkg.in/tomb.v2's Kill/Dying idiom
// (other_examples/e412977c_EthanHeilman-bzero).
func (c *HubConnection) watchTransport(t Transport, gen int, tmb *tomb.Tomb) {
	tmb.Go(func() error {
		for {
			select {
			case <-tmb.Dying():
				return nil
			case data, ok := <-t.Messages():
				if !ok {
					return nil
				}
				c.enqueue(func() { c.onInboundMessage(gen, data) })
			case <-t.Closed():
				c.enqueue(func() { c.onTransportClosed(gen) })
				return nil
			}
		}
	})
}

// beginConnect runs the Connecting path: open the transport, send the
// handshake, arm the handshake watchdog (spec §4.E). Always runs inside the
// action loop. Reads c.isReconnectAttempt/c.pendingConnectResult, set by the
// caller just before enqueueing this closure.
func (c *HubConnection) beginConnect(ctx context.Context) {
	c.generation++
	gen := c.generation

	if !c.isReconnectAttempt {
		c.setState(Connecting)
	}

	t := c.newTransport()
	c.transport = t
	attemptTomb := &tomb.Tomb{}
	c.currentTomb = attemptTomb

	if err := t.Dial(ctx, c.uri, c.options.CustomHeaders); err != nil {
		c.logger.Errorf("signalr: transport connect failed: %v", err)
		c.abandonConnect(gen, fmt.Errorf("connect failed: %w", err), true)
		return
	}

	hsBytes, err := encodeHandshake(c.codec)
	if err != nil {
		c.abandonConnect(gen, err, true)
		return
	}
	if err := t.Send(hsBytes); err != nil {
		c.logger.Errorf("signalr: failed to send handshake: %v", err)
		c.abandonConnect(gen, fmt.Errorf("sending handshake: %w", err), true)
		return
	}

	c.awaitingHandshake = true
	c.watchTransport(t, gen, attemptTomb)
	c.timers.armHandshakeWatchdog(c.options.HandshakeTimeout, func() {
		c.enqueue(func() { c.onHandshakeTimeout(gen) })
	})
}

// onHandshakeTimeout wakes the start routine when the handshake watchdog
// expires without a reply (spec §4.D, §7 "Handshake timeout").
func (c *HubConnection) onHandshakeTimeout(gen int) {
	if gen != c.generation || !c.awaitingHandshake {
		return
	}
	c.logger.Errorf("signalr: handshake timed out")
	c.abandonConnect(gen, errors.New("handshake timed out"), false)
}

// onInboundMessage is invoked once per transport message. It splits the
// message into records, interprets the first record as the handshake reply
// while awaitingHandshake, and dispatches the rest normally — even records
// that arrived in the same transport message as the handshake reply (spec
// §4.E). The server watchdog is reset once, after all records in the
// message have been processed (spec §5).
func (c *HubConnection) onInboundMessage(gen int, data []byte) {
	if gen != c.generation {
		return
	}

	records, wellFormed := splitRecords(data)
	if !wellFormed {
		c.logger.Warningf("signalr: non-SignalR message received")
	}

	for _, rec := range records {
		if c.awaitingHandshake {
			c.handleHandshakeReply(gen, rec)
			continue
		}
		c.dispatchRecord(rec)
	}

	if c.getState() == Connected {
		c.timers.armServerWatchdog(c.options.ServerTimeout, func() {
			c.enqueue(func() { c.onServerTimeout(gen) })
		})
	}
}

func (c *HubConnection) handleHandshakeReply(gen int, rec []byte) {
	c.awaitingHandshake = false
	c.timers.disarmHandshakeWatchdog()

	var hs handshakeResponse
	if err := c.codec.Unmarshal(rec, &hs); err != nil {
		c.abandonConnect(gen, fmt.Errorf("invalid handshake response: %w", err), false)
		return
	}
	if hs.Error != "" {
		c.logger.Errorf("signalr: handshake rejected by server: %s", hs.Error)
		c.abandonConnect(gen, errors.New(hs.Error), false)
		return
	}
	c.succeedConnect(gen)
}

// succeedConnect transitions Connecting/Reconnecting to Connected, arms the
// liveness timers, and releases whoever is blocked on this attempt's result
// channel (spec §4.E).
func (c *HubConnection) succeedConnect(gen int) {
	c.setState(Connected)
	c.timers.armKeepAlive(c.options.KeepAliveInterval, func() {
		c.enqueue(func() { c.sendPing(gen) })
	})
	c.timers.armServerWatchdog(c.options.ServerTimeout, func() {
		c.enqueue(func() { c.onServerTimeout(gen) })
	})

	wasReconnectAttempt := c.isReconnectAttempt
	c.isReconnectAttempt = false
	result := c.pendingConnectResult
	c.pendingConnectResult = nil
	if result != nil {
		result <- nil
	}
	if wasReconnectAttempt {
		c.fireReconnected(nil)
	}
}

// abandonConnect tears down a failed connect attempt and resolves its
// result channel. isDialFailure marks a failure before the handshake was
// sent (dial, or encoding/sending the handshake): outside a reconnect
// attempt it ends the session and fires Closed; inside one it leaves the
// state Reconnecting for the reconnect loop. A handshake error/timeout
// fires no Closed event: it leaves the state Reconnecting during a
// reconnect attempt, starts the reconnect loop (firing Reconnecting) when
// Options.Reconnect is set and this was the initial attempt, and otherwise
// ends Disconnected (spec §4.E table).
func (c *HubConnection) abandonConnect(gen int, err error, isDialFailure bool) {
	wasReconnectAttempt := c.isReconnectAttempt
	result := c.pendingConnectResult
	c.pendingConnectResult = nil

	c.hardClose(gen)

	if isDialFailure {
		if wasReconnectAttempt {
			c.setState(Reconnecting)
			if result != nil {
				result <- err
			}
			return
		}
		c.setState(Disconnected)
		if result != nil {
			result <- err
		}
		msg := err.Error()
		c.fireClosed(&msg)
		return
	}

	if !wasReconnectAttempt && c.options.Reconnect {
		c.setState(Reconnecting)
		msg := err.Error()
		c.fireReconnecting(&msg)
		if result != nil {
			result <- err
		}
		go c.runReconnectLoop(err)
		return
	}

	if wasReconnectAttempt {
		c.setState(Reconnecting)
		if result != nil {
			result <- err
		}
		return
	}

	c.setState(Disconnected)
	if result != nil {
		result <- err
	}
}

// dispatchRecord handles one post-handshake record (spec §4.A/B/C).
func (c *HubConnection) dispatchRecord(rec []byte) {
	var raw rawMessage
	if err := c.codec.Unmarshal(rec, &raw); err != nil {
		c.logger.Errorf("signalr: failed to parse record: %v", err)
		return
	}

	switch raw.Type {
	case TypeInvocation:
		entry, ok := c.handlers.lookup(raw.Target)
		if !ok {
			c.logger.Infof("signalr: no handler registered for target %q", raw.Target)
			return
		}
		args := make([]rawArg, len(raw.Arguments))
		for i, a := range raw.Arguments {
			args[i] = a
		}
		c.handlers.dispatch(c.codec, entry, args)

	case TypeCompletion:
		if raw.Error != "" {
			c.invocations.fail(raw.InvocationID, raw.Error)
		} else {
			c.invocations.complete(raw.InvocationID, raw.Result)
		}

	case TypePing:
		// Liveness only; the server watchdog reset already covers this
		// record as part of onInboundMessage's post-loop reset.

	case TypeClose:
		c.onServerClose(raw.Error, raw.AllowReconnect)

	case TypeStreamItem, TypeStreamInvocation, TypeCancelInvocation:
		c.logger.Infof("signalr: ignoring unsupported message type %d", raw.Type)

	default:
		c.logger.Errorf("signalr: unknown message type %d", raw.Type)
	}
}

// onServerClose handles a server-initiated Close record (spec §4.E table).
func (c *HubConnection) onServerClose(errMsg string, allowReconnect bool) {
	gen := c.generation
	if c.getState() != Connected {
		return
	}

	var errPtr *string
	if errMsg != "" {
		e := errMsg
		errPtr = &e
	}

	if allowReconnect && c.options.Reconnect {
		c.hardClose(gen)
		c.setState(Reconnecting)
		c.fireReconnecting(errPtr)
		triggerErr := errors.New(errMsg)
		if errMsg == "" {
			triggerErr = errors.New("server requested reconnect")
		}
		go c.runReconnectLoop(triggerErr)
		return
	}

	c.hardClose(gen)
	c.setState(Disconnected)
	c.fireClosed(errPtr)
}

// onServerTimeout fires when the server watchdog expires without inbound
// traffic (spec §4.D, §8 scenario 6).
func (c *HubConnection) onServerTimeout(gen int) {
	if gen != c.generation || c.getState() != Connected {
		return
	}
	c.hardClose(gen)
	c.setState(Disconnected)
	msg := "server timed out"
	c.fireClosed(&msg)
}

// onTransportClosed fires when the transport reports closed without a Close
// record having been seen first (spec §4.E, "transport closed externally").
func (c *HubConnection) onTransportClosed(gen int) {
	if gen != c.generation {
		return
	}
	switch c.getState() {
	case Connecting:
		if c.awaitingHandshake {
			c.abandonConnect(gen, errors.New("transport closed before handshake completed"), false)
		}
	case Connected:
		c.hardClose(gen)
		c.setState(Disconnected)
		c.fireClosed(nil)
	}
}

// sendPing fires the keep-alive timer's callback: send a Ping record and
// rearm (spec §4.D).
func (c *HubConnection) sendPing(gen int) {
	if gen != c.generation || c.getState() != Connected {
		return
	}
	data, err := encodePing(c.codec)
	if err != nil {
		c.logger.Errorf("signalr: failed to encode ping: %v", err)
		return
	}
	if err := c.transport.Send(data); err != nil {
		c.logger.Errorf("signalr: ping send failed: %v", err)
		return
	}
	c.timers.armKeepAlive(c.options.KeepAliveInterval, func() {
		c.enqueue(func() { c.sendPing(gen) })
	})
}

// hardClose detaches the current attempt's transport callbacks, closes the
// transport, disposes every timer, and fails every outstanding invocation
// (spec §4.E "Hard close", §8 invariant 5). It does not change
// ConnectionState; callers set the resulting state explicitly so that the
// same teardown serves both the "end the session" and "keep Reconnecting"
// paths.
func (c *HubConnection) hardClose(gen int) {
	if c.currentTomb != nil {
		c.currentTomb.Kill(nil)
		c.currentTomb = nil
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.timers.disposeAll()
	c.invocations.closeAll("HubConnection was closed")
	c.awaitingHandshake = false
}

// runReconnectLoop drives the fixed four-attempt backoff schedule (spec
// §4.E "Reconnect backoff", §8 scenario 5). Runs on its own goroutine so
// the multi-second sleeps between attempts never block the action loop;
// each attempt itself is dispatched back into the action loop via
// beginConnect.
func (c *HubConnection) runReconnectLoop(triggerErr error) {
	schedule := c.newBackoff()
	lastErr := triggerErr

	for {
		d := schedule.NextBackOff()
		if d == backoff.Stop {
			break
		}
		if d > 0 {
			time.Sleep(d)
		}
		if c.getState() != Reconnecting {
			return
		}

		resultCh := make(chan error, 1)
		c.enqueue(func() {
			c.isReconnectAttempt = true
			c.pendingConnectResult = resultCh
			c.beginConnect(context.Background())
		})

		if err := <-resultCh; err != nil {
			lastErr = err
			continue
		}
		return
	}

	msg := fmt.Sprintf("Reconnect failed with message: %v", lastErr)
	c.enqueue(func() {
		if c.getState() != Reconnecting {
			return
		}
		c.setState(Disconnected)
		c.fireClosed(&msg)
	})
}

func (c *HubConnection) fireClosed(reason *string) {
	c.eventsMu.Lock()
	handlers := append([]func(*string){}, c.onClosed...)
	c.eventsMu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (c *HubConnection) fireReconnecting(reason *string) {
	c.eventsMu.Lock()
	handlers := append([]func(*string){}, c.onReconnecting...)
	c.eventsMu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (c *HubConnection) fireReconnected(connectionID *string) {
	c.eventsMu.Lock()
	handlers := append([]func(*string){}, c.onReconnected...)
	c.eventsMu.Unlock()
	for _, h := range handlers {
		h(connectionID)
	}
}
