package signalr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	tomb "gopkg.in/tomb.v2"
)

// Default timer durations (spec §6).
const (
	DefaultServerTimeout     = 30 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultHandshakeTimeout  = 15 * time.Second
)

// Options configures a HubConnection (spec §6, "Configuration options").
type Options struct {
	// URI is the hub endpoint. Required. Normalized per spec §4.E:
	// http(s) is rewritten to ws(s); other schemes pass through.
	URI string

	// CustomHeaders is applied at WebSocket connect.
	CustomHeaders http.Header

	// Reconnect enables the reconnect backoff when the server permits it
	// (a Close record with allowReconnect=true), and also governs whether
	// an initial handshake failure is retried (spec §4.E table).
	Reconnect bool

	// Certificate, SslVerification, SslProtocol are forwarded to the
	// transport's TLS configuration.
	Certificate     *tls.Certificate
	SslVerification bool
	SslProtocol     uint16

	ServerTimeout     time.Duration
	KeepAliveInterval time.Duration
	HandshakeTimeout  time.Duration

	// Logger receives every "logged at X level" event from spec §7. If
	// nil, a juju/loggo-backed logger named "signalr" is used.
	Logger Logger

	// Codec is the JSON facility (spec §6). If nil, a json-iterator/go
	// backed codec is used.
	Codec Codec

	// newTransport is a test/internal seam letting callers inject a fake
	// Transport instead of a real gorilla/websocket connection. Exported
	// callers should leave this nil.
	newTransport func() Transport

	// newBackoff is a test/internal seam letting tests shrink the fixed
	// reconnect schedule's durations so reconnect scenarios don't take
	// real minutes to run. The production schedule in spec §4.E is not
	// configurable through the public API; exported callers should leave
	// this nil.
	newBackoff func() *reconnectSchedule
}

func (o Options) withDefaults() Options {
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = DefaultServerTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return o
}

// HubConnection is the top-level entity (spec §3): owns exactly one
// transport session at a time, one invocation registry, one handler table,
// three timers, and a URI.
type HubConnection struct {
	uri     string
	options Options
	codec   Codec
	logger  Logger

	newTransport func() Transport
	newBackoff   func() *reconnectSchedule

	invocations *invocationRegistry
	handlers    *handlerTable
	timers      *timerSet

	mu         sync.Mutex
	state      ConnectionState
	transport  Transport
	generation int
	currentTomb *tomb.Tomb

	awaitingHandshake     bool
	isReconnectAttempt    bool
	pendingConnectResult  chan error

	actions chan func()

	eventsMu       sync.Mutex
	onClosed       []func(reason *string)
	onReconnecting []func(reason *string)
	onReconnected  []func(connectionID *string)
}

// New constructs a HubConnection. The connection starts Disconnected; call
// Start to open it (spec §3, §4.E).
func New(opts Options) (*HubConnection, error) {
	if opts.URI == "" {
		return nil, errors.New("signalr: Options.URI is required")
	}
	normalized, err := normalizeURI(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("signalr: invalid URI: %w", err)
	}
	opts = opts.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = newLogger("signalr")
	}
	codec := opts.Codec
	if codec == nil {
		codec = newCodec()
	}

	newBackoff := opts.newBackoff
	if newBackoff == nil {
		newBackoff = newReconnectSchedule
	}

	newTransport := opts.newTransport
	if newTransport == nil {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: !opts.SslVerification,
			MinVersion:         opts.SslProtocol,
		}
		if opts.Certificate != nil {
			tlsConfig.Certificates = []tls.Certificate{*opts.Certificate}
		}
		newTransport = func() Transport { return newWSTransport(tlsConfig) }
	}

	c := &HubConnection{
		uri:          normalized,
		options:      opts,
		codec:        codec,
		logger:       logger,
		newTransport: newTransport,
		newBackoff:   newBackoff,
		invocations:  newInvocationRegistry(logger),
		handlers:     newHandlerTable(logger),
		timers:       &timerSet{},
		state:        Disconnected,
		actions:      make(chan func(), 256),
	}
	go c.runLoop()
	return c, nil
}

// Start opens the connection: dials the transport, sends the handshake,
// and blocks until the handshake completes or its watchdog expires (spec
// §4.E, §4.F, §5). Returns ErrInvalidState if the connection is not
// currently Disconnected.
func (c *HubConnection) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.state != Disconnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Errorf("signalr: Start called while state is %s", state)
		return ErrInvalidState
	}
	c.mu.Unlock()

	resultCh := make(chan error, 1)
	c.enqueue(func() {
		c.isReconnectAttempt = false
		c.pendingConnectResult = resultCh
		c.beginConnect(ctx)
	})

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the session (spec §4.E "Stop semantics"). A no-op when already
// Disconnected. Never triggers reconnect.
func (c *HubConnection) Stop(errorMessage *string) {
	done := make(chan struct{})
	c.enqueue(func() {
		defer close(done)

		state := c.getState()
		if state == Disconnected {
			return
		}

		gen := c.generation
		if state == Connected && c.transport != nil {
			msg := ""
			if errorMessage != nil {
				msg = *errorMessage
			}
			data, err := encodeClose(c.codec, msg)
			if err != nil {
				c.logger.Errorf("signalr: failed to encode close message: %v", err)
			} else if err := c.transport.Send(data); err != nil {
				c.logger.Errorf("signalr: failed to send close message: %v", err)
			}
		}

		// A Start or in-progress reconnect attempt may be blocked waiting on
		// this channel; Stop must resolve it or that caller blocks forever
		// (spec §5: concurrent public operations).
		if c.pendingConnectResult != nil {
			c.pendingConnectResult <- errStoppedWhileConnecting
			c.pendingConnectResult = nil
		}

		c.hardClose(gen)
		c.setState(Disconnected)
		c.fireClosed(errorMessage)
	})
	<-done
}

// SendCore sends a fire-and-forget invocation: no invocationId, no ticket
// created (spec §4.F).
func (c *HubConnection) SendCore(target string, args []interface{}) error {
	if c.getState() != Connected {
		c.logger.Errorf("signalr: SendCore(%q) called while not connected", target)
		return ErrNotConnected
	}

	errCh := make(chan error, 1)
	c.enqueue(func() {
		if c.getState() != Connected || c.transport == nil {
			errCh <- ErrNotConnected
			return
		}
		data, err := encodeInvocation(c.codec, "", target, args)
		if err != nil {
			errCh <- err
			return
		}
		gen := c.generation
		if err := c.transport.Send(data); err != nil {
			c.logger.Errorf("signalr: send failed for %q: %v", target, err)
			errCh <- err
			return
		}
		c.timers.armKeepAlive(c.options.KeepAliveInterval, func() {
			c.enqueue(func() { c.sendPing(gen) })
		})
		errCh <- nil
	})
	return <-errCh
}

type invokeBeginResult struct {
	ticket *ticket
	err    error
}

// InvokeCoreAsync creates a ticket, sends the invocation, and returns a
// handle whose Value/Error accessors block on completion (spec §4.F).
// timeoutMs == 0 means "use ServerTimeout"; -1 means infinite; any other
// value is milliseconds.
func (c *HubConnection) InvokeCoreAsync(target string, returnType reflect.Type, args []interface{}, timeoutMs int) (*InvokeHandle, error) {
	if c.getState() != Connected {
		c.logger.Errorf("signalr: InvokeCoreAsync(%q) called while not connected", target)
		return nil, ErrNotConnected
	}

	var timeout time.Duration
	switch {
	case timeoutMs == 0:
		timeout = c.options.ServerTimeout
	case timeoutMs < 0:
		timeout = 0
	default:
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	resultCh := make(chan invokeBeginResult, 1)
	c.enqueue(func() {
		if c.getState() != Connected || c.transport == nil {
			resultCh <- invokeBeginResult{err: ErrNotConnected}
			return
		}

		t := c.invocations.begin(timeout)
		data, err := encodeInvocation(c.codec, t.invocationID, target, args)
		if err != nil {
			c.invocations.fail(t.invocationID, err.Error())
			resultCh <- invokeBeginResult{err: err}
			return
		}

		gen := c.generation
		if err := c.transport.Send(data); err != nil {
			c.logger.Errorf("signalr: invoke send failed for %q: %v", target, err)
			c.invocations.fail(t.invocationID, err.Error())
			resultCh <- invokeBeginResult{err: err}
			return
		}

		c.timers.armKeepAlive(c.options.KeepAliveInterval, func() {
			c.enqueue(func() { c.sendPing(gen) })
		})
		resultCh <- invokeBeginResult{ticket: t}
	})

	res := <-resultCh
	if res.err != nil {
		return nil, res.err
	}
	return &InvokeHandle{ticket: res.ticket, returnType: returnType, codec: c.codec}, nil
}

// InvokeCore is the synchronous flavor of InvokeCoreAsync: equivalent to
// InvokeCoreAsync(...).Value() (spec §4.F).
func (c *HubConnection) InvokeCore(target string, returnType reflect.Type, args []interface{}, timeoutMs int) (interface{}, error) {
	handle, err := c.InvokeCoreAsync(target, returnType, args, timeoutMs)
	if err != nil {
		return nil, err
	}
	return handle.Value()
}

// On registers a handler for a server-initiated invocation of methodName
// (spec §4.C). Returns ErrHandlerExists if a handler is already registered
// for this method name — the second registration is rejected, not merged
// or overwritten (policy decision, see DESIGN.md).
func (c *HubConnection) On(methodName string, paramTypes []reflect.Type, handler HandlerFunc) error {
	return c.handlers.register(methodName, paramTypes, handler)
}

// OnClosed registers an observer for the Closed event (spec §4.F). reason
// is nil when the close was intentional and clean.
func (c *HubConnection) OnClosed(f func(reason *string)) {
	c.eventsMu.Lock()
	c.onClosed = append(c.onClosed, f)
	c.eventsMu.Unlock()
}

// OnReconnecting registers an observer for the Reconnecting event.
func (c *HubConnection) OnReconnecting(f func(reason *string)) {
	c.eventsMu.Lock()
	c.onReconnecting = append(c.onReconnecting, f)
	c.eventsMu.Unlock()
}

// OnReconnected registers an observer for the Reconnected event.
// newConnectionId is always nil in this implementation since negotiation
// (which assigns connection ids) is out of scope (spec §1 Non-goals).
func (c *HubConnection) OnReconnected(f func(newConnectionID *string)) {
	c.eventsMu.Lock()
	c.onReconnected = append(c.onReconnected, f)
	c.eventsMu.Unlock()
}

// InvokeHandle is the blocking-handle-vs-future contract from spec §9: its
// Value accessor blocks until the ticket resolves or times out.
type InvokeHandle struct {
	ticket     *ticket
	returnType reflect.Type
	codec      Codec
}

// Value blocks until the invocation completes, then deserializes the
// result into the declared return type.
func (h *InvokeHandle) Value() (interface{}, error) {
	result, errStr, hasErr := h.ticket.wait()
	if hasErr {
		return nil, errors.New(errStr)
	}
	if h.returnType == nil || len(result) == 0 {
		return nil, nil
	}
	ptr := reflect.New(h.returnType)
	if err := h.codec.Unmarshal(result, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("signalr: failed to deserialize invocation result: %w", err)
	}
	return ptr.Elem().Interface(), nil
}

// Error blocks until the invocation completes and reports its error, if
// any, without deserializing a successful result.
func (h *InvokeHandle) Error() error {
	_, errStr, hasErr := h.ticket.wait()
	if hasErr {
		return errors.New(errStr)
	}
	return nil
}
