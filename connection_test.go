package signalr

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects Closed/Reconnecting/Reconnected firings so tests
// can assert on the event sequence invariant in spec §8 invariant 1.
type eventRecorder struct {
	mu           sync.Mutex
	closed       []*string
	reconnecting []*string
	reconnected  []*string
}

func (r *eventRecorder) attach(c *HubConnection) {
	c.OnClosed(func(reason *string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = append(r.closed, reason)
	})
	c.OnReconnecting(func(reason *string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.reconnecting = append(r.reconnecting, reason)
	})
	c.OnReconnected(func(id *string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.reconnected = append(r.reconnected, id)
	})
}

func (r *eventRecorder) counts() (closed, reconnecting, reconnected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed), len(r.reconnecting), len(r.reconnected)
}

func newTestConnection(t *testing.T, ft *fakeTransport, opts Options) *HubConnection {
	t.Helper()
	opts.URI = "http://example.com/hub"
	opts.newTransport = func() Transport { return ft }
	if opts.ServerTimeout == 0 {
		opts.ServerTimeout = time.Second
	}
	if opts.KeepAliveInterval == 0 {
		opts.KeepAliveInterval = time.Second
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = time.Second
	}
	conn, err := New(opts)
	require.NoError(t, err)
	return conn
}

// TestHappyStart covers spec §8 scenario 1.
func TestHappyStart(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{})
	rec := &eventRecorder{}
	rec.attach(conn)

	go ft.deliver(term("{}"))

	require.NoError(t, conn.Start(context.Background()))
	assert.Equal(t, Connected, conn.State())

	sent, ok := ft.record(time.Second)
	require.True(t, ok)
	assert.Contains(t, string(sent), `"protocol":"json"`)
	assert.Contains(t, string(sent), `"version":1`)

	closedN, reconnectingN, reconnectedN := rec.counts()
	assert.Zero(t, closedN)
	assert.Zero(t, reconnectingN)
	assert.Zero(t, reconnectedN)
}

// TestFireAndForgetSend covers spec §8 scenario 2.
func TestFireAndForgetSend(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{})
	go ft.deliver(term("{}"))
	require.NoError(t, conn.Start(context.Background()))
	_, _ = ft.record(time.Second) // drain the handshake record

	require.NoError(t, conn.SendCore("Echo", []interface{}{"hi"}))

	sent, ok := ft.record(time.Second)
	require.True(t, ok)
	assert.JSONEq(t,
		`{"type":1,"invocationId":"","target":"Echo","arguments":["hi"],"streamIds":[]}`,
		string(sent[:len(sent)-1]))
	assert.Equal(t, byte(recordSeparatorCode), sent[len(sent)-1])
}

// TestBlockingInvokeWithResult covers spec §8 scenario 3.
func TestBlockingInvokeWithResult(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{})
	go ft.deliver(term("{}"))
	require.NoError(t, conn.Start(context.Background()))
	_, _ = ft.record(time.Second)

	handle, err := conn.InvokeCoreAsync("Add", reflect.TypeOf(0), []interface{}{2, 3}, 0)
	require.NoError(t, err)

	sent, ok := ft.record(time.Second)
	require.True(t, ok)
	assert.Contains(t, string(sent), `"invocationId":"0"`)

	ft.deliver(term(`{"type":3,"invocationId":"0","result":5}`))

	value, err := handle.Value()
	require.NoError(t, err)
	assert.Equal(t, 5, value)
	assert.Equal(t, 0, conn.invocations.size())
}

// TestInvokeWithServerError covers spec §8 scenario 4.
func TestInvokeWithServerError(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{})
	go ft.deliver(term("{}"))
	require.NoError(t, conn.Start(context.Background()))
	_, _ = ft.record(time.Second)

	handle, err := conn.InvokeCoreAsync("Add", reflect.TypeOf(0), []interface{}{2, 3}, 0)
	require.NoError(t, err)
	_, _ = ft.record(time.Second)

	ft.deliver(term(`{"type":3,"invocationId":"0","error":"boom"}`))

	assert.EqualError(t, handle.Error(), "boom")
	_, err = handle.Value()
	assert.EqualError(t, err, "boom")
}

// TestServerInitiatedReconnect covers spec §8 scenario 5.
func TestServerInitiatedReconnect(t *testing.T) {
	ft1 := newFakeTransport()
	ft2 := newFakeTransport()

	conn := newTestConnection(t, ft1, Options{Reconnect: true})
	conn.newBackoff = func() *reconnectSchedule {
		return &reconnectSchedule{offsets: []time.Duration{0, 5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}}
	}
	conn.newTransport = func() Transport {
		if conn.generation <= 1 {
			return ft1
		}
		return ft2
	}

	rec := &eventRecorder{}
	rec.attach(conn)

	go ft1.deliver(term("{}"))
	require.NoError(t, conn.Start(context.Background()))
	_, _ = ft1.record(time.Second)

	// ft2 will be dialed for the first reconnect attempt; answer its
	// handshake as soon as it arrives.
	go func() {
		if sent, ok := ft2.record(2 * time.Second); ok && len(sent) > 0 {
			ft2.deliver(term("{}"))
		}
	}()

	ft1.deliver(term(`{"type":7,"allowReconnect":true,"error":"restart"}`))

	require.True(t, waitUntil(2*time.Second, func() bool {
		_, reconnectingN, _ := rec.counts()
		return reconnectingN == 1
	}), "Reconnecting was not fired")

	require.True(t, waitUntil(2*time.Second, func() bool {
		return conn.State() == Connected
	}), "connection did not reach Connected again")

	require.True(t, waitUntil(2*time.Second, func() bool {
		_, _, reconnectedN := rec.counts()
		return reconnectedN == 1
	}), "Reconnected was not fired")

	closedN, reconnectingN, reconnectedN := rec.counts()
	assert.Equal(t, 0, closedN)
	assert.Equal(t, 1, reconnectingN)
	assert.Equal(t, 1, reconnectedN)
}

// TestReconnectDialFailureExhaustsScheduleAndFiresClosed covers the case
// where every reconnect attempt fails to dial: the connection must stay
// Reconnecting between attempts (not fall back to Disconnected early) so
// that once the fixed schedule is exhausted, Closed still fires exactly
// once with the last dial error.
func TestReconnectDialFailureExhaustsScheduleAndFiresClosed(t *testing.T) {
	ft1 := newFakeTransport()
	failing := newFakeTransport()
	failing.dialErr = errors.New("dial refused")

	conn := newTestConnection(t, ft1, Options{Reconnect: true})
	conn.newBackoff = func() *reconnectSchedule {
		return &reconnectSchedule{offsets: []time.Duration{0, 2 * time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond}}
	}
	conn.newTransport = func() Transport {
		if conn.generation <= 1 {
			return ft1
		}
		return failing
	}

	rec := &eventRecorder{}
	rec.attach(conn)

	go ft1.deliver(term("{}"))
	require.NoError(t, conn.Start(context.Background()))
	_, _ = ft1.record(time.Second)

	ft1.deliver(term(`{"type":7,"allowReconnect":true,"error":"restart"}`))

	require.True(t, waitUntil(2*time.Second, func() bool {
		closedN, _, _ := rec.counts()
		return closedN == 1
	}), "Closed was not fired after all reconnect attempts failed to dial")

	assert.Equal(t, Disconnected, conn.State())
	closedN, reconnectingN, reconnectedN := rec.counts()
	assert.Equal(t, 1, closedN)
	assert.Equal(t, 1, reconnectingN)
	assert.Equal(t, 0, reconnectedN)
	require.NotNil(t, rec.closed[0])
	assert.Contains(t, *rec.closed[0], "Reconnect failed with message")
}

// TestStopWhileConnectingUnblocksStart covers the concurrent-operations
// requirement of spec §5: Stop called before the handshake completes must
// resolve the blocked Start call rather than leaving it hung forever.
func TestStopWhileConnectingUnblocksStart(t *testing.T) {
	ft := newFakeTransport() // never answers the handshake
	conn := newTestConnection(t, ft, Options{})

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- conn.Start(context.Background()) }()

	require.True(t, waitUntil(time.Second, func() bool {
		return conn.State() == Connecting
	}), "connection did not reach Connecting")

	conn.Stop(nil)

	select {
	case err := <-startErrCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after a concurrent Stop")
	}
	assert.Equal(t, Disconnected, conn.State())
}

// TestServerTimeout covers spec §8 scenario 6.
func TestServerTimeout(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{ServerTimeout: 30 * time.Millisecond, KeepAliveInterval: time.Hour})
	rec := &eventRecorder{}
	rec.attach(conn)

	go ft.deliver(term("{}"))
	require.NoError(t, conn.Start(context.Background()))
	_, _ = ft.record(time.Second)

	handle, err := conn.InvokeCoreAsync("Add", reflect.TypeOf(0), []interface{}{1}, -1)
	require.NoError(t, err)

	require.True(t, waitUntil(2*time.Second, func() bool {
		return conn.State() == Disconnected
	}), "connection did not hard-close after server timeout")

	closedN, _, _ := rec.counts()
	require.Equal(t, 1, closedN)
	require.NotNil(t, rec.closed[0])
	assert.Equal(t, "server timed out", *rec.closed[0])

	assert.EqualError(t, handle.Error(), "HubConnection was closed")
	assert.Equal(t, 0, conn.invocations.size())
}

// TestStopIsNoOpWhenAlreadyDisconnected checks that Stop on a connection
// that was never started is a no-op and fires no Closed event. The "Stop
// after Stop" case is covered by TestStopClosesCleanlyAndEmptiesBacklog.
func TestStopIsNoOpWhenAlreadyDisconnected(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{})
	rec := &eventRecorder{}
	rec.attach(conn)

	msg := "bye"
	conn.Stop(&msg)
	closedN, _, _ := rec.counts()
	assert.Zero(t, closedN)
}

// TestStopClosesCleanlyAndEmptiesBacklog covers spec §8 invariant 5.
func TestStopClosesCleanlyAndEmptiesBacklog(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{})
	rec := &eventRecorder{}
	rec.attach(conn)

	go ft.deliver(term("{}"))
	require.NoError(t, conn.Start(context.Background()))
	_, _ = ft.record(time.Second)

	handle, err := conn.InvokeCoreAsync("Slow", reflect.TypeOf(0), nil, -1)
	require.NoError(t, err)
	_, _ = ft.record(time.Second)

	conn.Stop(nil)

	assert.Equal(t, Disconnected, conn.State())
	assert.Equal(t, 0, conn.invocations.size())
	assert.EqualError(t, handle.Error(), "HubConnection was closed")

	closedN, _, _ := rec.counts()
	assert.Equal(t, 1, closedN)
	assert.Nil(t, rec.closed[0])

	// Stop again is a no-op and fires nothing further.
	conn.Stop(nil)
	closedN, _, _ = rec.counts()
	assert.Equal(t, 1, closedN)
}

// TestStartWhileNotDisconnectedIsRejected covers spec §7 "Invalid state".
func TestStartWhileNotDisconnectedIsRejected(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{})
	go ft.deliver(term("{}"))
	require.NoError(t, conn.Start(context.Background()))

	err := conn.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

// TestHandshakeErrorEndsDisconnectedWithoutReconnect covers the "Handshake
// protocol error" row of spec §7 when Reconnect is disabled.
func TestHandshakeErrorEndsDisconnectedWithoutReconnect(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(t, ft, Options{})
	rec := &eventRecorder{}
	rec.attach(conn)

	go ft.deliver(term(`{"error":"unsupported protocol"}`))

	err := conn.Start(context.Background())
	assert.EqualError(t, err, "unsupported protocol")
	assert.Equal(t, Disconnected, conn.State())

	closedN, _, _ := rec.counts()
	assert.Zero(t, closedN, "handshake errors are logged, not surfaced as Closed")
}
