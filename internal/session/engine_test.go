package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kottz/kolmodin/internal/protocol"
)

// --- Test doubles ---

type fakeConn struct {
	reads     chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		writes: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.reads:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.writes <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// deliver pushes a server message into the connection's read stream.
func (c *fakeConn) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	select {
	case c.reads <- data:
	case <-time.After(time.Second):
		t.Fatal("timed out delivering frame")
	}
}

// expectWrite waits for the next frame the engine writes and decodes it.
func (c *fakeConn) expectWrite(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-c.writes:
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
		return nil
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	queue []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.queue) == 0 {
		return nil, errors.New("dial refused")
	}
	conn := d.queue[0]
	d.queue = d.queue[1:]
	return conn, nil
}

func (d *fakeDialer) enqueue(conns ...*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, conns...)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type stateRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *stateRecorder) record(old, new State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, fmt.Sprintf("%s->%s", old, new))
}

func (r *stateRecorder) count(transition string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tr := range r.transitions {
		if tr == transition {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		URL:                  "ws://test/ws",
		AdminID:              "a1",
		LobbyID:              "l1",
		GameTypeID:           "quiz",
		HeartbeatInterval:    15 * time.Second,
		AckTimeout:           10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    8 * time.Second,
		ReconnectMaxAttempts: 3,
	}
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want },
		time.Second, 5*time.Millisecond, "expected state %s", want)
}

// settle gives the actor goroutine a moment to drain pending events.
func settle() { time.Sleep(20 * time.Millisecond) }

func startEngine(t *testing.T, cfg Config, handlers Handlers, dialer Dialer, clock clockwork.Clock) *Engine {
	t.Helper()
	e := New(cfg, handlers, dialer, clock)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

// activate walks the engine through dial + handshake to Active.
func activate(t *testing.T, e *Engine, conn *fakeConn) {
	t.Helper()
	msg := conn.expectWrite(t)
	require.Equal(t, &protocol.Connect{AdminID: "a1", LobbyID: "l1"}, msg)
	waitForState(t, e, StateAwaitingAck)
	conn.deliver(t, &protocol.ConnectionAck{Message: "ok"})
	waitForState(t, e, StateActive)
}

// --- Tests ---

func TestConnectHandshake(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()

	e := startEngine(t, testConfig(), Handlers{}, dialer, clock)

	// The Connect envelope must be the first and only pre-ack frame.
	msg := conn.expectWrite(t)
	assert.Equal(t, &protocol.Connect{AdminID: "a1", LobbyID: "l1"}, msg)
	waitForState(t, e, StateAwaitingAck)

	conn.deliver(t, &protocol.ConnectionAck{Message: "ok"})
	waitForState(t, e, StateActive)
}

func TestCommandsRejectedUnlessActive(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()

	e := startEngine(t, testConfig(), Handlers{}, dialer, clock)

	conn.expectWrite(t) // Connect
	waitForState(t, e, StateAwaitingAck)

	err := e.SendGlobalCommand("Echo", json.RawMessage(`{"message":"hi"}`))
	require.ErrorIs(t, err, ErrNotActive)
	err = e.SendGameCommand(json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNotActive)

	conn.deliver(t, &protocol.ConnectionAck{Message: "ok"})
	waitForState(t, e, StateActive)

	require.NoError(t, e.SendGlobalCommand("Echo", json.RawMessage(`{"message":"hi"}`)))
	sent := conn.expectWrite(t)
	cmd, ok := sent.(*protocol.GlobalCommand)
	require.True(t, ok)
	assert.Equal(t, "Echo", cmd.CommandName)
}

func TestNonAckEnvelopesDroppedWhileAwaitingAck(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()

	globalEvents := 0
	handlers := Handlers{
		OnGlobalEvent: func(protocol.GlobalEvent) { globalEvents++ },
	}
	e := startEngine(t, testConfig(), handlers, dialer, clock)

	conn.expectWrite(t)
	waitForState(t, e, StateAwaitingAck)

	// Events before the ack are protocol violations: dropped, not fatal.
	conn.deliver(t, &protocol.GlobalEvent{EventName: "TwitchStatus"})
	settle()
	assert.Equal(t, 0, globalEvents)
	assert.Equal(t, StateAwaitingAck, e.State())

	conn.deliver(t, &protocol.ConnectionAck{Message: "ok"})
	waitForState(t, e, StateActive)
}

func TestGameEventRoutedOnceByGameType(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()

	type dispatched struct {
		gameTypeID string
		data       string
	}
	var mu sync.Mutex
	var got []dispatched
	router := routerFunc(func(gameTypeID string, eventData json.RawMessage) bool {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, dispatched{gameTypeID, string(eventData)})
		return true
	})

	e := startEngine(t, testConfig(), Handlers{Router: router}, dialer, clock)
	activate(t, e, conn)

	conn.deliver(t, &protocol.GameSpecificEvent{GameTypeID: "quiz", EventData: json.RawMessage(`{"round":2}`)})
	settle()

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "quiz", got[0].gameTypeID)
	assert.JSONEq(t, `{"round":2}`, got[0].data)
	mu.Unlock()
}

func TestGameEventWithMismatchedTypeDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()

	dispatches := 0
	router := routerFunc(func(string, json.RawMessage) bool {
		dispatches++
		return true
	})

	e := startEngine(t, testConfig(), Handlers{Router: router}, dialer, clock)
	activate(t, e, conn)

	conn.deliver(t, &protocol.GameSpecificEvent{GameTypeID: "deal_no_deal", EventData: json.RawMessage(`{}`)})
	settle()

	assert.Equal(t, 0, dispatches)
	assert.Equal(t, StateActive, e.State())
}

func TestSystemErrorSurfacedWithoutStateChange(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()

	var mu sync.Mutex
	var sysErrs []string
	handlers := Handlers{
		OnSystemError: func(msg string) {
			mu.Lock()
			defer mu.Unlock()
			sysErrs = append(sysErrs, msg)
		},
	}
	e := startEngine(t, testConfig(), handlers, dialer, clock)
	activate(t, e, conn)

	conn.deliver(t, &protocol.SystemError{Message: "bad admin key"})
	settle()

	mu.Lock()
	assert.Equal(t, []string{"bad admin key"}, sysErrs)
	mu.Unlock()
	assert.Equal(t, StateActive, e.State())
	assert.False(t, conn.isClosed())
}

func TestHeartbeatPongCycle(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()
	cfg := testConfig()

	e := startEngine(t, cfg, Handlers{}, dialer, clock)
	activate(t, e, conn)

	clock.Advance(cfg.HeartbeatInterval)
	assert.Equal(t, &protocol.Heartbeat{}, conn.expectWrite(t))

	conn.deliver(t, &protocol.Pong{})
	settle()

	clock.Advance(cfg.HeartbeatInterval)
	assert.Equal(t, &protocol.Heartbeat{}, conn.expectWrite(t))
	conn.deliver(t, &protocol.Pong{})
	settle()

	assert.Equal(t, StateActive, e.State())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestTwoMissedPongsDisconnectExactlyOnce(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn1, conn2)
	clock := clockwork.NewFakeClock()
	cfg := testConfig()

	recorder := &stateRecorder{}
	e := startEngine(t, cfg, Handlers{OnStateChange: recorder.record}, dialer, clock)
	activate(t, e, conn1)

	// Heartbeats go out but no Pong ever comes back.
	clock.Advance(cfg.HeartbeatInterval)
	assert.Equal(t, &protocol.Heartbeat{}, conn1.expectWrite(t))
	clock.Advance(cfg.HeartbeatInterval) // miss 1
	assert.Equal(t, &protocol.Heartbeat{}, conn1.expectWrite(t))
	clock.Advance(cfg.HeartbeatInterval) // miss 2 -> disconnect

	waitForState(t, e, StateDisconnected)
	require.Eventually(t, conn1.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, recorder.count("active->disconnected"))

	// Reconnection kicks in after the first backoff delay.
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(cfg.ReconnectBaseDelay)

	msg := conn2.expectWrite(t)
	assert.Equal(t, &protocol.Connect{AdminID: "a1", LobbyID: "l1"}, msg)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestReconnectBudgetExhaustionIsTerminal(t *testing.T) {
	dialer := &fakeDialer{} // every dial refused
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 2

	var mu sync.Mutex
	terminal := 0
	handlers := Handlers{
		OnTerminalFailure: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			terminal++
			assert.ErrorIs(t, err, ErrRetriesExhausted)
		},
	}
	e := startEngine(t, cfg, handlers, dialer, clock)

	// Initial dial fails, then two budgeted retries fail.
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(cfg.ReconnectBaseDelay)
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(2 * cfg.ReconnectBaseDelay)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return terminal == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, StateDisconnected, e.State())

	// Manual retry resets the budget and dials again.
	e.Connect()
	require.Eventually(t, func() bool { return dialer.dialCount() == 4 },
		time.Second, 5*time.Millisecond)
}

func TestDisconnectHaltsBackoffImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	cfg := testConfig()

	e := startEngine(t, cfg, Handlers{}, dialer, clock)

	// First dial fails and a backoff timer is pending.
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 },
		time.Second, 5*time.Millisecond)

	e.Disconnect()
	waitForState(t, e, StateDisconnected)

	clock.Advance(time.Minute)
	settle()
	assert.Equal(t, 1, dialer.dialCount())
}

func TestMalformedInboundFrameIsDroppedNotFatal(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()

	e := startEngine(t, testConfig(), Handlers{}, dialer, clock)
	activate(t, e, conn)

	conn.reads <- []byte("this is not an envelope")
	settle()

	assert.Equal(t, StateActive, e.State())
	assert.False(t, conn.isClosed())
}

func TestConnectionLossTriggersReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn1, conn2)
	clock := clockwork.NewFakeClock()
	cfg := testConfig()

	e := startEngine(t, cfg, Handlers{}, dialer, clock)
	activate(t, e, conn1)

	conn1.Close()
	waitForState(t, e, StateDisconnected)

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(cfg.ReconnectBaseDelay)

	assert.Equal(t, &protocol.Connect{AdminID: "a1", LobbyID: "l1"}, conn2.expectWrite(t))
}

// Scenario from the protocol design: connect, ack, then a game event lands in
// the right router exactly once.
func TestScenarioConnectAckThenGameEvent(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.enqueue(conn)
	clock := clockwork.NewFakeClock()

	var mu sync.Mutex
	var events []string
	router := routerFunc(func(gameTypeID string, eventData json.RawMessage) bool {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, gameTypeID+":"+string(eventData))
		return true
	})

	e := startEngine(t, testConfig(), Handlers{Router: router}, dialer, clock)

	assert.Equal(t, &protocol.Connect{AdminID: "a1", LobbyID: "l1"}, conn.expectWrite(t))
	conn.deliver(t, &protocol.ConnectionAck{Message: "ok"})
	waitForState(t, e, StateActive)

	conn.deliver(t, &protocol.GameSpecificEvent{GameTypeID: "quiz", EventData: json.RawMessage(`{"question":"q1"}`)})
	settle()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, `quiz:{"question":"q1"}`, events[0])
}

type routerFunc func(gameTypeID string, eventData json.RawMessage) bool

func (f routerFunc) Dispatch(gameTypeID string, eventData json.RawMessage) bool {
	return f(gameTypeID, eventData)
}
