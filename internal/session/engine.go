package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kottz/kolmodin/internal/metrics"
	"github.com/kottz/kolmodin/internal/protocol"
)

// State is the session engine's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAck
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrNotActive is returned when a command is submitted while the
	// session is not in the Active state.
	ErrNotActive = errors.New("session is not active")
	// ErrRetriesExhausted is surfaced once the reconnection budget is spent.
	// Recovery requires an explicit Connect call.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// missedPongLimit is how many consecutive heartbeats may go unanswered
// before the connection is declared lost.
const missedPongLimit = 2

// Config describes the session identity and liveness parameters.
type Config struct {
	URL        string
	AdminID    string
	LobbyID    string
	GameTypeID string

	HeartbeatInterval time.Duration // default 15s
	AckTimeout        time.Duration // default 10s

	ReconnectBaseDelay   time.Duration // default 1s
	ReconnectMaxDelay    time.Duration // default 30s
	ReconnectMaxAttempts int           // default 8
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 8
	}
}

// EventRouter consumes game-specific events. Satisfied by gamerouter.Router.
type EventRouter interface {
	Dispatch(gameTypeID string, eventData json.RawMessage) bool
}

// Handlers receive everything the engine routes out of the session. Nil
// handlers are simply skipped. All handlers are invoked from the engine
// goroutine, so they must not block.
type Handlers struct {
	OnStateChange     func(old, new State)
	Router            EventRouter
	OnGlobalEvent     func(ev protocol.GlobalEvent)
	OnTwitchMessage   func(msg protocol.TwitchMessageRelay)
	OnSystemError     func(message string)
	OnTerminalFailure func(err error)
}

// --- Actor commands and connection events ---

type engineCmd interface{ isEngineCmd() }

type baseEngineCmd struct{}

func (baseEngineCmd) isEngineCmd() {}

type connectCmd struct{ baseEngineCmd }

type disconnectCmd struct{ baseEngineCmd }

type sendCmd struct {
	baseEngineCmd
	msg   protocol.Message
	reply chan error
}

type stateCmd struct {
	baseEngineCmd
	reply chan State
}

type stopCmd struct{ baseEngineCmd }

type connEvent interface{ isConnEvent() }

type baseConnEvent struct{ gen uint64 }

func (baseConnEvent) isConnEvent() {}

type dialResult struct {
	baseConnEvent
	conn Conn
	err  error
}

type inboundFrame struct {
	baseConnEvent
	data []byte
}

type connFailed struct {
	baseConnEvent
	err error
}

// Engine owns the single connection to the game server.
type Engine struct {
	cfg      Config
	handlers Handlers
	dialer   Dialer
	clock    clockwork.Clock

	cmdCh   chan engineCmd
	eventCh chan connEvent
	done    chan struct{}

	// Actor-owned state. Only the run goroutine touches these.
	state          State
	conn           Conn
	gen            uint64
	attempt        int
	awaitingPong   bool
	missedPongs    int
	hbTicker       clockwork.Ticker
	ackTimer       clockwork.Timer
	reconnectTimer clockwork.Timer
}

// New creates an engine. Call Start to begin connecting.
func New(cfg Config, handlers Handlers, dialer Dialer, clock clockwork.Clock) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		handlers: handlers,
		dialer:   dialer,
		clock:    clock,
		cmdCh:    make(chan engineCmd, 32),
		eventCh:  make(chan connEvent, 64),
		done:     make(chan struct{}),
	}
}

// Start launches the engine and initiates the first connection attempt.
func (e *Engine) Start() {
	go e.run()
}

// Stop shuts the engine down and closes any live connection.
func (e *Engine) Stop() {
	select {
	case e.cmdCh <- stopCmd{}:
		<-e.done
	case <-e.done:
	}
}

// Connect begins a fresh connection attempt with a reset retry budget. Used
// for the manual retry after ErrRetriesExhausted; a no-op unless the engine
// is idle in Disconnected.
func (e *Engine) Connect() {
	e.post(connectCmd{})
}

// Disconnect closes the connection and halts any pending reconnection
// backoff immediately. The engine stays idle until Connect is called.
func (e *Engine) Disconnect() {
	e.post(disconnectCmd{})
}

// SendGlobalCommand submits a control-plane command. Only permitted while
// the session is Active.
func (e *Engine) SendGlobalCommand(name string, data json.RawMessage) error {
	return e.send(&protocol.GlobalCommand{CommandName: name, Data: data})
}

// SendGameCommand submits an opaque command for the session's game type.
// Only permitted while the session is Active.
func (e *Engine) SendGameCommand(commandData json.RawMessage) error {
	return e.send(&protocol.GameSpecificCommand{GameTypeID: e.cfg.GameTypeID, CommandData: commandData})
}

// State reports the engine's current connection state.
func (e *Engine) State() State {
	reply := make(chan State, 1)
	select {
	case e.cmdCh <- stateCmd{reply: reply}:
		select {
		case s := <-reply:
			return s
		case <-e.done:
			return StateDisconnected
		}
	case <-e.done:
		return StateDisconnected
	}
}

func (e *Engine) post(cmd engineCmd) {
	select {
	case e.cmdCh <- cmd:
	case <-e.done:
	}
}

func (e *Engine) send(msg protocol.Message) error {
	reply := make(chan error, 1)
	select {
	case e.cmdCh <- sendCmd{msg: msg, reply: reply}:
	case <-e.done:
		return ErrNotActive
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrNotActive
	}
}

// --- Actor loop ---

func (e *Engine) run() {
	defer close(e.done)

	e.startConnecting()

	for {
		var hbCh <-chan time.Time
		if e.hbTicker != nil {
			hbCh = e.hbTicker.Chan()
		}
		var ackCh <-chan time.Time
		if e.ackTimer != nil {
			ackCh = e.ackTimer.Chan()
		}
		var reconnectCh <-chan time.Time
		if e.reconnectTimer != nil {
			reconnectCh = e.reconnectTimer.Chan()
		}

		select {
		case cmd := <-e.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				e.handleConnect()
			case disconnectCmd:
				e.handleDisconnect()
			case sendCmd:
				c.reply <- e.handleSend(c.msg)
			case stateCmd:
				c.reply <- e.state
			case stopCmd:
				e.teardown()
				return
			}

		case ev := <-e.eventCh:
			switch v := ev.(type) {
			case dialResult:
				e.handleDialResult(v)
			case inboundFrame:
				e.handleInbound(v)
			case connFailed:
				e.handleConnFailed(v)
			}

		case <-hbCh:
			e.handleHeartbeatTick()

		case <-ackCh:
			e.ackTimer = nil
			slog.Warn("Connection ack timed out", "lobby_id", e.cfg.LobbyID, "timeout", e.cfg.AckTimeout)
			e.closeConn()
			e.scheduleReconnect()

		case <-reconnectCh:
			e.reconnectTimer = nil
			e.startConnecting()
		}
	}
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	old := e.state
	e.state = s
	metrics.SessionStateTransitionsTotal.WithLabelValues(s.String()).Inc()
	slog.Debug("Session state changed", "from", old.String(), "to", s.String(), "lobby_id", e.cfg.LobbyID)
	if e.handlers.OnStateChange != nil {
		e.handlers.OnStateChange(old, s)
	}
}

func (e *Engine) startConnecting() {
	e.setState(StateConnecting)
	e.gen++
	gen := e.gen

	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		conn, err := e.dialer.Dial(ctx, e.cfg.URL)
		select {
		case e.eventCh <- dialResult{baseConnEvent: baseConnEvent{gen: gen}, conn: conn, err: err}:
		case <-e.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (e *Engine) handleDialResult(r dialResult) {
	if r.gen != e.gen || e.state != StateConnecting {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return
	}

	if r.err != nil {
		slog.Warn("Session dial failed", "url", e.cfg.URL, "error", r.err)
		e.scheduleReconnect()
		return
	}

	e.conn = r.conn
	go e.readLoop(e.gen, r.conn)

	// The Connect envelope is the only traffic allowed before the ack.
	if err := e.write(&protocol.Connect{AdminID: e.cfg.AdminID, LobbyID: e.cfg.LobbyID}); err != nil {
		slog.Warn("Failed to send Connect", "error", err)
		e.closeConn()
		e.scheduleReconnect()
		return
	}

	e.setState(StateAwaitingAck)
	e.ackTimer = e.clock.NewTimer(e.cfg.AckTimeout)
}

func (e *Engine) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			select {
			case e.eventCh <- connFailed{baseConnEvent: baseConnEvent{gen: gen}, err: err}:
			case <-e.done:
			}
			return
		}
		select {
		case e.eventCh <- inboundFrame{baseConnEvent: baseConnEvent{gen: gen}, data: data}:
		case <-e.done:
			return
		}
	}
}

func (e *Engine) handleConnFailed(v connFailed) {
	if v.gen != e.gen {
		return
	}
	slog.Warn("Session connection lost", "lobby_id", e.cfg.LobbyID, "error", v.err)
	e.closeConn()
	e.scheduleReconnect()
}

func (e *Engine) handleInbound(f inboundFrame) {
	if f.gen != e.gen {
		return
	}

	msg, err := protocol.Decode(f.data)
	if err != nil {
		metrics.CodecMalformedEnvelopesTotal.WithLabelValues("session_engine").Inc()
		slog.Warn("Dropping malformed envelope", "error", err)
		return
	}

	// SystemError is surfaced in any state and never affects the
	// connection; it signals an application-level failure.
	if sysErr, ok := msg.(*protocol.SystemError); ok {
		slog.Warn("Server reported system error", "message", sysErr.Message)
		if e.handlers.OnSystemError != nil {
			e.handlers.OnSystemError(sysErr.Message)
		}
		return
	}

	switch e.state {
	case StateAwaitingAck:
		if _, ok := msg.(*protocol.ConnectionAck); ok {
			e.stopTimer(&e.ackTimer)
			e.attempt = 0
			e.awaitingPong = false
			e.missedPongs = 0
			e.setState(StateActive)
			e.hbTicker = e.clock.NewTicker(e.cfg.HeartbeatInterval)
			return
		}
		e.protocolViolation("unexpected_before_ack", msg)

	case StateActive:
		e.routeActive(msg)

	default:
		e.protocolViolation("unexpected_state", msg)
	}
}

func (e *Engine) routeActive(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Pong:
		e.awaitingPong = false
		e.missedPongs = 0

	case *protocol.GlobalEvent:
		if e.handlers.OnGlobalEvent != nil {
			e.handlers.OnGlobalEvent(*m)
		}

	case *protocol.GameSpecificEvent:
		if m.GameTypeID != e.cfg.GameTypeID {
			e.protocolViolation("game_type_mismatch", msg)
			return
		}
		if e.handlers.Router != nil {
			e.handlers.Router.Dispatch(m.GameTypeID, m.EventData)
		}

	case *protocol.TwitchMessageRelay:
		if e.handlers.OnTwitchMessage != nil {
			e.handlers.OnTwitchMessage(*m)
		}

	default:
		// Client->server tags arriving at the client, or a stray
		// ConnectionAck while already Active.
		e.protocolViolation("unexpected_tag", msg)
	}
}

func (e *Engine) protocolViolation(reason string, msg protocol.Message) {
	metrics.SessionProtocolViolationsTotal.WithLabelValues(reason).Inc()
	slog.Warn("Protocol violation, dropping envelope",
		"reason", reason,
		"tag", msg.Tag(),
		"state", e.state.String(),
	)
}

func (e *Engine) handleHeartbeatTick() {
	if e.state != StateActive {
		return
	}

	if e.awaitingPong {
		e.missedPongs++
		metrics.SessionHeartbeatMissesTotal.Inc()
		slog.Warn("Heartbeat went unanswered", "missed", e.missedPongs, "lobby_id", e.cfg.LobbyID)
		if e.missedPongs >= missedPongLimit {
			e.closeConn()
			e.scheduleReconnect()
			return
		}
	}

	if err := e.write(&protocol.Heartbeat{}); err != nil {
		slog.Warn("Failed to send heartbeat", "error", err)
		e.closeConn()
		e.scheduleReconnect()
		return
	}
	e.awaitingPong = true
}

func (e *Engine) handleSend(msg protocol.Message) error {
	if e.state != StateActive {
		return ErrNotActive
	}
	if err := e.write(msg); err != nil {
		e.closeConn()
		e.scheduleReconnect()
		return fmt.Errorf("session write failed: %w", err)
	}
	return nil
}

func (e *Engine) handleConnect() {
	// Only meaningful when idle: not connected and no backoff pending.
	if e.state != StateDisconnected || e.reconnectTimer != nil {
		return
	}
	e.attempt = 0
	e.startConnecting()
}

func (e *Engine) handleDisconnect() {
	e.stopTimer(&e.reconnectTimer)
	e.closeConn()
	e.attempt = 0
	e.setState(StateDisconnected)
}

func (e *Engine) scheduleReconnect() {
	e.setState(StateDisconnected)

	e.attempt++
	if e.attempt > e.cfg.ReconnectMaxAttempts {
		metrics.SessionTerminalFailuresTotal.Inc()
		slog.Error("Reconnect attempts exhausted, manual retry required",
			"attempts", e.cfg.ReconnectMaxAttempts,
			"lobby_id", e.cfg.LobbyID,
		)
		e.attempt = 0
		if e.handlers.OnTerminalFailure != nil {
			e.handlers.OnTerminalFailure(ErrRetriesExhausted)
		}
		return
	}

	delay := e.cfg.ReconnectBaseDelay << (e.attempt - 1)
	if delay > e.cfg.ReconnectMaxDelay || delay <= 0 {
		delay = e.cfg.ReconnectMaxDelay
	}

	metrics.SessionReconnectsTotal.Inc()
	slog.Info("Scheduling reconnect", "attempt", e.attempt, "delay", delay, "lobby_id", e.cfg.LobbyID)
	e.reconnectTimer = e.clock.NewTimer(delay)
}

func (e *Engine) write(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return e.conn.WriteMessage(data)
}

// closeConn tears down the current connection and bumps the generation so
// late events from its read loop are ignored. This is what guarantees the
// disconnect-exactly-once property: once the generation moves on, a second
// failure report from the same connection cannot trigger a second reconnect.
func (e *Engine) closeConn() {
	e.stopTimer(&e.ackTimer)
	if e.hbTicker != nil {
		e.hbTicker.Stop()
		e.hbTicker = nil
	}
	e.awaitingPong = false
	e.missedPongs = 0
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.gen++
}

func (e *Engine) stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (e *Engine) teardown() {
	e.stopTimer(&e.reconnectTimer)
	e.closeConn()
	e.setState(StateDisconnected)
}
