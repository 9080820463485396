package lobby

import (
	"errors"
	"log/slog"

	"github.com/kottz/kolmodin/internal/games"
	"github.com/kottz/kolmodin/internal/metrics"
	"github.com/kottz/kolmodin/internal/protocol"
)

// Conn is the outbound half of one admin client's connection. The read loop
// lives in the transport layer and feeds HandleInbound.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// ErrLobbyFull rejects clients beyond the per-lobby limit.
var ErrLobbyFull = errors.New("lobby is at its client limit")

// ErrLobbyClosed is returned when attaching to a lobby that has shut down.
var ErrLobbyClosed = errors.New("lobby is closed")

// --- Command types ---

type lobbyCmd interface{ lobbyCmd() }

type cmdAttach struct {
	conn  Conn
	errCh chan error
}

func (cmdAttach) lobbyCmd() {}

type cmdDetach struct {
	conn Conn
}

func (cmdDetach) lobbyCmd() {}

type cmdInbound struct {
	conn Conn
	data []byte
}

func (cmdInbound) lobbyCmd() {}

type cmdTwitch struct {
	msg protocol.TwitchMessageRelay
}

func (cmdTwitch) lobbyCmd() {}

type cmdClientCount struct {
	replyCh chan int
}

func (cmdClientCount) lobbyCmd() {}

type cmdStop struct{}

func (cmdStop) lobbyCmd() {}

// --- Lobby actor ---

// Lobby is one live game lobby: a set of connected admin clients and the game
// engine that interprets their commands. A single goroutine owns all of it;
// the engine is never called concurrently.
type Lobby struct {
	id            string
	adminID       string
	twitchChannel string
	game          games.Engine
	maxClients    int

	cmdCh   chan lobbyCmd
	done    chan struct{}
	clients map[Conn]*clientWriter
}

func newLobby(id, adminID, twitchChannel string, game games.Engine, maxClients int) *Lobby {
	l := &Lobby{
		id:            id,
		adminID:       adminID,
		twitchChannel: twitchChannel,
		game:          game,
		maxClients:    maxClients,
		cmdCh:         make(chan lobbyCmd, 64),
		done:          make(chan struct{}),
		clients:       make(map[Conn]*clientWriter),
	}
	go l.run()
	return l
}

func (l *Lobby) ID() string            { return l.id }
func (l *Lobby) AdminID() string       { return l.adminID }
func (l *Lobby) GameTypeID() string    { return l.game.TypeID() }
func (l *Lobby) TwitchChannel() string { return l.twitchChannel }

// Attach registers an authenticated client connection.
func (l *Lobby) Attach(conn Conn) error {
	errCh := make(chan error, 1)
	select {
	case l.cmdCh <- cmdAttach{conn: conn, errCh: errCh}:
		select {
		case err := <-errCh:
			return err
		case <-l.done:
			return ErrLobbyClosed
		}
	case <-l.done:
		return ErrLobbyClosed
	}
}

// Detach removes a client after its read loop ends.
func (l *Lobby) Detach(conn Conn) {
	l.post(cmdDetach{conn: conn})
}

// HandleInbound processes one raw frame read from a client connection.
func (l *Lobby) HandleInbound(conn Conn, data []byte) {
	l.post(cmdInbound{conn: conn, data: data})
}

// RelayTwitchMessage broadcasts a chat message to every client.
func (l *Lobby) RelayTwitchMessage(msg protocol.TwitchMessageRelay) {
	l.post(cmdTwitch{msg: msg})
}

// ClientCount reports the number of attached clients.
func (l *Lobby) ClientCount() int {
	replyCh := make(chan int, 1)
	select {
	case l.cmdCh <- cmdClientCount{replyCh: replyCh}:
		select {
		case n := <-replyCh:
			return n
		case <-l.done:
		}
	case <-l.done:
	}
	return 0
}

// Stop closes every client connection and halts the actor.
func (l *Lobby) Stop() {
	select {
	case l.cmdCh <- cmdStop{}:
		<-l.done
	case <-l.done:
	}
}

func (l *Lobby) post(cmd lobbyCmd) {
	select {
	case l.cmdCh <- cmd:
	case <-l.done:
	}
}

func (l *Lobby) run() {
	defer close(l.done)

	for cmd := range l.cmdCh {
		switch c := cmd.(type) {
		case cmdAttach:
			c.errCh <- l.handleAttach(c.conn)
		case cmdDetach:
			l.handleDetach(c.conn)
		case cmdInbound:
			l.handleInbound(c.conn, c.data)
		case cmdTwitch:
			l.broadcast(&c.msg)
			metrics.TwitchMessagesRelayedTotal.Inc()
		case cmdClientCount:
			c.replyCh <- len(l.clients)
		case cmdStop:
			l.handleStop()
			return
		}
	}
}

func (l *Lobby) handleAttach(conn Conn) error {
	if len(l.clients) >= l.maxClients {
		slog.Warn("Rejecting client, lobby full", "lobby_id", l.id, "max_clients", l.maxClients)
		return ErrLobbyFull
	}
	l.clients[conn] = newClientWriter(conn)
	metrics.LobbyClientsConnected.Inc()
	slog.Info("Client attached", "lobby_id", l.id, "clients", len(l.clients))
	return nil
}

func (l *Lobby) handleDetach(conn Conn) {
	cw, ok := l.clients[conn]
	if !ok {
		return
	}
	cw.stop()
	delete(l.clients, conn)
	metrics.LobbyClientsConnected.Dec()
	slog.Info("Client detached", "lobby_id", l.id, "clients", len(l.clients))
}

func (l *Lobby) handleInbound(conn Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.CodecMalformedEnvelopesTotal.WithLabelValues("lobby").Inc()
		slog.Warn("Malformed envelope from client", "lobby_id", l.id, "error", err)
		l.sendTo(conn, &protocol.SystemError{Message: "malformed envelope"})
		return
	}
	metrics.LobbyInboundMessagesTotal.WithLabelValues(msg.Tag()).Inc()

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		l.sendTo(conn, &protocol.Pong{})

	case *protocol.GlobalCommand:
		out, err := l.game.HandleGlobalCommand(m.CommandName, m.Data)
		if err != nil {
			slog.Warn("Global command failed", "lobby_id", l.id, "command", m.CommandName, "error", err)
			l.sendTo(conn, &protocol.SystemError{Message: err.Error()})
			return
		}
		l.broadcastAll(out)

	case *protocol.GameSpecificCommand:
		if m.GameTypeID != l.game.TypeID() {
			slog.Warn("Game command for wrong game type",
				"lobby_id", l.id,
				"got", m.GameTypeID,
				"want", l.game.TypeID(),
			)
			l.sendTo(conn, &protocol.SystemError{Message: "unknown game type: " + m.GameTypeID})
			return
		}
		out, err := l.game.HandleCommand(m.CommandData)
		if err != nil {
			slog.Warn("Game command failed", "lobby_id", l.id, "error", err)
			l.sendTo(conn, &protocol.SystemError{Message: err.Error()})
			return
		}
		l.broadcastAll(out)

	case *protocol.Connect:
		// The handshake happened before Attach; a second Connect is a
		// client bug but not worth dropping the connection over.
		l.sendTo(conn, &protocol.SystemError{Message: "already connected"})

	default:
		l.sendTo(conn, &protocol.SystemError{Message: "unexpected message type: " + msg.Tag()})
	}
}

func (l *Lobby) sendTo(conn Conn, msg protocol.Message) {
	cw, ok := l.clients[conn]
	if !ok {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("Failed to encode envelope", "tag", msg.Tag(), "error", err)
		return
	}
	if !cw.trySend(data) {
		slog.Warn("Disconnecting slow client", "lobby_id", l.id)
		l.handleDetach(conn)
	}
}

func (l *Lobby) broadcastAll(msgs []protocol.Message) {
	for _, msg := range msgs {
		l.broadcast(msg)
	}
}

func (l *Lobby) broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("Failed to encode envelope", "tag", msg.Tag(), "error", err)
		return
	}

	var slow []Conn
	for conn, cw := range l.clients {
		if !cw.trySend(data) {
			slow = append(slow, conn)
		}
	}
	for _, conn := range slow {
		slog.Warn("Disconnecting slow client", "lobby_id", l.id)
		l.handleDetach(conn)
	}
}

func (l *Lobby) handleStop() {
	for conn, cw := range l.clients {
		cw.stop()
		delete(l.clients, conn)
		metrics.LobbyClientsConnected.Dec()
	}
}
