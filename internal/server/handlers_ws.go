package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kottz/kolmodin/internal/lobby"
	"github.com/kottz/kolmodin/internal/metrics"
	"github.com/kottz/kolmodin/internal/protocol"
)

const (
	// How long the client has to send its Connect envelope after upgrading.
	handshakeDeadline = 10 * time.Second
	wsWriteDeadline   = 5 * time.Second
)

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	if !s.wsRate.Allow(ip) {
		slog.Warn("WebSocket connection rate limited", "ip", ip)
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many connection attempts")
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return nil
	}

	go s.serveSession(ws)
	return nil
}

// serveSession runs the connect handshake and then pumps inbound frames into
// the lobby until the connection dies.
func (s *Server) serveSession(ws *websocket.Conn) {
	conn := &wsSessionConn{ws: ws}

	l, err := s.handshake(ws, conn)
	if err != nil {
		slog.Info("WebSocket handshake rejected", "error", err)
		_ = conn.writeEnvelope(&protocol.SystemError{Message: err.Error()})
		_ = conn.Close()
		return
	}

	_ = ws.SetReadDeadline(time.Time{})
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		l.HandleInbound(conn, data)
	}
	l.Detach(conn)
}

type handshakeError string

func (e handshakeError) Error() string { return string(e) }

// handshake reads the first frame, which must be a Connect envelope naming a
// live lobby and its admin credential, then acks and attaches the client.
func (s *Server) handshake(ws *websocket.Conn, conn *wsSessionConn) (*lobby.Lobby, error) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeDeadline))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, handshakeError("no connect envelope received")
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.CodecMalformedEnvelopesTotal.WithLabelValues("ws_handshake").Inc()
		return nil, handshakeError("malformed envelope")
	}
	connect, ok := msg.(*protocol.Connect)
	if !ok {
		return nil, handshakeError("expected Connect, got " + msg.Tag())
	}

	l, err := s.lobbies.Get(connect.LobbyID)
	if err != nil || l.AdminID() != connect.AdminID {
		// One message for both failures; no probing which half was wrong.
		return nil, handshakeError("invalid lobby or admin id")
	}

	// The ack goes out before Attach hands writes over to the lobby's
	// writer goroutine, so it is always the first server frame.
	if err := conn.writeEnvelope(&protocol.ConnectionAck{Message: "connected"}); err != nil {
		return nil, handshakeError("failed to send ack")
	}
	if err := l.Attach(conn); err != nil {
		return nil, err
	}

	slog.Info("Admin session established", "lobby_id", l.ID())
	return l, nil
}

// wsSessionConn adapts a gorilla connection to the lobby.Conn interface.
// After Attach, only the lobby's writer goroutine calls WriteMessage.
type wsSessionConn struct {
	ws *websocket.Conn
}

var _ lobby.Conn = (*wsSessionConn)(nil)

func (c *wsSessionConn) WriteMessage(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsSessionConn) writeEnvelope(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

func (c *wsSessionConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	return c.ws.Close()
}
