// Package server exposes the lobby server's HTTP surface: lobby management
// API, the websocket session endpoint, and observability endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kottz/kolmodin/internal/lobby"
	"github.com/kottz/kolmodin/internal/platform/config"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024

	// New websocket connections per IP.
	wsConnectionsPerSecond = 5.0
	wsConnectionBurst      = 10
)

// ChatSubscriber joins Twitch channels for newly created lobbies. Nil when
// chat ingestion is disabled.
type ChatSubscriber interface {
	Subscribe(channel string)
}

type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	lobbies  *lobby.Manager
	chat     ChatSubscriber
	upgrader websocket.Upgrader
	wsRate   *RateLimiter
}

func NewServer(cfg *config.Config, lobbies *lobby.Manager, chat ChatSubscriber) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
				slog.Warn("Request failed", attrs...)
				return nil
			}
			slog.Debug("Request handled", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	srv := &Server{
		echo:    e,
		cfg:     cfg,
		lobbies: lobbies,
		chat:    chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, cfg.AppEnv != "production"),
		},
		wsRate: NewRateLimiter(wsConnectionsPerSecond, wsConnectionBurst),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting lobby server", "port", s.cfg.Port)
	return s.echo.Start(":" + s.cfg.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
