package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/api/lobbies", s.handleCreateLobby)
	s.echo.DELETE("/api/lobbies/:id", s.handleDeleteLobby)

	s.echo.GET("/ws", s.handleWebSocket)
}
