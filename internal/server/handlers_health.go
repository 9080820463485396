package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type healthResponse struct {
	Status  string `json:"status"`
	Lobbies int    `json:"lobbies"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Lobbies: s.lobbies.Count(),
	})
}
