package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kottz/kolmodin/internal/lobby"
)

type createLobbyRequest struct {
	GameTypeID    string `json:"game_type_id"`
	TwitchChannel string `json:"twitch_channel"`
}

type createLobbyResponse struct {
	LobbyID    string `json:"lobby_id"`
	AdminID    string `json:"admin_id"`
	GameTypeID string `json:"game_type_id"`
}

func (s *Server) handleCreateLobby(c echo.Context) error {
	var req createLobbyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.GameTypeID == "" {
		req.GameTypeID = s.cfg.GameTypeID
	}

	l, err := s.lobbies.Create(req.GameTypeID, req.TwitchChannel)
	if err != nil {
		if errors.Is(err, lobby.ErrUnknownGameType) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown game type: "+req.GameTypeID)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create lobby")
	}

	if s.chat != nil && l.TwitchChannel() != "" {
		s.chat.Subscribe(l.TwitchChannel())
	}

	return c.JSON(http.StatusCreated, createLobbyResponse{
		LobbyID:    l.ID(),
		AdminID:    l.AdminID(),
		GameTypeID: l.GameTypeID(),
	})
}

func (s *Server) handleDeleteLobby(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.lobbies.Get(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "lobby not found")
	}
	s.lobbies.Remove(id)
	return c.NoContent(http.StatusNoContent)
}
