package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kottz/kolmodin/internal/games/echo"
	"github.com/kottz/kolmodin/internal/lobby"
	"github.com/kottz/kolmodin/internal/platform/config"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	channels []string
}

func (r *recordingSubscriber) Subscribe(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channel)
}

func newTestServer(t *testing.T) (*Server, *lobby.Manager, *recordingSubscriber) {
	t.Helper()
	cfg := &config.Config{
		AppEnv:             "development",
		Port:               "0",
		GameTypeID:         echo.TypeID,
		MaxClientsPerLobby: 4,
	}
	lobbies := lobby.NewManager(cfg.MaxClientsPerLobby)
	lobbies.RegisterGame(echo.New)
	t.Cleanup(lobbies.Shutdown)

	chat := &recordingSubscriber{}
	return NewServer(cfg, lobbies, chat), lobbies, chat
}

func TestCreateLobby(t *testing.T) {
	s, lobbies, chat := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/lobbies",
		strings.NewReader(`{"game_type_id":"echo","twitch_channel":"SomeChannel"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lobby_id"`)
	assert.Contains(t, rec.Body.String(), `"admin_id"`)
	assert.Equal(t, 1, lobbies.Count())
	assert.Equal(t, []string{"SomeChannel"}, chat.channels)
}

func TestCreateLobbyDefaultsGameType(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/lobbies", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"game_type_id":"echo"`)
}

func TestCreateLobbyUnknownGameType(t *testing.T) {
	s, lobbies, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/lobbies",
		strings.NewReader(`{"game_type_id":"deal_no_deal"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, lobbies.Count())
}

func TestDeleteLobby(t *testing.T) {
	s, lobbies, _ := newTestServer(t)
	l, err := lobbies.Create(echo.TypeID, "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/lobbies/"+l.ID(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, lobbies.Count())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/lobbies/"+l.ID(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, lobbies, _ := newTestServer(t)
	_, err := lobbies.Create(echo.TypeID, "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","lobbies":1}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lobbies_active")
}
