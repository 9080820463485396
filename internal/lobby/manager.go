// Package lobby hosts the server-side lobbies: creation and lookup through
// the Manager, and per-lobby actors that own connected clients and the game
// engine.
package lobby

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kottz/kolmodin/internal/games"
	"github.com/kottz/kolmodin/internal/metrics"
)

// ErrUnknownGameType is returned when creating a lobby for an unregistered game.
var ErrUnknownGameType = errors.New("unknown game type")

// ErrLobbyNotFound is returned on lookup of an absent or removed lobby.
var ErrLobbyNotFound = errors.New("lobby not found")

// Manager owns the set of live lobbies and the registered game factories.
type Manager struct {
	maxClientsPerLobby int

	mu        sync.RWMutex
	factories map[string]games.Factory
	lobbies   map[string]*Lobby
}

func NewManager(maxClientsPerLobby int) *Manager {
	return &Manager{
		maxClientsPerLobby: maxClientsPerLobby,
		factories:          make(map[string]games.Factory),
		lobbies:            make(map[string]*Lobby),
	}
}

// RegisterGame makes a game type available for lobby creation. Call during
// startup, before serving requests.
func (m *Manager) RegisterGame(factory games.Factory) {
	typeID := factory().TypeID()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[typeID] = factory
	slog.Info("Registered game type", "game_type_id", typeID)
}

// Create builds a new lobby with generated identifiers. The admin_id acts as
// the credential for the websocket handshake and is returned exactly once.
func (m *Manager) Create(gameTypeID, twitchChannel string) (*Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	factory, ok := m.factories[gameTypeID]
	if !ok {
		return nil, ErrUnknownGameType
	}

	l := newLobby(uuid.NewString(), uuid.NewString(), twitchChannel, factory(), m.maxClientsPerLobby)
	m.lobbies[l.ID()] = l
	metrics.LobbiesActive.Inc()
	slog.Info("Lobby created",
		"lobby_id", l.ID(),
		"game_type_id", gameTypeID,
		"twitch_channel", twitchChannel,
	)
	return l, nil
}

// Get looks a lobby up by id.
func (m *Manager) Get(lobbyID string) (*Lobby, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lobbies[lobbyID]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	return l, nil
}

// Remove stops a lobby and drops it from the registry.
func (m *Manager) Remove(lobbyID string) {
	m.mu.Lock()
	l, ok := m.lobbies[lobbyID]
	if ok {
		delete(m.lobbies, lobbyID)
	}
	m.mu.Unlock()

	if ok {
		l.Stop()
		metrics.LobbiesActive.Dec()
		slog.Info("Lobby removed", "lobby_id", lobbyID)
	}
}

// ForEach visits every live lobby. Used by the Twitch relay to fan messages
// out to lobbies subscribed to a channel.
func (m *Manager) ForEach(fn func(*Lobby)) {
	m.mu.RLock()
	snapshot := make([]*Lobby, 0, len(m.lobbies))
	for _, l := range m.lobbies {
		snapshot = append(snapshot, l)
	}
	m.mu.RUnlock()

	for _, l := range snapshot {
		fn(l)
	}
}

// Count reports the number of live lobbies.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lobbies)
}

// Shutdown stops every lobby.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	lobbies := m.lobbies
	m.lobbies = make(map[string]*Lobby)
	m.mu.Unlock()

	for id, l := range lobbies {
		l.Stop()
		metrics.LobbiesActive.Dec()
		slog.Debug("Lobby stopped", "lobby_id", id)
	}
}
