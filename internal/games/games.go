// Package games defines the contract between a lobby and its game engine.
// The lobby treats every game payload as opaque JSON; only the engine for a
// given game type can interpret it.
package games

import (
	"encoding/json"

	"github.com/kottz/kolmodin/internal/protocol"
)

// Engine is one lobby's game logic. Engines are owned by a single lobby actor
// and are never called concurrently.
type Engine interface {
	// TypeID identifies the game type this engine implements.
	TypeID() string

	// HandleGlobalCommand processes a control-plane command and returns the
	// envelopes to send back. An error becomes a SystemError for the caller.
	HandleGlobalCommand(name string, data json.RawMessage) ([]protocol.Message, error)

	// HandleCommand processes an opaque game-specific command.
	HandleCommand(commandData json.RawMessage) ([]protocol.Message, error)
}

// Factory builds a fresh engine instance for a new lobby.
type Factory func() Engine
