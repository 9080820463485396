// Package gamerouter dispatches opaque game-specific event payloads to the
// handler registered for their game type. The router never interprets the
// payload itself; it only keys on the game type identifier.
package gamerouter

import (
	"encoding/json"
	"log/slog"
)

// Handler consumes events for a single game type.
type Handler interface {
	HandleEvent(gameTypeID string, eventData json.RawMessage)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(gameTypeID string, eventData json.RawMessage)

func (f HandlerFunc) HandleEvent(gameTypeID string, eventData json.RawMessage) {
	f(gameTypeID, eventData)
}

// Router is a registered-handler table keyed by game type. Register all
// handlers before the session engine starts; Dispatch is read-only after
// that, so no locking is needed.
type Router struct {
	handlers map[string]Handler
}

func New() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a handler to a game type, replacing any previous binding.
func (r *Router) Register(gameTypeID string, h Handler) {
	r.handlers[gameTypeID] = h
}

// Dispatch routes an event to the handler for its game type. Events for
// unknown game types are dropped and logged; reports whether a handler ran.
func (r *Router) Dispatch(gameTypeID string, eventData json.RawMessage) bool {
	h, ok := r.handlers[gameTypeID]
	if !ok {
		slog.Warn("No handler registered for game type, dropping event", "game_type_id", gameTypeID)
		return false
	}
	h.HandleEvent(gameTypeID, eventData)
	return true
}
