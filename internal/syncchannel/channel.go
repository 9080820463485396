// Package syncchannel implements the cross-window synchronization link
// between the admin view and the detached stream view.
//
// The channel is deliberately independent of the lobby session connection:
// both sides keep their own authoritative copy of the state they own and only
// ever see the other side through explicit signals. Delivery is best-effort
// and unordered-tolerant; only the initial ready signal is handshake-critical.
package syncchannel

import (
	"context"
	"errors"
)

// Kind identifies a synchronization signal.
type Kind string

const (
	// KindShow asks the stream view to show the broadcast surface.
	KindShow Kind = "show"
	// KindHide asks the stream view to hide the broadcast surface.
	KindHide Kind = "hide"
	// KindReady is emitted by the stream view once its listener is attached.
	KindReady Kind = "ready"
)

// ErrUnknownKind is returned when a received signal carries an unrecognized kind.
var ErrUnknownKind = errors.New("unknown signal kind")

// Signal is a single cross-window message.
type Signal struct {
	Kind Kind `json:"kind"`
}

// Valid reports whether the signal kind is recognized.
func (s Signal) Valid() bool {
	switch s.Kind {
	case KindShow, KindHide, KindReady:
		return true
	}
	return false
}

// Channel is a one-to-many pub/sub link scoped to one lobby's window pair.
type Channel interface {
	// Publish sends a signal to all current subscribers.
	Publish(ctx context.Context, sig Signal) error
	// Subscribe returns a stream of signals and a cancel function. Slow
	// subscribers may have signals dropped rather than blocking publishers.
	Subscribe(ctx context.Context) (<-chan Signal, func())
}
