package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message tags. These strings are part of the wire compatibility surface and
// must not change.
const (
	TagConnect             = "Connect"
	TagGlobalCommand       = "GlobalCommand"
	TagGameSpecificCommand = "GameSpecificCommand"
	TagHeartbeat           = "Heartbeat"
	TagConnectionAck       = "ConnectionAck"
	TagGlobalEvent         = "GlobalEvent"
	TagGameSpecificEvent   = "GameSpecificEvent"
	TagSystemError         = "SystemError"
	TagTwitchMessageRelay  = "TwitchMessageRelay"
	TagPong                = "Pong"
)

// ErrMalformedEnvelope is returned when raw wire data cannot be decoded into
// exactly one recognized envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Message is implemented by every envelope payload type.
type Message interface {
	Tag() string
}

// --- Client -> server messages ---

// Connect opens a session for a lobby. It must be the first message sent on a
// fresh connection.
type Connect struct {
	AdminID string `json:"admin_id"`
	LobbyID string `json:"lobby_id"`
}

func (Connect) Tag() string { return TagConnect }

// GlobalCommand is a control-plane command independent of the game type.
type GlobalCommand struct {
	CommandName string          `json:"command_name"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (GlobalCommand) Tag() string { return TagGlobalCommand }

// GameSpecificCommand carries an opaque command for the lobby's game engine.
type GameSpecificCommand struct {
	GameTypeID  string          `json:"game_type_id"`
	CommandData json.RawMessage `json:"command_data,omitempty"`
}

func (GameSpecificCommand) Tag() string { return TagGameSpecificCommand }

// Heartbeat is a liveness probe. The server answers with Pong.
type Heartbeat struct{}

func (Heartbeat) Tag() string { return TagHeartbeat }

// --- Server -> client messages ---

// ConnectionAck confirms a successful Connect handshake.
type ConnectionAck struct {
	Message string `json:"message"`
}

func (ConnectionAck) Tag() string { return TagConnectionAck }

// GlobalEvent is a control-plane event independent of the game type.
type GlobalEvent struct {
	EventName string          `json:"event_name"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (GlobalEvent) Tag() string { return TagGlobalEvent }

// GameSpecificEvent carries an opaque event from the lobby's game engine.
type GameSpecificEvent struct {
	GameTypeID string          `json:"game_type_id"`
	EventData  json.RawMessage `json:"event_data,omitempty"`
}

func (GameSpecificEvent) Tag() string { return TagGameSpecificEvent }

// SystemError reports an application-level failure. It does not imply
// anything about connection state.
type SystemError struct {
	Message string `json:"message"`
}

func (SystemError) Tag() string { return TagSystemError }

// TwitchMessageRelay forwards a chat message from the lobby's subscribed
// Twitch channel. Timestamp is Unix seconds.
type TwitchMessageRelay struct {
	Channel   string `json:"channel"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (TwitchMessageRelay) Tag() string { return TagTwitchMessageRelay }

// Pong answers a Heartbeat.
type Pong struct{}

func (Pong) Tag() string { return TagPong }

// envelope is the raw wire shape.
type envelope struct {
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a message into its wire envelope.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Tag(), err)
	}
	data, err := json.Marshal(envelope{MessageType: m.Tag(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", m.Tag(), err)
	}
	return data, nil
}

// Decode parses raw wire data into exactly one recognized message, or fails
// with ErrMalformedEnvelope. Unknown tags are rejected outright so a partial
// or ambiguous frame never leaks into the rest of the system.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var msg Message
	switch env.MessageType {
	case TagConnect:
		msg = &Connect{}
	case TagGlobalCommand:
		msg = &GlobalCommand{}
	case TagGameSpecificCommand:
		msg = &GameSpecificCommand{}
	case TagHeartbeat:
		msg = &Heartbeat{}
	case TagConnectionAck:
		msg = &ConnectionAck{}
	case TagGlobalEvent:
		msg = &GlobalEvent{}
	case TagGameSpecificEvent:
		msg = &GameSpecificEvent{}
	case TagSystemError:
		msg = &SystemError{}
	case TagTwitchMessageRelay:
		msg = &TwitchMessageRelay{}
	case TagPong:
		msg = &Pong{}
	default:
		return nil, fmt.Errorf("%w: unrecognized tag %q", ErrMalformedEnvelope, env.MessageType)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("%w: bad %s payload: %v", ErrMalformedEnvelope, env.MessageType, err)
		}
	}
	return msg, nil
}
