// Package echo is the built-in demonstration game: every command comes
// straight back as an event. It exists to prove the opaque payload path end
// to end without any real game rules.
package echo

import (
	"encoding/json"
	"fmt"

	"github.com/kottz/kolmodin/internal/games"
	"github.com/kottz/kolmodin/internal/protocol"
)

const TypeID = "echo"

type Engine struct{}

var _ games.Engine = (*Engine)(nil)

func New() games.Engine { return &Engine{} }

func (*Engine) TypeID() string { return TypeID }

// HandleGlobalCommand answers the Echo command with an EchoResponse event
// carrying the same data. Other command names are rejected.
func (*Engine) HandleGlobalCommand(name string, data json.RawMessage) ([]protocol.Message, error) {
	if name != "Echo" {
		return nil, fmt.Errorf("unknown global command %q", name)
	}
	return []protocol.Message{
		&protocol.GlobalEvent{EventName: "EchoResponse", Data: data},
	}, nil
}

// HandleCommand reflects the opaque payload back as a game-specific event.
func (*Engine) HandleCommand(commandData json.RawMessage) ([]protocol.Message, error) {
	return []protocol.Message{
		&protocol.GameSpecificEvent{GameTypeID: TypeID, EventData: commandData},
	}, nil
}
