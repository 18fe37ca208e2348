package stream

import (
	"encoding/json"

	"github.com/raterudder/energysim/pkg/types"
)

// Message types sent to websocket subscribers.
const (
	TypeTelemetry     = "telemetry"
	TypeCommandResult = "command_result"
)

// Envelope wraps every message sent to a subscriber.
type Envelope struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"deviceID"`
	Data     json.RawMessage `json:"data"`
}

func encode(typ, deviceID string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, DeviceID: deviceID, Data: raw})
}

// CommandResultMessage is the payload of a command_result message.
type CommandResultMessage struct {
	Command types.Command       `json:"command"`
	Result  types.CommandResult `json:"result"`
}
