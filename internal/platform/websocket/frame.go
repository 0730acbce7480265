package websocket

import (
	"encoding/json"
	"fmt"
)

// Frame types sent from the push server to clients.
const (
	FrameEvent                 = "event"
	FrameSubscriptionSucceeded = "subscription_succeeded"
	FrameSubscriptionError     = "subscription_error"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Frame is the envelope of every server-to-client message. Data carries
// the event payload verbatim: either a JSON object or a JSON string that
// itself holds encoded JSON.
type Frame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// DecodeFrame parses a server frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// EncodeClientMessage serializes a subscribe/unsubscribe request.
func EncodeClientMessage(action string, topics ...string) []byte {
	data, _ := json.Marshal(ClientMessage{Action: action, Topics: topics})
	return data
}
