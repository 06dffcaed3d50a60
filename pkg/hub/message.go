// Package hub fans out live events to websocket subscribers using a
// channel-based broadcast loop.
package hub

import (
	"encoding/json"
	"time"
)

// MessageType indicates the websocket message format.
type MessageType int

const (
	// JSONMessage is sent as a text frame.
	JSONMessage MessageType = iota
	// BinaryMessage is sent as a binary frame.
	BinaryMessage
)

// Message is one frame queued for subscribers. A message with a Topic only
// reaches clients subscribed to that topic or to everything.
type Message struct {
	Type  MessageType
	Data  []byte
	Topic string
}

// NewJSONMessage wraps encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps raw bytes.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// Event types published on the record feed.
const (
	EventRecordCreated = "record.created"
	EventRecordStatus  = "record.status"
	EventDirectory     = "directory.changed"
)

// Event is the JSON envelope of every feed message.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Encode marshals an event envelope addressed to topic. An empty topic
// reaches every subscriber.
func Encode(topic, eventType string, data any) (Message, error) {
	b, err := json.Marshal(Event{Type: eventType, Data: data, At: time.Now().UTC()})
	if err != nil {
		return Message{}, err
	}
	msg := NewJSONMessage(b)
	msg.Topic = topic
	return msg, nil
}
