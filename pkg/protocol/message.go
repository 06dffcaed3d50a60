// Package protocol defines the JSON messages exchanged between a caller
// client and the relay over the /ws websocket. Messages are flat objects
// discriminated by "type".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teslashibe/go-intake/pkg/audio"
)

// ErrMalformed marks a message that cannot be understood.
var ErrMalformed = errors.New("protocol: malformed message")

// Type identifies a message.
type Type string

const (
	// Client → relay
	TypeStart        Type = "start"
	TypeAudio        Type = "audio" // both directions
	TypeText         Type = "text"
	TypeToolResponse Type = "toolResponse"
	TypeStop         Type = "stop"

	// Relay → client
	TypeOpen          Type = "open"
	TypeClose         Type = "close"
	TypeError         Type = "error"
	TypeTranscription Type = "transcription"
	TypeToolCall      Type = "toolCall"
	TypeInterrupted   Type = "interrupted"
	TypeSickNote      Type = "sickNote"
)

// StartConfig is the optional payload of a start message.
type StartConfig struct {
	AgentName        string `json:"agentName,omitempty"`
	OrganizationName string `json:"organizationName,omitempty"`
}

// Message is the union of every message shape. Only the fields relevant
// to Type are set.
type Message struct {
	Type Type `json:"type"`

	// start
	Config *StartConfig `json:"config,omitempty"`

	// audio: base64 string. sickNote: record object.
	Data     json.RawMessage `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`

	// text, transcription
	Text   string `json:"text,omitempty"`
	IsUser *bool  `json:"isUser,omitempty"`

	// toolCall, toolResponse
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name,omitempty"`
	Args     map[string]string `json:"args,omitempty"`
	Response map[string]any    `json:"response,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates one client or relay message.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks that the fields required by Type are present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeStart, TypeStop, TypeOpen, TypeClose, TypeInterrupted:
		return nil
	case TypeAudio:
		if len(m.Data) == 0 {
			return fmt.Errorf("%w: audio without data", ErrMalformed)
		}
	case TypeText:
		if m.Text == "" {
			return fmt.Errorf("%w: text without text", ErrMalformed)
		}
	case TypeToolResponse:
		if m.ID == "" {
			return fmt.Errorf("%w: toolResponse without id", ErrMalformed)
		}
	case TypeToolCall:
		if m.ID == "" || m.Name == "" {
			return fmt.Errorf("%w: toolCall without id or name", ErrMalformed)
		}
	case TypeTranscription, TypeError, TypeSickNote:
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

// Bytes returns the JSON encoding.
func (m Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// Blob returns the audio payload of an audio message.
func (m Message) Blob() (audio.Blob, error) {
	var data string
	if err := json.Unmarshal(m.Data, &data); err != nil {
		return audio.Blob{}, fmt.Errorf("%w: audio data is not a string", ErrMalformed)
	}
	return audio.Blob{Data: data, MimeType: m.MimeType}, nil
}

// ParseData decodes the data field into v.
func (m Message) ParseData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// User reports whether a transcription came from the caller.
func (m Message) User() bool {
	return m.IsUser != nil && *m.IsUser
}
