package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/teslashibe/go-intake/pkg/audio"
	"github.com/teslashibe/go-intake/pkg/engine"
)

// =============================================================================
// Client → relay
// =============================================================================

// NewStart creates a start message. cfg may be nil.
func NewStart(cfg *StartConfig) Message {
	return Message{Type: TypeStart, Config: cfg}
}

// NewAudio creates an audio message in either direction.
func NewAudio(b audio.Blob) Message {
	data, _ := json.Marshal(b.Data)
	return Message{Type: TypeAudio, Data: data, MimeType: b.MimeType}
}

// NewText creates a text turn message.
func NewText(text string) Message {
	return Message{Type: TypeText, Text: text}
}

// NewToolResponse answers a forwarded tool call from the client side.
func NewToolResponse(id, name string, response map[string]any) Message {
	return Message{Type: TypeToolResponse, ID: id, Name: name, Response: response}
}

// NewStop asks the relay to end the session.
func NewStop() Message {
	return Message{Type: TypeStop}
}

// =============================================================================
// Relay → client
// =============================================================================

// NewOpen signals the upstream session is ready.
func NewOpen() Message {
	return Message{Type: TypeOpen}
}

// NewClose signals the session ended.
func NewClose() Message {
	return Message{Type: TypeClose}
}

// NewError reports a fatal problem.
func NewError(message string) Message {
	return Message{Type: TypeError, Message: message}
}

// NewTranscription forwards transcript text.
func NewTranscription(text string, isUser bool) Message {
	return Message{Type: TypeTranscription, Text: text, IsUser: &isUser}
}

// NewToolCall forwards a tool call.
func NewToolCall(call engine.ToolCall) Message {
	args := call.Args
	if args == nil {
		args = map[string]string{}
	}
	return Message{Type: TypeToolCall, ID: call.ID, Name: call.Name, Args: args}
}

// NewInterrupted tells the client to flush queued playback.
func NewInterrupted() Message {
	return Message{Type: TypeInterrupted}
}

// NewSickNote carries a freshly saved record.
func NewSickNote(record any) (Message, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: marshal record: %w", err)
	}
	return Message{Type: TypeSickNote, Data: data}, nil
}
