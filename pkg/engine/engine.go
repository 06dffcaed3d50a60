// Package engine defines the interface between the relay and a streaming
// conversational AI backend: one duplex connection per call carrying audio
// in both directions plus transcripts, tool calls and interruptions.
package engine

import (
	"context"

	"github.com/teslashibe/go-intake/pkg/audio"
)

// Engine opens upstream connections.
type Engine interface {
	// Name identifies the backend in logs.
	Name() string

	// Validate reports configuration problems, such as a missing
	// credential, before any dialing happens.
	Validate() error

	// Connect dials the backend and sends the session setup. The returned
	// Conn emits EventReady once the backend accepts the setup.
	Connect(ctx context.Context, setup Setup) (Conn, error)
}

// Conn is one live upstream connection. Send methods are safe for
// concurrent use but callers should serialize them to keep ordering.
type Conn interface {
	// Events delivers backend events in arrival order. The channel is
	// closed after the connection ends.
	Events() <-chan Event

	// SendAudio streams one frame of caller audio.
	SendAudio(frame audio.Frame) error

	// SendText sends a complete user turn.
	SendText(text string) error

	// SendToolResponse answers a tool call.
	SendToolResponse(resp ToolResponse) error

	// EndAudio signals the end of the caller audio stream.
	EndAudio() error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Setup is the fixed per-session configuration sent on connect.
type Setup struct {
	Instructions string
	Tools        []Tool
	Model        string
	Voice        string
	// Transcribe enables transcripts of both caller and agent speech.
	Transcribe bool
}

// Field is one named string argument of a tool.
type Field struct {
	Name        string
	Description string
}

// Tool declares a function the agent may call. Every field is required.
type Tool struct {
	Name        string
	Description string
	Fields      []Field
}

// FieldNames returns the names of the tool's fields in order.
func (t Tool) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// Speaker says who produced a transcript.
type Speaker string

// Speakers.
const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// ToolCall is a request from the agent to invoke a tool.
type ToolCall struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Args map[string]string `json:"args"`
}

// Result is the outcome class of a tool call.
type Result string

// Results.
const (
	ResultSuccess  Result = "success"
	ResultRejected Result = "rejected"
	ResultFailed   Result = "failed"
)

// ToolResponse answers exactly one ToolCall.
type ToolResponse struct {
	ID      string
	Name    string
	Result  Result
	Message string
	// Extra carries additional payload keys sent alongside result and message.
	Extra map[string]any
}

// Payload returns the response body sent to the backend.
func (r ToolResponse) Payload() map[string]any {
	out := make(map[string]any, len(r.Extra)+2)
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.Result != "" {
		out["result"] = string(r.Result)
	}
	if r.Message != "" {
		out["message"] = r.Message
	}
	return out
}

// ResponseFromPayload builds a ToolResponse from a free-form body, lifting
// the result and message keys.
func ResponseFromPayload(id, name string, payload map[string]any) ToolResponse {
	resp := ToolResponse{ID: id, Name: name, Extra: make(map[string]any)}
	for k, v := range payload {
		switch k {
		case "result":
			if s, ok := v.(string); ok {
				resp.Result = Result(s)
				continue
			}
		case "message":
			if s, ok := v.(string); ok {
				resp.Message = s
				continue
			}
		}
		resp.Extra[k] = v
	}
	return resp
}

// EventKind enumerates backend events.
type EventKind int

// Event kinds.
const (
	// EventReady: the backend accepted the setup.
	EventReady EventKind = iota
	// EventAudio: a chunk of synthesized speech.
	EventAudio
	// EventTranscription: caller or agent transcript text.
	EventTranscription
	// EventToolCall: the agent wants a tool invoked.
	EventToolCall
	// EventToolCancel: the agent withdrew pending tool calls.
	EventToolCancel
	// EventInterrupted: the caller barged in; queued speech is void.
	EventInterrupted
	// EventTurnComplete: the agent finished its turn.
	EventTurnComplete
	// EventClosed: the backend closed the connection.
	EventClosed
	// EventError: the connection failed.
	EventError
)

var eventNames = map[EventKind]string{
	EventReady:         "ready",
	EventAudio:         "audio",
	EventTranscription: "transcription",
	EventToolCall:      "toolCall",
	EventToolCancel:    "toolCancel",
	EventInterrupted:   "interrupted",
	EventTurnComplete:  "turnComplete",
	EventClosed:        "closed",
	EventError:         "error",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one item from the backend.
type Event struct {
	Kind     EventKind
	Audio    audio.Frame
	Text     string
	Speaker  Speaker
	ToolCall ToolCall
	// CallIDs lists withdrawn calls for EventToolCancel.
	CallIDs []string
	Err     error
}
