package engine

import (
	"context"
	"sync"

	"github.com/teslashibe/go-intake/pkg/audio"
)

// Mock is an Engine for tests. Each Connect produces a MockConn that is
// also published on Connected.
type Mock struct {
	mu sync.Mutex

	// ValidateFunc overrides Validate.
	ValidateFunc func() error
	// ConnectFunc overrides Connect.
	ConnectFunc func(ctx context.Context, setup Setup) (Conn, error)

	setups    []Setup
	connected chan *MockConn
}

// NewMock creates a new Mock engine.
func NewMock() *Mock {
	return &Mock{connected: make(chan *MockConn, 16)}
}

// Name implements Engine.
func (m *Mock) Name() string {
	return "mock"
}

// Validate implements Engine.
func (m *Mock) Validate() error {
	if m.ValidateFunc != nil {
		return m.ValidateFunc()
	}
	return nil
}

// Connect implements Engine.
func (m *Mock) Connect(ctx context.Context, setup Setup) (Conn, error) {
	m.mu.Lock()
	m.setups = append(m.setups, setup)
	m.mu.Unlock()

	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, setup)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewMockConn()
	m.connected <- c
	return c, nil
}

// Connected yields each connection made by Connect.
func (m *Mock) Connected() <-chan *MockConn {
	return m.connected
}

// Setups returns every setup passed to Connect.
func (m *Mock) Setups() []Setup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Setup, len(m.setups))
	copy(out, m.setups)
	return out
}

// MockConn is a Conn driven by Simulate* helpers that records what was sent.
type MockConn struct {
	mu     sync.Mutex
	events chan Event
	closed bool

	// SendErr, when set, is returned by every send.
	SendErr error

	audio     []audio.Frame
	texts     []string
	responses []ToolResponse
	ended     bool
	sent      chan struct{}
}

// NewMockConn creates an open MockConn.
func NewMockConn() *MockConn {
	return &MockConn{
		events: make(chan Event, 256),
		sent:   make(chan struct{}, 1024),
	}
}

// Events implements Conn.
func (c *MockConn) Events() <-chan Event {
	return c.events
}

func (c *MockConn) record(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	fn()
	select {
	case c.sent <- struct{}{}:
	default:
	}
	return nil
}

// SendAudio implements Conn.
func (c *MockConn) SendAudio(frame audio.Frame) error {
	return c.record(func() { c.audio = append(c.audio, frame) })
}

// SendText implements Conn.
func (c *MockConn) SendText(text string) error {
	return c.record(func() { c.texts = append(c.texts, text) })
}

// SendToolResponse implements Conn.
func (c *MockConn) SendToolResponse(resp ToolResponse) error {
	return c.record(func() { c.responses = append(c.responses, resp) })
}

// EndAudio implements Conn.
func (c *MockConn) EndAudio() error {
	return c.record(func() { c.ended = true })
}

// Close implements Conn.
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// Sent fires (best effort) after every recorded send.
func (c *MockConn) Sent() <-chan struct{} {
	return c.sent
}

// Audio returns the frames sent so far.
func (c *MockConn) Audio() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Frame(nil), c.audio...)
}

// Texts returns the text turns sent so far.
func (c *MockConn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// ToolResponses returns the tool responses sent so far.
func (c *MockConn) ToolResponses() []ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolResponse(nil), c.responses...)
}

// AudioEnded reports whether EndAudio was called.
func (c *MockConn) AudioEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// IsClosed reports whether Close was called.
func (c *MockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Test helpers

// Simulate delivers an arbitrary event. It is a no-op after Close.
func (c *MockConn) Simulate(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// SimulateReady reports setup completion.
func (c *MockConn) SimulateReady() {
	c.Simulate(Event{Kind: EventReady})
}

// SimulateAudio delivers synthesized speech.
func (c *MockConn) SimulateAudio(frame audio.Frame) {
	c.Simulate(Event{Kind: EventAudio, Audio: frame})
}

// SimulateTranscript delivers transcript text.
func (c *MockConn) SimulateTranscript(speaker Speaker, text string) {
	c.Simulate(Event{Kind: EventTranscription, Speaker: speaker, Text: text})
}

// SimulateToolCall delivers a tool call.
func (c *MockConn) SimulateToolCall(call ToolCall) {
	c.Simulate(Event{Kind: EventToolCall, ToolCall: call})
}

// SimulateInterrupted reports a barge-in.
func (c *MockConn) SimulateInterrupted() {
	c.Simulate(Event{Kind: EventInterrupted})
}

// SimulateError reports a transport failure.
func (c *MockConn) SimulateError(err error) {
	c.Simulate(Event{Kind: EventError, Err: err})
}

// SimulateRemoteClose reports that the backend hung up.
func (c *MockConn) SimulateRemoteClose() {
	c.Simulate(Event{Kind: EventClosed})
}
