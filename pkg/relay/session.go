// Package relay bridges one caller websocket and one upstream engine
// connection per call. A Session runs a single event loop that owns the
// state machine; helper goroutines only move bytes.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/audio"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/protocol"
	"github.com/teslashibe/go-intake/pkg/toolcall"
)

// Plan is what a session needs once the caller sends start.
type Plan struct {
	Setup engine.Setup
	// Router answers the submission tool. Nil forwards every call to the client.
	Router *toolcall.Router
}

// PrepareFunc builds the plan for a session from the start message.
type PrepareFunc func(ctx context.Context, start *protocol.StartConfig) (Plan, error)

// SessionConfig configures a Session.
type SessionConfig struct {
	Engine  engine.Engine
	Prepare PrepareFunc

	// IdleTimeout closes the session after this long without traffic.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
	// GreetingTrigger is sent upstream as a user turn once the engine is
	// ready so the agent speaks first. Empty disables it.
	GreetingTrigger string

	WriteTimeout time.Duration
	PingInterval time.Duration

	Logger *slog.Logger
	Stats  *Stats
	// OnTransition observes every accepted state change.
	OnTransition func(from, to State)
}

// TranscriptEvent is one piece of transcript in arrival order.
type TranscriptEvent struct {
	Text      string         `json:"text"`
	Speaker   engine.Speaker `json:"speaker"`
	Timestamp time.Time      `json:"timestamp"`
}

type inbound struct {
	data []byte
	err  error
}

type connectResult struct {
	conn engine.Conn
	err  error
}

// Session is one call. Create it with NewSession and drive it with Run.
type Session struct {
	id        string
	createdAt time.Time
	cfg       SessionConfig
	logger    *slog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64

	mu         sync.Mutex
	transcript []TranscriptEvent

	// Owned by the run loop.
	ctx         context.Context
	cancel      context.CancelFunc
	down        *downstreamWriter
	downOpen    bool
	up          *upstreamWriter
	upEvents    <-chan engine.Event
	router      *toolcall.Router
	watchdog    *watchdog
	seen        map[string]bool
	clientCalls map[string]string
	cancelled   map[string]bool
	fault       *Fault

	ws          Downstream
	inbound     chan inbound
	connected   chan connectResult
	toolResults chan toolcall.Result
	done        chan struct{}
	tools       sync.WaitGroup
}

// NewSession creates an idle session bound to the client connection ws.
func NewSession(ws Downstream, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = log.L()
	}
	id := uuid.NewString()
	s := &Session{
		id:          id,
		createdAt:   time.Now(),
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "relay", "session", id),
		ws:          ws,
		seen:        make(map[string]bool),
		clientCalls: make(map[string]string),
		cancelled:   make(map[string]bool),
		inbound:     make(chan inbound),
		connected:   make(chan connectResult),
		toolResults: make(chan toolcall.Result),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity returns the time of the last message in either direction.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEvent, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until it is closed. Cancelling ctx closes the
// session gracefully. The returned error is the fault that ended the
// session, if any.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.down = newDownstreamWriter(s.ws, s.cfg.WriteTimeout, s.cfg.PingInterval)
	s.downOpen = true
	go s.down.run()
	go s.readLoop()

	s.watchdog = newWatchdog(s.cfg.IdleTimeout)
	s.logger.Info("session started", "idle_timeout", s.cfg.IdleTimeout)

	for s.State() != StateClosed {
		var upErrs <-chan error
		if s.up != nil {
			upErrs = s.up.Errors()
		}
		select {
		case in := <-s.inbound:
			s.onClient(in)
		case res := <-s.connected:
			s.onConnected(res)
		case ev, ok := <-s.upEvents:
			s.onUpstream(ev, ok)
		case err := <-upErrs:
			s.fail(FaultTransport, err)
		case res := <-s.toolResults:
			s.onToolResult(res)
		case <-s.down.done:
			s.downOpen = false
			s.shutdown("downstream write failed")
		case <-s.watchdog.C():
			s.watchdog.Fire()
			s.shutdown("idle timeout")
		case <-s.ctx.Done():
			s.shutdown("context cancelled")
		}
	}
	close(s.done)

	<-s.down.done
	if s.up != nil {
		<-s.up.done
	}
	s.tools.Wait()

	s.logger.Info("session ended", "duration", time.Since(s.createdAt).Round(time.Millisecond))
	if s.fault != nil {
		return s.fault
	}
	return nil
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.ws.ReadMessage()
		select {
		case s.inbound <- inbound{data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) transition(to State) bool {
	from := s.State()
	if err := CheckTransition(from, to); err != nil {
		s.logger.Warn("rejected state transition", "error", err)
		return false
	}
	s.state.Store(int32(to))
	s.logger.Debug("state changed", "from", from, "to", to)
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(from, to)
	}
	return true
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.watchdog.Kick()
}

func (s *Session) forwarding() bool {
	st := s.State()
	return st == StateOpen || st == StateStreaming
}

func (s *Session) markStreaming() {
	if s.State() == StateOpen {
		s.transition(StateStreaming)
	}
}

func (s *Session) sendDown(msg protocol.Message) {
	if !s.downOpen {
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		s.logger.Error("encode downstream message", "type", msg.Type, "error", err)
		return
	}
	if !s.down.send(data) {
		s.downOpen = false
		return
	}
	s.cfg.Stats.messageOut()
	s.touch()
}

// ----------------------------------------------------------------------------
// Client side
// ----------------------------------------------------------------------------

func (s *Session) onClient(in inbound) {
	if in.err != nil {
		s.downOpen = false
		s.shutdown("downstream disconnected")
		return
	}

	msg, err := protocol.Parse(in.data)
	if err != nil {
		s.fail(FaultTransport, err)
		return
	}
	s.cfg.Stats.messageIn()
	s.touch()

	switch msg.Type {
	case protocol.TypeStart:
		s.onStart(msg.Config)
	case protocol.TypeAudio:
		s.onClientAudio(msg)
	case protocol.TypeText:
		if !s.forwarding() {
			s.logger.Debug("text before open dropped")
			return
		}
		s.up.text(msg.Text)
	case protocol.TypeToolResponse:
		s.onClientToolResponse(msg)
	case protocol.TypeStop:
		s.shutdown("client stop")
	default:
		s.logger.Warn("unexpected client message", "type", msg.Type)
	}
}

func (s *Session) onStart(cfg *protocol.StartConfig) {
	if s.State() != StateIdle {
		s.logger.Warn("duplicate start ignored", "state", s.State())
		return
	}
	if err := s.cfg.Engine.Validate(); err != nil {
		kind := FaultTransport
		if engine.IsCredential(err) {
			kind = FaultCredential
		}
		s.fail(kind, err)
		return
	}

	plan, err := s.cfg.Prepare(s.ctx, cfg)
	if err != nil {
		s.fail(FaultTransport, fmt.Errorf("prepare session: %w", err))
		return
	}
	s.router = plan.Router
	if !s.transition(StateConnecting) {
		return
	}

	s.logger.Info("connecting upstream", "engine", s.cfg.Engine.Name(), "tools", len(plan.Setup.Tools))
	ctx, setup := s.ctx, plan.Setup
	go func() {
		conn, err := s.cfg.Engine.Connect(ctx, setup)
		select {
		case s.connected <- connectResult{conn: conn, err: err}:
		case <-s.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (s *Session) onClientAudio(msg protocol.Message) {
	if !s.forwarding() {
		s.logger.Debug("audio before open dropped")
		return
	}
	blob, err := msg.Blob()
	if err == nil {
		var frame audio.Frame
		frame, err = audio.DecodeBlob(blob, audio.InputRate)
		if err == nil {
			s.markStreaming()
			if !s.up.audio(frame) {
				s.cfg.Stats.audioDropped()
				s.logger.Warn("upstream queue full, audio dropped")
			}
			return
		}
	}
	s.logger.Warn("client audio dropped", "fault", FaultDecode, "error", err)
}

func (s *Session) onClientToolResponse(msg protocol.Message) {
	name, ok := s.clientCalls[msg.ID]
	if !ok || !s.forwarding() {
		s.logger.Warn("tool response for unknown call dropped", "call_id", msg.ID)
		return
	}
	delete(s.clientCalls, msg.ID)
	if msg.Name != "" {
		name = msg.Name
	}
	s.up.toolResponse(engine.ResponseFromPayload(msg.ID, name, msg.Response))
}

// ----------------------------------------------------------------------------
// Upstream side
// ----------------------------------------------------------------------------

func (s *Session) onConnected(res connectResult) {
	if res.err != nil {
		s.fail(FaultTransport, res.err)
		return
	}
	s.up = newUpstreamWriter(res.conn, s.logger)
	go s.up.run()
	s.upEvents = res.conn.Events()
}

func (s *Session) onUpstream(ev engine.Event, ok bool) {
	if !ok {
		s.upEvents = nil
		s.shutdown("upstream closed")
		return
	}
	s.touch()

	switch ev.Kind {
	case engine.EventReady:
		if s.State() != StateConnecting || !s.transition(StateOpen) {
			return
		}
		s.logger.Info("upstream ready")
		s.sendDown(protocol.NewOpen())
		if s.cfg.GreetingTrigger != "" {
			s.up.text(s.cfg.GreetingTrigger)
		}
	case engine.EventAudio:
		if !s.forwarding() {
			return
		}
		s.markStreaming()
		s.sendDown(protocol.NewAudio(audio.EncodeFrame(ev.Audio)))
	case engine.EventTranscription:
		s.mu.Lock()
		s.transcript = append(s.transcript, TranscriptEvent{Text: ev.Text, Speaker: ev.Speaker, Timestamp: time.Now()})
		s.mu.Unlock()
		s.sendDown(protocol.NewTranscription(ev.Text, ev.Speaker == engine.SpeakerUser))
	case engine.EventToolCall:
		s.onToolCall(ev.ToolCall)
	case engine.EventToolCancel:
		for _, id := range ev.CallIDs {
			delete(s.clientCalls, id)
			s.cancelled[id] = true
		}
		s.logger.Info("tool calls cancelled", "call_ids", ev.CallIDs)
	case engine.EventInterrupted:
		s.sendDown(protocol.NewInterrupted())
	case engine.EventTurnComplete:
		s.logger.Debug("turn complete")
	case engine.EventClosed:
		s.shutdown("upstream closed")
	case engine.EventError:
		s.fail(FaultTransport, ev.Err)
	}
}

func (s *Session) onToolCall(call engine.ToolCall) {
	if !s.forwarding() {
		return
	}
	if call.ID != "" {
		if s.seen[call.ID] {
			s.logger.Warn("duplicate tool call ignored", "call_id", call.ID)
			return
		}
		s.seen[call.ID] = true
	}
	s.cfg.Stats.toolCall()
	s.logger.Info("tool call", "call_id", call.ID, "name", call.Name)
	s.sendDown(protocol.NewToolCall(call))

	if s.router == nil || !s.router.Handles(call.Name) {
		s.clientCalls[call.ID] = call.Name
		return
	}

	router, ctx := s.router, s.ctx
	s.tools.Add(1)
	go func() {
		defer s.tools.Done()
		res := router.Handle(ctx, call)
		select {
		case s.toolResults <- res:
		case <-s.done:
			s.logger.Info("tool result after close dropped", "call_id", call.ID, "result", res.Response.Result)
		}
	}()
}

func (s *Session) onToolResult(res toolcall.Result) {
	if !s.forwarding() {
		return
	}
	id := res.Response.ID
	if s.cancelled[id] {
		s.logger.Info("response for cancelled call not sent", "call_id", id)
	} else if !res.Repeat {
		s.up.toolResponse(res.Response)
	}
	if res.Record == nil {
		return
	}
	s.cfg.Stats.recordSaved()
	msg, err := protocol.NewSickNote(res.Record)
	if err != nil {
		s.logger.Error("encode record", "error", err)
		return
	}
	s.sendDown(msg)
}

// ----------------------------------------------------------------------------
// Teardown
// ----------------------------------------------------------------------------

// fail reports a fatal fault once and closes the session.
func (s *Session) fail(kind FaultKind, err error) {
	st := s.State()
	if st == StateClosing || st == StateClosed || st == StateError {
		return
	}
	f := &Fault{Kind: kind, Err: err}
	if !s.transition(StateError) {
		return
	}
	s.fault = f
	s.logger.Error("session failed", "fault", kind, "error", err)
	s.sendDown(protocol.NewError(f.ClientMessage()))
	s.shutdown(kind.String() + " fault")
}

// shutdown moves through CLOSING to CLOSED, releasing both connections.
func (s *Session) shutdown(reason string) {
	if !s.transition(StateClosing) {
		return
	}
	s.logger.Info("session closing", "reason", reason)
	s.watchdog.Stop()
	s.cancel()

	if s.up != nil {
		s.up.shutdown()
	}
	s.upEvents = nil

	s.sendDown(protocol.NewClose())
	s.downOpen = false
	s.down.finish()

	s.transition(StateClosed)
}
