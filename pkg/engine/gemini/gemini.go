// Package gemini implements engine.Engine on the Gemini Live
// BidiGenerateContent websocket API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/teslashibe/go-intake/pkg/audio"
	"github.com/teslashibe/go-intake/pkg/engine"
)

const (
	// LiveURL is the Gemini Live websocket endpoint.
	LiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// DefaultModel is used when no model is configured.
	DefaultModel = "models/gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is used when no voice is configured.
	DefaultVoice = "Kore"

	maxMessageSize = 4 << 20
)

// Engine dials Gemini Live sessions.
type Engine struct {
	cfg *engine.Config
}

var _ engine.Engine = (*Engine)(nil)

// New creates a Gemini engine.
func New(opts ...engine.Option) *Engine {
	cfg := engine.DefaultConfig()
	cfg.Apply(opts...)
	if cfg.BaseURL == "" {
		cfg.BaseURL = LiveURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	return &Engine{cfg: cfg}
}

// Name implements engine.Engine.
func (e *Engine) Name() string {
	return "gemini"
}

// Validate implements engine.Engine.
func (e *Engine) Validate() error {
	return e.cfg.Validate()
}

// Connect implements engine.Engine.
func (e *Engine) Connect(ctx context.Context, setup engine.Setup) (engine.Conn, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	u, err := url.Parse(e.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("engine/gemini: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", e.cfg.APIKey)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: e.cfg.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		retryable := resp == nil || resp.StatusCode >= http.StatusInternalServerError
		return nil, engine.NewConnectionError("dial", err, retryable)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &conn{
		ws:           ws,
		writeTimeout: e.cfg.WriteTimeout,
		events:       make(chan engine.Event, e.cfg.EventBuffer),
		done:         make(chan struct{}),
		logger:       e.cfg.Logger.With("component", "engine", "engine", "gemini"),
	}

	if err := c.writeJSON(clientMessage{Setup: e.buildSetup(setup)}); err != nil {
		ws.Close()
		return nil, engine.NewConnectionError("send setup", err, false)
	}

	go c.readLoop()
	return c, nil
}

func (e *Engine) buildSetup(s engine.Setup) *setupMessage {
	model := s.Model
	if model == "" {
		model = e.cfg.Model
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	voice := s.Voice
	if voice == "" {
		voice = e.cfg.Voice
	}

	msg := &setupMessage{
		Model: model,
		GenerationConfig: &genai.GenerationConfig{
			ResponseModalities: []genai.Modality{genai.ModalityAudio},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
	}
	if s.Instructions != "" {
		msg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: s.Instructions}}}
	}
	if len(s.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(s.Tools))
		for _, t := range s.Tools {
			decls = append(decls, functionDeclaration(t))
		}
		msg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if s.Transcribe {
		msg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		msg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return msg
}

func functionDeclaration(t engine.Tool) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(t.Fields))
	for _, f := range t.Fields {
		props[f.Name] = &genai.Schema{Type: genai.TypeString, Description: f.Description}
	}
	return &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   t.FieldNames(),
		},
	}
}

// conn is one live websocket session.
type conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	events    chan engine.Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	logger *slog.Logger
}

func (c *conn) Events() <-chan engine.Event {
	return c.events
}

func (c *conn) writeJSON(msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("engine/gemini: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return engine.ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrSendFailed, err)
	}
	return nil
}

func (c *conn) SendAudio(frame audio.Frame) error {
	return c.writeJSON(clientMessage{RealtimeInput: &realtimeInput{
		Audio: &genai.Blob{Data: frame.Bytes(), MIMEType: audio.MimeType(frame.SampleRate)},
	}})
}

func (c *conn) SendText(text string) error {
	return c.writeJSON(clientMessage{ClientContent: &clientContent{
		Turns:        []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}},
		TurnComplete: true,
	}})
}

func (c *conn) SendToolResponse(resp engine.ToolResponse) error {
	return c.writeJSON(clientMessage{ToolResponse: &toolResponse{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       resp.ID,
			Name:     resp.Name,
			Response: resp.Payload(),
		}},
	}})
}

func (c *conn) EndAudio() error {
	return c.writeJSON(clientMessage{RealtimeInput: &realtimeInput{AudioStreamEnd: true}})
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		// WriteControl may run concurrently with a stalled data write;
		// closing the socket afterwards aborts that write.
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *conn) emit(ev engine.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("upstream closed", "error", err)
				c.emit(engine.Event{Kind: engine.EventClosed})
				return
			}
			c.logger.Warn("upstream read failed", "error", err)
			c.emit(engine.Event{Kind: engine.EventError, Err: engine.NewConnectionError("read", err, true)})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed upstream message", "error", err)
			c.emit(engine.Event{Kind: engine.EventError, Err: fmt.Errorf("%w: %v", engine.ErrInvalidMessage, err)})
			return
		}
		if !c.dispatch(&msg) {
			return
		}
	}
}

// dispatch converts one server message to events. It returns false once
// the connection is closing.
func (c *conn) dispatch(msg *serverMessage) bool {
	var evs []engine.Event

	if msg.SetupComplete != nil {
		evs = append(evs, engine.Event{Kind: engine.EventReady})
	}
	if sc := msg.ServerContent; sc != nil {
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			evs = append(evs, engine.Event{Kind: engine.EventTranscription, Speaker: engine.SpeakerUser, Text: t.Text})
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			evs = append(evs, engine.Event{Kind: engine.EventTranscription, Speaker: engine.SpeakerAgent, Text: t.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
					continue
				}
				rate := audio.ParseRate(p.InlineData.MIMEType, audio.OutputRate)
				evs = append(evs, engine.Event{Kind: engine.EventAudio, Audio: audio.FrameFromBytes(p.InlineData.Data, rate)})
			}
		}
		if sc.Interrupted {
			evs = append(evs, engine.Event{Kind: engine.EventInterrupted})
		}
		if sc.TurnComplete {
			evs = append(evs, engine.Event{Kind: engine.EventTurnComplete})
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			evs = append(evs, engine.Event{Kind: engine.EventToolCall, ToolCall: engine.ToolCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: stringArgs(fc.Args),
			}})
		}
	}
	if tcc := msg.ToolCallCancellation; tcc != nil {
		evs = append(evs, engine.Event{Kind: engine.EventToolCancel, CallIDs: tcc.IDs})
	}
	if msg.GoAway != nil {
		c.logger.Info("upstream going away", "time_left", msg.GoAway.TimeLeft)
	}

	for _, ev := range evs {
		if !c.emit(ev) {
			return false
		}
	}
	return true
}
