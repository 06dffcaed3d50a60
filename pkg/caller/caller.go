// Package caller is the client side of the relay protocol: it streams
// captured microphone audio to the relay and feeds synthesized speech into
// a playback scheduler.
package caller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/audio"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/playback"
	"github.com/teslashibe/go-intake/pkg/protocol"
	"github.com/teslashibe/go-intake/pkg/store"
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("caller: connection closed")

// RelayError carries the message of an error sent by the relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return "caller: relay error: " + e.Message
}

const (
	defaultQueueSize = 64
	writeWait        = 5 * time.Second
)

// Handlers receive relay events. Every field is optional.
type Handlers struct {
	OnOpen       func()
	OnTranscript func(text string, isUser bool)
	// OnToolCall answers tool calls the relay does not handle itself. It
	// returns the response body, or nil to leave the call unanswered.
	OnToolCall func(call engine.ToolCall) map[string]any
	OnRecord   func(store.Record)
}

// Options configures a Client.
type Options struct {
	Handlers  Handlers
	QueueSize int
	Logger    *slog.Logger
	Dialer    *websocket.Dialer
}

// Client is one call to the relay.
type Client struct {
	conn     *websocket.Conn
	player   *playback.Scheduler
	handlers Handlers
	logger   *slog.Logger

	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64

	mu  sync.Mutex
	err error
}

// Dial connects to the relay websocket at url. player may be nil to
// discard speech.
func Dial(ctx context.Context, url string, player *playback.Scheduler, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("caller: dial %s: %w", url, err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.L()
	}
	c := &Client{
		conn:     conn,
		player:   player,
		handlers: opts.Handlers,
		logger:   opts.Logger.With("component", "caller"),
		queue:    make(chan []byte, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// Start asks the relay to open the upstream session.
func (c *Client) Start(cfg *protocol.StartConfig) error {
	return c.send(protocol.NewStart(cfg))
}

// Capture encodes one microphone block and queues it without blocking.
// It returns false when the block was dropped because the queue is full
// or the client is closed.
func (c *Client) Capture(samples []float32, inputRate int) bool {
	data, err := protocol.NewAudio(audio.Encode(samples, inputRate)).Bytes()
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped returns how many captured blocks were discarded.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// SendText sends a typed user turn.
func (c *Client) SendText(text string) error {
	return c.send(protocol.NewText(text))
}

// RespondTool answers a forwarded tool call.
func (c *Client) RespondTool(id, name string, response map[string]any) error {
	return c.send(protocol.NewToolResponse(id, name, response))
}

// Stop asks the relay to end the session.
func (c *Client) Stop() error {
	return c.send(protocol.NewStop())
}

func (c *Client) send(msg protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Run dispatches relay messages until the relay closes the session or ctx
// is cancelled. A relay error message is returned as *RelayError.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return c.Err()
			}
			if e := c.Err(); e != nil {
				return e
			}
			return fmt.Errorf("caller: read: %w", err)
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("ignoring malformed message", "error", err)
			continue
		}
		if c.dispatch(msg) {
			c.Close()
			return c.Err()
		}
	}
}

// dispatch reports whether the session is over.
func (c *Client) dispatch(msg protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeOpen:
		c.logger.Info("session open")
		if c.handlers.OnOpen != nil {
			c.handlers.OnOpen()
		}
	case protocol.TypeAudio:
		if c.player == nil {
			return false
		}
		blob, err := msg.Blob()
		if err == nil {
			_, err = c.player.Enqueue(blob)
		}
		if err != nil {
			c.logger.Warn("speech chunk dropped", "error", err)
		}
	case protocol.TypeInterrupted:
		if c.player != nil {
			c.player.Interrupt()
		}
	case protocol.TypeTranscription:
		if c.handlers.OnTranscript != nil {
			c.handlers.OnTranscript(msg.Text, msg.User())
		}
	case protocol.TypeToolCall:
		c.onToolCall(engine.ToolCall{ID: msg.ID, Name: msg.Name, Args: msg.Args})
	case protocol.TypeSickNote:
		var rec store.Record
		if err := msg.ParseData(&rec); err != nil {
			c.logger.Warn("bad record payload", "error", err)
			return false
		}
		c.logger.Info("record saved", "record_id", rec.ID, "organization", rec.OrganizationName)
		if c.handlers.OnRecord != nil {
			c.handlers.OnRecord(rec)
		}
	case protocol.TypeError:
		c.setErr(&RelayError{Message: msg.Message})
	case protocol.TypeClose:
		c.logger.Info("session closed by relay")
		return true
	}
	return false
}

func (c *Client) onToolCall(call engine.ToolCall) {
	if c.handlers.OnToolCall == nil {
		return
	}
	resp := c.handlers.OnToolCall(call)
	if resp == nil {
		return
	}
	if err := c.RespondTool(call.ID, call.Name, resp); err != nil {
		c.logger.Warn("tool response not sent", "call_id", call.ID, "error", err)
	}
}

// Err returns the first error seen.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.setErr(err)
	c.Close()
}

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
