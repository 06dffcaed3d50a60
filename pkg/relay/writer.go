package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-intake/pkg/audio"
	"github.com/teslashibe/go-intake/pkg/engine"
)

// Downstream is the client side websocket. Both gorilla and fasthttp
// websocket connections satisfy it.
type Downstream interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	downstreamQueueSize = 256
	upstreamQueueSize   = 512
)

// downstreamWriter owns every write to the client connection. Closing the
// queue flushes what is left, sends a close frame and closes the socket.
type downstreamWriter struct {
	ws           Downstream
	queue        chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
	done         chan struct{}
	err          error
}

func newDownstreamWriter(ws Downstream, writeTimeout, pingInterval time.Duration) *downstreamWriter {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &downstreamWriter{
		ws:           ws,
		queue:        make(chan []byte, downstreamQueueSize),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
}

// send queues a text frame. It returns false once the writer has stopped.
func (w *downstreamWriter) send(payload []byte) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.queue <- payload:
		return true
	case <-w.done:
		return false
	}
}

// finish stops accepting frames. Only the session loop calls it, once.
func (w *downstreamWriter) finish() {
	close(w.queue)
}

func (w *downstreamWriter) run() {
	defer close(w.done)

	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				w.fail(err)
				return
			}
		case payload, ok := <-w.queue:
			if !ok {
				_ = w.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.writeTimeout))
				_ = w.ws.Close()
				return
			}
			if err := w.write(payload); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

func (w *downstreamWriter) write(payload []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}

func (w *downstreamWriter) fail(err error) {
	w.err = err
	_ = w.ws.Close()
	// Keep draining so the loop never blocks on a dead writer.
	go func() {
		for range w.queue {
		}
	}()
}

// upstreamWriter serializes sends on the engine connection in queue order.
// shutdown discards anything still queued, ends the audio stream and
// closes the connection.
type upstreamWriter struct {
	conn   engine.Conn
	ops    chan upstreamOp
	abort  chan struct{}
	done   chan struct{}
	errs   chan error
	logger *slog.Logger

	once sync.Once
}

type upstreamOp struct {
	name string
	fn   func(engine.Conn) error
}

func newUpstreamWriter(conn engine.Conn, logger *slog.Logger) *upstreamWriter {
	return &upstreamWriter{
		conn:   conn,
		ops:    make(chan upstreamOp, upstreamQueueSize),
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
		errs:   make(chan error, 1),
		logger: logger,
	}
}

// Errors yields the first send failure.
func (w *upstreamWriter) Errors() <-chan error {
	return w.errs
}

// audio drops the frame when the queue is full and reports false.
func (w *upstreamWriter) audio(frame audio.Frame) bool {
	select {
	case w.ops <- upstreamOp{name: "audio", fn: func(c engine.Conn) error { return c.SendAudio(frame) }}:
		return true
	default:
		return false
	}
}

func (w *upstreamWriter) text(text string) {
	w.enqueue(upstreamOp{name: "text", fn: func(c engine.Conn) error { return c.SendText(text) }})
}

func (w *upstreamWriter) toolResponse(resp engine.ToolResponse) {
	w.enqueue(upstreamOp{name: "toolResponse", fn: func(c engine.Conn) error { return c.SendToolResponse(resp) }})
}

func (w *upstreamWriter) enqueue(op upstreamOp) {
	select {
	case w.ops <- op:
	case <-w.done:
	}
}

// shutdown is called once by the session loop.
func (w *upstreamWriter) shutdown() {
	w.once.Do(func() {
		close(w.abort)
		close(w.ops)
	})
}

func (w *upstreamWriter) run() {
	defer close(w.done)

	failed := false
	for op := range w.ops {
		select {
		case <-w.abort:
			continue
		default:
		}
		if failed {
			continue
		}
		if err := op.fn(w.conn); err != nil {
			failed = true
			w.logger.Warn("upstream send failed", "op", op.name, "error", err)
			select {
			case w.errs <- err:
			default:
			}
		}
	}

	if !failed {
		if err := w.conn.EndAudio(); err != nil {
			w.logger.Debug("end of audio not sent", "error", err)
		}
	}
	if err := w.conn.Close(); err != nil {
		w.logger.Debug("upstream close", "error", err)
	}
}
