package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/directory"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/protocol"
	"github.com/teslashibe/go-intake/pkg/store"
)

const waitTimeout = 2 * time.Second

var errFakeClosed = errors.New("fake downstream closed")

// fakeDownstream is an in-memory client connection.
type fakeDownstream struct {
	in     chan []byte
	out    chan protocol.Message
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	written    []protocol.Message
	afterClose int
	closeFrame bool
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{
		in:     make(chan []byte, 64),
		out:    make(chan protocol.Message, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeDownstream) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeDownstream) WriteMessage(_ int, data []byte) error {
	msg, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, msg)
	select {
	case <-f.closed:
		f.afterClose++
		f.mu.Unlock()
		return errFakeClosed
	default:
	}
	f.mu.Unlock()
	f.out <- msg
	return nil
}

func (f *fakeDownstream) WriteControl(messageType int, _ []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage {
		f.mu.Lock()
		f.closeFrame = true
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeDownstream) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeDownstream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// hangUp simulates the client dropping the connection.
func (f *fakeDownstream) hangUp() { _ = f.Close() }

func (f *fakeDownstream) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := msg.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	select {
	case f.in <- data:
	case <-time.After(waitTimeout):
		t.Fatalf("send %s: timed out", msg.Type)
	}
}

func (f *fakeDownstream) sendRaw(t *testing.T, data string) {
	t.Helper()
	f.in <- []byte(data)
}

// expect returns the next message of type typ, skipping others.
func (f *fakeDownstream) expect(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-f.out:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (f *fakeDownstream) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.written...)
}

func (f *fakeDownstream) count(typ protocol.Type) int {
	n := 0
	for _, m := range f.messages() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func waitConn(t *testing.T, eng *engine.Mock) *engine.MockConn {
	t.Helper()
	select {
	case c := <-eng.Connected():
		return c
	case <-time.After(waitTimeout):
		t.Fatal("engine was never connected")
		return nil
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestStore(t *testing.T, entries ...directory.Entry) store.Store {
	t.Helper()
	st, err := store.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for i := range entries {
		if err := st.CreateEntry(context.Background(), &entries[i]); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func lincoln() directory.Entry {
	return directory.Entry{ID: "s1", OrganizationName: "Lincoln School", LocationName: "Springfield"}
}

func submitArgs(org, loc string) map[string]string {
	return map[string]string{
		"locationName":     loc,
		"organizationName": org,
		"subjectName":      "Lisa Simpson",
		"subjectBirthDate": "2015-05-09",
		"effectiveUntil":   "Friday",
	}
}

type harness struct {
	manager *Manager
	engine  *engine.Mock
	store   store.Store
	down    *fakeDownstream
	errc    chan error
}

func startHarness(t *testing.T, cfg ManagerConfig, entries ...directory.Entry) *harness {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	h := &harness{
		engine: engine.NewMock(),
		store:  newTestStore(t, entries...),
		down:   newFakeDownstream(),
		errc:   make(chan error, 1),
	}
	h.manager = NewManager(h.engine, h.store, cfg)
	go func() { h.errc <- h.manager.Serve(context.Background(), h.down) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

// open runs start → open and returns the upstream connection.
func (h *harness) open(t *testing.T) *engine.MockConn {
	t.Helper()
	h.down.send(t, protocol.NewStart(nil))
	conn := waitConn(t, h.engine)
	conn.SimulateReady()
	h.down.expect(t, protocol.TypeOpen)
	return conn
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session did not end")
		return nil
	}
}
