package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-intake/internal/config"
	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/directory"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/protocol"
	"github.com/teslashibe/go-intake/pkg/store"
)

func TestManagerShutdownClosesSessions(t *testing.T) {
	h := startHarness(t, ManagerConfig{})
	conn := h.open(t)

	waitUntil(t, "registered", func() bool { return h.manager.Count() == 1 })
	if got := h.manager.Stats().SessionsActive; got != 1 {
		t.Errorf("active = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	h.down.expect(t, protocol.TypeClose)
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if !conn.IsClosed() {
		t.Error("upstream not released")
	}
	if h.manager.Count() != 0 {
		t.Errorf("count = %d after shutdown", h.manager.Count())
	}
	if got := h.manager.Stats().SessionsActive; got != 0 {
		t.Errorf("active = %d, want 0", got)
	}

	err := h.manager.Serve(context.Background(), newFakeDownstream())
	if !errors.Is(err, ErrShutdown) {
		t.Errorf("Serve() after shutdown = %v, want ErrShutdown", err)
	}
}

func TestManagerListeners(t *testing.T) {
	h := startHarness(t, ManagerConfig{}, lincoln())
	got := make(chan store.Record, 1)
	h.manager.OnRecord(func(r store.Record) { got <- r })

	conn := h.open(t)
	conn.SimulateToolCall(engine.ToolCall{ID: "c1", Name: "submitRecord", Args: submitArgs("Lincoln School", "Springfield")})

	select {
	case r := <-got:
		if r.OrganizationID != "s1" || r.ToolCallID != "c1" {
			t.Errorf("record = %+v", r)
		}
	case <-time.After(waitTimeout):
		t.Fatal("listener not called")
	}
}

func TestManagerSessionLookup(t *testing.T) {
	h := startHarness(t, ManagerConfig{})
	h.open(t)
	sess := onlySession(t, h.manager)
	found, ok := h.manager.Session(sess.ID())
	if !ok || found != sess {
		t.Fatal("Session() lookup failed")
	}
	if _, ok := h.manager.Session("nope"); ok {
		t.Error("unknown id found")
	}
}

func TestManagerSessionsListing(t *testing.T) {
	h := startHarness(t, ManagerConfig{})
	h.open(t)
	sess := onlySession(t, h.manager)

	infos := h.manager.Sessions()
	if len(infos) != 1 {
		t.Fatalf("sessions = %+v", infos)
	}
	info := infos[0]
	if info.ID != sess.ID() || info.State != "open" {
		t.Errorf("info = %+v", info)
	}
	if info.LastActivity.Before(info.CreatedAt) {
		t.Errorf("lastActivity %v before createdAt %v", info.LastActivity, info.CreatedAt)
	}
}

func TestManagerConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Intake.ToolName = "submitSickNote"
	mc, err := ManagerConfigFrom(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if mc.IdleTimeout != config.DefaultIdleTimeout || mc.ToolName != "submitSickNote" || mc.Instructions == nil {
		t.Errorf("config = %+v", mc)
	}

	cfg.Intake.InstructionsFile = t.TempDir() + "/missing.tmpl"
	if _, err := ManagerConfigFrom(&cfg); err == nil {
		t.Error("expected error for missing instructions file")
	}
}

func TestInstructionsRender(t *testing.T) {
	text, err := DefaultInstructions().Render(InstructionData{
		OrganizationName: "Lincoln School",
		Directory:        "- Lincoln School (Springfield)",
		Language:         "de",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"the intake assistant", "routed from Lincoln School", "- Lincoln School (Springfield)", "call submitRecord", `"de"`} {
		if !strings.Contains(text, want) {
			t.Errorf("instructions missing %q", want)
		}
	}

	custom, err := ParseInstructions("{{.AgentName}} uses {{.ToolName}}")
	if err != nil {
		t.Fatal(err)
	}
	text, err = custom.Render(InstructionData{AgentName: "Eva", ToolName: "x"})
	if err != nil || text != "Eva uses x" {
		t.Errorf("Render() = %q, %v", text, err)
	}

	if _, err := ParseInstructions("{{.Broken"); err == nil {
		t.Error("expected parse error")
	}
}

func TestPrepareStoreFailure(t *testing.T) {
	eng := engine.NewMock()
	down := newFakeDownstream()
	m := NewManager(eng, failingStore{}, ManagerConfig{Logger: log.Discard()})
	errc := make(chan error, 1)
	go func() { errc <- m.Serve(context.Background(), down) }()

	down.send(t, protocol.NewStart(nil))
	down.expect(t, protocol.TypeError)
	down.expect(t, protocol.TypeClose)
	if err := <-errc; err == nil {
		t.Fatal("expected fault")
	}
}

type failingStore struct{ store.Store }

func (failingStore) ListEntries(context.Context) ([]directory.Entry, error) {
	return nil, errors.New("disk on fire")
}
