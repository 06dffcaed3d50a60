package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/directory"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/hub"
	"github.com/teslashibe/go-intake/pkg/protocol"
	"github.com/teslashibe/go-intake/pkg/relay"
	"github.com/teslashibe/go-intake/pkg/store"
)

type testEnv struct {
	server *Server
	store  store.Store
	engine *engine.Mock
	feed   *hub.Hub
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.NewMock()
	mgr := relay.NewManager(eng, st, relay.ManagerConfig{Logger: log.Discard()})
	feed := hub.New("records")
	srv := New(st, mgr, feed, Options{Version: "test", Logger: log.Discard()})
	return &testEnv{server: srv, store: st, engine: eng, feed: feed}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.server.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	code, body := env.do(t, "GET", "/health", nil)
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "ok" || got["version"] != "test" || got["sessions"] != float64(0) {
		t.Errorf("health = %v", got)
	}
}

func TestSessionsEmpty(t *testing.T) {
	env := newEnv(t)
	code, body := env.do(t, "GET", "/sessions", nil)
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("body = %s", body)
	}
}

func TestMetrics(t *testing.T) {
	env := newEnv(t)
	code, body := env.do(t, "GET", "/metrics", nil)
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	for _, want := range []string{"# TYPE intake_sessions_active gauge", "intake_sessions_active 0", "intake_records_saved_total 0", "intake_feed_subscribers 0"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newEnv(t)
	code, body := env.do(t, "GET", "/nope", nil)
	if code != 404 {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(string(body), `"error"`) {
		t.Errorf("body = %s", body)
	}
}

func TestRelayRequiresUpgrade(t *testing.T) {
	env := newEnv(t)
	if code, _ := env.do(t, "GET", "/ws", nil); code != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", code)
	}
}

func TestDirectoryCRUD(t *testing.T) {
	env := newEnv(t)

	code, body := env.do(t, "POST", "/directory", directory.Entry{OrganizationName: "Lincoln School", LocationName: "Springfield"})
	if code != 201 {
		t.Fatalf("create status = %d: %s", code, body)
	}
	var created directory.Entry
	json.Unmarshal(body, &created)
	if created.ID == "" {
		t.Fatal("created entry has no id")
	}

	code, body = env.do(t, "GET", "/directory", nil)
	var entries []directory.Entry
	json.Unmarshal(body, &entries)
	if code != 200 || len(entries) != 1 {
		t.Fatalf("list = %d %s", code, body)
	}

	code, _ = env.do(t, "PUT", "/directory/"+created.ID, directory.Entry{OrganizationName: "Lincoln Elementary", LocationName: "Springfield"})
	if code != 200 {
		t.Fatalf("update status = %d", code)
	}
	got, err := env.store.GetEntry(context.Background(), created.ID)
	if err != nil || got.OrganizationName != "Lincoln Elementary" {
		t.Errorf("after update = %+v, %v", got, err)
	}

	if code, _ := env.do(t, "PUT", "/directory/missing", directory.Entry{OrganizationName: "a", LocationName: "b"}); code != 404 {
		t.Errorf("update unknown = %d, want 404", code)
	}
	if code, _ := env.do(t, "DELETE", "/directory/"+created.ID, nil); code != 204 {
		t.Errorf("delete = %d, want 204", code)
	}
	if code, _ := env.do(t, "DELETE", "/directory/"+created.ID, nil); code != 404 {
		t.Errorf("second delete = %d, want 404", code)
	}
}

func TestCreateEntryMissingFields(t *testing.T) {
	env := newEnv(t)
	code, body := env.do(t, "POST", "/directory", map[string]string{"organizationName": "Only Name"})
	if code != 400 {
		t.Fatalf("status = %d", code)
	}
	var got struct {
		Fields []string `json:"fields"`
	}
	json.Unmarshal(body, &got)
	if len(got.Fields) != 1 || got.Fields[0] != "locationName" {
		t.Errorf("fields = %v", got.Fields)
	}
}

func TestRecords(t *testing.T) {
	env := newEnv(t)
	entry := directory.Entry{ID: "s1", OrganizationName: "Lincoln School", LocationName: "Springfield"}
	if err := env.store.CreateEntry(context.Background(), &entry); err != nil {
		t.Fatal(err)
	}

	rec := map[string]string{
		"organizationId":   "s1",
		"subjectName":      "Bart Simpson",
		"subjectBirthDate": "2013-04-01",
		"effectiveUntil":   "Monday",
	}

	bad := map[string]string{"organizationId": "zzz", "subjectName": "x", "subjectBirthDate": "y", "effectiveUntil": "z"}
	if code, _ := env.do(t, "POST", "/records", bad); code != 400 {
		t.Errorf("unknown organization = %d, want 400", code)
	}
	if code, _ := env.do(t, "POST", "/records", map[string]string{"organizationId": "s1"}); code != 400 {
		t.Errorf("missing fields = %d, want 400", code)
	}

	code, body := env.do(t, "POST", "/records", rec)
	if code != 201 {
		t.Fatalf("create = %d: %s", code, body)
	}
	var created store.Record
	json.Unmarshal(body, &created)
	if created.Status != store.StatusCollected || created.OrganizationName != "Lincoln School" || created.SavedAt.IsZero() {
		t.Errorf("created = %+v", created)
	}

	dup := map[string]string{"id": created.ID}
	for k, v := range rec {
		dup[k] = v
	}
	if code, _ := env.do(t, "POST", "/records", dup); code != 409 {
		t.Errorf("duplicate id = %d, want 409", code)
	}

	code, body = env.do(t, "GET", "/records?organizationId=s1", nil)
	var list []store.Record
	json.Unmarshal(body, &list)
	if code != 200 || len(list) != 1 {
		t.Fatalf("list = %d %s", code, body)
	}
	code, body = env.do(t, "GET", "/records?organizationId=other", nil)
	json.Unmarshal(body, &list)
	if code != 200 || len(list) != 0 {
		t.Errorf("filtered list = %d %s", code, body)
	}

	code, body = env.do(t, "PUT", "/records/"+created.ID+"/status", map[string]string{"status": "confirmed"})
	var updated store.Record
	json.Unmarshal(body, &updated)
	if code != 200 || updated.Status != store.StatusConfirmed {
		t.Errorf("status update = %d %s", code, body)
	}
	if code, _ := env.do(t, "PUT", "/records/"+created.ID+"/status", map[string]string{"status": "shredded"}); code != 400 {
		t.Errorf("invalid status = %d, want 400", code)
	}
	if code, _ := env.do(t, "PUT", "/records/nope/status", map[string]string{"status": "archived"}); code != 404 {
		t.Errorf("unknown record = %d, want 404", code)
	}

	code, body = env.do(t, "GET", "/directory/summary", nil)
	var sum store.Summary
	json.Unmarshal(body, &sum)
	if code != 200 || sum.Total != 1 {
		t.Errorf("summary = %d %s", code, body)
	}
}

func TestRelayEndToEnd(t *testing.T) {
	env := newEnv(t)
	entry := directory.Entry{ID: "s1", OrganizationName: "Lincoln School", LocationName: "Springfield"}
	if err := env.store.CreateEntry(context.Background(), &entry); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	base := "ws://" + ln.Addr().String()

	feed, _, err := websocket.DefaultDialer.Dial(base+FeedPath, nil)
	if err != nil {
		t.Fatalf("feed dial: %v", err)
	}
	defer feed.Close()
	deadline := time.Now().Add(3 * time.Second)
	for env.feed.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("feed subscriber not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws", nil)
	if err != nil {
		t.Fatalf("relay dial: %v", err)
	}
	defer ws.Close()

	send := func(m protocol.Message) {
		data, _ := m.Bytes()
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	}
	expect := func(typ protocol.Type) protocol.Message {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				t.Fatalf("waiting for %s: %v", typ, err)
			}
			m, err := protocol.Parse(data)
			if err != nil {
				t.Fatal(err)
			}
			if m.Type == typ {
				return m
			}
		}
	}

	send(protocol.NewStart(nil))
	var conn *engine.MockConn
	select {
	case conn = <-env.engine.Connected():
	case <-time.After(3 * time.Second):
		t.Fatal("engine not connected")
	}
	conn.SimulateReady()
	expect(protocol.TypeOpen)

	conn.SimulateToolCall(engine.ToolCall{ID: "c1", Name: "submitRecord", Args: map[string]string{
		"locationName":     "springfield",
		"organizationName": "LINCOLN SCHOOL",
		"subjectName":      "Lisa Simpson",
		"subjectBirthDate": "2015-05-09",
		"effectiveUntil":   "Friday",
	}})
	expect(protocol.TypeToolCall)
	note := expect(protocol.TypeSickNote)
	var rec store.Record
	note.ParseData(&rec)
	if rec.OrganizationID != "s1" {
		t.Errorf("organizationId = %q", rec.OrganizationID)
	}

	feed.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := feed.ReadMessage()
	if err != nil {
		t.Fatalf("feed read: %v", err)
	}
	var ev struct {
		Type string       `json:"type"`
		Data store.Record `json:"data"`
	}
	json.Unmarshal(data, &ev)
	if ev.Type != hub.EventRecordCreated || ev.Data.ID != rec.ID {
		t.Errorf("feed event = %s", data)
	}

	send(protocol.NewStop())
	expect(protocol.TypeClose)
}
