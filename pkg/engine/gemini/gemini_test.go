package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/audio"
	"github.com/teslashibe/go-intake/pkg/engine"
)

// fakeLive runs handler against each upgraded connection.
func fakeLive(t *testing.T, handler func(ws *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		handler(ws, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("server decode: %v", err)
	}
	return m
}

func next(t *testing.T, c engine.Conn) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return engine.Event{}
}

func testSetup() engine.Setup {
	return engine.Setup{
		Instructions: "collect the record",
		Transcribe:   true,
		Tools: []engine.Tool{{
			Name:        "submitRecord",
			Description: "store it",
			Fields: []engine.Field{
				{Name: "locationName"},
				{Name: "organizationName"},
			},
		}},
	}
}

func TestValidateRequiresKey(t *testing.T) {
	e := New()
	if !errors.Is(e.Validate(), engine.ErrMissingAPIKey) {
		t.Error("Validate should fail without key")
	}
	if _, err := e.Connect(context.Background(), testSetup()); !engine.IsCredential(err) {
		t.Errorf("Connect err = %v, want credential error", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	pcm := audio.SamplesToBytes([]int16{1, 2, 3, 4})
	serverDone := make(chan struct{})

	url := fakeLive(t, func(ws *websocket.Conn, r *http.Request) {
		defer close(serverDone)
		if r.URL.Query().Get("key") != "secret" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}

		setup := readJSON(t, ws)["setup"].(map[string]any)
		if setup["model"] != "models/test-model" {
			t.Errorf("model = %v", setup["model"])
		}
		if _, ok := setup["inputAudioTranscription"]; !ok {
			t.Error("transcription not requested")
		}
		tools := setup["tools"].([]any)[0].(map[string]any)
		decl := tools["functionDeclarations"].([]any)[0].(map[string]any)
		if decl["name"] != "submitRecord" {
			t.Errorf("tool = %v", decl["name"])
		}
		required := decl["parameters"].(map[string]any)["required"].([]any)
		if len(required) != 2 {
			t.Errorf("required = %v", required)
		}

		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		ws.WriteJSON(map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "hello"},
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
			}},
		}})
		ws.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
		ws.WriteJSON(map[string]any{"toolCall": map[string]any{"functionCalls": []any{
			map[string]any{"id": "call-1", "name": "submitRecord", "args": map[string]any{
				"locationName": "Springfield", "count": 2,
			}},
		}}})

		resp := readJSON(t, ws)["toolResponse"].(map[string]any)
		fr := resp["functionResponses"].([]any)[0].(map[string]any)
		if fr["id"] != "call-1" || fr["response"].(map[string]any)["result"] != "success" {
			t.Errorf("tool response = %v", fr)
		}

		in := readJSON(t, ws)["realtimeInput"].(map[string]any)
		if in["audio"].(map[string]any)["mimeType"] != "audio/pcm;rate=16000" {
			t.Errorf("audio = %v", in["audio"])
		}

		turn := readJSON(t, ws)["clientContent"].(map[string]any)
		if turn["turnComplete"] != true {
			t.Errorf("client content = %v", turn)
		}

		end := readJSON(t, ws)["realtimeInput"].(map[string]any)
		if end["audioStreamEnd"] != true {
			t.Errorf("end = %v", end)
		}
	})

	e := New(engine.WithAPIKey("secret"), engine.WithBaseURL(url), engine.WithModel("test-model"), engine.WithLogger(log.Discard()))
	c, err := e.Connect(context.Background(), testSetup())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if ev := next(t, c); ev.Kind != engine.EventReady {
		t.Fatalf("first event = %v", ev.Kind)
	}
	if ev := next(t, c); ev.Kind != engine.EventTranscription || ev.Speaker != engine.SpeakerUser || ev.Text != "hello" {
		t.Errorf("transcription = %+v", ev)
	}
	ev := next(t, c)
	if ev.Kind != engine.EventAudio || ev.Audio.SampleRate != 24000 || len(ev.Audio.Samples) != 4 {
		t.Errorf("audio = %+v", ev)
	}
	if ev := next(t, c); ev.Kind != engine.EventInterrupted {
		t.Errorf("want interrupted, got %v", ev.Kind)
	}
	ev = next(t, c)
	if ev.Kind != engine.EventToolCall || ev.ToolCall.ID != "call-1" {
		t.Fatalf("tool call = %+v", ev)
	}
	if ev.ToolCall.Args["locationName"] != "Springfield" || ev.ToolCall.Args["count"] != "2" {
		t.Errorf("args = %v", ev.ToolCall.Args)
	}

	if err := c.SendToolResponse(engine.ToolResponse{ID: "call-1", Name: "submitRecord", Result: engine.ResultSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := c.SendAudio(audio.NewFrame([]int16{5, 6}, audio.InputRate)); err != nil {
		t.Fatal(err)
	}
	if err := c.SendText("hi"); err != nil {
		t.Fatal(err)
	}
	if err := c.EndAudio(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-serverDone:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not finish")
	}
}

func TestRemoteNormalClose(t *testing.T) {
	url := fakeLive(t, func(ws *websocket.Conn, r *http.Request) {
		readJSON(t, ws)
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(100 * time.Millisecond)
	})

	c, err := New(engine.WithAPIKey("k"), engine.WithBaseURL(url), engine.WithLogger(log.Discard())).
		Connect(context.Background(), testSetup())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if ev := next(t, c); ev.Kind != engine.EventClosed {
		t.Errorf("event = %v, want closed", ev.Kind)
	}
}

func TestMalformedMessageIsError(t *testing.T) {
	url := fakeLive(t, func(ws *websocket.Conn, r *http.Request) {
		readJSON(t, ws)
		ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
		time.Sleep(100 * time.Millisecond)
	})

	c, err := New(engine.WithAPIKey("k"), engine.WithBaseURL(url), engine.WithLogger(log.Discard())).
		Connect(context.Background(), testSetup())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ev := next(t, c)
	if ev.Kind != engine.EventError || !errors.Is(ev.Err, engine.ErrInvalidMessage) {
		t.Errorf("event = %+v", ev)
	}
}

func TestSendAfterClose(t *testing.T) {
	url := fakeLive(t, func(ws *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := New(engine.WithAPIKey("k"), engine.WithBaseURL(url), engine.WithLogger(log.Discard())).
		Connect(context.Background(), testSetup())
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()

	if err := c.SendText("late"); !engine.IsNotConnected(err) {
		t.Errorf("err = %v, want closed", err)
	}
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("no events expected after close")
		}
	case <-time.After(2 * time.Second):
		t.Error("events channel not closed")
	}
}

func TestDialFailureIsConnectionError(t *testing.T) {
	_, err := New(engine.WithAPIKey("k"), engine.WithBaseURL("ws://127.0.0.1:1/none"), engine.WithLogger(log.Discard())).
		Connect(context.Background(), testSetup())
	var ce *engine.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
}

func TestStringArgs(t *testing.T) {
	got := stringArgs(map[string]any{"a": "x", "b": 1.5, "c": nil, "d": true})
	want := map[string]string{"a": "x", "b": "1.5", "c": "", "d": "true"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}
