package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fitform/armeasure/internal/logging"
	"github.com/fitform/armeasure/internal/platform"
	"github.com/fitform/armeasure/internal/session"
	"github.com/gorilla/websocket"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestAPI_MeasurementStream(t *testing.T) {
	f := newTestFacade(t, standingPlatform())
	srv := New(Config{Facade: f, Logger: logging.Discard()})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/measurements/stream"), nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for srv.stream.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.StartSession(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var prev uint64
	for i := 0; i < 3; i++ {
		var u session.Update
		if err := conn.ReadJSON(&u); err != nil {
			t.Fatalf("read update %d: %v", i, err)
		}
		if u.SessionID == "" {
			t.Error("update has no session id")
		}
		if u.Sequence <= prev {
			t.Errorf("sequence %d after %d, want increasing", u.Sequence, prev)
		}
		prev = u.Sequence
	}
}

func TestAPI_StreamClosedOnShutdown(t *testing.T) {
	srv := New(Config{Facade: newTestFacade(t, standingPlatform()), Logger: logging.Discard()})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/measurements/stream"), nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for srv.stream.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the stream connection to be closed")
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/measurements/stream"), nil)
	if err == nil {
		t.Fatal("expected new stream connections to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status %d for refused stream", http.StatusServiceUnavailable)
	}
}

func TestAPI_NativeBridge(t *testing.T) {
	bridge := platform.NewARCoreBridge(logging.Discard())
	f := newTestFacade(t, bridge)
	srv := New(Config{
		Facade:  f,
		Bridges: map[string]*platform.Bridge{"arcore": bridge},
		Logger:  logging.Discard(),
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/bridge/hololens"), nil)
	if err == nil {
		t.Fatal("expected unknown platform to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status %d for unknown platform", http.StatusNotFound)
	}

	native, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/bridge/arcore"), nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	defer native.Close()

	if err := native.WriteJSON(map[string]any{
		"type": "hello", "supported": true, "bodyTracking": true,
	}); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !bridge.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("bridge never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var health struct {
		Bridges map[string]bool `json:"bridges"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.Bridges["arcore"] {
		t.Errorf("health bridges = %v, want arcore connected", health.Bridges)
	}

	if _, err := f.StartSession(context.Background()); err != nil {
		t.Fatalf("start session over bridge: %v", err)
	}
	if got := f.GetSessionStatus().Source; got != platform.KindARCore {
		t.Errorf("source = %q, want %q", got, platform.KindARCore)
	}
}
