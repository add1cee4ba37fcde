package distribution

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/afiyah/abr"
	"github.com/zsiec/afiyah/session"
)

func dialTelemetry(t *testing.T, env *testEnv, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/sessions/" + id + "/telemetry"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func startSession(t *testing.T, env *testEnv) string {
	t.Helper()
	env.registerLocal(t)
	env.srv.RegisterStream("live", testLadder(t))
	resp := do(t, "POST", env.ts.URL+"/api/sessions", session.Request{Content: "live"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want 201", resp.StatusCode)
	}
	return decode[session.Info](t, resp).ID
}

func TestTelemetryAckDecision(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := startSession(t, env)
	ws := dialTelemetry(t, env, id)

	ack := session.Ack{Buffer: 8 * time.Second}
	ack.Delivery.Bytes = 500_000
	ack.Delivery.Elapsed = time.Second
	for range 3 {
		if err := ws.WriteJSON(ack); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
		var d AckResponse
		if err := ws.ReadJSON(&d); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if d.State == abr.StateStopped {
			t.Fatalf("unexpected stopped decision")
		}
	}
	info := decode[session.Info](t, do(t, "GET", env.ts.URL+"/api/sessions/"+id, nil))
	if info.Estimate.Samples != 3 {
		t.Errorf("estimate samples = %d, want 3", info.Estimate.Samples)
	}
}

func TestTelemetryClosesOnStop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := startSession(t, env)
	ws := dialTelemetry(t, env, id)
	do(t, "DELETE", env.ts.URL+"/api/sessions/"+id, nil)

	if err := ws.WriteJSON(session.Ack{}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var d AckResponse
	if err := ws.ReadJSON(&d); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if d.State != abr.StateStopped {
		t.Fatalf("state = %v, want stopped", d.State)
	}
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("got %v, want normal closure", err)
	}
}

func TestTelemetryRejectsBadAck(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := startSession(t, env)
	ws := dialTelemetry(t, env, id)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Errorf("got %v, want unsupported data close", err)
	}
}

func TestTelemetryUnknownSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/sessions/nope/telemetry"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %v, want 404", resp)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] == "" {
		t.Error("expected error body")
	}
}
