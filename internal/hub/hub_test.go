package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/playhost/internal/broadcast"
	"github.com/user/playhost/internal/gameplay"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestBroadcaster() *broadcast.Broadcaster {
	return broadcast.New(broadcast.Config{
		FlushInterval: 10 * time.Millisecond,
		PingInterval:  time.Hour,
		Snapshot: func() map[string]any {
			return map[string]any{"running": true, "title": "Lamp"}
		},
	})
}

func startHub(t *testing.T, h *Hub) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	url := fmt.Sprintf("ws://%s/ws", server.URL[7:])
	return url, func() {
		cancel()
		server.Close()
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("failed to unmarshal frame %q: %v", data, err)
	}
	return f
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHelloThenState(t *testing.T) {
	b := newTestBroadcaster()
	defer b.CloseAll()
	h := New(b, "", nil)
	url, stop := startHub(t, h)
	defer stop()

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readFrame(t, conn)
	if hello.Event != broadcast.EventHello {
		t.Fatalf("expected hello, got %q", hello.Event)
	}
	var payload struct {
		Snapshot map[string]any `json:"snapshot"`
	}
	if err := json.Unmarshal(hello.Data, &payload); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if payload.Snapshot["title"] != "Lamp" {
		t.Errorf("unexpected snapshot: %v", payload.Snapshot)
	}

	waitForClientCount(t, h, 1, time.Second)
	b.EmitState(map[string]any{"x": 1})
	b.EmitState(map[string]any{"x": 2, "y": 1})

	// the two deltas may straddle a flush; the last state frame wins
	got := map[string]float64{}
	for i := 0; i < 2 && got["x"] != 2; i++ {
		state := readFrame(t, conn)
		if state.Event != broadcast.EventState {
			t.Fatalf("expected state, got %q", state.Event)
		}
		if err := json.Unmarshal(state.Data, &got); err != nil {
			t.Fatalf("unmarshal state: %v", err)
		}
	}
	if got["x"] != 2 || got["y"] != 1 {
		t.Errorf("unexpected merged state: %v", got)
	}
}

func TestActionRoundTrip(t *testing.T) {
	b := newTestBroadcaster()
	defer b.CloseAll()
	h := New(b, "", func(action string, payload any) (any, error) {
		switch action {
		case "add":
			return map[string]any{"echo": payload}, nil
		case "boom":
			return nil, errors.New("exploded")
		default:
			return nil, &gameplay.Error{Code: gameplay.CodeActionNotSupported, Message: "unknown action"}
		}
	})
	url, stop := startHub(t, h)
	defer stop()

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn)

	tests := []struct {
		action string
		ok     bool
		code   string
	}{
		{action: "add", ok: true},
		{action: "boom", code: gameplay.CodeActionFailed},
		{action: "jump", code: gameplay.CodeActionNotSupported},
	}
	for i, tt := range tests {
		writeJSON(t, conn, ClientMessage{Type: "action", ID: fmt.Sprint(i), Action: tt.action, Payload: map[string]any{"n": 1}})
		f := readFrame(t, conn)
		if f.Event != EventActionResult {
			t.Fatalf("expected action_result, got %q", f.Event)
		}
		var res ActionResultMessage
		if err := json.Unmarshal(f.Data, &res); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if res.ID != fmt.Sprint(i) || res.OK != tt.ok {
			t.Errorf("%s: unexpected result %+v", tt.action, res)
		}
		if !tt.ok && (res.Error == nil || res.Error.Code != tt.code) {
			t.Errorf("%s: expected code %s, got %+v", tt.action, tt.code, res.Error)
		}
	}

	writeJSON(t, conn, map[string]any{"type": "dance"})
	if f := readFrame(t, conn); f.Event != EventError {
		t.Errorf("expected error frame, got %q", f.Event)
	}
}

func TestPingRepliesUseStreamBudget(t *testing.T) {
	b := broadcast.New(broadcast.Config{
		Budget:        2,
		Window:        time.Hour,
		FlushInterval: time.Hour,
		PingInterval:  time.Hour,
	})
	defer b.CloseAll()
	h := New(b, "", func(action string, payload any) (any, error) {
		return map[string]any{"action": action}, nil
	})
	url, stop := startHub(t, h)
	defer stop()

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	if f := readFrame(t, conn); f.Event != broadcast.EventHello {
		t.Fatalf("expected hello, got %q", f.Event)
	}

	writeJSON(t, conn, ClientMessage{Type: "ping"})
	if f := readFrame(t, conn); f.Event != broadcast.EventPing {
		t.Fatalf("expected ping reply, got %q", f.Event)
	}

	// budget is spent: the second ping is dropped, the action reply is not
	writeJSON(t, conn, ClientMessage{Type: "ping"})
	writeJSON(t, conn, ClientMessage{Type: "action", ID: "1", Action: "status"})
	if f := readFrame(t, conn); f.Event != EventActionResult {
		t.Fatalf("expected action_result, got %q", f.Event)
	}
}

func TestSessionEndClosesStream(t *testing.T) {
	b := newTestBroadcaster()
	h := New(b, "", nil)
	url, stop := startHub(t, h)
	defer stop()

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn)
	waitForClientCount(t, h, 1, time.Second)

	b.EndSession()
	if f := readFrame(t, conn); f.Event != EventEnd {
		t.Fatalf("expected end frame, got %q", f.Event)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("expected normal closure, got %v", err)
	}
	waitForClientCount(t, h, 0, time.Second)
	if b.Count() != 0 {
		t.Errorf("expected no subscribers, got %d", b.Count())
	}
}

func TestTokenRequired(t *testing.T) {
	b := newTestBroadcaster()
	defer b.CloseAll()
	h := New(b, "secret", nil)
	url, stop := startHub(t, h)
	defer stop()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	if _, _, err := websocket.Dial(dialCtx, url, nil); err == nil {
		t.Fatal("expected dial without token to fail")
	}

	conn := dial(t, url+"?token=secret")
	defer conn.Close(websocket.StatusNormalClosure, "")
	if f := readFrame(t, conn); f.Event != broadcast.EventHello {
		t.Errorf("expected hello, got %q", f.Event)
	}
}

func TestShutdownReleasesClients(t *testing.T) {
	b := newTestBroadcaster()
	h := New(b, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()
	url := fmt.Sprintf("ws://%s/ws", server.URL[7:])

	numClients := 5
	var conns []*websocket.Conn
	for i := 0; i < numClients; i++ {
		conns = append(conns, dial(t, url))
	}
	waitForClientCount(t, h, numClients, 2*time.Second)

	cancel()
	time.Sleep(200 * time.Millisecond)

	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", h.ClientCount())
	}
	if b.Count() != 0 {
		t.Errorf("expected subscriptions released, got %d", b.Count())
	}
	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func waitForClientCount(t *testing.T, hub *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, hub.ClientCount())
	}
}
