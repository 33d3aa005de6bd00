package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"floodmesh.ai/internal/protocol"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/scheduler"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/observe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, every int) {
	t.Helper()
	msg := protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Every: every}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func waitObservers(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.sessions)
		s.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("observers did not reach %d", n)
}

func tickRecord(tick uint64) scheduler.TickRecord {
	return scheduler.TickRecord{Tick: tick, Snapshot: metrics.TickSnapshot{
		Tick:     tick,
		Digest:   "d",
		Levels:   map[model.SystemID]float64{model.PowerGrid: 1},
		Statuses: map[string]model.Status{"a": model.StatusNormal},
	}}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("run-1", nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/observe", s.WSHandler())
	mux.HandleFunc("/status", s.StatusHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestServer_StreamsTicksWithStride(t *testing.T) {
	s, srv := newTestServer(t)
	conn := dial(t, srv)
	subscribe(t, conn, 2)
	waitObservers(t, s, 1)

	for tick := uint64(0); tick < 5; tick++ {
		if err := s.WriteTick(tickRecord(tick)); err != nil {
			t.Fatalf("write tick: %v", err)
		}
	}
	if err := s.WriteSummary(metrics.Summary{TicksCompleted: 5}); err != nil {
		t.Fatalf("summary: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ticks []uint64
	var gotSummary bool
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			break
		}
		base, err := protocol.DecodeBase(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch base.Type {
		case protocol.TypeTick:
			var m protocol.TickMsg
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("tick: %v", err)
			}
			if m.RunID != "run-1" {
				t.Fatalf("run id %q", m.RunID)
			}
			ticks = append(ticks, m.Tick)
		case protocol.TypeSummary:
			gotSummary = true
		}
	}
	if len(ticks) != 3 || ticks[0] != 0 || ticks[1] != 2 || ticks[2] != 4 {
		t.Fatalf("ticks=%v", ticks)
	}
	if !gotSummary {
		t.Fatalf("summary not delivered")
	}
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dial(t, srv)
	if err := conn.WriteJSON(map[string]string{"type": "SUBSCRIBE", "protocol_version": "0.1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m protocol.ErrorMsg
	if err := json.Unmarshal(b, &m); err != nil || m.Code != protocol.ErrProtoVersion {
		t.Fatalf("error msg: %v %+v", err, m)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want policy close, got %v", err)
	}
}

func TestServer_RejectsAfterRunEnded(t *testing.T) {
	s, srv := newTestServer(t)
	_ = s.WriteSummary(metrics.Summary{})
	conn := dial(t, srv)
	subscribe(t, conn, 1)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m protocol.ErrorMsg
	if err := json.Unmarshal(b, &m); err != nil || m.Code != protocol.ErrRunEnded {
		t.Fatalf("error msg: %v %+v", err, m)
	}
}

func TestServer_Status(t *testing.T) {
	s, srv := newTestServer(t)
	_ = s.WriteTick(tickRecord(7))
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var st struct {
		RunID string `json:"run_id"`
		Tick  uint64 `json:"tick"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RunID != "run-1" || st.Tick != 7 {
		t.Fatalf("status: %+v", st)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}
