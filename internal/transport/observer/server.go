// Package observer streams per-tick summaries of a running simulation to loopback
// websocket clients.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"floodmesh.ai/internal/protocol"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/scheduler"
)

const maxSessions = 64

type Server struct {
	runID string
	log   *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
	tick     uint64
	ended    bool
}

type session struct {
	out   chan []byte
	every atomic.Uint64
}

var (
	_ scheduler.Sink        = (*Server)(nil)
	_ scheduler.SummarySink = (*Server)(nil)
)

func NewServer(runID string, logger *log.Logger) *Server {
	return &Server{
		runID:    runID,
		log:      logger,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see isLoopbackRemote
		},
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// StatusHandler reports the run id and the last committed tick.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		s.mu.Lock()
		resp := struct {
			ProtocolVersion string `json:"protocol_version"`
			RunID           string `json:"run_id"`
			Tick            uint64 `json:"tick"`
			Observers       int    `json:"observers"`
			Ended           bool   `json:"ended"`
		}{protocol.Version, s.runID, s.tick, len(s.sessions), s.ended}
		s.mu.Unlock()

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, code := parseSubscribe(msg)
		if code != "" {
			reject(conn, code, "expected SUBSCRIBE "+protocol.Version)
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sess := &session{out: make(chan []byte, 16)}
		sess.every.Store(uint64(sub.Every))
		if code := s.join(sid, sess); code != "" {
			reject(conn, code, "observer not admitted")
			return
		}
		defer s.leave(sid)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-sess.out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run ended"), time.Now().Add(time.Second))
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates of the stride.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, code := parseSubscribe(msg); code == "" {
				sess.every.Store(uint64(sub.Every))
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) join(sid string, sess *session) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return protocol.ErrRunEnded
	}
	if len(s.sessions) >= maxSessions {
		return protocol.ErrBusy
	}
	s.sessions[sid] = sess
	s.logf("observer %s joined (every=%d)", sid, sess.every.Load())
	return ""
}

func (s *Server) leave(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sid]; ok {
		delete(s.sessions, sid)
		s.logf("observer %s left", sid)
	}
}

// WriteTick fans the tick summary out to every observer whose stride matches. A slow
// observer loses ticks instead of stalling the run.
func (s *Server) WriteTick(rec scheduler.TickRecord) error {
	b, err := json.Marshal(protocol.NewTickMsg(s.runID, rec.Snapshot))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.tick = rec.Tick
	for _, sess := range s.sessions {
		if rec.Tick%sess.every.Load() != 0 {
			continue
		}
		select {
		case sess.out <- b:
		default:
		}
	}
	return nil
}

// WriteSummary sends the final record and ends every session.
func (s *Server) WriteSummary(sum metrics.Summary) error {
	b, err := json.Marshal(protocol.NewSummaryMsg(s.runID, sum))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	for _, sess := range s.sessions {
		select {
		case sess.out <- b:
		default:
		}
		close(sess.out)
	}
	s.sessions = map[string]*session{}
	return nil
}

func parseSubscribe(msg []byte) (protocol.SubscribeMsg, string) {
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, protocol.ErrProtoBadRequest
	}
	if sub.Type != protocol.TypeSubscribe {
		return sub, protocol.ErrProtoBadRequest
	}
	if sub.ProtocolVersion != protocol.Version {
		return sub, protocol.ErrProtoVersion
	}
	if sub.Every <= 0 {
		sub.Every = 1
	}
	if sub.Every > 10000 {
		sub.Every = 10000
	}
	return sub, ""
}

func reject(conn *websocket.Conn, code, reason string) {
	if b, err := json.Marshal(protocol.NewErrorMsg(code, reason)); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
