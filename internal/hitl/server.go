package hitl

import (
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/fieldlab/missionctl/internal/agentadapter"
	"github.com/fieldlab/missionctl/internal/interrupt"
	"github.com/fieldlab/missionctl/internal/session"
	"github.com/fieldlab/missionctl/internal/telemetry"
)

// Config wires Server's collaborators: the adapter driving turns (C3), the
// Interrupt Registry (C1) decisions are delivered to, and the message/
// checkpoint store consulted by the session.
type Config struct {
	Adapter    *agentadapter.Adapter
	Interrupts *interrupt.Registry
	Store      session.Store

	// AllowOrigins restricts accepted Origin headers for cross-origin
	// WebSocket upgrades. Empty means same-origin only.
	AllowOrigins []string

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Server accepts WebSocket connections and hands each one off to its own
// Session, keyed by thread_id.
type Server struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}
	return &Server{cfg: cfg, sessions: make(map[string]*Session)}
}

// Handler returns the http.Handler serving the conversation WebSocket
// endpoint at /threads/{thread_id}/hitl.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/{thread_id}/hitl", s.handleWS)
	return mux
}

// Session returns the live Session for threadID, if a client is currently
// connected to it. Used by a mission-progress forwarder (see
// Session.ForwardMissionEvents) to find the socket a just-approved plan's
// thread is attached to.
func (s *Server) Session(threadID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[threadID]
	return sess, ok
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}

	sess := newSession(conn, threadID, s.cfg.Store, s.cfg.Adapter, s.cfg.Interrupts, s.cfg.Logger)
	s.addSession(threadID, sess)
	s.cfg.Metrics.IncCounter("hitl.session_started", 1, "thread_id", threadID)

	ctx := r.Context()
	defer func() {
		s.removeSession(threadID, sess)
		s.cfg.Metrics.IncCounter("hitl.session_ended", 1, "thread_id", threadID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sess.serve(ctx)
}

func (s *Server) addSession(threadID string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[threadID] = sess
}

func (s *Server) removeSession(threadID string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[threadID]; ok && cur == sess {
		delete(s.sessions, threadID)
	}
}

// CloseInvalidThread rejects a connection whose thread_id the caller has
// already determined is unknown, closing with policy-violation status 1008.
// Collaborators that validate thread_id against persistence before handing
// off to Server call this instead of letting handleWS accept blindly.
func CloseInvalidThread(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.Close(websocket.StatusPolicyViolation, "unknown thread_id")
}
