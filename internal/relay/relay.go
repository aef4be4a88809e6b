// Package relay is the websocket message relay for agents in different
// processes. Each agent holds one connection at /agents/{id}; the relay
// assigns message ids, routes by recipient, buffers mail for offline agents
// and redelivers anything unacknowledged when an agent reconnects.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-swarm/internal/message"
	"github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/transport"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBufferPerAgent   = 1000
	defaultMaxBatchMessages = 64
	// frameOverhead is headroom for the frame envelope around the messages.
	frameOverhead = 64 << 10
)

type Config struct {
	// Token is the shared bearer token. Empty disables auth, for local use.
	Token          string
	BufferPerAgent int
	AllowOrigins   []string
	// MaxBatchMessages and MaxBatchBytes bound one deliver frame. The next
	// frame is sent once the previous one is acknowledged.
	MaxBatchMessages int
	MaxBatchBytes    int
	Logger         *slog.Logger
	Tracer         trace.Tracer
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	seq       int64
	mailboxes map[string]*mailbox
}

type mailbox struct {
	pending  []message.Message
	inFlight []message.Message
	sess     *session
	dropped  int64
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	notify  chan struct{}
}

func (s *session) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) write(ctx context.Context, f transport.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, s.conn, f)
}

func New(cfg Config) *Server {
	if cfg.BufferPerAgent <= 0 {
		cfg.BufferPerAgent = defaultBufferPerAgent
	}
	if cfg.MaxBatchMessages <= 0 {
		cfg.MaxBatchMessages = defaultMaxBatchMessages
	}
	if cfg.MaxBatchBytes <= 0 || cfg.MaxBatchBytes > transport.MaxFrameBytes-frameOverhead {
		cfg.MaxBatchBytes = transport.MaxFrameBytes - frameOverhead
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "relay"),
		now:       time.Now,
		mailboxes: make(map[string]*mailbox),
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agents/{id}", s.handleAgent)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(transport.MaxFrameBytes)

	ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, "relay.session", otel.AttrAgentID.String(agentID))
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{conn: conn, notify: make(chan struct{}, 1)}
	s.attach(agentID, sess)
	logger := s.logger.With("agent_id", agentID)
	logger.Info("agent connected")
	defer func() {
		s.detach(agentID, sess)
		logger.Info("agent disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	go s.writeLoop(ctx, agentID, sess, logger)
	sess.poke()

	for {
		var f transport.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Warn("read error, closing", "error", err)
			}
			return
		}
		switch f.Op {
		case transport.FrameSend:
			if err := s.route(agentID, f.Message); err != nil {
				logger.Warn("rejected message", "error", err)
				_ = sess.write(ctx, transport.Frame{Op: transport.FrameError, Error: err.Error()})
			}
		case transport.FrameAck:
			s.ack(agentID, f.IDs)
		default:
			_ = sess.write(ctx, transport.Frame{Op: transport.FrameError, Error: fmt.Sprintf("unknown op %q", f.Op)})
		}
	}
}

func (s *Server) box(agentID string) *mailbox {
	mb, ok := s.mailboxes[agentID]
	if !ok {
		mb = &mailbox{}
		s.mailboxes[agentID] = mb
	}
	return mb
}

// attach makes sess the agent's live session, closing any previous one.
func (s *Server) attach(agentID string, sess *session) {
	s.mu.Lock()
	mb := s.box(agentID)
	old := mb.sess
	mb.sess = sess
	s.requeueLocked(mb)
	s.mu.Unlock()
	if old != nil {
		_ = old.conn.Close(websocket.StatusPolicyViolation, "replaced by new connection")
	}
}

func (s *Server) detach(agentID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.box(agentID)
	if mb.sess != sess {
		return
	}
	mb.sess = nil
	s.requeueLocked(mb)
}

// requeueLocked returns unacknowledged messages to the front of pending.
func (s *Server) requeueLocked(mb *mailbox) {
	if len(mb.inFlight) == 0 {
		return
	}
	mb.pending = append(mb.inFlight, mb.pending...)
	mb.inFlight = nil
}

// route assigns an id and queues m for its recipient. The sender id is
// always the authenticated connection's agent.
func (s *Server) route(from string, m *message.Message) error {
	if m == nil || m.Body == nil {
		return errors.New("send frame without message")
	}
	if m.RecipientID == "" {
		return errors.New("message without recipient")
	}
	if err := m.Body.Validate(); err != nil {
		return err
	}
	if n := encodedSize(*m); n > s.cfg.MaxBatchBytes {
		return fmt.Errorf("message of %d bytes exceeds the %d byte frame budget", n, s.cfg.MaxBatchBytes)
	}
	s.mu.Lock()
	s.seq++
	out := *m
	out.ID = strconv.FormatInt(s.seq, 10)
	out.SenderID = from
	if out.Timestamp.IsZero() {
		out.Timestamp = s.now().UTC()
	}
	mb := s.box(out.RecipientID)
	mb.pending = append(mb.pending, out)
	if over := len(mb.pending) - s.cfg.BufferPerAgent; over > 0 {
		mb.pending = mb.pending[over:]
		mb.dropped += int64(over)
		s.logger.Warn("recipient buffer full, dropped oldest", "recipient", out.RecipientID, "dropped", over)
	}
	sess := mb.sess
	s.mu.Unlock()

	if sess != nil {
		sess.poke()
	}
	return nil
}

func (s *Server) ack(agentID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.box(agentID)
	kept := mb.inFlight[:0]
	for _, m := range mb.inFlight {
		if !acked[m.ID] {
			kept = append(kept, m)
		}
	}
	mb.inFlight = kept
	if len(mb.inFlight) == 0 && len(mb.pending) > 0 && mb.sess != nil {
		mb.sess.poke()
	}
}

// take moves the next frame's worth of pending messages in flight for
// delivery on sess. Nothing is taken while an earlier frame is unacked.
func (s *Server) take(agentID string, sess *session) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.box(agentID)
	if mb.sess != sess || len(mb.pending) == 0 || len(mb.inFlight) > 0 {
		return nil
	}
	n, size := 0, 0
	for n < len(mb.pending) && n < s.cfg.MaxBatchMessages {
		sz := encodedSize(mb.pending[n])
		if n > 0 && size+sz > s.cfg.MaxBatchBytes {
			break
		}
		size += sz
		n++
	}
	batch := append([]message.Message(nil), mb.pending[:n]...)
	mb.pending = append([]message.Message(nil), mb.pending[n:]...)
	mb.inFlight = append([]message.Message(nil), batch...)
	return batch
}

func encodedSize(m message.Message) int {
	raw, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(raw)
}

func (s *Server) writeLoop(ctx context.Context, agentID string, sess *session, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.notify:
		}
		batch := s.take(agentID, sess)
		if len(batch) == 0 {
			continue
		}
		if err := sess.write(ctx, transport.Frame{Op: transport.FrameDeliver, Messages: batch}); err != nil {
			logger.Warn("deliver failed", "error", err, "count", len(batch))
			_ = sess.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

// AgentStats describes one agent's relay mailbox.
type AgentStats struct {
	Connected bool  `json:"connected"`
	Pending   int   `json:"pending"`
	InFlight  int   `json:"in_flight"`
	Dropped   int64 `json:"dropped"`
}

// Stats snapshots every known mailbox.
func (s *Server) Stats() map[string]AgentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AgentStats, len(s.mailboxes))
	for id, mb := range s.mailboxes {
		out[id] = AgentStats{
			Connected: mb.sess != nil,
			Pending:   len(mb.pending),
			InFlight:  len(mb.inFlight),
			Dropped:   mb.dropped,
		}
	}
	return out
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}
