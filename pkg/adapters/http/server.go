package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/folio"
	"github.com/aretw0/folio/internal/logging"
	"github.com/aretw0/folio/pkg/observability"
	"github.com/aretw0/folio/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	unregisterWait = 5 * time.Second
)

// DefaultMaxFrame is the default limit on an inbound WebSocket frame.
const DefaultMaxFrame = 1 << 20

// Server exposes a session manager over HTTP: one WebSocket per client connection plus a
// small REST surface for operators.
type Server struct {
	Sessions *session.Manager
	Metrics  *observability.Metrics

	logger     *slog.Logger
	upgrader   websocket.Upgrader
	outboxSize int
	maxFrame   int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics exposes metrics on GET /metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.Metrics = metrics
	}
}

// WithOutboxSize sets how many messages may queue for a connection before it is dropped as slow.
func WithOutboxSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.outboxSize = n
		}
	}
}

// WithMaxFrame limits the size of an inbound WebSocket frame.
func WithMaxFrame(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFrame = n
		}
	}
}

// WithCheckOrigin overrides the WebSocket origin check. The default accepts any origin.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = check
	}
}

// NewServer builds a Server over sessions.
func NewServer(sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		Sessions:   sessions,
		logger:     logging.NewNop(),
		outboxSize: session.DefaultOutboxSize,
		maxFrame:   DefaultMaxFrame,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewHandler creates a new HTTP handler for the session manager.
func NewHandler(sessions *session.Manager, opts ...Option) http.Handler {
	return NewServer(sessions, opts...).Routes()
}

// Routes returns the server's router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	r.Get("/sessions", s.ListSessions)
	r.Post("/sessions/{notebookID}/kernel/restart", s.RestartKernel)
	r.Post("/sessions/{notebookID}/save", s.SaveSession)
	r.Get("/notebooks/{notebookID}/ws", s.ServeWebSocket)

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "folio",
		"version": strings.TrimSpace(folio.Version),
	})
}

// ListSessions handles the GET /sessions request.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Sessions.List())
}

// RestartKernel handles the POST /sessions/{notebookID}/kernel/restart request.
func (s *Server) RestartKernel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.live(w, r)
	if !ok {
		return
	}
	if err := sess.RestartKernel(r.Context()); err != nil {
		s.logger.Warn("kernel restart failed", "notebook_id", sess.ID(), "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Info())
}

// SaveSession handles the POST /sessions/{notebookID}/save request.
func (s *Server) SaveSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.live(w, r)
	if !ok {
		return
	}
	if err := sess.Save(r.Context()); err != nil {
		s.logger.Error("save failed", "notebook_id", sess.ID(), "err", err)
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) live(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "notebookID")
	sess, ok := s.Sessions.Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, session.ErrorBody{
			Code:    session.CodeNotFound,
			Message: "no live session for notebook " + id,
		})
		return nil, false
	}
	return sess, true
}

// ServeWebSocket handles GET /notebooks/{notebookID}/ws. Each upgraded connection gets a
// fresh connection id, is registered on the notebook's session and then pumps actions in and
// messages out until either side goes away.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	notebookID := chi.URLParam(r, "notebookID")
	var opts []session.RegisterOption
	if readOnly, _ := strconv.ParseBool(r.URL.Query().Get("readOnly")); readOnly {
		opts = append(opts, session.ReadOnly())
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("websocket upgrade failed", "notebook_id", notebookID, "err", err)
		return
	}

	// The request context ends with the handler; the connection outlives neither.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	connID := uuid.NewString()
	logger := s.logger.With("notebook_id", notebookID, "connection_id", connID)
	out := session.NewOutbox(connID, s.outboxSize)

	sess, err := s.Sessions.Connect(ctx, notebookID, out, opts...)
	if err != nil {
		logger.Warn("connect failed", "err", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, session.ErrorCode(err))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	logger.Info("client connected", "read_only", len(opts) > 0)

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writePump(conn, out, logger)
	}()

	s.readPump(ctx, conn, sess, connID, logger)

	unregisterCtx, unregisterCancel := context.WithTimeout(ctx, unregisterWait)
	defer unregisterCancel()
	if err := sess.Unregister(unregisterCtx, connID); err != nil && !errors.Is(err, session.ErrSessionClosed) {
		logger.Warn("unregister failed", "err", err)
	}
	_ = out.Close()
	<-written
	logger.Info("client disconnected")
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session, connID string, logger *slog.Logger) {
	conn.SetReadLimit(s.maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("read failed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		err = sess.SubmitJSON(ctx, connID, data)
		switch {
		case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrUnknownConnection):
			// Torn down or dropped as slow.
			return
		case err != nil:
			logger.Debug("action rejected", "code", session.ErrorCode(err), "err", err)
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, out *session.Outbox, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-out.Messages():
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error("encode message failed", "msg_type", msg.Type, "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-out.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := session.ErrorCode(err)
	s.writeJSON(w, statusFor(code), session.ErrorBody{Code: code, Message: err.Error()})
}

func statusFor(code string) int {
	switch code {
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeValidation:
		return http.StatusBadRequest
	case session.CodeReadOnly:
		return http.StatusForbidden
	case session.CodeKernelUnavailable:
		return http.StatusServiceUnavailable
	case session.CodeStorage, session.CodeProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}
