package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/anisbr/ragchat/internal/chat"
	"github.com/anisbr/ragchat/internal/config"
	"github.com/anisbr/ragchat/internal/history"
	"github.com/anisbr/ragchat/internal/observability"
	"github.com/anisbr/ragchat/internal/reliability"
	"github.com/anisbr/ragchat/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	store    history.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, store history.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot drive a user's session if
				// the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat/sessions", s.handleCreateSession)
	r.Get("/v1/chat/sessions/{id}", s.handleGetSession)
	r.Post("/v1/chat/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/chat/sessions/{id}/messages", s.handleSendMessage)
	r.Post("/v1/chat/sessions/{id}/cancel", s.handleCancelTurn)
	r.Post("/v1/chat/sessions/{id}/reset", s.handleResetSession)
	r.Get("/v1/chat/sessions/ws", s.handleSessionWS)

	r.Get("/v1/conversations", s.handleListConversations)
	r.Get("/v1/conversations/{id}/messages", s.handleConversationMessages)
	r.Delete("/v1/conversations/{id}", s.handleDeleteConversation)

	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"transport_mode": s.cfg.TransportMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"transport_mode": s.cfg.TransportMode,
	})
}

type createSessionRequest struct {
	Collection string `json:"collection"`
}

type createSessionResponse struct {
	*session.Session
	InactivityTTLMS int64 `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Collection) == "" {
		req.Collection = s.cfg.Collection
	}

	sess := s.sessions.Create(req.Collection)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		Session:         sess,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	}
	respondJSON(w, http.StatusOK, sess)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type turnResponse struct {
	Turn           chat.Turn `json:"turn"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Retryable      bool      `json:"retryable,omitempty"`
}

// handleSendMessage runs one turn to completion. Incremental snapshots travel
// over the session websocket; this endpoint returns the terminal turn.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctrl, err := s.sessions.Controller(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	_ = s.sessions.Touch(id)

	turn, err := ctrl.Submit(r.Context(), req.Content)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, turnResponse{Turn: turn, ConversationID: ctrl.ConversationID()})
	case errors.Is(err, session.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, session.ErrBusy):
		respondError(w, http.StatusConflict, "turn_in_flight", err.Error())
	default:
		// Turn failures still carry the terminal turn so callers can render
		// the failure state they would have seen over the websocket.
		respondJSON(w, http.StatusBadGateway, turnResponse{
			Turn:           turn,
			ConversationID: ctrl.ConversationID(),
			Retryable:      reliability.Retryable(err),
		})
	}
}

func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.sessions.Controller(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	ctrl.Cancel()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.sessions.Controller(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err := ctrl.Reset(); err != nil {
		respondError(w, http.StatusConflict, "turn_in_flight", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleSessionWS streams turn snapshots to the client as the fold advances.
// Every message is a full snapshot, so a consumer that misses frames is still
// consistent after the next one.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	ctrl, err := s.sessions.Controller(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	snapshots := make(chan chat.Turn, 256)
	unsubscribe := ctrl.Subscribe(func(turn chat.Turn) {
		select {
		case snapshots <- turn:
		default:
			// Keep the fold non-blocking; a saturated consumer skips frames
			// and resyncs on the next snapshot.
		}
	})
	defer unsubscribe()

	// Replay the latest snapshot so a reconnecting client catches up mid-turn.
	if current, ok := ctrl.Current(); ok {
		select {
		case snapshots <- current:
		default:
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Clients send nothing meaningful; the read loop only detects close.
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			if s.metrics != nil {
				s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
			}
			return
		case <-r.Context().Done():
			return
		case turn := <-snapshots:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(turn); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	convs, err := s.store.Conversations(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if convs == nil {
		convs = []history.ConversationInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if msgs == nil {
		msgs = []history.MessageRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
