package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/middleware"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// DefaultBacklog is the number of past events replayed on connect.
const DefaultBacklog = 100

const writeTimeout = 10 * time.Second

// EventSource reads recent session events for the connect backlog.
type EventSource interface {
	Recent(ctx context.Context, sessionID string, limit int, types ...domain.EventType) ([]domain.Event, error)
}

// SessionLookup confirms a session exists before upgrading.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// WebSocketHandler streams a session's events to an interviewer console.
type WebSocketHandler struct {
	hub      *Hub
	events   EventSource
	sessions SessionLookup
	gate     identity.Gate
	origins  middleware.OriginSet
	isDev    bool
	backlog  int
	logger   *slog.Logger
}

// NewWebSocketHandler creates a WebSocketHandler.
func NewWebSocketHandler(hub *Hub, events EventSource, sessions SessionLookup, gate identity.Gate, allowedOrigins []string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if gate == nil {
		gate = identity.RoleGate{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:      hub,
		events:   events,
		sessions: sessions,
		gate:     gate,
		origins:  middleware.ParseOrigins(allowedOrigins),
		isDev:    isDev,
		backlog:  DefaultBacklog,
		logger:   logger,
	}
}

// wsMessage is the frame sent to and received from consoles.
type wsMessage struct {
	Type  string        `json:"type"`
	Event *domain.Event `json:"event,omitempty"`
	Error string        `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for /ws/sessions/{sessionID}/events.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := identity.FromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if err := identity.Authorize(r.Context(), h.gate, rc, identity.RoleInterviewer); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if _, err := h.sessions.GetSession(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	patterns := []string{"*"}
	if !h.isDev {
		patterns = h.origins.Patterns()
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: patterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the backlog so nothing falls in between.
	sub := h.hub.Subscribe(sessionID)
	defer h.hub.Unsubscribe(sub)
	h.logger.Info("Event feed connected", "session_id", sessionID, "identity", rc.Identity)

	var lastSeq int64
	backlog, err := h.events.Recent(ctx, sessionID, h.backlog)
	if err != nil {
		h.logger.Error("Failed to load event backlog", "error", err, "session_id", sessionID)
		_ = h.writeJSON(ctx, ws, wsMessage{Type: "error", Error: "backlog_unavailable"})
		return
	}
	for i := range backlog {
		if err := h.writeJSON(ctx, ws, wsMessage{Type: "event", Event: &backlog[i]}); err != nil {
			return
		}
		lastSeq = backlog[i].Seq
	}
	if err := h.writeJSON(ctx, ws, wsMessage{Type: "ready"}); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.inputLoop(ctx, ws, sessionID)
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Event feed disconnected", "session_id", sessionID)
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			lastSeq = evt.Seq
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "event", Event: &evt}); err != nil {
				h.logger.Debug("Event feed write failed", "error", err, "session_id", sessionID)
				return
			}
		}
	}
}

// inputLoop answers pings and returns when the client goes away.
func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Debug("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins.Allows(origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
