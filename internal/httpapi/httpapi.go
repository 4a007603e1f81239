// Package httpapi is the thin request router over the session core: a
// net/http.ServeMux exposing the REST surface and a WebSocket streaming
// endpoint, both layered with the ambient logging/metrics middleware.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gmhub/gm/internal/dispatch"
	"github.com/gmhub/gm/internal/errs"
	"github.com/gmhub/gm/internal/logging"
	"github.com/gmhub/gm/internal/metrics"
	"github.com/gmhub/gm/internal/sanitize"
	"github.com/gmhub/gm/internal/session"
	db "github.com/gmhub/gm/internal/store"
	"github.com/gmhub/gm/internal/synchub"
	"github.com/gmhub/gm/internal/timefmt"
	"github.com/gmhub/gm/internal/validate"
)

const maxTitleLen = 64

// Server holds the collaborators needed to serve the REST + WebSocket
// surface and builds the routed http.Handler.
type Server struct {
	store      *db.Store
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	hub        *synchub.Manager
	baseURL    string
}

// New builds a Server. baseURL is the URL prefix every route is mounted
// under (e.g. "/gm").
func New(store *db.Store, sessions *session.Registry, dispatcher *dispatch.Dispatcher, hub *synchub.Manager, baseURL string) *Server {
	return &Server{store: store, sessions: sessions, dispatcher: dispatcher, hub: hub, baseURL: baseURL}
}

// Handler returns the fully routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST "+s.baseURL+"/api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET "+s.baseURL+"/api/conversations", s.handleListConversations)
	mux.HandleFunc("GET "+s.baseURL+"/api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("POST "+s.baseURL+"/api/conversations/{id}", s.handleUpdateConversation)
	mux.HandleFunc("GET "+s.baseURL+"/api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST "+s.baseURL+"/api/conversations/{id}/messages", s.handleCreateMessage)
	mux.HandleFunc("GET "+s.baseURL+"/api/conversations/{id}/sessions/latest", s.handleLatestSession)
	mux.HandleFunc("GET "+s.baseURL+"/api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET "+s.baseURL+"/api/diagnostics/sessions", s.handleDiagnostics)
	mux.HandleFunc("GET "+s.baseURL+"/ws/conversations/{id}", s.handleWebSocket)

	var handler http.Handler = mux
	handler = metrics.HTTPMiddleware(handler)
	handler = logging.HTTPMiddleware(handler)
	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createConversationRequest struct {
	AgentID string  `json:"agentId"`
	Title   *string `json:"title"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.Validation, false, "invalid JSON body"))
		return
	}
	if req.Title != nil {
		if err := validateTitle(req.Title); err != nil {
			writeError(w, errs.New(errs.Validation, false, err.Error()))
			return
		}
	}
	conv, err := s.store.CreateConversation(r.Context(), req.AgentID, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

type updateConversationRequest struct {
	Title  *string `json:"title"`
	Status *string `json:"status"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.Validation, false, "invalid JSON body"))
		return
	}
	if req.Title != nil {
		if err := validateTitle(req.Title); err != nil {
			writeError(w, errs.New(errs.Validation, false, err.Error()))
			return
		}
	}
	conv, err := s.store.UpdateConversation(r.Context(), r.PathValue("id"), db.ConversationPatch{
		Title:  req.Title,
		Status: req.Status,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.Context(), r.PathValue("id"), 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type createMessageRequest struct {
	Content        string `json:"content"`
	AgentID        string `json:"agentId"`
	FolderContext  string `json:"folderContext"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.Validation, false, "invalid JSON body"))
		return
	}
	conversationID := r.PathValue("id")

	handle, err := s.dispatcher.Dispatch(r.Context(), conversationID, req.Content, req.AgentID, req.IdempotencyKey, req.FolderContext)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":        handle.Message,
		"session":        handle.Session,
		"idempotencyKey": req.IdempotencyKey,
	})
}

func (s *Server) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	res, err := synchub.Resume(r.Context(), s.store, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Mode == synchub.ResumeIdle {
		writeJSON(w, http.StatusOK, map[string]any{"session": nil, "events": []any{}})
		return
	}
	events, err := s.store.ListEventsBySession(r.Context(), res.Session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": res.Session, "events": events})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag := s.sessions.Diagnostics()
	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":        now.UnixMilli(),
		"generatedAt":      timefmt.Format(now),
		"activeSessions":   diag.ActiveCount,
		"terminalSessions": diag.TerminalCount,
		"total":            diag.Total,
		"active":           diag.Active,
		"recentTerminal":   diag.RecentTerminal,
	})
}

// validateTitle applies the same name rules used across the wire surface
// (trimmed non-empty, max length) and sanitizes control characters before
// the title reaches storage.
func validateTitle(title *string) error {
	sanitized := sanitize.Title(*title, maxTitleLen)
	if err := validate.ValidateName(sanitized); err != nil {
		return err
	}
	*title = sanitized
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errs.Validation:
			status = http.StatusBadRequest
		case errs.NotFound:
			status = http.StatusNotFound
		case errs.Conflict:
			status = http.StatusConflict
		}
	}
	slog.Error("request failed", "error", err, "status", status)
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
