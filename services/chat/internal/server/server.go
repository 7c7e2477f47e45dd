package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/ratelimit"
	"github.com/AllThePasswords/conversationfirst-sub000/internal/usertoken"
	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
	"github.com/AllThePasswords/conversationfirst-sub000/services/chat/internal/app"
)

const (
	deviceHeader      = "X-Device-Id"
	devicePrefix      = "device:"
	maxDeviceIDLength = 128
)

// SubjectVerifier resolves a bearer token to an account id.
type SubjectVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// TurnLimiter caps how many turns one user may start per window.
type TurnLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  SubjectVerifier
	Limiter        TurnLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	tokenVerifier  SubjectVerifier
	limiter        TurnLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", s.trustedProxies, util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/turns", s.withUser(s.handleTurns))
	s.mux.Handle("/api/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.withUser(s.handleConversationByID))
	s.mux.Handle("/api/memories", s.withUser(s.handleMemories))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"hosted": s.app.HostedEnabled(),
	})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser resolves the caller. A bearer token selects the account profile
// and must verify; otherwise the X-Device-Id header selects the device
// profile.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user domain.User
		if header := r.Header.Get("Authorization"); header != "" {
			token, ok := usertoken.BearerToken(header)
			if !ok || s.tokenVerifier == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			subject, err := s.tokenVerifier.VerifySubject(r.Context(), token)
			if err != nil {
				util.LoggerFromContext(r.Context()).Info("token rejected", "err", err)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			user = domain.User{ID: subject, Authenticated: true}
		} else {
			deviceID, ok := parseDeviceID(r.Header.Get(deviceHeader))
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			user = domain.User{ID: devicePrefix + deviceID}
		}
		logger := util.LoggerFromContext(r.Context()).With("user_id", user.ID, "authenticated", user.Authenticated)
		next(w, r.WithContext(util.ContextWithLogger(r.Context(), logger)), user)
	})
}

func parseDeviceID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxDeviceIDLength {
		return "", false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return "", false
		}
	}
	return id, true
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	items, err := s.app.ListConversations(r.Context(), user, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "messages" {
			notFound(w)
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		messages, err := s.app.ListMessages(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": messages, "count": len(messages)})
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if err := s.app.DeleteConversation(r.Context(), user, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.ListMemories(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// appErrorStatus maps app errors to HTTP status codes and client messages.
func appErrorStatus(err error) (int, string) {
	var turnErr *app.TurnError
	switch {
	case errors.Is(err, app.ErrUserRequired):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, app.ErrAccountsDisabled):
		return http.StatusForbidden, "accounts are not enabled on this server"
	case errors.Is(err, app.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, app.ErrTurnInProgress):
		return http.StatusConflict, "a reply is still streaming for this conversation"
	case errors.Is(err, app.ErrEmptyTurn):
		return http.StatusBadRequest, "message text or an image is required"
	case errors.As(err, &turnErr):
		return http.StatusBadGateway, turnErr.Message
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := appErrorStatus(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	}
	writeError(w, status, msg)
}
