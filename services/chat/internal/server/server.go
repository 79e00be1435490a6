package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"minicontratos/internal/ratelimit"
	"minicontratos/internal/sessiontoken"
	"minicontratos/internal/util"
	"minicontratos/pkg/events"
	"minicontratos/services/chat/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Tokens         *sessiontoken.Manager
	Bus            *events.Bus
	SignInLimiter  *ratelimit.FixedWindowLimiter
	SignUpLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
}

// Server exposes the stores and the composer over JSON HTTP.
type Server struct {
	app            *app.App
	tokens         *sessiontoken.Manager
	bus            *events.Bus
	signInLimiter  *ratelimit.FixedWindowLimiter
	signUpLimiter  *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured. Nil limiters disable
// rate limiting for that route.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("server: token manager is required")
	}
	s := &Server{
		app:            cfg.App,
		tokens:         cfg.Tokens,
		bus:            cfg.Bus,
		signInLimiter:  cfg.SignInLimiter,
		signUpLimiter:  cfg.SignUpLimiter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("chat",
			util.WithSecurityHeaders(
				util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signin", s.handleSignIn)
	s.mux.HandleFunc("/api/auth/signup", s.handleSignUp)
	s.mux.Handle("/api/auth/signout", s.authenticated(s.handleSignOut))
	s.mux.Handle("/api/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/auth/circle", s.authenticated(s.handleCircle))

	// conversations
	s.mux.Handle("/api/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.authenticated(s.handleConversationByID))

	// folders & templates
	s.mux.Handle("/api/folders", s.authenticated(s.handleFolders))
	s.mux.Handle("/api/folders/", s.authenticated(s.handleFolderByID))
	s.mux.Handle("/api/templates", s.authenticated(s.handleTemplates))
	s.mux.Handle("/api/templates/", s.authenticated(s.handleTemplateByID))

	// models & settings
	s.mux.Handle("/api/models", s.authenticated(s.handleModels))
	s.mux.Handle("/api/settings", s.authenticated(s.handleSettings))

	// composer
	s.mux.Handle("/api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("/api/chat/stop", s.authenticated(s.handleChatStop))

	// change stream
	s.mux.Handle("/api/events", s.authenticated(s.handleEvents))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, jwt.RegisteredClaims)

// authenticated requires a valid session token whose subject is the user
// currently signed in to the auth store.
func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := sessiontoken.BearerToken(r)
		if !ok && r.URL.Path == "/api/events" {
			// EventSource cannot set headers.
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
			ok = token != ""
		}
		if !ok {
			s.audit(r, "chat.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			s.audit(r, "chat.authorize", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.app.Auth.User()
		if !ok || !s.app.Auth.IsAuthenticated() || user.ID != claims.Subject {
			s.audit(r, "chat.authorize", "fail", "reason", "no_session", "user_id", claims.Subject)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError reports a persistence failure. The in-memory change has
// already been applied.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	util.LoggerFromContext(r.Context()).Error("store_write_failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "failed to persist change")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromContext(r.Context()),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter()))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// splitPath returns the non-empty segments after prefix.
func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
