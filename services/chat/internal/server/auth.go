package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"minicontratos/pkg/domain"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type sessionResponse struct {
	Token           string         `json:"token"`
	ExpiresAt       time.Time      `json:"expires_at"`
	User            domain.User    `json:"user"`
	CurrentCircleID string         `json:"current_circle_id,omitempty"`
	CurrentCircle   *domain.Circle `json:"current_circle,omitempty"`
}

type circleRequest struct {
	CircleID string `json:"circle_id"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signInLimiter, "too many sign-in attempts") {
		s.audit(r, "chat.signin", "rate_limited")
		return
	}
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "chat.signin", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if err := s.app.Auth.SignIn(r.Context(), req.Email, req.Password); err != nil {
		s.audit(r, "chat.signin", "fail", "reason", err.Error())
		writeSessionError(w, err)
		return
	}
	s.writeSession(w, r, "chat.signin", http.StatusOK)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signUpLimiter, "too many sign-up attempts") {
		s.audit(r, "chat.signup", "rate_limited")
		return
	}
	var req signUpRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "chat.signup", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "email and name are required")
		return
	}
	if err := s.app.Auth.SignUp(r.Context(), strings.TrimSpace(req.Email), req.Password, strings.TrimSpace(req.Name)); err != nil {
		s.audit(r, "chat.signup", "fail", "reason", err.Error())
		writeSessionError(w, err)
		return
	}
	s.writeSession(w, r, "chat.signup", http.StatusCreated)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, event string, status int) {
	user, ok := s.app.Auth.User()
	if !ok {
		writeError(w, http.StatusInternalServerError, "session not established")
		return
	}
	token, exp, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.audit(r, event, "fail", "reason", "issue_token")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.audit(r, event, "success", "user_id", user.ID)
	resp := sessionResponse{Token: token, ExpiresAt: exp, User: user}
	resp.CurrentCircleID, _ = s.app.Auth.CurrentCircleID()
	if circle, ok := s.app.Auth.CurrentCircle(); ok {
		resp.CurrentCircle = &circle
	}
	writeJSON(w, status, resp)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "sign-in failed")
	}
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request, claims jwt.RegisteredClaims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.tokens.Revoke(claims)
	if err := s.app.Auth.SignOut(); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.audit(r, "chat.signout", "success", "user_id", claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	user, _ := s.app.Auth.User()
	resp := map[string]any{"user": user}
	if circle, ok := s.app.Auth.CurrentCircle(); ok {
		resp["current_circle"] = circle
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCircle(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	switch r.Method {
	case http.MethodGet:
		circle, ok := s.app.Auth.CurrentCircle()
		if !ok {
			writeError(w, http.StatusNotFound, "no circle selected")
			return
		}
		writeJSON(w, http.StatusOK, circle)
	case http.MethodPut:
		var req circleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id := strings.TrimSpace(req.CircleID)
		if id == "" {
			writeError(w, http.StatusBadRequest, "circle_id is required")
			return
		}
		if err := s.app.Auth.SetCurrentCircle(id); err != nil {
			writeStoreError(w, r, err)
			return
		}
		circle, ok := s.app.Auth.CurrentCircle()
		resp := map[string]any{"current_circle_id": id}
		if ok {
			resp["current_circle"] = circle
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		methodNotAllowed(w)
	}
}
