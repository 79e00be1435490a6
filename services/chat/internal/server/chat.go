package server

import (
	"errors"
	"net/http"

	jwt "github.com/golang-jwt/jwt/v5"

	"minicontratos/pkg/domain"
	"minicontratos/services/chat/internal/app"
)

type chatRequest struct {
	Content string `json:"content"`
}

type chatResponse struct {
	ConversationID string          `json:"conversation_id"`
	Model          string          `json:"model"`
	UserMessage    domain.Message  `json:"user_message"`
	Reply          *domain.Message `json:"reply,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	turn, err := s.app.Send(r.Context(), req.Content)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	resp := chatResponse{
		ConversationID: turn.ConversationID,
		Model:          turn.Model,
		UserMessage:    turn.UserMessage,
	}
	if r.URL.Query().Get("wait") == "false" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	reply, err := turn.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			// client went away; the reply still lands in the store
			return
		}
		writeChatError(w, r, err)
		return
	}
	resp.Reply = &reply
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.app.Stop()})
}

func writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is empty")
	case errors.Is(err, app.ErrGenerationInProgress):
		writeError(w, http.StatusConflict, "a reply is already being generated")
	case errors.Is(err, app.ErrReplyStopped):
		writeError(w, http.StatusConflict, "reply stopped")
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	default:
		writeStoreError(w, r, err)
	}
}
