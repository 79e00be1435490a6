package server

import (
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"minicontratos/pkg/domain"
	"minicontratos/pkg/state"
)

type createConversationRequest struct {
	Title    string `json:"title"`
	FolderID string `json:"folder_id"`
}

// updateConversationRequest follows PATCH semantics: absent or null fields
// are kept, and folder_id "" moves the conversation out of its folder.
type updateConversationRequest struct {
	Title    *string `json:"title"`
	FolderID *string `json:"folder_id"`
	Pinned   *bool   `json:"pinned"`
	Archived *bool   `json:"archived"`
}

type currentConversationRequest struct {
	ID string `json:"id"`
}

type addMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type updateMessageRequest struct {
	Content *string `json:"content"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	switch r.Method {
	case http.MethodGet:
		if q := r.URL.Query(); q.Has("folder_id") {
			writeJSON(w, http.StatusOK, s.app.Conversations.ConversationsByFolder(strings.TrimSpace(q.Get("folder_id"))))
			return
		}
		writeJSON(w, http.StatusOK, s.app.Conversations.Conversations())
	case http.MethodPost:
		var req createConversationRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		conv, err := s.app.Conversations.CreateConversation(strings.TrimSpace(req.Title), strings.TrimSpace(req.FolderID))
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, claims jwt.RegisteredClaims) {
	parts := splitPath(r.URL.Path, "/api/conversations/")
	if len(parts) == 0 {
		s.handleConversations(w, r, claims)
		return
	}
	switch parts[0] {
	case "pinned":
		if len(parts) == 1 {
			s.handleConversationList(w, r, s.app.Conversations.PinnedConversations)
			return
		}
	case "recent":
		if len(parts) == 1 {
			s.handleConversationList(w, r, s.app.Conversations.RecentConversations)
			return
		}
	case "current":
		if len(parts) == 1 {
			s.handleCurrentConversation(w, r)
			return
		}
	}

	id := parts[0]
	conv, ok := s.app.Conversations.Conversation(id)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	switch {
	case len(parts) == 1:
		s.handleConversation(w, r, conv)
	case len(parts) == 2 && parts[1] == "archive":
		s.handleConversationAction(w, r, id, s.app.Conversations.ArchiveConversation)
	case len(parts) == 2 && parts[1] == "pin":
		s.handleConversationAction(w, r, id, s.app.Conversations.PinConversation)
	case len(parts) == 2 && parts[1] == "messages":
		s.handleMessages(w, r, conv)
	case len(parts) == 3 && parts[1] == "messages":
		s.handleMessage(w, r, conv, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request, list func() []domain.Conversation) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, list())
}

func (s *Server) handleCurrentConversation(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conv, ok := s.app.Conversations.CurrentConversation()
		if !ok {
			writeError(w, http.StatusNotFound, "no current conversation")
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case http.MethodPut:
		var req currentConversationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id := strings.TrimSpace(req.ID)
		if err := s.app.Conversations.SetCurrentConversation(id); err != nil {
			writeStoreError(w, r, err)
			return
		}
		var current *string
		if id != "" {
			current = &id
		}
		writeJSON(w, http.StatusOK, map[string]*string{"current_conversation_id": current})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, conv domain.Conversation) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, conv)
	case http.MethodPatch:
		var req updateConversationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		patch := state.ConversationPatch{
			Title:    req.Title,
			FolderID: req.FolderID,
			Pinned:   req.Pinned,
			Archived: req.Archived,
		}
		if err := s.app.Conversations.UpdateConversation(conv.ID, patch); err != nil {
			writeStoreError(w, r, err)
			return
		}
		s.writeConversation(w, conv.ID)
	case http.MethodDelete:
		if err := s.app.Conversations.DeleteConversation(conv.ID); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversationAction(w http.ResponseWriter, r *http.Request, id string, action func(string) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := action(id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.writeConversation(w, id)
}

// writeConversation re-reads the conversation, which may have been deleted
// concurrently.
func (s *Server) writeConversation(w http.ResponseWriter, id string) {
	conv, ok := s.app.Conversations.Conversation(id)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, conv domain.Conversation) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, conv.Messages)
	case http.MethodPost:
		var req addMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		role := domain.Role(strings.TrimSpace(req.Role))
		if role == "" {
			role = domain.RoleUser
		}
		msg, ok, err := s.app.Conversations.AddMessage(conv.ID, state.MessageDraft{Role: role, Content: req.Content})
		if errors.Is(err, state.ErrInvalidRole) {
			writeError(w, http.StatusBadRequest, "role must be user, assistant or system")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, conv domain.Conversation, messageID string) {
	found := false
	for _, m := range conv.Messages {
		if m.ID == messageID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req updateMessageRequest
		if err := decodeJSON(r, &req); err != nil || req.Content == nil {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
		if err := s.app.Conversations.UpdateMessage(conv.ID, messageID, *req.Content); err != nil {
			writeStoreError(w, r, err)
			return
		}
		s.writeConversation(w, conv.ID)
	case http.MethodDelete:
		if err := s.app.Conversations.DeleteMessage(conv.ID, messageID); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}
