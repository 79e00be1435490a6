package server

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"minicontratos/pkg/domain"
	"minicontratos/pkg/state"
)

type folderRequest struct {
	Name  *string `json:"name"`
	Color *string `json:"color"`
}

type templateRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

type settingsRequest struct {
	SelectedModel *string           `json:"selected_model"`
	APIKeys       map[string]string `json:"api_keys"`
}

type settingsResponse struct {
	SelectedModel string            `json:"selected_model"`
	APIKeys       map[string]string `json:"api_keys"`
	IsGenerating  bool              `json:"is_generating"`
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.app.Folders.Folders())
	case http.MethodPost:
		var req folderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		color := ""
		if req.Color != nil {
			color = strings.TrimSpace(*req.Color)
		}
		folder, err := s.app.Folders.CreateFolder(strings.TrimSpace(*req.Name), color)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, folder)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleFolderByID(w http.ResponseWriter, r *http.Request, claims jwt.RegisteredClaims) {
	parts := splitPath(r.URL.Path, "/api/folders/")
	if len(parts) == 0 {
		s.handleFolders(w, r, claims)
		return
	}
	id := parts[0]
	if len(parts) == 2 && parts[1] == "conversations" {
		// conversations may still point at a deleted folder
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, s.app.Conversations.ConversationsByFolder(id))
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	folder, ok := s.app.Folders.Folder(id)
	if !ok {
		writeError(w, http.StatusNotFound, "folder not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, folder)
	case http.MethodPatch:
		var req folderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
			writeError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		if err := s.app.Folders.UpdateFolder(id, state.FolderPatch{Name: req.Name, Color: req.Color}); err != nil {
			writeStoreError(w, r, err)
			return
		}
		updated, ok := s.app.Folders.Folder(id)
		if !ok {
			writeError(w, http.StatusNotFound, "folder not found")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.app.Folders.DeleteFolder(id); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.app.Templates.Templates())
	case http.MethodPost:
		var req templateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Title == nil || strings.TrimSpace(*req.Title) == "" || req.Content == nil {
			writeError(w, http.StatusBadRequest, "title and content are required")
			return
		}
		tmpl, err := s.app.Templates.CreateTemplate(strings.TrimSpace(*req.Title), *req.Content)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, tmpl)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTemplateByID(w http.ResponseWriter, r *http.Request, claims jwt.RegisteredClaims) {
	parts := splitPath(r.URL.Path, "/api/templates/")
	if len(parts) == 0 {
		s.handleTemplates(w, r, claims)
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id := parts[0]
	tmpl, ok := s.app.Templates.Template(id)
	if !ok {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, tmpl)
	case http.MethodPatch:
		var req templateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.Templates.UpdateTemplate(id, state.TemplatePatch{Title: req.Title, Content: req.Content}); err != nil {
			writeStoreError(w, r, err)
			return
		}
		updated, ok := s.app.Templates.Template(id)
		if !ok {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.app.Templates.DeleteTemplate(id); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":         domain.AIModels(),
		"providers":      domain.Providers(),
		"selected_model": s.app.AI.SelectedModel(),
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.settings())
	case http.MethodPut:
		var req settingsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.SelectedModel != nil {
			if err := s.app.AI.SetSelectedModel(strings.TrimSpace(*req.SelectedModel)); err != nil {
				if errors.Is(err, state.ErrUnknownModel) {
					writeError(w, http.StatusBadRequest, "unknown model")
					return
				}
				writeStoreError(w, r, err)
				return
			}
		}
		providers := make([]string, 0, len(req.APIKeys))
		for provider := range req.APIKeys {
			providers = append(providers, provider)
		}
		sort.Strings(providers)
		for _, provider := range providers {
			name := strings.ToLower(strings.TrimSpace(provider))
			if name == "" {
				continue
			}
			if err := s.app.AI.SetAPIKey(name, strings.TrimSpace(req.APIKeys[provider])); err != nil {
				writeStoreError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, s.settings())
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) settings() settingsResponse {
	keys := s.app.AI.APIKeys()
	masked := make(map[string]string, len(keys))
	for provider, key := range keys {
		masked[provider] = maskKey(key)
	}
	return settingsResponse{
		SelectedModel: s.app.AI.SelectedModel(),
		APIKeys:       masked,
		IsGenerating:  s.app.AI.IsGenerating(),
	}
}

// maskKey keeps only the last four characters of a secret.
func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 8) + key[len(key)-4:]
}
