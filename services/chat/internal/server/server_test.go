package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"minicontratos/internal/ratelimit"
	"minicontratos/internal/sessiontoken"
	"minicontratos/pkg/ai"
	"minicontratos/pkg/domain"
	"minicontratos/pkg/events"
	"minicontratos/pkg/store"
	"minicontratos/services/chat/internal/app"
)

type testEnv struct {
	srv *httptest.Server
	app *app.App
	bus *events.Bus
}

func newTestEnv(t *testing.T, gen ai.TextGenerator, signInLimiter *ratelimit.FixedWindowLimiter) *testEnv {
	t.Helper()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	if gen == nil {
		gen = ai.NewMockGenerator(0)
	}
	core, err := app.New(context.Background(), app.Config{
		Snapshots: store.NewMemorySnapshotStore(),
		Publisher: bus,
		Generator: gen,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(core.Close)
	tokens, err := sessiontoken.NewManager(sessiontoken.Options{Secret: "test-secret-0123456789"})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	s, err := New(Config{App: core, Tokens: tokens, Bus: bus, SignInLimiter: signInLimiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, app: core, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("%s %s: status %d, want %d (%s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func (e *testEnv) signIn(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "demo@minicontratos.com", "password": "x"})
	expectStatus(t, resp, http.StatusOK)
	out := decodeBody[sessionResponse](t, resp)
	if out.Token == "" {
		t.Fatalf("missing token")
	}
	return out.Token
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
	resp.Body.Close()
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, path := range []string{"/api/conversations", "/api/folders", "/api/auth/me", "/api/chat/stop", "/api/events"} {
		resp := env.do(t, http.MethodGet, path, "", nil)
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}
	resp := env.do(t, http.MethodGet, "/api/conversations", "not-a-token", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestSignInSignOut(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "a@b.c", "password": "p"})
	expectStatus(t, resp, http.StatusOK)
	session := decodeBody[sessionResponse](t, resp)
	if session.User.ID != "user-1" || session.CurrentCircleID != "circle-1" || session.CurrentCircle == nil {
		t.Fatalf("unexpected session: %+v", session)
	}

	resp = env.do(t, http.MethodGet, "/api/auth/me", session.Token, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.do(t, http.MethodPut, "/api/auth/circle", session.Token, map[string]string{"circle_id": "circle-2"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = env.do(t, http.MethodGet, "/api/auth/circle", session.Token, nil)
	expectStatus(t, resp, http.StatusOK)
	circle := decodeBody[domain.Circle](t, resp)
	if circle.Name != "Work" {
		t.Fatalf("unexpected circle: %+v", circle)
	}

	resp = env.do(t, http.MethodPost, "/api/auth/signout", session.Token, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	if env.app.Auth.IsAuthenticated() {
		t.Fatalf("auth store still signed in")
	}
	resp = env.do(t, http.MethodGet, "/api/auth/me", session.Token, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestSignUpUsesProvidedProfile(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "ana@example.com", "password": "p", "name": "Ana"})
	expectStatus(t, resp, http.StatusCreated)
	session := decodeBody[sessionResponse](t, resp)
	if session.User.Name != "Ana" || session.User.Email != "ana@example.com" {
		t.Fatalf("unexpected user: %+v", session.User)
	}

	resp = env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "ana@example.com"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestSignInRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{Addr: mr.Addr(), Prefix: "test:signin", Limit: 1, Window: time.Minute})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer limiter.Close()
	env := newTestEnv(t, nil, limiter)

	_ = env.signIn(t)
	resp := env.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "a@b.c", "password": "p"})
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	resp.Body.Close()
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	token := env.signIn(t)

	resp := env.do(t, http.MethodPost, "/api/conversations", token, map[string]string{})
	expectStatus(t, resp, http.StatusCreated)
	conv := decodeBody[domain.Conversation](t, resp)
	if conv.Title != "New Chat" {
		t.Fatalf("title = %q", conv.Title)
	}

	resp = env.do(t, http.MethodGet, "/api/conversations/current", token, nil)
	expectStatus(t, resp, http.StatusOK)
	if current := decodeBody[domain.Conversation](t, resp); current.ID != conv.ID {
		t.Fatalf("current = %s, want %s", current.ID, conv.ID)
	}

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", token, map[string]string{"role": "user", "content": "Hello"})
	expectStatus(t, resp, http.StatusCreated)
	msg := decodeBody[domain.Message](t, resp)

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", token, map[string]string{"role": "tool", "content": "x"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.do(t, http.MethodPatch, "/api/conversations/"+conv.ID+"/messages/"+msg.ID, token, map[string]string{"content": "Hi"})
	expectStatus(t, resp, http.StatusOK)
	updated := decodeBody[domain.Conversation](t, resp)
	if len(updated.Messages) != 1 || updated.Messages[0].Content != "Hi" {
		t.Fatalf("unexpected messages: %+v", updated.Messages)
	}

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/pin", token, nil)
	expectStatus(t, resp, http.StatusOK)
	if pinned := decodeBody[domain.Conversation](t, resp); !pinned.Pinned {
		t.Fatalf("expected pinned")
	}
	resp = env.do(t, http.MethodGet, "/api/conversations/pinned", token, nil)
	expectStatus(t, resp, http.StatusOK)
	if list := decodeBody[[]domain.Conversation](t, resp); len(list) != 1 {
		t.Fatalf("pinned = %d", len(list))
	}
	resp = env.do(t, http.MethodGet, "/api/conversations/recent", token, nil)
	expectStatus(t, resp, http.StatusOK)
	if list := decodeBody[[]domain.Conversation](t, resp); len(list) != 0 {
		t.Fatalf("pinned conversations must not be recent: %d", len(list))
	}

	resp = env.do(t, http.MethodPatch, "/api/conversations/"+conv.ID, token, map[string]any{"title": "Renamed", "folder_id": "f-1"})
	expectStatus(t, resp, http.StatusOK)
	patched := decodeBody[domain.Conversation](t, resp)
	if patched.Title != "Renamed" || patched.FolderID == nil || *patched.FolderID != "f-1" {
		t.Fatalf("unexpected patch result: %+v", patched)
	}

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/archive", token, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID+"/messages/"+msg.ID, token, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, token, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, token, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
	resp = env.do(t, http.MethodGet, "/api/conversations/current", token, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestFoldersAndTemplates(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	token := env.signIn(t)

	resp := env.do(t, http.MethodPost, "/api/folders", token, map[string]string{"name": "Work"})
	expectStatus(t, resp, http.StatusCreated)
	work := decodeBody[domain.Folder](t, resp)
	resp = env.do(t, http.MethodPost, "/api/folders", token, map[string]string{"name": "Personal"})
	expectStatus(t, resp, http.StatusCreated)
	personal := decodeBody[domain.Folder](t, resp)
	if work.Color != domain.FolderColors[0] || personal.Color != domain.FolderColors[1] {
		t.Fatalf("colors = %s, %s", work.Color, personal.Color)
	}

	resp = env.do(t, http.MethodPost, "/api/conversations", token, map[string]string{"title": "Filed", "folder_id": work.ID})
	expectStatus(t, resp, http.StatusCreated)
	filed := decodeBody[domain.Conversation](t, resp)

	resp = env.do(t, http.MethodDelete, "/api/folders/"+work.ID, token, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	resp = env.do(t, http.MethodGet, "/api/folders/"+work.ID+"/conversations", token, nil)
	expectStatus(t, resp, http.StatusOK)
	if list := decodeBody[[]domain.Conversation](t, resp); len(list) != 1 || list[0].ID != filed.ID {
		t.Fatalf("dangling folder reference lost: %+v", list)
	}
	resp = env.do(t, http.MethodGet, "/api/folders/"+work.ID, token, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/templates", token, nil)
	expectStatus(t, resp, http.StatusOK)
	if list := decodeBody[[]domain.Template](t, resp); len(list) != 3 {
		t.Fatalf("templates = %d", len(list))
	}
	resp = env.do(t, http.MethodPatch, "/api/templates/default-2", token, map[string]string{"title": "Bug"})
	expectStatus(t, resp, http.StatusOK)
	if tmpl := decodeBody[domain.Template](t, resp); tmpl.Title != "Bug" || !strings.HasPrefix(tmpl.Content, "I encountered a bug") {
		t.Fatalf("unexpected template: %+v", tmpl)
	}
	resp = env.do(t, http.MethodDelete, "/api/templates/missing", token, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	token := env.signIn(t)

	resp := env.do(t, http.MethodPut, "/api/settings", token, map[string]any{"selected_model": "gpt-5"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.do(t, http.MethodPut, "/api/settings", token, map[string]any{
		"selected_model": "claude-3-sonnet",
		"api_keys":       map[string]string{"anthropic": "sk-ant-123456"},
	})
	expectStatus(t, resp, http.StatusOK)
	settings := decodeBody[settingsResponse](t, resp)
	if settings.SelectedModel != "claude-3-sonnet" {
		t.Fatalf("selected = %s", settings.SelectedModel)
	}
	if settings.APIKeys["anthropic"] != "********3456" {
		t.Fatalf("api key not masked: %q", settings.APIKeys["anthropic"])
	}

	resp = env.do(t, http.MethodGet, "/api/models", token, nil)
	expectStatus(t, resp, http.StatusOK)
	models := decodeBody[map[string]json.RawMessage](t, resp)
	if string(models["selected_model"]) != `"claude-3-sonnet"` {
		t.Fatalf("selected_model = %s", models["selected_model"])
	}
}

func TestChatWaitsForReply(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	token := env.signIn(t)

	resp := env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"content": "Hello"})
	expectStatus(t, resp, http.StatusOK)
	out := decodeBody[chatResponse](t, resp)
	if out.Reply == nil || out.Reply.Role != domain.RoleAssistant {
		t.Fatalf("expected assistant reply: %+v", out)
	}
	conv, ok := env.app.Conversations.Conversation(out.ConversationID)
	if !ok || conv.Title != "Hello" || len(conv.Messages) != 2 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	resp = env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"content": "  "})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

type blockingGenerator struct {
	started chan struct{}
}

func (g *blockingGenerator) GenerateText(ctx context.Context, _, _ string) (string, error) {
	g.started <- struct{}{}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestChatAsyncConflictAndStop(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}, 4)}
	env := newTestEnv(t, gen, nil)
	token := env.signIn(t)

	resp := env.do(t, http.MethodPost, "/api/chat?wait=false", token, map[string]string{"content": "first"})
	expectStatus(t, resp, http.StatusAccepted)
	out := decodeBody[chatResponse](t, resp)
	if out.Reply != nil || out.UserMessage.Content != "first" {
		t.Fatalf("unexpected async response: %+v", out)
	}
	<-gen.started

	resp = env.do(t, http.MethodPost, "/api/chat?wait=false", token, map[string]string{"content": "second"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/chat/stop", token, nil)
	expectStatus(t, resp, http.StatusOK)
	if stopped := decodeBody[map[string]bool](t, resp); !stopped["stopped"] {
		t.Fatalf("expected stopped=true")
	}
	turn, ok := env.app.Pending()
	if ok {
		if _, err := turn.Wait(context.Background()); err == nil {
			t.Fatalf("stopped turn should fail")
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.app.AI.IsGenerating() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.app.AI.IsGenerating() {
		t.Fatalf("generating flag stuck after stop")
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	token := env.signIn(t)

	resp := env.do(t, http.MethodGet, "/api/events?topic=nope", token, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/events?topic=folders&access_token="+token, nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	expectStatus(t, stream, http.StatusOK)
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(stream.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("unexpected first line %q: %v", line, err)
	}

	// a template change must not reach a folders-only stream
	r1 := env.do(t, http.MethodPost, "/api/templates", token, map[string]string{"title": "T", "content": "C"})
	expectStatus(t, r1, http.StatusCreated)
	r1.Body.Close()
	r2 := env.do(t, http.MethodPost, "/api/folders", token, map[string]string{"name": "Work"})
	expectStatus(t, r2, http.StatusCreated)
	folder := decodeBody[domain.Folder](t, r2)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line != "event: folders" {
			t.Fatalf("unexpected event line %q", line)
		}
		data, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read data: %v", err)
		}
		var e events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if e.Kind != events.KindCreated || e.ID != folder.ID {
			t.Fatalf("unexpected event: %+v", e)
		}
		return
	}
}
