package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"minicontratos/pkg/ai"
	"minicontratos/pkg/domain"
	"minicontratos/pkg/events"
	"minicontratos/pkg/state"
	"minicontratos/pkg/store"
)

// TitleMaxRunes bounds titles derived from the first message.
const TitleMaxRunes = 50

// Config holds runtime configuration for the core application.
type Config struct {
	Snapshots     store.SnapshotStore
	Publisher     events.Publisher
	Generator     ai.TextGenerator
	SignInLatency time.Duration
	NewID         func() string
	Now           func() time.Time
	Logger        *slog.Logger
}

// App wires the stores together and runs the composer.
type App struct {
	Conversations *state.ConversationStore
	Folders       *state.FolderStore
	Templates     *state.TemplateStore
	Auth          *state.AuthStore
	AI            *state.AIStore

	generator ai.TextGenerator
	logger    *slog.Logger

	mu      sync.Mutex
	pending *Turn
	wg      sync.WaitGroup
}

// New restores every store from cfg.Snapshots.
func New(ctx context.Context, cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	generator := cfg.Generator
	if generator == nil {
		generator = ai.NewMockGenerator(ai.DefaultMockDelay)
	}
	opts := state.Options{
		Backend:   cfg.Snapshots,
		Publisher: cfg.Publisher,
		NewID:     cfg.NewID,
		Now:       cfg.Now,
		Logger:    logger,
	}
	if opts.Backend == nil {
		opts.Backend = store.NewMemorySnapshotStore()
	}

	conversations, err := state.NewConversationStore(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("init conversations: %w", err)
	}
	folders, err := state.NewFolderStore(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("init folders: %w", err)
	}
	templates, err := state.NewTemplateStore(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("init templates: %w", err)
	}
	auth, err := state.NewAuthStore(ctx, opts, cfg.SignInLatency)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}
	aiStore, err := state.NewAIStore(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("init ai: %w", err)
	}
	return &App{
		Conversations: conversations,
		Folders:       folders,
		Templates:     templates,
		Auth:          auth,
		AI:            aiStore,
		generator:     generator,
		logger:        logger,
	}, nil
}

// Turn is one send: the stored user message plus the pending reply.
type Turn struct {
	ConversationID string
	UserMessage    domain.Message
	Model          string

	cancel context.CancelFunc
	done   chan struct{}
	reply  domain.Message
	err    error
}

// Wait blocks until the reply is stored or fails, or ctx ends.
func (t *Turn) Wait(ctx context.Context) (domain.Message, error) {
	select {
	case <-t.done:
		return t.reply, t.err
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

// Done is closed once the reply has settled.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// DeriveTitle shortens the first message into a conversation title.
func DeriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= TitleMaxRunes {
		return content
	}
	return string(runes[:TitleMaxRunes]) + "..."
}

// Send stores content as a user message in the current conversation,
// creating one when there is none, and starts generating the reply. The
// reply keeps running if ctx ends; use Stop to abandon it.
func (a *App) Send(ctx context.Context, content string) (*Turn, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil || !a.AI.TryStartGenerating() {
		return nil, ErrGenerationInProgress
	}

	turn, err := a.storeUserMessage(content)
	if err != nil {
		a.AI.SetGenerating(false)
		return nil, err
	}

	replyCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	turn.cancel = cancel
	turn.done = make(chan struct{})
	a.pending = turn
	a.wg.Add(1)
	go a.reply(replyCtx, turn, content)
	return turn, nil
}

func (a *App) storeUserMessage(content string) (*Turn, error) {
	conv, ok := a.Conversations.CurrentConversation()
	if !ok {
		created, err := a.Conversations.CreateConversation(DeriveTitle(content), "")
		if err != nil {
			return nil, err
		}
		conv = created
	}
	msg, ok, err := a.Conversations.AddMessage(conv.ID, state.MessageDraft{Role: domain.RoleUser, Content: content})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConversationNotFound
	}
	return &Turn{
		ConversationID: conv.ID,
		UserMessage:    msg,
		Model:          a.AI.SelectedModel(),
	}, nil
}

// reply runs on its own goroutine. The assistant message is only written if
// the conversation still exists when generation finishes.
func (a *App) reply(ctx context.Context, turn *Turn, prompt string) {
	defer a.wg.Done()
	defer func() {
		turn.cancel()
		a.mu.Lock()
		if a.pending == turn {
			a.pending = nil
		}
		a.mu.Unlock()
		a.AI.SetGenerating(false)
		close(turn.done)
	}()

	text, err := a.generator.GenerateText(ctx, turn.Model, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = ErrReplyStopped
		}
		a.logger.Info("reply_not_generated", "conversation_id", turn.ConversationID, "err", err)
		turn.err = err
		return
	}
	msg, ok, err := a.Conversations.AddMessage(turn.ConversationID, state.MessageDraft{Role: domain.RoleAssistant, Content: text})
	if err != nil {
		turn.err = err
		return
	}
	if !ok {
		a.logger.Info("reply_discarded", "conversation_id", turn.ConversationID, "reason", "conversation_deleted")
		turn.err = ErrConversationNotFound
		return
	}
	turn.reply = msg
}

// Pending returns the turn still awaiting its reply, if any.
func (a *App) Pending() (*Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending, a.pending != nil
}

// Stop abandons the pending reply. It reports whether one was pending.
func (a *App) Stop() bool {
	a.mu.Lock()
	turn := a.pending
	a.mu.Unlock()
	if turn == nil {
		return false
	}
	turn.cancel()
	return true
}

// Close stops any pending reply and waits for its goroutine to exit.
func (a *App) Close() {
	a.Stop()
	a.wg.Wait()
}
