package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"minicontratos/pkg/domain"
	"minicontratos/pkg/events"
)

// RecentLimit caps RecentConversations.
const RecentLimit = 10

type conversationTree struct {
	Conversations         []domain.Conversation `json:"conversations"`
	CurrentConversationID *string               `json:"currentConversationId"`
}

// ConversationPatch carries the fields to merge into a conversation. Nil
// fields are left alone; a FolderID pointing at "" removes the folder.
type ConversationPatch struct {
	Title    *string
	FolderID *string
	Pinned   *bool
	Archived *bool
}

// MessageDraft is a message before it gets an id and timestamp.
type MessageDraft struct {
	Role    domain.Role
	Content string
}

// ConversationStore owns the conversation collection and the current
// conversation pointer.
type ConversationStore struct {
	mu      sync.RWMutex
	tree    conversationTree
	persist persister
	pub     events.Publisher
	newID   func() string
	now     func() time.Time
}

// NewConversationStore restores the saved collection, if any.
func NewConversationStore(ctx context.Context, opts Options) (*ConversationStore, error) {
	opts = opts.withDefaults()
	s := &ConversationStore{
		persist: newPersister(opts, ConversationsKey),
		pub:     opts.Publisher,
		newID:   opts.NewID,
		now:     opts.Now,
	}
	var tree conversationTree
	ok, err := s.persist.load(ctx, &tree)
	if err != nil {
		return nil, err
	}
	if ok {
		s.tree = tree
	}
	return s, nil
}

// CreateConversation prepends a new conversation and makes it current.
func (s *ConversationStore) CreateConversation(title, folderID string) (domain.Conversation, error) {
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	now := s.now().UTC()
	conv := domain.Conversation{
		ID:        s.newID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []domain.Message{},
	}
	if folderID != "" {
		conv.FolderID = &folderID
	}

	s.mu.Lock()
	next := make([]domain.Conversation, 0, len(s.tree.Conversations)+1)
	next = append(next, conv)
	next = append(next, s.tree.Conversations...)
	s.tree.Conversations = next
	id := conv.ID
	s.tree.CurrentConversationID = &id
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicConversations, events.KindCreated, conv.ID)
	publish(s.pub, events.TopicCurrentConversation, events.KindSelected, conv.ID)
	return conv.Clone(), err
}

// modify replaces the conversation with the given id by fn's result. It
// reports false, and writes nothing, when the id is unknown or fn declines.
func (s *ConversationStore) modify(id string, fn func(c *domain.Conversation) bool) (bool, error) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, nil
	}
	updated := s.tree.Conversations[idx].Clone()
	if !fn(&updated) {
		s.mu.Unlock()
		return false, nil
	}
	updated.UpdatedAt = nextTimestamp(s.now, s.tree.Conversations[idx].UpdatedAt)
	next := make([]domain.Conversation, len(s.tree.Conversations))
	copy(next, s.tree.Conversations)
	next[idx] = updated
	s.tree.Conversations = next
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicConversations, events.KindUpdated, id)
	return true, err
}

func (s *ConversationStore) indexOf(id string) int {
	for i := range s.tree.Conversations {
		if s.tree.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// UpdateConversation merges patch into the conversation and refreshes updated_at.
func (s *ConversationStore) UpdateConversation(id string, patch ConversationPatch) error {
	_, err := s.modify(id, func(c *domain.Conversation) bool {
		if patch.Title != nil {
			c.Title = *patch.Title
		}
		if patch.FolderID != nil {
			if *patch.FolderID == "" {
				c.FolderID = nil
			} else {
				folder := *patch.FolderID
				c.FolderID = &folder
			}
		}
		if patch.Pinned != nil {
			c.Pinned = *patch.Pinned
		}
		if patch.Archived != nil {
			c.Archived = *patch.Archived
		}
		return true
	})
	return err
}

// ArchiveConversation hides the conversation from default listings.
func (s *ConversationStore) ArchiveConversation(id string) error {
	archived := true
	return s.UpdateConversation(id, ConversationPatch{Archived: &archived})
}

// PinConversation toggles the pinned flag.
func (s *ConversationStore) PinConversation(id string) error {
	_, err := s.modify(id, func(c *domain.Conversation) bool {
		c.Pinned = !c.Pinned
		return true
	})
	return err
}

// DeleteConversation removes the conversation and clears the current pointer
// if it pointed there.
func (s *ConversationStore) DeleteConversation(id string) error {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	next := make([]domain.Conversation, 0, len(s.tree.Conversations)-1)
	next = append(next, s.tree.Conversations[:idx]...)
	next = append(next, s.tree.Conversations[idx+1:]...)
	s.tree.Conversations = next
	clearedCurrent := s.tree.CurrentConversationID != nil && *s.tree.CurrentConversationID == id
	if clearedCurrent {
		s.tree.CurrentConversationID = nil
	}
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicConversations, events.KindDeleted, id)
	if clearedCurrent {
		publish(s.pub, events.TopicCurrentConversation, events.KindSelected, "")
	}
	return err
}

// SetCurrentConversation moves the current pointer without checking that the
// conversation exists. An empty id clears it.
func (s *ConversationStore) SetCurrentConversation(id string) error {
	s.mu.Lock()
	if id == "" {
		s.tree.CurrentConversationID = nil
	} else {
		s.tree.CurrentConversationID = &id
	}
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicCurrentConversation, events.KindSelected, id)
	return err
}

// AddMessage appends a message to the conversation. It reports false when
// the conversation does not exist.
func (s *ConversationStore) AddMessage(conversationID string, draft MessageDraft) (domain.Message, bool, error) {
	if !draft.Role.Valid() {
		return domain.Message{}, false, ErrInvalidRole
	}
	msg := domain.Message{
		ID:        s.newID(),
		Role:      draft.Role,
		Content:   draft.Content,
		CreatedAt: s.now().UTC(),
	}
	ok, err := s.modify(conversationID, func(c *domain.Conversation) bool {
		c.Messages = append(c.Messages, msg)
		return true
	})
	if !ok {
		return domain.Message{}, false, err
	}
	return msg, true, err
}

// UpdateMessage replaces a message's content.
func (s *ConversationStore) UpdateMessage(conversationID, messageID, content string) error {
	_, err := s.modify(conversationID, func(c *domain.Conversation) bool {
		for i := range c.Messages {
			if c.Messages[i].ID == messageID {
				c.Messages[i].Content = content
				return true
			}
		}
		return false
	})
	return err
}

// DeleteMessage removes a message from the conversation.
func (s *ConversationStore) DeleteMessage(conversationID, messageID string) error {
	_, err := s.modify(conversationID, func(c *domain.Conversation) bool {
		for i := range c.Messages {
			if c.Messages[i].ID == messageID {
				c.Messages = append(c.Messages[:i:i], c.Messages[i+1:]...)
				return true
			}
		}
		return false
	})
	return err
}

// Conversation looks up one conversation by id.
func (s *ConversationStore) Conversation(id string) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := s.indexOf(id); idx >= 0 {
		return s.tree.Conversations[idx].Clone(), true
	}
	return domain.Conversation{}, false
}

// Conversations returns the whole collection, newest-created first.
func (s *ConversationStore) Conversations() []domain.Conversation {
	return s.filter(func(domain.Conversation) bool { return true }, false)
}

// CurrentConversationID returns the current pointer, which may dangle.
func (s *ConversationStore) CurrentConversationID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree.CurrentConversationID == nil {
		return "", false
	}
	return *s.tree.CurrentConversationID, true
}

// CurrentConversation resolves the current pointer.
func (s *ConversationStore) CurrentConversation() (domain.Conversation, bool) {
	id, ok := s.CurrentConversationID()
	if !ok {
		return domain.Conversation{}, false
	}
	return s.Conversation(id)
}

// ConversationsByFolder lists non-archived conversations in the folder, most
// recently updated first. An empty folderID selects conversations without one.
func (s *ConversationStore) ConversationsByFolder(folderID string) []domain.Conversation {
	return s.filter(func(c domain.Conversation) bool {
		if c.Archived {
			return false
		}
		if folderID == "" {
			return !c.InFolder()
		}
		return c.FolderID != nil && *c.FolderID == folderID
	}, true)
}

// PinnedConversations lists pinned, non-archived conversations, most recently
// updated first.
func (s *ConversationStore) PinnedConversations() []domain.Conversation {
	return s.filter(func(c domain.Conversation) bool {
		return c.Pinned && !c.Archived
	}, true)
}

// RecentConversations lists up to RecentLimit conversations that are neither
// pinned, archived nor filed in a folder.
func (s *ConversationStore) RecentConversations() []domain.Conversation {
	out := s.filter(func(c domain.Conversation) bool {
		return !c.Pinned && !c.Archived && !c.InFolder()
	}, true)
	if len(out) > RecentLimit {
		out = out[:RecentLimit]
	}
	return out
}

func (s *ConversationStore) filter(keep func(domain.Conversation) bool, byUpdated bool) []domain.Conversation {
	s.mu.RLock()
	out := make([]domain.Conversation, 0, len(s.tree.Conversations))
	for _, c := range s.tree.Conversations {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()
	if byUpdated {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		})
	}
	return out
}
