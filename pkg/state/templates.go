package state

import (
	"context"
	"sync"
	"time"

	"minicontratos/pkg/domain"
	"minicontratos/pkg/events"
)

type templateTree struct {
	Templates []domain.Template `json:"templates"`
}

// TemplatePatch carries the template fields to change; nil fields are kept.
type TemplatePatch struct {
	Title   *string
	Content *string
}

// TemplateStore owns the canned snippets offered in the composer.
type TemplateStore struct {
	mu      sync.RWMutex
	tree    templateTree
	persist persister
	pub     events.Publisher
	newID   func() string
	now     func() time.Time
}

// DefaultTemplates are seeded when no snapshot exists.
func DefaultTemplates(now time.Time) []domain.Template {
	return []domain.Template{
		{
			ID:        "default-1",
			Title:     "Code Review",
			Content:   "Please review this code and provide feedback on:\n- Code quality\n- Best practices\n- Performance optimizations\n- Security concerns",
			CreatedAt: now,
		},
		{
			ID:        "default-2",
			Title:     "Bug Report",
			Content:   "I encountered a bug:\n\nSteps to reproduce:\n1. \n\nExpected behavior:\n\nActual behavior:\n\nEnvironment:",
			CreatedAt: now,
		},
		{
			ID:        "default-3",
			Title:     "Feature Request",
			Content:   "Feature description:\n\nUse case:\n\nExpected functionality:\n\nAdditional context:",
			CreatedAt: now,
		},
	}
}

func NewTemplateStore(ctx context.Context, opts Options) (*TemplateStore, error) {
	opts = opts.withDefaults()
	s := &TemplateStore{
		persist: newPersister(opts, TemplatesKey),
		pub:     opts.Publisher,
		newID:   opts.NewID,
		now:     opts.Now,
	}
	var tree templateTree
	ok, err := s.persist.load(ctx, &tree)
	if err != nil {
		return nil, err
	}
	if ok {
		s.tree = tree
	} else {
		s.tree.Templates = DefaultTemplates(s.now().UTC())
	}
	return s, nil
}

// CreateTemplate appends a template.
func (s *TemplateStore) CreateTemplate(title, content string) (domain.Template, error) {
	tmpl := domain.Template{
		ID:        s.newID(),
		Title:     title,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	s.mu.Lock()
	next := make([]domain.Template, 0, len(s.tree.Templates)+1)
	next = append(next, s.tree.Templates...)
	s.tree.Templates = append(next, tmpl)
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicTemplates, events.KindCreated, tmpl.ID)
	return tmpl, err
}

func (s *TemplateStore) UpdateTemplate(id string, patch TemplatePatch) error {
	s.mu.Lock()
	idx := -1
	for i := range s.tree.Templates {
		if s.tree.Templates[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	next := make([]domain.Template, len(s.tree.Templates))
	copy(next, s.tree.Templates)
	if patch.Title != nil {
		next[idx].Title = *patch.Title
	}
	if patch.Content != nil {
		next[idx].Content = *patch.Content
	}
	s.tree.Templates = next
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicTemplates, events.KindUpdated, id)
	return err
}

func (s *TemplateStore) DeleteTemplate(id string) error {
	s.mu.Lock()
	next := make([]domain.Template, 0, len(s.tree.Templates))
	for _, t := range s.tree.Templates {
		if t.ID != id {
			next = append(next, t)
		}
	}
	if len(next) == len(s.tree.Templates) {
		s.mu.Unlock()
		return nil
	}
	s.tree.Templates = next
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicTemplates, events.KindDeleted, id)
	return err
}

func (s *TemplateStore) Template(id string) (domain.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tree.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Template{}, false
}

func (s *TemplateStore) Templates() []domain.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Template, len(s.tree.Templates))
	copy(out, s.tree.Templates)
	return out
}
