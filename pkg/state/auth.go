package state

import (
	"context"
	"sync"
	"time"

	"minicontratos/pkg/domain"
	"minicontratos/pkg/events"
)

// DefaultSignInLatency is the simulated round trip of sign-in and sign-up.
const DefaultSignInLatency = time.Second

type authTree struct {
	User            *domain.User `json:"user"`
	CurrentCircleID *string      `json:"currentCircleId"`
	IsAuthenticated bool         `json:"isAuthenticated"`
}

// MockUser is the account every successful sign-in resolves to.
func MockUser(now time.Time) domain.User {
	return domain.User{
		ID:    "user-1",
		Email: "demo@minicontratos.com",
		Name:  "Demo User",
		Circles: []domain.Circle{
			{ID: "circle-1", Name: "Personal", CreatedAt: now},
			{ID: "circle-2", Name: "Work", CreatedAt: now},
			{ID: "circle-3", Name: "Projects", CreatedAt: now},
		},
	}
}

// AuthStore holds the mock session and the selected circle. Credentials are
// never checked.
type AuthStore struct {
	mu      sync.RWMutex
	tree    authTree
	persist persister
	pub     events.Publisher
	now     func() time.Time
	latency time.Duration
}

// NewAuthStore restores the saved session. latency is the simulated delay
// applied by SignIn and SignUp; zero or less means none.
func NewAuthStore(ctx context.Context, opts Options, latency time.Duration) (*AuthStore, error) {
	opts = opts.withDefaults()
	s := &AuthStore{
		persist: newPersister(opts, AuthKey),
		pub:     opts.Publisher,
		now:     opts.Now,
		latency: latency,
	}
	var tree authTree
	ok, err := s.persist.load(ctx, &tree)
	if err != nil {
		return nil, err
	}
	if ok {
		s.tree = tree
	}
	return s, nil
}

func (s *AuthStore) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SignIn always succeeds after the simulated latency unless ctx ends first.
func (s *AuthStore) SignIn(ctx context.Context, email, password string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.setUser(MockUser(s.now().UTC()))
}

// SignUp behaves like SignIn with email and name taken from the caller.
func (s *AuthStore) SignUp(ctx context.Context, email, password, name string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	user := MockUser(s.now().UTC())
	user.Email = email
	user.Name = name
	return s.setUser(user)
}

func (s *AuthStore) setUser(user domain.User) error {
	s.mu.Lock()
	s.tree.User = &user
	s.tree.IsAuthenticated = true
	s.tree.CurrentCircleID = nil
	if len(user.Circles) > 0 {
		first := user.Circles[0].ID
		s.tree.CurrentCircleID = &first
	}
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicAuth, events.KindSignedIn, user.ID)
	return err
}

// SignOut clears the user, the session flag and the circle selection.
func (s *AuthStore) SignOut() error {
	s.mu.Lock()
	s.tree = authTree{}
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicAuth, events.KindSignedOut, "")
	return err
}

// SetCurrentCircle selects a circle without checking membership.
func (s *AuthStore) SetCurrentCircle(id string) error {
	s.mu.Lock()
	s.tree.CurrentCircleID = &id
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicAuth, events.KindSelected, id)
	return err
}

// CurrentCircle resolves the selected circle among the user's circles.
func (s *AuthStore) CurrentCircle() (domain.Circle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree.User == nil || s.tree.CurrentCircleID == nil {
		return domain.Circle{}, false
	}
	for _, c := range s.tree.User.Circles {
		if c.ID == *s.tree.CurrentCircleID {
			return c, true
		}
	}
	return domain.Circle{}, false
}

// CurrentCircleID returns the raw selection, which may not match any circle.
func (s *AuthStore) CurrentCircleID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree.CurrentCircleID == nil {
		return "", false
	}
	return *s.tree.CurrentCircleID, true
}

func (s *AuthStore) User() (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree.User == nil {
		return domain.User{}, false
	}
	return s.tree.User.Clone(), true
}

func (s *AuthStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.IsAuthenticated
}
