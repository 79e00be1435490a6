package state

import (
	"context"
	"sync"
	"time"

	"minicontratos/pkg/domain"
	"minicontratos/pkg/events"
)

type folderTree struct {
	Folders []domain.Folder `json:"folders"`
}

// FolderPatch carries the folder fields to change; nil fields are kept.
type FolderPatch struct {
	Name  *string
	Color *string
}

// FolderStore owns the flat folder list. Deleting a folder leaves
// conversations that reference it untouched.
type FolderStore struct {
	mu      sync.RWMutex
	tree    folderTree
	persist persister
	pub     events.Publisher
	newID   func() string
	now     func() time.Time
}

func NewFolderStore(ctx context.Context, opts Options) (*FolderStore, error) {
	opts = opts.withDefaults()
	s := &FolderStore{
		persist: newPersister(opts, FoldersKey),
		pub:     opts.Publisher,
		newID:   opts.NewID,
		now:     opts.Now,
	}
	var tree folderTree
	ok, err := s.persist.load(ctx, &tree)
	if err != nil {
		return nil, err
	}
	if ok {
		s.tree = tree
	}
	return s, nil
}

// FolderColor returns the palette entry for index, wrapping in both directions.
func FolderColor(index int) string {
	n := len(domain.FolderColors)
	return domain.FolderColors[((index%n)+n)%n]
}

// CreateFolder appends a folder. Without an explicit color it takes the
// palette entry at the current folder count.
func (s *FolderStore) CreateFolder(name, color string) (domain.Folder, error) {
	s.mu.Lock()
	if color == "" {
		color = FolderColor(len(s.tree.Folders))
	}
	folder := domain.Folder{
		ID:        s.newID(),
		Name:      name,
		Color:     color,
		CreatedAt: s.now().UTC(),
	}
	next := make([]domain.Folder, 0, len(s.tree.Folders)+1)
	next = append(next, s.tree.Folders...)
	s.tree.Folders = append(next, folder)
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicFolders, events.KindCreated, folder.ID)
	return folder, err
}

// UpdateFolder merges patch into the folder; unknown ids are ignored.
func (s *FolderStore) UpdateFolder(id string, patch FolderPatch) error {
	s.mu.Lock()
	idx := -1
	for i := range s.tree.Folders {
		if s.tree.Folders[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	next := make([]domain.Folder, len(s.tree.Folders))
	copy(next, s.tree.Folders)
	if patch.Name != nil {
		next[idx].Name = *patch.Name
	}
	if patch.Color != nil {
		next[idx].Color = *patch.Color
	}
	s.tree.Folders = next
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicFolders, events.KindUpdated, id)
	return err
}

func (s *FolderStore) DeleteFolder(id string) error {
	s.mu.Lock()
	next := make([]domain.Folder, 0, len(s.tree.Folders))
	for _, f := range s.tree.Folders {
		if f.ID != id {
			next = append(next, f)
		}
	}
	if len(next) == len(s.tree.Folders) {
		s.mu.Unlock()
		return nil
	}
	s.tree.Folders = next
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicFolders, events.KindDeleted, id)
	return err
}

func (s *FolderStore) Folder(id string) (domain.Folder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.tree.Folders {
		if f.ID == id {
			return f, true
		}
	}
	return domain.Folder{}, false
}

// Folders returns the folders in creation order.
func (s *FolderStore) Folders() []domain.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Folder, len(s.tree.Folders))
	copy(out, s.tree.Folders)
	return out
}
