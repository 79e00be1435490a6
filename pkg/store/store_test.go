package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func exerciseSnapshotStore(t *testing.T, s SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Load(ctx, "minicontratos-folders"); err != nil || ok {
		t.Fatalf("load missing: ok=%v err=%v", ok, err)
	}
	first := []byte(`{"state":{"folders":[]},"version":0}`)
	if err := s.Save(ctx, "minicontratos-folders", first); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Load(ctx, "minicontratos-folders")
	if err != nil || !ok {
		t.Fatalf("load saved: ok=%v err=%v", ok, err)
	}
	if string(got) != string(first) {
		t.Fatalf("payload = %s, want %s", got, first)
	}

	second := []byte(`{"state":{"folders":[{"id":"f-1"}]},"version":0}`)
	if err := s.Save(ctx, "minicontratos-folders", second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _, err = s.Load(ctx, "minicontratos-folders")
	if err != nil {
		t.Fatalf("load overwritten: %v", err)
	}
	if string(got) != string(second) {
		t.Fatalf("payload = %s, want %s", got, second)
	}

	if _, ok, _ := s.Load(ctx, "minicontratos-templates"); ok {
		t.Fatalf("keys must be independent")
	}

	if err := s.Delete(ctx, "minicontratos-folders"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := s.Load(ctx, "minicontratos-folders"); err != nil || ok {
		t.Fatalf("load deleted: ok=%v err=%v", ok, err)
	}
	if err := s.Delete(ctx, "minicontratos-folders"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}

	if err := s.Save(ctx, "../escape", first); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, _, err := s.Load(ctx, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty key, got %v", err)
	}
}

func TestMemorySnapshotStore(t *testing.T) {
	exerciseSnapshotStore(t, NewMemorySnapshotStore())
}

func TestMemorySnapshotStoreCopiesPayload(t *testing.T) {
	s := NewMemorySnapshotStore()
	data := []byte(`{"a":1}`)
	if err := s.Save(context.Background(), "k", data); err != nil {
		t.Fatalf("save: %v", err)
	}
	data[2] = 'b'
	got, _, _ := s.Load(context.Background(), "k")
	if string(got) != `{"a":1}` {
		t.Fatalf("stored payload aliased caller slice: %s", got)
	}
}

func TestFileSnapshotStore(t *testing.T) {
	s, err := NewFileSnapshotStore(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	exerciseSnapshotStore(t, s)
}

func TestFileSnapshotStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := s.Save(context.Background(), "minicontratos-ai", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	reopened, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := reopened.Load(context.Background(), "minicontratos-ai")
	if err != nil || !ok || string(got) != `{"v":1}` {
		t.Fatalf("reopened load = %q ok=%v err=%v", got, ok, err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestRedisSnapshotStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisSnapshotStore(mr.Addr(), "", 0, "test:snap")
	defer s.Close()
	exerciseSnapshotStore(t, s)
}

func TestRedisSnapshotStoreUsesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisSnapshotStore(mr.Addr(), "", 0, "")
	defer s.Close()
	if err := s.Save(context.Background(), "minicontratos-auth", []byte(`{}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("minicontratos:snapshot:minicontratos-auth") {
		t.Fatalf("expected prefixed key, have %v", mr.Keys())
	}
	if ttl := mr.TTL("minicontratos:snapshot:minicontratos-auth"); ttl != 0 {
		t.Fatalf("snapshot must not expire, ttl=%v", ttl)
	}
}

func TestGormSnapshotStoreSQLite(t *testing.T) {
	s, err := NewGormSnapshotStore("sqlite", filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	defer s.Close()
	exerciseSnapshotStore(t, s)
}

func TestNewGormSnapshotStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := NewGormSnapshotStore("oracle", "dsn"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := NewGormSnapshotStore("postgres", " "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestObjectName(t *testing.T) {
	cases := []struct {
		prefix, key, want string
	}{
		{"", "minicontratos-auth", "minicontratos-auth.json"},
		{"snapshots/", "minicontratos-auth", "snapshots/minicontratos-auth.json"},
		{" /a/b/ ", "k", "a/b/k.json"},
	}
	for _, tc := range cases {
		if got := objectName(tc.prefix, tc.key); got != tc.want {
			t.Fatalf("objectName(%q, %q) = %q, want %q", tc.prefix, tc.key, got, tc.want)
		}
	}
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	cases := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "default", opts: Options{}},
		{name: "memory", opts: Options{Driver: "memory"}},
		{name: "file", opts: Options{Driver: "file", DataDir: t.TempDir()}},
		{name: "file without dir", opts: Options{Driver: "file"}, wantErr: true},
		{name: "redis", opts: Options{Driver: "redis", RedisAddr: mr.Addr()}},
		{name: "redis without addr", opts: Options{Driver: "redis"}, wantErr: true},
		{name: "sqlite", opts: Options{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "s.db")}},
		{name: "unknown", opts: Options{Driver: "etcd"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, closeFn, err := Open(tc.opts)
			if closeFn == nil {
				t.Fatalf("close func must never be nil")
			}
			defer closeFn()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := s.Save(context.Background(), "k", []byte(`{}`)); err != nil {
				t.Fatalf("save: %v", err)
			}
		})
	}
}
