package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SnapshotStore persists one serialized state tree per key.
// Load reports ok=false when nothing has been saved under key yet.
type SnapshotStore interface {
	Load(ctx context.Context, key string) (data []byte, ok bool, err error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// ErrInvalidKey is returned for keys that are empty or not path-safe.
var ErrInvalidKey = errors.New("invalid snapshot key")

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" || key != strings.TrimSpace(key) {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
