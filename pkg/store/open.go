package store

import (
	"fmt"
	"strings"
)

// Options selects and configures one snapshot backend.
type Options struct {
	Driver        string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	DatabaseURL   string
	Object        ObjectConfig
}

// Open builds the backend named by opts.Driver. The returned close func is
// never nil.
func Open(opts Options) (SnapshotStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		return NewMemorySnapshotStore(), noop, nil
	case "file":
		s, err := NewFileSnapshotStore(opts.DataDir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "redis":
		if strings.TrimSpace(opts.RedisAddr) == "" {
			return nil, noop, fmt.Errorf("redis addr is required")
		}
		s := NewRedisSnapshotStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
		return s, s.Close, nil
	case "postgres", "sqlite":
		s, err := NewGormSnapshotStore(strings.ToLower(strings.TrimSpace(opts.Driver)), opts.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "minio":
		s, err := NewObjectSnapshotStore(opts.Object)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
