// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// Store persists snapshots so a session can survive a process restart.
// Load returns (nil, nil) when nothing is stored.
type Store interface {
	Load(ctx context.Context, key string) (*Snapshot, error)
	Save(ctx context.Context, key string, snap Snapshot) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key returns the storage key for a shard.
func Key(index, total int) string {
	return "shard-" + strconv.Itoa(index) + "-" + strconv.Itoa(total)
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Backend string // memory (default), file, redis, sqlite

	Path string // directory for file, database file for sqlite

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL bounds how long a snapshot stays resumable. Zero keeps it forever.
	TTL time.Duration
}

// NewStore creates a snapshot store for the configured backend.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if cfg.Path == "" {
			return nil, errors.New("file session store requires a path")
		}
		return NewFileStore(cfg.Path)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis session store requires an address")
		}
		s, err := NewRedisStore(RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, TTL: cfg.TTL})
		if err != nil {
			return nil, err
		}
		return Guard(s, "redis"), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, errors.New("sqlite session store requires a path")
		}
		s, err := NewSqliteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return Guard(s, "sqlite"), nil
	default:
		return nil, fmt.Errorf("unknown session store backend: %s (supported: memory, file, redis, sqlite)", cfg.Backend)
	}
}

// MemoryStore keeps snapshots in a map (thread-safe).
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Snapshot
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Snapshot)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.data[key]; ok {
		clone := v
		return &clone, nil
	}
	return nil, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return errors.New("memory store closed")
	}
	s.data[key] = snap
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

// FileStore writes one JSON document per shard, replaced atomically.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStore) Load(_ context.Context, key string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	return &snap, nil
}

func (s *FileStore) Save(_ context.Context, key string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	// renameio: temp file, fsync, atomic rename, cleanup on error
	pending, err := renameio.NewPendingFile(s.path(key), renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending session file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit session file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) Close() error { return nil }
