// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ManuGH/shardline/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore persists snapshots in a local SQLite database.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (and migrates) the database at dbPath. An existing file
// is integrity-checked first so a corrupt store fails loudly instead of
// silently resuming from garbage.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	if _, err := os.Stat(dbPath); err == nil {
		issues, verr := sqlite.VerifyIntegrity(dbPath, sqlite.VerifyQuick)
		if verr != nil {
			return nil, fmt.Errorf("session store: verify: %w", verr)
		}
		if len(issues) > 0 {
			return nil, fmt.Errorf("session store: integrity check failed: %v", issues)
		}
	}

	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS session_snapshots (
		shard_key  TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		resume_url TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Load(ctx context.Context, key string) (*Snapshot, error) {
	query := `SELECT session_id, sequence, resume_url, updated_at FROM session_snapshots WHERE shard_key = ?`
	var snap Snapshot
	var seq int64
	var updatedAt string
	err := s.DB.QueryRowContext(ctx, query, key).Scan(&snap.SessionID, &seq, &snap.ResumeURL, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.Sequence = uint64(seq)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &snap, nil
}

func (s *SqliteStore) Save(ctx context.Context, key string, snap Snapshot) error {
	query := `
	INSERT INTO session_snapshots (shard_key, session_id, sequence, resume_url, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(shard_key) DO UPDATE SET
		session_id = excluded.session_id,
		sequence = excluded.sequence,
		resume_url = excluded.resume_url,
		updated_at = excluded.updated_at
	`
	_, err := s.DB.ExecContext(ctx, query,
		key, snap.SessionID, int64(snap.Sequence), snap.ResumeURL, snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM session_snapshots WHERE shard_key = ?", key)
	return err
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
