// Package store persists, per (channel, thread), the last resume
// token a run landed on, so a follow-up message in the same thread
// can resume the same engine session without the caller tracking
// state itself. Grounded on the teacher's internal/auth/store.go
// (NewStore/migrate/sql.Exec idiom over modernc.org/sqlite).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for a (channel, thread) pair.
var ErrNotFound = errors.New("store: no resume record found")

// Record is the last known resume token for a (channel, thread).
type Record struct {
	ChannelID   string
	ThreadID    string
	Engine      string
	ResumeValue string
	UpdatedAt   time.Time
}

// Store handles resume-token persistence.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the sqlite database at path, applying the
// schema migration if needed. The parent directory is created if
// missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS resume_tokens (
		channel_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		engine TEXT NOT NULL,
		resume_value TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (channel_id, thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_resume_tokens_updated_at ON resume_tokens(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts the last resume token seen for a (channel, thread) pair.
func (s *Store) Put(rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO resume_tokens (channel_id, thread_id, engine, resume_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, thread_id) DO UPDATE SET
			engine = excluded.engine,
			resume_value = excluded.resume_value,
			updated_at = excluded.updated_at`,
		rec.ChannelID, rec.ThreadID, rec.Engine, rec.ResumeValue, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert resume token: %w", err)
	}
	return nil
}

// Get returns the last resume token recorded for (channelID, threadID).
func (s *Store) Get(channelID, threadID string) (Record, error) {
	var rec Record
	rec.ChannelID = channelID
	rec.ThreadID = threadID

	err := s.db.QueryRow(`
		SELECT engine, resume_value, updated_at
		FROM resume_tokens WHERE channel_id = ? AND thread_id = ?`,
		channelID, threadID,
	).Scan(&rec.Engine, &rec.ResumeValue, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: query resume token: %w", err)
	}
	return rec, nil
}

// Delete removes any recorded resume token for (channelID, threadID).
func (s *Store) Delete(channelID, threadID string) error {
	_, err := s.db.Exec(`DELETE FROM resume_tokens WHERE channel_id = ? AND thread_id = ?`, channelID, threadID)
	if err != nil {
		return fmt.Errorf("store: delete resume token: %w", err)
	}
	return nil
}

// ReapStale deletes every record whose updated_at is older than cutoff
// and returns the number of rows removed, for internal/schedule's
// periodic GC job.
func (s *Store) ReapStale(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM resume_tokens WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: reap stale records: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of recorded resume tokens, mainly for tests.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM resume_tokens`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}
