// ABOUTME: SQLite implementation of the conversation Store using modernc.org/sqlite
// ABOUTME: One row per conversation key, written with a single upsert

package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "conversation")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite conversation store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_key TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			updated_at       DATETIME NOT NULL
		);
	`)
	return err
}

// Load returns the stored conversation id for key.
func (s *SQLiteStore) Load(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM conversations WHERE conversation_key = ?`, key,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying conversation %q: %w", key, err)
	}
	return id, nil
}

// Save records conversationID for key, replacing any previous value.
func (s *SQLiteStore) Save(ctx context.Context, key, conversationID string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if conversationID == "" {
		return fmt.Errorf("saving conversation %q: empty conversation id", key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_key, conversation_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at
	`, key, conversationID, time.Now().UTC())
	if err != nil {
		s.logger.Error("conversation upsert failed", "conversation_key", key, "error", err)
		return fmt.Errorf("saving conversation %q: %w", key, err)
	}
	return nil
}

// Delete removes the record for key. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_key = ?`, key); err != nil {
		s.logger.Error("conversation delete failed", "conversation_key", key, "error", err)
		return fmt.Errorf("deleting conversation %q: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
