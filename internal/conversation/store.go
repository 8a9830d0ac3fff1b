// ABOUTME: Store interface for conversation key -> conversation id records.
// ABOUTME: Backends: one file per key (FileStore) or a SQLite table (SQLiteStore).

package conversation

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound indicates no conversation is recorded for the key.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidKey indicates an empty or unusable conversation key.
var ErrInvalidKey = errors.New("invalid conversation key")

// Store persists conversation ids by key. Writes for one key are
// all-or-nothing; writes for different keys never conflict.
type Store interface {
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, conversationID string) error
	Delete(ctx context.Context, key string) error
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
