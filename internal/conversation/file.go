// ABOUTME: File-backed conversation store, one record file per key in a shared directory.
// ABOUTME: Writes go to a temp file that is renamed over the record, so readers never see partial data.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	filePrefix = "assist_conversation_"
	fileSuffix = ".txt"
)

// FileStore stores each conversation id in its own file.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. An empty dir selects the system
// temp directory, which is shared by every process on the host.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = os.TempDir()
	}
	return &FileStore{dir: dir}
}

// Dir returns the directory holding the record files.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the record file for key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, filePrefix+url.PathEscape(key)+fileSuffix)
}

// Load returns the stored conversation id for key.
func (s *FileStore) Load(_ context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading conversation %q: %w", key, err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNotFound
	}
	return id, nil
}

// Save records conversationID for key.
func (s *FileStore) Save(_ context.Context, key, conversationID string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if conversationID == "" {
		return fmt.Errorf("saving conversation %q: empty conversation id", key)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating conversation directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+filePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(conversationID); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing conversation %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing conversation %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing conversation %q: %w", key, err)
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing conversation %q: %w", key, err)
	}
	return nil
}

// Delete removes the record for key. Deleting a missing record is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting conversation %q: %w", key, err)
	}
	return nil
}
