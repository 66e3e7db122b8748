// Package blob stores uploaded file bytes on disk. The room engine
// only ever sees the storage key; content never flows through it.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxExtensionLength = 16

var (
	// ErrInvalidKey indicates a storage key that does not name a file
	// directly inside the store root.
	ErrInvalidKey = errors.New("blob: invalid storage key")
	// ErrNotFound indicates that no blob exists under the key.
	ErrNotFound = errors.New("blob: not found")
)

// Store writes blobs under a single root directory. Keys are
// generated ids with the upload's original extension appended, so a
// key is opaque but still serves the right content type from disk.
type Store struct {
	root string
}

// NewStore ensures the root directory exists and returns the store.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blob: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Save streams the reader to a new blob and returns its storage key
// and the number of bytes written. Zero-byte blobs are valid.
func (s *Store) Save(reader io.Reader, originalName string) (string, int64, error) {
	key := uuid.NewString() + sanitizeExtension(originalName)
	path := filepath.Join(s.root, key)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("blob: create: %w", err)
	}
	written, err := io.Copy(file, reader)
	if err != nil {
		file.Close()
		os.Remove(path)
		return "", 0, fmt.Errorf("blob: write: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("blob: close: %w", err)
	}
	return key, written, nil
}

// Open returns a reader over the blob stored under key.
func (s *Store) Open(key string) (*os.File, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open: %w", err)
	}
	return file, nil
}

// Remove deletes the blob stored under key. Removing a key that no
// longer exists is not an error.
func (s *Store) Remove(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: remove: %w", err)
	}
	return nil
}

// Path resolves the on-disk location of a blob for handlers that
// serve files directly.
func (s *Store) Path(key string) (string, error) {
	return s.path(key)
}

func (s *Store) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, key), nil
}

// sanitizeExtension keeps the original extension only when it is a
// short, plain alphanumeric suffix.
func sanitizeExtension(originalName string) string {
	ext := filepath.Ext(filepath.Base(originalName))
	if len(ext) < 2 || len(ext) > maxExtensionLength {
		return ""
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return ""
		}
	}
	return ext
}
