// Package storage persists paper files on local disk under content-addressed
// paths, validates PDF payloads, and downloads papers from remote URLs.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrInvalidHash is returned when a content hash is not a 64-character
// lowercase hex string.
var ErrInvalidHash = errors.New("storage: invalid content hash")

// Store writes and reads paper files under a root directory. Files are
// addressed by their SHA-256 hex digest as root/<first two hex chars>/<hash>.pdf,
// so identical uploads map to the same path.
type Store struct {
	root string
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Path returns the path a hash maps to without touching the disk.
func (s *Store) Path(hash string) (string, error) {
	if !isValidHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return filepath.Join(s.root, hash[:2], hash+".pdf"), nil
}

// Save writes data under its content-addressed path and returns that path.
// A file that already exists is left untouched.
func (s *Store) Save(hash string, data []byte) (string, error) {
	path, err := s.Path(hash)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("storage: create shard directory: %w", err)
	}

	// Write to a temp file first so a crash mid-write never leaves a
	// partial file at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: finalize file: %w", err)
	}

	return path, nil
}

// Open returns a reader over the stored file. The caller must close it.
// The returned error wraps os.ErrNotExist when the hash is unknown.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	path, err := s.Path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", hash, err)
	}
	return f, nil
}

// Read loads the stored file into memory.
func (s *Store) Read(hash string) ([]byte, error) {
	f, err := s.Open(hash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", hash, err)
	}
	return data, nil
}

// Remove deletes the stored file. Removing an absent file is not an error.
func (s *Store) Remove(hash string) error {
	path, err := s.Path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", hash, err)
	}
	return nil
}

// HashBytes returns the lowercase SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// isValidHash reports whether hash is a 64-character lowercase hex string.
// Anything else is rejected before it can reach a filesystem path.
func isValidHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
