package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Staging persists uploaded file blobs on local disk so queued uploads can
// be replayed after a restart. Blobs are content-addressed by SHA256.
type Staging struct {
	baseDir string
}

// NewStaging creates a staging area rooted at baseDir.
func NewStaging(baseDir string) (*Staging, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Staging{baseDir: baseDir}, nil
}

// Stage writes the blob to disk and returns its staging key.
func (s *Staging) Stage(reader io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.baseDir, "staging-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create staging file: %w", err)
	}
	defer tmp.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), reader)
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to write staging file: %w", err)
	}

	key := hex.EncodeToString(hash.Sum(nil))
	finalPath := filepath.Join(s.baseDir, key)
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to finalize staging file: %w", err)
	}

	return key, size, nil
}

// Open returns a reader for a staged blob.
func (s *Staging) Open(key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.baseDir, key))
	if err != nil {
		return nil, fmt.Errorf("failed to open staged file: %w", err)
	}
	return file, nil
}

// Remove deletes a staged blob. Missing blobs are not an error; pruning may
// race with replay.
func (s *Staging) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.baseDir, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged file: %w", err)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" || filepath.Base(key) != key {
		return fmt.Errorf("invalid staging key: %q", key)
	}
	return nil
}
