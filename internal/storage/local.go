package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage implements the Storage interface for the local filesystem.
// Payloads are content-addressed within a scope: the file name is the scope
// followed by the SHA-256 of the content.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Put stores a chunk payload on the local filesystem.
func (s *LocalStorage) Put(scope string, chunkData io.Reader) (string, error) {
	data, err := io.ReadAll(chunkData)
	if err != nil {
		return "", fmt.Errorf("failed to read chunk data: %w", err)
	}

	hash := sha256.Sum256(data)
	id := filepath.Base(scope) + "-" + hex.EncodeToString(hash[:])
	filePath := filepath.Join(s.basePath, id)

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write chunk to file: %w", err)
	}

	return id, nil
}

// Get retrieves a chunk payload from the local filesystem.
func (s *LocalStorage) Get(id string) (io.ReadCloser, error) {
	filePath := filepath.Join(s.basePath, id)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk not found: %s", id)
		}
		return nil, fmt.Errorf("failed to open chunk file: %w", err)
	}
	return file, nil
}

// Delete removes a staged chunk payload.
func (s *LocalStorage) Delete(id string) error {
	err := os.Remove(filepath.Join(s.basePath, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}
