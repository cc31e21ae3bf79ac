package export

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage defines the interface for export file storage
type Storage interface {
	// Save saves a file and returns its name
	Save(filename string, data []byte) (string, error)

	// Delete removes a file
	Delete(name string) error

	// Location describes where a saved file lives
	Location(name string) string
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save writes the file through a temporary name so readers never see a
// partial export
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	path := filepath.Join(l.basePath, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("renaming file: %w", err)
	}
	return filename, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(name string) error {
	if err := os.Remove(filepath.Join(l.basePath, name)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// Location returns the file's path on disk
func (l *LocalStorage) Location(name string) string {
	return filepath.Join(l.basePath, name)
}
