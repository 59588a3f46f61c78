package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxy-pool-manager/internal/types"
)

type Storage interface {
	Save(snap *types.Snapshot) error
	Load() (*types.Snapshot, error)
	Close() error
}

func NewStorage(storageType string, path string) (Storage, error) {
	switch storageType {
	case "file":
		return NewFileStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	case "redis":
		return NewRedisStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// FileStorage keeps the pool snapshot as one JSON file.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &FileStorage{path: path}, nil
}

func (f *FileStorage) Save(snap *types.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	// Write to a temp file first so a crash mid-write never truncates
	// the previous snapshot.
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

func (f *FileStorage) Load() (*types.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no snapshot yet
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &snap, nil
}

func (f *FileStorage) Close() error {
	return nil
}
