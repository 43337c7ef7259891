// Package checkpoint persists per-task dialogue state so interrupted work can
// resume. Values are opaque blobs keyed by TaskKey; the owning worker is the
// only writer for a given key.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgepilot/forgepilot/internal/task"
)

// Store is the checkpoint contract. Records are written at turn boundaries
// and on pause, and removed on terminal completion.
type Store interface {
	Save(key task.Key, data []byte) error
	// Load returns (nil, false, nil) when no checkpoint exists for the key.
	Load(key task.Key) ([]byte, bool, error)
	Delete(key task.Key) error
}

// FileStore keeps one file per TaskKey under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "checkpoints"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(key task.Key, data []byte) error {
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Load(key task.Key) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}
	return data, true, nil
}

func (s *FileStore) Delete(key task.Key) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) path(key task.Key) string {
	return filepath.Join(s.dir, FileKey(key)+".json")
}

// FileKey flattens a TaskKey into a filesystem-safe name.
func FileKey(key task.Key) string {
	replacer := strings.NewReplacer("/", "_", "#", "_", "!", "_")
	return replacer.Replace(key.String())
}
