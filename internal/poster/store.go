package poster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrArtifactNotFound is returned when a result handle does not
// resolve to a stored artifact.
var ErrArtifactNotFound = errors.New("poster: artifact not found")

// Store writes artifacts under a single directory. The file name is
// the result handle jobs carry.
type Store struct {
	dir string
}

// NewStore ensures the artifact directory exists.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = "./posters"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create poster dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes an artifact and returns its handle.
func (s *Store) Save(name string, data []byte) (string, error) {
	name = filepath.Base(name) // no path traversal via job input
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return name, nil
}

// Path resolves a handle to a file path, verifying it exists.
func (s *Store) Path(handle string) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(handle))
	if _, err := os.Stat(path); err != nil {
		return "", ErrArtifactNotFound
	}
	return path, nil
}

// Remove deletes an artifact. Idempotent.
func (s *Store) Remove(handle string) error {
	path := filepath.Join(s.dir, filepath.Base(handle))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
