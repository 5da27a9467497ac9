package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// FileStore keeps one file per key in a directory. Writes go through a
// temporary file and a rename so readers never observe a partial body.
type FileStore struct {
	dir string
}

// NewFileStore creates the cache directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, eris.New("cache: file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "cache: create dir %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", eris.Errorf("cache: invalid key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Get reads the file for key.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	body, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: read %s", key)
	}
	return body, true, nil
}

// Put atomically replaces the file for key.
func (s *FileStore) Put(_ context.Context, key string, body []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "cache: create temp for %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "cache: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "cache: close %s", key)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return eris.Wrapf(err, "cache: rename %s", key)
	}
	return nil
}
