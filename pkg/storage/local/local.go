// Package local implements storage.Store on top of the local filesystem,
// adapted from the teacher's pkg/storage/local NAR/narinfo store down to
// a single atomic blob-publish primitive: write to a ".tmp" sibling, then
// rename into place.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/endomorphosis/ccpointers/pkg/storage"
)

// Store is a storage.Store rooted at a directory on local disk.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory is created if it
// does not exist.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local: error creating root %q: %w", root, err)
	}

	return &Store{root: root}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Has reports whether key exists.
func (s *Store) Has(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

// Get opens key for reading.
func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, int64, error) {
	p := s.path(key)

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, storage.ErrNotFound
		}

		return nil, 0, fmt.Errorf("local: error opening %q: %w", p, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, 0, fmt.Errorf("local: error stating %q: %w", p, err)
	}

	return f, fi.Size(), nil
}

// Put atomically publishes body at key.
func (s *Store) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	p := s.path(key)

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("local: error creating parent of %q: %w", p, err)
	}

	tmp := p + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("local: error creating %q: %w", tmp, err)
	}

	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)

		return fmt.Errorf("local: error writing %q: %w", tmp, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)

		return fmt.Errorf("local: error syncing %q: %w", tmp, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("local: error closing %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("local: error publishing %q: %w", p, err)
	}

	return nil
}

// Delete removes key, ignoring a missing file.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: error deleting %q: %w", key, err)
	}

	return nil
}

// Walk visits every regular file under prefix.
func (s *Store) Walk(_ context.Context, prefix string, fn func(key string) error) error {
	root := s.path(prefix)

	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}

		return fn(filepath.ToSlash(rel))
	})
}
