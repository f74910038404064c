package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// FS stores objects as files below a root directory.
type FS struct {
	fs   afero.Fs
	root string
}

// NewFS returns a Store rooted at root on the given filesystem.
// Pass afero.NewOsFs() in production.
func NewFS(fsys afero.Fs, root string) (*FS, error) {
	if err := fsys.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{fs: fsys, root: root}, nil
}

func (s *FS) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data to a temp file in the destination directory and renames
// it over the final name.
func (s *FS) Put(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	dst := s.path(key)
	dir := filepath.Dir(dst)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+path.Base(key)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp blob: %w", err)
	}

	if err := s.fs.Rename(tmpName, dst); err != nil {
		cleanup()
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

// Get opens the object for reading.
func (s *FS) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Delete removes the object. Missing objects are not an error.
func (s *FS) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := s.fs.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Ping checks that the root directory is still reachable.
func (s *FS) Ping(context.Context) error {
	fi, err := s.fs.Stat(s.root)
	if err != nil {
		return fmt.Errorf("stat blob root: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("blob root %s is not a directory", s.root)
	}
	return nil
}
