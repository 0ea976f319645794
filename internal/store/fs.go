package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Compile-time interface check.
var _ BlobStore = (*FSStore)(nil)

// FSStore implements BlobStore over a local directory. Each blob is one
// file; the version is the SHA-256 of its content.
type FSStore struct {
	Dir string

	mu sync.Mutex
}

// NewFSStore creates an FSStore rooted at dir, creating the directory.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &FSStore{Dir: dir}, nil
}

// Get reads the named blob.
func (s *FSStore) Get(_ context.Context, name string) (*Blob, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return &Blob{Name: name, Data: data, Version: contentVersion(data)}, nil
}

// Put writes the blob through a temp file and rename. Preconditions are
// checked under the store mutex, so they hold against other users of the
// same FSStore but not against other processes.
func (s *FSStore) Put(_ context.Context, name string, data []byte, opts PutOptions) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.IfAbsent || opts.IfVersion != "" {
		current, err := os.ReadFile(path)
		exists := err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("checking %s: %w", name, err)
		}
		if opts.IfAbsent && exists {
			return "", fmt.Errorf("%s already exists: %w", name, ErrConflict)
		}
		if opts.IfVersion != "" && (!exists || contentVersion(current) != opts.IfVersion) {
			return "", fmt.Errorf("%s changed since read: %w", name, ErrConflict)
		}
	}

	tmp, err := os.CreateTemp(s.Dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	return contentVersion(data), nil
}

// List returns blob names sorted lexically. Temp files are skipped.
func (s *FSStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.Dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".put-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named blob.
func (s *FSStore) Delete(_ context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

func (s *FSStore) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(s.Dir, name), nil
}

func contentVersion(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
