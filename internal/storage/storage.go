// Package storage is a small file-backed JSON key/value store. Keys are
// paths of components; each value lives in <base>/<components...>.json and
// is replaced atomically with a temp file and rename under a file lock.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidKey = errors.New("invalid key")
)

const ext = ".json"

// Storage provides file-based JSON storage rooted at a directory.
type Storage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*fileLock
}

// New creates a Storage rooted at basePath. The directory is created lazily.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*fileLock),
	}
}

// BasePath returns the root directory.
func (s *Storage) BasePath() string { return s.basePath }

// dir maps key components to a directory. Components are path-escaped so an
// id containing a separator cannot leave the base directory.
func (s *Storage) dir(key []string) (string, error) {
	parts := make([]string, 0, len(key)+1)
	parts = append(parts, s.basePath)
	for _, k := range key {
		if k == "" || k == "." || k == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, strings.Join(key, "/"))
		}
		parts = append(parts, url.PathEscape(k))
	}
	return filepath.Join(parts...), nil
}

func (s *Storage) file(key []string) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	p, err := s.dir(key)
	if err != nil {
		return "", err
	}
	return p + ext, nil
}

// Get decodes the value at key into v.
func (s *Storage) Get(ctx context.Context, key []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.file(key)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", strings.Join(key, "/"), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Put stores v at key, replacing any previous value atomically.
func (s *Storage) Put(ctx context.Context, key []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.file(key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", strings.Join(key, "/"), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	return s.withLock(path, func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	})
}

// Delete removes the value at key. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.file(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(path)); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return s.withLock(path, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", strings.Join(key, "/"), err)
		}
		return nil
	})
}

// List returns the keys stored directly under prefix, unescaped and in
// directory order.
func (s *Storage) List(ctx context.Context, prefix []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.dir(prefix)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", strings.Join(prefix, "/"), err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Storage) withLock(path string, fn func() error) error {
	s.mu.Lock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &fileLock{path: path + ".lock"}
		s.locks[path] = lock
	}
	s.mu.Unlock()

	if err := lock.acquire(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.release()
	return fn()
}
