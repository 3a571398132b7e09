package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/esbmeter/esbmeter/pkg/log"
)

const (
	fileNamePrefix = "session_cache_"
	fileNameSuffix = ".json"
)

// FileStore keeps one file per meter under a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on the
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) path(mprn string) string {
	return filepath.Join(f.dir, fileNamePrefix+mprn+fileNameSuffix)
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, mprn string) ([]byte, error) {
	b, err := os.ReadFile(f.path(mprn))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return b, nil
}

// Put implements Store. The file is replaced atomically so a crash never
// leaves a half-written session behind.
func (f *FileStore) Put(ctx context.Context, mprn string, data []byte, expiresAt time.Time) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, fileNamePrefix+mprn+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(mprn)); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Delete implements Store.
func (f *FileStore) Delete(ctx context.Context, mprn string) error {
	err := os.Remove(f.path(mprn))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// Purge implements Store. Only plain JSON files can be inspected, encrypted
// ones are left for Load to expire.
func (f *FileStore) Purge(ctx context.Context, before time.Time) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list session dir: %w", err)
	}

	var removed int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, fileNamePrefix) || !strings.HasSuffix(name, fileNameSuffix) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to read session file during purge", slog.String("file", name), slog.Any("error", err))
			continue
		}
		var head struct {
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := json.Unmarshal(b, &head); err != nil || head.ExpiresAt.IsZero() {
			continue
		}
		if !head.ExpiresAt.Before(before) {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove expired session file: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	return nil
}
