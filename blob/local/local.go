// Package local implements the blob Backend on the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
)

func init() {
	blob.RegisterFactory(blob.ProviderLocal, func(cfg blob.Config, log *logger.Logger) (blob.Backend, error) {
		return NewBackend(cfg.BasePath)
	})
}

// Backend implements blob.Backend using the local filesystem. Uploads
// are written to a temporary file and renamed into place so a key is
// either absent or holds the complete object, never a partial write.
type Backend struct {
	basePath string
	tmpPath  string
}

// NewBackend creates a local filesystem backend rooted at basePath.
func NewBackend(basePath string) (*Backend, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve base path: %w", err)
	}
	tmp := filepath.Join(abs, "tmp")
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create base directory: %w", err)
	}
	return &Backend{basePath: abs, tmpPath: tmp}, nil
}

// Upload writes data from reader to a local file, atomically.
func (b *Backend) Upload(_ context.Context, key string, reader io.Reader) error {
	fullPath := filepath.Join(b.basePath, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("blob: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(b.tmpPath, "upload-")
	if err != nil {
		return fmt.Errorf("blob: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("blob: move file into place: %w", err)
	}
	return nil
}

// Download returns a reader for the local file at the given key.
func (b *Backend) Download(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath := filepath.Join(b.basePath, filepath.Clean(key))
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("object", key)
		}
		return nil, fmt.Errorf("blob: open file: %w", err)
	}
	return f, nil
}

// Exists checks whether a local file exists.
func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	fullPath := filepath.Join(b.basePath, filepath.Clean(key))
	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("blob: stat file: %w", err)
	}
	return true, nil
}

// Delete removes a local file. Returns nil if the file does not exist.
func (b *Backend) Delete(_ context.Context, key string) error {
	fullPath := filepath.Join(b.basePath, filepath.Clean(key))
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete file: %w", err)
	}
	return nil
}

// List returns the keys of all files under the given prefix.
func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	root := filepath.Join(b.basePath, filepath.Clean(prefix))
	var keys []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list files: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// compile-time check
var _ blob.Backend = (*Backend)(nil)
