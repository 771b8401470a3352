package block

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// LocalFS implements Storage over a directory tree
type LocalFS struct {
	baseDir string
}

// NewLocalFS creates a local filesystem storage rooted at config.BaseDir
func NewLocalFS(config Config) (*LocalFS, error) {
	baseDir := config.BaseDir
	if baseDir == "" {
		return nil, fmt.Errorf("base_dir is required for local filesystem storage")
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &LocalFS{baseDir: abs}, nil
}

// Reader returns a reader for the specified path
func (lfs *LocalFS) Reader(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	file, err := os.Open(lfs.getFullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StorageError{Op: "open", Path: path, Err: ErrNotFound}
		}
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	return file, nil
}

// Stat returns metadata for the specified path
func (lfs *LocalFS) Stat(ctx context.Context, path string) (*Metadata, error) {
	info, err := os.Stat(lfs.getFullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StorageError{Op: "stat", Path: path, Err: ErrNotFound}
		}
		return nil, &StorageError{Op: "stat", Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &StorageError{Op: "stat", Path: path, Err: ErrInvalidPath}
	}

	return &Metadata{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().Unix(),
	}, nil
}

// List returns metadata for all files under the specified prefix directory
func (lfs *LocalFS) List(ctx context.Context, prefix string) ([]*Metadata, error) {
	var results []*Metadata

	err := filepath.Walk(lfs.getFullPath(prefix), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(lfs.baseDir, path)
		if err != nil {
			return err
		}
		results = append(results, &Metadata{
			Path:    filepath.ToSlash(relPath),
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []*Metadata{}, nil
		}
		return nil, &StorageError{Op: "list", Path: prefix, Err: err}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// Health checks that the base directory is readable
func (lfs *LocalFS) Health(ctx context.Context) error {
	info, err := os.Stat(lfs.baseDir)
	if err != nil {
		return fmt.Errorf("base directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base path is not a directory")
	}

	dir, err := os.Open(lfs.baseDir)
	if err != nil {
		return fmt.Errorf("cannot read storage: %w", err)
	}
	return dir.Close()
}

// getFullPath maps a relative path into the base directory. Rooting the path
// before cleaning keeps ".." from escaping it.
func (lfs *LocalFS) getFullPath(path string) string {
	cleanPath := filepath.Clean(string(filepath.Separator) + path)
	return filepath.Join(lfs.baseDir, cleanPath)
}
