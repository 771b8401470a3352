package block

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Storage is the read side of an object store. Sources use it to open
// data files so that local and remote paths load identically.
type Storage interface {
	// Reader opens the object at path for sequential reading
	Reader(ctx context.Context, path string) (io.ReadCloser, error)

	// Stat returns metadata for a single object
	Stat(ctx context.Context, path string) (*Metadata, error)

	// List returns every object under prefix, sorted by path
	List(ctx context.Context, prefix string) ([]*Metadata, error)

	// Health checks that the backend is reachable
	Health(ctx context.Context) error
}

// Metadata represents object metadata
type Metadata struct {
	Path        string
	Size        int64
	ModTime     int64
	ETag        string
	ContentType string
}

// Config holds configuration for block storage
type Config struct {
	Type    string            `yaml:"type" json:"type"` // local, s3
	BaseDir string            `yaml:"base_dir" json:"base_dir"`
	Options map[string]string `yaml:"options" json:"options"`
}

// Factory creates storage instances based on configuration
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create creates a new storage instance based on the configuration
func (f *Factory) Create(ctx context.Context, config Config) (Storage, error) {
	switch config.Type {
	case "local", "filesystem", "fs":
		return NewLocalFS(config)
	case "s3":
		return NewS3FS(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// StorageError represents storage-specific errors
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Common error variables
var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidPath = errors.New("invalid path")
)

// IsNotFound checks if an error indicates an object was not found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ReadAll reads a whole object into memory
func ReadAll(ctx context.Context, s Storage, path string) ([]byte, error) {
	r, err := s.Reader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}
