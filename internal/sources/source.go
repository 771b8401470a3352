package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"

	"cube-engine/internal/common"
	"cube-engine/internal/schema"
	"cube-engine/internal/storage/block"
)

// DefaultBatchSize is the number of rows per loaded batch when a source does
// not set one
const DefaultBatchSize = 10000

// Source produces batches laid out exactly as target. Implementations match
// their input columns to target by name and reject missing or mistyped
// columns with ErrSchemaMismatch.
type Source interface {
	Load(ctx context.Context, target *arrow.Schema) ([]arrow.Record, error)
	Name() string
}

// Spec describes a source declaratively, as read from a cube definition
type Spec struct {
	Kind      string `yaml:"kind" json:"kind"`
	Path      string `yaml:"path" json:"path"`
	HasHeader *bool  `yaml:"has_header,omitempty" json:"has_header,omitempty"`
	Delimiter string `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

// New builds the source described by spec, reading through storage
func New(spec Spec, storage block.Storage) (Source, error) {
	if storage == nil {
		return nil, common.NewError(common.ErrInvalidInput, "source needs a storage backend")
	}
	if spec.Path == "" {
		return nil, common.NewError(common.ErrInvalidInput, "source path is required")
	}

	kind := strings.ToLower(spec.Kind)
	if kind == "" {
		kind = kindFromPath(spec.Path)
	}
	switch kind {
	case "csv":
		src := &CSVSource{Storage: storage, Path: spec.Path, HasHeader: true, BatchSize: spec.BatchSize}
		if spec.HasHeader != nil {
			src.HasHeader = *spec.HasHeader
		}
		if spec.Delimiter != "" {
			r := []rune(spec.Delimiter)
			if len(r) != 1 {
				return nil, common.Errorf(common.ErrInvalidInput, "delimiter must be one character, got %q", spec.Delimiter)
			}
			src.Delimiter = r[0]
		}
		return src, nil
	case "json", "ndjson", "jsonl":
		return &JSONSource{Storage: storage, Path: spec.Path, BatchSize: spec.BatchSize}, nil
	case "parquet":
		return &ParquetSource{Storage: storage, Path: spec.Path, BatchSize: spec.BatchSize}, nil
	}
	return nil, common.Errorf(common.ErrInvalidInput, "unsupported source kind %q", spec.Kind)
}

func kindFromPath(path string) string {
	p := strings.ToLower(strings.TrimSuffix(path, "/"))
	for _, ext := range []string{"csv", "parquet", "json", "ndjson", "jsonl"} {
		if strings.HasSuffix(p, "."+ext) {
			return ext
		}
	}
	return ""
}

// resolvePaths expands a path ending in "/" into every object under it
func resolvePaths(ctx context.Context, storage block.Storage, path string) ([]string, error) {
	if !strings.HasSuffix(path, "/") {
		return []string{path}, nil
	}
	objects, err := storage.List(ctx, path)
	if err != nil {
		return nil, sourceError(path, "list", err)
	}
	paths := make([]string, 0, len(objects))
	for _, o := range objects {
		paths = append(paths, o.Path)
	}
	return paths, nil
}

// project reorders rec's columns into the target layout
func project(tr *schema.SchemaTranslator, target *arrow.Schema, rec arrow.Record) (arrow.Record, error) {
	idx, err := tr.Projection(target, rec.Schema())
	if err != nil {
		return nil, err
	}
	cols := make([]arrow.Array, len(idx))
	for i, j := range idx {
		cols[i] = rec.Column(j)
	}
	return array.NewRecord(target, cols, rec.NumRows()), nil
}

func sourceError(path, op string, err error) error {
	if common.IsErrorCode(err, common.ErrSchemaMismatch) {
		return err
	}
	return common.NewErrorWithCause(common.ErrSourceFailure, fmt.Sprintf("%s %s", op, path), err).
		WithContext("path", path)
}

func batchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}
