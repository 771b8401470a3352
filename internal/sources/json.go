package sources

import (
	"context"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"cube-engine/internal/storage/block"
)

// JSONSource reads newline-delimited JSON objects. Keys are matched to target
// columns by name; absent keys load as null and unknown keys are ignored.
// Dates are "YYYY-MM-DD" strings.
type JSONSource struct {
	Storage   block.Storage
	Path      string
	BatchSize int
	Allocator memory.Allocator
}

func (s *JSONSource) Name() string { return "json:" + s.Path }

// Load reads every file at Path
func (s *JSONSource) Load(ctx context.Context, target *arrow.Schema) ([]arrow.Record, error) {
	paths, err := resolvePaths(ctx, s.Storage, s.Path)
	if err != nil {
		return nil, err
	}

	mem := s.Allocator
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	var out []arrow.Record
	for _, p := range paths {
		r, err := s.Storage.Reader(ctx, p)
		if err != nil {
			return nil, sourceError(p, "open", err)
		}

		reader := array.NewJSONReader(r, target,
			array.WithAllocator(mem),
			array.WithChunk(batchSize(s.BatchSize)))
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			out = append(out, rec)
		}
		err = reader.Err()
		reader.Release()
		r.Close()
		if err != nil {
			return nil, sourceError(p, "parse", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, sourceError(p, "read", err)
		}
	}
	return out, nil
}
