package sources

import (
	"bytes"
	"context"
	"sort"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"cube-engine/internal/schema"
	"cube-engine/internal/storage/block"
)

// ParquetSource reads Parquet files. Columns are matched to the target by
// name; only the target columns are decoded.
type ParquetSource struct {
	Storage   block.Storage
	Path      string
	BatchSize int
	Allocator memory.Allocator
}

func (s *ParquetSource) Name() string { return "parquet:" + s.Path }

// Load reads every file at Path
func (s *ParquetSource) Load(ctx context.Context, target *arrow.Schema) ([]arrow.Record, error) {
	paths, err := resolvePaths(ctx, s.Storage, s.Path)
	if err != nil {
		return nil, err
	}

	var out []arrow.Record
	for _, p := range paths {
		recs, err := s.loadFile(ctx, p, target)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *ParquetSource) loadFile(ctx context.Context, path string, target *arrow.Schema) ([]arrow.Record, error) {
	// Parquet needs random access; objects are small enough to hold in memory.
	data, err := block.ReadAll(ctx, s.Storage, path)
	if err != nil {
		return nil, sourceError(path, "read", err)
	}

	pqFile, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, sourceError(path, "open", err)
	}
	defer pqFile.Close()

	mem := s.Allocator
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	fr, err := pqarrow.NewFileReader(pqFile, pqarrow.ArrowReadProperties{
		BatchSize: int64(batchSize(s.BatchSize)),
	}, mem)
	if err != nil {
		return nil, sourceError(path, "open", err)
	}

	fileSchema, err := fr.Schema()
	if err != nil {
		return nil, sourceError(path, "schema", err)
	}
	tr := schema.NewSchemaTranslator(false)
	idx, err := tr.Projection(target, fileSchema)
	if err != nil {
		return nil, sourceError(path, "project", err)
	}

	// Decode only the target columns; project restores target order.
	leaves := append([]int(nil), idx...)
	sort.Ints(leaves)
	rr, err := fr.GetRecordReader(ctx, leaves, nil)
	if err != nil {
		return nil, sourceError(path, "read", err)
	}
	defer rr.Release()

	var out []arrow.Record
	for rr.Next() {
		rec, err := project(tr, target, rr.Record())
		if err != nil {
			return nil, sourceError(path, "project", err)
		}
		out = append(out, rec)
	}
	if err := rr.Err(); err != nil {
		return nil, sourceError(path, "read", err)
	}
	return out, nil
}
