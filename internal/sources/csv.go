package sources

import (
	"context"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/csv"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"cube-engine/internal/schema"
	"cube-engine/internal/storage/block"
)

// CSVSource reads delimited text. With a header, columns are matched to the
// target by name and extra columns are ignored; without one they must be in
// target order. Empty fields load as null.
type CSVSource struct {
	Storage   block.Storage
	Path      string
	HasHeader bool
	Delimiter rune
	BatchSize int
	Allocator memory.Allocator
}

func (s *CSVSource) Name() string { return "csv:" + s.Path }

// Load reads every file at Path
func (s *CSVSource) Load(ctx context.Context, target *arrow.Schema) ([]arrow.Record, error) {
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

func (s *CSVSource) loadFile(ctx context.Context, path string, target *arrow.Schema) ([]arrow.Record, error) {
	r, err := s.Storage.Reader(ctx, path)
	if err != nil {
		return nil, sourceError(path, "open", err)
	}
	defer r.Close()

	mem := s.Allocator
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	delim := s.Delimiter
	if delim == 0 {
		delim = ','
	}
	opts := []csv.Option{
		csv.WithAllocator(mem),
		csv.WithComma(delim),
		csv.WithChunk(batchSize(s.BatchSize)),
		csv.WithNullReader(true, ""),
	}

	var reader *csv.Reader
	if s.HasHeader {
		types := make(map[string]arrow.DataType, target.NumFields())
		for _, f := range target.Fields() {
			types[f.Name] = f.Type
		}
		opts = append(opts, csv.WithHeader(true), csv.WithColumnTypes(types))
		reader = csv.NewInferringReader(r, opts...)
	} else {
		reader = csv.NewReader(r, target, opts...)
	}
	defer reader.Release()

	tr := schema.NewSchemaTranslator(!s.HasHeader)
	var out []arrow.Record
	for reader.Next() {
		if err := ctx.Err(); err != nil {
			return nil, sourceError(path, "read", err)
		}
		rec, err := project(tr, target, reader.Record())
		if err != nil {
			return nil, sourceError(path, "project", err)
		}
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil {
		return nil, sourceError(path, "parse", err)
	}
	return out, nil
}
