package sources

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cube-engine/internal/common"
	"cube-engine/internal/storage/block"
)

var target = arrow.NewSchema([]arrow.Field{
	{Name: "region", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "year", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "revenue", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

func newStorage(t *testing.T, files map[string][]byte) block.Storage {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, data, 0o644))
	}
	fs, err := block.NewLocalFS(block.Config{BaseDir: dir})
	require.NoError(t, err)
	return fs
}

type row struct {
	region  interface{}
	year    interface{}
	revenue interface{}
}

func rows(t *testing.T, recs []arrow.Record) []row {
	t.Helper()
	var out []row
	for _, rec := range recs {
		require.True(t, rec.Schema().Equal(target), "got schema %s", rec.Schema())
		for i := 0; i < int(rec.NumRows()); i++ {
			var r row
			if !rec.Column(0).IsNull(i) {
				r.region = rec.Column(0).(*array.String).Value(i)
			}
			if !rec.Column(1).IsNull(i) {
				r.year = rec.Column(1).(*array.Int32).Value(i)
			}
			if !rec.Column(2).IsNull(i) {
				r.revenue = rec.Column(2).(*array.Float64).Value(i)
			}
			out = append(out, r)
		}
	}
	return out
}

func TestCSVSource_Load(t *testing.T) {
	storage := newStorage(t, map[string][]byte{
		"sales.csv": []byte("revenue,region,extra,year\n10.5,N,x,2023\n,S,y,2024\n3,E,z,\n"),
	})
	src := &CSVSource{Storage: storage, Path: "sales.csv", HasHeader: true, BatchSize: 2}

	recs, err := src.Load(context.Background(), target)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, []row{
		{"N", int32(2023), 10.5},
		{"S", int32(2024), nil},
		{"E", nil, 3.0},
	}, rows(t, recs))
}

func TestCSVSource_NoHeaderDelimiter(t *testing.T) {
	storage := newStorage(t, map[string][]byte{
		"a.tsv": []byte("N\t2023\t1\nS\t2024\t2\n"),
	})
	src, err := New(Spec{Kind: "csv", Path: "a.tsv", HasHeader: new(bool), Delimiter: "\t"}, storage)
	require.NoError(t, err)

	recs, err := src.Load(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []row{{"N", int32(2023), 1.0}, {"S", int32(2024), 2.0}}, rows(t, recs))
}

func TestCSVSource_MissingColumn(t *testing.T) {
	storage := newStorage(t, map[string][]byte{
		"bad.csv": []byte("region,revenue\nN,1\n"),
	})
	src := &CSVSource{Storage: storage, Path: "bad.csv", HasHeader: true}

	_, err := src.Load(context.Background(), target)
	require.Error(t, err)
	assert.True(t, common.IsErrorCode(err, common.ErrSchemaMismatch))
}

func TestCSVSource_Directory(t *testing.T) {
	storage := newStorage(t, map[string][]byte{
		"parts/1.csv": []byte("region,year,revenue\nN,2023,1\n"),
		"parts/2.csv": []byte("region,year,revenue\nS,2024,2\n"),
	})
	src, err := New(Spec{Kind: "csv", Path: "parts/"}, storage)
	require.NoError(t, err)

	recs, err := src.Load(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []row{{"N", int32(2023), 1.0}, {"S", int32(2024), 2.0}}, rows(t, recs))
}

func TestJSONSource_Load(t *testing.T) {
	storage := newStorage(t, map[string][]byte{
		"sales.ndjson": []byte(`{"region":"N","year":2023,"revenue":1.5,"ignored":true}
{"region":"S","revenue":2}
`),
	})
	src, err := New(Spec{Path: "sales.ndjson"}, storage)
	require.NoError(t, err)
	assert.Equal(t, "json:sales.ndjson", src.Name())

	recs, err := src.Load(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []row{{"N", int32(2023), 1.5}, {"S", nil, 2.0}}, rows(t, recs))
}

func writeParquet(t *testing.T, rec arrow.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := pqarrow.NewFileWriter(rec.Schema(), &buf, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestParquetSource_Load(t *testing.T) {
	fileSchema := arrow.NewSchema([]arrow.Field{
		{Name: "note", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "revenue", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "year", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "region", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, fileSchema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).AppendValues([]string{"a", "b"}, nil)
	b.Field(1).(*array.Float64Builder).AppendValues([]float64{7, 8}, []bool{true, false})
	b.Field(2).(*array.Int32Builder).AppendValues([]int32{2023, 2024}, nil)
	b.Field(3).(*array.StringBuilder).AppendValues([]string{"N", "S"}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	storage := newStorage(t, map[string][]byte{"sales.parquet": writeParquet(t, rec)})
	src, err := New(Spec{Path: "sales.parquet"}, storage)
	require.NoError(t, err)

	recs, err := src.Load(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []row{{"N", int32(2023), 7.0}, {"S", int32(2024), nil}}, rows(t, recs))
}

func TestRecordSource_Load(t *testing.T) {
	reordered := arrow.NewSchema([]arrow.Field{
		{Name: "revenue", Type: arrow.PrimitiveTypes.Float64},
		{Name: "region", Type: arrow.BinaryTypes.String},
		{Name: "year", Type: arrow.PrimitiveTypes.Int32},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, reordered)
	defer b.Release()
	b.Field(0).(*array.Float64Builder).Append(4)
	b.Field(1).(*array.StringBuilder).Append("W")
	b.Field(2).(*array.Int32Builder).Append(2022)

	recs, err := NewRecordSource(b.NewRecord()).Load(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []row{{"W", int32(2022), 4.0}}, rows(t, recs))
}

func TestNew_Errors(t *testing.T) {
	storage := newStorage(t, nil)

	_, err := New(Spec{Path: "x.avro"}, storage)
	assert.True(t, common.IsErrorCode(err, common.ErrInvalidInput))

	_, err = New(Spec{Kind: "csv"}, storage)
	assert.True(t, common.IsErrorCode(err, common.ErrInvalidInput))

	_, err = New(Spec{Kind: "csv", Path: "a.csv", Delimiter: "ab"}, storage)
	assert.True(t, common.IsErrorCode(err, common.ErrInvalidInput))

	src, err := New(Spec{Path: "missing.csv"}, storage)
	require.NoError(t, err)
	_, err = src.Load(context.Background(), target)
	assert.True(t, common.IsErrorCode(err, common.ErrSourceFailure))
	assert.True(t, block.IsNotFound(err))
}
