package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cube-engine/internal/query"
	"cube-engine/internal/schema"
	"cube-engine/internal/storage/batch"
)

type salesRow struct {
	region  string
	product string
	year    int32
	revenue *float64
	cost    float64
	units   int64
}

func f(v float64) *float64 { return &v }

func newSalesGraph(t *testing.T) *schema.Graph {
	t.Helper()
	g := schema.NewGraph()
	require.NoError(t, g.AddDimension(schema.Dimension{Name: "region", Type: schema.TypeString}))
	require.NoError(t, g.AddDimension(schema.Dimension{Name: "product", Type: schema.TypeString}))
	require.NoError(t, g.AddDimension(schema.Dimension{Name: "year", Type: schema.TypeInt32}))
	require.NoError(t, g.AddMeasure(schema.Measure{Name: "revenue", Type: schema.TypeFloat64, Aggregation: schema.AggSum}))
	require.NoError(t, g.AddMeasure(schema.Measure{Name: "cost", Type: schema.TypeFloat64, Aggregation: schema.AggSum}))
	require.NoError(t, g.AddMeasure(schema.Measure{Name: "units", Type: schema.TypeInt64, Aggregation: schema.AggSum}))
	return g
}

func salesRecord(t *testing.T, s *arrow.Schema, rows []salesRow) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, s)
	defer b.Release()
	for _, r := range rows {
		b.Field(0).(*array.StringBuilder).Append(r.region)
		b.Field(1).(*array.StringBuilder).Append(r.product)
		b.Field(2).(*array.Int32Builder).Append(r.year)
		if r.revenue == nil {
			b.Field(3).AppendNull()
		} else {
			b.Field(3).(*array.Float64Builder).Append(*r.revenue)
		}
		b.Field(4).(*array.Float64Builder).Append(r.cost)
		b.Field(5).(*array.Int64Builder).Append(r.units)
	}
	return b.NewRecord()
}

// newSalesSnapshot loads five rows over two batches:
//
//	N A 2023 100  60 1
//	N B 2023  50  30 2
//	S A 2024  80  20 3
//	S A 2024 nil  10 4
//	E B 2023  40  50 5
func newSalesSnapshot(t *testing.T, g *schema.Graph) (*batch.Snapshot, *batch.Manager) {
	t.Helper()
	s := g.ArrowSchema()
	m := batch.NewManager(batch.ManagerOptions{Schema: s, Matcher: NewEngine(nil)})
	_, err := m.Append(
		salesRecord(t, s, []salesRow{
			{"N", "A", 2023, f(100), 60, 1},
			{"N", "B", 2023, f(50), 30, 2},
			{"S", "A", 2024, f(80), 20, 3},
			{"S", "A", 2024, nil, 10, 4},
		}),
		salesRecord(t, s, []salesRow{
			{"E", "B", 2023, f(40), 50, 5},
		}),
	)
	require.NoError(t, err)
	return m.Snapshot(), m
}

func run(t *testing.T, b *query.Builder, snap *batch.Snapshot) *Result {
	t.Helper()
	d, err := b.Materialize()
	require.NoError(t, err)
	res, err := NewEngine(nil).Execute(context.Background(), d, snap)
	require.NoError(t, err)
	return res
}

func TestEngine_Execute_GroupBy(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select("region", "revenue").GroupBy("region").OrderBy("region"), snap)

	assert.Equal(t, []string{"region", "revenue"}, res.Columns())
	assert.Equal(t, int64(3), res.NumRows)
	assert.Equal(t, [][]interface{}{
		{"E", 40.0},
		{"N", 150.0},
		{"S", 80.0},
	}, res.Rows())
}

func TestEngine_Execute_GroupsInFirstSeenOrder(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select("region", "units").GroupBy("region"), snap)
	assert.Equal(t, [][]interface{}{
		{"N", int64(3)},
		{"S", int64(7)},
		{"E", int64(5)},
	}, res.Rows())
	assert.Equal(t, arrow.PrimitiveTypes.Int64, res.Schema.Field(1).Type)
}

func TestEngine_Execute_CalculatedMeasure(t *testing.T) {
	g := newSalesGraph(t)
	require.NoError(t, g.AddCalculatedMeasure(schema.CalculatedMeasure{
		Name:       "profit",
		Expression: "sum(revenue) - sum(cost)",
	}))
	require.NoError(t, g.AddCalculatedMeasure(schema.CalculatedMeasure{
		Name:       "margin",
		Expression: "profit / sum(revenue)",
	}))
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select("region", "profit", "margin").GroupBy("region").OrderBy("profit DESC"), snap)
	rows := res.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "N", rows[0][0])
	assert.Equal(t, 60.0, rows[0][1])
	assert.InDelta(t, 0.4, rows[0][2], 1e-9)
	assert.Equal(t, "S", rows[1][0])
	assert.Equal(t, 50.0, rows[1][1])
	assert.Equal(t, "E", rows[2][0])
	assert.Equal(t, -10.0, rows[2][1])
}

func TestEngine_Execute_RowLevelCalculatedMeasure(t *testing.T) {
	g := newSalesGraph(t)
	require.NoError(t, g.AddCalculatedMeasure(schema.CalculatedMeasure{
		Name:       "net",
		Expression: "revenue - cost",
	}))
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select("product", "net").GroupBy("product").OrderBy("product"), snap)
	// The null revenue row contributes nothing to the sum.
	assert.Equal(t, [][]interface{}{
		{"A", 100.0},
		{"B", 10.0},
	}, res.Rows())
}

func TestEngine_Execute_VirtualDimension(t *testing.T) {
	g := newSalesGraph(t)
	require.NoError(t, g.AddVirtualDimension(schema.VirtualDimension{
		Name:       "label",
		Expression: "concat(lower(region), '-', product)",
	}))
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).
		Select("label", "count(*) AS n").
		Filter("label != 'e-B'").
		GroupBy("label").
		OrderBy("n DESC", "label"), snap)
	assert.Equal(t, [][]interface{}{
		{"s-A", int64(2)},
		{"n-A", int64(1)},
		{"n-B", int64(1)},
	}, res.Rows())
}

func TestEngine_Execute_Aggregates(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select(
		"count(*)", "count(revenue)", "count(DISTINCT region)",
		"avg(units)", "min(year)", "max(revenue)",
	), snap)
	assert.Equal(t, [][]interface{}{
		{int64(5), int64(4), int64(3), 3.0, int64(2023), 100.0},
	}, res.Rows())
}

func TestEngine_Execute_GlobalAggregateOverNoRows(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select("count(*)", "sum(revenue)").Filter("region = 'nowhere'"), snap)
	assert.Equal(t, [][]interface{}{{int64(0), nil}}, res.Rows())

	res = run(t, query.NewBuilder(g).Select("region", "count(*)").GroupBy("region").Filter("region = 'nowhere'"), snap)
	assert.Zero(t, res.NumRows)
}

func TestEngine_Execute_RowsWithPaging(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	b := func() *query.Builder {
		return query.NewBuilder(g).Select("region", "revenue").Filter("revenue > 45").OrderBy("revenue DESC")
	}
	res := run(t, b(), snap)
	assert.Equal(t, [][]interface{}{{"N", 100.0}, {"S", 80.0}, {"N", 50.0}}, res.Rows())

	res = run(t, b().Offset(1).Limit(1), snap)
	assert.Equal(t, [][]interface{}{{"S", 80.0}}, res.Rows())

	res = run(t, b().Offset(10), snap)
	assert.Zero(t, res.NumRows)
}

func TestEngine_Execute_NullsSortLast(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	for _, order := range []string{"revenue", "revenue DESC"} {
		res := run(t, query.NewBuilder(g).Select("revenue").Filter("region = 'S'").OrderBy(order), snap)
		rows := res.Rows()
		require.Len(t, rows, 2, order)
		assert.Equal(t, 80.0, rows[0][0], order)
		assert.Nil(t, rows[1][0], order)
	}
}

func TestEngine_Execute_DivisionByZeroIsNull(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select("revenue / 0 AS r", "units % 0 AS m").Limit(1), snap)
	assert.Equal(t, [][]interface{}{{nil, nil}}, res.Rows())
}

func TestEngine_Execute_Functions(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select(
		"upper(product) AS p",
		"round(revenue / 3, 2) AS r",
		"coalesce(revenue, 0) AS c",
		"abs(cost - 100) AS a",
	).Filter("region = 'S'").OrderBy("c"), snap)
	assert.Equal(t, [][]interface{}{
		{"A", nil, 0.0, 90.0},
		{"A", 26.67, 80.0, 80.0},
	}, res.Rows())
}

func TestEngine_Execute_InAndIsNull(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	res := run(t, query.NewBuilder(g).Select("count(*) AS n").Filter("region IN ('N', 'E') AND revenue IS NOT NULL"), snap)
	assert.Equal(t, [][]interface{}{{int64(3)}}, res.Rows())

	res = run(t, query.NewBuilder(g).Select("count(*) AS n").Filter("revenue IS NULL OR year NOT IN (2024)"), snap)
	assert.Equal(t, [][]interface{}{{int64(4)}}, res.Rows())
}

func TestEngine_Execute_Errors(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)

	tests := []struct {
		name  string
		build func() *query.Builder
		kind  ErrorKind
	}{
		{
			name:  "string compared with number",
			build: func() *query.Builder { return query.NewBuilder(g).Select("region").Filter("region > 5") },
			kind:  KindTypeMismatch,
		},
		{
			name:  "arithmetic on strings",
			build: func() *query.Builder { return query.NewBuilder(g).Select("region + 1 AS x") },
			kind:  KindTypeMismatch,
		},
		{
			name:  "non-boolean filter",
			build: func() *query.Builder { return query.NewBuilder(g).Select("region").Filter("revenue + 1") },
			kind:  KindTypeMismatch,
		},
		{
			name:  "ungrouped column",
			build: func() *query.Builder {
				return query.NewBuilder(g).Select("product", "sum(revenue) AS r").Slice("region", "N").RollUp("region")
			},
			kind:  KindAggregation,
		},
		{
			name:  "sum of strings",
			build: func() *query.Builder { return query.NewBuilder(g).Select("sum(region) AS s") },
			kind:  KindAggregation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.build().Materialize()
			require.NoError(t, err)
			_, err = NewEngine(nil).Execute(context.Background(), d, snap)
			require.Error(t, err)
			var xe *Error
			require.True(t, errors.As(err, &xe), "got %v", err)
			assert.Equal(t, tt.kind, xe.Kind)
		})
	}
}

func TestEngine_Execute_Canceled(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)
	d, err := query.NewBuilder(g).Select("region").Materialize()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEngine(nil).Execute(ctx, d, snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_Execute_SnapshotIsolation(t *testing.T) {
	g := newSalesGraph(t)
	snap, m := newSalesSnapshot(t, g)

	_, err := m.Delete(context.Background(), schema.Eq(schema.Col("region"), schema.Lit("N")))
	require.NoError(t, err)

	old := run(t, query.NewBuilder(g).Select("count(*) AS n"), snap)
	cur := run(t, query.NewBuilder(g).Select("count(*) AS n"), m.Snapshot())
	assert.Equal(t, [][]interface{}{{int64(5)}}, old.Rows())
	assert.Equal(t, [][]interface{}{{int64(3)}}, cur.Rows())
}

func TestEngine_Remove(t *testing.T) {
	g := newSalesGraph(t)
	snap, _ := newSalesSnapshot(t, g)
	rec := snap.Batches[0]
	e := NewEngine(nil)

	pred, err := schema.ParseExpr("region = 'N' OR revenue IS NULL")
	require.NoError(t, err)
	kept, removed, err := e.Remove(context.Background(), pred, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	require.Equal(t, int64(1), kept.NumRows())
	assert.Equal(t, "S", kept.Column(0).(*array.String).Value(0))
	assert.Equal(t, int32(2024), kept.Column(2).(*array.Int32).Value(0))
	assert.Equal(t, int64(4), rec.NumRows())

	// Null predicate results keep the row.
	pred, err = schema.ParseExpr("revenue > 90")
	require.NoError(t, err)
	kept, removed, err = e.Remove(context.Background(), pred, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, int64(3), kept.NumRows())

	pred, err = schema.ParseExpr("region = 'nowhere'")
	require.NoError(t, err)
	kept, removed, err = e.Remove(context.Background(), pred, rec)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Same(t, rec, kept)

	_, _, err = e.Remove(context.Background(), schema.Col("nope"), rec)
	assert.Error(t, err)
}
