package query

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cube-engine/internal/common"
	"cube-engine/internal/schema"
)

func newTestGraph(t *testing.T) *schema.Graph {
	t.Helper()
	g := schema.NewGraph()
	require.NoError(t, g.AddDimension(schema.Dimension{Name: "region", Type: schema.TypeString}))
	require.NoError(t, g.AddDimension(schema.Dimension{Name: "product", Type: schema.TypeString}))
	require.NoError(t, g.AddDimension(schema.Dimension{Name: "year", Type: schema.TypeInt32}))
	require.NoError(t, g.AddDimension(schema.Dimension{Name: "quarter", Type: schema.TypeInt32}))
	require.NoError(t, g.AddDimension(schema.Dimension{Name: "month", Type: schema.TypeInt32}))
	require.NoError(t, g.AddMeasure(schema.Measure{Name: "revenue", Type: schema.TypeFloat64, Aggregation: schema.AggSum}))
	require.NoError(t, g.AddMeasure(schema.Measure{Name: "cost", Type: schema.TypeFloat64, Aggregation: schema.AggSum}))
	require.NoError(t, g.AddHierarchy(schema.Hierarchy{Name: "time", Levels: []string{"year", "quarter", "month"}}))
	return g
}

func TestBuilder_Materialize_CalculatedMeasure(t *testing.T) {
	g := newTestGraph(t)
	require.NoError(t, g.AddCalculatedMeasure(schema.CalculatedMeasure{
		Name:       "profit",
		Expression: "sum(revenue) - sum(cost)",
	}))

	d, err := NewBuilder(g).Select("region", "profit").GroupBy("region").Materialize()
	require.NoError(t, err)

	require.Len(t, d.Select, 2)
	assert.Equal(t, "profit", d.Select[1].Name)
	assert.Equal(t, "(sum(revenue) - sum(cost))", d.Select[1].Expr.String())
	assert.ElementsMatch(t, []string{"revenue", "cost"}, schema.References(d.Select[1].Expr))
	assert.NotContains(t, d.Canonical(), "(profit")
	assert.True(t, d.Aggregating())
}

func TestBuilder_Materialize_VirtualDimension(t *testing.T) {
	g := newTestGraph(t)
	require.NoError(t, g.AddVirtualDimension(schema.VirtualDimension{Name: "region_code", Expression: "upper(region)"}))

	d, err := NewBuilder(g).
		Select("region_code", "sum(revenue) AS total").
		Filter("region_code != 'EAST'").
		GroupBy("region_code").
		OrderBy("total DESC").
		Materialize()
	require.NoError(t, err)

	assert.Equal(t, "region_code", d.GroupBy[0].Name)
	assert.Equal(t, "upper(region)", d.GroupBy[0].Expr.String())
	assert.Equal(t, "(upper(region) != 'EAST')", d.Filter.String())
	require.Len(t, d.OrderBy, 1)
	assert.Equal(t, "total", d.OrderBy[0].Column)
	assert.True(t, d.OrderBy[0].Desc)
}

func TestBuilder_BareMeasureInAggregatingQuery(t *testing.T) {
	g := newTestGraph(t)

	d, err := NewBuilder(g).Select("region", "revenue").GroupBy("region").Materialize()
	require.NoError(t, err)
	assert.Equal(t, "sum(revenue)", d.Select[1].Expr.String())
	assert.Equal(t, "revenue", d.Select[1].Name)

	d, err = NewBuilder(g).Select("region", "revenue").Materialize()
	require.NoError(t, err)
	assert.False(t, d.Aggregating())
	assert.Equal(t, "revenue", d.Select[1].Expr.String())
}

func TestBuilder_RollUp(t *testing.T) {
	g := newTestGraph(t)

	d, err := NewBuilder(g).Select("region", "sum(revenue)").RollUp("region").Materialize()
	require.NoError(t, err)
	assert.Equal(t, []string{"region"}, d.GroupByNames())
	assert.Equal(t, OpRollUp, d.Op().Kind)

	d, err = NewBuilder(g).
		Select("region", "product", "sum(revenue)").
		GroupBy("region", "product").
		RollUp("region").
		Materialize()
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "product"}, d.GroupByNames())

	d, err = NewBuilder(g).
		Select("region", "product", "sum(revenue)").
		RollUp("region").
		GroupBy("region", "product").
		Materialize()
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "product"}, d.GroupByNames())

	_, err = NewBuilder(g).Select("sum(revenue)").RollUp("revenue").Materialize()
	assert.True(t, common.IsErrorCode(err, common.ErrUnknownField))
}

func TestBuilder_DrillDown(t *testing.T) {
	g := newTestGraph(t)

	d, err := NewBuilder(g).Select("sum(revenue)").DrillDown("time", "quarter").Materialize()
	require.NoError(t, err)
	assert.Equal(t, []string{"year", "quarter"}, d.GroupByNames())

	d, err = NewBuilder(g).Select("sum(revenue)").GroupBy("region", "year").DrillDown("time", "month").Materialize()
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "year", "quarter", "month"}, d.GroupByNames())

	_, err = NewBuilder(g).Select("sum(revenue)").DrillDown("time", "week").Materialize()
	assert.True(t, common.IsErrorCode(err, common.ErrInvalidHierarchyLevel))

	_, err = NewBuilder(g).Select("sum(revenue)").DrillDown("geo", "city").Materialize()
	assert.True(t, common.IsErrorCode(err, common.ErrUnknownField))
}

func TestBuilder_DrillDownIndependentOfCallOrder(t *testing.T) {
	g := newTestGraph(t)
	want := []string{"region", "year", "quarter"}

	before, err := NewBuilder(g).Select("sum(revenue)").DrillDown("time", "quarter").GroupBy("region").Materialize()
	require.NoError(t, err)
	after, err := NewBuilder(g).Select("sum(revenue)").GroupBy("region").DrillDown("time", "quarter").Materialize()
	require.NoError(t, err)
	assert.Equal(t, want, before.GroupByNames())
	assert.Equal(t, want, after.GroupByNames())
	assert.Equal(t, OpDrillDown, before.Op().Kind)

	d, err := NewBuilder(g).Select("sum(revenue)").DrillDown("time", "quarter").RollUp("region").Materialize()
	require.NoError(t, err)
	assert.Equal(t, want, d.GroupByNames())

	d, err = NewBuilder(g).Select("sum(revenue)").RollUp("region").RollUp("product").DrillDown("time", "year").Materialize()
	require.NoError(t, err)
	assert.Equal(t, []string{"product", "year"}, d.GroupByNames())
}

func TestBuilder_SliceAndDice(t *testing.T) {
	g := newTestGraph(t)

	d, err := NewBuilder(g).
		Select("product", "sum(revenue)").
		Slice("region", "North").
		Dice(DicePair{Dimension: "year", Value: 2024}, DicePair{Dimension: "product", Value: []string{"a", "b"}}).
		GroupBy("product").
		Materialize()
	require.NoError(t, err)

	assert.Equal(t, "((region = 'North') AND ((year = 2024) AND (product IN ('a', 'b'))))", d.Filter.String())
	require.Len(t, d.Ops, 2)
	assert.Equal(t, OpSlice, d.Ops[0].Kind)
	assert.Equal(t, OpDice, d.Ops[1].Kind)

	_, err = NewBuilder(g).Select("region").Slice("revenue", 1).Materialize()
	assert.True(t, common.IsErrorCode(err, common.ErrUnknownField))
}

func TestBuilder_Errors(t *testing.T) {
	g := newTestGraph(t)

	tests := []struct {
		name string
		b    *Builder
		code common.ErrorCode
	}{
		{"empty select", NewBuilder(g).GroupBy("region"), common.ErrEmptySelect},
		{"unknown select field", NewBuilder(g).Select("nope"), common.ErrUnknownField},
		{"unknown filter field", NewBuilder(g).Select("region").Filter("nope = 1"), common.ErrUnknownField},
		{"unknown group field", NewBuilder(g).Select("region").GroupBy("nope"), common.ErrUnknownField},
		{"group by measure", NewBuilder(g).Select("region").GroupBy("revenue"), common.ErrUnknownField},
		{"unknown order field", NewBuilder(g).Select("region").OrderBy("nope"), common.ErrUnknownField},
		{"aggregate filter", NewBuilder(g).Select("region").Filter("sum(revenue) > 1"), common.ErrInvalidExpression},
		{"parse error", NewBuilder(g).Select("sum(revenue"), common.ErrInvalidExpression},
		{"hierarchy in select", NewBuilder(g).Select("time"), common.ErrInvalidExpression},
		{"negative limit", NewBuilder(g).Select("region").Limit(-1), common.ErrInvalidInput},
		{"slice overflows int64", NewBuilder(g).Select("region").Slice("year", uint64(1<<63)), common.ErrInvalidInput},
		{"dice overflows int64", NewBuilder(g).Select("region").Dice(DicePair{Dimension: "year", Value: []interface{}{1, uint64(math.MaxUint64)}}), common.ErrInvalidInput},
		{"duplicate output", NewBuilder(g).Select("region", "product AS region"), common.ErrDuplicateName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.b.Materialize()
			require.Error(t, err)
			assert.Nil(t, d)
			assert.True(t, common.IsErrorCode(err, tt.code), "got %v", err)
		})
	}
}

func TestDescriptor_Canonical(t *testing.T) {
	g := newTestGraph(t)
	build := func() *Builder {
		return NewBuilder(g).Select("region", "sum(revenue)").Filter("year = 2024").GroupBy("region").Limit(10)
	}

	a, err := build().Materialize()
	require.NoError(t, err)
	b, err := build().Materialize()
	require.NoError(t, err)
	assert.Equal(t, a.Canonical(), b.Canonical())

	variants := []*Builder{
		NewBuilder(g).Select("sum(revenue)", "region").Filter("year = 2024").GroupBy("region").Limit(10),
		NewBuilder(g).Select("region", "sum(revenue)").Filter("year = 2025").GroupBy("region").Limit(10),
		NewBuilder(g).Select("region", "sum(revenue)").Filter("year = 2024").GroupBy("region").Limit(11),
		NewBuilder(g).Select("region", "sum(revenue)").Filter("year = 2024").GroupBy("region"),
		NewBuilder(g).Select("region", "sum(revenue)").Filter("year = 2024").GroupBy("region").Limit(10).Offset(5),
		NewBuilder(g).Select("region", "sum(revenue) AS r").Filter("year = 2024").GroupBy("region").Limit(10),
		NewBuilder(g).Select("region", "sum(revenue)").Filter("year = '2024'").GroupBy("region").Limit(10),
		NewBuilder(g).Select("region", "sum(revenue)").Filter("year = 2024").RollUp("region").Limit(10),
	}
	seen := map[string]int{a.Canonical(): -1}
	for i, v := range variants {
		d, err := v.Materialize()
		require.NoError(t, err)
		prev, dup := seen[d.Canonical()]
		assert.False(t, dup, "variant %d collides with %d", i, prev)
		seen[d.Canonical()] = i
	}
}

func TestParse(t *testing.T) {
	g := newTestGraph(t)

	d, err := Parse(g, "SELECT region, sum(revenue) AS total FROM sales WHERE region IN ('a, b', 'c') AND year >= 2020 "+
		"GROUP BY region ORDER BY total desc LIMIT 5 OFFSET 2").Materialize()
	require.NoError(t, err)

	require.Len(t, d.Select, 2)
	assert.Equal(t, "total", d.Select[1].Name)
	assert.Equal(t, "((region IN ('a, b', 'c')) AND (year >= 2020))", d.Filter.String())
	assert.Equal(t, []string{"region"}, d.GroupByNames())
	require.NotNil(t, d.Limit)
	assert.Equal(t, 5, *d.Limit)
	assert.Equal(t, 2, d.Offset)

	fluent, err := NewBuilder(g).
		Select("region", "sum(revenue) AS total").
		Filter("region IN ('a, b', 'c') AND year >= 2020").
		GroupBy("region").
		OrderBy("total desc").
		Limit(5).
		Offset(2).
		Materialize()
	require.NoError(t, err)
	assert.Equal(t, fluent.Canonical(), d.Canonical())

	for _, bad := range []string{"region, product", "SELECT", "SELECT region LIMIT x", "SELECT region GROUP BY region WHERE year = 1"} {
		_, err := Parse(g, bad).Materialize()
		assert.True(t, common.IsErrorCode(err, common.ErrInvalidExpression), "%q: %v", bad, err)
	}
}
