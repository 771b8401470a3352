package cube

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cube-engine/internal/common"
	"cube-engine/internal/exec"
	"cube-engine/internal/query"
	"cube-engine/internal/schema"
	"cube-engine/internal/sources"
	"cube-engine/internal/storage/batch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sale struct {
	region  string
	revenue float64
	cost    float64
}

func newSalesCube(t *testing.T, opts Options) *Cube {
	t.Helper()
	c, err := New("sales", opts)
	require.NoError(t, err)
	require.NoError(t, c.AddDimension(schema.Dimension{Name: "region", Type: schema.TypeString}))
	require.NoError(t, c.AddMeasure(schema.Measure{Name: "revenue", Type: schema.TypeFloat64, Aggregation: schema.AggSum}))
	require.NoError(t, c.AddMeasure(schema.Measure{Name: "cost", Type: schema.TypeFloat64, Aggregation: schema.AggSum}))
	return c
}

func salesBatch(t *testing.T, c *Cube, rows ...sale) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, c.Snapshot().Schema)
	defer b.Release()
	for _, r := range rows {
		b.Field(0).(*array.StringBuilder).Append(r.region)
		b.Field(1).(*array.Float64Builder).Append(r.revenue)
		b.Field(2).(*array.Float64Builder).Append(r.cost)
	}
	return b.NewRecord()
}

func seed(t *testing.T, c *Cube) {
	t.Helper()
	_, err := c.Append(
		salesBatch(t, c, sale{"N", 100, 60}, sale{"S", 80, 20}),
		salesBatch(t, c, sale{"N", 50, 30}),
	)
	require.NoError(t, err)
}

func byRegion(c *Cube) *query.Builder {
	return c.Query().Select("region", "sum(revenue)").GroupBy("region").OrderBy("region")
}

func TestCube_RepeatedQueryHitsCache(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)
	ctx := context.Background()

	first, err := c.Execute(ctx, byRegion(c))
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	before := c.CacheStats()

	second, err := c.Execute(ctx, byRegion(c))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)

	after := c.CacheStats()
	assert.Equal(t, before.Hits+1, after.Hits)
	assert.Equal(t, before.Misses, after.Misses)
	assert.Equal(t, [][]interface{}{{"N", 150.0}, {"S", 80.0}}, second.Rows())
}

func TestCube_AppendInvalidatesCache(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)
	ctx := context.Background()

	_, err := c.Execute(ctx, byRegion(c))
	require.NoError(t, err)
	before := c.CacheStats()

	_, err = c.Append(salesBatch(t, c, sale{"E", 40, 50}))
	require.NoError(t, err)

	res, err := c.Execute(ctx, byRegion(c))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, before.Misses+1, c.CacheStats().Misses)
	assert.Equal(t, [][]interface{}{{"E", 40.0}, {"N", 150.0}, {"S", 80.0}}, res.Rows())
}

func TestCube_CalculatedMeasureExpandsToBaseMeasures(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	require.NoError(t, c.AddCalculatedMeasure(schema.CalculatedMeasure{
		Name: "profit", Expression: "sum(revenue) - sum(cost)", Type: schema.TypeFloat64, Aggregation: schema.AggSum,
	}))
	seed(t, c)

	d, err := c.Query().Select("region", "profit").GroupBy("region").OrderBy("region").Materialize()
	require.NoError(t, err)
	expr := d.Select[1].Expr.String()
	assert.NotContains(t, expr, "profit")
	assert.Contains(t, expr, "revenue")
	assert.Contains(t, expr, "cost")

	res, err := c.ExecuteDescriptor(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "profit"}, res.Columns())
	assert.Equal(t, [][]interface{}{{"N", 60.0}, {"S", 60.0}}, res.Rows())
}

func TestCube_RollUpDefaultsGroupBy(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	require.NoError(t, c.AddDimension(schema.Dimension{Name: "product", Type: schema.TypeString}))

	d, err := c.Query().Select("region", "revenue").RollUp("region").Materialize()
	require.NoError(t, err)
	assert.Equal(t, []string{"region"}, d.GroupByNames())

	d, err = c.Query().Select("region", "revenue").GroupBy("region", "product").RollUp("region").Materialize()
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "product"}, d.GroupByNames())
}

func TestCube_ConsolidateKeepsResults(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)
	ctx := context.Background()

	base, err := c.Execute(ctx, byRegion(c))
	require.NoError(t, err)

	epoch := c.Epoch()
	for i := 0; i < 2; i++ {
		before, after, err := c.Consolidate()
		require.NoError(t, err)
		assert.LessOrEqual(t, after, before)
		assert.Greater(t, c.Epoch(), epoch)
		epoch = c.Epoch()

		res, err := c.Execute(ctx, byRegion(c))
		require.NoError(t, err)
		assert.False(t, res.CacheHit)
		assert.Equal(t, base.Rows(), res.Rows())
	}
	assert.Equal(t, 1, c.BatchCount())
	assert.Equal(t, int64(3), c.RowCount())
}

func TestCube_CyclicDeclarationLeavesSchemaUnchanged(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	require.NoError(t, c.AddCalculatedMeasure(schema.CalculatedMeasure{
		Name: "a", Expression: "revenue * 2", Type: schema.TypeFloat64, Aggregation: schema.AggSum,
	}))
	before := c.Schema()

	err := c.AddCalculatedMeasure(schema.CalculatedMeasure{
		Name: "b", Expression: "b + a", Type: schema.TypeFloat64, Aggregation: schema.AggSum,
	})
	require.Error(t, err)
	assert.True(t, common.IsErrorCode(err, common.ErrCyclicDependency))
	assert.Equal(t, before, c.Schema())
}

func TestCube_BaseFieldsRequireEmptyCube(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)
	version := c.Schema().Version

	err := c.AddDimension(schema.Dimension{Name: "product", Type: schema.TypeString})
	assert.True(t, common.IsErrorCode(err, common.ErrSchemaMismatch))
	err = c.AddMeasure(schema.Measure{Name: "units", Type: schema.TypeInt64, Aggregation: schema.AggSum})
	assert.True(t, common.IsErrorCode(err, common.ErrSchemaMismatch))
	assert.Equal(t, version, c.Schema().Version)

	// Derived fields do not change the layout and are still accepted.
	require.NoError(t, c.AddVirtualDimension(schema.VirtualDimension{
		Name: "zone", Expression: "lower(region)", Type: schema.TypeString,
	}))
	res, err := c.Execute(context.Background(), c.Query().Select("zone", "revenue").GroupBy("zone").OrderBy("zone"))
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{"n", 150.0}, {"s", 80.0}}, res.Rows())
}

func TestCube_AppendSchemaMismatchIsAtomic(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)
	epoch, rows := c.Epoch(), c.RowCount()

	other := arrow.NewSchema([]arrow.Field{{Name: "region", Type: arrow.BinaryTypes.String, Nullable: true}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, other)
	b.Field(0).(*array.StringBuilder).Append("X")
	bad := b.NewRecord()
	b.Release()

	_, err := c.Append(salesBatch(t, c, sale{"E", 1, 1}), bad)
	assert.True(t, common.IsErrorCode(err, common.ErrSchemaMismatch))
	assert.Equal(t, epoch, c.Epoch())
	assert.Equal(t, rows, c.RowCount())
}

func TestCube_DeleteAndUpdate(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)
	ctx := context.Background()

	deleted, err := c.Delete(ctx, "region = 'S'")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	epoch := c.Epoch()
	deleted, err = c.Delete(ctx, "region = 'nowhere'")
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, epoch+1, c.Epoch())

	deleted, added, err := c.Update(ctx, "revenue < 60", salesBatch(t, c, sale{"N", 55, 5}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, int64(1), added)

	res, err := c.Execute(ctx, byRegion(c))
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{"N", 155.0}}, res.Rows())

	kinds := make([]batch.MutationKind, 0)
	for _, rec := range c.History() {
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []batch.MutationKind{
		batch.MutationAppend, batch.MutationDelete, batch.MutationDelete, batch.MutationUpdate,
	}, kinds)
}

func TestCube_DeleteRejectsBadPredicates(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)
	ctx := context.Background()
	epoch := c.Epoch()

	_, err := c.Delete(ctx, "sum(revenue) > 10")
	assert.True(t, common.IsErrorCode(err, common.ErrInvalidExpression))

	_, err = c.Delete(ctx, "nope = 1")
	assert.True(t, common.IsErrorCode(err, common.ErrUnknownField))

	_, err = c.Delete(ctx, "revenue + 1")
	assert.True(t, common.IsErrorCode(err, common.ErrExecutionFailure))

	assert.Equal(t, epoch, c.Epoch())
}

func TestCube_ConstructionErrorsNeverReachCache(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)

	_, err := c.Execute(context.Background(), c.Query())
	assert.True(t, common.IsErrorCode(err, common.ErrEmptySelect))
	_, err = c.Execute(context.Background(), c.Query().Select("missing"))
	assert.True(t, common.IsErrorCode(err, common.ErrUnknownField))

	stats := c.CacheStats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

type failingExecutor struct {
	*exec.Engine
	mu    sync.Mutex
	calls int
	err   error
	panic bool
}

func (f *failingExecutor) Execute(ctx context.Context, d *query.Descriptor, snap *batch.Snapshot) (*exec.Result, error) {
	f.mu.Lock()
	f.calls++
	fail, boom := f.err, f.panic
	f.mu.Unlock()
	if boom {
		panic("executor exploded")
	}
	if fail != nil {
		return nil, fail
	}
	return f.Engine.Execute(ctx, d, snap)
}

func TestCube_ExecutionFailuresAreNotCached(t *testing.T) {
	boom := errors.New("engine down")
	fx := &failingExecutor{Engine: exec.NewEngine(nil), err: boom}
	opts := DefaultOptions()
	opts.Executor = fx
	c := newSalesCube(t, opts)
	seed(t, c)
	ctx := context.Background()

	_, err := c.Execute(ctx, byRegion(c))
	require.Error(t, err)
	assert.True(t, common.IsErrorCode(err, common.ErrExecutionFailure))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), c.CacheStats().Errors)
	assert.Zero(t, c.CacheStats().Size)

	fx.mu.Lock()
	fx.err = nil
	fx.mu.Unlock()

	res, err := c.Execute(ctx, byRegion(c))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 2, fx.calls)
}

func TestCube_ExecutorPanicIsComputeFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.Executor = &failingExecutor{Engine: exec.NewEngine(nil), panic: true}
	c := newSalesCube(t, opts)
	seed(t, c)

	_, err := c.Execute(context.Background(), byRegion(c))
	assert.True(t, common.IsErrorCode(err, common.ErrCacheComputeFailure))
	assert.Zero(t, c.CacheStats().Size)
}

func TestCube_CacheConfiguration(t *testing.T) {
	opts := DefaultOptions()
	opts.CacheMaxEntries = 2
	c := newSalesCube(t, opts)
	seed(t, c)
	ctx := context.Background()

	for _, limit := range []int{1, 2, 3} {
		_, err := c.Execute(ctx, byRegion(c).Limit(limit))
		require.NoError(t, err)
	}
	stats := c.CacheStats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, uint64(1), stats.Evictions)

	require.NoError(t, c.ResizeCache(1))
	assert.Equal(t, 1, c.CacheStats().Size)
	assert.Error(t, c.ResizeCache(0))

	c.ClearCache()
	assert.Zero(t, c.CacheStats().Size)

	c.SetCacheEnabled(false)
	res, err := c.Execute(ctx, byRegion(c))
	require.NoError(t, err)
	res, err = c.Execute(ctx, byRegion(c))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Zero(t, c.CacheStats().Size)
}

func TestCube_LoadFromSource(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	src := sources.NewRecordSource(salesBatch(t, c, sale{"N", 1, 1}, sale{"S", 2, 2}))

	added, err := c.Load(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), added)
	assert.Equal(t, uint64(1), c.Epoch())
}

func TestCube_HistoryUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock
	c := newSalesCube(t, opts)
	seed(t, c)

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, clock.Now(), history[0].Timestamp)
	assert.Equal(t, int64(3), history[0].RowsAfter)
}

func TestCube_HistoryQueries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock
	c := newSalesCube(t, opts)
	start := clock.Now()

	seed(t, c)
	clock.Advance(time.Minute)
	_, err := c.Delete(context.Background(), "region = 'S'")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, _, err = c.Consolidate()
	require.NoError(t, err)

	rec, err := c.HistoryAt(2)
	require.NoError(t, err)
	assert.Equal(t, batch.MutationDelete, rec.Kind)
	assert.Equal(t, int64(1), rec.RowsAffected)

	_, err = c.HistoryAt(42)
	assert.ErrorIs(t, err, batch.ErrEpochNotFound)

	since := c.HistoryRange(start.Add(time.Minute), time.Time{})
	require.Len(t, since, 2)
	assert.Equal(t, batch.MutationConsolidate, since[1].Kind)
	assert.Len(t, c.HistoryRange(time.Time{}, start), 1)

	stats := c.HistoryStats()
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, DefaultOptions().HistoryCapacity, stats.Capacity)
	assert.Equal(t, 1, stats.ByKind[batch.MutationDelete])
}

func TestCube_ConcurrentQueriesAndMutations(t *testing.T) {
	c := newSalesCube(t, DefaultOptions())
	seed(t, c)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				res, err := c.Execute(ctx, c.Query().Select("count(*)"))
				if err != nil {
					errs <- err
					return
				}
				// Appends come in whole batches of one row, so any
				// snapshot holds at least the seeded rows.
				if n := res.Rows()[0][0].(int64); n < 3 {
					errs <- errors.New("torn snapshot")
					return
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		_, err := c.Append(salesBatch(t, c, sale{"W", 1, 1}))
		require.NoError(t, err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int64(13), c.RowCount())
}

func TestCube_ColumnNamedLikeLiteralMissesCache(t *testing.T) {
	c, err := New("labels", DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, c.AddDimension(schema.Dimension{Name: "region", Type: schema.TypeString}))
	require.NoError(t, c.AddDimension(schema.Dimension{Name: "'EU'", Type: schema.TypeString}))

	b := array.NewRecordBuilder(memory.DefaultAllocator, c.Snapshot().Schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).AppendValues([]string{"EU", "US"}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"EU", "US"}, nil)
	_, err = c.Append(b.NewRecord())
	require.NoError(t, err)
	ctx := context.Background()

	literal, err := c.Execute(ctx, c.Query().Select("count(*)").Filter("region = 'EU'"))
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{int64(1)}}, literal.Rows())

	column, err := c.Execute(ctx, c.Query().Select("count(*)").Filter(`region = "'EU'"`))
	require.NoError(t, err)
	assert.False(t, column.CacheHit)
	assert.Equal(t, [][]interface{}{{int64(2)}}, column.Rows())
}
