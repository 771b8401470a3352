package cube

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/jonboulle/clockwork"

	"cube-engine/internal/cache"
	"cube-engine/internal/common"
	"cube-engine/internal/exec"
	"cube-engine/internal/logger"
	"cube-engine/internal/metrics"
	"cube-engine/internal/query"
	"cube-engine/internal/schema"
	"cube-engine/internal/sources"
	"cube-engine/internal/storage/batch"
	"cube-engine/internal/storage/compaction"
)

// Cube ties a field graph, a batch set and a query cache together. It is
// shared by pointer and safe for concurrent use: queries run against the
// snapshot current when they start, mutations are serialized.
type Cube struct {
	name string

	// mu is held exclusively while the schema changes and shared by data
	// mutations, so base fields cannot appear while rows are being added.
	mu       sync.RWMutex
	graph    *schema.Graph
	manager  *batch.Manager
	cache    *cache.Cache[*exec.Result]
	executor Executor
	clock    clockwork.Clock
	log      *slog.Logger
}

// Result is a query result plus the cube state it was computed at
type Result struct {
	*exec.Result
	CacheHit      bool
	Epoch         uint64
	SchemaVersion uint64
	Duration      time.Duration
}

// New creates an empty cube
func New(name string, opts Options) (*Cube, error) {
	if name == "" {
		return nil, common.NewError(common.ErrInvalidInput, "cube name is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	executor := opts.Executor
	if executor == nil {
		executor = exec.NewEngine(opts.Allocator)
	}

	c := &Cube{
		name:     name,
		graph:    schema.NewGraph(),
		executor: executor,
		clock:    clock,
		log:      log.With("cube", name),
	}

	results, err := cache.New(cache.Options[*exec.Result]{
		MaxEntries: opts.CacheMaxEntries,
		Disabled:   !opts.CacheEnabled,
		Sizer:      (*exec.Result).ApproxBytes,
		Observer:   metrics.NewCacheObserver(name),
	})
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrInvalidInput, "invalid cache options", err)
	}
	c.cache = results

	c.manager = batch.NewManager(batch.ManagerOptions{
		Schema:  c.graph.ArrowSchema(),
		Matcher: executor,
		Compactor: compaction.NewCompactor(
			compaction.NewTargetRowsStrategy(opts.ConsolidateTargetRows), opts.Allocator),
		HistoryCapacity: opts.HistoryCapacity,
		Clock:           clock,
	})

	metrics.DataEpoch.WithLabelValues(name).Set(0)
	metrics.Rows.WithLabelValues(name).Set(0)
	metrics.SchemaVersion.WithLabelValues(name).Set(0)
	return c, nil
}

// Name returns the cube name
func (c *Cube) Name() string { return c.name }

// Graph returns the field graph backing the cube
func (c *Cube) Graph() *schema.Graph { return c.graph }

// AddDimension declares a base dimension. Base fields change the batch
// layout, so they are only accepted while the cube holds no rows.
func (c *Cube) AddDimension(d schema.Dimension) error { return c.declareBase(&d) }

// AddMeasure declares a base measure. See AddDimension.
func (c *Cube) AddMeasure(m schema.Measure) error { return c.declareBase(&m) }

func (c *Cube) AddHierarchy(h schema.Hierarchy) error { return c.declare(&h) }

func (c *Cube) AddCalculatedMeasure(m schema.CalculatedMeasure) error { return c.declare(&m) }

func (c *Cube) AddVirtualDimension(v schema.VirtualDimension) error { return c.declare(&v) }

func (c *Cube) declareBase(f schema.Field) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rows := c.manager.Snapshot().Rows; rows > 0 {
		return common.ErrSchemaMismatchError(
			fmt.Sprintf("cannot add %s %s to a cube holding %d rows", f.Kind(), f.FieldName(), rows)).
			WithContext("field", f.FieldName())
	}
	if err := c.graph.Declare(f); err != nil {
		return err
	}
	if err := c.manager.SetSchema(c.graph.ArrowSchema()); err != nil {
		return err
	}
	c.schemaChanged(f)
	return nil
}

func (c *Cube) declare(f schema.Field) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.graph.Declare(f); err != nil {
		return err
	}
	c.schemaChanged(f)
	return nil
}

func (c *Cube) schemaChanged(f schema.Field) {
	version := c.graph.Version()
	metrics.SchemaVersion.WithLabelValues(c.name).Set(float64(version))
	c.log.Info("field declared", "field", f.FieldName(), "kind", f.Kind().String(), "schema_version", version)
}

// Schema describes the declared fields in declaration order
func (c *Cube) Schema() SchemaInfo {
	return describe(c.graph)
}

// Append adds batches laid out as the cube's physical schema. Either every
// batch is added or none is.
func (c *Cube) Append(batches ...arrow.Record) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	added, err := c.manager.Append(batches...)
	c.mutated(batch.MutationAppend, added, err)
	return added, err
}

// Load reads every batch from src and appends them as one mutation
func (c *Cube) Load(ctx context.Context, src sources.Source) (int64, error) {
	recs, err := src.Load(ctx, c.manager.Snapshot().Schema)
	if err != nil {
		c.log.Warn("source load failed", "source", src.Name(), "error", err)
		return 0, err
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	added, err := c.Append(recs...)
	if err == nil {
		c.log.Info("source loaded", "source", src.Name(), "batches", len(recs), "rows", added)
	}
	return added, err
}

// Update removes the rows matching predicate and appends replacement in a
// single mutation. It returns the rows deleted and added.
func (c *Cube) Update(ctx context.Context, predicate string, replacement ...arrow.Record) (int64, int64, error) {
	pred, err := c.rowPredicate(predicate)
	if err != nil {
		return 0, 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	deleted, added, err := c.manager.Update(ctx, pred, replacement...)
	err = predicateError(err)
	c.mutated(batch.MutationUpdate, deleted+added, err)
	return deleted, added, err
}

// Delete removes the rows matching predicate. The epoch advances even when
// nothing matched.
func (c *Cube) Delete(ctx context.Context, predicate string) (int64, error) {
	pred, err := c.rowPredicate(predicate)
	if err != nil {
		return 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	deleted, err := c.manager.Delete(ctx, pred)
	err = predicateError(err)
	c.mutated(batch.MutationDelete, deleted, err)
	return deleted, err
}

// Consolidate merges small batches. Query results are unchanged but the
// epoch advances. It returns the batch counts before and after.
func (c *Cube) Consolidate() (int, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	before, after, err := c.manager.Consolidate()
	c.mutated(batch.MutationConsolidate, 0, err)
	if err == nil {
		c.log.Info("batches consolidated", "before", before, "after", after)
	}
	return before, after, err
}

// rowPredicate parses a delete or update predicate. Derived dimensions are
// inlined; aggregates are not allowed.
func (c *Cube) rowPredicate(text string) (schema.Expr, error) {
	e, err := schema.ParseExpr(text)
	if err != nil {
		return nil, err
	}
	e, err = c.graph.Expand(e, false)
	if err != nil {
		return nil, err
	}
	if schema.ContainsAggregate(e) {
		return nil, common.Errorf(common.ErrInvalidExpression,
			"row predicate cannot aggregate: %s", text)
	}
	return e, nil
}

func predicateError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*exec.Error); ok {
		return common.NewErrorWithCause(common.ErrExecutionFailure, "predicate evaluation failed", err)
	}
	return err
}

func (c *Cube) mutated(kind batch.MutationKind, affected int64, err error) {
	if err != nil {
		metrics.MutationsTotal.WithLabelValues(c.name, string(kind), "error").Inc()
		c.log.Warn("mutation failed", "kind", string(kind), "error", err)
		return
	}
	snap := c.manager.Snapshot()
	metrics.MutationsTotal.WithLabelValues(c.name, string(kind), "ok").Inc()
	metrics.RowsAffectedTotal.WithLabelValues(c.name, string(kind)).Add(float64(affected))
	metrics.DataEpoch.WithLabelValues(c.name).Set(float64(snap.Epoch))
	metrics.Rows.WithLabelValues(c.name).Set(float64(snap.Rows))
	c.log.Info("mutation published", "kind", string(kind), "rows_affected", affected,
		"epoch", snap.Epoch, "rows", snap.Rows)
}

// Epoch returns the current data epoch
func (c *Cube) Epoch() uint64 { return c.manager.Epoch() }

// RowCount returns the number of rows currently held
func (c *Cube) RowCount() int64 { return c.manager.Snapshot().Rows }

// BatchCount returns the number of batches currently held
func (c *Cube) BatchCount() int { return c.manager.Snapshot().NumBatches() }

// Snapshot returns the current batch set. It must not be modified.
func (c *Cube) Snapshot() *batch.Snapshot { return c.manager.Snapshot() }

// History returns the most recent mutations, oldest first
func (c *Cube) History() []batch.MutationRecord { return c.manager.History().Records() }

// HistoryAt returns the mutation that published epoch. Epochs that were
// never published or have aged out of the history fail with
// batch.ErrEpochNotFound.
func (c *Cube) HistoryAt(epoch uint64) (*batch.MutationRecord, error) {
	return c.manager.History().Get(epoch)
}

// HistoryRange returns the mutations published within [since, until]. A zero
// bound leaves that side open.
func (c *Cube) HistoryRange(since, until time.Time) []batch.MutationRecord {
	return c.manager.History().Range(since, until)
}

// HistoryStats summarizes the retained mutations
func (c *Cube) HistoryStats() batch.HistoryStats { return c.manager.History().Stats() }

// Query starts a query against the cube's schema
func (c *Cube) Query() *query.Builder { return query.NewBuilder(c.graph) }

// ParseQuery starts a query from its textual form
func (c *Cube) ParseQuery(text string) *query.Builder { return query.Parse(c.graph, text) }

// Execute materializes b and runs it
func (c *Cube) Execute(ctx context.Context, b *query.Builder) (*Result, error) {
	d, err := b.Materialize()
	if err != nil {
		return nil, err
	}
	return c.ExecuteDescriptor(ctx, d)
}

// ExecuteDescriptor runs d through the cache. The snapshot, schema version
// and epoch are captured once, so a concurrent mutation never tears the
// result and never produces a stale hit.
func (c *Cube) ExecuteDescriptor(ctx context.Context, d *query.Descriptor) (*Result, error) {
	if d == nil {
		return nil, common.NewError(common.ErrInvalidInput, "descriptor is required")
	}
	start := c.clock.Now()
	snap := c.manager.Snapshot()
	version := c.graph.Version()
	key := cache.KeyFor(d, version, snap.Epoch)

	res, hit, err := c.cache.GetOrInsert(ctx, key, func(ctx context.Context) (*exec.Result, error) {
		return c.compute(ctx, d, snap)
	})
	elapsed := c.clock.Since(start)
	if err != nil {
		metrics.QueryDuration.WithLabelValues(c.name, "error").Observe(elapsed.Seconds())
		c.log.Warn("query failed", "key", key.String(), "epoch", snap.Epoch, "error", err)
		return nil, err
	}

	status := "miss"
	if hit {
		status = "hit"
	}
	metrics.QueryDuration.WithLabelValues(c.name, status).Observe(elapsed.Seconds())
	c.log.Debug("query executed", "key", key.String(), "cache", status,
		"epoch", snap.Epoch, "rows", res.NumRows, "duration", elapsed)

	return &Result{
		Result:        res,
		CacheHit:      hit,
		Epoch:         snap.Epoch,
		SchemaVersion: version,
		Duration:      elapsed,
	}, nil
}

func (c *Cube) compute(ctx context.Context, d *query.Descriptor, snap *batch.Snapshot) (res *exec.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = common.NewError(common.ErrCacheComputeFailure, fmt.Sprintf("query execution panicked: %v", r))
		}
	}()

	res, err = c.executor.Execute(ctx, d, snap)
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrExecutionFailure, "query execution failed", err)
	}
	if res == nil {
		return nil, common.NewError(common.ErrCacheComputeFailure, "executor returned no result")
	}
	return res, nil
}

// CacheStats returns the query cache counters
func (c *Cube) CacheStats() cache.Stats { return c.cache.Stats() }

// SetCacheEnabled turns the query cache on or off. Disabling drops every entry.
func (c *Cube) SetCacheEnabled(enabled bool) {
	c.cache.SetEnabled(enabled)
	c.log.Info("query cache toggled", "enabled", enabled)
}

// ResizeCache changes the maximum number of cached results
func (c *Cube) ResizeCache(maxEntries int) error {
	if err := c.cache.Resize(maxEntries); err != nil {
		return common.NewErrorWithCause(common.ErrInvalidInput, "invalid cache size", err)
	}
	c.log.Info("query cache resized", "max_entries", maxEntries)
	return nil
}

// ClearCache drops every cached result
func (c *Cube) ClearCache() {
	c.cache.Purge()
	c.log.Info("query cache cleared")
}
