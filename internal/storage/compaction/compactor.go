package compaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// DefaultTargetRows is the row count consolidation packs batches toward
const DefaultTargetRows = 65536

// Stats reports what the compactor has done so far
type Stats struct {
	TotalCompactions   uint64    `json:"total_compactions"`
	BatchesIn          uint64    `json:"batches_in"`
	BatchesOut         uint64    `json:"batches_out"`
	RowsRewritten      int64     `json:"rows_rewritten"`
	LastCompactionTime time.Time `json:"last_compaction_time"`
}

// Compactor merges small arrow batches into fewer larger ones. Input batches
// are never modified; merged groups produce new records.
type Compactor struct {
	mu       sync.Mutex
	strategy Strategy
	mem      memory.Allocator

	totalCompactions   uint64
	batchesIn          uint64
	batchesOut         uint64
	rowsRewritten      int64
	lastCompactionTime time.Time
}

// NewCompactor creates a compactor. A nil allocator uses the default one.
func NewCompactor(strategy Strategy, mem memory.Allocator) *Compactor {
	if strategy == nil {
		strategy = NewTargetRowsStrategy(DefaultTargetRows)
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Compactor{strategy: strategy, mem: mem}
}

// Strategy returns the merge strategy in use
func (c *Compactor) Strategy() Strategy { return c.strategy }

// Compact returns a batch list with the same rows in the same order. Groups
// of one batch are passed through unchanged; zero-row results are dropped.
func (c *Compactor) Compact(schema *arrow.Schema, batches []arrow.Record) ([]arrow.Record, error) {
	infos := make([]BatchInfo, len(batches))
	for i, b := range batches {
		infos[i] = BatchInfo{Index: i, Rows: b.NumRows()}
	}

	var (
		out       []arrow.Record
		rewritten int64
	)
	for _, group := range c.strategy.Plan(infos) {
		if len(group) == 1 {
			if b := batches[group[0]]; b.NumRows() > 0 {
				out = append(out, b)
			}
			continue
		}
		parts := make([]arrow.Record, len(group))
		for i, idx := range group {
			parts[i] = batches[idx]
		}
		merged, err := Merge(c.mem, schema, parts)
		if err != nil {
			return nil, err
		}
		if merged.NumRows() > 0 {
			out = append(out, merged)
			rewritten += merged.NumRows()
		}
	}

	c.mu.Lock()
	c.totalCompactions++
	c.batchesIn += uint64(len(batches))
	c.batchesOut += uint64(len(out))
	c.rowsRewritten += rewritten
	c.lastCompactionTime = time.Now()
	c.mu.Unlock()

	return out, nil
}

// Stats returns a copy of the compactor counters
func (c *Compactor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalCompactions:   c.totalCompactions,
		BatchesIn:          c.batchesIn,
		BatchesOut:         c.batchesOut,
		RowsRewritten:      c.rowsRewritten,
		LastCompactionTime: c.lastCompactionTime,
	}
}

// Merge concatenates records column by column into one record
func Merge(mem memory.Allocator, schema *arrow.Schema, parts []arrow.Record) (arrow.Record, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no batches to merge")
	}
	ncols := schema.NumFields()
	cols := make([]arrow.Array, ncols)
	defer func() {
		for _, col := range cols {
			if col != nil {
				col.Release()
			}
		}
	}()

	var rows int64
	for _, p := range parts {
		if int(p.NumCols()) != ncols {
			return nil, fmt.Errorf("batch has %d columns, schema has %d", p.NumCols(), ncols)
		}
		rows += p.NumRows()
	}

	for i := 0; i < ncols; i++ {
		arrs := make([]arrow.Array, len(parts))
		for j, p := range parts {
			arrs[j] = p.Column(i)
		}
		col, err := array.Concatenate(arrs, mem)
		if err != nil {
			return nil, fmt.Errorf("failed to merge column %s: %w", schema.Field(i).Name, err)
		}
		cols[i] = col
	}
	return array.NewRecord(schema, cols, rows), nil
}
