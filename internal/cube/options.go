package cube

import (
	"context"
	"log/slog"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/jonboulle/clockwork"

	"cube-engine/internal/cache"
	"cube-engine/internal/exec"
	"cube-engine/internal/query"
	"cube-engine/internal/storage/batch"
	"cube-engine/internal/storage/compaction"
)

// Executor runs materialized queries against a snapshot and evaluates row
// predicates for delete and update. exec.Engine is the default.
type Executor interface {
	Execute(ctx context.Context, d *query.Descriptor, snap *batch.Snapshot) (*exec.Result, error)
	batch.RowMatcher
}

// Options configures a Cube
type Options struct {
	CacheEnabled          bool
	CacheMaxEntries       int
	ConsolidateTargetRows int64
	HistoryCapacity       int

	// Logger receives cache and mutation events. Nil discards them.
	Logger    *slog.Logger
	Executor  Executor
	Clock     clockwork.Clock
	Allocator memory.Allocator
}

// DefaultOptions returns options with caching on and default sizes
func DefaultOptions() Options {
	return Options{
		CacheEnabled:          true,
		CacheMaxEntries:       cache.DefaultMaxEntries,
		ConsolidateTargetRows: compaction.DefaultTargetRows,
		HistoryCapacity:       128,
	}
}
