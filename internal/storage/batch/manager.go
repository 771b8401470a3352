package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/jonboulle/clockwork"

	"cube-engine/internal/common"
	"cube-engine/internal/schema"
	"cube-engine/internal/storage/compaction"
)

// RowMatcher removes the rows of a batch that satisfy a predicate. It must
// not modify rec; it returns rec itself when nothing matches.
type RowMatcher interface {
	Remove(ctx context.Context, pred schema.Expr, rec arrow.Record) (arrow.Record, int64, error)
}

// ManagerOptions configures a Manager
type ManagerOptions struct {
	Schema          *arrow.Schema
	Matcher         RowMatcher
	Compactor       *compaction.Compactor
	HistoryCapacity int
	Clock           clockwork.Clock
}

// Manager owns the batch set and the data epoch. Writers are serialized by a
// mutex and publish a fresh Snapshot atomically; readers never block.
//
// Appended batches are retained and never released: older snapshots may
// still be in use by readers, so their memory is left to the garbage
// collector.
type Manager struct {
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	matcher   RowMatcher
	compactor *compaction.Compactor
	history   *History
}

// NewManager creates a manager with an empty batch set at epoch 0
func NewManager(opts ManagerOptions) *Manager {
	s := opts.Schema
	if s == nil {
		s = arrow.NewSchema(nil, nil)
	}
	capacity := opts.HistoryCapacity
	if capacity <= 0 {
		capacity = 128
	}
	compactor := opts.Compactor
	if compactor == nil {
		compactor = compaction.NewCompactor(nil, nil)
	}
	m := &Manager{
		matcher:   opts.Matcher,
		compactor: compactor,
		history:   NewHistory(capacity, opts.Clock),
	}
	m.current.Store(newSnapshot(0, s, nil))
	return m
}

// Snapshot returns the current batch set. The result must not be modified.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// Epoch returns the current data epoch
func (m *Manager) Epoch() uint64 {
	return m.current.Load().Epoch
}

// History returns the mutation history
func (m *Manager) History() *History { return m.history }

// SetSchema replaces the physical layout. It only succeeds while the batch
// set holds no rows; the epoch is not advanced.
func (m *Manager) SetSchema(s *arrow.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	if cur.Rows > 0 {
		return common.ErrSchemaMismatchError(
			fmt.Sprintf("cannot change the physical layout of a cube holding %d rows", cur.Rows))
	}
	m.current.Store(newSnapshot(cur.Epoch, s, nil))
	return nil
}

// Append validates every batch against the schema, then publishes them in
// one step. On error nothing changes. Returns the number of rows added.
func (m *Manager) Append(batches ...arrow.Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	var added int64
	for i, b := range batches {
		if b == nil {
			return 0, common.ErrSchemaMismatchError(fmt.Sprintf("batch %d is nil", i))
		}
		if err := schema.CheckSchema(cur.Schema, b.Schema()); err != nil {
			return 0, common.NewErrorWithCause(common.ErrSchemaMismatch,
				fmt.Sprintf("batch %d does not match the cube schema", i), err)
		}
		added += b.NumRows()
	}

	next := make([]arrow.Record, 0, len(cur.Batches)+len(batches))
	next = append(next, cur.Batches...)
	for _, b := range batches {
		b.Retain()
		next = append(next, b)
	}

	m.publish(MutationAppend, added, cur, next)
	return added, nil
}

// Delete removes the rows matching pred by rebuilding the affected batches.
// The epoch advances even when nothing matched.
func (m *Manager) Delete(ctx context.Context, pred schema.Expr) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	next, deleted, err := m.without(ctx, cur, pred)
	if err != nil {
		return 0, err
	}
	m.publish(MutationDelete, deleted, cur, next)
	return deleted, nil
}

// Update removes the rows matching pred and appends replacement, as a single
// mutation. The replacement is validated before anything is removed.
func (m *Manager) Update(ctx context.Context, pred schema.Expr, replacement ...arrow.Record) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	var added int64
	for i, b := range replacement {
		if b == nil {
			return 0, 0, common.ErrSchemaMismatchError(fmt.Sprintf("replacement batch %d is nil", i))
		}
		if err := schema.CheckSchema(cur.Schema, b.Schema()); err != nil {
			return 0, 0, common.NewErrorWithCause(common.ErrSchemaMismatch,
				fmt.Sprintf("replacement batch %d does not match the cube schema", i), err)
		}
		added += b.NumRows()
	}

	next, deleted, err := m.without(ctx, cur, pred)
	if err != nil {
		return 0, 0, err
	}
	for _, b := range replacement {
		b.Retain()
		next = append(next, b)
	}

	m.publish(MutationUpdate, deleted+added, cur, next)
	return deleted, added, nil
}

// Consolidate merges small batches into larger ones. Row content and order
// are unchanged but the epoch still advances. Returns the batch counts before
// and after.
func (m *Manager) Consolidate() (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	next, err := m.compactor.Compact(cur.Schema, cur.Batches)
	if err != nil {
		return 0, 0, common.NewErrorWithCause(common.ErrInternal, "consolidation failed", err)
	}

	m.publish(MutationConsolidate, 0, cur, next)
	return len(cur.Batches), len(next), nil
}

func (m *Manager) without(ctx context.Context, cur *Snapshot, pred schema.Expr) ([]arrow.Record, int64, error) {
	if pred == nil {
		return nil, 0, common.NewError(common.ErrInvalidInput, "predicate is required")
	}
	if m.matcher == nil {
		return nil, 0, common.NewError(common.ErrInternal, "no row matcher configured")
	}

	next := make([]arrow.Record, 0, len(cur.Batches))
	var removed int64
	for _, b := range cur.Batches {
		kept, n, err := m.matcher.Remove(ctx, pred, b)
		if err != nil {
			return nil, 0, err
		}
		removed += n
		if kept.NumRows() > 0 {
			next = append(next, kept)
		}
	}
	return next, removed, nil
}

func (m *Manager) publish(kind MutationKind, affected int64, cur *Snapshot, batches []arrow.Record) {
	next := newSnapshot(cur.Epoch+1, cur.Schema, batches)
	m.current.Store(next)
	m.history.Add(MutationRecord{
		Epoch:        next.Epoch,
		Kind:         kind,
		RowsAffected: affected,
		RowsAfter:    next.Rows,
		BatchesAfter: len(next.Batches),
	})
}
