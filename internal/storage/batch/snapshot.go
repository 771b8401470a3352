package batch

import (
	"github.com/apache/arrow/go/v14/arrow"
)

// Snapshot is an immutable view of the batch set at one epoch. Readers hold
// on to a snapshot for the whole query; mutations publish a new one.
type Snapshot struct {
	Epoch   uint64
	Schema  *arrow.Schema
	Batches []arrow.Record
	Rows    int64
}

func newSnapshot(epoch uint64, schema *arrow.Schema, batches []arrow.Record) *Snapshot {
	var rows int64
	for _, b := range batches {
		rows += b.NumRows()
	}
	return &Snapshot{Epoch: epoch, Schema: schema, Batches: batches, Rows: rows}
}

// NumBatches returns the number of batches in the snapshot
func (s *Snapshot) NumBatches() int { return len(s.Batches) }

// Empty reports whether the snapshot holds no rows
func (s *Snapshot) Empty() bool { return s.Rows == 0 }
