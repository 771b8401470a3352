package batch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MutationKind names a batch-set mutation
type MutationKind string

const (
	MutationAppend      MutationKind = "append"
	MutationDelete      MutationKind = "delete"
	MutationUpdate      MutationKind = "update"
	MutationConsolidate MutationKind = "consolidate"
)

// MutationRecord describes one published mutation
type MutationRecord struct {
	Epoch        uint64       `json:"epoch"`
	Kind         MutationKind `json:"kind"`
	Timestamp    time.Time    `json:"timestamp"`
	RowsAffected int64        `json:"rows_affected"`
	RowsAfter    int64        `json:"rows_after"`
	BatchesAfter int          `json:"batches_after"`
}

// History keeps the most recent mutations in a bounded ring
type History struct {
	mu       sync.RWMutex
	records  []MutationRecord
	capacity int
	clock    clockwork.Clock
}

// NewHistory creates a history holding up to capacity records
func NewHistory(capacity int, clock clockwork.Clock) *History {
	if capacity <= 0 {
		capacity = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &History{
		records:  make([]MutationRecord, 0, capacity),
		capacity: capacity,
		clock:    clock,
	}
}

// Add stamps rec with the current time and stores it, dropping the oldest
// record when full.
func (h *History) Add(rec MutationRecord) MutationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec.Timestamp = h.clock.Now()
	if len(h.records) >= h.capacity {
		copy(h.records, h.records[1:])
		h.records = h.records[:len(h.records)-1]
	}
	h.records = append(h.records, rec)
	return rec
}

// ErrEpochNotFound is returned for epochs never published or already
// dropped from the ring
var ErrEpochNotFound = errors.New("epoch not in history")

// Get returns the record for epoch
func (h *History) Get(epoch uint64) (*MutationRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].Epoch == epoch {
			rec := h.records[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrEpochNotFound, epoch)
}

// Range returns the records stamped within [start, end], oldest first. A zero
// start or end leaves that side open.
func (h *History) Range(start, end time.Time) []MutationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []MutationRecord{}
	for _, rec := range h.records {
		if !start.IsZero() && rec.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && rec.Timestamp.After(end) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Records returns every stored record, oldest first
func (h *History) Records() []MutationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]MutationRecord(nil), h.records...)
}

// HistoryStats summarizes the stored records
type HistoryStats struct {
	Count        int                  `json:"count"`
	Capacity     int                  `json:"capacity"`
	ByKind       map[MutationKind]int `json:"by_kind"`
	RowsAffected int64                `json:"rows_affected"`
	OldestEpoch  uint64               `json:"oldest_epoch,omitempty"`
	Oldest       *time.Time           `json:"oldest,omitempty"`
	Newest       *time.Time           `json:"newest,omitempty"`
}

// Stats summarizes the stored records
func (h *History) Stats() HistoryStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HistoryStats{
		Count:    len(h.records),
		Capacity: h.capacity,
		ByKind:   make(map[MutationKind]int),
	}
	for _, rec := range h.records {
		stats.ByKind[rec.Kind]++
		stats.RowsAffected += rec.RowsAffected
	}
	if len(h.records) > 0 {
		oldest, newest := h.records[0].Timestamp, h.records[len(h.records)-1].Timestamp
		stats.OldestEpoch = h.records[0].Epoch
		stats.Oldest, stats.Newest = &oldest, &newest
	}
	return stats
}
