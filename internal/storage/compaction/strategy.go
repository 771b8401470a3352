package compaction

// BatchInfo describes one batch of the batch set
type BatchInfo struct {
	Index int
	Rows  int64
}

// Strategy decides which batches are merged. Groups are runs of consecutive
// batch indices so that merging keeps row order.
type Strategy interface {
	Plan(batches []BatchInfo) [][]int
	Name() string
}

// TargetRowsStrategy packs consecutive batches into groups of up to
// targetRows rows. A batch already at or above the target stays on its own.
type TargetRowsStrategy struct {
	targetRows int64
}

// NewTargetRowsStrategy creates a strategy packing toward targetRows per batch
func NewTargetRowsStrategy(targetRows int64) *TargetRowsStrategy {
	if targetRows <= 0 {
		targetRows = DefaultTargetRows
	}
	return &TargetRowsStrategy{targetRows: targetRows}
}

func (s *TargetRowsStrategy) Name() string {
	return "TargetRows"
}

func (s *TargetRowsStrategy) Plan(batches []BatchInfo) [][]int {
	var groups [][]int
	var current []int
	var rows int64

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
		}
		current = nil
		rows = 0
	}

	for _, b := range batches {
		if b.Rows == 0 {
			// Empty batches are dropped by merging them into whatever group is open.
			current = append(current, b.Index)
			continue
		}
		if len(current) > 0 && rows+b.Rows > s.targetRows {
			flush()
		}
		current = append(current, b.Index)
		rows += b.Rows
	}
	flush()
	return groups
}

// SingleBatchStrategy merges everything into one batch
type SingleBatchStrategy struct{}

func (SingleBatchStrategy) Name() string {
	return "SingleBatch"
}

func (SingleBatchStrategy) Plan(batches []BatchInfo) [][]int {
	if len(batches) == 0 {
		return nil
	}
	group := make([]int, len(batches))
	for i, b := range batches {
		group[i] = b.Index
	}
	return [][]int{group}
}
