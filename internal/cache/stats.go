package cache

// Stats is a point-in-time view of the cache counters. Hits, Misses,
// Evictions and Errors only ever grow; Size and ApproxBytes are live.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Errors      uint64 `json:"errors"`
	Size        int    `json:"current_size"`
	Capacity    int    `json:"max_entries"`
	Enabled     bool   `json:"enabled"`
	ApproxBytes int64  `json:"approx_bytes"`
}

// HitRate returns hits over lookups, or 0 before any lookup
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Observer is told about cache activity as it happens. It is called with
// the cache lock held and must not call back into the cache.
type Observer interface {
	Hit()
	Miss()
	Evicted(n int)
	ComputeFailed()
	Resized(entries int, bytes int64)
}

type nopObserver struct{}

func (nopObserver) Hit()               {}
func (nopObserver) Miss()              {}
func (nopObserver) Evicted(int)        {}
func (nopObserver) ComputeFailed()     {}
func (nopObserver) Resized(int, int64) {}
