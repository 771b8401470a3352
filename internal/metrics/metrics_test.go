package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCacheObserver(t *testing.T) {
	o := NewCacheObserver("observer-test")

	o.Hit()
	o.Hit()
	o.Miss()
	o.Evicted(3)
	o.ComputeFailed()
	o.Resized(7, 2048)

	assert.Equal(t, 2.0, testutil.ToFloat64(CacheRequestsTotal.WithLabelValues("observer-test", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CacheRequestsTotal.WithLabelValues("observer-test", "miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(CacheEvictionsTotal.WithLabelValues("observer-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CacheComputeFailuresTotal.WithLabelValues("observer-test")))
	assert.Equal(t, 7.0, testutil.ToFloat64(CacheEntries.WithLabelValues("observer-test")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(CacheBytes.WithLabelValues("observer-test")))
}
