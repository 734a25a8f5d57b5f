package kbucket

import (
	"sync"
	"time"
)

// refreshState tracks, per bucket, the last time it was refreshed by a
// bucket-targeted lookup. Kept separate from bucket's own mutex since
// refresh bookkeeping is read far more often (by the maintenance loop)
// than it is written.
type refreshState struct {
	mu    sync.RWMutex
	stamp [B]time.Time
}

// NeedRefresh reports whether bucket idx has gone longer than interval
// without a refresh lookup.
func (rt *RoutingTable) NeedRefresh(idx int, interval time.Duration) bool {
	if idx < 0 || idx >= B {
		return false
	}
	rt.refresh.mu.RLock()
	defer rt.refresh.mu.RUnlock()
	last := rt.refresh.stamp[idx]
	return last.IsZero() || time.Since(last) > interval
}

// MarkRefreshed records that bucket idx was just refreshed.
func (rt *RoutingTable) MarkRefreshed(idx int) {
	if idx < 0 || idx >= B {
		return
	}
	rt.refresh.mu.Lock()
	rt.refresh.stamp[idx] = time.Now()
	rt.refresh.mu.Unlock()
}

// BucketsNeedingRefresh returns the indices of every non-empty bucket that
// has gone longer than interval without a refresh lookup. Empty buckets
// are skipped: there is nothing nearby to refresh toward.
func (rt *RoutingTable) BucketsNeedingRefresh(interval time.Duration) []int {
	var idxs []int
	for i, b := range rt.buckets {
		b.mu.RLock()
		empty := len(b.entries) == 0
		b.mu.RUnlock()
		if empty {
			continue
		}
		if rt.NeedRefresh(i, interval) {
			idxs = append(idxs, i)
		}
	}
	return idxs
}
