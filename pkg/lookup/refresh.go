package lookup

import (
	"context"
	"time"

	"github.com/eth2030/kaddht/pkg/kbucket"
	"github.com/eth2030/kaddht/pkg/metrics"
)

// RefreshStaleBuckets runs a random-target lookup against every non-empty
// bucket that has gone longer than interval without one, intended to be
// called periodically (every tRefresh) by the owning node.
func (e *Engine) RefreshStaleBuckets(ctx context.Context, interval time.Duration) error {
	return e.refreshBuckets(ctx, e.rt.BucketsNeedingRefresh(interval))
}

func (e *Engine) refreshBuckets(ctx context.Context, indices []int) error {
	for _, idx := range indices {
		target, err := kbucket.RandomIDForBucket(e.self, idx)
		if err != nil {
			e.log.Debug("refresh: bad bucket index", "idx", idx, "err", err)
			continue
		}
		metrics.BucketRefreshes.Inc()
		if _, err := e.FindNode(ctx, target); err != nil {
			e.log.Debug("refresh: lookup failed", "idx", idx, "err", err)
			continue
		}
		e.rt.MarkRefreshed(idx)
	}
	return nil
}
