package lookup

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/metrics"
)

// LocalStore is the subset of *store.Store the replication loop needs.
type LocalStore interface {
	GetAllKeys() []id.NID
	Retrieve(nid id.NID) (data []byte, age time.Duration, ok bool)
}

// IterativeStore finds the K contacts closest to key and issues a STORE to
// each concurrently, returning how many accepted it.
func (e *Engine) IterativeStore(ctx context.Context, key id.NID, data []byte, age time.Duration) (int, error) {
	targets, err := e.FindNode(ctx, key)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	accepted := make([]bool, len(targets))
	for i, c := range targets {
		i, c := i, c
		g.Go(func() error {
			ok, err := e.caller.Store(gctx, c, key, data, age)
			if err != nil {
				e.log.Debug("store rpc failed", "peer", c.NID, "err", err)
				return nil
			}
			accepted[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range accepted {
		if ok {
			n++
		}
	}
	return n, nil
}

// Replicate re-stores every locally-held key to its K closest peers. It is
// intended to be called periodically (every tReplicate) by the owning
// node.
func (e *Engine) Replicate(ctx context.Context, ls LocalStore) {
	for _, key := range ls.GetAllKeys() {
		data, age, ok := ls.Retrieve(key)
		if !ok {
			continue
		}
		if _, err := e.IterativeStore(ctx, key, data, age); err != nil {
			e.log.Debug("replication failed", "key", key, "err", err)
		}
	}
	metrics.ReplicationRuns.Inc()
}
