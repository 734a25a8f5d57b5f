package lookup

import (
	"context"

	"github.com/eth2030/kaddht/pkg/kbucket"
)

// Join bootstraps the local routing table from a set of known contacts,
// then runs a self-lookup to pull in the nodes actually closest to this
// node, and finally runs a refresh lookup for every non-empty bucket.
func (e *Engine) Join(ctx context.Context, bootstrap []kbucket.Contact) error {
	for _, c := range bootstrap {
		if c.NID == e.self {
			continue
		}
		if err := e.rt.Update(ctx, c); err != nil {
			e.log.Debug("join: bootstrap contact rejected", "peer", c.NID, "err", err)
		}
	}

	if _, err := e.FindNode(ctx, e.self); err != nil {
		return err
	}

	return e.refreshBuckets(ctx, e.rt.BucketsNeedingRefresh(0))
}
