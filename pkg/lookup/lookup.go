// Package lookup implements the iterative Kademlia node/value lookup: the
// α-parallel shortlist walk that both external API calls (find) and
// internal maintenance (join, replication, bucket refresh) are built on.
package lookup

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/kbucket"
	"github.com/eth2030/kaddht/pkg/log"
	"github.com/eth2030/kaddht/pkg/metrics"
)

// Caller issues the outbound RPCs a lookup needs. *rpc.Client satisfies
// this; tests substitute a fake.
type Caller interface {
	FindNode(ctx context.Context, to kbucket.Contact, target id.NID) ([]kbucket.Contact, error)
	FindValue(ctx context.Context, to kbucket.Contact, target id.NID) (data []byte, contacts []kbucket.Contact, err error)
	Store(ctx context.Context, to kbucket.Contact, key id.NID, data []byte, age time.Duration) (bool, error)
}

// RoutingTable is the subset of *kbucket.RoutingTable a lookup needs.
type RoutingTable interface {
	GetAlpha(target id.NID, alpha int) []kbucket.Contact
	Add(c kbucket.Contact) (bool, error)
	Update(ctx context.Context, c kbucket.Contact) error
	Drop(nid id.NID) bool
	BucketsNeedingRefresh(interval time.Duration) []int
	MarkRefreshed(idx int)
}

// Config configures an Engine. Zero values are replaced by applyDefaults.
type Config struct {
	// Alpha is the per-round concurrency fan-out. Defaults to 3.
	Alpha int
	// K is the shortlist/result size. Defaults to 20.
	K int
}

func (c *Config) applyDefaults() {
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.K <= 0 {
		c.K = 20
	}
}

// Engine runs iterative lookups for one local node.
type Engine struct {
	self   id.NID
	cfg    Config
	rt     RoutingTable
	caller Caller
	log    *log.Logger
}

// New builds a lookup Engine for the local node self.
func New(self id.NID, cfg Config, rt RoutingTable, caller Caller) *Engine {
	cfg.applyDefaults()
	return &Engine{self: self, cfg: cfg, rt: rt, caller: caller, log: log.Default().Module("lookup")}
}

// FindNode runs iterative_find_node: returns up to K contacts closest to
// target that the network actually confirmed as alive.
func (e *Engine) FindNode(ctx context.Context, target id.NID) ([]kbucket.Contact, error) {
	metrics.LookupsStarted.Inc()
	result, err := e.iterate(ctx, target, false)
	if err != nil {
		return nil, err
	}
	return result.closest, nil
}

// FindValue runs iterative_find_value: returns the stored value if any
// queried peer holds it, else the K closest contacts found (mirroring
// FindNode). On a successful find it issues a single compensating STORE to
// the closest responding peer that did not already hold the value, per the
// protocol's cache-toward-the-gap behavior.
func (e *Engine) FindValue(ctx context.Context, target id.NID) (data []byte, closest []kbucket.Contact, err error) {
	metrics.LookupsStarted.Inc()
	result, err := e.iterate(ctx, target, true)
	if err != nil {
		return nil, nil, err
	}
	if result.data == nil {
		return nil, result.closest, nil
	}
	if cacheTarget := closestWithoutValue(result.respondedWithoutValue); cacheTarget != nil {
		go e.compensatingStore(context.Background(), *cacheTarget, target, result.data)
	}
	return result.data, nil, nil
}

func (e *Engine) compensatingStore(ctx context.Context, to kbucket.Contact, key id.NID, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := e.caller.Store(ctx, to, key, data, 0); err != nil {
		e.log.Debug("compensating store failed", "peer", to.NID, "err", err)
	}
}

func closestWithoutValue(candidates []kbucket.Contact) *kbucket.Contact {
	if len(candidates) == 0 {
		return nil
	}
	return &candidates[0]
}

// closestOf returns up to k of contacts sorted by ascending distance to
// target, without mutating the input.
func closestOf(contacts []kbucket.Contact, target id.NID, k int) []kbucket.Contact {
	out := append([]kbucket.Contact(nil), contacts...)
	sort.Slice(out, func(i, j int) bool { return id.Less(target, out[i].NID, out[j].NID) })
	if k < len(out) {
		out = out[:k]
	}
	return out
}

type iterateResult struct {
	data                  []byte
	closest               []kbucket.Contact
	respondedWithoutValue []kbucket.Contact
}

// iterate is the shared shortlist walk behind FindNode and FindValue. It
// terminates when: (1) the value is found (wantValue only), (2) a round
// produces no contact closer than the best already known and the K closest
// candidates in the shortlist have all been queried, or (3) there are no
// unqueried candidates
// left in the shortlist. The shortlist itself only tracks candidates the
// network has *mentioned*, some of which may never be queried before
// termination; the result returned to the caller must instead be drawn
// from answered, the set of contacts that actually responded.
func (e *Engine) iterate(ctx context.Context, target id.NID, wantValue bool) (iterateResult, error) {
	sl := newShortlist(target, e.cfg.K)
	sl.addMany(e.rt.GetAlpha(target, e.cfg.Alpha))

	queried := make(map[id.NID]bool)
	var answered []kbucket.Contact

	for {
		round := sl.nextUnqueried(e.cfg.Alpha, queried)
		if len(round) == 0 {
			break
		}
		bestBefore, haveBest := sl.closest()

		type roundResult struct {
			from     kbucket.Contact
			data     []byte
			contacts []kbucket.Contact
			err      error
		}
		results := make([]roundResult, len(round))

		g, gctx := errgroup.WithContext(ctx)
		for i, c := range round {
			i, c := i, c
			queried[c.NID] = true
			g.Go(func() error {
				metrics.LookupRounds.Inc()
				if wantValue {
					data, contacts, err := e.caller.FindValue(gctx, c, target)
					results[i] = roundResult{from: c, data: data, contacts: contacts, err: err}
				} else {
					contacts, err := e.caller.FindNode(gctx, c, target)
					results[i] = roundResult{from: c, contacts: contacts, err: err}
				}
				return nil // a single dead peer never aborts the round
			})
		}
		_ = g.Wait()

		for _, r := range results {
			if r.err != nil {
				e.rt.Drop(r.from.NID)
				continue
			}
			if err := e.rt.Update(ctx, r.from); err != nil {
				e.log.Debug("routing table update failed", "peer", r.from.NID, "err", err)
			}
			if wantValue && r.data != nil {
				return iterateResult{data: r.data, respondedWithoutValue: closestOf(answered, target, len(answered))}, nil
			}
			answered = append(answered, r.from)
			for _, c := range r.contacts {
				if c.NID == e.self {
					continue
				}
				sl.add(c)
				if _, err := e.rt.Add(c); err != nil {
					e.log.Debug("routing table add failed", "peer", c.NID, "err", err)
				}
			}
		}

		best, ok := sl.closest()
		improved := !haveBest || (ok && id.Less(target, best.NID, bestBefore.NID))
		if !improved && sl.queriedCount(queried) >= e.cfg.K {
			break
		}
	}

	if len(answered) == 0 {
		metrics.LookupsExhausted.Inc()
	}
	return iterateResult{closest: closestOf(answered, target, e.cfg.K)}, nil
}
