// Package kbucket implements the Kademlia routing table: 256 XOR-distance
// buckets, each an LRU-ordered list of up to k contacts with a
// ping-least-recently-seen eviction policy and a bounded replacement
// cache.
package kbucket

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/log"
	"github.com/eth2030/kaddht/pkg/metrics"
)

// B is the number of buckets, fixed by the width of a NID.
const B = id.Len * 8

// ErrSelfReference is returned when an operation is attempted with the
// local node's own NID as the subject contact.
var ErrSelfReference = errors.New("kbucket: self reference")

// Contact is a (nid, endpoint) pair. Two contacts are equal iff their NIDs
// are equal.
type Contact struct {
	NID      id.NID
	Endpoint string
}

// Pinger liveness-checks a contact. It is injected so that kbucket has no
// direct dependency on the RPC transport; the node wires its RPC client
// stub in as the Pinger when constructing a RoutingTable.
type Pinger interface {
	Ping(ctx context.Context, c Contact) bool
}

// Config configures a RoutingTable. Zero values are replaced by
// applyDefaults.
type Config struct {
	// K is the maximum number of entries per bucket. Defaults to 20.
	K int
	// MaxReplacements bounds the per-bucket replacement cache. Defaults to 10.
	MaxReplacements int
}

func (c *Config) applyDefaults() {
	if c.K <= 0 {
		c.K = 20
	}
	if c.MaxReplacements <= 0 {
		c.MaxReplacements = 10
	}
}

type bucket struct {
	mu           sync.RWMutex
	entries      []Contact // front = most recently seen
	replacements []Contact
}

// RoutingTable is a Kademlia k-bucket table for one local node.
type RoutingTable struct {
	self    id.NID
	cfg     Config
	pinger  Pinger
	log     *log.Logger
	buckets [B]*bucket
	refresh *refreshState
}

// New creates a RoutingTable for the local node self. pinger is used to
// liveness-check the least-recently-seen entry of a full bucket on Update;
// it may be nil, in which case a full bucket never evicts on Update (the
// new contact is simply queued as a replacement).
func New(self id.NID, cfg Config, pinger Pinger) *RoutingTable {
	cfg.applyDefaults()
	rt := &RoutingTable{
		self:    self,
		cfg:     cfg,
		pinger:  pinger,
		log:     log.Default().Module("kbucket"),
		refresh: &refreshState{},
	}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

func (rt *RoutingTable) bucketFor(nid id.NID) (*bucket, int) {
	d := id.Distance(rt.self, nid)
	return rt.buckets[d], d
}

// BucketOf returns the index of the bucket nid would occupy relative to
// the local node.
func (rt *RoutingTable) BucketOf(nid id.NID) (int, bool) {
	if nid == rt.self {
		return 0, false
	}
	return id.Distance(rt.self, nid), true
}

// Add inserts contact as a fresh, unconfirmed candidate: a no-op if it is
// already present, a front-of-bucket prepend if there is room, and
// otherwise a no-op that leaves the bucket untouched (reported via the
// inserted return value). Unlike Update, Add never pings or evicts; it is
// for recording candidates the node has not itself observed as alive.
func (rt *RoutingTable) Add(c Contact) (inserted bool, err error) {
	if c.NID == rt.self {
		return false, fmt.Errorf("%w: %x", ErrSelfReference, c.NID)
	}
	b, _ := rt.bucketFor(c.NID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if i := indexOf(b.entries, c.NID); i >= 0 {
		return true, nil
	}
	if len(b.entries) < rt.cfg.K {
		b.entries = append([]Contact{c}, b.entries...)
		metrics.Peers.Inc()
		return true, nil
	}
	return false, nil
}

// Update records that contact was just observed alive: a direct inbound
// RPC, or a successful outbound call. If the contact is already present it
// moves to the front. If the bucket has room it is prepended. If the
// bucket is full, the least-recently-seen entry is pinged (outside any
// lock): on a live response the new contact is discarded (but queued as a
// replacement) and the old entry moves to front; on failure the old entry
// is evicted and the new one takes the front slot.
func (rt *RoutingTable) Update(ctx context.Context, c Contact) error {
	if c.NID == rt.self {
		return fmt.Errorf("%w: %x", ErrSelfReference, c.NID)
	}
	b, _ := rt.bucketFor(c.NID)

	b.mu.Lock()
	if i := indexOf(b.entries, c.NID); i >= 0 {
		moveToFront(b.entries, i)
		b.entries[0].Endpoint = c.Endpoint
		b.mu.Unlock()
		return nil
	}
	if len(b.entries) < rt.cfg.K {
		b.entries = append([]Contact{c}, b.entries...)
		b.mu.Unlock()
		metrics.Peers.Inc()
		return nil
	}
	lru := b.entries[len(b.entries)-1]
	if rt.pinger == nil {
		rt.queueReplacementLocked(b, c)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Never hold a bucket lock across an RPC.
	alive := rt.pinger.Ping(ctx, lru)

	b.mu.Lock()
	defer b.mu.Unlock()

	// The bucket may have changed shape while we were pinging; re-locate
	// the lru entry rather than assume it is still at the tail.
	lruIdx := indexOf(b.entries, lru.NID)
	if lruIdx < 0 {
		// Someone else already evicted or moved it; retry as a plain
		// insert attempt now that the bucket state has changed.
		if i := indexOf(b.entries, c.NID); i >= 0 {
			moveToFront(b.entries, i)
			return nil
		}
		if len(b.entries) < rt.cfg.K {
			b.entries = append([]Contact{c}, b.entries...)
			metrics.Peers.Inc()
			return nil
		}
		rt.queueReplacementLocked(b, c)
		return nil
	}

	if alive {
		moveToFront(b.entries, lruIdx)
		rt.queueReplacementLocked(b, c)
		return nil
	}

	b.entries = append(b.entries[:lruIdx], b.entries[lruIdx+1:]...)
	b.entries = append([]Contact{c}, b.entries...)
	metrics.BucketEvictions.Inc()
	return nil
}

// queueReplacementLocked records c as a replacement candidate for b,
// evicting the oldest queued replacement if the cache is full. Caller must
// hold b.mu.
func (rt *RoutingTable) queueReplacementLocked(b *bucket, c Contact) {
	for i, r := range b.replacements {
		if r.NID == c.NID {
			b.replacements[i] = c
			return
		}
	}
	if len(b.replacements) >= rt.cfg.MaxReplacements {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, c)
}

// Drop removes a contact by NID, promoting a queued replacement into its
// place if one is available. Returns whether anything was removed.
func (rt *RoutingTable) Drop(nid id.NID) bool {
	b, _ := rt.bucketFor(nid)

	b.mu.Lock()
	defer b.mu.Unlock()

	if i := indexOf(b.entries, nid); i >= 0 {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		if len(b.replacements) > 0 {
			b.entries = append(b.entries, b.replacements[0])
			b.replacements = b.replacements[1:]
		} else {
			metrics.Peers.Dec()
		}
		return true
	}
	for i, r := range b.replacements {
		if r.NID == nid {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}
	return false
}

// FindNode returns up to k contacts closest to target by XOR distance,
// excluding sender, searching outward from the bucket at
// distance(self, target). Returned contacts never repeat a NID, but are
// not required to be sorted.
func (rt *RoutingTable) FindNode(sender, target id.NID) []Contact {
	return rt.findClosest(sender, target, rt.cfg.K)
}

// GetAlpha is like FindNode but capped at alpha candidates, used to seed
// iterative lookups. It never returns the local node.
func (rt *RoutingTable) GetAlpha(target id.NID, alpha int) []Contact {
	return rt.findClosest(id.Zero, target, alpha)
}

func (rt *RoutingTable) findClosest(exclude, target id.NID, n int) []Contact {
	start := id.Distance(rt.self, target)
	out := make([]Contact, 0, n)
	seen := make(map[id.NID]bool)

	collect := func(idx int) {
		if idx < 0 || idx >= B {
			return
		}
		b := rt.buckets[idx]
		b.mu.RLock()
		for _, c := range b.entries {
			if c.NID == exclude || seen[c.NID] {
				continue
			}
			seen[c.NID] = true
			out = append(out, c)
		}
		b.mu.RUnlock()
	}

	collect(start)
	for off := 1; len(out) < n && (start-off >= 0 || start+off < B); off++ {
		if len(out) >= n {
			break
		}
		collect(start + off)
		if len(out) >= n {
			break
		}
		collect(start - off)
	}

	sort.Slice(out, func(i, j int) bool {
		return id.Less(target, out[i].NID, out[j].NID)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Count returns the total number of contacts held across all buckets.
func (rt *RoutingTable) Count() int {
	total := 0
	for _, b := range rt.buckets {
		b.mu.RLock()
		total += len(b.entries)
		b.mu.RUnlock()
	}
	return total
}

// GetAll returns a snapshot of every contact in the table.
func (rt *RoutingTable) GetAll() []Contact {
	var all []Contact
	for _, b := range rt.buckets {
		b.mu.RLock()
		all = append(all, b.entries...)
		b.mu.RUnlock()
	}
	return all
}

// RandomIDForBucket returns a random NID that would land in bucket idx
// relative to the local node, for use as a bucket-refresh lookup target.
func RandomIDForBucket(self id.NID, idx int) (id.NID, error) {
	if idx < 0 || idx >= B {
		return id.NID{}, fmt.Errorf("kbucket: bucket index %d out of range", idx)
	}
	var randomTail [id.Len]byte
	if _, err := rand.Read(randomTail[:]); err != nil {
		return id.NID{}, fmt.Errorf("kbucket: random id: %w", err)
	}

	target := self
	byteIdx := idx / 8
	bitIdx := uint(7 - (idx % 8))

	// Flip the bit at position idx so the XOR distance is exactly idx.
	target[byteIdx] ^= 1 << bitIdx

	// Randomize every bit strictly below idx; leave the high bits matching
	// self so no bit above idx differs.
	mask := byte((1 << bitIdx) - 1)
	target[byteIdx] = (target[byteIdx] & ^mask) | (randomTail[byteIdx] & mask)
	for i := byteIdx + 1; i < id.Len; i++ {
		target[i] = randomTail[i]
	}
	return target, nil
}

func indexOf(entries []Contact, nid id.NID) int {
	for i, c := range entries {
		if c.NID == nid {
			return i
		}
	}
	return -1
}

// moveToFront rotates entries[i] to the head of the slice in place.
func moveToFront(entries []Contact, i int) {
	if i == 0 {
		return
	}
	c := entries[i]
	copy(entries[1:i+1], entries[0:i])
	entries[0] = c
}
