// Package store implements the local value store: a TTL-expiring map from
// content-addressed NIDs to blobs, with byte and key capacity caps and
// scheduled (not polled) expiration.
package store

import (
	"container/heap"
	"sync"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/log"
	"github.com/eth2030/kaddht/pkg/metrics"
)

// Config configures a Store. Zero values are replaced by applyDefaults with
// the constants from the Kademlia literature.
type Config struct {
	// BytesMax caps the aggregate size of stored values. Defaults to 16 MiB.
	BytesMax int64
	// KeysMax caps the number of distinct stored keys. Defaults to 1024.
	KeysMax int64
	// TExpire is how long a freshly stored value lives before scheduled
	// expiration, measured from its birth instant. Defaults to 86410s.
	TExpire time.Duration
}

func (c *Config) applyDefaults() {
	if c.BytesMax <= 0 {
		c.BytesMax = 16 << 20
	}
	if c.KeysMax <= 0 {
		c.KeysMax = 1024
	}
	if c.TExpire <= 0 {
		c.TExpire = 86410 * time.Second
	}
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	BytesUsed int64
	BytesMax  int64
	KeysUsed  int64
	KeysMax   int64
}

type entry struct {
	data     []byte
	birth    time.Time
	expireAt time.Time
}

// Store is a mapping from NID to a TTL-expiring blob, safe for concurrent
// use by many readers and, at most, one writer at a time (store and
// expiration serialize against each other; retrieve, stats and
// get_all_keys take only a shared lock, so they run concurrently with one
// another and wait only while a store or expiration holds the lock).
type Store struct {
	cfg Config
	log *log.Logger

	mu        sync.RWMutex
	values    map[id.NID]*entry
	expiry    expiryHeap
	bytesUsed int64

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a Store and starts its background expiration worker. Call
// Close to stop the worker; it never touches the store on shutdown.
func New(cfg Config) *Store {
	cfg.applyDefaults()
	s := &Store{
		cfg:    cfg,
		log:    log.Default().Module("store"),
		values: make(map[id.NID]*entry),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.expireLoop()
	return s
}

// Close stops the background expiration worker without touching any stored
// value.
func (s *Store) Close() {
	close(s.quit)
	s.wg.Wait()
}

// Store computes nid = hash(data) and attempts to insert it with the given
// recorded age (how long the value has already existed elsewhere, used to
// preserve wall age across replication). Returns true if the key already
// existed (a no-op) or if capacity permitted a new insertion, false if the
// store is at capacity.
func (s *Store) Store(data []byte, age time.Duration) (id.NID, bool) {
	nid := id.Hash(data)
	return nid, s.storeAt(nid, data, age)
}

// StoreAt is like Store but takes the NID directly, for callers (such as
// the replicator) that already know it and want to avoid recomputing the
// hash of data they already have stored under that key.
func (s *Store) StoreAt(nid id.NID, data []byte, age time.Duration) bool {
	return s.storeAt(nid, data, age)
}

func (s *Store) storeAt(nid id.NID, data []byte, age time.Duration) bool {
	s.mu.Lock()

	if _, exists := s.values[nid]; exists {
		s.mu.Unlock()
		return true
	}

	if int64(len(s.values)) >= s.cfg.KeysMax || s.bytesUsed+int64(len(data)) > s.cfg.BytesMax {
		s.mu.Unlock()
		metrics.StoreRejections.Inc()
		return false
	}

	birth := time.Now().Add(-age)
	e := &entry{
		data:     append([]byte(nil), data...),
		birth:    birth,
		expireAt: birth.Add(s.cfg.TExpire),
	}
	s.values[nid] = e
	s.bytesUsed += int64(len(data))
	heap.Push(&s.expiry, &expiryItem{nid: nid, expireAt: e.expireAt})

	metrics.StoreBytesUsed.Set(s.bytesUsed)
	metrics.StoreKeysUsed.Set(int64(len(s.values)))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Retrieve returns the bytes stored under nid and their current age, or
// ok=false if no such key is present (including if it has expired).
func (s *Store) Retrieve(nid id.NID) (data []byte, age time.Duration, ok bool) {
	s.mu.RLock()
	e, exists := s.values[nid]
	s.mu.RUnlock()
	if !exists {
		return nil, 0, false
	}
	age = time.Since(e.birth)
	if age < 0 {
		age = 0
	}
	return append([]byte(nil), e.data...), age, true
}

// GetAllKeys returns a snapshot of every key currently held, in unspecified
// order.
func (s *Store) GetAllKeys() []id.NID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]id.NID, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns a point-in-time snapshot of occupancy. Callers must not
// assume consistency across fields beyond a monotonic drift of one
// operation.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		BytesUsed: s.bytesUsed,
		BytesMax:  s.cfg.BytesMax,
		KeysUsed:  int64(len(s.values)),
		KeysMax:   s.cfg.KeysMax,
	}
}

// expireLoop is the single worker that owns the expiry heap. It sleeps
// until the earliest scheduled expiration, wakes early whenever a new
// nearer deadline is pushed, and exits on Close without mutating the
// store.
func (s *Store) expireLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		hasNext := s.expiry.Len() > 0
		if hasNext {
			wait = time.Until(s.expiry[0].expireAt)
		}
		s.mu.Unlock()

		if hasNext {
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}

		select {
		case <-s.quit:
			return
		case <-s.wake:
			if hasNext && !timer.Stop() {
				<-timer.C
			}
			continue
		case <-timer.C:
			if !hasNext {
				continue
			}
			s.expireDue()
		}
	}
}

func (s *Store) expireDue() {
	now := time.Now()
	s.mu.Lock()
	var expired []id.NID
	for s.expiry.Len() > 0 && !s.expiry[0].expireAt.After(now) {
		item := heap.Pop(&s.expiry).(*expiryItem)
		if e, ok := s.values[item.nid]; ok && !e.expireAt.After(now) {
			s.bytesUsed -= int64(len(e.data))
			delete(s.values, item.nid)
			expired = append(expired, item.nid)
		}
	}
	metrics.StoreBytesUsed.Set(s.bytesUsed)
	metrics.StoreKeysUsed.Set(int64(len(s.values)))
	s.mu.Unlock()

	for range expired {
		metrics.StoreExpirations.Inc()
	}
	if len(expired) > 0 {
		s.log.Debug("expired keys", "count", len(expired))
	}
}
