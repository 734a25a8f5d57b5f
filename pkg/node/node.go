// Package node wires the routing table, store, RPC endpoint, and lookup
// engine into one addressable DHT participant, and owns its background
// maintenance loops and lifecycle.
package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/kbucket"
	"github.com/eth2030/kaddht/pkg/log"
	"github.com/eth2030/kaddht/pkg/lookup"
	"github.com/eth2030/kaddht/pkg/rpc"
	"github.com/eth2030/kaddht/pkg/store"
)

// Config configures a Node. Zero-valued fields fall back to the protocol's
// defaults (see applyDefaults).
type Config struct {
	// NID is this node's identity. A random one is generated if zero.
	NID id.NID
	// ListenAddr is the address the RPC server binds, e.g. ":4000".
	ListenAddr string

	Bucket kbucket.Config
	Lookup lookup.Config
	Store  store.Config

	RefreshInterval   time.Duration // tRefresh
	ReplicateInterval time.Duration // tReplicate
	RepublishInterval time.Duration // tRepublish
}

func (c *Config) applyDefaults() error {
	if c.NID == (id.NID{}) {
		nid, err := id.Random()
		if err != nil {
			return fmt.Errorf("node: generate identity: %w", err)
		}
		c.NID = nid
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 3600 * time.Second
	}
	if c.ReplicateInterval <= 0 {
		c.ReplicateInterval = 3600 * time.Second
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = 86400 * time.Second
	}
	return nil
}

// Node is one running DHT participant.
type Node struct {
	cfg Config
	log *log.Logger

	store  *store.Store
	rt     *kbucket.RoutingTable
	client *rpc.Client
	server *rpc.Server
	lookup *lookup.Engine

	listener rpc.Listener

	ownedMu sync.Mutex
	owned   map[id.NID]bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// New constructs a Node and binds its RPC listener, but does not yet start
// serving or running background loops; call Start for that.
func New(cfg Config) (*Node, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	listener, err := rpc.Listen(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen: %w", err)
	}
	selfPort, err := portOf(listener.Addr().String())
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		log:      log.Default().Module("node").With("nid", id.ToHex(cfg.NID)),
		store:    store.New(cfg.Store),
		listener: listener,
		owned:    make(map[id.NID]bool),
		quit:     make(chan struct{}),
	}

	n.client = rpc.NewClient(cfg.NID, selfPort, rpc.TCPDialer{})
	n.rt = kbucket.New(cfg.NID, cfg.Bucket, n.client)
	n.lookup = lookup.New(cfg.NID, cfg.Lookup, n.rt, n.client)
	n.server = rpc.NewServer(cfg.NID, n.rt, n, listener)

	return n, nil
}

// Start launches the RPC accept loop and the background maintenance loops
// (bucket refresh, replication, republish).
func (n *Node) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(); err != nil {
			n.log.Error("rpc server stopped", "err", err)
		}
	}()

	n.runLoop(n.cfg.RefreshInterval, func(ctx context.Context) {
		if err := n.lookup.RefreshStaleBuckets(ctx, n.cfg.RefreshInterval); err != nil {
			n.log.Debug("bucket refresh failed", "err", err)
		}
	})
	n.runLoop(n.cfg.ReplicateInterval, func(ctx context.Context) {
		n.lookup.Replicate(ctx, n.store)
	})
	n.runLoop(n.cfg.RepublishInterval, n.republishOwned)
}

// runLoop fires fn every interval until the node is closed.
func (n *Node) runLoop(interval time.Duration, fn func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-n.quit:
				return
			case <-t.C:
				fn(context.Background())
			}
		}
	}()
}

// Close stops the RPC server and all background loops, waiting for them to
// finish.
func (n *Node) Close() error {
	close(n.quit)
	err := n.server.Close()
	n.store.Close()
	n.wg.Wait()
	return err
}

// Addr returns the address the RPC server is actually bound to, resolving
// any OS-chosen port from ":0".
func (n *Node) Addr() string { return n.listener.Addr().String() }

// NID returns this node's identity.
func (n *Node) NID() id.NID { return n.cfg.NID }

// AddPeer dials endpoint, learns its identity via PING, and records it in
// the routing table — the upward add_peer(endpoint) operation.
func (n *Node) AddPeer(ctx context.Context, endpoint string) error {
	nid, err := n.client.Identify(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("node: peer at %s did not respond: %w", endpoint, err)
	}
	return n.rt.Update(ctx, kbucket.Contact{NID: nid, Endpoint: endpoint})
}

// Join bootstraps this node's routing table against a set of known
// bootstrap endpoints.
func (n *Node) Join(ctx context.Context, bootstrapEndpoints []string) error {
	var contacts []kbucket.Contact
	for _, ep := range bootstrapEndpoints {
		nid, err := n.client.Identify(ctx, ep)
		if err != nil {
			n.log.Debug("join: bootstrap endpoint unreachable", "endpoint", ep, "err", err)
			continue
		}
		contacts = append(contacts, kbucket.Contact{NID: nid, Endpoint: ep})
	}
	if len(contacts) == 0 {
		return fmt.Errorf("node: no reachable bootstrap endpoints")
	}
	return n.lookup.Join(ctx, contacts)
}

// StoreBytes computes nid = hash(data) and stores it, both locally and at
// the K closest peers — the upward store(bytes) -> NID operation.
func (n *Node) StoreBytes(ctx context.Context, data []byte) (id.NID, error) {
	nid := id.Hash(data)
	if ok := n.store.StoreAt(nid, data, 0); !ok {
		return id.NID{}, fmt.Errorf("node: local store capacity exceeded")
	}
	n.ownedMu.Lock()
	n.owned[nid] = true
	n.ownedMu.Unlock()

	if _, err := n.lookup.IterativeStore(ctx, nid, data, 0); err != nil {
		return nid, fmt.Errorf("node: network store: %w", err)
	}
	return nid, nil
}

// Find retrieves the value stored under nid, checking the local store first
// and falling back to a network lookup. A network hit is cached locally so
// later local reads for the same key are served without network traffic.
func (n *Node) Find(ctx context.Context, nid id.NID) ([]byte, bool, error) {
	if data, _, ok := n.store.Retrieve(nid); ok {
		return data, true, nil
	}
	data, _, err := n.lookup.FindValue(ctx, nid)
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	n.store.StoreAt(nid, data, 0)
	return data, true, nil
}

// CountPeers returns the total number of contacts in the routing table.
func (n *Node) CountPeers() int { return n.rt.Count() }

func (n *Node) republishOwned(ctx context.Context) {
	n.ownedMu.Lock()
	keys := make([]id.NID, 0, len(n.owned))
	for k := range n.owned {
		keys = append(keys, k)
	}
	n.ownedMu.Unlock()

	for _, key := range keys {
		data, _, ok := n.store.Retrieve(key)
		if !ok {
			continue
		}
		// Reset our own TTL clock, then re-announce to the network: we
		// are the publisher of record for this key, so our local copy
		// must never be allowed to lapse between replication rounds.
		n.store.StoreAt(key, data, 0)
		if _, err := n.lookup.IterativeStore(ctx, key, data, 0); err != nil {
			n.log.Debug("republish failed", "key", key, "err", err)
		}
	}
}

func portOf(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("node: parse listen address %q: %w", addr, err)
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("node: parse listen port %q: %w", portStr, err)
	}
	return uint16(p), nil
}
