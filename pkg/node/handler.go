package node

import (
	"context"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/kbucket"
)

// The Node itself is the rpc.Handler: the server's reception pipeline has
// already done identity extraction and routing-table bookkeeping by the
// time these are called, so each is just the RPC's local effect.

// HandlePing answers a PING. There is nothing to do beyond the routing
// table update the server already performed.
func (n *Node) HandlePing(ctx context.Context, caller kbucket.Contact) {}

// HandleStore accepts a value into the local store, rejecting any request
// whose claimed key does not match hash(data): a store is always keyed by
// its content hash, never by whatever the caller asserts.
func (n *Node) HandleStore(ctx context.Context, caller kbucket.Contact, key id.NID, data []byte, age time.Duration) bool {
	if key != id.Hash(data) {
		return false
	}
	return n.store.StoreAt(key, data, age)
}

// HandleFindNode returns this node's own k closest known contacts to
// target, excluding the caller.
func (n *Node) HandleFindNode(ctx context.Context, caller kbucket.Contact, target id.NID) []kbucket.Contact {
	return n.rt.FindNode(caller.NID, target)
}

// HandleFindValue returns the locally-held value for target if present,
// else falls back to the same closest-contacts response as HandleFindNode.
func (n *Node) HandleFindValue(ctx context.Context, caller kbucket.Contact, target id.NID) ([]byte, []kbucket.Contact) {
	if data, _, ok := n.store.Retrieve(target); ok {
		return data, nil
	}
	return nil, n.rt.FindNode(caller.NID, target)
}
