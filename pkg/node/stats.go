package node

import (
	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/store"
)

// Stats summarizes a node's current state for diagnostics and the CLI
// stats subcommand.
type Stats struct {
	NID       string
	Addr      string
	PeerCount int
	Store     store.Stats
}

// Stats returns a snapshot of this node's current state.
func (n *Node) Stats() Stats {
	return Stats{
		NID:       id.ToHex(n.cfg.NID),
		Addr:      n.Addr(),
		PeerCount: n.rt.Count(),
		Store:     n.store.Stats(),
	}
}
