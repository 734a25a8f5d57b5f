package store

import (
	"time"

	"github.com/eth2030/kaddht/pkg/id"
)

// expiryItem is one entry in the expiry min-heap: a key and the instant at
// which it is due to expire.
type expiryItem struct {
	nid      id.NID
	expireAt time.Time
}

// expiryHeap is a container/heap.Interface ordering items by ascending
// expireAt, letting a single worker sleep until exactly the next deadline
// instead of polling every stored key.
type expiryHeap []*expiryItem

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool { return h[i].expireAt.Before(h[j].expireAt) }

func (h expiryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) {
	*h = append(*h, x.(*expiryItem))
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
