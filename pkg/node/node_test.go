package node

import (
	"context"
	"testing"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	n.Start()
	t.Cleanup(func() { n.Close() })
	return n
}

func TestTwoNodeFederation(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.AddPeer(ctx, a.Addr()); err != nil {
		t.Fatalf("b.AddPeer(a): %v", err)
	}
	if err := a.AddPeer(ctx, b.Addr()); err != nil {
		t.Fatalf("a.AddPeer(b): %v", err)
	}

	if n := a.CountPeers(); n != 1 {
		t.Fatalf("a.CountPeers() = %d, want 1", n)
	}
	if n := b.CountPeers(); n != 1 {
		t.Fatalf("b.CountPeers() = %d, want 1", n)
	}

	wantDist := id.Distance(a.NID(), b.NID())
	all := a.rt.GetAll()
	if len(all) != 1 || all[0].NID != b.NID() {
		t.Fatalf("a's routing table does not hold b: %v", all)
	}
	gotBucket, _ := a.rt.BucketOf(b.NID())
	if gotBucket != wantDist {
		t.Fatalf("b stored under bucket %d, want %d", gotBucket, wantDist)
	}
}

func TestStoreAndFindAcrossNodes(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.AddPeer(ctx, b.Addr()); err != nil {
		t.Fatalf("a.AddPeer(b): %v", err)
	}
	if err := b.AddPeer(ctx, a.Addr()); err != nil {
		t.Fatalf("b.AddPeer(a): %v", err)
	}

	payload := []byte("hello kademlia")
	nid, err := a.StoreBytes(ctx, payload)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	data, ok, err := b.Find(ctx, nid)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !ok || string(data) != string(payload) {
		t.Fatalf("find returned (%q, %v), want (%q, true)", data, ok, payload)
	}
}

func TestFindMissingReturnsNotFound(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.AddPeer(ctx, b.Addr()); err != nil {
		t.Fatalf("a.AddPeer(b): %v", err)
	}

	_, ok, err := a.Find(ctx, id.MustRandom())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ok {
		t.Fatal("expected not-found for a key nobody stored")
	}
}
