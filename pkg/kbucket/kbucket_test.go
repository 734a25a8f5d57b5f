package kbucket

import (
	"context"
	"testing"

	"github.com/eth2030/kaddht/pkg/id"
)

type fakePinger struct{ alive bool }

func (f fakePinger) Ping(context.Context, Contact) bool { return f.alive }

func newSelf(t *testing.T) id.NID {
	t.Helper()
	return id.MustRandom()
}

func TestAddRejectsSelf(t *testing.T) {
	self := newSelf(t)
	rt := New(self, Config{}, nil)
	_, err := rt.Add(Contact{NID: self})
	if err == nil {
		t.Fatal("expected SelfReference error")
	}
}

func TestAddAndFindNode(t *testing.T) {
	self := newSelf(t)
	rt := New(self, Config{K: 20}, nil)

	target := id.MustRandom()
	for i := 0; i < 5; i++ {
		c := Contact{NID: id.MustRandom(), Endpoint: "peer"}
		if _, err := rt.Add(c); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	found := rt.FindNode(id.Zero, target)
	if len(found) == 0 {
		t.Fatal("expected some contacts")
	}
	seen := map[id.NID]bool{}
	for _, c := range found {
		if seen[c.NID] {
			t.Fatalf("duplicate NID in find_node result")
		}
		seen[c.NID] = true
		if c.NID == self {
			t.Fatal("self must never appear in find_node results")
		}
	}
}

func TestBucketCapacityAndEviction(t *testing.T) {
	self := id.NID{}
	rt := New(self, Config{K: 2}, fakePinger{alive: false})

	// Construct three contacts that land in the same bucket: each sets
	// the top bit of the last byte (so the highest differing bit from
	// self, all-zero, is always bit 0 of that byte) and varies only bits
	// below it, which does not change the bucket index.
	a := id.NID{}
	a[id.Len-1] = 0x80
	b := id.NID{}
	b[id.Len-1] = 0x81
	c := id.NID{}
	c[id.Len-1] = 0x82

	ctx := context.Background()
	must(t, rt.Update(ctx, Contact{NID: a, Endpoint: "a"}))
	must(t, rt.Update(ctx, Contact{NID: b, Endpoint: "b"}))
	if n := rt.Count(); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	// Bucket is full; pinger reports the LRU entry (a) dead, so c should
	// evict it.
	must(t, rt.Update(ctx, Contact{NID: c, Endpoint: "c"}))
	if n := rt.Count(); n != 2 {
		t.Fatalf("count after eviction = %d, want 2", n)
	}
	all := rt.GetAll()
	for _, contact := range all {
		if contact.NID == a {
			t.Fatal("stale entry a should have been evicted")
		}
	}
}

func TestBucketFullLivePingKeepsOld(t *testing.T) {
	self := id.NID{}
	rt := New(self, Config{K: 1}, fakePinger{alive: true})

	a := id.NID{}
	a[id.Len-1] = 0x80
	b := id.NID{}
	b[id.Len-1] = 0x81

	ctx := context.Background()
	must(t, rt.Update(ctx, Contact{NID: a}))
	must(t, rt.Update(ctx, Contact{NID: b}))

	all := rt.GetAll()
	if len(all) != 1 || all[0].NID != a {
		t.Fatalf("expected old contact a to survive a live ping, got %v", all)
	}
}

func TestDropPromotesReplacement(t *testing.T) {
	self := id.NID{}
	rt := New(self, Config{K: 1}, fakePinger{alive: true})

	a := id.NID{}
	a[id.Len-1] = 0x80
	b := id.NID{}
	b[id.Len-1] = 0x81

	ctx := context.Background()
	must(t, rt.Update(ctx, Contact{NID: a}))
	must(t, rt.Update(ctx, Contact{NID: b})) // queued as replacement (ping succeeds)

	if !rt.Drop(a) {
		t.Fatal("drop should report removal")
	}
	all := rt.GetAll()
	if len(all) != 1 || all[0].NID != b {
		t.Fatalf("expected replacement b to be promoted, got %v", all)
	}
}

func TestRandomIDForBucketLandsInBucket(t *testing.T) {
	self := id.MustRandom()
	for _, idx := range []int{0, 1, 127, 254, 255} {
		target, err := RandomIDForBucket(self, idx)
		if err != nil {
			t.Fatalf("bucket %d: %v", idx, err)
		}
		if d := id.Distance(self, target); d != idx {
			t.Fatalf("bucket %d: distance(self, target) = %d", idx, d)
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
