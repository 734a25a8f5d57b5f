package lookup

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/kbucket"
)

// fakeRoutingTable is a minimal in-memory RoutingTable for tests: no
// bucketing, no eviction policy, just a flat contact set.
type fakeRoutingTable struct {
	self     id.NID
	contacts map[id.NID]kbucket.Contact
}

func newFakeRoutingTable(self id.NID) *fakeRoutingTable {
	return &fakeRoutingTable{self: self, contacts: map[id.NID]kbucket.Contact{}}
}

func (rt *fakeRoutingTable) GetAlpha(target id.NID, alpha int) []kbucket.Contact {
	return rt.closest(target, alpha)
}
func (rt *fakeRoutingTable) Add(c kbucket.Contact) (bool, error) {
	if c.NID == rt.self {
		return false, kbucket.ErrSelfReference
	}
	rt.contacts[c.NID] = c
	return true, nil
}
func (rt *fakeRoutingTable) Update(_ context.Context, c kbucket.Contact) error {
	if c.NID == rt.self {
		return kbucket.ErrSelfReference
	}
	rt.contacts[c.NID] = c
	return nil
}
func (rt *fakeRoutingTable) Drop(nid id.NID) bool {
	if _, ok := rt.contacts[nid]; !ok {
		return false
	}
	delete(rt.contacts, nid)
	return true
}
func (rt *fakeRoutingTable) FindNode(sender, target id.NID) []kbucket.Contact {
	return rt.closest(target, 20)
}
func (rt *fakeRoutingTable) GetAll() []kbucket.Contact {
	var out []kbucket.Contact
	for _, c := range rt.contacts {
		out = append(out, c)
	}
	return out
}
func (rt *fakeRoutingTable) Count() int                                       { return len(rt.contacts) }
func (rt *fakeRoutingTable) BucketsNeedingRefresh(time.Duration) []int        { return nil }
func (rt *fakeRoutingTable) MarkRefreshed(int)                                {}
func (rt *fakeRoutingTable) closest(target id.NID, n int) []kbucket.Contact {
	var out []kbucket.Contact
	for _, c := range rt.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return id.Less(target, out[i].NID, out[j].NID) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// fakeNetwork simulates a fully-connected swarm: every node's FindNode
// response is computed from the global node set, so a lookup against it
// should converge on the true globally-closest nodes.
type fakeNetwork struct {
	nodes      map[id.NID]kbucket.Contact
	holder     id.NID
	holderData []byte
}

func (n *fakeNetwork) FindNode(_ context.Context, to kbucket.Contact, target id.NID) ([]kbucket.Contact, error) {
	var out []kbucket.Contact
	for nid, c := range n.nodes {
		if nid == to.NID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return id.Less(target, out[i].NID, out[j].NID) })
	if len(out) > 20 {
		out = out[:20]
	}
	return out, nil
}

func (n *fakeNetwork) FindValue(ctx context.Context, to kbucket.Contact, target id.NID) ([]byte, []kbucket.Contact, error) {
	if to.NID == n.holder && target == n.holder {
		return n.holderData, nil, nil
	}
	contacts, err := n.FindNode(ctx, to, target)
	return nil, contacts, err
}

func (n *fakeNetwork) Store(context.Context, kbucket.Contact, id.NID, []byte, time.Duration) (bool, error) {
	return true, nil
}

func buildNetwork(t *testing.T, size int) (*fakeNetwork, []id.NID) {
	t.Helper()
	net := &fakeNetwork{nodes: map[id.NID]kbucket.Contact{}}
	nids := make([]id.NID, size)
	for i := 0; i < size; i++ {
		n := id.MustRandom()
		nids[i] = n
		net.nodes[n] = kbucket.Contact{NID: n, Endpoint: "fake"}
	}
	return net, nids
}

func TestFindNodeConvergesOnGlobalClosest(t *testing.T) {
	net, nids := buildNetwork(t, 30)
	self := id.MustRandom()
	target := id.MustRandom()

	rt := newFakeRoutingTable(self)
	// Seed the engine with a handful of random contacts, not the true
	// closest ones, so the lookup has to discover them.
	for i := 0; i < 3; i++ {
		rt.Add(net.nodes[nids[i]])
	}

	e := New(self, Config{Alpha: 3, K: 5}, rt, net)
	got, err := e.FindNode(context.Background(), target)
	if err != nil {
		t.Fatalf("find_node: %v", err)
	}

	all := make([]kbucket.Contact, 0, len(nids))
	for _, n := range nids {
		all = append(all, net.nodes[n])
	}
	sort.Slice(all, func(i, j int) bool { return id.Less(target, all[i].NID, all[j].NID) })
	want := all[:5]

	if len(got) != len(want) {
		t.Fatalf("got %d contacts, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].NID != want[i].NID {
			t.Fatalf("result[%d] = %x, want %x (global closest mismatch)", i, got[i].NID, want[i].NID)
		}
	}
}

func TestFindNodeResultHasNoDuplicates(t *testing.T) {
	net, nids := buildNetwork(t, 25)
	self := id.MustRandom()
	target := id.MustRandom()

	rt := newFakeRoutingTable(self)
	for i := 0; i < 5; i++ {
		rt.Add(net.nodes[nids[i]])
	}

	e := New(self, Config{Alpha: 3, K: 10}, rt, net)
	got, err := e.FindNode(context.Background(), target)
	if err != nil {
		t.Fatalf("find_node: %v", err)
	}
	seen := map[id.NID]bool{}
	for _, c := range got {
		if seen[c.NID] {
			t.Fatalf("duplicate NID %x in find_node result", c.NID)
		}
		seen[c.NID] = true
		if c.NID == self {
			t.Fatal("self must never appear in a lookup result")
		}
	}
}

func TestFindValueShortCircuitsOnHit(t *testing.T) {
	net, nids := buildNetwork(t, 20)
	self := id.MustRandom()
	net.holder = nids[10]
	net.holderData = []byte("payload")

	rt := newFakeRoutingTable(self)
	for i := 0; i < 3; i++ {
		rt.Add(net.nodes[nids[i]])
	}

	e := New(self, Config{Alpha: 3, K: 5}, rt, net)
	data, closest, err := e.FindValue(context.Background(), net.holder)
	if err != nil {
		t.Fatalf("find_value: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("data = %q, want %q", data, "payload")
	}
	if closest != nil {
		t.Fatalf("expected no contact list alongside a found value, got %v", closest)
	}
}

func TestFindValueFallsBackToClosestOnMiss(t *testing.T) {
	net, nids := buildNetwork(t, 20)
	self := id.MustRandom()
	target := id.MustRandom() // nobody holds this key
	net.holder = nids[0]
	net.holderData = []byte("unrelated")

	rt := newFakeRoutingTable(self)
	for i := 0; i < 3; i++ {
		rt.Add(net.nodes[nids[i]])
	}

	e := New(self, Config{Alpha: 3, K: 5}, rt, net)
	data, closest, err := e.FindValue(context.Background(), target)
	if err != nil {
		t.Fatalf("find_value: %v", err)
	}
	if data != nil {
		t.Fatalf("expected a miss, got data %q", data)
	}
	if len(closest) == 0 {
		t.Fatal("expected a fallback contact list on a miss")
	}
}
