package store

import (
	"testing"
	"time"

	"github.com/eth2030/kaddht/pkg/id"
)

func TestStoreAndRetrieve(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	nid, ok := s.Store([]byte("hello"), 0)
	if !ok {
		t.Fatal("store refused")
	}
	if want := id.Hash([]byte("hello")); nid != want {
		t.Fatalf("nid = %x, want %x", nid, want)
	}

	data, age, ok := s.Retrieve(nid)
	if !ok {
		t.Fatal("retrieve missing key")
	}
	if string(data) != "hello" {
		t.Fatalf("data = %q", data)
	}
	if age < 0 {
		t.Fatalf("negative age %v", age)
	}
}

func TestStoreExistingKeyIsNoop(t *testing.T) {
	s := New(Config{KeysMax: 1})
	defer s.Close()

	if _, ok := s.Store([]byte("a"), 0); !ok {
		t.Fatal("first store failed")
	}
	if _, ok := s.Store([]byte("a"), 0); !ok {
		t.Fatal("re-storing the same key should always succeed")
	}
}

func TestCapacityRefusal(t *testing.T) {
	s := New(Config{BytesMax: 10})
	defer s.Close()

	if _, ok := s.Store([]byte("abcdefghij"), 0); !ok {
		t.Fatal("expected store of exactly 10 bytes to succeed")
	}
	if _, ok := s.Store([]byte("k"), 0); ok {
		t.Fatal("expected store over byte cap to fail")
	}
	stats := s.Stats()
	if stats.BytesUsed != 10 {
		t.Fatalf("bytes_used = %d, want 10", stats.BytesUsed)
	}
}

func TestKeysMaxRefusal(t *testing.T) {
	s := New(Config{KeysMax: 1})
	defer s.Close()

	if _, ok := s.Store([]byte("a"), 0); !ok {
		t.Fatal("first store should succeed")
	}
	if _, ok := s.Store([]byte("b"), 0); ok {
		t.Fatal("second distinct key should be refused at keys_max=1")
	}
}

func TestExpiration(t *testing.T) {
	s := New(Config{TExpire: 50 * time.Millisecond})
	defer s.Close()

	nid, _ := s.Store([]byte("short-lived"), 0)
	if _, _, ok := s.Retrieve(nid); !ok {
		t.Fatal("value should be present immediately after store")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := s.Retrieve(nid); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, _, ok := s.Retrieve(nid); ok {
		t.Fatal("value should have expired")
	}
	if stats := s.Stats(); stats.KeysUsed != 0 {
		t.Fatalf("keys_used = %d, want 0 after expiry", stats.KeysUsed)
	}
}

func TestExpirationPreservesAge(t *testing.T) {
	s := New(Config{TExpire: 200 * time.Millisecond})
	defer s.Close()

	// A value reported with age = tExpire - 50ms should expire in ~50ms.
	nid, ok := s.Store([]byte("republished"), 150*time.Millisecond)
	if !ok {
		t.Fatal("store failed")
	}

	time.Sleep(250 * time.Millisecond)
	if _, _, ok := s.Retrieve(nid); ok {
		t.Fatal("value should have expired given its recorded age")
	}
}

func TestGetAllKeysSnapshot(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	n1, _ := s.Store([]byte("one"), 0)
	n2, _ := s.Store([]byte("two"), 0)

	keys := s.GetAllKeys()
	seen := map[id.NID]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen[n1] || !seen[n2] {
		t.Fatalf("get_all_keys missing entries: %v", keys)
	}
}

func TestStatsInvariant(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	total := 0
	for _, v := range []string{"a", "bb", "ccc"} {
		s.Store([]byte(v), 0)
		total += len(v)
	}
	stats := s.Stats()
	if int(stats.BytesUsed) != total {
		t.Fatalf("bytes_used = %d, want %d", stats.BytesUsed, total)
	}
	if stats.KeysUsed != 3 {
		t.Fatalf("keys_used = %d, want 3", stats.KeysUsed)
	}
}
