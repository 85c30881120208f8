package keyindex

import (
	"bytes"
	"sync"
	"testing"

	"github.com/ssd-technologies/memcloud/internal/blockstore"
	"github.com/ssd-technologies/memcloud/internal/memerr"
)

func TestSetGetRoundTrip(t *testing.T) {
	idx := New(blockstore.New(1 << 20))
	if _, err := idx.Set("greeting", []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := idx.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Get = %q, want hello", got)
	}
}

func TestGetUnboundKeyFails(t *testing.T) {
	idx := New(blockstore.New(1 << 20))
	if _, err := idx.Get("nope"); !memerr.Is(err, memerr.CodeNotFound) {
		t.Fatalf("err = %v, want CodeNotFound", err)
	}
}

func TestRebindFreesOldBlock(t *testing.T) {
	store := blockstore.New(1 << 20)
	idx := New(store)
	id1, _ := idx.Set("k", []byte("v1"))
	idx.Set("k", []byte("v2"))

	if _, err := store.Load(id1); !memerr.Is(err, memerr.CodeNotFound) {
		t.Fatalf("old block should be freed after rebind, err = %v", err)
	}
	got, err := idx.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("Get = %q, want v2", got)
	}
}

func TestKeysGlob(t *testing.T) {
	idx := New(blockstore.New(1 << 20))
	idx.Set("users/alice", []byte("a"))
	idx.Set("users/bob", []byte("b"))
	idx.Set("config/main", []byte("c"))

	matches, err := idx.Keys("users/*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2: %v", len(matches), matches)
	}
}

func TestConcurrentSetNeverYieldsMixOrNotFound(t *testing.T) {
	idx := New(blockstore.New(1 << 20))
	idx.Set("key", []byte("initial"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		idx.Set("key", []byte("a"))
	}()
	go func() {
		defer wg.Done()
		idx.Set("key", []byte("b"))
	}()
	wg.Wait()

	got, err := idx.Get("key")
	if err != nil {
		t.Fatalf("Get after concurrent Set returned error: %v", err)
	}
	if !bytes.Equal(got, []byte("a")) && !bytes.Equal(got, []byte("b")) {
		t.Fatalf("Get = %q, want exactly %q or %q", got, "a", "b")
	}
}
