package blockstore

import (
	"bytes"
	"sync"
	"testing"

	"github.com/ssd-technologies/memcloud/internal/memerr"
)

func TestStoreLoadFreeRoundTrip(t *testing.T) {
	s := New(1 << 20)
	id, err := s.Store([]byte("hello"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	data, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("Load = %q, want hello", data)
	}
	if err := s.Free(id); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := s.Load(id); !memerr.Is(err, memerr.CodeNotFound) {
		t.Fatalf("Load after Free: err = %v, want CodeNotFound", err)
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	s := New(1 << 20)
	if err := s.Free(12345); err != nil {
		t.Fatalf("Free on absent id should succeed, got %v", err)
	}
}

func TestOutOfCapacity(t *testing.T) {
	s := New(4)
	if _, err := s.Store([]byte("too big")); !memerr.Is(err, memerr.CodeOutOfCapacity) {
		t.Fatalf("err = %v, want CodeOutOfCapacity", err)
	}
}

func TestConcurrentStoreIsRaceSafe(t *testing.T) {
	s := New(1 << 20)
	var wg sync.WaitGroup
	ids := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := s.Store([]byte{byte(n)})
			if err != nil {
				t.Errorf("Store: %v", err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate block id %d under concurrent Store", id)
		}
		seen[id] = true
	}
	if len(seen) != 100 {
		t.Fatalf("got %d unique ids, want 100", len(seen))
	}
}

func TestLoadReturnsCopyNotSharedSlice(t *testing.T) {
	s := New(1 << 20)
	id, _ := s.Store([]byte("abc"))
	data, _ := s.Load(id)
	data[0] = 'z'
	data2, _ := s.Load(id)
	if data2[0] != 'a' {
		t.Fatal("Load should not expose the internal slice for mutation")
	}
}
