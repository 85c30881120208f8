package vmpaging

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memBacking is an in-memory stand-in for the peer-manager-backed remote
// page store, keyed by (regionID, pageIndex).
type memBacking struct {
	mu    sync.Mutex
	pages map[[2]uint64][]byte
}

func newMemBacking() *memBacking {
	return &memBacking{pages: make(map[[2]uint64][]byte)}
}

func (b *memBacking) FetchPage(ctx context.Context, regionID, pageIndex uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.pages[[2]uint64{regionID, pageIndex}]
	if !ok {
		return nil, nil // unpopulated page reads as zero, matching the C fallback
	}
	return append([]byte(nil), data...), nil
}

func (b *memBacking) StorePage(ctx context.Context, regionID, pageIndex uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[[2]uint64{regionID, pageIndex}] = append([]byte(nil), data...)
	return nil
}

func TestAllocWriteReadRoundTrip(t *testing.T) {
	backing := newMemBacking()
	m := New(backing, time.Hour)
	defer m.Close()

	r, err := m.Alloc(4096 * 3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer m.Free(context.Background(), r.ID())

	payload := []byte("hello vm paging")
	if err := r.WriteAt(context.Background(), 4096+10, payload); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got, err := r.ReadAt(context.Background(), 4096+10, int64(len(payload)))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}
}

func TestFreeWritesBackDirtyPages(t *testing.T) {
	backing := newMemBacking()
	m := New(backing, time.Hour)
	defer m.Close()

	r, err := m.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	id := r.ID()

	if err := r.WriteAt(context.Background(), 0, []byte("persisted")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := m.Free(context.Background(), id); err != nil {
		t.Fatalf("Free: %v", err)
	}

	page, err := backing.FetchPage(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if string(page[:len("persisted")]) != "persisted" {
		t.Fatalf("page = %q, want prefix persisted", page)
	}
}

func TestReadUnpopulatedRegionReadsZero(t *testing.T) {
	backing := newMemBacking()
	m := New(backing, time.Hour)
	defer m.Close()

	r, err := m.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer m.Free(context.Background(), r.ID())

	got, err := r.ReadAt(context.Background(), 0, 16)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected zeroed page, got %v", got)
		}
	}
}

func TestGetUnknownRegionFails(t *testing.T) {
	m := New(newMemBacking(), time.Hour)
	defer m.Close()
	if _, err := m.Get(9999); err == nil {
		t.Fatal("expected error for unknown region")
	}
}
