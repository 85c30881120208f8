// Package blockstore implements spec.md §4.4: an in-memory block map with
// random 64-bit IDs, capacity accounting, and a reader/writer locking
// discipline that forbids partial reads.
//
// Grounded on original_source/memnode/src/blocks/mod.rs's
// InMemoryBlockManager, translated from a DashMap (lock-free sharded map)
// to a single sync.RWMutex-guarded map, matching spec.md §5's explicit
// "single map under a reader/writer discipline" instruction for the block
// store.
package blockstore

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/ssd-technologies/memcloud/internal/memerr"
)

// Store is a capacity-bounded map of block_id -> payload.
type Store struct {
	mu       sync.RWMutex
	blocks   map[uint64][]byte
	used     int64
	capacity int64
}

// New creates an empty Store with the given capacity in bytes.
func New(capacityBytes int64) *Store {
	return &Store{blocks: make(map[uint64][]byte), capacity: capacityBytes}
}

// Store allocates a fresh block_id, inserts data, and returns the id.
// Fails with CodeOutOfCapacity if used+len(data) would exceed capacity.
func (s *Store) Store(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.used+int64(len(data)) > s.capacity {
		return 0, memerr.New(memerr.CodeOutOfCapacity, "storing this block would exceed local capacity")
	}

	id, err := s.freshID()
	if err != nil {
		return 0, err
	}
	cp := append([]byte(nil), data...)
	s.blocks[id] = cp
	s.used += int64(len(cp))
	return id, nil
}

// StoreWithID inserts data under an explicit, caller-chosen id. Unlike
// Store it does not check whether id is already in use. Returns
// CodeOutOfCapacity on overflow.
func (s *Store) StoreWithID(id uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+int64(len(data)) > s.capacity {
		return memerr.New(memerr.CodeOutOfCapacity, "storing this block would exceed local capacity")
	}
	cp := append([]byte(nil), data...)
	s.blocks[id] = cp
	s.used += int64(len(cp))
	return nil
}

func (s *Store) freshID() (uint64, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, memerr.Wrap(memerr.CodeInternal, "generate block id", err)
		}
		id := binary.BigEndian.Uint64(buf[:])
		if id == 0 {
			continue
		}
		if _, exists := s.blocks[id]; !exists {
			return id, nil
		}
	}
	return 0, memerr.New(memerr.CodeInternal, "could not find a fresh block id after 64 attempts")
}

// Load returns a copy of the bytes stored under id, or CodeNotFound.
func (s *Store) Load(id uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[id]
	if !ok {
		return nil, memerr.New(memerr.CodeNotFound, "no such block")
	}
	return append([]byte(nil), data...), nil
}

// Free removes id. Idempotent: freeing an absent id succeeds.
func (s *Store) Free(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.blocks[id]; ok {
		s.used -= int64(len(data))
		delete(s.blocks, id)
	}
	return nil
}

// Stats returns the current block count and used-byte count.
func (s *Store) Stats() (blocks int, usedBytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks), s.used
}

// Capacity returns the store's configured capacity in bytes.
func (s *Store) Capacity() int64 {
	return s.capacity
}
