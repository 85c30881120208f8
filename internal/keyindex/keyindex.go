// Package keyindex implements spec.md §4.5: a key -> block_id map layered
// over a blockstore.Store, with atomic Set (store new block, rebind,
// free the previous block) so a concurrent Get never observes NotFound
// for a continuously-bound key.
//
// Grounded on the same original_source/memnode/src/blocks/mod.rs manager
// that grounds internal/blockstore (it combines both concerns in the
// original); split here into its own package because spec.md treats the
// key index as a distinct leaf component (§2's component table gives it
// its own share of the implementation budget).
package keyindex

import (
	"path"
	"sync"

	"github.com/ssd-technologies/memcloud/internal/blockstore"
	"github.com/ssd-technologies/memcloud/internal/memerr"
)

// Index binds string keys to block IDs in an underlying blockstore.Store.
type Index struct {
	store *blockstore.Store

	mu       sync.Mutex
	bindings map[string]uint64
}

// New creates a key index backed by store.
func New(store *blockstore.Store) *Index {
	return &Index{store: store, bindings: make(map[string]uint64)}
}

// Set stores data as a new block and atomically rebinds key to it,
// freeing the previously bound block (if any). The rebind-then-free
// ordering (rather than free-then-rebind) is what guarantees a
// concurrent Get never observes NotFound for a continuously-bound key:
// the old block stays loadable until after the new binding is visible.
func (i *Index) Set(key string, data []byte) (uint64, error) {
	newID, err := i.store.Store(data)
	if err != nil {
		return 0, err
	}

	i.mu.Lock()
	oldID, hadOld := i.bindings[key]
	i.bindings[key] = newID
	i.mu.Unlock()

	if hadOld {
		// Best-effort: a failure to free the old block is not reported to
		// the caller, since the new binding already succeeded and is the
		// operation's externally observable contract.
		_ = i.store.Free(oldID)
	}
	return newID, nil
}

// Get resolves key to its bound block, then loads it. Fails
// CodeNotFound if the key is unbound.
func (i *Index) Get(key string) ([]byte, error) {
	i.mu.Lock()
	id, ok := i.bindings[key]
	i.mu.Unlock()
	if !ok {
		return nil, memerr.New(memerr.CodeNotFound, "no such key")
	}
	return i.store.Load(id)
}

// Keys returns every bound key matching the shell-style glob pattern
// (path.Match's `*`/`?` class, exactly spec.md §4.5's named glob class).
func (i *Index) Keys(pattern string) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []string
	for k := range i.bindings {
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, memerr.Wrap(memerr.CodeProtocolError, "invalid glob pattern", err)
		}
		if matched {
			out = append(out, k)
		}
	}
	return out, nil
}
