// Package vmpaging implements spec.md §4.9: large allocations backed by
// remote RAM, faulted in page by page and written back on a background
// schedule.
//
// Grounded on original_source/interceptor/memcloud_vm.c's VmRegion table
// (pre-reserved region slots, per-page dirty bits, a mutex guarding only
// metadata lookups) and its page_fault_handler's fetch-into-scratch,
// remap-to-RW, copy-in, clear-dirty-bit ordering. Go has no user-level
// malloc/free interposition and no safe way to resume execution from an
// arbitrary faulting PC the way the C SIGSEGV handler does, so this
// package is the one part of the tree not modeled on an observed Go
// idiom in the example pack (no example repo performs raw mmap/fault
// handling) — the translation technique below is researched rather than
// copied, while the region/dirty-bit/writeback state machine it
// implements is still fully grounded in the C interceptor.
//
// Instead of hooking every malloc process-wide, the paging core is
// exposed as an explicit Region type. A Region starts life as a
// PROT_NONE anonymous mapping (golang.org/x/sys/unix.Mmap), matching
// step 1 of the C allocator exactly. Touching it — Region.ReadAt/WriteAt —
// raises a real SIGSEGV on the faulting goroutine; runtime/debug's
// SetPanicOnFault converts that into a recoverable runtime.Error panic,
// which every access path recovers from, faults in the covering page
// range (unix.Mprotect to PROT_READ|PROT_WRITE after fetching the page's
// bytes into a scratch buffer, never exposing a writable-but-stale
// window), and retries the access exactly once. A second failure is a
// genuine invariant violation and is never recovered, matching spec.md
// §7's "abort the process on invariant violation" rule — distinguished
// from the expected fault-on-access panic by the unexported
// invariantFault sentinel type so the two are never confused by a stray
// recover() above the paging core.
package vmpaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ssd-technologies/memcloud/internal/memerr"
)

const defaultPageSize = 4096

// PageBacking is the remote page store a Manager drives on fault and on
// writeback. Grounded on original_source's memcloud_vm_fetch/
// memcloud_vm_store pair, which in the C interceptor round-trip to the
// peer manager's remote block RPCs.
type PageBacking interface {
	FetchPage(ctx context.Context, regionID uint64, pageIndex uint64) ([]byte, error)
	StorePage(ctx context.Context, regionID uint64, pageIndex uint64, data []byte) error
}

// invariantFault marks a panic that must never be recovered by the
// fault-retry path: a corrupted page table, a double free, or a second
// consecutive failure to fault in a page.
type invariantFault struct{ msg string }

func (f invariantFault) Error() string { return f.msg }

// Region is one remote-backed allocation: a PROT_NONE mapping promoted
// page by page on first touch.
type Region struct {
	id       uint64
	size     int64
	pageSize int64
	mem      []byte

	mu      sync.Mutex
	faulted []bool
	dirty   []bool
	freed   bool

	backing PageBacking
}

// ID returns the region's identifier, as known to the remote backing.
func (r *Region) ID() uint64 { return r.id }

// Size returns the region's size in bytes.
func (r *Region) Size() int64 { return r.size }

func (r *Region) pageCount() int64 {
	return (r.size + r.pageSize - 1) / r.pageSize
}

// ReadAt copies length bytes starting at offset into a fresh slice,
// faulting in any pages not yet present.
func (r *Region) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := r.checkBounds(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	err := r.access(ctx, offset, length, false, func(buf []byte) {
		copy(out, buf)
	})
	return out, err
}

// WriteAt copies data into the region at offset, faulting in any pages
// not yet present and marking every touched page dirty.
func (r *Region) WriteAt(ctx context.Context, offset int64, data []byte) error {
	if err := r.checkBounds(offset, int64(len(data))); err != nil {
		return err
	}
	return r.access(ctx, offset, int64(len(data)), true, func(buf []byte) {
		copy(buf, data)
	})
}

func (r *Region) checkBounds(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > r.size {
		return memerr.New(memerr.CodeProtocolError, "vmpaging access out of region bounds")
	}
	return nil
}

// access runs fn against the live mapping at mem[offset:offset+length],
// recovering from the first page-fault panic by faulting in the covering
// pages and retrying exactly once. write marks the touched pages dirty
// once the access has completed.
func (r *Region) access(ctx context.Context, offset, length int64, write bool, fn func(buf []byte)) error {
	r.mu.Lock()
	if r.freed {
		r.mu.Unlock()
		panic(invariantFault{"access to freed vmpaging region"})
	}
	r.mu.Unlock()

	debug.SetPanicOnFault(true)

	if r.attempt(offset, length, fn) {
		if err := r.faultInRange(ctx, offset, length); err != nil {
			return err
		}
		if r.attempt(offset, length, fn) {
			panic(invariantFault{"page still inaccessible after fault-in"})
		}
	}

	if write {
		r.markDirty(offset, length)
	}
	return nil
}

// attempt runs fn once, converting a recovered fault panic into a true
// return. Any invariantFault is re-raised rather than absorbed.
func (r *Region) attempt(offset, length int64, fn func(buf []byte)) (faulted bool) {
	defer func() {
		if rec := recover(); rec != nil {
			if inv, ok := rec.(invariantFault); ok {
				panic(inv)
			}
			faulted = true
		}
	}()
	fn(r.mem[offset : offset+length])
	return false
}

func (r *Region) pageRange(offset, length int64) (first, last int64) {
	first = offset / r.pageSize
	last = (offset + length - 1) / r.pageSize
	return
}

// faultInRange fetches and maps every page covering [offset, offset+length)
// that is not already present, mirroring memcloud_vm.c's
// page_fault_handler: fetch into a scratch buffer first, then Mprotect
// the page RW, then copy in, so the page is never writable-but-stale.
func (r *Region) faultInRange(ctx context.Context, offset, length int64) error {
	first, last := r.pageRange(offset, length)
	for page := first; page <= last; page++ {
		if err := r.faultInPage(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

func (r *Region) faultInPage(ctx context.Context, page int64) error {
	r.mu.Lock()
	already := r.faulted[page]
	r.mu.Unlock()
	if already {
		return nil
	}

	scratch, err := r.backing.FetchPage(ctx, r.id, uint64(page))
	if err != nil {
		return memerr.Wrap(memerr.CodeInternal, "fetch remote page", err)
	}
	if int64(len(scratch)) > r.pageSize {
		return memerr.New(memerr.CodeInternal, "fetched page exceeds page size")
	}

	pageStart := page * r.pageSize
	pageEnd := pageStart + r.pageSize
	if pageEnd > int64(len(r.mem)) {
		pageEnd = int64(len(r.mem))
	}

	if err := unix.Mprotect(r.mem[pageStart:pageEnd], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		panic(invariantFault{fmt.Sprintf("mprotect page %d rw: %v", page, err)})
	}

	dst := r.mem[pageStart:pageEnd]
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, scratch)

	r.mu.Lock()
	r.faulted[page] = true
	r.mu.Unlock()
	return nil
}

func (r *Region) markDirty(offset, length int64) {
	first, last := r.pageRange(offset, length)
	r.mu.Lock()
	for page := first; page <= last; page++ {
		r.dirty[page] = true
	}
	r.mu.Unlock()
}

// writebackDirty stores every dirty, faulted-in page and clears its
// dirty bit, matching memcloud_vm.c's sync-path semantics.
func (r *Region) writebackDirty(ctx context.Context) error {
	r.mu.Lock()
	if r.freed {
		r.mu.Unlock()
		return nil
	}
	var toFlush []int64
	for page, dirty := range r.dirty {
		if dirty {
			toFlush = append(toFlush, int64(page))
		}
	}
	r.mu.Unlock()

	for _, page := range toFlush {
		pageStart := page * r.pageSize
		pageEnd := pageStart + r.pageSize
		if pageEnd > int64(len(r.mem)) {
			pageEnd = int64(len(r.mem))
		}
		data := append([]byte(nil), r.mem[pageStart:pageEnd]...)
		if err := r.backing.StorePage(ctx, r.id, uint64(page), data); err != nil {
			return memerr.Wrap(memerr.CodeInternal, "writeback remote page", err)
		}
		r.mu.Lock()
		r.dirty[page] = false
		r.mu.Unlock()
	}
	return nil
}

// Manager tracks every live Region and drives background writeback.
type Manager struct {
	backing      PageBacking
	pageSize     int64
	nextID       uint64
	writebackTTL time.Duration

	mu      sync.Mutex
	regions map[uint64]*Region

	stop chan struct{}
	done chan struct{}
}

// New creates a Manager and starts its background writeback goroutine,
// replacing memcloud_vm.c's sync_thread (an unconditional 100ms sleep
// loop with no body) with an actual periodic dirty-page flush.
func New(backing PageBacking, writebackInterval time.Duration) *Manager {
	if writebackInterval <= 0 {
		writebackInterval = 500 * time.Millisecond
	}
	m := &Manager{
		backing:      backing,
		pageSize:     defaultPageSize,
		writebackTTL: writebackInterval,
		regions:      make(map[uint64]*Region),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go m.writebackLoop()
	return m
}

// Close stops the background writeback loop.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
}

func (m *Manager) writebackLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.writebackTTL)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.flushAll()
		}
	}
}

func (m *Manager) flushAll() {
	m.mu.Lock()
	regions := make([]*Region, 0, len(m.regions))
	for _, r := range m.regions {
		regions = append(regions, r)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.writebackTTL)
	defer cancel()
	for _, r := range regions {
		_ = r.writebackDirty(ctx)
	}
}

// Alloc reserves a remote-backed region of size bytes, matching
// allocate_remote_region: a PROT_NONE anonymous mapping plus a
// zero-initialized region entry.
func (m *Manager) Alloc(size int64) (*Region, error) {
	if size <= 0 {
		return nil, memerr.New(memerr.CodeProtocolError, "region size must be positive")
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeInternal, "mmap vmpaging region", err)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	pages := (size + defaultPageSize - 1) / defaultPageSize
	r := &Region{
		id:       id,
		size:     size,
		pageSize: defaultPageSize,
		mem:      mem,
		faulted:  make([]bool, pages),
		dirty:    make([]bool, pages),
		backing:  m.backing,
	}

	m.mu.Lock()
	m.regions[id] = r
	m.mu.Unlock()
	return r, nil
}

// Free drops the region from the registry, flushes any remaining dirty
// pages and unmaps it. The PageBacking is not told about the free: pages
// already written back stay in the backing.
func (m *Manager) Free(ctx context.Context, regionID uint64) error {
	m.mu.Lock()
	r, ok := m.regions[regionID]
	if ok {
		delete(m.regions, regionID)
	}
	m.mu.Unlock()
	if !ok {
		return memerr.New(memerr.CodeNotFound, "no such vmpaging region")
	}

	if err := r.writebackDirty(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.freed {
		r.mu.Unlock()
		panic(invariantFault{"double free of vmpaging region"})
	}
	r.freed = true
	mem := r.mem
	r.mu.Unlock()

	if err := unix.Munmap(mem); err != nil {
		return memerr.Wrap(memerr.CodeInternal, "munmap vmpaging region", err)
	}
	return nil
}

// Get returns the live Region for regionID, or CodeNotFound.
func (m *Manager) Get(regionID uint64) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[regionID]
	if !ok {
		return nil, memerr.New(memerr.CodeNotFound, "no such vmpaging region")
	}
	return r, nil
}
