// Package stream implements spec.md §4.6: StreamStart/StreamChunk/
// StreamFinish, assembling sequenced chunks into a single block with
// strict ordering, bounded size, and an inactivity deadline.
//
// No single teacher or pack file implements chunked stream assembly, so
// this package's architecture is drawn from spec.md §4.6 directly; the
// "registry of live state guarded by a mutex, garbage-collected by a
// ticker goroutine" shape follows internal/ratelimit/ratelimit.go's small
// mutex-guarded-struct-with-time-based-expiry idiom, scaled from a single
// counter to a map of streams.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ssd-technologies/memcloud/internal/memerr"
)

// Config bounds a stream's lifetime and size, matching spec.md §4.6's
// recommended defaults.
type Config struct {
	MaxTotalSize       int64
	MaxChunkSize       int64
	InactivityDeadline time.Duration
}

// DefaultConfig returns spec.md §4.6's recommended defaults: 4 GiB max
// size, 4 MiB max chunk, 60s inactivity deadline.
func DefaultConfig() Config {
	return Config{
		MaxTotalSize:       4 << 30,
		MaxChunkSize:       4 << 20,
		InactivityDeadline: 60 * time.Second,
	}
}

type state int

const (
	stateOpen state = iota
	stateFinished
	stateAborted
)

type assembly struct {
	mu           sync.Mutex
	expectedSeq  uint64
	buf          []byte
	sizeHint     int64
	lastActivity time.Time
	state        state
}

// Assembler tracks in-flight streams.
type Assembler struct {
	cfg Config

	mu      sync.Mutex
	streams map[string]*assembly

	stopGC chan struct{}
}

// New creates an Assembler and starts its background deadline-sweeper.
func New(cfg Config) *Assembler {
	a := &Assembler{cfg: cfg, streams: make(map[string]*assembly), stopGC: make(chan struct{})}
	go a.gcLoop()
	return a
}

// Close stops the background sweeper.
func (a *Assembler) Close() {
	close(a.stopGC)
}

func (a *Assembler) gcLoop() {
	ticker := time.NewTicker(a.cfg.InactivityDeadline / 2)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopGC:
			return
		case <-ticker.C:
			a.sweepExpired()
		}
	}
}

func (a *Assembler) sweepExpired() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, st := range a.streams {
		st.mu.Lock()
		expired := st.state == stateOpen && now.Sub(st.lastActivity) > a.cfg.InactivityDeadline
		if expired {
			st.state = stateAborted
			st.buf = nil
		}
		st.mu.Unlock()
		if expired {
			delete(a.streams, id)
		}
	}
}

// Start allocates a new stream and returns its ID.
func (a *Assembler) Start(sizeHint int64) string {
	id := uuid.NewString()
	st := &assembly{lastActivity: time.Now(), sizeHint: sizeHint}
	a.mu.Lock()
	a.streams[id] = st
	a.mu.Unlock()
	return id
}

// Chunk appends a sequenced chunk. A chunk whose seq does not match the
// stream's expected next sequence aborts the stream and returns
// CodeOutOfOrder; any later call for the same stream returns
// CodeStreamAborted.
func (a *Assembler) Chunk(streamID string, seq uint64, data []byte) error {
	if int64(len(data)) > a.cfg.MaxChunkSize {
		return memerr.New(memerr.CodeProtocolError, "chunk exceeds max chunk size")
	}
	a.mu.Lock()
	st, ok := a.streams[streamID]
	a.mu.Unlock()
	if !ok {
		return memerr.New(memerr.CodeStreamAborted, "unknown or already-finished stream")
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state == stateAborted {
		return memerr.New(memerr.CodeStreamAborted, "stream was already aborted")
	}
	if st.state == stateFinished {
		return memerr.New(memerr.CodeStreamAborted, "stream was already finished")
	}
	if seq != st.expectedSeq {
		st.state = stateAborted
		st.buf = nil
		return memerr.New(memerr.CodeOutOfOrder, "chunk sequence out of order")
	}
	if int64(len(st.buf)+len(data)) > a.cfg.MaxTotalSize {
		st.state = stateAborted
		st.buf = nil
		return memerr.New(memerr.CodeProtocolError, "stream exceeds max total size")
	}

	st.buf = append(st.buf, data...)
	st.expectedSeq++
	st.lastActivity = time.Now()
	return nil
}

// Finish returns the assembled bytes and removes the stream from the
// registry. Fails CodeStreamAborted if the stream was aborted or already
// finished.
func (a *Assembler) Finish(streamID string) ([]byte, error) {
	a.mu.Lock()
	st, ok := a.streams[streamID]
	if ok {
		delete(a.streams, streamID)
	}
	a.mu.Unlock()
	if !ok {
		return nil, memerr.New(memerr.CodeStreamAborted, "unknown or already-finished stream")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != stateOpen {
		return nil, memerr.New(memerr.CodeStreamAborted, "stream is not open")
	}
	st.state = stateFinished
	return st.buf, nil
}

// Abort explicitly aborts a stream (e.g. on client disconnect).
func (a *Assembler) Abort(streamID string) {
	a.mu.Lock()
	st, ok := a.streams[streamID]
	if ok {
		delete(a.streams, streamID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.state = stateAborted
	st.buf = nil
	st.mu.Unlock()
}
