// Package trust implements spec.md §4.3: a persisted TOFU trust store
// plus the Pending-consent gate for identities not yet trusted.
//
// Grounded on original_source/memnode/src/peers/consent.rs's
// ConsentManager/PendingConsent/ConsentDecision shape (a map of pending
// sessions awaiting an operator decision, broadcast to any waiter once
// resolved). Rust's broadcast::Sender is translated into a per-session Go
// channel, the idiomatic one-waiter-per-channel pattern, rather than a
// shared broadcast channel every waiter filters by session ID.
//
// Deliberately NOT grounded on internal/agent/trust.go, which implements
// an unrelated endorsement/web-of-trust scheme with no TOFU or consent
// concept.
package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssd-technologies/memcloud/internal/audit"
	"github.com/ssd-technologies/memcloud/internal/memerr"
)

// Decision is an operator's resolution of a Pending session.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionAllowOnce
	DecisionTrustAlways
)

// Entry is a persisted TrustEntry: spec.md §3's
// identity → (name_at_trust_time, trusted_since).
type Entry struct {
	IdentityHex  string    `json:"identity_hex"`
	Name         string    `json:"name"`
	TrustedSince time.Time `json:"trusted_since"`
}

// Pending describes a session awaiting operator consent.
type Pending struct {
	SessionID string
	Identity  ed25519.PublicKey
	Name      string
	Address   string
	CreatedAt time.Time
}

type pendingWaiter struct {
	pending Pending
	resolve chan Decision
}

// Store is the persisted trust set plus the in-memory Pending queue.
// Reads of the persisted set use copy-on-write via an atomic.Pointer;
// writes serialize through a single mutex and an atomic rename-on-write
// to the backing file, matching spec.md §5's "copy-on-write for reads,
// serialized writes to persistent storage" instruction.
type Store struct {
	path string

	snapshot atomic.Pointer[map[string]Entry]

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingWaiter

	defaultDeadline time.Duration

	audit *audit.Log
}

// SetAudit wires a durable audit log into the store, recording consent
// decisions (Trust, Resolve) as they happen. Optional: nil (the
// default) disables audit recording entirely.
func (s *Store) SetAudit(l *audit.Log) {
	s.audit = l
}

// New loads (or initializes empty) the trust store persisted at path.
func New(path string, defaultDeadline time.Duration) (*Store, error) {
	s := &Store{path: path, pending: make(map[string]*pendingWaiter), defaultDeadline: defaultDeadline}
	entries, err := loadEntries(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.IdentityHex] = e
	}
	s.snapshot.Store(&m)
	return s, nil
}

func loadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store %s: %w", path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse trust store %s: %w", path, err)
	}
	return entries, nil
}

// IsTrusted reports whether identity is in the persisted trust set.
func (s *Store) IsTrusted(identity ed25519.PublicKey) bool {
	m := s.snapshot.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[hex.EncodeToString(identity)]
	return ok
}

// List returns a snapshot of all trusted entries.
func (s *Store) List() []Entry {
	m := s.snapshot.Load()
	if m == nil {
		return nil
	}
	out := make([]Entry, 0, len(*m))
	for _, e := range *m {
		out = append(out, e)
	}
	return out
}

// Trust persists identity as trusted under name, then swaps the snapshot in.
func (s *Store) Trust(identity ed25519.PublicKey, name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.snapshot.Load()
	m := make(map[string]Entry, len(*old)+1)
	for k, v := range *old {
		m[k] = v
	}
	idHex := hex.EncodeToString(identity)
	m[idHex] = Entry{IdentityHex: idHex, Name: name, TrustedSince: time.Now()}

	if err := s.persist(m); err != nil {
		return err
	}
	s.snapshot.Store(&m)
	if s.audit != nil {
		_ = s.audit.Record("peer_trusted", idHex, name, time.Now().Unix())
	}
	return nil
}

// Remove removes every trust entry whose identity hex or name matches.
// Returns memerr.CodeNotFound if nothing matched.
func (s *Store) Remove(identityOrName string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.snapshot.Load()
	m := make(map[string]Entry, len(*old))
	var removed bool
	for k, v := range *old {
		if k == identityOrName || v.Name == identityOrName {
			removed = true
			continue
		}
		m[k] = v
	}
	if !removed {
		return memerr.New(memerr.CodeNotFound, "no trust entry matches "+identityOrName)
	}
	if err := s.persist(m); err != nil {
		return err
	}
	s.snapshot.Store(&m)
	return nil
}

func (s *Store) persist(m map[string]Entry) error {
	entries := make([]Entry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trust store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create trust store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".trusted_devices-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp trust file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp trust file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp trust file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename trust file into place: %w", err)
	}
	return nil
}

// RequestConsent enqueues p as Pending and blocks until an operator
// resolves it (via Resolve) or the deadline passes, in which case it
// returns DecisionDeny per spec.md §4.3's "rejected after a timeout"
// rule.
func (s *Store) RequestConsent(ctx context.Context, p Pending) Decision {
	resolve := make(chan Decision, 1)
	s.pendingMu.Lock()
	s.pending[p.SessionID] = &pendingWaiter{pending: p, resolve: resolve}
	s.pendingMu.Unlock()

	deadline := s.defaultDeadline
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, p.SessionID)
		s.pendingMu.Unlock()
	}()

	select {
	case d := <-resolve:
		return d
	case <-timer.C:
		return DecisionDeny
	case <-ctx.Done():
		return DecisionDeny
	}
}

// Resolve delivers an operator's decision for a pending session. If
// decision is DecisionTrustAlways, the identity is also persisted.
// Returns memerr.CodeNotFound if sessionID has no pending entry.
func (s *Store) Resolve(sessionID string, decision Decision) error {
	s.pendingMu.Lock()
	w, ok := s.pending[sessionID]
	s.pendingMu.Unlock()
	if !ok {
		return memerr.New(memerr.CodeNotFound, "no pending session "+sessionID)
	}
	if decision == DecisionTrustAlways {
		if err := s.Trust(w.pending.Identity, w.pending.Name); err != nil {
			return err
		}
	}
	if s.audit != nil {
		_ = s.audit.Record("consent_resolved", hex.EncodeToString(w.pending.Identity), decisionName(decision), time.Now().Unix())
	}
	select {
	case w.resolve <- decision:
	default:
	}
	return nil
}

func decisionName(d Decision) string {
	switch d {
	case DecisionDeny:
		return "deny"
	case DecisionAllowOnce:
		return "allow_once"
	case DecisionTrustAlways:
		return "trust_always"
	default:
		return "unknown"
	}
}

// PendingList returns a snapshot of all sessions awaiting consent.
func (s *Store) PendingList() []Pending {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make([]Pending, 0, len(s.pending))
	for _, w := range s.pending {
		out = append(out, w.pending)
	}
	return out
}
