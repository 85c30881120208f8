package trust

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"
)

func TestTrustPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trusted_devices.json")

	s1, err := New(path, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pub, _, _ := ed25519.GenerateKey(nil)
	if err := s1.Trust(pub, "alice"); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if !s1.IsTrusted(pub) {
		t.Fatal("expected identity to be trusted")
	}

	s2, err := New(path, time.Minute)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if !s2.IsTrusted(pub) {
		t.Fatal("trust should survive reload")
	}
}

func TestConsentAllowResolvesWaiter(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(filepath.Join(dir, "trusted_devices.json"), time.Minute)

	pub, _, _ := ed25519.GenerateKey(nil)
	p := Pending{SessionID: "sess-1", Identity: pub, Name: "bob", Address: "127.0.0.1:7077", CreatedAt: time.Now()}

	resultCh := make(chan Decision, 1)
	go func() {
		resultCh <- s.RequestConsent(context.Background(), p)
	}()

	// Give the goroutine a moment to register as pending.
	deadline := time.After(time.Second)
	for {
		if len(s.PendingList()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pending entry never registered")
		default:
		}
	}

	if err := s.Resolve("sess-1", DecisionAllowOnce); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case d := <-resultCh:
		if d != DecisionAllowOnce {
			t.Fatalf("decision = %v, want DecisionAllowOnce", d)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestConsent never returned")
	}
	if s.IsTrusted(pub) {
		t.Fatal("allow-once should not persist trust")
	}
}

func TestConsentTimeoutDenies(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(filepath.Join(dir, "trusted_devices.json"), 20*time.Millisecond)
	pub, _, _ := ed25519.GenerateKey(nil)
	p := Pending{SessionID: "sess-2", Identity: pub, Name: "carol"}

	d := s.RequestConsent(context.Background(), p)
	if d != DecisionDeny {
		t.Fatalf("decision = %v, want DecisionDeny on timeout", d)
	}
}

func TestTrustAlwaysPersists(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(filepath.Join(dir, "trusted_devices.json"), time.Minute)
	pub, _, _ := ed25519.GenerateKey(nil)
	p := Pending{SessionID: "sess-3", Identity: pub, Name: "dave"}

	go s.RequestConsent(context.Background(), p)
	for len(s.PendingList()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := s.Resolve("sess-3", DecisionTrustAlways); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !s.IsTrusted(pub) {
		t.Fatal("DecisionTrustAlways should persist trust")
	}
}
