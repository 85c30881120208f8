package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateGeneratesNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	id, err := LoadOrGenerate(path, "alice", "")
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if len(id.Public) != 32 {
		t.Fatalf("public key length = %d, want 32", len(id.Public))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadOrGenerateLoadsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	id1, err := LoadOrGenerate(path, "alice", "")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	id2, err := LoadOrGenerate(path, "alice", "")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if string(id1.Public) != string(id2.Public) {
		t.Fatal("public keys differ across calls")
	}
}

func TestLoadOrGeneratePassphraseWrapsAndUnwraps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	id1, err := LoadOrGenerate(path, "alice", "correct horse battery staple")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wrapped file: %v", err)
	}
	if len(raw) == 32 {
		t.Fatal("passphrase-protected identity.key should not be a raw 32-byte seed")
	}

	id2, err := LoadOrGenerate(path, "alice", "correct horse battery staple")
	if err != nil {
		t.Fatalf("reload with correct passphrase: %v", err)
	}
	if string(id1.Public) != string(id2.Public) {
		t.Fatal("public keys differ across reload with correct passphrase")
	}

	if _, err := LoadOrGenerate(path, "alice", "wrong passphrase"); err == nil {
		t.Fatal("expected error reloading with wrong passphrase")
	}

	if _, err := LoadOrGenerate(path, "alice", ""); err == nil {
		t.Fatal("expected error reading passphrase-protected key with no passphrase")
	}
}

func TestLess(t *testing.T) {
	a := []byte{0x01, 0x00}
	b := []byte{0x02, 0x00}
	if !Less(a, b) {
		t.Fatal("Less(a, b) should be true")
	}
	if Less(b, a) {
		t.Fatal("Less(b, a) should be false")
	}
	if Less(a, a) {
		t.Fatal("Less(a, a) should be false")
	}
}
