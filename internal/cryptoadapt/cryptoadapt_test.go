package cryptoadapt

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestECDHAgreement(t *testing.T) {
	privA, pubA, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair A: %v", err)
	}
	privB, pubB, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair B: %v", err)
	}

	dhA, err := ECDH(privA, pubB[:])
	if err != nil {
		t.Fatalf("ECDH A: %v", err)
	}
	dhB, err := ECDH(privB, pubA[:])
	if err != nil {
		t.Fatalf("ECDH B: %v", err)
	}
	if !bytes.Equal(dhA, dhB) {
		t.Fatal("shared secrets disagree")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("transcript hash goes here")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatal("valid signature failed to verify")
	}
	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0xFF
	if Verify(pub, tampered, sig) {
		t.Fatal("tampered message verified")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	a, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	plaintext := []byte("hello MemCloud")
	ct := a.Seal(0, plaintext)
	pt, err := a.Open(0, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", pt, plaintext)
	}
}

func TestAEADWrongCounterFails(t *testing.T) {
	key := make([]byte, KeySize)
	a, _ := NewAEAD(key)
	ct := a.Seal(0, []byte("data"))
	if _, err := a.Open(1, ct); err == nil {
		t.Fatal("Open with wrong counter should fail")
	}
}

func TestDeriveKeysDeterministic(t *testing.T) {
	secret := []byte("shared dh secret")
	salt := []byte("transcript hash")
	keysA, err := DeriveKeys(secret, salt, []byte("info"), 2)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	keysB, err := DeriveKeys(secret, salt, []byte("info"), 2)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	for i := range keysA {
		if !bytes.Equal(keysA[i], keysB[i]) {
			t.Fatalf("key %d not deterministic", i)
		}
	}
	if bytes.Equal(keysA[0], keysA[1]) {
		t.Fatal("the two derived keys should differ")
	}
}

func TestTranscriptHashExtends(t *testing.T) {
	h1 := TranscriptHash([]byte("a"))
	h2 := TranscriptHash([]byte("a"), []byte("b"))
	if bytes.Equal(h1, h2) {
		t.Fatal("extending the transcript should change the hash")
	}
}
