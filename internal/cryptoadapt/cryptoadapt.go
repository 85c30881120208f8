// Package cryptoadapt wraps the primitives the secure handshake and
// framed transport need behind small, purpose-named functions, the same
// dispatch-by-purpose shape as internal/crypto/cipher.go and
// internal/crypto/kdf.go (which pick an algorithm or KDF parameter set by
// name); here the "choice" is fixed by spec.md §4.1/§4.2 rather than
// runtime-selected, so each function wraps exactly one primitive.
package cryptoadapt

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// KeySize is the size in bytes of an X25519 key and a ChaCha20-Poly1305 key.
const KeySize = 32

// NonceSize is the ChaCha20-Poly1305 nonce size.
const NonceSize = chacha20poly1305.NonceSize

// GenerateX25519Keypair returns a fresh ephemeral X25519 keypair.
func GenerateX25519Keypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive x25519 public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// ECDH performs X25519(priv, peerPub).
func ECDH(priv [32]byte, peerPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519 ecdh: %w", err)
	}
	return shared, nil
}

// TranscriptHash computes SHA3-256 over arbitrary concatenated fields,
// used to build and extend the handshake transcript hash h.
func TranscriptHash(parts ...[]byte) []byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// DeriveKeys runs HKDF-SHA3-256 over (dh, salt) and expands n*KeySize
// bytes of output, split into n keys. Used both for the handshake key /
// chaining key pair (n=2) and for the two directional traffic keys (n=2).
func DeriveKeys(secret, salt, info []byte, n int) ([][]byte, error) {
	r := hkdf.New(sha3.New256, secret, salt, info)
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, KeySize)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, fmt.Errorf("hkdf expand: %w", err)
		}
	}
	return out, nil
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 signature over msg.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// AEAD wraps a single ChaCha20-Poly1305 key for sealing and opening
// frames with an explicit counter-derived nonce. The associated data is
// always empty, per spec.md §4.1.
type AEAD struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewAEAD constructs an AEAD from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct chacha20poly1305: %w", err)
	}
	return &AEAD{aead: a}, nil
}

// nonceFromCounter builds the 12-byte nonce from a 64-bit per-direction
// counter: 4 zero bytes followed by the big-endian counter, guaranteeing
// no reuse as long as the counter itself never repeats.
func nonceFromCounter(counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	nonce[4] = byte(counter >> 56)
	nonce[5] = byte(counter >> 48)
	nonce[6] = byte(counter >> 40)
	nonce[7] = byte(counter >> 32)
	nonce[8] = byte(counter >> 24)
	nonce[9] = byte(counter >> 16)
	nonce[10] = byte(counter >> 8)
	nonce[11] = byte(counter)
	return nonce
}

// Seal encrypts plaintext under the counter-derived nonce.
func (a *AEAD) Seal(counter uint64, plaintext []byte) []byte {
	nonce := nonceFromCounter(counter)
	return a.aead.Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts ciphertext under the counter-derived nonce. A failure
// here is always fatal for the session per spec.md §4.1/§7.
func (a *AEAD) Open(counter uint64, ciphertext []byte) ([]byte, error) {
	nonce := nonceFromCounter(counter)
	pt, err := a.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return pt, nil
}

