package handshake

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/ssd-technologies/memcloud/internal/transport"
)

func genIdentity(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return priv
}

func TestHandshakeSucceeds(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	fA := transport.NewFramer(connA, transport.MaxPeerFrameSize)
	fB := transport.NewFramer(connB, transport.MaxPeerFrameSize)

	idA := genIdentity(t)
	idB := genIdentity(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type out struct {
		res *Result
		err error
	}
	type out2 struct {
		got []byte
		err error
	}
	chA := make(chan out, 1)
	chB := make(chan out, 1)

	go func() {
		res, err := Initiator(ctx, fA, idA, "alice", 1<<20)
		chA <- out{res, err}
	}()
	go func() {
		res, err := Responder(ctx, fB, idB, "bob", 2<<20)
		chB <- out{res, err}
	}()

	rA := <-chA
	rB := <-chB
	if rA.err != nil {
		t.Fatalf("initiator error: %v", rA.err)
	}
	if rB.err != nil {
		t.Fatalf("responder error: %v", rB.err)
	}

	if !bytes.Equal(rA.res.PeerIdentity, idB.Public().(ed25519.PublicKey)) {
		t.Fatal("initiator did not learn responder's identity")
	}
	if !bytes.Equal(rB.res.PeerIdentity, idA.Public().(ed25519.PublicKey)) {
		t.Fatal("responder did not learn initiator's identity")
	}
	if rA.res.PeerName != "bob" {
		t.Fatalf("PeerName = %q, want bob", rA.res.PeerName)
	}
	if rB.res.PeerName != "alice" {
		t.Fatalf("PeerName = %q, want alice", rB.res.PeerName)
	}
	if !bytes.Equal(rA.res.TranscriptHash, rB.res.TranscriptHash) {
		t.Fatal("transcripts disagree between sides")
	}

	// Secured session should now work end to end. net.Pipe is unbuffered,
	// so the read must run concurrently with the write.
	readDone := make(chan out2, 1)
	go func() {
		got, err := fB.ReadFrame()
		readDone <- out2{got, err}
	}()
	if err := fA.WriteFrame([]byte("ping")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	r := <-readDone
	if r.err != nil {
		t.Fatalf("ReadFrame: %v", r.err)
	}
	if string(r.got) != "ping" {
		t.Fatalf("got %q, want ping", r.got)
	}
}

// tamperConn wraps the net.Conn under a Framer, flipping a byte in the
// first write longer than 8 bytes (the HelloA body; the 4-byte length
// prefix is a separate, shorter write) to simulate a man-in-the-middle
// rewriting a field after it leaves the wire.
type tamperConn struct {
	net.Conn
	tamper   func([]byte) []byte
	tamperedOnce bool
}

func (c *tamperConn) Write(p []byte) (int, error) {
	if !c.tamperedOnce && len(p) > 8 {
		c.tamperedOnce = true
		mutated := c.tamper(append([]byte{}, p...))
		return c.Conn.Write(mutated)
	}
	return c.Conn.Write(p)
}

func TestHandshakeDetectsTampering(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	tamperedA := &tamperConn{Conn: connA, tamper: func(b []byte) []byte {
		// Flip a byte inside the HelloA ephemeral public key field
		// (the body starts with 1 version + 1 tag byte, so the key begins
		// at offset 2).
		if len(b) > 10 {
			b[10] ^= 0xFF
		}
		return b
	}}

	fA := transport.NewFramer(tamperedA, transport.MaxPeerFrameSize)
	fB := transport.NewFramer(connB, transport.MaxPeerFrameSize)

	idA := genIdentity(t)
	idB := genIdentity(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chA := make(chan error, 1)
	chB := make(chan error, 1)
	go func() {
		_, err := Initiator(ctx, fA, idA, "alice", 1<<20)
		chA <- err
	}()
	go func() {
		_, err := Responder(ctx, fB, idB, "bob", 2<<20)
		chB <- err
	}()

	errA := <-chA
	errB := <-chB
	// The tampered ephemeral key changes what B derives for the shared
	// secret and therefore the handshake key, so B's AuthA decryption (or
	// signature check) must fail; A may or may not notice depending on
	// timing, but B rejecting is the property under test.
	if errB == nil {
		t.Fatalf("responder accepted a tampered HelloA (initiator err: %v)", errA)
	}
}
