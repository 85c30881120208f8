// Package transport implements the length-prefixed frame format shared
// by the peer protocol and the control RPC server: `length (4-byte big
// endian) || body`, plaintext before a session is established and AEAD
// ciphertext after. Grounded on internal/dht/transport.go's peerConn
// architecture (one reader goroutine per connection, a write mutex
// guarding concurrent sends) with gorilla/websocket's JSON framing
// replaced by this raw binary frame format, per spec.md §4.1/§6.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ssd-technologies/memcloud/internal/cryptoadapt"
	"github.com/ssd-technologies/memcloud/internal/memerr"
)

// MaxPeerFrameSize is the recommended maximum peer-protocol frame size.
const MaxPeerFrameSize = 64 << 20

// MaxControlFrameSize is the recommended maximum control-protocol frame size.
const MaxControlFrameSize = 16 << 20

const lengthPrefixSize = 4

// Framer reads and writes length-prefixed frames over a stream. It is
// safe for one concurrent reader and one concurrent writer (matching the
// teacher's per-connection read-goroutine / write-mutex split); writes
// from several goroutines are serialized by the internal writeMu.
type Framer struct {
	rw        io.ReadWriter
	maxFrame  int
	writeMu   sync.Mutex
	session   *session // nil until the handshake completes
}

// NewFramer wraps rw. maxFrame bounds both read and write frame bodies;
// an oversize frame on read is a fatal protocol error per spec.md §4.1.
func NewFramer(rw io.ReadWriter, maxFrame int) *Framer {
	return &Framer{rw: rw, maxFrame: maxFrame}
}

// session holds the post-handshake AEAD state: one AEAD instance per
// direction (tx uses the local send key, rx the local receive key) with
// independent 64-bit nonce counters, per spec.md §3's Session definition.
type session struct {
	txAEAD    *cryptoadapt.AEAD
	rxAEAD    *cryptoadapt.AEAD
	txCounter uint64
	rxCounter uint64
}

// Secure installs the post-handshake AEAD session. After this call every
// WriteFrame/ReadFrame encrypts/decrypts the frame body.
func (f *Framer) Secure(txKey, rxKey []byte) error {
	tx, err := cryptoadapt.NewAEAD(txKey)
	if err != nil {
		return fmt.Errorf("install tx aead: %w", err)
	}
	rx, err := cryptoadapt.NewAEAD(rxKey)
	if err != nil {
		return fmt.Errorf("install rx aead: %w", err)
	}
	f.session = &session{txAEAD: tx, rxAEAD: rx}
	return nil
}

// WritePlain writes body as a plaintext frame (used only during the
// handshake, before Secure is called).
func (f *Framer) WritePlain(body []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.writeFrame(body)
}

// ReadPlain reads one plaintext frame body.
func (f *Framer) ReadPlain() ([]byte, error) {
	return f.readFrame()
}

// WriteFrame encrypts body under the current tx nonce counter and writes
// it as a frame. Session must already be Secure'd.
func (f *Framer) WriteFrame(body []byte) error {
	if f.session == nil {
		return memerr.New(memerr.CodeProtocolError, "write before handshake completed")
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	ct := f.session.txAEAD.Seal(f.session.txCounter, body)
	f.session.txCounter++
	if f.session.txCounter == 0 {
		// Wrapped a 64-bit counter: the session-closing condition named
		// in spec.md §3.
		return memerr.New(memerr.CodeProtocolError, "tx nonce counter exhausted")
	}
	return f.writeFrame(ct)
}

// ReadFrame reads one frame and decrypts it under the current rx nonce
// counter. A decryption failure is always fatal for the session.
func (f *Framer) ReadFrame() ([]byte, error) {
	if f.session == nil {
		return nil, memerr.New(memerr.CodeProtocolError, "read before handshake completed")
	}
	ct, err := f.readFrame()
	if err != nil {
		return nil, err
	}
	pt, err := f.session.rxAEAD.Open(f.session.rxCounter, ct)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeProtocolError, "aead decryption failed, session is fatal", err)
	}
	f.session.rxCounter++
	if f.session.rxCounter == 0 {
		return nil, memerr.New(memerr.CodeProtocolError, "rx nonce counter exhausted")
	}
	return pt, nil
}

func (f *Framer) writeFrame(body []byte) error {
	if len(body) > f.maxFrame {
		return memerr.New(memerr.CodeProtocolError, fmt.Sprintf("frame body %d exceeds max %d", len(body), f.maxFrame))
	}
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := f.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := f.rw.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func (f *Framer) readFrame() ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(f.rw, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if int(length) > f.maxFrame {
		return nil, memerr.New(memerr.CodeProtocolError, fmt.Sprintf("frame length %d exceeds max %d", length, f.maxFrame))
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(f.rw, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
