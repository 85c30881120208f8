package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"time"

	"github.com/ssd-technologies/memcloud/internal/cryptoadapt"
	"github.com/ssd-technologies/memcloud/internal/memerr"
	"github.com/ssd-technologies/memcloud/internal/transport"
)

// Result is everything the peer manager needs once a handshake succeeds:
// the two directional traffic keys (already installed into the Framer via
// Secure), the peer's identity and advertised name/quota, and the final
// transcript hash for channel binding.
type Result struct {
	PeerIdentity  ed25519.PublicKey
	PeerName      string
	PeerQuota     uint64
	TranscriptHash []byte
}

// Initiator runs the A-side (dialing side) of the handshake over f,
// advertising localQuota bytes of storage willingness and identifying as
// id with display name localName. ctx bounds the whole exchange;
// spec.md §4.2 recommends a 10s timeout.
func Initiator(ctx context.Context, f *transport.Framer, id ed25519.PrivateKey, localName string, localQuota uint64) (*Result, error) {
	done := make(chan struct{})
	var res *Result
	var runErr error
	go func() {
		defer close(done)
		res, runErr = runInitiator(f, id, localName, localQuota)
	}()
	select {
	case <-done:
		return res, runErr
	case <-ctx.Done():
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "handshake timed out", ctx.Err())
	}
}

// Responder runs the B-side (accepting side) of the handshake, symmetric
// to Initiator.
func Responder(ctx context.Context, f *transport.Framer, id ed25519.PrivateKey, localName string, localQuota uint64) (*Result, error) {
	done := make(chan struct{})
	var res *Result
	var runErr error
	go func() {
		defer close(done)
		res, runErr = runResponder(f, id, localName, localQuota)
	}()
	select {
	case <-done:
		return res, runErr
	case <-ctx.Done():
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "handshake timed out", ctx.Err())
	}
}

func runInitiator(f *transport.Framer, id ed25519.PrivateKey, localName string, localQuota uint64) (*Result, error) {
	ephPriv, ephPub, err := cryptoadapt.GenerateX25519Keypair()
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "generate ephemeral keypair", err)
	}
	var nonceA [32]byte
	if _, err := rand.Read(nonceA[:]); err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "generate nonce", err)
	}

	helloA := encodeHello(tagHelloA, helloBody{EphPub: ephPub, Nonce: nonceA, Quota: localQuota})
	if err := f.WritePlain(helloA); err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "send HelloA", err)
	}
	h := cryptoadapt.TranscriptHash(helloA)

	helloBRaw, err := f.ReadPlain()
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "receive HelloB", err)
	}
	helloB, err := decodeHello(tagHelloB, helloBRaw)
	if err != nil {
		return nil, err
	}
	h = cryptoadapt.TranscriptHash(h, helloBRaw)

	dh, err := cryptoadapt.ECDH(ephPriv, helloB.EphPub[:])
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "ecdh", err)
	}
	hsKeys, err := cryptoadapt.DeriveKeys(dh, h, []byte("memcloud-handshake"), 2)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "derive handshake keys", err)
	}
	kHS, chainKey := hsKeys[0], hsKeys[1]
	hsAEAD, err := cryptoadapt.NewAEAD(kHS)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "construct handshake aead", err)
	}

	// AuthA: sign the transcript hash observed right before sending.
	sigA := cryptoadapt.Sign(id, h)
	var sigAArr [64]byte
	copy(sigAArr[:], sigA)
	var pubAArr [32]byte
	copy(pubAArr[:], id.Public().(ed25519.PublicKey))
	authAPlain := encodeAuthPlaintext(authPlaintext{IdentityPub: pubAArr, Name: localName, Sig: sigAArr})
	authACipher := hsAEAD.Seal(0, authAPlain)
	authAFrame := wrapAuthFrame(tagAuthA, authACipher)
	if err := f.WritePlain(authAFrame); err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "send AuthA", err)
	}
	h = cryptoadapt.TranscriptHash(h, authAFrame)

	authBFrameRaw, err := f.ReadPlain()
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "receive AuthB", err)
	}
	authBCipher, err := unwrapAuthFrame(tagAuthB, authBFrameRaw)
	if err != nil {
		return nil, err
	}
	hBeforeAuthB := h
	h = cryptoadapt.TranscriptHash(h, authBFrameRaw)

	authBPlain, err := hsAEAD.Open(0, authBCipher)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "decrypt AuthB", err)
	}
	authB, err := decodeAuthPlaintext(authBPlain)
	if err != nil {
		return nil, err
	}
	if !cryptoadapt.Verify(authB.IdentityPub[:], hBeforeAuthB, authB.Sig[:]) {
		return nil, memerr.New(memerr.CodeHandshakeFailed, "AuthB signature does not match transcript hash")
	}

	trafficKeys, err := cryptoadapt.DeriveKeys(chainKey, h, []byte("memcloud-traffic"), 2)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "derive traffic keys", err)
	}
	// Initiator's tx is initiator->responder; rx is responder->initiator.
	if err := f.Secure(trafficKeys[0], trafficKeys[1]); err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "install session keys", err)
	}

	return &Result{
		PeerIdentity:   append(ed25519.PublicKey{}, authB.IdentityPub[:]...),
		PeerName:       authB.Name,
		PeerQuota:      helloB.Quota,
		TranscriptHash: h,
	}, nil
}

func runResponder(f *transport.Framer, id ed25519.PrivateKey, localName string, localQuota uint64) (*Result, error) {
	helloARaw, err := f.ReadPlain()
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "receive HelloA", err)
	}
	helloA, err := decodeHello(tagHelloA, helloARaw)
	if err != nil {
		return nil, err
	}
	h := cryptoadapt.TranscriptHash(helloARaw)

	ephPriv, ephPub, err := cryptoadapt.GenerateX25519Keypair()
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "generate ephemeral keypair", err)
	}
	var nonceB [32]byte
	if _, err := rand.Read(nonceB[:]); err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "generate nonce", err)
	}
	helloB := encodeHello(tagHelloB, helloBody{EphPub: ephPub, Nonce: nonceB, Quota: localQuota})
	if err := f.WritePlain(helloB); err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "send HelloB", err)
	}
	h = cryptoadapt.TranscriptHash(h, helloB)

	dh, err := cryptoadapt.ECDH(ephPriv, helloA.EphPub[:])
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "ecdh", err)
	}
	hsKeys, err := cryptoadapt.DeriveKeys(dh, h, []byte("memcloud-handshake"), 2)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "derive handshake keys", err)
	}
	kHS, chainKey := hsKeys[0], hsKeys[1]
	hsAEAD, err := cryptoadapt.NewAEAD(kHS)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "construct handshake aead", err)
	}

	authAFrameRaw, err := f.ReadPlain()
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "receive AuthA", err)
	}
	authACipher, err := unwrapAuthFrame(tagAuthA, authAFrameRaw)
	if err != nil {
		return nil, err
	}
	hBeforeAuthA := h
	h = cryptoadapt.TranscriptHash(h, authAFrameRaw)

	authAPlain, err := hsAEAD.Open(0, authACipher)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "decrypt AuthA", err)
	}
	authA, err := decodeAuthPlaintext(authAPlain)
	if err != nil {
		return nil, err
	}
	if !cryptoadapt.Verify(authA.IdentityPub[:], hBeforeAuthA, authA.Sig[:]) {
		return nil, memerr.New(memerr.CodeHandshakeFailed, "AuthA signature does not match transcript hash")
	}

	sigB := cryptoadapt.Sign(id, h)
	var sigBArr [64]byte
	copy(sigBArr[:], sigB)
	var pubBArr [32]byte
	copy(pubBArr[:], id.Public().(ed25519.PublicKey))
	authBPlain := encodeAuthPlaintext(authPlaintext{IdentityPub: pubBArr, Name: localName, Sig: sigBArr})
	authBCipher := hsAEAD.Seal(0, authBPlain)
	authBFrame := wrapAuthFrame(tagAuthB, authBCipher)
	if err := f.WritePlain(authBFrame); err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "send AuthB", err)
	}
	h = cryptoadapt.TranscriptHash(h, authBFrame)

	trafficKeys, err := cryptoadapt.DeriveKeys(chainKey, h, []byte("memcloud-traffic"), 2)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "derive traffic keys", err)
	}
	// Responder's tx is responder->initiator; rx is initiator->responder.
	if err := f.Secure(trafficKeys[1], trafficKeys[0]); err != nil {
		return nil, memerr.Wrap(memerr.CodeHandshakeFailed, "install session keys", err)
	}

	return &Result{
		PeerIdentity:   append(ed25519.PublicKey{}, authA.IdentityPub[:]...),
		PeerName:       authA.Name,
		PeerQuota:      helloA.Quota,
		TranscriptHash: h,
	}, nil
}

// DefaultTimeout is the recommended handshake bound from spec.md §4.2.
const DefaultTimeout = 10 * time.Second
