package peermanager

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/memcloud/internal/blockstore"
	"github.com/ssd-technologies/memcloud/internal/identity"
	"github.com/ssd-technologies/memcloud/internal/keyindex"
	"github.com/ssd-technologies/memcloud/internal/logging"
	"github.com/ssd-technologies/memcloud/internal/memerr"
	"github.com/ssd-technologies/memcloud/internal/trust"
)

func testConfig() Config {
	return Config{
		HandshakeTimeout:              2 * time.Second,
		PeerRequestTimeout:            2 * time.Second,
		PendingConsentDeadline:        2 * time.Second,
		PingInterval:                  time.Hour, // disable pinging churn during tests
		PingMissesBeforeDrop:          3,
		ConsecutiveTimeoutsBeforeDrop: 5,
	}
}

func newTestManager(t *testing.T, name string) *Manager {
	t.Helper()
	return newTestManagerWithConfig(t, name, testConfig())
}

func newTestManagerWithConfig(t *testing.T, name string, cfg Config) *Manager {
	t.Helper()
	dir := t.TempDir()
	id, err := identity.LoadOrGenerate(filepath.Join(dir, "identity.key"), name, "")
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	ts, err := trust.New(filepath.Join(dir, "trusted_devices.json"), time.Minute)
	if err != nil {
		t.Fatalf("trust.New: %v", err)
	}
	blocks := blockstore.New(1 << 20)
	keys := keyindex.New(blocks)
	return New(id, ts, blocks, keys, logging.Noop(), cfg)
}

// connectPair wires two managers together over a real TCP loopback
// listener and pre-trusts each side of the other, so the handshake
// promotes straight to Authenticated without a consent round trip.
func connectPair(t *testing.T) (mA, mB *Manager, pAonB, pBonA *Peer) {
	t.Helper()
	return connectPairWithConfig(t, testConfig(), testConfig())
}

func connectPairWithConfig(t *testing.T, cfgA, cfgB Config) (mA, mB *Manager, pAonB, pBonA *Peer) {
	t.Helper()
	mA = newTestManagerWithConfig(t, "alice", cfgA)
	mB = newTestManagerWithConfig(t, "bob", cfgB)

	mA.trust.Trust(mB.self.Public, "bob")
	mB.trust.Trust(mA.self.Public, "alice")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan *Peer, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		p, err := mB.HandleInbound(context.Background(), conn, 1<<20)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- p
	}()

	pBonA, err = mA.Connect(context.Background(), ln.Addr().String(), 1<<20)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case pAonB = <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("HandleInbound: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound handshake")
	}

	return mA, mB, pAonB, pBonA
}

func TestConnectAuthenticates(t *testing.T) {
	mA, mB, pAonB, pBonA := connectPair(t)
	defer mA.Disconnect(pBonA, "test done")
	defer mB.Disconnect(pAonB, "test done")

	if pBonA.GetStatus() != StatusAuthenticated {
		t.Fatalf("A's view of B status = %v, want Authenticated", pBonA.GetStatus())
	}
	if pAonB.GetStatus() != StatusAuthenticated {
		t.Fatalf("B's view of A status = %v, want Authenticated", pAonB.GetStatus())
	}
	if pBonA.Name != "bob" {
		t.Fatalf("A sees peer name %q, want bob", pBonA.Name)
	}
}

func TestDispatchStoreAndRequestBlock(t *testing.T) {
	mA, mB, pAonB, pBonA := connectPair(t)
	defer mA.Disconnect(pBonA, "test done")
	defer mB.Disconnect(pAonB, "test done")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := mA.Dispatch(ctx, pBonA, Message{Type: msgStoreBlock, Data: []byte("remote payload")})
	if err != nil {
		t.Fatalf("Dispatch StoreBlock: %v", err)
	}
	if resp.Type != msgStoredBlock {
		t.Fatalf("response type = %v, want msgStoredBlock", resp.Type)
	}

	resp2, err := mA.Dispatch(ctx, pBonA, Message{Type: msgRequestBlock, BlockID: resp.BlockID})
	if err != nil {
		t.Fatalf("Dispatch RequestBlock: %v", err)
	}
	if !resp2.HasData || !bytes.Equal(resp2.Data, []byte("remote payload")) {
		t.Fatalf("RequestBlock response = %+v, want remote payload", resp2)
	}
}

func TestByNameAmbiguousAndNotFound(t *testing.T) {
	m := newTestManager(t, "alice")
	if _, err := m.ByName("nobody"); !memerr.Is(err, memerr.CodeNoSuchPeer) {
		t.Fatalf("err = %v, want CodeNoSuchPeer", err)
	}
	m.mu.Lock()
	m.byName["dup"] = map[string]bool{"aa": true, "bb": true}
	m.mu.Unlock()
	if _, err := m.ByName("dup"); !memerr.Is(err, memerr.CodeAmbiguous) {
		t.Fatalf("err = %v, want CodeAmbiguous", err)
	}
}

func TestDispatchTripsPeerRateLimit(t *testing.T) {
	cfgB := testConfig()
	cfgB.PeerRequestsPerSecond = 2
	mA, mB, pAonB, pBonA := connectPairWithConfig(t, testConfig(), cfgB)
	defer mA.Disconnect(pBonA, "test done")
	defer mB.Disconnect(pAonB, "test done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if _, err := mA.Dispatch(ctx, pBonA, Message{Type: msgStoreBlock, Data: []byte("x")}); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}

	// The third request within the same one-second window trips B's rate
	// limit; B closes the session without ever sending a correlated
	// response, so this dispatch times out rather than erroring immediately.
	if _, err := mA.Dispatch(ctx, pBonA, Message{Type: msgStoreBlock, Data: []byte("x")}); err == nil {
		t.Fatal("expected the third request within the same second to trip the rate limit")
	}

	deadline := time.Now().Add(time.Second)
	for pBonA.GetStatus() != StatusClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pBonA.GetStatus() != StatusClosed {
		t.Fatal("expected session to be closed after tripping the rate limit")
	}
}
