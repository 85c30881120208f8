package controlrpc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/memcloud/internal/blockstore"
	"github.com/ssd-technologies/memcloud/internal/identity"
	"github.com/ssd-technologies/memcloud/internal/keyindex"
	"github.com/ssd-technologies/memcloud/internal/logging"
	"github.com/ssd-technologies/memcloud/internal/peermanager"
	"github.com/ssd-technologies/memcloud/internal/stream"
	"github.com/ssd-technologies/memcloud/internal/transport"
	"github.com/ssd-technologies/memcloud/internal/trust"
)

func startTestServer(t *testing.T) (socketPath string) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "control.sock")

	blocks := blockstore.New(1 << 20)
	keys := keyindex.New(blocks)
	streams := stream.New(stream.DefaultConfig())
	t.Cleanup(streams.Close)

	id, err := identity.LoadOrGenerate(filepath.Join(dir, "identity.key"), "node", "")
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	ts, err := trust.New(filepath.Join(dir, "trusted_devices.json"), time.Minute)
	if err != nil {
		t.Fatalf("trust.New: %v", err)
	}
	peers := peermanager.New(id, ts, blocks, keys, logging.Noop(), peermanager.Config{
		HandshakeTimeout:              2 * time.Second,
		PeerRequestTimeout:            2 * time.Second,
		PendingConsentDeadline:        2 * time.Second,
		PingInterval:                  time.Hour,
		PingMissesBeforeDrop:          3,
		ConsecutiveTimeoutsBeforeDrop: 5,
	})

	srv := New(socketPath, "127.0.0.1:0", blocks, keys, streams, peers, ts, logging.Noop())
	// Serve binds its own TCP listener too, but we only need the unix
	// socket for this test and 127.0.0.1:0 lets the OS pick a free port.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			return socketPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("control socket never became ready")
	return ""
}

func roundTrip(t *testing.T, socketPath string, cmd Command) Response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	defer conn.Close()

	f := transport.NewFramer(conn, transport.MaxControlFrameSize)
	body, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	if err := f.WritePlain(body); err != nil {
		t.Fatalf("WritePlain: %v", err)
	}
	respBody, err := f.ReadPlain()
	if err != nil {
		t.Fatalf("ReadPlain: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestStoreLoadOverControlSocket(t *testing.T) {
	socketPath := startTestServer(t)

	resp := roundTrip(t, socketPath, Command{Cmd: "Store", Data: []byte("hello")})
	if resp.Res != "Stored" {
		t.Fatalf("Store response = %+v, want Res=Stored", resp)
	}

	resp2 := roundTrip(t, socketPath, Command{Cmd: "Load", ID: resp.ID})
	if resp2.Res != "Loaded" || string(resp2.Data) != "hello" {
		t.Fatalf("Load response = %+v, want Loaded hello", resp2)
	}
}

func TestSetGetOverControlSocket(t *testing.T) {
	socketPath := startTestServer(t)

	resp := roundTrip(t, socketPath, Command{Cmd: "Set", Key: "greeting", Data: []byte("hi")})
	if resp.Res != "Stored" {
		t.Fatalf("Set response = %+v, want Res=Stored", resp)
	}

	resp2 := roundTrip(t, socketPath, Command{Cmd: "Get", Key: "greeting"})
	if resp2.Res != "Loaded" || string(resp2.Data) != "hi" {
		t.Fatalf("Get response = %+v, want Loaded hi", resp2)
	}
}

func TestLoadUnknownBlockReturnsError(t *testing.T) {
	socketPath := startTestServer(t)

	resp := roundTrip(t, socketPath, Command{Cmd: "Load", ID: 99999})
	if resp.Res != "Error" || resp.ErrorCode != "not_found" {
		t.Fatalf("Load response = %+v, want Error/not_found", resp)
	}
}

func TestStatReflectsStoredBlocks(t *testing.T) {
	socketPath := startTestServer(t)
	roundTrip(t, socketPath, Command{Cmd: "Store", Data: []byte("abc")})

	resp := roundTrip(t, socketPath, Command{Cmd: "Stat"})
	if resp.Res != "Status" || resp.Blocks != 1 {
		t.Fatalf("Stat response = %+v, want Blocks=1", resp)
	}
}

func TestUnknownCommandReturnsProtocolError(t *testing.T) {
	socketPath := startTestServer(t)
	resp := roundTrip(t, socketPath, Command{Cmd: "Bogus"})
	if resp.Res != "Error" || resp.ErrorCode != "protocol_error" {
		t.Fatalf("response = %+v, want Error/protocol_error", resp)
	}
}

// TestStoreRemoteQuotaExceeded exercises spec.md §8 scenario 2: storing
// more than a peer's advertised quota on that peer must fail with
// QuotaExceeded before any bytes cross the wire.
func TestStoreRemoteQuotaExceeded(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()

	newStack := func(dir, name string) (*blockstore.Store, *keyindex.Index, *peermanager.Manager, *identity.Identity, *trust.Store) {
		blocks := blockstore.New(1 << 20)
		keys := keyindex.New(blocks)
		id, err := identity.LoadOrGenerate(filepath.Join(dir, "identity.key"), name, "")
		if err != nil {
			t.Fatalf("LoadOrGenerate %s: %v", name, err)
		}
		ts, err := trust.New(filepath.Join(dir, "trusted_devices.json"), time.Minute)
		if err != nil {
			t.Fatalf("trust.New %s: %v", name, err)
		}
		peers := peermanager.New(id, ts, blocks, keys, logging.Noop(), peermanager.Config{
			HandshakeTimeout:              2 * time.Second,
			PeerRequestTimeout:            2 * time.Second,
			PendingConsentDeadline:        2 * time.Second,
			PingInterval:                  time.Hour,
			PingMissesBeforeDrop:          3,
			ConsecutiveTimeoutsBeforeDrop: 5,
		})
		return blocks, keys, peers, id, ts
	}

	blocksA, keysA, peersA, idA, tsA := newStack(dirA, "alice")
	blocksB, _, peersB, idB, tsB := newStack(dirB, "bob")

	tsA.Trust(idB.Public, "bob")
	tsB.Trust(idA.Public, "alice")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	const bobQuota = 1 << 20 // 1 MiB, matching spec.md §8 scenario 2

	acceptedCh := make(chan struct{}, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		if _, err := peersB.HandleInbound(context.Background(), conn, bobQuota); err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- struct{}{}
	}()

	if _, err := peersA.Connect(context.Background(), ln.Addr().String(), 1<<20); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("HandleInbound: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound handshake")
	}

	streamsA := stream.New(stream.DefaultConfig())
	defer streamsA.Close()
	srvA := New(filepath.Join(dirA, "control.sock"), "127.0.0.1:0", blocksA, keysA, streamsA, peersA, tsA, logging.Noop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srvA.Serve(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", srvA.SocketPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	oversized := make([]byte, 2<<20) // 2 MiB, exceeds bob's 1 MiB quota
	resp := roundTrip(t, srvA.SocketPath, Command{Cmd: "StoreRemote", Target: "bob", Data: oversized})
	if resp.Res != "Error" || resp.ErrorCode != "quota_exceeded" {
		t.Fatalf("StoreRemote over quota = %+v, want Error/quota_exceeded", resp)
	}

	if n, _ := blocksB.Stats(); n != 0 {
		t.Fatalf("bob's block store has %d blocks, want 0: quota check must reject before any bytes are sent", n)
	}
}
