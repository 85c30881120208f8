// Package controlrpc implements spec.md §4.8: the local control RPC
// surface an SDK/CLI client uses to drive a memnoded instance — block and
// key/value operations, streaming uploads, peer management, and trust/
// consent administration.
//
// Grounded on original_source/memnode/src/rpc.rs's RpcServer: a Unix
// socket and a loopback TCP listener accepting the identical command set
// concurrently, each connection served by its own goroutine reading
// length-prefixed frames in a loop. Rust's rmp_serde (MessagePack) framing
// is replaced by the JSON-or-binary dispatch spec.md §6 calls for, and
// tokio::select!-driven dual accept loops become two goroutines
// supervised by a golang.org/x/sync/errgroup.Group, matching
// cmd/nocturne-node/main.go's errgroup-supervised listener pattern.
package controlrpc

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/memcloud/internal/blockstore"
	"github.com/ssd-technologies/memcloud/internal/keyindex"
	"github.com/ssd-technologies/memcloud/internal/memerr"
	"github.com/ssd-technologies/memcloud/internal/peermanager"
	"github.com/ssd-technologies/memcloud/internal/stream"
	"github.com/ssd-technologies/memcloud/internal/transport"
	"github.com/ssd-technologies/memcloud/internal/trust"
)

// Server is the control RPC listener set.
type Server struct {
	SocketPath string
	TCPAddr    string

	blocks  *blockstore.Store
	keys    *keyindex.Index
	streams *stream.Assembler
	peers   *peermanager.Manager
	trusted *trust.Store
	logger  *zap.SugaredLogger
}

// New builds a Server wired to the node's local stores.
func New(socketPath, tcpAddr string, blocks *blockstore.Store, keys *keyindex.Index, streams *stream.Assembler, peers *peermanager.Manager, trusted *trust.Store, logger *zap.SugaredLogger) *Server {
	return &Server{
		SocketPath: socketPath,
		TCPAddr:    tcpAddr,
		blocks:     blocks,
		keys:       keys,
		streams:    streams,
		peers:      peers,
		trusted:    trusted,
		logger:     logger,
	}
}

// Serve listens on both the Unix socket and the loopback TCP address
// until ctx is canceled. Either listener failing stops both.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.SocketPath)
	unixLn, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return memerr.Wrap(memerr.CodeInternal, "listen on control unix socket", err)
	}
	if err := os.Chmod(s.SocketPath, 0600); err != nil {
		unixLn.Close()
		return memerr.Wrap(memerr.CodeInternal, "chmod control unix socket", err)
	}

	tcpLn, err := net.Listen("tcp", s.TCPAddr)
	if err != nil {
		unixLn.Close()
		return memerr.Wrap(memerr.CodeInternal, "listen on control tcp address", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, unixLn) })
	g.Go(func() error { return s.acceptLoop(gctx, tcpLn) })
	g.Go(func() error {
		<-gctx.Done()
		unixLn.Close()
		tcpLn.Close()
		return gctx.Err()
	})

	s.logger.Infow("control rpc listening", "unix_socket", s.SocketPath, "tcp_addr", s.TCPAddr)
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warnw("control rpc accept failed", "err", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	f := transport.NewFramer(conn, transport.MaxControlFrameSize)
	for {
		body, err := f.ReadPlain()
		if err != nil {
			return
		}
		asJSON := isJSON(body)
		cmd, err := DecodeCommand(body)
		var resp Response
		if err != nil {
			resp = errResponse(string(memerr.CodeOf(err)), err.Error())
		} else {
			resp = s.dispatch(cmd)
		}
		out, err := EncodeResponse(resp, asJSON)
		if err != nil {
			s.logger.Errorw("control rpc encode response failed", "err", err)
			return
		}
		if err := f.WritePlain(out); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(cmd Command) Response {
	switch cmd.Cmd {
	case "Store":
		id, err := s.blocks.Store(cmd.Data)
		if err != nil {
			return errFor(err)
		}
		return stored(id)

	case "StoreRemote":
		return s.storeRemote(cmd)

	case "Load":
		data, err := s.blocks.Load(cmd.ID)
		if err != nil {
			return errFor(err)
		}
		return loaded(data)

	case "Free":
		return s.free(cmd)

	case "ListPeers":
		return s.listPeers()

	case "Connect":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.peers.Connect(ctx, cmd.Address, cmd.Quota); err != nil {
				s.logger.Warnw("background peer connect failed", "address", cmd.Address, "err", err)
			}
		}()
		return success()

	case "UpdatePeerQuota":
		p, err := s.peers.Resolve(cmd.PeerID)
		if err != nil {
			return errFor(err)
		}
		p.UpdateQuota(cmd.Quota)
		return success()

	case "Disconnect":
		p, err := s.peers.Resolve(cmd.PeerID)
		if err != nil {
			return errFor(err)
		}
		s.peers.Disconnect(p, "operator requested disconnect")
		return success()

	case "Set":
		return s.set(cmd)

	case "Get":
		return s.get(cmd)

	case "ListKeys":
		keys, err := s.keys.Keys(cmd.Pattern)
		if err != nil {
			return errFor(err)
		}
		return list(keys)

	case "Stat":
		blocks, used := s.blocks.Stats()
		return Response{Res: "Status", Blocks: blocks, PeerCount: len(s.peers.List()), MemoryUsedBytes: used}

	case "StreamStart":
		return streamStarted(s.streams.Start(cmd.SizeHint))

	case "StreamChunk":
		if err := s.streams.Chunk(cmd.StreamID, cmd.Seq, cmd.Data); err != nil {
			return errFor(err)
		}
		return success()

	case "StreamFinish":
		return s.streamFinish(cmd)

	case "Flush":
		// The block, key, and stream stores are fully synchronous, so
		// there is no write-behind buffer to drain; Flush is a no-op
		// kept for wire compatibility with clients that always send it.
		return success()

	case "TrustList":
		return s.trustList()

	case "TrustRemove":
		if err := s.trusted.Remove(cmd.Target); err != nil {
			return errFor(err)
		}
		return success()

	case "ConsentList":
		return s.consentList()

	case "ConsentApprove":
		decision := trust.DecisionAllowOnce
		if cmd.TrustAlways {
			decision = trust.DecisionTrustAlways
		}
		if err := s.trusted.Resolve(cmd.SessionID, decision); err != nil {
			return errFor(err)
		}
		return success()

	case "ConsentDeny":
		if err := s.trusted.Resolve(cmd.SessionID, trust.DecisionDeny); err != nil {
			return errFor(err)
		}
		return success()

	default:
		return errResponse(string(memerr.CodeProtocolError), "unknown command "+cmd.Cmd)
	}
}

func (s *Server) storeRemote(cmd Command) Response {
	if cmd.Target == "" {
		id, err := s.blocks.Store(cmd.Data)
		if err != nil {
			return errFor(err)
		}
		return stored(id)
	}
	p, err := s.peers.Resolve(cmd.Target)
	if err != nil {
		return errFor(err)
	}
	if err := p.TryReserve(uint64(len(cmd.Data))); err != nil {
		return errFor(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := s.peers.Dispatch(ctx, p, peermanager.Message{Type: peermanager.MsgStoreBlock, Data: cmd.Data})
	if err != nil {
		p.Release(uint64(len(cmd.Data)))
		return errFor(err)
	}
	p.ReserveForBlock(resp.BlockID, uint64(len(cmd.Data)))
	return stored(resp.BlockID)
}

func (s *Server) free(cmd Command) Response {
	if cmd.Target == "" {
		if err := s.blocks.Free(cmd.ID); err != nil {
			return errFor(err)
		}
		return success()
	}
	p, err := s.peers.Resolve(cmd.Target)
	if err != nil {
		return errFor(err)
	}
	if err := s.peers.SendFree(p, cmd.ID); err != nil {
		return errFor(err)
	}
	p.ReleaseBlock(cmd.ID)
	return success()
}

func (s *Server) set(cmd Command) Response {
	if cmd.Target == "" {
		id, err := s.keys.Set(cmd.Key, cmd.Data)
		if err != nil {
			return errFor(err)
		}
		return stored(id)
	}
	p, err := s.peers.Resolve(cmd.Target)
	if err != nil {
		return errFor(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := s.peers.Dispatch(ctx, p, peermanager.Message{Type: peermanager.MsgSetKey, Key: cmd.Key, Data: cmd.Data})
	if err != nil {
		return errFor(err)
	}
	return stored(resp.BlockID)
}

func (s *Server) get(cmd Command) Response {
	if cmd.Target == "" {
		data, err := s.keys.Get(cmd.Key)
		if err != nil {
			return errFor(err)
		}
		return loaded(data)
	}
	p, err := s.peers.Resolve(cmd.Target)
	if err != nil {
		return errFor(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := s.peers.Dispatch(ctx, p, peermanager.Message{Type: peermanager.MsgGetKey, Key: cmd.Key})
	if err != nil {
		return errFor(err)
	}
	if !resp.HasData {
		return errResponse(string(memerr.CodeNotFound), "key not found on remote peer")
	}
	return loaded(resp.Data)
}

func (s *Server) streamFinish(cmd Command) Response {
	data, err := s.streams.Finish(cmd.StreamID)
	if err != nil {
		return errFor(err)
	}
	if cmd.Target == "" {
		id, err := s.blocks.Store(data)
		if err != nil {
			return errFor(err)
		}
		return stored(id)
	}
	p, err := s.peers.Resolve(cmd.Target)
	if err != nil {
		return errFor(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := s.peers.Dispatch(ctx, p, peermanager.Message{Type: peermanager.MsgStoreBlock, Data: data})
	if err != nil {
		return errFor(err)
	}
	return stored(resp.BlockID)
}

func (s *Server) listPeers() Response {
	peers := s.peers.List()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		quota, used := p.Quota()
		out = append(out, PeerInfo{
			Identity: p.IdentityHex(),
			Name:     p.Name,
			Address:  p.Address,
			Quota:    quota,
			Used:     used,
			Status:   statusName(p.GetStatus()),
		})
	}
	return Response{Res: "PeerList", Peers: out}
}

func (s *Server) trustList() Response {
	entries := s.trusted.List()
	out := make([]TrustedView, 0, len(entries))
	for _, e := range entries {
		out = append(out, TrustedView{Identity: e.IdentityHex, Name: e.Name, TrustedSince: e.TrustedSince.Format(time.RFC3339)})
	}
	return Response{Res: "TrustedList", Trusted: out}
}

func (s *Server) consentList() Response {
	pending := s.trusted.PendingList()
	out := make([]PendingView, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingView{SessionID: p.SessionID, Identity: hex.EncodeToString(p.Identity), Name: p.Name, Address: p.Address})
	}
	return Response{Res: "PendingList", Pending: out}
}

func errFor(err error) Response {
	return errResponse(string(memerr.CodeOf(err)), err.Error())
}

func statusName(s peermanager.Status) string {
	switch s {
	case peermanager.StatusHandshaking:
		return "handshaking"
	case peermanager.StatusPending:
		return "pending"
	case peermanager.StatusAuthenticated:
		return "authenticated"
	case peermanager.StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}
