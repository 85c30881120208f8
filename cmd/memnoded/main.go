// cmd/memnoded is the MemCloud node daemon: it loads or generates this
// node's identity, opens its trust store, starts the peer transport
// listener and the control RPC server, and serves until signaled.
//
// PID-file lifecycle (refuse to start twice, write the PID, remove it on
// clean shutdown) and the SIGINT/SIGTERM-driven shutdown path are
// grounded on cmd/nocturne-node/main.go's cmdConnect/cmdDisconnect.
// Listener supervision uses golang.org/x/sync/errgroup instead of that
// file's bare goroutines with manual done channels, matching
// internal/dht/node.go's errgroup-supervised subsystem style.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/memcloud/internal/audit"
	"github.com/ssd-technologies/memcloud/internal/blockstore"
	"github.com/ssd-technologies/memcloud/internal/config"
	"github.com/ssd-technologies/memcloud/internal/controlrpc"
	"github.com/ssd-technologies/memcloud/internal/identity"
	"github.com/ssd-technologies/memcloud/internal/keyindex"
	"github.com/ssd-technologies/memcloud/internal/logging"
	"github.com/ssd-technologies/memcloud/internal/memerr"
	"github.com/ssd-technologies/memcloud/internal/metrics"
	"github.com/ssd-technologies/memcloud/internal/peermanager"
	"github.com/ssd-technologies/memcloud/internal/stream"
	"github.com/ssd-technologies/memcloud/internal/trust"
	"github.com/ssd-technologies/memcloud/internal/vmpaging"
)

func main() {
	logger := logging.New("memnoded")
	defer logger.Sync()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatalw("load config", "err", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		logger.Fatalw("create state dir", "err", err)
	}

	pidFile := filepath.Join(cfg.StateDir, "memnode.pid")
	if err := claimPIDFile(pidFile); err != nil {
		logger.Fatalw("claim pid file", "err", err)
	}
	defer os.Remove(pidFile)

	id, err := identity.LoadOrGenerate(filepath.Join(cfg.StateDir, "identity.key"), hostName(), os.Getenv("MEMCLOUD_IDENTITY_PASSPHRASE"))
	if err != nil {
		logger.Fatalw("load or generate identity", "err", err)
	}
	logger.Infow("node identity ready", "identity", id.Hex(), "name", id.Name)

	trustStore, err := trust.New(filepath.Join(cfg.StateDir, "trusted_devices.json"), cfg.PendingConsentDeadline)
	if err != nil {
		logger.Fatalw("open trust store", "err", err)
	}

	auditLog, err := audit.Open(filepath.Join(cfg.StateDir, "audit.db"))
	if err != nil {
		logger.Fatalw("open audit log", "err", err)
	}
	defer auditLog.Close()

	blocks := blockstore.New(cfg.DefaultCapacityBytes)
	keys := keyindex.New(blocks)
	streams := stream.New(stream.Config{
		MaxTotalSize:       cfg.StreamMaxSize,
		MaxChunkSize:       cfg.StreamMaxChunkSize,
		InactivityDeadline: cfg.StreamInactivityDeadline,
	})
	defer streams.Close()

	peers := peermanager.New(id, trustStore, blocks, keys, logger, peermanager.Config{
		HandshakeTimeout:              cfg.HandshakeTimeout,
		PeerRequestTimeout:            cfg.PeerRequestTimeout,
		PendingConsentDeadline:        cfg.PendingConsentDeadline,
		PingInterval:                  cfg.PingInterval,
		PingMissesBeforeDrop:          cfg.PingMissesBeforeDrop,
		ConsecutiveTimeoutsBeforeDrop: cfg.ConsecutiveTimeoutsBeforeDrop,
		PeerRequestsPerSecond:         cfg.PeerRequestsPerSecond,
	})
	trustStore.SetAudit(auditLog)
	peers.SetAudit(auditLog)

	metricsRecorder := metrics.New(blocks, peers)
	peers.SetMetrics(metricsRecorder)

	vmBacking := newBlockBacking(blocks)
	vmManager := vmpaging.New(vmBacking, 500*time.Millisecond)
	defer vmManager.Close()
	logger.Infow("vm paging core ready", "threshold_mb", cfg.MallocThresholdMB)

	rpcServer := controlrpc.New(cfg.ControlSocket, cfg.ControlTCPAddr, blocks, keys, streams, peers, trustStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rpcServer.Serve(gctx)
	})

	g.Go(func() error {
		return servePeerListener(gctx, cfg.PeerListenAddr, peers, cfg.DefaultCapacityBytes, logger)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, metricsRecorder, logger)
		})
	}

	g.Go(func() error {
		return waitForShutdownSignal(gctx)
	})

	logger.Infow("memnoded started",
		"control_socket", cfg.ControlSocket,
		"control_tcp", cfg.ControlTCPAddr,
		"peer_listen", cfg.PeerListenAddr,
		"state_dir", cfg.StateDir,
	)

	if err := auditLog.Record("daemon_started", id.Hex(), cfg.PeerListenAddr, time.Now().Unix()); err != nil {
		logger.Warnw("record startup audit event", "err", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warnw("memnoded stopped", "err", err)
	}

	_ = auditLog.Record("daemon_stopped", id.Hex(), "", time.Now().Unix())
	logger.Infow("memnoded shut down cleanly")
}

func servePeerListener(ctx context.Context, addr string, peers *peermanager.Manager, quota int64, logger interface {
	Warnw(string, ...interface{})
	Infow(string, ...interface{})
}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return memerr.Wrap(memerr.CodeInternal, "listen on peer address", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Infow("peer transport listening", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnw("peer accept failed", "err", err)
			continue
		}
		go func() {
			if _, err := peers.HandleInbound(ctx, conn, uint64(quota)); err != nil {
				logger.Warnw("inbound peer handshake failed", "err", err)
			}
		}()
	}
}

// serveMetrics runs an HTTP server exposing rec at /metrics until ctx is
// canceled, matching the errgroup-supervised listener style the control
// RPC and peer listeners already use.
func serveMetrics(ctx context.Context, addr string, rec *metrics.Recorder, logger interface {
	Warnw(string, ...interface{})
	Infow(string, ...interface{})
}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return memerr.Wrap(memerr.CodeInternal, "serve metrics", err)
	}
	return ctx.Err()
}

func waitForShutdownSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		return errors.New("received shutdown signal")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimPIDFile refuses to start if another process is already running
// per the PID file, matching cmd/nocturne-node/main.go's cmdConnect
// liveness check (FindProcess always succeeds on Unix; Signal(0) tests
// whether the process is actually alive).
func claimPIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("memnoded already running (pid %d)", pid)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

func hostName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "memnode"
	}
	return h
}

// blockBacking adapts blockstore.Store to vmpaging.PageBacking, keying
// one block per (region, page) pair. An unpopulated page fetches as
// empty data with no error, which vmpaging.Region.faultInPage zero-fills —
// the same fallback memcloud_vm.c's page_fault_handler uses when
// memcloud_vm_fetch comes back short.
type blockBacking struct {
	blocks *blockstore.Store

	mu    chan struct{} // 1-buffered mutex, avoids importing sync here for a single map
	pages map[[2]uint64]uint64
}

func newBlockBacking(blocks *blockstore.Store) *blockBacking {
	b := &blockBacking{blocks: blocks, mu: make(chan struct{}, 1), pages: make(map[[2]uint64]uint64)}
	b.mu <- struct{}{}
	return b
}

func (b *blockBacking) lock()   { <-b.mu }
func (b *blockBacking) unlock() { b.mu <- struct{}{} }

func (b *blockBacking) FetchPage(ctx context.Context, regionID uint64, pageIndex uint64) ([]byte, error) {
	b.lock()
	blockID, ok := b.pages[[2]uint64{regionID, pageIndex}]
	b.unlock()
	if !ok {
		return nil, nil
	}
	data, err := b.blocks.Load(blockID)
	if memerr.Is(err, memerr.CodeNotFound) {
		return nil, nil
	}
	return data, err
}

func (b *blockBacking) StorePage(ctx context.Context, regionID uint64, pageIndex uint64, data []byte) error {
	newID, err := b.blocks.Store(data)
	if err != nil {
		return err
	}
	key := [2]uint64{regionID, pageIndex}
	b.lock()
	oldID, hadOld := b.pages[key]
	b.pages[key] = newID
	b.unlock()
	if hadOld {
		_ = b.blocks.Free(oldID)
	}
	return nil
}
