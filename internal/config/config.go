// Package config loads MemCloud daemon configuration from defaults,
// environment variables, and command-line flags, in that order of
// increasing precedence — the same layered-override shape
// cmd/nocturne-node/main.go used for its flag parsing, generalized into
// one struct instead of several standalone parsing functions.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every tunable named in spec.md §4, §6, and §9.
type Config struct {
	// ControlSocket is the Unix socket path for the control RPC server.
	ControlSocket string
	// ControlTCPAddr is the loopback TCP address the control RPC server
	// also listens on, alongside the Unix socket.
	ControlTCPAddr string
	// PeerListenAddr is the TCP address peers dial to reach this node.
	PeerListenAddr string

	// StateDir is the per-user state directory holding identity.key,
	// trusted_devices.json, and memnode.pid.
	StateDir string

	// MallocThresholdMB is the allocation size, in MiB, above which the
	// VM paging core services the request from remote RAM.
	MallocThresholdMB int

	// HandshakeTimeout bounds the full 4-message handshake.
	HandshakeTimeout time.Duration
	// PendingConsentDeadline bounds how long an unauthenticated session
	// waits in the Pending queue for an operator decision.
	PendingConsentDeadline time.Duration
	// StreamInactivityDeadline aborts a stream with no chunk in this long.
	StreamInactivityDeadline time.Duration
	// StreamMaxSize bounds the total assembled size of one stream.
	StreamMaxSize int64
	// StreamMaxChunkSize bounds a single StreamChunk payload.
	StreamMaxChunkSize int64
	// PingInterval is the period between keepalive Ping frames.
	PingInterval time.Duration
	// PingMissesBeforeDrop is the number of consecutive missed Pongs that
	// drops a session.
	PingMissesBeforeDrop int
	// PeerRequestTimeout bounds a single dispatched peer-protocol request.
	PeerRequestTimeout time.Duration
	// ConsecutiveTimeoutsBeforeDrop drops a session after this many
	// accumulated request timeouts.
	ConsecutiveTimeoutsBeforeDrop int
	// PeerRequestsPerSecond bounds inbound peer-protocol requests per
	// session before the session is dropped for abuse.
	PeerRequestsPerSecond int

	// DefaultCapacityBytes is this node's local block-store capacity.
	DefaultCapacityBytes int64

	// MetricsAddr is the loopback TCP address serving /metrics in the
	// Prometheus exposition format. Empty disables the metrics listener.
	MetricsAddr string
}

// Defaults returns the recommended constants from spec.md §4.
func Defaults() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	stateDir := filepath.Join(home, ".memcloud")
	return Config{
		ControlSocket:                 filepath.Join(stateDir, "control.sock"),
		ControlTCPAddr:                "127.0.0.1:7070",
		PeerListenAddr:                "0.0.0.0:7077",
		StateDir:                      stateDir,
		MallocThresholdMB:             8,
		HandshakeTimeout:              10 * time.Second,
		PendingConsentDeadline:        60 * time.Second,
		StreamInactivityDeadline:      60 * time.Second,
		StreamMaxSize:                 4 << 30, // 4 GiB
		StreamMaxChunkSize:            4 << 20, // 4 MiB
		PingInterval:                  15 * time.Second,
		PingMissesBeforeDrop:          3,
		PeerRequestTimeout:            30 * time.Second,
		ConsecutiveTimeoutsBeforeDrop: 5,
		PeerRequestsPerSecond:         200,
		DefaultCapacityBytes:          1 << 30, // 1 GiB
		MetricsAddr:                   "127.0.0.1:9090",
	}
}

// FromEnv overlays environment variables onto cfg and returns the result.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("MEMCLOUD_SOCKET"); v != "" {
		cfg.ControlSocket = v
	}
	if v := os.Getenv("MEMCLOUD_MALLOC_THRESHOLD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MallocThresholdMB = n
		}
	}
	return cfg
}

// FromFlags registers flags on fs (pass flag.CommandLine for the normal
// case) defaulting to the values already in cfg, parses args, and returns
// the result. Matches nocturne's own hand-rolled flag parsing rather than
// reaching for a CLI framework — there is no domain reason a daemon's own
// flags need one.
func FromFlags(fs *flag.FlagSet, cfg Config, args []string) (Config, error) {
	socket := fs.String("socket", cfg.ControlSocket, "control RPC unix socket path")
	controlTCP := fs.String("control-tcp", cfg.ControlTCPAddr, "control RPC loopback TCP address")
	peerListen := fs.String("peer-listen", cfg.PeerListenAddr, "peer transport listen address")
	stateDir := fs.String("state-dir", cfg.StateDir, "state directory for identity.key and trusted_devices.json")
	thresholdMB := fs.Int("malloc-threshold-mb", cfg.MallocThresholdMB, "VM paging threshold in MiB")
	capacity := fs.Int64("capacity-bytes", cfg.DefaultCapacityBytes, "local block store capacity in bytes")
	peerRate := fs.Int("peer-requests-per-second", cfg.PeerRequestsPerSecond, "inbound peer request rate limit per session (0 disables)")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Prometheus /metrics listen address (empty disables)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.ControlSocket = *socket
	cfg.ControlTCPAddr = *controlTCP
	cfg.PeerListenAddr = *peerListen
	cfg.StateDir = *stateDir
	cfg.MallocThresholdMB = *thresholdMB
	cfg.DefaultCapacityBytes = *capacity
	cfg.PeerRequestsPerSecond = *peerRate
	cfg.MetricsAddr = *metricsAddr
	return cfg, nil
}

// Load builds a Config from defaults, then environment, then flags —
// the precedence order the whole package promises.
func Load(args []string) (Config, error) {
	cfg := FromEnv(Defaults())
	fs := flag.NewFlagSet("memnoded", flag.ContinueOnError)
	return FromFlags(fs, cfg, args)
}
