// Package metrics exposes the daemon's health as Prometheus counters and
// gauges: block count, peer count, quota usage, and handshake failures,
// per SPEC_FULL.md's ambient stack.
//
// Block count, block-store bytes used, peer count, and peer quota usage
// are sampled live from blockstore.Store and peermanager.Manager's own
// accessor methods via GaugeFunc, so neither package needs to know
// metrics exists. Handshake failures and session connect/disconnect
// counts are transient events with no resident state to poll, so
// peermanager increments those directly through the MetricsRecorder
// interface it declares for itself (avoiding an import cycle back into
// this package). client_golang is the pack's own choice for this job
// (github.com/prometheus/client_golang appears directly in
// dep2p-go-dep2p's go.mod); promauto mirrors that library's own
// idiomatic registration style.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssd-technologies/memcloud/internal/blockstore"
	"github.com/ssd-technologies/memcloud/internal/peermanager"
)

// Recorder holds every metric this daemon exposes. Its event-counter
// fields are safe to call on a nil *Recorder, so callers that received
// one optionally (e.g. not wired in a test) never need their own nil
// checks.
type Recorder struct {
	registry *prometheus.Registry

	handshakeFailures prometheus.Counter
	peerConnects      prometheus.Counter
	peerDisconnects   prometheus.Counter
}

// New builds a Recorder and registers its gauges against blocks and
// peers, whose Stats/List/Quota methods are polled on every scrape.
// Either argument may be nil to omit that half of the gauge set, which
// package-level tests that build a bare Recorder rely on.
func New(blocks *blockstore.Store, peers *peermanager.Manager) *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		handshakeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "memcloud_handshake_failures_total",
			Help: "Secure handshakes that failed before a session reached Authenticated.",
		}),
		peerConnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "memcloud_peer_connects_total",
			Help: "Peer sessions that completed the handshake and were registered.",
		}),
		peerDisconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "memcloud_peer_disconnects_total",
			Help: "Peer sessions torn down, gracefully or otherwise.",
		}),
	}

	if blocks != nil {
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "memcloud_blocks_current",
			Help: "Blocks currently held in the local block store.",
		}, func() float64 {
			n, _ := blocks.Stats()
			return float64(n)
		})
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "memcloud_block_store_used_bytes",
			Help: "Bytes currently used in the local block store.",
		}, func() float64 {
			_, used := blocks.Stats()
			return float64(used)
		})
	}

	if peers != nil {
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "memcloud_peers_connected",
			Help: "Currently registered peer sessions.",
		}, func() float64 {
			return float64(len(peers.List()))
		})
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "memcloud_peer_quota_used_bytes",
			Help: "Sum of quota bytes currently reserved across all peer sessions.",
		}, func() float64 {
			var used uint64
			for _, p := range peers.List() {
				_, u := p.Quota()
				used += u
			}
			return float64(used)
		})
	}

	return r
}

// Handler serves this recorder's registry in the Prometheus exposition
// format, for mounting at the daemon's metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// HandshakeFailure records a handshake that failed before authentication.
func (r *Recorder) HandshakeFailure() {
	if r == nil {
		return
	}
	r.handshakeFailures.Inc()
}

// PeerConnected records a session reaching Authenticated.
func (r *Recorder) PeerConnected() {
	if r == nil {
		return
	}
	r.peerConnects.Inc()
}

// PeerDisconnected records a session closing.
func (r *Recorder) PeerDisconnected() {
	if r == nil {
		return
	}
	r.peerDisconnects.Inc()
}
