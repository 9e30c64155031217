package core

// metrics.go – Prometheus metrics registry (spec §6 "Metrics endpoint").
// Grounded on the teacher's core/system_health_logging.go: a *prometheus.Registry
// of named gauges/counters plus a promhttp handler, generalized here to the
// exact metric names spec §6 requires instead of the teacher's block/coin
// gauges.

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics aggregates every counter/gauge the node exposes on :metrics_port.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsAccepted prometheus.Counter
	TransactionsRejected *prometheus.CounterVec

	PeerDiscoveryClearDead prometheus.Counter
	PeerSendFailures       prometheus.Counter
	PeerCount              prometheus.Gauge

	DownloadWindowsProcessed *prometheus.GaugeVec
	DownloadHashesResolved   *prometheus.GaugeVec

	MempoolDepth   prometheus.Gauge
	ShardQueueDepth *prometheus.GaugeVec

	MultipartyKeygenSuccess  prometheus.Counter
	MultipartyKeygenFailure  prometheus.Counter
	MultipartySigningSuccess prometheus.Counter
	MultipartySigningFailure prometheus.Counter
}

// NewMetrics constructs and registers every metric named in spec §6:
// redgold_transaction_accepted_total, redgold_download_*, and the peer
// metrics, which are named redgold_peer_* (underscores, not dots).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TransactionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redgold_transaction_accepted_total",
			Help: "Total number of transactions accepted into the store.",
		}),
		TransactionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redgold_transaction_rejected_total",
			Help: "Total number of transactions rejected, labeled by error kind.",
		}, []string{"kind"}),
		PeerDiscoveryClearDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redgold_peer_discovery_clear_dead_peers_total",
			Help: "Total number of peers removed for being dead.",
		}),
		PeerSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redgold_peer_send_failures_total",
			Help: "Total number of outbound peer send failures.",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redgold_peer_count",
			Help: "Current number of known peers.",
		}),
		DownloadWindowsProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redgold_download_windows_processed",
			Help: "Number of bootstrap download windows processed.",
		}, []string{"network"}),
		DownloadHashesResolved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redgold_download_hashes_resolved",
			Help: "Number of hashes resolved during bootstrap download.",
		}, []string{"network"}),
		MempoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redgold_mempool_depth",
			Help: "Current number of transactions queued in the mempool.",
		}),
		ShardQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redgold_contract_shard_queue_depth",
			Help: "Current queue depth per contract-state ordering shard.",
		}, []string{"shard"}),
		MultipartyKeygenSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redgold_multiparty_keygen_success_total",
			Help: "Total number of successful multiparty keygen rounds.",
		}),
		MultipartyKeygenFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redgold_multiparty_keygen_failure_total",
			Help: "Total number of failed multiparty keygen rounds.",
		}),
		MultipartySigningSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redgold_multiparty_signing_success_total",
			Help: "Total number of successful multiparty signing rounds.",
		}),
		MultipartySigningFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redgold_multiparty_signing_failure_total",
			Help: "Total number of failed multiparty signing rounds.",
		}),
	}
	reg.MustRegister(
		m.TransactionsAccepted, m.TransactionsRejected,
		m.PeerDiscoveryClearDead, m.PeerSendFailures, m.PeerCount,
		m.DownloadWindowsProcessed, m.DownloadHashesResolved,
		m.MempoolDepth, m.ShardQueueDepth,
		m.MultipartyKeygenSuccess, m.MultipartyKeygenFailure,
		m.MultipartySigningSuccess, m.MultipartySigningFailure,
	)
	return m
}

// Serve starts the /metrics HTTP endpoint and blocks until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server exited")
			return err
		}
		return nil
	}
}
