package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Whether the node is major syncing (1) or caught up (0).
	Syncing metrics.Gauge
	// Number of connected sync peers.
	NumPeers metrics.Gauge
	// Best block height of the local chain.
	LocalHeight metrics.Gauge
	// Best block height seen across all peers.
	BestSeenHeight metrics.Gauge
	// Number of block ranges currently in flight.
	PendingRequests metrics.Gauge
	// Number of downloaded blocks waiting on import.
	QueuedBlocks metrics.Gauge
	// Number of blocks known missing and not yet in flight.
	MissingBlocks metrics.Gauge

	// Number of requests sent, labeled by purpose.
	RequestsSent metrics.Counter
	// Number of block announces received from peers.
	Announces metrics.Counter
	// Number of request failures observed, labeled by kind.
	RequestFailures metrics.Counter
	// Number of retries issued with a reduced block count.
	SizeDegradedRetries metrics.Counter
	// Number of responses discarded because a newer request superseded them.
	StaleResponses metrics.Counter
	// Number of peers dropped, labeled by reason.
	PeersDropped metrics.Counter
	// Number of blocks handed to the import queue.
	BlocksImported metrics.Counter
	// Number of justifications handed to the import queue.
	JustificationsImported metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Syncing: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "syncing",
			Help:      "Whether the node is major syncing (1) or caught up (0).",
		}, labels).With(labelsAndValues...),
		NumPeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "num_peers",
			Help:      "Number of connected sync peers.",
		}, labels).With(labelsAndValues...),
		LocalHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "local_height",
			Help:      "Best block height of the local chain.",
		}, labels).With(labelsAndValues...),
		BestSeenHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "best_seen_height",
			Help:      "Best block height seen across all peers.",
		}, labels).With(labelsAndValues...),
		PendingRequests: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_requests",
			Help:      "Number of block ranges currently in flight.",
		}, labels).With(labelsAndValues...),
		QueuedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued_blocks",
			Help:      "Number of downloaded blocks waiting on import.",
		}, labels).With(labelsAndValues...),
		MissingBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "missing_blocks",
			Help:      "Number of blocks known missing and not yet in flight.",
		}, labels).With(labelsAndValues...),
		RequestsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_sent_total",
			Help:      "Number of requests sent.",
		}, append(labels, "purpose")).With(labelsAndValues...),
		Announces: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "announces_total",
			Help:      "Number of block announces received from peers.",
		}, labels).With(labelsAndValues...),
		RequestFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_failures_total",
			Help:      "Number of request failures observed.",
		}, append(labels, "kind")).With(labelsAndValues...),
		SizeDegradedRetries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "size_degraded_retries_total",
			Help:      "Number of retries issued with a reduced block count.",
		}, labels).With(labelsAndValues...),
		StaleResponses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stale_responses_total",
			Help:      "Number of responses discarded because a newer request superseded them.",
		}, labels).With(labelsAndValues...),
		PeersDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_dropped_total",
			Help:      "Number of peers dropped.",
		}, append(labels, "reason")).With(labelsAndValues...),
		BlocksImported: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_imported_total",
			Help:      "Number of blocks handed to the import queue.",
		}, labels).With(labelsAndValues...),
		JustificationsImported: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "justifications_imported_total",
			Help:      "Number of justifications handed to the import queue.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Syncing:                discard.NewGauge(),
		NumPeers:               discard.NewGauge(),
		LocalHeight:            discard.NewGauge(),
		BestSeenHeight:         discard.NewGauge(),
		PendingRequests:        discard.NewGauge(),
		QueuedBlocks:           discard.NewGauge(),
		MissingBlocks:          discard.NewGauge(),
		RequestsSent:           discard.NewCounter(),
		Announces:              discard.NewCounter(),
		RequestFailures:        discard.NewCounter(),
		SizeDegradedRetries:    discard.NewCounter(),
		StaleResponses:         discard.NewCounter(),
		PeersDropped:           discard.NewCounter(),
		BlocksImported:         discard.NewCounter(),
		JustificationsImported: discard.NewCounter(),
	}
}
