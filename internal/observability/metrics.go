package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for VestLedger.
type Metrics struct {
	// --- Engine operations ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge

	// --- Stream state ---
	ActiveStreams  prometheus.Gauge
	StreamsCreated prometheus.Counter
	StreamsMerged  prometheus.Counter
	StreamsMoved   prometheus.Counter
	ConvertedIn    prometheus.Counter
	ConvertedOut   prometheus.Counter
	ClaimedOut     prometheus.Counter
	AdminWithdrawn prometheus.Counter

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistStreamsWritten prometheus.Counter
	PersistEventsWritten  prometheus.Counter
	PersistBatchDur       prometheus.Histogram
	PersistBatchSize      prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Restore ---
	RestoreStreamsTotal prometheus.Counter
	RestoreDuration     prometheus.Gauge

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine operations
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vest_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vest_ops_rejected_total",
			Help: "Operations rejected (expired, unauthorized, validation, reserves)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vest_op_duration_seconds",
			Help:    "Time to apply a single engine operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vest_engine_sequence",
			Help: "Current engine operation sequence number",
		}),

		// Stream state
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vest_active_streams",
			Help: "Streams currently present in the ledger",
		}),

		StreamsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_streams_created_total",
			Help: "New stream records created by conversions",
		}),

		StreamsMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_streams_merged_total",
			Help: "Stream records merged on identifier collision",
		}),

		StreamsMoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_streams_transferred_total",
			Help: "Ownership transfers applied",
		}),

		ConvertedIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_converted_in_total",
			Help: "Input asset units consumed by conversions (base units)",
		}),

		ConvertedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_converted_out_total",
			Help: "Output asset units placed under vesting (base units)",
		}),

		ClaimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_claimed_out_total",
			Help: "Output asset units paid out by claims (base units)",
		}),

		AdminWithdrawn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_admin_withdrawn_total",
			Help: "Output asset units withdrawn by the admin (base units)",
		}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vest_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vest_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vest_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Persistence
		PersistStreamsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_persist_streams_written_total",
			Help: "Stream upserts written to Postgres",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vest_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vest_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vest_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vest_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Restore
		RestoreStreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vest_restore_streams_total",
			Help: "Streams restored from Postgres on startup",
		}),

		RestoreDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vest_restore_duration_seconds",
			Help: "Total startup restore time",
		}),

		// HTTP API
		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vest_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vest_api_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
