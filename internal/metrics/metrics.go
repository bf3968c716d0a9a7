package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the detection pipeline.
type Metrics struct {
	// Ingest
	TicksTotal     prometheus.Counter
	TicksRejected  *prometheus.CounterVec // labels: reason
	FeedReconnects prometheus.Counter
	FeedDrops      prometheus.Counter
	BarsTotal      *prometheus.CounterVec // labels: timeframe
	BarsRejected   prometheus.Counter

	// Detection
	DetectorEvals   *prometheus.CounterVec   // labels: detector, result
	DetectorDur     *prometheus.HistogramVec // labels: detector
	DetectionsTotal *prometheus.CounterVec   // labels: category

	// Event buffer and distribution
	BufferOverflow   prometheus.Counter
	BatchesPublished *prometheus.CounterVec // labels: topic
	BatchesDropped   *prometheus.CounterVec // labels: topic
	EventsDropped    *prometheus.CounterVec // labels: topic
	PublishRetries   *prometheus.CounterVec // labels: topic
	BatchSize        *prometheus.HistogramVec
	FlushDur         prometheus.Histogram
	BreakerState     prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips     prometheus.Counter

	// Correlation
	CorrelationEvents  prometheus.Counter
	CorrelationDropped *prometheus.CounterVec // labels: reason
	CorrelationPairs   prometheus.Gauge
	BucketsEvicted     prometheus.Counter
	SequenceGaps       *prometheus.CounterVec // labels: topic
	SnapshotDur        prometheus.Histogram
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detengine_ticks_total",
			Help: "Total ticks received from the feed",
		}),
		TicksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detengine_ticks_rejected_total",
			Help: "Ticks rejected by the aggregator (invalid or late)",
		}, []string{"reason"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detengine_feed_reconnects_total",
			Help: "Total feed reconnection attempts",
		}),
		FeedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detengine_feed_drops_total",
			Help: "Ticks dropped because the tick channel was full",
		}),
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detengine_bars_total",
			Help: "Finalized bars emitted by timeframe",
		}, []string{"timeframe"}),
		BarsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detengine_bars_rejected_total",
			Help: "Bars rejected by the symbol buffer (duplicate or out of order)",
		}),

		DetectorEvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detengine_detector_evaluations_total",
			Help: "Detector invocations by outcome (fired, quiet, error, timeout)",
		}, []string{"detector", "result"}),
		DetectorDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detengine_detector_duration_seconds",
			Help:    "Detector evaluation latency",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"detector"}),
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detengine_detections_total",
			Help: "Detection results enqueued by category",
		}, []string{"category"}),

		BufferOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detengine_buffer_overflow_total",
			Help: "Results evicted from the event buffer because it was full",
		}),
		BatchesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detengine_batches_published_total",
			Help: "Batches published by topic",
		}, []string{"topic"}),
		BatchesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detengine_batches_dropped_total",
			Help: "Batches dropped after exhausting publish retries",
		}, []string{"topic"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detengine_events_dropped_total",
			Help: "Events lost inside dropped batches",
		}, []string{"topic"}),
		PublishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detengine_publish_retries_total",
			Help: "Publish retry attempts by topic",
		}, []string{"topic"}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detengine_batch_size",
			Help:    "Events per published batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"topic"}),
		FlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detengine_flush_duration_seconds",
			Help:    "Time spent in one flush cycle including retries",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detengine_distribution_breaker_state",
			Help: "Distribution circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detengine_distribution_breaker_trips_total",
			Help: "Times the distribution circuit breaker tripped open",
		}),

		CorrelationEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "correlator_events_total",
			Help: "Detection events applied to correlation counts",
		}),
		CorrelationDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "correlator_events_dropped_total",
			Help: "Detection events not counted, by reason (queue_full, late, duplicate, invalid)",
		}, []string{"reason"}),
		CorrelationPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "correlator_pairs",
			Help: "Detector pairs with a non-zero joint count",
		}),
		BucketsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "correlator_buckets_evicted_total",
			Help: "Count buckets evicted past the retention window",
		}),
		SequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "correlator_sequence_gaps_total",
			Help: "Missing batch sequence numbers observed by topic",
		}, []string{"topic"}),
		SnapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "correlator_snapshot_duration_seconds",
			Help:    "SQLite snapshot write latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TicksRejected,
		m.FeedReconnects,
		m.FeedDrops,
		m.BarsTotal,
		m.BarsRejected,
		m.DetectorEvals,
		m.DetectorDur,
		m.DetectionsTotal,
		m.BufferOverflow,
		m.BatchesPublished,
		m.BatchesDropped,
		m.EventsDropped,
		m.PublishRetries,
		m.BatchSize,
		m.FlushDur,
		m.BreakerState,
		m.BreakerTrips,
		m.CorrelationEvents,
		m.CorrelationDropped,
		m.CorrelationPairs,
		m.BucketsEvicted,
		m.SequenceGaps,
		m.SnapshotDur,
	)

	return m
}

// HealthStatus represents the process health.
type HealthStatus struct {
	mu sync.RWMutex

	Role           string    `json:"role"`
	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	LastFlushAt    time.Time `json:"last_flush_at"`
	DistributionOK bool      `json:"distribution_ok"`
	StoreOK        bool      `json:"store_ok"`
	StartedAt      time.Time `json:"started_at"`

	watchFeed  bool
	watchStore bool
}

// NewHealthStatus returns a health status for a process hosting the given
// halves of the pipeline.
func NewHealthStatus(role string, detector, correlator bool) *HealthStatus {
	return &HealthStatus{
		Role:           role,
		DistributionOK: true,
		StoreOK:        true,
		StartedAt:      time.Now(),
		watchFeed:      detector,
		watchStore:     correlator,
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastFlush(t time.Time) {
	h.mu.Lock()
	h.LastFlushAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetDistributionOK(v bool) {
	h.mu.Lock()
	h.DistributionOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStoreOK(v bool) {
	h.mu.Lock()
	h.StoreOK = v
	h.mu.Unlock()
}

// Status returns "healthy", "degraded" or "unhealthy".
func (h *HealthStatus) Status() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthStatus) statusLocked() string {
	switch {
	case !h.DistributionOK && (!h.watchStore || !h.StoreOK):
		return "unhealthy"
	case !h.DistributionOK, h.watchFeed && !h.FeedConnected, h.watchStore && !h.StoreOK:
		return "degraded"
	}
	return "healthy"
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := h.statusLocked()
	httpCode := http.StatusOK
	if overall != "healthy" {
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string `json:"status"`
		Role           string `json:"role"`
		Uptime         string `json:"uptime"`
		FeedConnected  bool   `json:"feed_connected"`
		LastTickTime   string `json:"last_tick_time"`
		TickAge        string `json:"tick_age"`
		LastFlushAt    string `json:"last_flush_at"`
		DistributionOK bool   `json:"distribution_ok"`
		StoreOK        bool   `json:"store_ok"`
	}{
		Status:         overall,
		Role:           h.Role,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:  h.FeedConnected,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		LastFlushAt:    h.LastFlushAt.Format(time.RFC3339),
		DistributionOK: h.DistributionOK,
		StoreOK:        h.StoreOK,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(status)
}
