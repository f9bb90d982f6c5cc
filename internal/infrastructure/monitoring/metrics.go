package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Request pipeline metrics
	UpdateRequests  *prometheus.CounterVec
	ReleaseRequests *prometheus.CounterVec
	BatchSize       *prometheus.GaugeVec

	// Cache metrics
	CacheReserve *prometheus.CounterVec
	Evictions    prometheus.Counter

	// Init metrics
	InitAttempts *prometheus.CounterVec

	// Tick metrics
	TickDuration prometheus.Histogram

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	Ticks           int64 `json:"ticks"`
	UpdatesFinished int64 `json:"updates_finished"`
	UpdatesFailed   int64 `json:"updates_failed"`
	Releases        int64 `json:"releases"`
	Evictions       int64 `json:"evictions"`
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry. Record methods are safe on a nil *Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlemgr_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundlemgr_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		UpdateRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlemgr_update_requests_total",
				Help: "Finished update requests by result",
			},
			[]string{"result"},
		),
		ReleaseRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlemgr_release_requests_total",
				Help: "Finished release requests by result",
			},
			[]string{"result"},
		),
		BatchSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bundlemgr_batch_size",
				Help: "Requests held in each batch after the last tick",
			},
			[]string{"batch"},
		),

		CacheReserve: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlemgr_cache_reserve_total",
				Help: "Cache reservation attempts by outcome",
			},
			[]string{"outcome"},
		),
		Evictions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "bundlemgr_evictions_total",
				Help: "Bundle evictions completed by sources",
			},
		),

		InitAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlemgr_init_attempts_total",
				Help: "Init step attempts by step and result",
			},
			[]string{"step", "result"},
		),

		TickDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bundlemgr_tick_duration_seconds",
				Help:    "Manager tick duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpdate records a finished update request
func (m *Metrics) RecordUpdate(result string, ok bool) {
	if m == nil {
		return
	}
	m.UpdateRequests.WithLabelValues(result).Inc()

	m.mu.Lock()
	m.snapshot.UpdatesFinished++
	if !ok {
		m.snapshot.UpdatesFailed++
	}
	m.mu.Unlock()
}

// RecordRelease records a finished release request
func (m *Metrics) RecordRelease(result string) {
	if m == nil {
		return
	}
	m.ReleaseRequests.WithLabelValues(result).Inc()

	m.mu.Lock()
	m.snapshot.Releases++
	m.mu.Unlock()
}

// RecordReserve records one cache reservation outcome
func (m *Metrics) RecordReserve(outcome string) {
	if m == nil {
		return
	}
	m.CacheReserve.WithLabelValues(outcome).Inc()
}

// IncEvictions counts a completed eviction
func (m *Metrics) IncEvictions() {
	if m == nil {
		return
	}
	m.Evictions.Inc()

	m.mu.Lock()
	m.snapshot.Evictions++
	m.mu.Unlock()
}

// RecordInitAttempt records the result of one init step
func (m *Metrics) RecordInitAttempt(step, result string) {
	if m == nil {
		return
	}
	m.InitAttempts.WithLabelValues(step, result).Inc()
}

// SetBatchSize sets the size of a request batch
func (m *Metrics) SetBatchSize(batch string, n int) {
	if m == nil {
		return
	}
	m.BatchSize.WithLabelValues(batch).Set(float64(n))
}

// ObserveTick records how long a tick took
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())

	m.mu.Lock()
	m.snapshot.Ticks++
	m.mu.Unlock()
}

// GetSnapshot returns the current counters
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
