// Package stats counts public requests and reports the node's tier to
// Prometheus.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xserver-network/xserverd/internal/tier"
)

// Collector is what the request surface reports into.
type Collector interface {
	IncrementPublicRequest()
	ReportTier(level tier.Level)
}

// Stats keeps process-local counters and mirrors them to Prometheus.
type Stats struct {
	publicRequests atomic.Uint64
	tierLevel      atomic.Int32

	requests  prometheus.Counter
	tierGauge prometheus.Gauge
	merges    *prometheus.CounterVec
	locks     *prometheus.CounterVec
	sync      *prometheus.CounterVec
}

var (
	defaultOnce  sync.Once
	defaultStats *Stats
)

// Default returns the process-wide collector registered with the
// default Prometheus registerer.
func Default() *Stats {
	defaultOnce.Do(func() {
		defaultStats = New(prometheus.DefaultRegisterer)
	})
	return defaultStats
}

// New builds a collector registered with reg. A nil reg leaves the
// metrics unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xserver_public_requests_total",
			Help: "Number of public requests served.",
		}),
		tierGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xserver_tier",
			Help: "Tier currently held by this xServer.",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xserver_profile_merges_total",
			Help: "Profile reservation merge outcomes by source and result.",
		}, []string{"source", "result"}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xserver_price_lock_transitions_total",
			Help: "Price lock state transitions by resulting status.",
		}, []string{"status"}),
		sync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xserver_sync_deliveries_total",
			Help: "Reservation sync deliveries by message kind and result.",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(s.requests, s.tierGauge, s.merges, s.locks, s.sync)
	}
	return s
}

// IncrementPublicRequest implements Collector.
func (s *Stats) IncrementPublicRequest() {
	if s == nil {
		return
	}
	s.publicRequests.Add(1)
	s.requests.Inc()
}

// ReportTier implements Collector.
func (s *Stats) ReportTier(level tier.Level) {
	if s == nil {
		return
	}
	s.tierLevel.Store(int32(level))
	s.tierGauge.Set(float64(level))
}

// PublicRequests returns the number of public requests served.
func (s *Stats) PublicRequests() uint64 {
	if s == nil {
		return 0
	}
	return s.publicRequests.Load()
}

// Tier returns the last reported tier.
func (s *Stats) Tier() tier.Level {
	if s == nil {
		return tier.Unknown
	}
	return tier.Level(s.tierLevel.Load())
}

// ObserveMerge records a reservation merge outcome.
func (s *Stats) ObserveMerge(source, result string) {
	if s == nil {
		return
	}
	s.merges.WithLabelValues(source, result).Inc()
}

// ObservePriceLock records a price-lock transition.
func (s *Stats) ObservePriceLock(status string) {
	if s == nil {
		return
	}
	s.locks.WithLabelValues(status).Inc()
}

// ObserveSync records a peer delivery outcome.
func (s *Stats) ObserveSync(kind, result string) {
	if s == nil {
		return
	}
	s.sync.WithLabelValues(kind, result).Inc()
}
