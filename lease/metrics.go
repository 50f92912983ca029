package lease

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports lease activity. A nil *Metrics records nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	renewalsTotal  *prometheus.CounterVec
	renewalLatency *prometheus.HistogramVec
	releasesTotal  *prometheus.CounterVec
	leasesHeld     *prometheus.GaugeVec
}

// NewMetrics builds the collectors. Call Register before scraping.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		renewalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Subsystem: "lease",
			Name:      "renewals_total",
			Help:      "Lease renewal attempts by outcome",
		}, []string{"lock", "outcome"}),
		renewalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "busflow",
			Subsystem: "lease",
			Name:      "renewal_duration_seconds",
			Help:      "Latency of successful lease renewals",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"lock"}),
		releasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Subsystem: "lease",
			Name:      "releases_total",
			Help:      "Lease releases by outcome",
		}, []string{"lock", "outcome"}),
		leasesHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "busflow",
			Subsystem: "lease",
			Name:      "held",
			Help:      "1 while this process holds the lease",
		}, []string{"lock"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.renewalsTotal, m.renewalLatency, m.releasesTotal, m.leasesHeld} {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) renewal(lock, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.renewalsTotal.WithLabelValues(lock, outcome).Inc()
	if outcome == "renewed" {
		m.renewalLatency.WithLabelValues(lock).Observe(latency.Seconds())
	}
}

func (m *Metrics) release(lock, outcome string) {
	if m == nil {
		return
	}
	m.releasesTotal.WithLabelValues(lock, outcome).Inc()
}

func (m *Metrics) held(lock string, v float64) {
	if m == nil {
		return
	}
	m.leasesHeld.WithLabelValues(lock).Set(v)
}
