package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead-lettered messages per topic, both as Prometheus
// collectors and as an in-process snapshot for the diagnostics endpoint.
type DLQMetrics struct {
	mu     sync.RWMutex
	topics map[string]*DLQTopicMetrics
	now    func() time.Time

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	messageAge      *prometheus.HistogramVec
	deliveryCount   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

type DLQTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	MessagesPurged   uint64    `json:"messages_purged"`
	OldestMessageAt  time.Time `json:"oldest_message_at"`
	NewestMessageAt  time.Time `json:"newest_message_at"`
	AvgDeliveryCount float64   `json:"avg_delivery_count"`
	LastDeadLetterBy string    `json:"last_dead_letter_by,omitempty"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

type DLQMetricsSnapshot struct {
	TotalMessages uint64                     `json:"total_messages"`
	TotalReplayed uint64                     `json:"total_replayed"`
	TotalPurged   uint64                     `json:"total_purged"`
	Topics        map[string]DLQTopicMetrics `json:"topics"`
	CollectedAt   time.Time                  `json:"collected_at"`
}

func dlqOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: "busflow", Subsystem: "dlq", Name: name, Help: help}
}

// NewDLQMetrics builds the collectors. Call Register to expose them.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DLQMetrics{
		topics:     make(map[string]*DLQTopicMetrics),
		now:        time.Now,
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts(
			dlqOpts("messages_total", "Messages moved to a dead-letter queue.")), []string{"topic", "channel"}),
		messagesCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts(
			dlqOpts("messages_current", "Messages currently parked in a dead-letter queue.")), []string{"topic"}),
		replayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts(
			dlqOpts("replayed_total", "Messages replayed from a dead-letter queue.")), []string{"topic"}),
		purgedTotal: prometheus.NewCounterVec(prometheus.CounterOpts(
			dlqOpts("purged_total", "Messages purged from a dead-letter queue.")), []string{"topic"}),
		messageAge: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "busflow", Subsystem: "dlq", Name: "message_age_seconds",
			Help:    "Time between a message id being issued and the message being dead-lettered.",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"topic"}),
		deliveryCount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "busflow", Subsystem: "dlq", Name: "delivery_count",
			Help:    "Delivery count of messages when they were dead-lettered.",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		}, []string{"topic"}),
	}
}

// Register adds the collectors to the registerer. Calling it twice, or on a
// registerer that already holds equal collectors, is not an error.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	for _, c := range []prometheus.Collector{
		m.messagesTotal, m.messagesCurrent, m.replayedTotal,
		m.purgedTotal, m.messageAge, m.deliveryCount,
	} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordDeadLettered counts one message parked by channel. age is zero when
// the message id carries no issue time.
func (m *DLQMetrics) RecordDeadLettered(topic, channel string, deliveryCount int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t := m.topic(topic)
	t.MessagesReceived++
	t.MessagesCurrent++
	t.AvgDeliveryCount += (float64(deliveryCount) - t.AvgDeliveryCount) / float64(t.MessagesReceived)
	t.LastDeadLetterBy = channel
	if t.OldestMessageAt.IsZero() {
		t.OldestMessageAt = now
	}
	t.NewestMessageAt = now
	t.LastUpdatedAt = now

	m.messagesTotal.WithLabelValues(topic, channel).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(t.MessagesCurrent))
	m.deliveryCount.WithLabelValues(topic).Observe(float64(deliveryCount))
	if age > 0 {
		m.messageAge.WithLabelValues(topic).Observe(age.Seconds())
	}
}

func (m *DLQMetrics) RecordReplayed(topic string, count int64) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.MessagesReplayed += uint64(count)
	t.MessagesCurrent -= min(t.MessagesCurrent, uint64(count))
	t.LastUpdatedAt = m.now()

	m.replayedTotal.WithLabelValues(topic).Add(float64(count))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(t.MessagesCurrent))
}

func (m *DLQMetrics) RecordPurged(topic string, count int64) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.MessagesPurged += uint64(count)
	t.MessagesCurrent -= min(t.MessagesCurrent, uint64(count))
	t.LastUpdatedAt = m.now()

	m.purgedTotal.WithLabelValues(topic).Add(float64(count))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(t.MessagesCurrent))
}

// SetCurrent syncs the parked count with what the transport reports.
func (m *DLQMetrics) SetCurrent(topic string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.MessagesCurrent = count
	t.LastUpdatedAt = m.now()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(count))
}

func (m *DLQMetrics) Snapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DLQMetricsSnapshot{
		Topics:      make(map[string]DLQTopicMetrics, len(m.topics)),
		CollectedAt: m.now(),
	}
	for name, t := range m.topics {
		snap.Topics[name] = *t
		snap.TotalMessages += t.MessagesCurrent
		snap.TotalReplayed += t.MessagesReplayed
		snap.TotalPurged += t.MessagesPurged
	}
	return snap
}

func (m *DLQMetrics) topic(name string) *DLQTopicMetrics {
	t, ok := m.topics[name]
	if !ok {
		t = &DLQTopicMetrics{}
		m.topics[name] = t
	}
	return t
}
