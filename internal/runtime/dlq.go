package runtime

import (
	"fmt"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

// dlqManager returns the transport component that manages parked messages.
func (s *Service) dlqManager() (transport.DLQManager, error) {
	for _, candidate := range []any{s.transport.DeadLetterer, s.transport.Subscriber, s.transport.Publisher} {
		if m, ok := candidate.(transport.DLQManager); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errspkg.ErrDLQNotSupported, s.Conf.PubSubSystem)
}

// GetDLQCount reports how many messages of topic are parked, and refreshes
// the current-size gauge.
func (s *Service) GetDLQCount(topic string) (int64, error) {
	m, err := s.dlqManager()
	if err != nil {
		return 0, err
	}
	count, err := m.GetDLQCount(topic)
	if err != nil {
		return 0, err
	}
	s.dlqMetrics.SetCurrent(topic, uint64(max(count, 0)))
	return count, nil
}

// ReplayDLQMessage moves one parked message back onto its original topic.
func (s *Service) ReplayDLQMessage(topic string, dlqID int64) error {
	m, err := s.dlqManager()
	if err != nil {
		return err
	}
	if err := m.ReplayDLQMessage(dlqID); err != nil {
		return err
	}
	s.dlqMetrics.RecordReplayed(topic, 1)
	s.Logger.Info("Replayed dead-lettered message", loggingpkg.LogFields{"topic": topic, "dlq_id": dlqID})
	return nil
}

// ReplayAllDLQ moves every parked message of topic back onto it.
func (s *Service) ReplayAllDLQ(topic string) (int64, error) {
	m, err := s.dlqManager()
	if err != nil {
		return 0, err
	}
	count, err := m.ReplayAllDLQ(topic)
	if err != nil {
		return 0, err
	}
	s.dlqMetrics.RecordReplayed(topic, count)
	s.Logger.Info("Replayed dead-lettered messages", loggingpkg.LogFields{"topic": topic, "count": count})
	return count, nil
}

// PurgeDLQ drops every parked message of topic.
func (s *Service) PurgeDLQ(topic string) (int64, error) {
	m, err := s.dlqManager()
	if err != nil {
		return 0, err
	}
	count, err := m.PurgeDLQ(topic)
	if err != nil {
		return 0, err
	}
	s.dlqMetrics.RecordPurged(topic, count)
	s.Logger.Info("Purged dead-lettered messages", loggingpkg.LogFields{"topic": topic, "count": count})
	return count, nil
}

// ListDLQMessages pages through the parked messages of topic when the
// transport supports it.
func (s *Service) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	for _, candidate := range []any{s.transport.DeadLetterer, s.transport.Subscriber} {
		if l, ok := candidate.(transport.DLQLister); ok {
			return l.ListDLQMessages(topic, limit, offset)
		}
	}
	return nil, fmt.Errorf("%w: %s", errspkg.ErrDLQNotSupported, s.Conf.PubSubSystem)
}
