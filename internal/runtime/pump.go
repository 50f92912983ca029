package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/pipeline"
)

// subscribe opens the subscriptions a channel reads from. Brokers that
// balance a topic across consumers get one subscription per worker so each
// worker can hold a message in flight; fan-out transports get exactly one,
// otherwise every subscription would receive its own copy.
func (s *Service) subscribe(ctx context.Context, ch *channel) ([]<-chan *message.Message, error) {
	n := 1
	if s.caps.CompetingConsumers {
		n = ch.settings.MaxConcurrentCalls
	}
	subs := make([]<-chan *message.Message, 0, n)
	for range n {
		msgs, err := s.transport.Subscriber.Subscribe(ctx, ch.Topic)
		if err != nil {
			return nil, fmt.Errorf("channel %q: subscribe to %s: %w", ch.Name, ch.Topic, err)
		}
		subs = append(subs, msgs)
	}
	return subs, nil
}

// pump feeds the channel's workers until every subscription is closed,
// which Watermill subscribers do once ctx is done.
func (s *Service) pump(ctx context.Context, ch *channel, subs []<-chan *message.Message) error {
	buffer := make(chan *message.Message, ch.settings.PrefetchCount)

	var readers sync.WaitGroup
	for _, sub := range subs {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for msg := range sub {
				select {
				case buffer <- msg:
				case <-ctx.Done():
					msg.Nack()
				}
			}
		}()
	}
	go func() {
		readers.Wait()
		close(buffer)
	}()

	s.Logger.Debug("Channel consuming", loggingpkg.LogFields{
		"channel":        ch.Name,
		"topic":          ch.Topic,
		"subscriptions":  len(subs),
		"workers":        ch.settings.MaxConcurrentCalls,
		"prefetch_count": ch.settings.PrefetchCount,
	})

	var workers errgroup.Group
	for range ch.settings.MaxConcurrentCalls {
		workers.Go(func() error {
			for msg := range buffer {
				if ctx.Err() != nil {
					msg.Nack()
					continue
				}
				s.handle(ctx, ch, msg)
			}
			return nil
		})
	}
	return workers.Wait()
}

func (s *Service) handle(ctx context.Context, ch *channel, msg *message.Message) {
	count, err := ch.counter.Count(msg)
	if err != nil {
		s.Logger.Warn("Delivery count unavailable, treating as first delivery", err, loggingpkg.LogFields{
			"channel":    ch.Name,
			"message_id": msg.UUID,
		})
		count = 1
	}

	handle := &messageHandle{
		msg:           msg,
		topic:         ch.Topic,
		deliveryCount: count,
		limit:         ch.settings.DeadLetterDeliveryLimit,
		decode:        ch.binding.Decode,
		deadLetter: func(ctx context.Context, m *message.Message, reason string) error {
			return s.deadLetterer.DeadLetter(ctx, ch.Topic, m, reason)
		},
		settled: ch.counter.Forget,
	}
	ctx = handlerpkg.WithMessageInfo(ctx, handlerpkg.MessageInfo{
		MessageID:     msg.UUID,
		Topic:         ch.Topic,
		Channel:       ch.Name,
		DeliveryCount: count,
		Metadata:      metadatapkg.FromWatermill(msg.Metadata),
	})

	ch.stats.begin()
	ch.dispatcher.Dispatch(ctx, handle)
}

// recordDeadLetter feeds successful dead-letter moves into the DLQ metrics.
// The age is measured from the ULID timestamp when the id is one.
func (s *Service) recordDeadLetter(ch *channel) func(pipeline.Result) {
	return func(res pipeline.Result) {
		if res.Outcome != pipeline.OutcomeDeadLettered || res.Err != nil {
			return
		}
		var age time.Duration
		if issued, ok := idspkg.IssuedAt(res.MessageID); ok {
			age = time.Since(issued)
		}
		s.dlqMetrics.RecordDeadLettered(ch.Topic, ch.Name, res.DeliveryCount, age)
	}
}
