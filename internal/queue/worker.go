package queue

import (
	"context"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/ofisk/loresmith/internal/observability"
)

// Reader is the subset of *kafka.Reader the wake-up consumer needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewReader mirrors the teacher's broker-list addressing for the
// producer side, applied to a consumer group on ingestion.wakeups.
func NewReader(brokers []string, topic, groupID string) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
}

// Drain leases ready items and invokes process on each, acking on
// success and nacking (with backoff/dead-letter/rate-limit-hold
// handling) on failure. It returns the number of items processed.
func (s *Service) Drain(ctx context.Context, leaseOwner string, process func(ctx context.Context, body []byte, kind string) error) (int, error) {
	items, err := s.Lease(ctx, leaseOwner)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if procErr := process(ctx, item.Body, item.Kind); procErr != nil {
			if nackErr := s.Nack(ctx, item, procErr); nackErr != nil {
				log := observability.LoggerWithTrace(ctx)
				log.Error().Err(nackErr).Str("queue_item_id", item.ID).Msg("queue_nack_failed")
			}
			continue
		}
		if ackErr := s.Ack(ctx, item.ID); ackErr != nil {
			log := observability.LoggerWithTrace(ctx)
			log.Error().Err(ackErr).Str("queue_item_id", item.ID).Msg("queue_ack_failed")
		}
	}
	return len(items), nil
}

// Run blocks draining the queue: it wakes on a Kafka wake-up ping when
// reader is non-nil and reachable, otherwise falls back to polling
// every PollInterval. Correctness never depends on which path fires —
// a wake-up just shortens the wait before the next Drain.
func (s *Service) Run(ctx context.Context, leaseOwner string, reader Reader, process func(ctx context.Context, body []byte, kind string) error) {
	log := observability.LoggerWithTrace(ctx)
	wake := make(chan struct{}, 1)
	if reader != nil {
		go s.pumpWakeups(ctx, reader, wake)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Drain(ctx, leaseOwner, process); err != nil {
			log.Error().Err(err).Msg("queue_drain_failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (s *Service) pumpWakeups(ctx context.Context, reader Reader, wake chan<- struct{}) {
	log := observability.LoggerWithTrace(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := reader.ReadMessage(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Msg("queue_wakeup_read_failed")
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
