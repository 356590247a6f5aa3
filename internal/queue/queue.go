// Package queue is the Ingestion Queue business layer (SPEC_FULL.md
// §4.8): Postgres is the table of record and the only thing that
// decides retry/backoff/dead-letter. Kafka and Redis, wired in this
// package, are pure latency/throughput optimizations layered over that
// durable state — a worker that never sees either still makes correct
// (if slower) progress via polling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/observability"
	"github.com/ofisk/loresmith/internal/persistence/metadata"
)

const (
	KindFileProcessing   = "file_processing"
	KindEntityExtraction = "entity_extraction"
	KindGraphRebuild     = "graph_rebuild"
	KindTranscription    = "transcription"
)

// Store is the subset of metadata.Store the queue needs; narrowed for
// testability.
type Store interface {
	Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, maxRetries int, id string) error
	ClaimNext(ctx context.Context, leaseOwner string, leaseDuration time.Duration, perTenantLimit int) ([]metadata.QueueItem, error)
	CompleteQueueItem(ctx context.Context, id string) error
	RetryQueueItem(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error
	ListDeadLettered(ctx context.Context, tenant string) ([]metadata.QueueItem, error)
	ReclaimExpiredLeases(ctx context.Context) (int64, error)
}

// Producer is the subset of *kafka.Writer the wake-up ping needs,
// adapted from the teacher's internal/tools/kafka.Writer interface so
// tests can substitute a fake.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewProducer mirrors the teacher's NewProducerFromBrokers: one
// least-bytes-balanced writer per broker list, addressed by TCP.
func NewProducer(brokers []string, topic string) Producer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
}

// Service wraps Store with backoff computation, a Kafka wake-up ping on
// enqueue, and a Redis mirror of per-tenant rate-limit holds.
type Service struct {
	store    Store
	producer Producer // nil disables the wake-up ping; polling still works
	topic    string
	holds    *holdMirror
	cfg      config.QueueConfig
}

func New(store Store, producer Producer, topic string, redisCfg config.RedisConfig, cfg config.QueueConfig) *Service {
	return &Service{store: store, producer: producer, topic: topic, holds: newHoldMirror(redisCfg), cfg: cfg}
}

func maxRetriesFor(kind string, cfg config.QueueConfig) int {
	if kind == KindFileProcessing {
		return cfg.MaxRetriesFileProc
	}
	return cfg.MaxRetriesExtraction
}

// Enqueue durably inserts the item then best-effort pings Kafka; a
// publish failure is logged, never returned, since Postgres already
// holds the item and a poller will pick it up.
func (s *Service) Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, id string) error {
	if err := s.store.Enqueue(ctx, tenant, kind, body, maxRetriesFor(kind, s.cfg), id); err != nil {
		return err
	}
	s.ping(ctx, kind)
	return nil
}

func (s *Service) ping(ctx context.Context, kind string) {
	if s.producer == nil {
		return
	}
	msg := kafka.Message{Topic: s.topic, Key: []byte(kind), Value: []byte(`{"kind":"` + kind + `"}`)}
	if err := s.producer.WriteMessages(ctx, msg); err != nil {
		log := observability.LoggerWithTrace(ctx)
		log.Debug().Err(err).Str("kind", kind).Msg("queue_wakeup_publish_failed")
	}
}

// Lease claims up to BatchPerTenant ready items per tenant, skipping
// tenants currently under a rate-limit hold per the Redis mirror (a
// miss or disabled Redis just falls through to Postgres's own
// next_retry_at filter).
func (s *Service) Lease(ctx context.Context, leaseOwner string) ([]metadata.QueueItem, error) {
	items, err := s.store.ClaimNext(ctx, leaseOwner, s.cfg.LeaseDuration, s.cfg.BatchPerTenant)
	if err != nil {
		return nil, err
	}
	var out []metadata.QueueItem
	for _, it := range items {
		if s.holds.isHeld(ctx, it.Tenant) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Ack deletes a successfully processed item.
func (s *Service) Ack(ctx context.Context, id string) error {
	return s.store.CompleteQueueItem(ctx, id)
}

// Nack reschedules id with exponential backoff (honoring a
// rate-limited err's RetryAfter hint when present) or dead-letters it
// once retry_count reaches max_retries. When err classifies as
// rate-limited, the tenant is also held in the Redis mirror until the
// computed retry time.
func (s *Service) Nack(ctx context.Context, item metadata.QueueItem, err error) error {
	delay := backoff(item.RetryCount, s.cfg)
	if rl, ok := asRateLimited(err); ok && rl.RetryAfter > 0 {
		delay = time.Duration(rl.RetryAfter * (1 + s.cfg.RetryAfterBuffer) * float64(time.Second))
	}
	next := time.Now().UTC().Add(delay)

	if errs.KindOf(err) == errs.KindRateLimit {
		s.holds.hold(ctx, item.Tenant, next)
	}
	return s.store.RetryQueueItem(ctx, item.ID, next, err.Error())
}

func asRateLimited(err error) (*errs.RateLimitedError, bool) {
	var rl *errs.RateLimitedError
	ok := errors.As(err, &rl)
	return rl, ok
}

// backoff computes base*multiplier^retryCount, capped at MaxBackoff.
func backoff(retryCount int, cfg config.QueueConfig) time.Duration {
	d := float64(cfg.BaseBackoff) * math.Pow(cfg.Multiplier, float64(retryCount))
	if cap := float64(cfg.MaxBackoff); d > cap {
		d = cap
	}
	return time.Duration(d)
}

func (s *Service) DeadLettered(ctx context.Context, tenant string) ([]metadata.QueueItem, error) {
	return s.store.ListDeadLettered(ctx, tenant)
}

func (s *Service) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	return s.store.ReclaimExpiredLeases(ctx)
}

// IsHeld reports whether tenant currently has an active rate-limit
// hold, consulting the Redis mirror first and falling back to false
// (Postgres's own next_retry_at filter is the real enforcement point
// via Lease/ClaimNext).
func (s *Service) IsHeld(ctx context.Context, tenant string) bool {
	return s.holds.isHeld(ctx, tenant)
}
