package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/persistence/metadata"
)

type fakeStore struct {
	items   map[string]metadata.QueueItem
	acked   []string
	retried map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]metadata.QueueItem{}, retried: map[string]time.Time{}}
}

func (f *fakeStore) Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, maxRetries int, id string) error {
	f.items[id] = metadata.QueueItem{ID: id, Tenant: tenant, Kind: kind, Body: body, MaxRetries: maxRetries}
	return nil
}

func (f *fakeStore) ClaimNext(ctx context.Context, leaseOwner string, leaseDuration time.Duration, perTenantLimit int) ([]metadata.QueueItem, error) {
	var out []metadata.QueueItem
	for _, it := range f.items {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeStore) CompleteQueueItem(ctx context.Context, id string) error {
	f.acked = append(f.acked, id)
	delete(f.items, id)
	return nil
}

func (f *fakeStore) RetryQueueItem(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	f.retried[id] = nextRetryAt
	it := f.items[id]
	it.RetryCount++
	it.LastError = lastError
	f.items[id] = it
	return nil
}

func (f *fakeStore) ListDeadLettered(ctx context.Context, tenant string) ([]metadata.QueueItem, error) {
	return nil, nil
}

func (f *fakeStore) ReclaimExpiredLeases(ctx context.Context) (int64, error) { return 0, nil }

type fakeProducer struct {
	sent []kafka.Message
	err  error
}

func (f *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func testCfg() config.QueueConfig {
	return config.QueueConfig{
		BaseBackoff:          2 * time.Second,
		MaxBackoff:           300 * time.Second,
		Multiplier:           2.0,
		RetryAfterBuffer:     0.10,
		MaxRetriesExtraction: 5,
		MaxRetriesFileProc:   3,
		BatchPerTenant:       10,
		LeaseDuration:        5 * time.Minute,
		PollInterval:         10 * time.Millisecond,
	}
}

func TestEnqueue_PublishesWakeupPing(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{}
	svc := New(store, producer, "ingestion.wakeups", config.RedisConfig{}, testCfg())

	err := svc.Enqueue(context.Background(), "tenant1", KindFileProcessing, json.RawMessage(`{}`), "item1")
	require.NoError(t, err)
	require.Len(t, producer.sent, 1)
	assert.Equal(t, "ingestion.wakeups", producer.sent[0].Topic)
}

func TestEnqueue_PublishFailureDoesNotFailEnqueue(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{err: assert.AnError}
	svc := New(store, producer, "ingestion.wakeups", config.RedisConfig{}, testCfg())

	err := svc.Enqueue(context.Background(), "tenant1", KindFileProcessing, json.RawMessage(`{}`), "item1")
	require.NoError(t, err)
	_, exists := store.items["item1"]
	assert.True(t, exists)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	cfg := testCfg()
	assert.Equal(t, 2*time.Second, backoff(0, cfg))
	assert.Equal(t, 4*time.Second, backoff(1, cfg))
	assert.Equal(t, 8*time.Second, backoff(2, cfg))
	assert.Equal(t, 300*time.Second, backoff(20, cfg))
}

func TestNack_HonorsRateLimitRetryAfterWithBuffer(t *testing.T) {
	store := newFakeStore()
	store.items["item1"] = metadata.QueueItem{ID: "item1", Tenant: "tenant1"}
	svc := New(store, nil, "topic", config.RedisConfig{}, testCfg())

	before := time.Now().UTC()
	err := svc.Nack(context.Background(), store.items["item1"], errs.RateLimited("chat", 10, assert.AnError))
	require.NoError(t, err)

	next := store.retried["item1"]
	assert.WithinDuration(t, before.Add(11*time.Second), next, 2*time.Second)
}

func TestNack_DeadLettersAtMaxRetries(t *testing.T) {
	store := newFakeStore()
	cfg := testCfg()
	item := metadata.QueueItem{ID: "item1", Tenant: "tenant1", RetryCount: cfg.MaxRetriesFileProc - 1, MaxRetries: cfg.MaxRetriesFileProc}
	store.items["item1"] = item
	svc := New(store, nil, "topic", config.RedisConfig{}, cfg)

	err := svc.Nack(context.Background(), item, assert.AnError)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxRetriesFileProc, store.items["item1"].RetryCount)
}

func TestIsHeld_DisabledRedisAlwaysFalse(t *testing.T) {
	svc := New(newFakeStore(), nil, "topic", config.RedisConfig{Enabled: false}, testCfg())
	assert.False(t, svc.IsHeld(context.Background(), "tenant1"))
}

func TestDrain_AcksOnSuccessAndNacksOnFailure(t *testing.T) {
	store := newFakeStore()
	store.items["ok"] = metadata.QueueItem{ID: "ok", Tenant: "t1", Kind: KindFileProcessing}
	store.items["bad"] = metadata.QueueItem{ID: "bad", Tenant: "t1", Kind: KindFileProcessing, Body: json.RawMessage(`"bad"`)}
	svc := New(store, nil, "topic", config.RedisConfig{}, testCfg())

	n, err := svc.Drain(context.Background(), "worker1", func(ctx context.Context, body []byte, kind string) error {
		if string(body) == `"bad"` {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"ok"}, store.acked)
	assert.Contains(t, store.retried, "bad")
}
