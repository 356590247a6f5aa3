package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/observability"
)

// holdMirror caches per-tenant rate-limit holds in Redis for a fast
// cross-worker check before a DB round trip, nil-safe like the
// teacher's internal/skills.RedisSkillsCache: a disabled or
// unreachable Redis just means every tenant looks unheld, which is
// safe because Postgres's next_retry_at filter still enforces the
// hold on the next ClaimNext.
type holdMirror struct {
	client redis.UniversalClient
}

func newHoldMirror(cfg config.RedisConfig) *holdMirror {
	if !cfg.Enabled {
		return &holdMirror{}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return &holdMirror{}
	}
	return &holdMirror{client: client}
}

func holdKey(tenant string) string { return "queue:hold:" + tenant }

func (h *holdMirror) hold(ctx context.Context, tenant string, until time.Time) {
	if h == nil || h.client == nil {
		return
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return
	}
	if err := h.client.Set(ctx, holdKey(tenant), until.Unix(), ttl).Err(); err != nil {
		log := observability.LoggerWithTrace(ctx)
		log.Debug().Err(err).Str("tenant", tenant).Msg("queue_hold_mirror_set_failed")
	}
}

func (h *holdMirror) isHeld(ctx context.Context, tenant string) bool {
	if h == nil || h.client == nil {
		return false
	}
	_, err := h.client.Get(ctx, holdKey(tenant)).Result()
	if err != nil {
		if err != redis.Nil {
			log := observability.LoggerWithTrace(ctx)
			log.Debug().Err(err).Str("tenant", tenant).Msg("queue_hold_mirror_get_failed")
		}
		return false
	}
	return true
}
