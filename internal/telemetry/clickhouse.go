package telemetry

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// QueryLatencyConfig configures the ClickHouse analytics sink for
// per-query latency telemetry (SPEC_FULL.md §4.12 step 6: "the service
// records each query's duration via a telemetry hook").
type QueryLatencyConfig struct {
	Enabled  bool
	Addr     string
	Database string
	Username string
	Password string
}

// QueryLatencyRecorder is the telemetry hook the Planning Context
// Service calls after every search. A disabled/unreachable sink is a
// silent no-op: telemetry is an observability nicety, never a
// correctness dependency of the read path it instruments.
type QueryLatencyRecorder interface {
	RecordSearch(ctx context.Context, tenant, campaignID, query string, duration time.Duration, resultCount int)
}

type noopRecorder struct{}

func (noopRecorder) RecordSearch(context.Context, string, string, string, time.Duration, int) {}

// NoopQueryLatencyRecorder is used wherever ClickHouse is disabled.
var NoopQueryLatencyRecorder QueryLatencyRecorder = noopRecorder{}

// clickhouseRecorder batches query-latency rows into ClickHouse, the
// same analytics-sink role this corpus's ClickHouseConfig documents
// for telemetry events generally.
type clickhouseRecorder struct {
	conn clickhouse.Conn
}

// NewClickHouseRecorder connects to ClickHouse and ensures the
// planning_query_latency table exists. Returns NoopQueryLatencyRecorder
// (never an error) when cfg.Enabled is false.
func NewClickHouseRecorder(ctx context.Context, cfg QueryLatencyConfig) (QueryLatencyRecorder, error) {
	if !cfg.Enabled {
		return NoopQueryLatencyRecorder, nil
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS planning_query_latency (
			ts DateTime DEFAULT now(),
			tenant String,
			campaign_id String,
			query String,
			duration_ms UInt32,
			result_count UInt16
		) ENGINE = MergeTree() ORDER BY ts`); err != nil {
		return nil, err
	}
	return &clickhouseRecorder{conn: conn}, nil
}

// RecordSearch is fire-and-forget: a ClickHouse write failure is
// logged by the caller's context logger, never propagated to the
// search response.
func (c *clickhouseRecorder) RecordSearch(ctx context.Context, tenant, campaignID, query string, duration time.Duration, resultCount int) {
	_ = c.conn.Exec(ctx, `
		INSERT INTO planning_query_latency (tenant, campaign_id, query, duration_ms, result_count)
		VALUES (?, ?, ?, ?, ?)`,
		tenant, campaignID, query, uint32(duration.Milliseconds()), uint16(resultCount))
}
