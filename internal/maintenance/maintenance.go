// Package maintenance is Scheduled Maintenance (SPEC_FULL.md §2 item 13):
// the periodic sweeps that keep the rest of the system honest when
// nothing else would notice drift — files stuck mid-pipeline past a
// timeout, orphaned staging blobs, a queue that needs draining, and
// campaigns overdue for a rebuild check. Each sweep is independent and
// idempotent; Run fires them in sequence from one cron-like trigger,
// mirroring §5's "single trigger fans out to the worker pool" model.
package maintenance

import (
	"context"
	"time"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/objectstore"
	"github.com/ofisk/loresmith/internal/observability"
)

// FileStore is the subset of metadata.Store the stuck-file sweep needs.
type FileStore interface {
	ListStuckFiles(ctx context.Context, cutoff time.Time) ([]domain.File, error)
	UpdateFileStatus(ctx context.Context, tenant, fileKey string, status domain.FileStatus, errMsg string) error
}

// Notifier records the user-visible "your upload timed out" event,
// matching the shape internal/staging.Notifier already establishes.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Blobs is the subset of objectstore.ObjectStore the staging-GC sweep
// needs: list staging/ prefixes and delete what has aged out.
type Blobs interface {
	List(ctx context.Context, opts objectstore.ListOptions) (objectstore.ListResult, error)
	Delete(ctx context.Context, key string) error
}

// QueueDrainer is the subset of queue.Service the drain sweep needs.
type QueueDrainer interface {
	Drain(ctx context.Context, leaseOwner string, process func(ctx context.Context, body []byte, kind string) error) (int, error)
}

// RebuildChecker is the subset of rebuild.Service the rebuild-check
// sweep needs: the same scheduled trigger §4.11 describes, invoked
// from this sweep instead of its own timer.
type RebuildChecker interface {
	RunSweep(ctx context.Context) error
}

// Service runs the four scheduled sweeps.
type Service struct {
	files    FileStore
	notifier Notifier
	blobs    Blobs
	queue    QueueDrainer
	rebuild  RebuildChecker
	process  func(ctx context.Context, body []byte, kind string) error
	cfg      config.MaintenanceConfig
}

func New(files FileStore, notifier Notifier, blobs Blobs, queue QueueDrainer, rebuild RebuildChecker, process func(ctx context.Context, body []byte, kind string) error, cfg config.MaintenanceConfig) *Service {
	return &Service{files: files, notifier: notifier, blobs: blobs, queue: queue, rebuild: rebuild, process: process, cfg: cfg}
}

// Report summarizes one sweep pass, for logging/metrics.
type Report struct {
	StuckFilesTimedOut int
	StagingObjectsGCed int
	QueueItemsDrained  int
	RebuildSweepRan    bool
}

// Run executes all four sweeps once. Each sweep's failure is logged
// and does not block the others — a GC hiccup should never suppress
// the stuck-file timeout sweep.
func (s *Service) Run(ctx context.Context, leaseOwner string) Report {
	log := observability.LoggerWithTrace(ctx)
	var rep Report

	n, err := s.sweepStuckFiles(ctx)
	if err != nil {
		log.Error().Err(err).Msg("maintenance_stuck_files_failed")
	}
	rep.StuckFilesTimedOut = n

	if s.blobs != nil {
		n, err = s.sweepStagingGC(ctx)
		if err != nil {
			log.Error().Err(err).Msg("maintenance_staging_gc_failed")
		}
		rep.StagingObjectsGCed = n
	}

	if s.queue != nil && s.process != nil {
		n, err = s.queue.Drain(ctx, leaseOwner, s.process)
		if err != nil {
			log.Error().Err(err).Msg("maintenance_queue_drain_failed")
		}
		rep.QueueItemsDrained = n
	}

	if s.rebuild != nil {
		if err := s.rebuild.RunSweep(ctx); err != nil {
			log.Error().Err(err).Msg("maintenance_rebuild_check_failed")
		} else {
			rep.RebuildSweepRan = true
		}
	}

	log.Info().
		Int("stuck_files", rep.StuckFilesTimedOut).
		Int("staging_gc", rep.StagingObjectsGCed).
		Int("queue_drained", rep.QueueItemsDrained).
		Bool("rebuild_sweep_ran", rep.RebuildSweepRan).
		Msg("maintenance_sweep_complete")
	return rep
}

// sweepStuckFiles promotes files stuck in processing/indexing/
// uploaded longer than StuckFileTimeout to timeout and notifies the
// tenant (§5 Cancellation & timeouts).
func (s *Service) sweepStuckFiles(ctx context.Context) (int, error) {
	timeout := s.cfg.StuckFileTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cutoff := time.Now().Add(-timeout)
	stuck, err := s.files.ListStuckFiles(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log := observability.LoggerWithTrace(ctx)
	count := 0
	for _, f := range stuck {
		if err := s.files.UpdateFileStatus(ctx, f.Tenant, f.FileKey, domain.FileTimeout, "processing exceeded timeout"); err != nil {
			log.Error().Err(err).Str("file_key", f.FileKey).Msg("maintenance_mark_timeout_failed")
			continue
		}
		if s.notifier != nil {
			_ = s.notifier.Notify(ctx, domain.Notification{
				Tenant:    f.Tenant,
				Kind:      domain.NotifyFileStatusUpdated,
				SubjectID: f.FileKey,
				Message:   "Your upload \"" + f.FileName + "\" timed out during processing and needs to be re-uploaded.",
				Metadata:  map[string]any{"file_key": f.FileKey},
				CreatedAt: time.Now().UTC(),
			})
		}
		count++
	}
	return count, nil
}

// sweepStagingGC removes staging/<tenant>/... blobs older than
// StagingGCAge: a file promoted to library/ or abandoned mid-upload
// both leave the staging copy behind, and neither is needed once the
// GC window passes.
func (s *Service) sweepStagingGC(ctx context.Context) (int, error) {
	age := s.cfg.StagingGCAge
	if age <= 0 {
		age = 24 * time.Hour
	}
	cutoff := time.Now().Add(-age)
	log := observability.LoggerWithTrace(ctx)
	count := 0
	token := ""
	for {
		res, err := s.blobs.List(ctx, objectstore.ListOptions{Prefix: "staging/", ContinuationToken: token})
		if err != nil {
			return count, err
		}
		for _, obj := range res.Objects {
			if obj.IsPrefix || obj.LastModified.After(cutoff) {
				continue
			}
			if err := s.blobs.Delete(ctx, obj.Key); err != nil {
				log.Error().Err(err).Str("key", obj.Key).Msg("maintenance_staging_gc_delete_failed")
				continue
			}
			count++
		}
		if !res.IsTruncated || res.NextContinuationToken == "" {
			break
		}
		token = res.NextContinuationToken
	}
	return count, nil
}
