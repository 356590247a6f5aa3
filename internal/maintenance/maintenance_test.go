package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/objectstore"
)

type fakeFileStore struct {
	stuck   []domain.File
	updated []string
}

func (f *fakeFileStore) ListStuckFiles(ctx context.Context, cutoff time.Time) ([]domain.File, error) {
	return f.stuck, nil
}

func (f *fakeFileStore) UpdateFileStatus(ctx context.Context, tenant, fileKey string, status domain.FileStatus, errMsg string) error {
	f.updated = append(f.updated, fileKey)
	return nil
}

type fakeNotifier struct {
	notified []domain.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n domain.Notification) error {
	f.notified = append(f.notified, n)
	return nil
}

type fakeBlobs struct {
	objects []objectstore.ObjectAttrs
	deleted []string
	listErr error
}

func (f *fakeBlobs) List(ctx context.Context, opts objectstore.ListOptions) (objectstore.ListResult, error) {
	if f.listErr != nil {
		return objectstore.ListResult{}, f.listErr
	}
	return objectstore.ListResult{Objects: f.objects}, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeQueueDrainer struct {
	drained int
}

func (f *fakeQueueDrainer) Drain(ctx context.Context, leaseOwner string, process func(ctx context.Context, body []byte, kind string) error) (int, error) {
	return f.drained, nil
}

type fakeRebuildChecker struct {
	ran bool
}

func (f *fakeRebuildChecker) RunSweep(ctx context.Context) error {
	f.ran = true
	return nil
}

func TestRun_SweepsStuckFilesAndNotifies(t *testing.T) {
	files := &fakeFileStore{stuck: []domain.File{
		{FileKey: "staging/acme/a.pdf", Tenant: "acme", FileName: "a.pdf"},
	}}
	notifier := &fakeNotifier{}
	svc := New(files, notifier, nil, nil, nil, nil, config.MaintenanceConfig{})

	rep := svc.Run(context.Background(), "worker-1")

	assert.Equal(t, 1, rep.StuckFilesTimedOut)
	assert.Equal(t, []string{"staging/acme/a.pdf"}, files.updated)
	require.Len(t, notifier.notified, 1)
	assert.Equal(t, domain.NotifyFileStatusUpdated, notifier.notified[0].Kind)
}

func TestRun_GCsAgedStagingBlobsOnly(t *testing.T) {
	files := &fakeFileStore{}
	now := time.Now()
	blobs := &fakeBlobs{objects: []objectstore.ObjectAttrs{
		{Key: "staging/acme/old.pdf", LastModified: now.Add(-48 * time.Hour)},
		{Key: "staging/acme/new.pdf", LastModified: now},
	}}
	svc := New(files, nil, blobs, nil, nil, nil, config.MaintenanceConfig{StagingGCAge: 24 * time.Hour})

	rep := svc.Run(context.Background(), "worker-1")

	assert.Equal(t, 1, rep.StagingObjectsGCed)
	assert.Equal(t, []string{"staging/acme/old.pdf"}, blobs.deleted)
}

func TestRun_DrainsQueueAndRunsRebuildSweep(t *testing.T) {
	files := &fakeFileStore{}
	queue := &fakeQueueDrainer{drained: 3}
	rebuild := &fakeRebuildChecker{}
	noopProcess := func(ctx context.Context, body []byte, kind string) error { return nil }

	svc := New(files, nil, nil, queue, rebuild, noopProcess, config.MaintenanceConfig{})
	rep := svc.Run(context.Background(), "worker-1")

	assert.Equal(t, 3, rep.QueueItemsDrained)
	assert.True(t, rep.RebuildSweepRan)
	assert.True(t, rebuild.ran)
}

func TestRun_OneSweepFailureDoesNotBlockOthers(t *testing.T) {
	files := &fakeFileStore{stuck: []domain.File{{FileKey: "k", Tenant: "acme"}}}
	rebuild := &fakeRebuildChecker{}
	// The GC sweep's List call fails; the stuck-file and rebuild sweeps
	// must still run and report correctly.
	blobs := &fakeBlobs{listErr: errors.New("list failed")}
	svc := New(files, nil, blobs, nil, rebuild, nil, config.MaintenanceConfig{})

	rep := svc.Run(context.Background(), "worker-1")

	assert.Equal(t, 1, rep.StuckFilesTimedOut)
	assert.Equal(t, 0, rep.StagingObjectsGCed)
	assert.True(t, rep.RebuildSweepRan)
}
