package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomparity/vpo-sub001/jobapi/retention"
	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/jobapi/types"
	"github.com/randomparity/vpo-sub001/setup/config"
)

func newService(t *testing.T, mediaStore string) (*retention.Service, storage.Database) {
	t.Helper()
	cfg := &config.VPO{}
	cfg.Defaults()
	cfg.Database.ConnectionString = config.DataSource("file:" + filepath.Join(t.TempDir(), "jobs.db"))
	cfg.JobQueue.RetentionDays = 30
	cfg.JobQueue.MediaStorePath = config.Path(mediaStore)

	db, err := storage.NewDatabase(&cfg.Database)
	require.NoError(t, err)
	return retention.NewService(db, &cfg.JobQueue), db
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func TestPurgeJobsRespectsWindow(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, "")

	old := &types.Job{
		ID:        uuid.NewString(),
		JobType:   types.JobTypeTranscode,
		Status:    types.JobStatusQueued,
		Priority:  100,
		FilePath:  "/media/a.mkv",
		CreatedAt: time.Now().UTC().Add(-60 * 24 * time.Hour),
	}
	recent := &types.Job{
		ID:        uuid.NewString(),
		JobType:   types.JobTypeTranscode,
		Status:    types.JobStatusQueued,
		Priority:  100,
		FilePath:  "/media/b.mkv",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.InsertJob(ctx, old))
	require.NoError(t, db.InsertJob(ctx, recent))

	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, db.ReleaseJob(ctx, old.ID, "worker-1", types.JobStatusCompleted, "", "", ""))
	_, err = db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, db.ReleaseJob(ctx, recent.ID, "worker-1", types.JobStatusCompleted, "", "", ""))

	purged, err := svc.PurgeJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = db.JobByID(ctx, old.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = db.JobByID(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestCleanupArtifacts(t *testing.T) {
	ctx := context.Background()
	mediaStore := t.TempDir()
	svc, db := newService(t, mediaStore)

	const month = 31 * 24 * time.Hour
	orphanBak := filepath.Join(mediaStore, "movies", "old.mkv.bak")
	orphanTmp := filepath.Join(mediaStore, "movies", "old.mkv.tmp")
	freshBak := filepath.Join(mediaStore, "movies", "new.mkv.bak")
	keptBak := filepath.Join(mediaStore, "movies", "kept.mkv.bak")
	media := filepath.Join(mediaStore, "movies", "old.mkv")
	writeAged(t, orphanBak, 2*month)
	writeAged(t, orphanTmp, 2*month)
	writeAged(t, freshBak, time.Hour)
	writeAged(t, keptBak, 2*month)
	writeAged(t, media, 2*month)

	// keptBak is still referenced by a job row and must survive.
	job := &types.Job{
		ID:        uuid.NewString(),
		JobType:   types.JobTypeApply,
		Status:    types.JobStatusQueued,
		Priority:  10,
		FilePath:  filepath.Join(mediaStore, "movies", "kept.mkv"),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.InsertJob(ctx, job))
	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, db.ReleaseJob(ctx, job.ID, "worker-1", types.JobStatusCompleted, "", "", keptBak))

	removed, err := svc.CleanupArtifacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoFileExists(t, orphanBak)
	assert.NoFileExists(t, orphanTmp)
	assert.FileExists(t, freshBak, "artifacts inside the retention window survive")
	assert.FileExists(t, keptBak, "referenced artifacts survive")
	assert.FileExists(t, media, "media files are never touched")
}

func TestCleanupArtifactsDisabledWithoutMediaStore(t *testing.T) {
	svc, _ := newService(t, "")
	removed, err := svc.CleanupArtifacts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
