package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/jobapi/types"
	"github.com/randomparity/vpo-sub001/setup/config"
)

func newDatabase(t *testing.T) storage.Database {
	t.Helper()
	opts := &config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "jobs.db")),
	}
	db, err := storage.NewDatabase(opts)
	require.NoError(t, err)
	return db
}

func newJob(priority int, createdAt time.Time) *types.Job {
	return &types.Job{
		ID:        uuid.NewString(),
		JobType:   types.JobTypeTranscode,
		Status:    types.JobStatusQueued,
		Priority:  priority,
		FilePath:  "/media/movies/example.mkv",
		CreatedAt: createdAt.UTC().Truncate(time.Millisecond),
	}
}

func newPlan(createdAt time.Time) *types.Plan {
	return &types.Plan{
		ID:            uuid.NewString(),
		FilePath:      "/media/movies/example.mkv",
		PolicyName:    "default",
		PolicyVersion: "1",
		Actions:       json.RawMessage(`[{"type":"set_default_audio","track":2}]`),
		ActionCount:   1,
		Status:        types.PlanStatusPending,
		CreatedAt:     createdAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:     createdAt.UTC().Truncate(time.Millisecond),
	}
}

func TestInsertAndFetchJob(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	fileID := int64(42)
	job := newJob(100, time.Now())
	job.FileID = &fileID
	job.PolicyName = "default"
	job.Payload = json.RawMessage(`{"profile":"x265"}`)
	require.NoError(t, db.InsertJob(ctx, job))

	got, err := db.JobByID(ctx, job.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(job, got); diff != "" {
		t.Errorf("job mismatch (-want +got):\n%s", diff)
	}

	err = db.InsertJob(ctx, job)
	assert.ErrorIs(t, err, types.ErrDuplicateID)

	_, err = db.JobByID(ctx, "does-not-exist")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestClaimPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	base := time.Now()
	first := newJob(100, base)
	second := newJob(10, base.Add(time.Minute))
	third := newJob(100, base.Add(2*time.Minute))
	for _, job := range []*types.Job{first, second, third} {
		require.NoError(t, db.InsertJob(ctx, job))
	}

	for i, wantID := range []string{second.ID, first.ID, third.ID} {
		claimed, err := db.ClaimNextJob(ctx, "worker-1")
		require.NoError(t, err, "claim %d", i)
		assert.Equal(t, wantID, claimed.ID, "claim %d", i)
		assert.Equal(t, types.JobStatusRunning, claimed.Status)
		assert.Equal(t, "worker-1", claimed.WorkerName)
		require.NotNil(t, claimed.StartedAt)
	}

	_, err := db.ClaimNextJob(ctx, "worker-1")
	assert.ErrorIs(t, err, types.ErrNoJobAvailable)
}

func TestNoDoubleClaim(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	job := newJob(100, time.Now())
	require.NoError(t, db.InsertJob(ctx, job))

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, empty int
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claimed, err := db.ClaimNextJob(ctx, fmt.Sprintf("worker-%d", n))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				assert.Equal(t, job.ID, claimed.ID)
				wins++
			case errors.Is(err, types.ErrNoJobAvailable):
				empty++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, claimers-1, empty)
}

func TestConcurrentClaimUniqueness(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		require.NoError(t, db.InsertJob(ctx, newJob(100, time.Now().Add(time.Duration(i)*time.Second))))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedBy := map[string]int{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				claimed, err := db.ClaimNextJob(ctx, fmt.Sprintf("worker-%d", n))
				if errors.Is(err, types.ErrNoJobAvailable) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				claimedBy[claimed.ID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimedBy, jobCount)
	for id, count := range claimedBy {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func TestReleaseJob(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	job := newJob(100, time.Now())
	require.NoError(t, db.InsertJob(ctx, job))

	// Releasing a job that was never claimed must not succeed.
	err := db.ReleaseJob(ctx, job.ID, "worker-1", types.JobStatusCompleted, "", "", "")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, db.ReleaseJob(ctx, job.ID, "worker-1", types.JobStatusCompleted, "", "/media/out.mkv", "/media/out.mkv.bak"))

	got, err := db.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Equal(t, "/media/out.mkv", got.OutputPath)
	assert.Equal(t, "/media/out.mkv.bak", got.BackupPath)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.HeartbeatAt)
	assert.Empty(t, got.WorkerName)

	// Second release is rejected, not silently repeated.
	err = db.ReleaseJob(ctx, job.ID, "worker-1", types.JobStatusFailed, "boom", "", "")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	err = db.ReleaseJob(ctx, "does-not-exist", "worker-1", types.JobStatusCompleted, "", "", "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Non-terminal outcomes are rejected outright.
	err = db.ReleaseJob(ctx, job.ID, "worker-1", types.JobStatusQueued, "", "", "")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestReleaseRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	job := newJob(100, time.Now())
	require.NoError(t, db.InsertJob(ctx, job))
	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)

	// worker-1 goes silent, recovery requeues the job and worker-2
	// picks it up.
	updated, err := db.TouchHeartbeat(ctx, job.ID, "worker-1", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, updated)
	recovered, err := db.RecoverStaleJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), recovered)
	_, err = db.ClaimNextJob(ctx, "worker-2")
	require.NoError(t, err)

	// worker-1 wakes back up: its late release and heartbeats must
	// bounce off the new owner's run.
	err = db.ReleaseJob(ctx, job.ID, "worker-1", types.JobStatusFailed, "late release", "", "")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	updated, err = db.TouchHeartbeat(ctx, job.ID, "worker-1", time.Now())
	require.NoError(t, err)
	assert.False(t, updated, "old owner must not keep the job alive")

	got, err := db.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	assert.Equal(t, "worker-2", got.WorkerName)
	assert.Empty(t, got.ErrorMessage)

	require.NoError(t, db.ReleaseJob(ctx, job.ID, "worker-2", types.JobStatusCompleted, "", "", ""))
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	job := newJob(100, time.Now())
	require.NoError(t, db.InsertJob(ctx, job))
	require.NoError(t, db.CancelJob(ctx, job.ID))

	got, err := db.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)

	assert.ErrorIs(t, db.CancelJob(ctx, job.ID), types.ErrInvalidTransition)
	assert.ErrorIs(t, db.CancelJob(ctx, "does-not-exist"), types.ErrNotFound)

	// Running jobs finish under their worker, they cannot be cancelled
	// out from underneath it.
	running := newJob(100, time.Now())
	require.NoError(t, db.InsertJob(ctx, running))
	_, err = db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	assert.ErrorIs(t, db.CancelJob(ctx, running.ID), types.ErrInvalidTransition)
}

func TestRetryResetsCleanly(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	job := newJob(100, time.Now())
	require.NoError(t, db.InsertJob(ctx, job))
	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, db.UpdateJobProgress(ctx, job.ID, 40, "encoding"))
	require.NoError(t, db.ReleaseJob(ctx, job.ID, "worker-1", types.JobStatusFailed, "disk full", "", ""))

	require.NoError(t, db.RetryJob(ctx, job.ID))

	got, err := db.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.WorkerName)
	assert.Zero(t, got.ProgressPercent)
	assert.Empty(t, got.ProgressDetail)

	// Retry only applies to failed or cancelled jobs.
	assert.ErrorIs(t, db.RetryJob(ctx, job.ID), types.ErrInvalidTransition)
	assert.ErrorIs(t, db.RetryJob(ctx, "does-not-exist"), types.ErrNotFound)
}

func TestHeartbeatGuardedOnRunning(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	job := newJob(100, time.Now())
	require.NoError(t, db.InsertJob(ctx, job))

	updated, err := db.TouchHeartbeat(ctx, job.ID, "worker-1", time.Now())
	require.NoError(t, err)
	assert.False(t, updated, "queued job must not accept heartbeats")

	_, err = db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)

	stamp := time.Now().UTC().Truncate(time.Millisecond)
	updated, err = db.TouchHeartbeat(ctx, job.ID, "worker-1", stamp)
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := db.JobByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.HeartbeatAt)
	assert.Equal(t, stamp, *got.HeartbeatAt)
}

func TestStaleRecoveryIdempotence(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	stale := newJob(100, time.Now())
	fresh := newJob(100, time.Now().Add(time.Second))
	require.NoError(t, db.InsertJob(ctx, stale))
	require.NoError(t, db.InsertJob(ctx, fresh))
	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	_, err = db.ClaimNextJob(ctx, "worker-2")
	require.NoError(t, err)

	// Backdate the first job's heartbeat past the threshold; the second
	// keeps its claim-time heartbeat.
	updated, err := db.TouchHeartbeat(ctx, stale.ID, "worker-1", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, updated)

	recovered, err := db.RecoverStaleJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	got, err := db.JobByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.HeartbeatAt)
	assert.Empty(t, got.WorkerName)

	still, err := db.JobByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, still.Status)

	// Running recovery again straight away finds nothing to do.
	recovered, err = db.RecoverStaleJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestJobsFilteredAndStats(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	base := time.Now().Add(-time.Hour)
	var transcodes []*types.Job
	for i := 0; i < 5; i++ {
		job := newJob(100, base.Add(time.Duration(i)*time.Minute))
		transcodes = append(transcodes, job)
		require.NoError(t, db.InsertJob(ctx, job))
	}
	scan := newJob(100, base.Add(time.Hour))
	scan.JobType = types.JobTypeScan
	scan.FilePath = "/media/tv"
	require.NoError(t, db.InsertJob(ctx, scan))

	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, db.ReleaseJob(ctx, transcodes[0].ID, "worker-1", types.JobStatusFailed, "boom", "", ""))

	t.Run("by status", func(t *testing.T) {
		jobs, total, err := db.JobsFiltered(ctx, types.JobFilter{Status: types.JobStatusFailed, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, jobs, 1)
		assert.Equal(t, transcodes[0].ID, jobs[0].ID)
	})

	t.Run("by type", func(t *testing.T) {
		jobs, total, err := db.JobsFiltered(ctx, types.JobFilter{JobType: types.JobTypeScan, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, jobs, 1)
		assert.Equal(t, scan.ID, jobs[0].ID)
	})

	t.Run("search", func(t *testing.T) {
		_, total, err := db.JobsFiltered(ctx, types.JobFilter{Search: "movies", Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
	})

	t.Run("pagination", func(t *testing.T) {
		jobs, total, err := db.JobsFiltered(ctx, types.JobFilter{Limit: 2, Offset: 4})
		require.NoError(t, err)
		assert.Equal(t, 6, total)
		assert.Len(t, jobs, 2)
	})

	stats, err := db.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStats{Queued: 5, Failed: 1, Total: 6}, stats)
}

func TestJobsByIDPrefix(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	job := newJob(100, time.Now())
	job.ID = "abcdef00-0000-0000-0000-000000000000"
	require.NoError(t, db.InsertJob(ctx, job))

	jobs, err := db.JobsByIDPrefix(ctx, "abcdef")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	jobs, err = db.JobsByIDPrefix(ctx, "zzz")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPurgeJobs(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	old := newJob(100, time.Now().Add(-48*time.Hour))
	recent := newJob(100, time.Now())
	queued := newJob(100, time.Now().Add(-48*time.Hour))
	require.NoError(t, db.InsertJob(ctx, old))
	require.NoError(t, db.InsertJob(ctx, queued))
	require.NoError(t, db.InsertJob(ctx, recent))

	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, db.ReleaseJob(ctx, old.ID, "worker-1", types.JobStatusCompleted, "", "", ""))

	_, err = db.PurgeJobs(ctx, time.Now(), []types.JobStatus{types.JobStatusQueued})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	purged, err := db.PurgeJobs(ctx, time.Now().Add(-24*time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = db.JobByID(ctx, old.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = db.JobByID(ctx, queued.ID)
	assert.NoError(t, err, "non-terminal jobs survive purge regardless of age")
	_, err = db.JobByID(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestBackupPaths(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	job := newJob(100, time.Now())
	require.NoError(t, db.InsertJob(ctx, job))
	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, db.ReleaseJob(ctx, job.ID, "worker-1", types.JobStatusCompleted, "", "/media/out.mkv", "/media/out.mkv.bak"))

	paths, err := db.BackupPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/media/out.mkv.bak"}, paths)
}

func TestPlanLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	plan := newPlan(time.Now())
	require.NoError(t, db.InsertPlan(ctx, plan))
	assert.ErrorIs(t, db.InsertPlan(ctx, plan), types.ErrDuplicateID)

	got, err := db.PlanByID(ctx, plan.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(plan, got); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}

	pending, err := db.PlansByStatus(ctx, types.PlanStatusPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	job := newJob(10, time.Now())
	job.JobType = types.JobTypeApply
	require.NoError(t, db.ApprovePlan(ctx, plan.ID, "alice", job))

	got, err = db.PlanByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusApproved, got.Status)
	assert.Equal(t, job.ID, got.JobID)

	spawned, err := db.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, spawned.Status)
	assert.Equal(t, 10, spawned.Priority)

	// Approving twice must not spawn a second job.
	err = db.ApprovePlan(ctx, plan.ID, "bob", newJob(10, time.Now()))
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	// Jobs that no plan spawned are a no-op, not an error.
	require.NoError(t, db.MarkPlanAppliedForJob(ctx, "not-a-plan-job"))
	got, err = db.PlanByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusApproved, got.Status)

	require.NoError(t, db.MarkPlanAppliedForJob(ctx, job.ID))
	got, err = db.PlanByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusApplied, got.Status)

	// Applied is terminal.
	assert.ErrorIs(t, db.MarkPlanApplied(ctx, plan.ID), types.ErrInvalidTransition)

	entries, err := db.AuditEntriesForPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "approve", entries[0].Action)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, job.ID, entries[0].JobID)
}

func TestPlanRejectAndCancel(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	rejected := newPlan(time.Now())
	require.NoError(t, db.InsertPlan(ctx, rejected))
	require.NoError(t, db.RejectPlan(ctx, rejected.ID, "alice"))

	got, err := db.PlanByID(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusRejected, got.Status)

	// Rejection is permanent.
	assert.ErrorIs(t, db.RejectPlan(ctx, rejected.ID, "alice"), types.ErrInvalidTransition)
	assert.ErrorIs(t, db.CancelPlan(ctx, rejected.ID, "alice"), types.ErrInvalidTransition)
	assert.ErrorIs(t, db.RejectPlan(ctx, "does-not-exist", "alice"), types.ErrNotFound)

	canceled := newPlan(time.Now())
	require.NoError(t, db.InsertPlan(ctx, canceled))
	require.NoError(t, db.CancelPlan(ctx, canceled.ID, "bob"))

	entries, err := db.AuditEntriesForPlan(ctx, canceled.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cancel", entries[0].Action)
}

func TestApprovalRace(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)

	plan := newPlan(time.Now())
	require.NoError(t, db.InsertPlan(ctx, plan))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = db.ApprovePlan(ctx, plan.ID, fmt.Sprintf("actor-%d", n), newJob(10, time.Now()))
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, types.ErrInvalidTransition):
			conflicted++
		default:
			t.Errorf("unexpected approval error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)

	stats, err := db.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total, "exactly one apply job must exist")
}
