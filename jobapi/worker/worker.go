// Package worker implements the execution loop that drains the job
// queue: claim, heartbeat, execute, release, within configured
// resource bounds and with graceful shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/randomparity/vpo-sub001/jobapi/retention"
	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/jobapi/types"
	"github.com/randomparity/vpo-sub001/setup/config"
	"github.com/randomparity/vpo-sub001/setup/process"
)

// After this many consecutive failed heartbeat writes the worker
// assumes it has lost ownership of the job and aborts execution.
const maxHeartbeatMisses = 3

type Worker struct {
	Name      string
	DB        storage.Database
	Executor  Executor
	Retention *retention.Service
	Cfg       *config.VPO

	processCtx *process.ProcessContext
	logger     *logrus.Entry
}

func New(cfg *config.VPO, db storage.Database, executor Executor, processCtx *process.ProcessContext) *Worker {
	name := workerName()
	return &Worker{
		Name:       name,
		DB:         db,
		Executor:   executor,
		Retention:  retention.NewService(db, &cfg.JobQueue),
		Cfg:        cfg,
		processCtx: processCtx,
		logger:     logrus.WithField("worker", name),
	}
}

func workerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Run drains the queue until a limit is hit, the queue stays empty
// past a shutdown signal, or shutdown is requested. It blocks until
// the loop exits and must be run on its own goroutine if the caller
// has other work to do.
func (w *Worker) Run() {
	w.processCtx.ComponentStarted()
	defer w.processCtx.ComponentFinished()

	// Database work runs on a background context rather than the
	// process context: a shutdown signal stops the loop from claiming
	// further jobs, but the in-flight job is always finished and
	// released first.
	ctx := context.Background()

	session := NewSession(w.Cfg.Worker, time.Now())
	w.logger.WithFields(logrus.Fields{
		"max_files":    w.Cfg.Worker.MaxFiles,
		"max_duration": w.Cfg.Worker.MaxDuration().String(),
		"end_by":       w.Cfg.Worker.EndBy,
		"cpu_cores":    w.Cfg.Worker.CPUCores,
		"auto_purge":   w.Cfg.Worker.AutoPurge,
	}).Info("Worker starting")

	w.recoverStale(ctx)
	if w.Cfg.Worker.AutoPurge {
		w.autoPurge(ctx)
	}

	for {
		if reason := session.StopReason(time.Now()); reason != "" {
			w.logger.WithFields(logrus.Fields{
				"reason":          reason,
				"files_processed": session.FilesProcessed,
			}).Info("Worker limit reached, stopping")
			return
		}
		select {
		case <-w.processCtx.WaitForShutdown():
			w.logger.WithField("files_processed", session.FilesProcessed).Info("Worker shutting down")
			return
		default:
		}

		job, err := w.DB.ClaimNextJob(ctx, w.Name)
		if errors.Is(err, types.ErrNoJobAvailable) {
			if !w.idle() {
				return
			}
			continue
		}
		if err != nil {
			w.logger.WithError(err).Error("Failed to claim job")
			if !w.idle() {
				return
			}
			continue
		}

		w.runJob(ctx, job)
		session.FilesProcessed++
	}
}

// idle sleeps one poll interval. Returns false if shutdown was
// requested while sleeping.
func (w *Worker) idle() bool {
	select {
	case <-w.processCtx.WaitForShutdown():
		w.logger.Info("Worker shutting down")
		return false
	case <-time.After(w.Cfg.Worker.IdlePoll()):
		return true
	}
}

func (w *Worker) recoverStale(ctx context.Context) {
	recovered, err := w.DB.RecoverStaleJobs(ctx, w.Cfg.JobQueue.StaleThreshold())
	if err != nil {
		w.logger.WithError(err).Error("Stale job recovery failed")
		w.processCtx.Degraded(err)
		return
	}
	if recovered > 0 {
		staleJobsRecovered.Add(float64(recovered))
		w.logger.WithField("recovered", recovered).Info("Reset stale jobs to queued")
	}
}

func (w *Worker) autoPurge(ctx context.Context) {
	if _, err := w.Retention.PurgeJobs(ctx); err != nil {
		w.logger.WithError(err).Warn("Startup job purge failed")
		w.processCtx.Degraded(err)
	}
	if _, err := w.Retention.CleanupArtifacts(ctx); err != nil {
		w.logger.WithError(err).Warn("Startup artifact cleanup failed")
	}
}

func (w *Worker) runJob(ctx context.Context, job *types.Job) {
	log := w.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.JobType,
	})
	log.WithField("priority", job.Priority).Info("Claimed job")
	jobsClaimed.WithLabelValues(string(job.JobType)).Inc()

	// Losing ownership (heartbeat failures, stale recovery by another
	// actor) cancels execCtx so the executor can stop early.
	execCtx, lost := context.WithCancel(ctx)
	defer lost()
	stopHeartbeat := w.startHeartbeat(ctx, job.ID, lost)

	start := time.Now()
	result, err := w.execute(execCtx, job, log)
	stopHeartbeat()
	duration := time.Since(start)
	jobDurationSeconds.WithLabelValues(string(job.JobType)).Observe(duration.Seconds())

	if err != nil {
		jobsFailed.WithLabelValues(string(job.JobType)).Inc()
		log.WithError(err).WithField("duration", duration.String()).Warn("Job failed")
		if relErr := w.DB.ReleaseJob(ctx, job.ID, w.Name, types.JobStatusFailed, err.Error(), "", ""); relErr != nil {
			log.WithError(relErr).Error("Failed to release failed job")
		}
		return
	}

	var outputPath, backupPath string
	if result != nil {
		outputPath = result.OutputPath
		backupPath = result.BackupPath
	}
	if relErr := w.DB.ReleaseJob(ctx, job.ID, w.Name, types.JobStatusCompleted, "", outputPath, backupPath); relErr != nil {
		log.WithError(relErr).Error("Failed to release completed job")
		return
	}
	jobsCompleted.WithLabelValues(string(job.JobType)).Inc()
	log.WithField("duration", duration.String()).Info("Job completed")

	w.finishPlan(ctx, job, log)
}

// execute invokes the injected executor, converting panics into plain
// job failures so one bad job can never take the loop down.
func (w *Worker) execute(ctx context.Context, job *types.Job, log *logrus.Entry) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sentry.CurrentHub().Recover(rec)
			log.WithField("panic", rec).Error("Executor panicked")
			result, err = nil, fmt.Errorf("executor panic: %v", rec)
		}
	}()
	progress := func(update types.ProgressUpdate) {
		if perr := w.DB.UpdateJobProgress(ctx, job.ID, update.Percent, update.Detail); perr != nil {
			log.WithError(perr).Warn("Failed to persist job progress")
		}
	}
	return w.Executor.Execute(ctx, job, Limits{CPUCores: w.Cfg.Worker.CPUCores}, progress)
}

// startHeartbeat stamps the job's heartbeat on a ticker until the
// returned stop function is called. If the heartbeat write fails
// maxHeartbeatMisses times in a row, or reports that the job is no
// longer running under this worker, ownership is treated as lost.
func (w *Worker) startHeartbeat(ctx context.Context, jobID string, lost context.CancelFunc) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.Cfg.JobQueue.HeartbeatInterval())
		defer ticker.Stop()
		misses := 0
		for {
			select {
			case <-hbCtx.Done():
				return
			case now := <-ticker.C:
				updated, err := w.DB.TouchHeartbeat(ctx, jobID, w.Name, now.UTC())
				switch {
				case err != nil:
					misses++
					w.logger.WithError(err).WithFields(logrus.Fields{
						"job_id": jobID,
						"misses": misses,
					}).Warn("Heartbeat write failed")
					if misses >= maxHeartbeatMisses {
						w.logger.WithField("job_id", jobID).Error("Too many missed heartbeats, abandoning job")
						lost()
						return
					}
				case !updated:
					w.logger.WithField("job_id", jobID).Warn("Job no longer running, ownership lost")
					lost()
					return
				default:
					misses = 0
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// finishPlan advances the originating plan of a completed apply job to
// applied, resolved through the plan's job_id link rather than by
// inspecting the job payload, which stays opaque at this layer.
// Best-effort: the job outcome stands even if the plan row cannot be
// updated.
func (w *Worker) finishPlan(ctx context.Context, job *types.Job, log *logrus.Entry) {
	if job.JobType != types.JobTypeApply {
		return
	}
	if err := w.DB.MarkPlanAppliedForJob(ctx, job.ID); err != nil {
		log.WithError(err).Warn("Failed to mark plan applied")
	}
}
