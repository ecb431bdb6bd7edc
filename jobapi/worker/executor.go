package worker

import (
	"context"
	"fmt"

	"github.com/randomparity/vpo-sub001/jobapi/types"
)

// Limits carries advisory resource hints through to the executor.
type Limits struct {
	// CPUCores is the number of cores the executor may use. 0 lets the
	// executor decide.
	CPUCores int
}

// Result is what a successful execution hands back to the worker for
// inclusion in the finished job row.
type Result struct {
	OutputPath string
	BackupPath string
}

// ProgressFunc lets an executor report incremental progress. The worker
// persists each report on the job row.
type ProgressFunc func(update types.ProgressUpdate)

// Executor runs the actual work a job describes. Implementations
// invoke external media tools; the worker itself never interprets a
// job's payload. The context is cancelled if the worker loses
// ownership of the job, at which point the executor should stop as
// soon as practical.
type Executor interface {
	Execute(ctx context.Context, job *types.Job, limits Limits, progress ProgressFunc) (*Result, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *types.Job, limits Limits, progress ProgressFunc) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *types.Job, limits Limits, progress ProgressFunc) (*Result, error) {
	return f(ctx, job, limits, progress)
}

// TypeMux dispatches execution by job type so a deployment can
// register one executor per kind of work. Jobs of an unregistered
// type fail with a descriptive error instead of stalling the queue.
type TypeMux struct {
	executors map[types.JobType]Executor
}

func NewTypeMux() *TypeMux {
	return &TypeMux{executors: map[types.JobType]Executor{}}
}

// Register installs an executor for the given job type, replacing any
// previous registration. Not safe for concurrent use with Execute;
// register everything before starting the worker.
func (m *TypeMux) Register(jobType types.JobType, executor Executor) {
	m.executors[jobType] = executor
}

func (m *TypeMux) Execute(ctx context.Context, job *types.Job, limits Limits, progress ProgressFunc) (*Result, error) {
	executor, ok := m.executors[job.JobType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for job type %q", job.JobType)
	}
	return executor.Execute(ctx, job, limits, progress)
}
