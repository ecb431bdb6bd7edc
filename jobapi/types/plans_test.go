package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlanTransitions(t *testing.T) {
	assert.True(t, PlanStatusPending.CanTransitionTo(PlanStatusApproved))
	assert.True(t, PlanStatusPending.CanTransitionTo(PlanStatusRejected))
	assert.True(t, PlanStatusPending.CanTransitionTo(PlanStatusCanceled))
	assert.True(t, PlanStatusApproved.CanTransitionTo(PlanStatusApplied))
	assert.True(t, PlanStatusApproved.CanTransitionTo(PlanStatusCanceled))

	// Terminal states go nowhere.
	for _, terminal := range []PlanStatus{PlanStatusRejected, PlanStatusApplied, PlanStatusCanceled} {
		for _, target := range []PlanStatus{PlanStatusPending, PlanStatusApproved, PlanStatusRejected, PlanStatusApplied, PlanStatusCanceled} {
			assert.False(t, terminal.CanTransitionTo(target), "%s -> %s", terminal, target)
		}
	}

	assert.ElementsMatch(t, []PlanStatus{PlanStatusPending, PlanStatusApproved}, SourceStatusesFor(PlanStatusCanceled))
	assert.Equal(t, []PlanStatus{PlanStatusApproved}, SourceStatusesFor(PlanStatusApplied))
}

func TestJobStatus(t *testing.T) {
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.False(t, JobStatus("exploded").IsValid())
}

func TestJobDurationSeconds(t *testing.T) {
	now := time.Now()

	var job Job
	assert.Zero(t, job.DurationSeconds(now), "unstarted jobs have no duration")

	started := now.Add(-90 * time.Second)
	job.StartedAt = &started
	assert.InDelta(t, 90, job.DurationSeconds(now), 0.001, "running jobs report elapsed time")

	completed := started.Add(60 * time.Second)
	job.CompletedAt = &completed
	assert.InDelta(t, 60, job.DurationSeconds(now), 0.001, "finished jobs report final duration")
}
