// Package approval implements the plan approval workflow: approving a
// pending plan spawns a high-priority apply job, rejecting or
// cancelling it is terminal, and every decision leaves an audit entry.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/jobapi/types"
	"github.com/randomparity/vpo-sub001/setup/config"
)

type Service struct {
	DB  storage.Database
	Cfg *config.VPO

	logger *logrus.Entry
}

func NewService(cfg *config.VPO, db storage.Database) *Service {
	return &Service{
		DB:     db,
		Cfg:    cfg,
		logger: logrus.WithField("component", "approval"),
	}
}

// Result is the outcome of an approval decision returned to the caller.
type Result struct {
	PlanID  string           `json:"plan_id"`
	Status  types.PlanStatus `json:"status"`
	JobID   string           `json:"job_id,omitempty"`
	JobURL  string           `json:"job_url,omitempty"`
	Warning string           `json:"warning,omitempty"`
}

// applyPayload is the payload handed to the spawned apply job. It is
// opaque to the queue and worker loop; only the apply executor reads
// it.
type applyPayload struct {
	PlanID        string          `json:"plan_id"`
	Actions       json.RawMessage `json:"actions"`
	RequiresRemux bool            `json:"requires_remux"`
	CPUCores      int             `json:"cpu_cores,omitempty"`
}

// Approve transitions a pending plan to approved and enqueues the
// apply job carrying the plan's actions at the approval priority. The
// plan transition, job insert and audit entry are one atomic write, so
// racing approvals produce exactly one job. A missing target file is a
// soft warning: approval records intent, and execution-time failures
// surface later through the job's own status.
func (s *Service) Approve(ctx context.Context, planID, actor string) (*Result, error) {
	plan, err := s.DB.PlanByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != types.PlanStatusPending {
		return nil, types.ErrInvalidTransition
	}

	var warning string
	if plan.FilePath != "" {
		if _, statErr := os.Stat(plan.FilePath); os.IsNotExist(statErr) {
			warning = fmt.Sprintf("target file no longer exists: %s", plan.FilePath)
			s.logger.WithFields(logrus.Fields{
				"plan_id":   planID,
				"file_path": plan.FilePath,
			}).Warn("Approving plan for a missing target file")
		}
	}

	payload, err := json.Marshal(applyPayload{
		PlanID:        plan.ID,
		Actions:       plan.Actions,
		RequiresRemux: plan.RequiresRemux,
	})
	if err != nil {
		return nil, err
	}
	job := &types.Job{
		ID:         uuid.NewString(),
		JobType:    types.JobTypeApply,
		Status:     types.JobStatusQueued,
		Priority:   s.Cfg.JobQueue.ApprovalPriority,
		FileID:     plan.FileID,
		FilePath:   plan.FilePath,
		PolicyName: plan.PolicyName,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.DB.ApprovePlan(ctx, planID, actor, job); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"plan_id": planID,
		"job_id":  job.ID,
		"actor":   actor,
	}).Info("Plan approved, apply job queued")

	return &Result{
		PlanID:  planID,
		Status:  types.PlanStatusApproved,
		JobID:   job.ID,
		JobURL:  s.jobURL(job.ID),
		Warning: warning,
	}, nil
}

// Reject transitions a pending plan to rejected. Rejection is
// permanent.
func (s *Service) Reject(ctx context.Context, planID, actor string) (*Result, error) {
	if err := s.DB.RejectPlan(ctx, planID, actor); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"plan_id": planID,
		"actor":   actor,
	}).Info("Plan rejected")
	return &Result{PlanID: planID, Status: types.PlanStatusRejected}, nil
}

// Cancel transitions a pending plan to canceled.
func (s *Service) Cancel(ctx context.Context, planID, actor string) (*Result, error) {
	if err := s.DB.CancelPlan(ctx, planID, actor); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"plan_id": planID,
		"actor":   actor,
	}).Info("Plan canceled")
	return &Result{PlanID: planID, Status: types.PlanStatusCanceled}, nil
}

func (s *Service) jobURL(jobID string) string {
	base := strings.TrimSuffix(s.Cfg.API.ExternalURL, "/")
	return base + "/jobs/" + jobID
}
