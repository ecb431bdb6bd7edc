package types

import (
	"encoding/json"
	"time"
)

// PlanStatus is the lifecycle state of a plan in the approval workflow.
//
// State transitions:
//
//	pending  -> approved   (approve action)
//	pending  -> rejected   (reject action)
//	pending  -> canceled   (cancel action)
//	approved -> applied    (spawned job completes)
//	approved -> canceled   (cancel action before execution)
//
// Terminal states: rejected, applied, canceled.
type PlanStatus string

const (
	PlanStatusPending  PlanStatus = "pending"
	PlanStatusApproved PlanStatus = "approved"
	PlanStatusRejected PlanStatus = "rejected"
	PlanStatusApplied  PlanStatus = "applied"
	PlanStatusCanceled PlanStatus = "canceled"
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanStatusPending:  {PlanStatusApproved, PlanStatusRejected, PlanStatusCanceled},
	PlanStatusApproved: {PlanStatusApplied, PlanStatusCanceled},
}

// CanTransitionTo reports whether the state machine allows moving from
// this status to the target status.
func (s PlanStatus) CanTransitionTo(target PlanStatus) bool {
	for _, t := range planTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// SourceStatusesFor returns every status from which the state machine
// allows a transition into the target status. Used to build conditional
// UPDATE guards.
func SourceStatusesFor(target PlanStatus) []PlanStatus {
	var sources []PlanStatus
	for from, targets := range planTransitions {
		for _, t := range targets {
			if t == target {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// Plan is a proposed, not-yet-applied change set produced by policy
// evaluation. Plans are never deleted, only transitioned, so that the
// approval history remains auditable.
type Plan struct {
	ID            string          `json:"id"`
	FileID        *int64          `json:"file_id,omitempty"`
	FilePath      string          `json:"file_path"`
	PolicyName    string          `json:"policy_name"`
	PolicyVersion string          `json:"policy_version"`
	Actions       json.RawMessage `json:"actions"`
	ActionCount   int             `json:"action_count"`
	RequiresRemux bool            `json:"requires_remux"`
	Status        PlanStatus      `json:"status"`

	// JobID links the plan to the apply job spawned by approval, empty
	// until the plan is approved.
	JobID string `json:"job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry records a plan approval decision.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	PlanID    string    `json:"plan_id"`
	JobID     string    `json:"job_id,omitempty"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}
