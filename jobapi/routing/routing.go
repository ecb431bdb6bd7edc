// Package routing exposes the operator-facing HTTP surface: job
// listing and control, queue statistics, retention commands and the
// plan approval endpoints.
package routing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/randomparity/vpo-sub001/jobapi/approval"
	"github.com/randomparity/vpo-sub001/jobapi/retention"
	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/jobapi/types"
	"github.com/randomparity/vpo-sub001/setup/config"
)

type handlers struct {
	cfg       *config.VPO
	db        storage.Database
	approval  *approval.Service
	retention *retention.Service
	logger    *logrus.Entry
}

// Setup registers every admin API route on the given router.
func Setup(router *mux.Router, cfg *config.VPO, db storage.Database, approvalSvc *approval.Service, retentionSvc *retention.Service) {
	h := &handlers{
		cfg:       cfg,
		db:        db,
		approval:  approvalSvc,
		retention: retentionSvc,
		logger:    logrus.WithField("component", "api"),
	}

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	router.HandleFunc("/jobs", h.createJob).Methods(http.MethodPost)
	router.HandleFunc("/jobs/stats", h.queueStats).Methods(http.MethodGet)
	router.HandleFunc("/jobs/recover", h.recoverStale).Methods(http.MethodPost)
	router.HandleFunc("/jobs/purge", h.purgeJobs).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{jobID}", h.jobByID).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{jobID}/cancel", h.cancelJob).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{jobID}/retry", h.retryJob).Methods(http.MethodPost)

	router.HandleFunc("/plans", h.listPlans).Methods(http.MethodGet)
	router.HandleFunc("/plans/{planID}", h.planByID).Methods(http.MethodGet)
	router.HandleFunc("/plans/{planID}/audit", h.planAudit).Methods(http.MethodGet)
	router.HandleFunc("/plans/{planID}/approve", h.approvePlan).Methods(http.MethodPost)
	router.HandleFunc("/plans/{planID}/reject", h.rejectPlan).Methods(http.MethodPost)
	router.HandleFunc("/plans/{planID}/cancel", h.cancelPlan).Methods(http.MethodPost)
}

// jobView decorates a job with its computed runtime for API responses.
type jobView struct {
	*types.Job
	DurationSeconds float64 `json:"duration_seconds"`
}

func viewOf(job *types.Job, now time.Time) jobView {
	return jobView{Job: job, DurationSeconds: job.DurationSeconds(now)}
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.JobFilter{
		Status:  types.JobStatus(q.Get("status")),
		JobType: types.JobType(q.Get("type")),
		Search:  q.Get("search"),
		Limit:   intParam(q.Get("limit"), 50),
		Offset:  intParam(q.Get("offset"), 0),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		h.writeError(w, http.StatusBadRequest, "unknown status: "+string(filter.Status))
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}

	jobs, total, err := h.db.JobsFiltered(r.Context(), filter)
	if err != nil {
		h.storageError(w, err)
		return
	}
	now := time.Now().UTC()
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job, now))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  views,
		"total": total,
	})
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string          `json:"id"`
		JobType  types.JobType   `json:"job_type"`
		Priority *int            `json:"priority"`
		FileID   *int64          `json:"file_id"`
		FilePath string          `json:"file_path"`
		Policy   string          `json:"policy_name"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobType == "" {
		h.writeError(w, http.StatusBadRequest, "job_type is required")
		return
	}
	job := &types.Job{
		ID:         req.ID,
		JobType:    req.JobType,
		Status:     types.JobStatusQueued,
		Priority:   h.cfg.JobQueue.DefaultPriority,
		FileID:     req.FileID,
		FilePath:   req.FilePath,
		PolicyName: req.Policy,
		Payload:    req.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if err := h.db.InsertJob(r.Context(), job); err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, viewOf(job, time.Now().UTC()))
}

func (h *handlers) jobByID(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	job, err := h.db.JobByID(r.Context(), jobID)
	if errors.Is(err, types.ErrNotFound) {
		// Fall back to prefix lookup so operators can use abbreviated
		// ids the way the CLI does.
		jobs, prefixErr := h.db.JobsByIDPrefix(r.Context(), jobID)
		if prefixErr == nil && len(jobs) == 1 {
			job, err = jobs[0], nil
		}
	}
	if err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(job, time.Now().UTC()))
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	if err := h.db.CancelJob(r.Context(), jobID); err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": string(types.JobStatusCancelled)})
}

func (h *handlers) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	if err := h.db.RetryJob(r.Context(), jobID); err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": string(types.JobStatusQueued)})
}

func (h *handlers) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.QueueStats(r.Context())
	if err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) recoverStale(w http.ResponseWriter, r *http.Request) {
	recovered, err := h.db.RecoverStaleJobs(r.Context(), h.cfg.JobQueue.StaleThreshold())
	if err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"recovered": recovered})
}

func (h *handlers) purgeJobs(w http.ResponseWriter, r *http.Request) {
	purged, err := h.retention.PurgeJobs(r.Context())
	if err != nil {
		h.storageError(w, err)
		return
	}
	removed, err := h.retention.CleanupArtifacts(r.Context())
	if err != nil {
		h.logger.WithError(err).Warn("Artifact cleanup failed during purge request")
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{
		"purged_jobs":       purged,
		"removed_artifacts": int64(removed),
	})
}

func (h *handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := types.PlanStatus(q.Get("status"))
	if status == "" {
		status = types.PlanStatusPending
	}
	plans, err := h.db.PlansByStatus(r.Context(), status, intParam(q.Get("limit"), 50), intParam(q.Get("offset"), 0))
	if err != nil {
		h.storageError(w, err)
		return
	}
	if plans == nil {
		plans = []*types.Plan{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

func (h *handlers) planByID(w http.ResponseWriter, r *http.Request) {
	plan, err := h.db.PlanByID(r.Context(), mux.Vars(r)["planID"])
	if err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

func (h *handlers) planAudit(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["planID"]
	if _, err := h.db.PlanByID(r.Context(), planID); err != nil {
		h.storageError(w, err)
		return
	}
	entries, err := h.db.AuditEntriesForPlan(r.Context(), planID)
	if err != nil {
		h.storageError(w, err)
		return
	}
	if entries == nil {
		entries = []types.AuditEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"audit": entries})
}

func (h *handlers) approvePlan(w http.ResponseWriter, r *http.Request) {
	result, err := h.approval.Approve(r.Context(), mux.Vars(r)["planID"], actorFrom(r))
	if err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *handlers) rejectPlan(w http.ResponseWriter, r *http.Request) {
	result, err := h.approval.Reject(r.Context(), mux.Vars(r)["planID"], actorFrom(r))
	if err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *handlers) cancelPlan(w http.ResponseWriter, r *http.Request) {
	result, err := h.approval.Cancel(r.Context(), mux.Vars(r)["planID"], actorFrom(r))
	if err != nil {
		h.storageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// actorFrom extracts who is making an approval decision. Falls back to
// "admin" when the request does not say.
func actorFrom(r *http.Request) string {
	var body struct {
		Actor string `json:"actor"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Actor == "" {
		return "admin"
	}
	return body.Actor
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func (h *handlers) storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrDuplicateID):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.WithError(err).Error("Request failed")
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *handlers) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

func (h *handlers) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to write response")
	}
}
