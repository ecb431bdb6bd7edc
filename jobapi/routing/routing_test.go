package routing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomparity/vpo-sub001/jobapi/approval"
	"github.com/randomparity/vpo-sub001/jobapi/retention"
	"github.com/randomparity/vpo-sub001/jobapi/routing"
	"github.com/randomparity/vpo-sub001/jobapi/storage"
	"github.com/randomparity/vpo-sub001/jobapi/types"
	"github.com/randomparity/vpo-sub001/setup/config"
)

func newServer(t *testing.T) (*httptest.Server, storage.Database) {
	t.Helper()
	cfg := &config.VPO{}
	cfg.Defaults()
	cfg.Database.ConnectionString = config.DataSource("file:" + filepath.Join(t.TempDir(), "jobs.db"))

	db, err := storage.NewDatabase(&cfg.Database)
	require.NoError(t, err)

	router := mux.NewRouter()
	routing.Setup(router, cfg, db,
		approval.NewService(cfg, db),
		retention.NewService(db, &cfg.JobQueue),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, db
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func seedJob(t *testing.T, db storage.Database) *types.Job {
	t.Helper()
	job := &types.Job{
		ID:        uuid.NewString(),
		JobType:   types.JobTypeTranscode,
		Status:    types.JobStatusQueued,
		Priority:  100,
		FilePath:  "/media/movies/example.mkv",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, db.InsertJob(context.Background(), job))
	return job
}

func seedPlan(t *testing.T, db storage.Database) *types.Plan {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	plan := &types.Plan{
		ID:          uuid.NewString(),
		FilePath:    "/media/movies/example.mkv",
		PolicyName:  "default",
		Actions:     json.RawMessage(`[]`),
		ActionCount: 0,
		Status:      types.PlanStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, db.InsertPlan(context.Background(), plan))
	return plan
}

func TestJobEndpoints(t *testing.T) {
	srv, db := newServer(t)
	job := seedJob(t, db)

	t.Run("list", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/jobs", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["total"])
	})

	t.Run("detail", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/jobs/"+job.ID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, job.ID, body["id"])
		assert.Contains(t, body, "duration_seconds")
	})

	t.Run("detail by prefix", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/jobs/"+job.ID[:8], nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, job.ID, body["id"])
	})

	t.Run("detail not found", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/jobs/ffffffff", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad status filter", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/jobs?status=exploded", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("create", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/jobs", map[string]interface{}{
			"job_type":  "scan",
			"file_path": "/media/tv",
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotEmpty(t, body["id"])
		assert.Equal(t, float64(100), body["priority"])
	})

	t.Run("create without type", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/jobs", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("stats", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/jobs/stats", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(2), body["total"])
	})
}

func TestJobCancelAndRetry(t *testing.T) {
	srv, db := newServer(t)
	ctx := context.Background()
	job := seedJob(t, db)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	// A second cancel is a state conflict, not a repeatable success.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/retry", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := db.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status)

	// Cancelling a running job is refused.
	_, err = db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/jobs/unknown/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecoverEndpoint(t *testing.T) {
	srv, db := newServer(t)
	ctx := context.Background()
	job := seedJob(t, db)

	_, err := db.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	updated, err := db.TouchHeartbeat(ctx, job.ID, "worker-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, updated)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/jobs/recover", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["recovered"])
}

func TestPlanEndpoints(t *testing.T) {
	srv, db := newServer(t)
	plan := seedPlan(t, db)

	t.Run("list pending", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/plans", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		plans, ok := body["plans"].([]interface{})
		require.True(t, ok)
		assert.Len(t, plans, 1)
	})

	t.Run("approve", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/plans/"+plan.ID+"/approve", map[string]string{"actor": "alice"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		jobID, _ := body["job_id"].(string)
		require.NotEmpty(t, jobID)

		jobResp, jobBody := doJSON(t, http.MethodGet, srv.URL+"/jobs/"+jobID, nil)
		assert.Equal(t, http.StatusOK, jobResp.StatusCode)
		assert.Equal(t, "apply", jobBody["job_type"])
		assert.Equal(t, float64(10), jobBody["priority"])
		assert.Equal(t, "queued", jobBody["status"])
	})

	t.Run("approve again conflicts", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/plans/"+plan.ID+"/approve", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("approve unknown plan", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/plans/unknown/approve", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("audit", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/plans/"+plan.ID+"/audit", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		entries, ok := body["audit"].([]interface{})
		require.True(t, ok)
		require.Len(t, entries, 1)
		entry, ok := entries[0].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "approve", entry["action"])
		assert.Equal(t, "alice", entry["actor"])
	})

	t.Run("reject", func(t *testing.T) {
		other := seedPlan(t, db)
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/plans/"+other.ID+"/reject", map[string]string{"actor": "bob"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "rejected", body["status"])
	})
}
