package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/state"
	"github.com/synqx/pipeline-core/internal/telemetry"
)

type fakeAuthStore struct {
	agent           *model.Agent
	err             error
	job             *model.Job
	jobErr          error
	ephemeralJob    *model.EphemeralJob
	ephemeralJobErr error
}

func (f *fakeAuthStore) AuthenticateAgent(ctx context.Context, clientID, apiKey string) (*model.Agent, error) {
	return f.agent, f.err
}
func (f *fakeAuthStore) LeaseJob(context.Context, string, string, []string) (*model.Job, error) {
	return nil, nil
}
func (f *fakeAuthStore) GetJob(context.Context, string) (*model.Job, error) {
	return f.job, f.jobErr
}
func (f *fakeAuthStore) GetEphemeralJob(context.Context, string) (*model.EphemeralJob, error) {
	return f.ephemeralJob, f.ephemeralJobErr
}
func (f *fakeAuthStore) LeaseEphemeralJob(context.Context, string, string, []string) (*model.EphemeralJob, error) {
	return nil, nil
}
func (f *fakeAuthStore) NextRunNumber(context.Context, string) (int, error) { return 0, nil }
func (f *fakeAuthStore) CreateRun(context.Context, *model.PipelineRun) error { return nil }
func (f *fakeAuthStore) LoadPipelineVersion(context.Context, string, int) (*model.PipelineVersion, error) {
	return nil, nil
}
func (f *fakeAuthStore) ResolveConnections(context.Context, string) (map[string]any, error) {
	return nil, nil
}
func (f *fakeAuthStore) SaveHeartbeat(context.Context, *model.Agent) error { return nil }
func (f *fakeAuthStore) UpdateJobStatus(context.Context, string, model.JobStatus, string, int64) error {
	return nil
}
func (f *fakeAuthStore) UpdateEphemeralJobStatus(context.Context, string, model.JobStatus, map[string]any, string) error {
	return nil
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestAuthenticateRejectsMissingCredentials(t *testing.T) {
	s := &Server{Store: &fakeAuthStore{}}
	h := &handler{s: s}

	req := httptest.NewRequest(http.MethodPost, "/agents/heartbeat", nil)
	rec := httptest.NewRecorder()
	h.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run without credentials")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticatePassesResolvedAgent(t *testing.T) {
	s := &Server{Store: &fakeAuthStore{agent: &model.Agent{ClientID: "agent-1"}}}
	h := &handler{s: s}

	req := httptest.NewRequest(http.MethodPost, "/agents/heartbeat", nil)
	req.Header.Set("X-SynqX-Client-ID", "agent-1")
	req.Header.Set("X-SynqX-API-Key", "key")
	rec := httptest.NewRecorder()

	var gotClientID string
	h.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClientID = agentFrom(r).ClientID
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-1", gotClientID)
}

func withAgent(r *http.Request, agent *model.Agent) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), agentCtxKey, agent))
}

func TestStepsReturns400WithoutKnownRun(t *testing.T) {
	sm := state.New(state.NewMemoryStore(), nil)
	store := &fakeAuthStore{job: &model.Job{ID: "job-x", WorkerID: "agent-1"}}
	s := &Server{Telemetry: telemetry.NewIngress(sm, telemetry.NewHub()), Store: store}
	h := &handler{s: s}

	body, _ := json.Marshal(map[string]any{"node_id": "A", "status": "Running"})
	req := httptest.NewRequest(http.MethodPost, "/agents/jobs/job-x/steps", bytes.NewReader(body))
	req = withURLParam(req, "id", "job-x")
	req = withAgent(req, &model.Agent{ClientID: "agent-1"})
	rec := httptest.NewRecorder()

	h.steps(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStepsRejectsJobOwnershipMismatch(t *testing.T) {
	sm := state.New(state.NewMemoryStore(), nil)
	store := &fakeAuthStore{job: &model.Job{ID: "job-x", WorkerID: "agent-1"}}
	s := &Server{Telemetry: telemetry.NewIngress(sm, telemetry.NewHub()), Store: store}
	h := &handler{s: s}

	body, _ := json.Marshal(map[string]any{"node_id": "A", "status": "Running"})
	req := httptest.NewRequest(http.MethodPost, "/agents/jobs/job-x/steps", bytes.NewReader(body))
	req = withURLParam(req, "id", "job-x")
	req = withAgent(req, &model.Agent{ClientID: "agent-2"})
	rec := httptest.NewRecorder()

	h.steps(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStepsAppliesKnownRun(t *testing.T) {
	sm := state.New(state.NewMemoryStore(), nil)
	run := &model.PipelineRun{ID: "run-1", JobID: "job-1"}
	require.NoError(t, sm.InitializeRun(context.Background(), run))
	_, err := sm.CreateStepRun(context.Background(), run, &model.Node{NodeID: "A"})
	require.NoError(t, err)

	store := &fakeAuthStore{job: &model.Job{ID: "job-1", WorkerID: "agent-1"}}
	s := &Server{Telemetry: telemetry.NewIngress(sm, telemetry.NewHub()), Store: store}
	s.rememberRun("job-1", run)
	h := &handler{s: s}

	body, _ := json.Marshal(map[string]any{"node_id": "A", "status": "Success", "records_out": 5})
	req := httptest.NewRequest(http.MethodPost, "/agents/jobs/job-1/steps", bytes.NewReader(body))
	req = withURLParam(req, "id", "job-1")
	req = withAgent(req, &model.Agent{ClientID: "agent-1"})
	rec := httptest.NewRecorder()

	h.steps(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEphemeralStatusRejectsJobOwnershipMismatch(t *testing.T) {
	store := &fakeAuthStore{ephemeralJob: &model.EphemeralJob{ID: "eph-1", WorkerID: "agent-1"}}
	s := &Server{Store: store}
	h := &handler{s: s}

	body, _ := json.Marshal(map[string]any{"status": "Success"})
	req := httptest.NewRequest(http.MethodPost, "/agents/jobs/ephemeral/eph-1/status", bytes.NewReader(body))
	req = withURLParam(req, "id", "eph-1")
	req = withAgent(req, &model.Agent{ClientID: "agent-2"})
	rec := httptest.NewRecorder()

	h.ephemeralStatus(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
