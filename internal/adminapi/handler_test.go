package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/pipeline-core/internal/model"
)

type fakeStore struct {
	triggered *model.Job
	job       *model.Job
	jobErr    error
}

func (f *fakeStore) TriggerPipeline(ctx context.Context, workspaceID, pipelineID string) (*model.Job, error) {
	return f.triggered, nil
}

func (f *fakeStore) GetJob(ctx context.Context, workspaceID, jobID string) (*model.Job, error) {
	if f.jobErr != nil {
		return nil, f.jobErr
	}
	return f.job, nil
}

func signToken(t *testing.T, secret, workspaceID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		WorkspaceID:      workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newTestRouter(store Store, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := &handler{s: &Server{Store: store, JWTSecret: secret}}
	g := r.Group("/")
	g.Use(bearerAuth(secret))
	g.POST("/pipelines/:id/trigger", h.triggerPipeline)
	g.GET("/jobs/:id", h.getJob)
	return r
}

func TestBearerAuthRejectsMissingToken(t *testing.T) {
	r := newTestRouter(&fakeStore{}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuthRejectsWrongSecret(t *testing.T) {
	r := newTestRouter(&fakeStore{}, "secret")
	token := signToken(t, "other-secret", "ws1")

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerPipelineReturnsAcceptedJob(t *testing.T) {
	job := &model.Job{ID: "job-1", PipelineID: "pipe-1", Status: model.JobQueued, CreatedAt: time.Now().UTC()}
	r := newTestRouter(&fakeStore{triggered: job}, "secret")
	token := signToken(t, "secret", "ws1")

	req := httptest.NewRequest(http.MethodPost, "/pipelines/pipe-1/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "job-1", body["id"])
}

func TestGetJobReturns404ForUnknownJob(t *testing.T) {
	r := newTestRouter(&fakeStore{jobErr: ErrJobNotFound}, "secret")
	token := signToken(t, "secret", "ws1")

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobReturnsKnownJob(t *testing.T) {
	job := &model.Job{ID: "job-1", PipelineID: "pipe-1", Status: model.JobSuccess}
	r := newTestRouter(&fakeStore{job: job}, "secret")
	token := signToken(t, "secret", "ws1")

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(model.JobSuccess), body["status"])
}
