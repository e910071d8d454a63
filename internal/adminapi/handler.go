package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type handler struct {
	s *Server
}

// claims is the minimal JWT payload the admin API trusts: which
// workspace the caller may trigger pipelines and read jobs in.
// Grounded on original_source/backend/app/api/v1/endpoints/jobs.py's
// workspace-scoped queries (every handler there filters by the caller's
// workspace_id) -- this API enforces the same scoping, just via a JWT
// claim instead of a session-backed user lookup.
type claims struct {
	WorkspaceID string `json:"workspace_id"`
	jwt.RegisteredClaims
}

const workspaceCtxKey = "adminapi.workspace_id"

// bearerAuth validates the Authorization: Bearer <token> header against
// secret and stashes the resolved workspace id in the gin context.
func bearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		parsed := &claims{}
		token, err := jwt.ParseWithClaims(raw, parsed, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || parsed.WorkspaceID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(workspaceCtxKey, parsed.WorkspaceID)
		c.Next()
	}
}

func workspaceFrom(c *gin.Context) string {
	ws, _ := c.Get(workspaceCtxKey)
	id, _ := ws.(string)
	return id
}

// triggerPipeline enqueues a Job for the named pipeline, the
// API-initiated counterpart to the Scheduler's cron-driven enqueue
// (spec §4.11).
func (h *handler) triggerPipeline(c *gin.Context) {
	pipelineID := c.Param("id")
	job, err := h.s.Store.TriggerPipeline(c.Request.Context(), workspaceFrom(c), pipelineID)
	if errors.Is(err, ErrPipelineNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":          job.ID,
		"pipeline_id": job.PipelineID,
		"status":      job.Status,
		"created_at":  job.CreatedAt,
	})
}

// getJob is a read-only lookup of a single job's current status,
// narrowed from the original's much larger get_job response (which also
// embeds run/step/forensic detail this core's Non-goals exclude).
func (h *handler) getJob(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.s.Store.GetJob(c.Request.Context(), workspaceFrom(c), jobID)
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                job.ID,
		"pipeline_id":       job.PipelineID,
		"pipeline_version":  job.PipelineVersion,
		"status":            job.Status,
		"retry_count":       job.RetryCount,
		"worker_id":         job.WorkerID,
		"created_at":        job.CreatedAt,
		"started_at":        job.StartedAt,
		"completed_at":      job.CompletedAt,
		"execution_time_ms": job.ExecutionTimeMS,
		"error_message":     job.ErrorMessage,
	})
}
