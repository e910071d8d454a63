package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/telemetry"
)

type ctxKey int

const agentCtxKey ctxKey = 0

type handler struct {
	s *Server
}

// authenticate enforces the two-header credential scheme (spec §6) and
// attaches the resolved *model.Agent to the request context.
func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get("X-SynqX-Client-ID")
		apiKey := r.Header.Get("X-SynqX-API-Key")
		if clientID == "" || apiKey == "" {
			writeError(w, coreerrors.Authentication("missing agent credentials", nil))
			return
		}

		agent, err := h.s.Store.AuthenticateAgent(r.Context(), clientID, apiKey)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), agentCtxKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func agentFrom(r *http.Request) *model.Agent {
	agent, _ := r.Context().Value(agentCtxKey).(*model.Agent)
	return agent
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	agent.Status = model.AgentOnline
	if s, _ := body["status"].(string); strings.EqualFold(s, "offline") {
		agent.Status = model.AgentOffline
	}
	if err := h.s.Dispatcher.Heartbeat(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) poll(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var tags []string
	_ = json.NewDecoder(r.Body).Decode(&tags)

	payload, ephemeral, err := h.s.Dispatcher.Poll(r.Context(), agent, tags)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"job": nil, "ephemeral": nil}
	if payload != nil {
		h.s.rememberRun(payload.Job.ID, payload.Run)
		resp["job"] = map[string]any{
			"id":           payload.Job.ID,
			"pipeline_id":  payload.Job.PipelineID,
			"run_id":       payload.Run.ID,
			"queue":        payload.Job.QueueName,
			"dag":          payload.Version,
			"connections":  payload.Connections,
			"config": map[string]any{
				"max_retries":     payload.MaxRetries,
				"timeout_seconds": payload.TimeoutSecs,
			},
		}
	}
	if ephemeral != nil {
		resp["ephemeral"] = map[string]any{
			"id": ephemeral.ID, "type": ephemeral.Type,
			"payload": ephemeral.Payload, "connection": ephemeral.Connection,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkJobOwnership loads jobID and 403s unless it is owned by the
// agent attached to the request (spec §6: "403 on job-ownership
// mismatch" — any authenticated agent can otherwise read or report
// telemetry for a job it never leased).
func (h *handler) checkJobOwnership(w http.ResponseWriter, r *http.Request, jobID string) bool {
	job, err := h.s.Store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if job.WorkerID != agentFrom(r).ClientID {
		writeError(w, coreerrors.Authorization("job "+jobID+" is not leased by this agent"))
		return false
	}
	return true
}

// checkEphemeralJobOwnership is checkJobOwnership's equivalent for the
// ephemeral_jobs queue, which tracks its own worker_id column rather
// than reusing jobs (spec §4.9.4).
func (h *handler) checkEphemeralJobOwnership(w http.ResponseWriter, r *http.Request, jobID string) bool {
	job, err := h.s.Store.GetEphemeralJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if job.WorkerID != agentFrom(r).ClientID {
		writeError(w, coreerrors.Authorization("ephemeral job "+jobID+" is not leased by this agent"))
		return false
	}
	return true
}

func (h *handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !h.checkJobOwnership(w, r, jobID) {
		return
	}
	var body struct {
		Status          string `json:"status"`
		Message         string `json:"message"`
		ExecutionTimeMS int64  `json:"execution_time_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, coreerrors.Validation("malformed job status body"))
		return
	}

	status := model.JobSuccess
	switch body.Status {
	case "failed":
		status = model.JobFailed
	case "running":
		status = model.JobRunning
	}
	if err := h.s.Dispatcher.ReportJobStatus(r.Context(), jobID, status, body.Message, body.ExecutionTimeMS); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) steps(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !h.checkJobOwnership(w, r, jobID) {
		return
	}
	var body telemetry.Update
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, coreerrors.Validation("malformed step telemetry body"))
		return
	}

	run := h.s.runForJob(jobID)
	if run == nil {
		writeError(w, coreerrors.Validation("no known run for job "+jobID))
		return
	}
	body.JobID = jobID
	body.RunID = run.ID

	if err := h.s.Telemetry.Process(r.Context(), run, body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) ephemeralStatus(w http.ResponseWriter, r *http.Request) {
	// Ephemeral tasks are fire-and-forget from the dispatcher's
	// perspective: no PipelineRun bookkeeping applies, only the
	// ephemeral_jobs row update (spec §4.9.4).
	jobID := chi.URLParam(r, "id")
	if !h.checkEphemeralJobOwnership(w, r, jobID) {
		return
	}
	var body struct {
		Status        string         `json:"status"`
		ResultSummary map[string]any `json:"result_summary"`
		ErrorMessage  string         `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, coreerrors.Validation("malformed ephemeral status body"))
		return
	}
	status := model.JobSuccess
	if body.Status == "failed" {
		status = model.JobFailed
	}
	if err := h.s.Dispatcher.ReportEphemeralStatus(r.Context(), jobID, status, body.ResultSummary, body.ErrorMessage); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket subscribes the caller to a telemetry topic
// (`job_telemetry:<job_id>` or `jobs_list`) until it disconnects.
func (h *handler) websocket(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.s.Hub.Subscribe(topic, conn)
	defer h.s.Hub.Unsubscribe(topic, conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	if ce, ok := coreerrors.As(err); ok {
		status = ce.HTTPStatus
		message = ce.Message
	}
	writeJSON(w, status, map[string]string{"error": message})
}
