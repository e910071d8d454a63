// Package agent implements the Agent Runtime event loop (spec §4.9): a
// single-process, cooperative poll/heartbeat/execute cycle that talks
// to the Job Dispatcher over HTTP/JSON and runs leased pipelines
// through the Parallel Runner.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/synqx/pipeline-core/internal/model"
)

// ErrUnauthorized signals a 401 response: spec §4.9 step 5 says the
// agent must log and exit rather than retry.
var ErrUnauthorized = fmt.Errorf("agent: dispatcher rejected credentials (401)")

// Client is the HTTP binding for the Agent ↔ Dispatcher protocol
// (spec §6): two header-carried credentials, JSON bodies.
type Client struct {
	BaseURL    string
	ClientID   string
	APIKey     string
	HTTP       *http.Client
	LongPoll   time.Duration
}

// NewClient builds a Client with longPoll honored as the poll request's
// own timeout (spec §4.9 step 3: long-poll timeout >= 10s).
func NewClient(baseURL, clientID, apiKey string, longPoll time.Duration) *Client {
	return &Client{
		BaseURL:  baseURL,
		ClientID: clientID,
		APIKey:   apiKey,
		HTTP:     &http.Client{Timeout: longPoll + 5*time.Second},
		LongPoll: longPoll,
	}
}

// PollResponse is the decoded `/agents/poll` body (spec §6).
type PollResponse struct {
	Job       *JobPayload       `json:"job"`
	Ephemeral *EphemeralPayload `json:"ephemeral"`
}

// JobPayload carries the serialized DAG and resolved connections for a
// leased pipeline job.
type JobPayload struct {
	ID          string                 `json:"id"`
	PipelineID  string                 `json:"pipeline_id"`
	RunID       string                 `json:"run_id"`
	Queue       string                 `json:"queue"`
	DAG         model.PipelineVersion  `json:"dag"`
	Connections map[string]any         `json:"connections"`
	Config      struct {
		MaxRetries     int `json:"max_retries"`
		TimeoutSeconds int `json:"timeout_seconds"`
	} `json:"config"`
}

// EphemeralPayload carries a single interactive task (spec §4.9 step 4).
type EphemeralPayload struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Connection map[string]any `json:"connection"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SynqX-Client-ID", c.ClientID)
	req.Header.Set("X-SynqX-API-Key", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("agent: %s %s returned %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Heartbeat sends `{status, system_info, ip_address, version, hostname}`
// (spec §6).
func (c *Client) Heartbeat(ctx context.Context, body SystemInfo) error {
	_, err := c.do(ctx, http.MethodPost, "/agents/heartbeat", body, nil)
	return err
}

// Poll long-polls for work, passing the caller's tag list in the body
// (spec §6).
func (c *Client) Poll(ctx context.Context, tags []string) (*PollResponse, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.LongPoll)
	defer cancel()

	var out PollResponse
	if _, err := c.do(pollCtx, http.MethodPost, "/agents/poll", tags, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportJobStatus posts the job-level terminal (or running) status.
func (c *Client) ReportJobStatus(ctx context.Context, jobID string, body JobStatusUpdate) error {
	_, err := c.do(ctx, http.MethodPost, "/agents/jobs/"+jobID+"/status", body, nil)
	return err
}

// ReportStep posts a per-node telemetry update.
func (c *Client) ReportStep(ctx context.Context, jobID string, body StepTelemetry) error {
	_, err := c.do(ctx, http.MethodPost, "/agents/jobs/"+jobID+"/steps", body, nil)
	return err
}

// ReportEphemeralStatus posts the terminal status of an ephemeral task.
func (c *Client) ReportEphemeralStatus(ctx context.Context, jobID string, body EphemeralStatusUpdate) error {
	_, err := c.do(ctx, http.MethodPost, "/agents/jobs/ephemeral/"+jobID+"/status", body, nil)
	return err
}

// SystemInfo is the heartbeat's resource snapshot (spec §4.9 step 2).
type SystemInfo struct {
	Status   string         `json:"status"`
	System   map[string]any `json:"system_info"`
	IP       string         `json:"ip_address"`
	Version  string         `json:"version"`
	Hostname string         `json:"hostname"`
}

// JobStatusUpdate is the `/agents/jobs/{id}/status` body.
type JobStatusUpdate struct {
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	TotalRecords    int64  `json:"total_records"`
	Timestamp       string `json:"timestamp"`
}

// StepTelemetry is the `/agents/jobs/{id}/steps` body.
type StepTelemetry struct {
	NodeID          string         `json:"node_id"`
	Status          string         `json:"status"`
	RecordsIn       int64          `json:"records_in"`
	RecordsOut      int64          `json:"records_out"`
	RecordsFiltered int64          `json:"records_filtered"`
	RecordsError    int64          `json:"records_error"`
	BytesProcessed  int64          `json:"bytes_processed"`
	CPUPercent      float64        `json:"cpu_percent"`
	MemoryMB        float64        `json:"memory_mb"`
	SampleData      map[string]any `json:"sample_data,omitempty"`
	QualityProfile  map[string]any `json:"quality_profile,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// EphemeralStatusUpdate is the `/agents/jobs/ephemeral/{id}/status` body.
type EphemeralStatusUpdate struct {
	Status             string         `json:"status"`
	ResultSummary      map[string]any `json:"result_summary,omitempty"`
	ResultSample       map[string]any `json:"result_sample,omitempty"`
	ResultSampleArrow  string         `json:"result_sample_arrow,omitempty"`
	ExecutionTimeMS    int64          `json:"execution_time_ms"`
	ErrorMessage       string         `json:"error_message,omitempty"`
}
