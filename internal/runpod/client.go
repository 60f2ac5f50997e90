// internal/runpod/client.go
package runpod

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL = "https://api.runpod.ai/v2"

	// DefaultTimeout bounds the total wall-clock time a job may spend
	// before it is reported as timed out.
	DefaultTimeout = 5 * time.Minute

	defaultPollInterval = 2 * time.Second

	// expectedGeneration is the typical generation duration used to derive
	// progress estimates while polling; the estimate is capped below 1.0 to
	// leave room for downloading and post-processing.
	expectedGeneration = 120 * time.Second
	maxPollEstimate    = 0.85
)

// Status is the lifecycle state of a remote job. Transitions are forward
// only: SUBMITTED -> RUNNING -> one of the terminal states.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// normalizeStatus maps the serverless API's wire statuses onto the job
// lifecycle.
func normalizeStatus(wire string) Status {
	switch wire {
	case "IN_QUEUE", "SUBMITTED":
		return StatusSubmitted
	case "IN_PROGRESS", "RUNNING":
		return StatusRunning
	case "COMPLETED":
		return StatusCompleted
	case "FAILED":
		return StatusFailed
	case "CANCELLED":
		return StatusCancelled
	case "TIMED_OUT", "TIMED-OUT":
		return StatusTimedOut
	}
	// Unknown non-terminal statuses are treated as still running.
	return StatusRunning
}

// Credential errors fail fast; nothing is retried.
var (
	ErrAuth             = errors.New("runpod: invalid or missing API key")
	ErrEndpointNotFound = errors.New("runpod: endpoint not found")
	ErrUnknownResponse  = errors.New("runpod: unrecognized result payload")
)

// JobFailedError reports a job that reached FAILED or CANCELLED on the
// server, carrying the server-provided reason.
type JobFailedError struct {
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("runpod: job failed: %s", e.Reason)
}

// JobTimeoutError reports a job that exceeded the configured wall-clock
// timeout before reaching a terminal state. It is not retryable and is
// distinct from server-side failure.
type JobTimeoutError struct {
	Timeout time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("runpod: job timed out after %s", e.Timeout)
}

// GenerationParams are the inference settings sent with a continuation
// request.
type GenerationParams struct {
	Prompt         string
	NegativePrompt string
	NumFrames      int
	InferenceSteps int
	GuidanceScale  float64
}

// Client talks to a RunPod serverless endpoint.
type Client struct {
	APIKey     string
	EndpointID string
	BaseURL    string        // defaults to the public API when empty
	Timeout    time.Duration // wall-clock poll bound; DefaultTimeout when zero
	HTTPClient *http.Client
	Logger     *slog.Logger

	pollInterval time.Duration
	sleep        func(time.Duration)
}

// NewClient builds a client for one endpoint.
func NewClient(apiKey, endpointID string) *Client {
	return &Client{
		APIKey:     apiKey,
		EndpointID: endpointID,
		BaseURL:    defaultBaseURL,
		Timeout:    DefaultTimeout,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     slog.Default(),

		pollInterval: defaultPollInterval,
		sleep:        time.Sleep,
	}
}

// ValidateCredentials checks that both secrets are present. Remote validity
// is only discovered on submission (401/404 responses).
func (c *Client) ValidateCredentials() error {
	if c.APIKey == "" {
		return ErrAuth
	}
	if c.EndpointID == "" {
		return ErrEndpointNotFound
	}
	return nil
}

// ReportFunc receives human-readable progress from the client, on a local
// 0.0-1.0 scale. Returning an error aborts the operation.
type ReportFunc func(label string, local float64) error

// GenerateContinuation encodes the conditioning image, submits the job,
// polls it to a terminal state, and writes the normalized video bytes to
// outputPath.
func (c *Client) GenerateContinuation(ctx context.Context, imagePath string, params GenerationParams, outputPath string, report ReportFunc) error {
	if report == nil {
		report = func(string, float64) error { return nil }
	}

	if err := c.ValidateCredentials(); err != nil {
		return err
	}

	if err := report("Encoding conditioning image...", 0.05); err != nil {
		return err
	}
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read conditioning image: %w", err)
	}
	imageB64 := base64.StdEncoding.EncodeToString(imageData)

	if err := report("Submitting job...", 0.10); err != nil {
		return err
	}
	jobID, err := c.submit(ctx, imageB64, params)
	if err != nil {
		return err
	}
	c.logger().Info("job submitted", "job_id", jobID, "endpoint", c.EndpointID)

	output, err := c.poll(ctx, jobID, report)
	if err != nil {
		return err
	}

	if err := report("Downloading result...", 0.90); err != nil {
		return err
	}
	video, err := c.normalizeResult(ctx, output)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputPath, video, 0o644); err != nil {
		return fmt.Errorf("write continuation video: %w", err)
	}

	return report("Continuation ready", 1.0)
}

// submit sends the work unit and returns the opaque job handle. The job is
// in SUBMITTED state once this returns.
func (c *Client) submit(ctx context.Context, imageB64 string, params GenerationParams) (string, error) {
	payload := map[string]any{
		"input": map[string]any{
			"image":               imageB64,
			"prompt":              params.Prompt,
			"negative_prompt":     params.NegativePrompt,
			"num_frames":          params.NumFrames,
			"num_inference_steps": params.InferenceSteps,
			"guidance_scale":      params.GuidanceScale,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/run", c.baseURL(), c.EndpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", ErrAuth
	case http.StatusNotFound:
		return "", ErrEndpointNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("runpod: submit returned HTTP %d: %s", resp.StatusCode, tail)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("runpod: submit response missing job id")
	}
	return result.ID, nil
}

// poll queries the job at a fixed interval until it reaches a terminal
// state or the wall-clock timeout elapses. Each poll that reveals a new
// status emits an elapsed-time progress estimate, capped so the last slice
// of progress is reserved for result handling.
func (c *Client) poll(ctx context.Context, jobID string, report ReportFunc) (json.RawMessage, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var elapsed time.Duration
	last := Status("")

	for elapsed < timeout {
		status, output, err := c.fetchStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch status {
		case StatusCompleted:
			return output, nil
		case StatusFailed:
			return nil, &JobFailedError{Reason: failureReason(output)}
		case StatusCancelled:
			return nil, &JobFailedError{Reason: "job was cancelled"}
		case StatusTimedOut:
			return nil, &JobFailedError{Reason: "job timed out on the server"}
		}

		if status != last {
			estimate := 0.15 + (elapsed.Seconds()/expectedGeneration.Seconds())*0.70
			if estimate > maxPollEstimate {
				estimate = maxPollEstimate
			}
			if err := report(fmt.Sprintf("Generating (%s)...", status), estimate); err != nil {
				return nil, err
			}
			last = status
		}

		c.sleep(c.pollInterval)
		elapsed += c.pollInterval
	}

	return nil, &JobTimeoutError{Timeout: timeout}
}

// fetchStatus performs one status query.
func (c *Client) fetchStatus(ctx context.Context, jobID string) (Status, json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s/status/%s", c.baseURL(), c.EndpointID, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("poll job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", nil, ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", nil, fmt.Errorf("runpod: status returned HTTP %d: %s", resp.StatusCode, tail)
	}

	var result struct {
		Status string          `json:"status"`
		Output json.RawMessage `json:"output"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, fmt.Errorf("decode status response: %w", err)
	}

	status := normalizeStatus(result.Status)
	if status == StatusFailed && result.Error != "" {
		return status, json.RawMessage(fmt.Sprintf(`{"error":%q}`, result.Error)), nil
	}
	return status, result.Output, nil
}

// failureReason digs the server-provided error message out of a failed
// job's output payload.
func failureReason(output json.RawMessage) string {
	var withError struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(output, &withError); err == nil && withError.Error != "" {
		return withError.Error
	}

	var asString string
	if err := json.Unmarshal(output, &asString); err == nil && asString != "" {
		return asString
	}

	return "unknown error"
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
