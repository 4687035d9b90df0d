// Package generation drives the external long-running video-generation API:
// request validation, job submission, bounded status polling with progress
// reporting, and cooperative cancellation.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vidfriends/vidgen/internal/logging"
)

// Polling defaults matching the provider's ten minute generation budget.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 120
)

const (
	maxResponseBytes = 1 << 20
	maxArtifactBytes = 1 << 30
)

// ErrMissingAPIKey indicates the client was configured without credentials.
var ErrMissingAPIKey = errors.New("generation api key is required")

var errEmptyBody = errors.New("empty response body")

// Config controls how the Client talks to the provider.
type Config struct {
	APIKey            string
	Endpoint          string
	Model             string
	PollInterval      time.Duration
	MaxAttempts       int
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client submits generation jobs and polls them to completion. A Client holds no
// per-job state, so independent generations may share it concurrently.
type Client struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	maxAttempts  int
	http         *http.Client
	limiter      *rate.Limiter
}

// NewClient constructs a Client, applying polling defaults for unset values.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("generation endpoint is required")
	}
	model := strings.Trim(strings.TrimSpace(cfg.Model), "/")
	if model == "" {
		return nil, errors.New("generation model is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      endpoint + "/" + model,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		http:         cfg.HTTPClient,
		limiter:      rate.NewLimiter(limit, burst),
	}, nil
}

// MaxAttempts returns the polling ceiling.
func (c *Client) MaxAttempts() int {
	return c.maxAttempts
}

// Generate validates req, submits it and polls until the job reaches a terminal
// state. job receives every progress tick and may be cancelled concurrently;
// a nil job is replaced by a private one.
func (c *Client) Generate(ctx context.Context, req Request, job *Job) (Result, error) {
	if job == nil {
		job = NewJob()
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if job.Cancelled() {
		return Result{}, ErrCancelled
	}

	ctx, span := logging.StartSpan(ctx, "generate")
	started := time.Now()
	job.begin()

	result, err := c.run(ctx, req, job)
	if err != nil {
		if job.Cancelled() {
			err = ErrCancelled
		}
		job.fail(err.Error())
		span.End(err)
		return Result{}, err
	}

	result.Elapsed = time.Since(started)
	job.finish(StatusCompleted, 1)
	logging.FromContext(ctx).Info("generation completed", "requestId", result.RequestID, "videoUrl", result.VideoURL, "elapsed", result.Elapsed)
	span.End(nil)
	return result, nil
}

func (c *Client) run(ctx context.Context, req Request, job *Job) (Result, error) {
	requestID, err := c.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if job.Cancelled() {
		return Result{}, ErrCancelled
	}

	ctx = logging.WithJobID(ctx, requestID)
	job.setRequestID(requestID)
	logging.FromContext(ctx).Info("generation submitted", "aspectRatio", req.AspectRatio, "duration", req.Duration)

	return c.PollUntilDone(ctx, requestID, job.Token(), job.report)
}

// Submit performs the job-submission exchange and returns the provider request id.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(submitPayload{
		Prompt:      req.Prompt,
		AspectRatio: string(req.AspectRatio),
		Duration:    req.Duration,
		Resolution:  string(req.Resolution),
	})
	if err != nil {
		return "", fmt.Errorf("encode submit payload: %w", err)
	}

	var resp submitResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL, body, &resp, "submit"); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.RequestID) == "" {
		return "", &NetworkError{Op: "submit", Err: errors.New("response missing request_id")}
	}
	return resp.RequestID, nil
}

// PollUntilDone queries the job status every poll interval, at most MaxAttempts
// times. token is checked before each request and again when its response
// arrives; a cancelled token ends polling with ErrCancelled and the response is
// discarded. onProgress receives attempt/MaxAttempts for every tick.
func (c *Client) PollUntilDone(ctx context.Context, requestID string, token *CancelToken, onProgress ProgressFunc) (Result, error) {
	logger := logging.FromContext(ctx)

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, token); err != nil {
				return Result{}, err
			}
		}
		if token.Cancelled() {
			logger.Info("generation polling cancelled", "attempt", attempt)
			return Result{}, ErrCancelled
		}

		status, err := c.fetchStatus(ctx, requestID)
		if token.Cancelled() {
			return Result{}, ErrCancelled
		}
		if err != nil {
			return Result{}, err
		}

		if onProgress != nil {
			onProgress(Progress{
				Fraction: float64(attempt) / float64(c.maxAttempts),
				Status:   status.Status,
			})
		}

		switch ParseStatus(status.Status) {
		case StatusCompleted:
			return resultFrom(requestID, status)
		case StatusFailed:
			return Result{}, &GenerationFailedError{Message: status.Error}
		case StatusQueued, StatusInProgress:
			logger.Debug("generation pending", "status", status.Status, "attempt", attempt+1)
		default:
			return Result{}, &UnknownStatusError{Status: status.Status}
		}
	}

	return Result{}, ErrTimeout
}

// Fetch downloads a generated artifact from the provider's CDN.
func (c *Client) Fetch(ctx context.Context, artifactURL string) ([]byte, error) {
	if _, err := url.ParseRequestURI(artifactURL); err != nil {
		return nil, fmt.Errorf("invalid artifact url: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, &NetworkError{Op: "fetch", Err: err}
	}
	if len(data) == 0 {
		return nil, &NetworkError{Op: "fetch", Err: errEmptyBody}
	}
	return data, nil
}

func (c *Client) fetchStatus(ctx context.Context, requestID string) (statusResponse, error) {
	var resp statusResponse
	endpoint := fmt.Sprintf("%s/requests/%s/status", c.baseURL, url.PathEscape(requestID))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp, "status"); err != nil {
		return statusResponse{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, out any, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &NetworkError{Op: op, Err: errEmptyBody}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) wait(ctx context.Context, token *CancelToken) error {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}

func resultFrom(requestID string, status statusResponse) (Result, error) {
	out := status.Output
	if out == nil || out.Video == nil || strings.TrimSpace(out.Video.URL) == "" {
		return Result{}, ErrNoOutput
	}

	result := Result{
		RequestID:   requestID,
		VideoURL:    out.Video.URL,
		ContentType: out.Video.ContentType,
		FileName:    out.Video.FileName,
		FileSize:    out.Video.FileSize,
		Seed:        out.Seed,
	}
	if out.Timings != nil {
		result.Timings = Timings{Inference: out.Timings.Inference, Total: out.Timings.Total}
	}
	return result, nil
}
