package provider

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

	"video-batch-service/internal/config"
	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/ports/adapter"
	"video-batch-service/internal/infra/metrics"
)

var _ adapter.VideoProviderAdapter = (*SoraClient)(nil)

// SoraClient implements adapter.VideoProviderAdapter against the yunwu.ai
// relay for the Sora video API. Submit creates a remote job, Poll reads its
// status. The remote API is fire-and-poll; there are no callbacks.
type SoraClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewSoraClient(cfg config.ProviderConfig) *SoraClient {
	return &SoraClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (c *SoraClient) Name() string { return "sora" }

type createRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Orientation string   `json:"orientation,omitempty"`
	Size        string   `json:"size,omitempty"`
	Seconds     int      `json:"seconds,omitempty"`
	ImageURLs   []string `json:"image_urls,omitempty"`
}

type createResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

type queryResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (c *SoraClient) Submit(ctx context.Context, spec adapter.JobSpec) (string, error) {
	body := createRequest{
		Model:       spec.Model,
		Prompt:      spec.Prompt,
		Orientation: spec.Orientation,
		Size:        spec.Size,
		Seconds:     spec.Duration,
		ImageURLs:   spec.ImageURLs,
	}
	b, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/video/create", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.pickKey(spec.APIKey))
	if spec.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", spec.IdempotencyKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latencyMs := int(time.Since(start).Milliseconds())
	if err != nil {
		metrics.IncProviderCall("submit", "unavailable")
		metrics.ObserveProviderLatency("submit", latencyMs, false)
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if cerr := classifyStatus(resp.StatusCode); cerr != nil {
		metrics.IncProviderCall("submit", outcomeOf(cerr))
		metrics.ObserveProviderLatency("submit", latencyMs, false)
		detail := readErrorDetail(resp.Body)
		return "", fmt.Errorf("%w: create http %d: %s", cerr, resp.StatusCode, detail)
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.IncProviderCall("submit", "unavailable")
		metrics.ObserveProviderLatency("submit", latencyMs, false)
		return "", fmt.Errorf("%w: decode create response: %v", domain.ErrProviderUnavailable, err)
	}
	if out.ID == "" {
		metrics.IncProviderCall("submit", "rejected")
		metrics.ObserveProviderLatency("submit", latencyMs, false)
		return "", fmt.Errorf("%w: create returned no job id: %s", domain.ErrProviderRejected, out.Error)
	}
	metrics.IncProviderCall("submit", "ok")
	metrics.ObserveProviderLatency("submit", latencyMs, true)
	return out.ID, nil
}

func (c *SoraClient) Poll(ctx context.Context, jobID, apiKey string) (*adapter.JobStatus, error) {
	u := c.baseURL + "/video/query?id=" + url.QueryEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.pickKey(apiKey))

	start := time.Now()
	resp, err := c.client.Do(req)
	latencyMs := int(time.Since(start).Milliseconds())
	if err != nil {
		metrics.IncProviderCall("poll", "unavailable")
		metrics.ObserveProviderLatency("poll", latencyMs, false)
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if cerr := classifyStatus(resp.StatusCode); cerr != nil {
		metrics.IncProviderCall("poll", outcomeOf(cerr))
		metrics.ObserveProviderLatency("poll", latencyMs, false)
		detail := readErrorDetail(resp.Body)
		return nil, fmt.Errorf("%w: query http %d: %s", cerr, resp.StatusCode, detail)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.IncProviderCall("poll", "unavailable")
		metrics.ObserveProviderLatency("poll", latencyMs, false)
		return nil, fmt.Errorf("%w: decode query response: %v", domain.ErrProviderUnavailable, err)
	}
	metrics.IncProviderCall("poll", "ok")
	metrics.ObserveProviderLatency("poll", latencyMs, true)
	return mapStatus(out), nil
}

func (c *SoraClient) pickKey(override string) string {
	if override != "" {
		return override
	}
	return c.apiKey
}

// classifyStatus splits HTTP failures into permanent rejections (bad input,
// won't succeed on retry) and transient unavailability (retry may help).
// 429 counts as transient.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return domain.ErrProviderUnavailable
	case code >= 400 && code < 500:
		return domain.ErrProviderRejected
	default:
		return domain.ErrProviderUnavailable
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, domain.ErrProviderRejected) {
		return "rejected"
	}
	return "unavailable"
}

// mapStatus normalizes remote status strings. Anything unrecognized is
// treated as still in progress so a new upstream status never fails a task.
func mapStatus(out queryResponse) *adapter.JobStatus {
	st := &adapter.JobStatus{Progress: out.Progress}
	switch strings.ToLower(out.Status) {
	case "completed", "succeeded", "success":
		st.State = adapter.JobDone
		st.ResultRef = out.VideoURL
		st.Progress = 100
	case "failed", "error", "rejected":
		st.State = adapter.JobError
		st.ErrorDetail = out.Error
		if st.ErrorDetail == "" {
			st.ErrorDetail = "provider reported failure without detail"
		}
	default:
		st.State = adapter.JobInProgress
	}
	return st
}

func readErrorDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "<empty body>"
	}
	return s
}
