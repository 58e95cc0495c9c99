// Package videohttp adapts an asynchronous REST video generation API. Jobs are
// submitted, then completed by a webhook callback or by polling.
package videohttp

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

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/media"
)

// API endpoints and paths.
const (
	apiVideos = "/v1/videos"
	apiHealth = "/health"
)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	defaultTimeout      = 60 * time.Second
	defaultMaxDuration  = 60
	maxErrorBody        = 64 * 1024
)

var (
	// ErrAPIKeyMissing indicates the provider was configured without a credential.
	ErrAPIKeyMissing = errors.New("video api key is missing")
	// ErrMissingTaskID indicates the API accepted a job without returning its id.
	ErrMissingTaskID = errors.New("video api returned no task id")
	// ErrUnsupportedMedia indicates a request for something other than video.
	ErrUnsupportedMedia = errors.New("video api only produces video")
)

// CreateRequest is the JSON body of a job submission.
type CreateRequest struct {
	Prompt          string            `json:"prompt"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	Quality         string            `json:"quality,omitempty"`
	CallbackURL     string            `json:"callback_url,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Job is the API's view of one generation job.
type Job struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	ResultURL  string  `json:"result_url,omitempty"`
	Error      string  `json:"error,omitempty"`
	ETASeconds int     `json:"eta_seconds,omitempty"`
}

type listResponse struct {
	Data []Job `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// Provider talks to the video API.
type Provider struct {
	name        string
	apiKey      string
	httpClient  *http.Client
	baseURL     string
	callbackURL string
	settings    config.VideoHTTPConfig
	qualities   []core.Quality
	now         func() time.Time
}

// New creates a Provider. callbackURL, when set, is sent with each job so the
// API can push completion instead of waiting for a poll.
func New(cfg config.ProviderConfig, httpClient *http.Client, callbackURL string) (*Provider, error) {
	if cfg.VideoHTTP == nil {
		return nil, fmt.Errorf("%w: video_http", config.ErrProviderBlockMissing)
	}

	apiKey := cfg.Credential()
	if apiKey == "" {
		return nil, ErrAPIKeyMissing
	}

	settings := *cfg.VideoHTTP
	if settings.MaxDurationSeconds <= 0 {
		settings.MaxDurationSeconds = defaultMaxDuration
	}

	qualities, err := media.ParseQualities(settings.Qualities)
	if err != nil {
		return nil, err
	}

	if len(qualities) == 0 {
		qualities = []core.Quality{core.QualityStandard, core.QualityHigh}
	}

	if httpClient == nil {
		timeout := cfg.Timeout()
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		httpClient = &http.Client{Timeout: timeout}
	}

	return &Provider{
		name:        cfg.Name,
		apiKey:      apiKey,
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(settings.BaseURL, "/"),
		callbackURL: callbackURL,
		settings:    settings,
		qualities:   qualities,
		now:         time.Now,
	}, nil
}

// Name implements core.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Capabilities implements core.Provider.
func (p *Provider) Capabilities() core.Capabilities {
	return core.Capabilities{
		Media:                []core.MediaKind{core.MediaVideo},
		Qualities:            p.qualities,
		MaxDuration:          time.Duration(p.settings.MaxDurationSeconds) * time.Second,
		MaxTextLength:        0,
		Async:                true,
		SupportsCancel:       true,
		SupportsCostEstimate: false,
		SupportsWebhook:      p.callbackURL != "",
	}
}

// Initialize implements core.Provider.
func (p *Provider) Initialize(_ context.Context) error {
	return nil
}

// HealthCheck implements core.Provider.
func (p *Provider) HealthCheck(ctx context.Context) error {
	resp, err := p.do(ctx, http.MethodGet, apiHealth, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.ClassifyHTTPStatus(p.name, resp.StatusCode, "health check failed: "+resp.Status)
	}

	return nil
}

// Generate submits a job and returns its handle without waiting.
func (p *Provider) Generate(ctx context.Context, req core.Request) (core.Response, error) {
	if req.Media != core.MediaVideo {
		return core.Response{}, core.NewProviderError(p.name, core.KindInvalidRequest, ErrUnsupportedMedia)
	}

	body := CreateRequest{
		Prompt:          req.Prompt,
		DurationSeconds: int(req.Duration / time.Second),
		Quality:         string(req.Quality),
		CallbackURL:     p.callbackURL,
		Metadata:        req.Options,
	}

	var job Job

	err := p.doJSON(ctx, http.MethodPost, apiVideos, body, &job, http.StatusOK, http.StatusCreated, http.StatusAccepted)
	if err != nil {
		return core.Response{}, err
	}

	if job.ID == "" {
		return core.Response{}, core.NewProviderError(p.name, core.KindUnknown, ErrMissingTaskID)
	}

	var eta time.Time
	if job.ETASeconds > 0 {
		eta = p.now().Add(time.Duration(job.ETASeconds) * time.Second)
	}

	status := mapStatus(job.Status)
	if status == "" || status.IsTerminal() {
		// Completion always flows through the reconciler.
		status = core.TaskStatusProcessing
	}

	return core.Response{
		Provider:            p.name,
		Status:              status,
		Artifact:            core.Artifact{},
		TaskID:              job.ID,
		EstimatedCompletion: eta,
		Metadata:            map[string]string{"remote_status": job.Status},
	}, nil
}

// CheckStatus implements core.Provider. A 404 is reported as NotFound.
func (p *Provider) CheckStatus(ctx context.Context, taskID string) (core.StatusReport, error) {
	resp, err := p.do(ctx, http.MethodGet, apiVideos+"/"+url.PathEscape(taskID), nil)
	if err != nil {
		return core.StatusReport{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return core.StatusReport{Status: "", Progress: 0, ResultURL: "", Error: "", NotFound: true}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return core.StatusReport{}, core.ClassifyHTTPStatus(p.name, resp.StatusCode, parseErrorDetail(resp.Body))
	}

	var job Job

	decodeErr := json.NewDecoder(resp.Body).Decode(&job)
	if decodeErr != nil {
		return core.StatusReport{}, core.NewProviderError(p.name, core.KindUnknown, fmt.Errorf("failed to decode response: %w", decodeErr))
	}

	return toReport(job), nil
}

// ListTasks implements core.Lister.
func (p *Provider) ListTasks(ctx context.Context, status core.TaskStatus) (map[string]core.StatusReport, error) {
	path := apiVideos
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}

	var list listResponse

	err := p.doJSON(ctx, http.MethodGet, path, nil, &list, http.StatusOK)
	if err != nil {
		return nil, err
	}

	reports := make(map[string]core.StatusReport, len(list.Data))
	for _, job := range list.Data {
		reports[job.ID] = toReport(job)
	}

	return reports, nil
}

// Cancel implements core.Canceler. A 409 means the job already finished.
func (p *Provider) Cancel(ctx context.Context, taskID string) (bool, error) {
	resp, err := p.do(ctx, http.MethodPost, apiVideos+"/"+url.PathEscape(taskID)+"/cancel", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusConflict, http.StatusNotFound:
		return false, nil
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
	default:
		return false, core.ClassifyHTTPStatus(p.name, resp.StatusCode, parseErrorDetail(resp.Body))
	}

	var out cancelResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if decodeErr != nil {
		// An empty success body still means accepted.
		return true, nil //nolint:nilerr
	}

	return out.Cancelled, nil
}

func (p *Provider) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader = http.NoBody

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAuthorization, "Bearer "+p.apiKey)

	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, core.ClassifyTransport(p.name, fmt.Errorf("failed to reach video api at %s: %w", p.baseURL, err))
	}

	return resp, nil
}

func (p *Provider) doJSON(ctx context.Context, method, path string, body, out any, accepted ...int) error {
	resp, err := p.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false

	for _, code := range accepted {
		if resp.StatusCode == code {
			ok = true

			break
		}
	}

	if !ok {
		return core.ClassifyHTTPStatus(p.name, resp.StatusCode, parseErrorDetail(resp.Body))
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if decodeErr != nil {
		return core.NewProviderError(p.name, core.KindUnknown, fmt.Errorf("failed to decode response: %w", decodeErr))
	}

	return nil
}

// mapStatus translates the API's status vocabulary.
func mapStatus(status string) core.TaskStatus {
	switch strings.ToLower(status) {
	case "queued", "pending", "submitted":
		return core.TaskStatusPending
	case "processing", "in_progress", "running":
		return core.TaskStatusProcessing
	case "completed", "succeeded", "success":
		return core.TaskStatusCompleted
	case "failed", "error", "cancelled", "canceled", "expired":
		return core.TaskStatusFailed
	default:
		return ""
	}
}

func toReport(job Job) core.StatusReport {
	status := mapStatus(job.Status)
	if status == "" {
		status = core.TaskStatusProcessing
	}

	message := job.Error
	if status == core.TaskStatusFailed && message == "" {
		message = "remote status " + job.Status
	}

	return core.StatusReport{
		Status:    status,
		Progress:  job.Progress,
		ResultURL: job.ResultURL,
		Error:     message,
		NotFound:  false,
	}
}

func parseErrorDetail(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))

	var parsed errorResponse

	err := json.Unmarshal(raw, &parsed)
	if err == nil && parsed.Error.Message != "" {
		if parsed.Error.Code != "" {
			return fmt.Sprintf("%s (code: %s)", parsed.Error.Message, parsed.Error.Code)
		}

		return parsed.Error.Message
	}

	return string(raw)
}
