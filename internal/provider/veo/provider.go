// Package veo generates video with Google Veo. Generation is a long-running
// operation; the operation name is the task id.
package veo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"google.golang.org/genai"
)

const (
	defaultModel       = "veo-3.0-generate-001"
	defaultMaxDuration = 8
	// typicalLatency is the usual time Veo takes to render a clip.
	typicalLatency = 2 * time.Minute
)

var (
	// ErrAPIKeyMissing indicates the provider was configured without a credential.
	ErrAPIKeyMissing = errors.New("veo api key is missing")
	// ErrNoOperation indicates the API accepted the request without an operation name.
	ErrNoOperation = errors.New("veo returned no operation")
	// ErrNotInitialized indicates a call before Initialize.
	ErrNotInitialized = errors.New("veo client not initialized")
)

// Provider submits and polls Veo operations.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	settings   config.VeoConfig
	client     *genai.Client
	now        func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the client at a different API host.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// New creates a Provider. The API client is built by Initialize.
func New(cfg config.ProviderConfig, httpClient *http.Client, opts ...Option) (*Provider, error) {
	if cfg.Veo == nil {
		return nil, fmt.Errorf("%w: veo", config.ErrProviderBlockMissing)
	}

	apiKey := cfg.Credential()
	if apiKey == "" {
		return nil, ErrAPIKeyMissing
	}

	settings := *cfg.Veo
	if settings.Model == "" {
		settings.Model = defaultModel
	}

	if settings.MaxDurationSeconds <= 0 {
		settings.MaxDurationSeconds = defaultMaxDuration
	}

	provider := &Provider{
		name:       cfg.Name,
		apiKey:     apiKey,
		baseURL:    "",
		httpClient: httpClient,
		settings:   settings,
		client:     nil,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(provider)
	}

	return provider, nil
}

// Name implements core.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Capabilities implements core.Provider.
func (p *Provider) Capabilities() core.Capabilities {
	return core.Capabilities{
		Media:                []core.MediaKind{core.MediaVideo},
		Qualities:            []core.Quality{core.QualityStandard, core.QualityHigh},
		MaxDuration:          time.Duration(p.settings.MaxDurationSeconds) * time.Second,
		MaxTextLength:        0,
		Async:                true,
		SupportsCancel:       false,
		SupportsCostEstimate: false,
		SupportsWebhook:      false,
	}
}

// Initialize creates the genai client.
func (p *Provider) Initialize(ctx context.Context) error {
	clientConfig := &genai.ClientConfig{
		APIKey:     p.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}

	if p.baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("failed to create veo client: %w", err)
	}

	p.client = client

	return nil
}

// HealthCheck verifies the key by fetching the configured model.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.client == nil {
		return core.NewProviderError(p.name, core.KindProviderUnavailable, ErrNotInitialized)
	}

	_, err := p.client.Models.Get(ctx, p.settings.Model, nil)
	if err != nil {
		return p.classify(err)
	}

	return nil
}

// Generate starts a Veo operation and returns its name as the task id.
func (p *Provider) Generate(ctx context.Context, req core.Request) (core.Response, error) {
	if req.Media != core.MediaVideo {
		return core.Response{}, core.NewProviderError(p.name, core.KindInvalidRequest, fmt.Errorf("unsupported media %q", req.Media))
	}

	if p.client == nil {
		return core.Response{}, core.NewProviderError(p.name, core.KindProviderUnavailable, ErrNotInitialized)
	}

	videoConfig := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    p.settings.AspectRatio,
	}

	if req.Duration > 0 {
		seconds := int32(req.Duration / time.Second)
		videoConfig.DurationSeconds = &seconds
	}

	operation, err := p.client.Models.GenerateVideos(ctx, p.settings.Model, req.Prompt, nil, videoConfig)
	if err != nil {
		return core.Response{}, p.classify(err)
	}

	if operation == nil || operation.Name == "" {
		return core.Response{}, core.NewProviderError(p.name, core.KindUnknown, ErrNoOperation)
	}

	return core.Response{
		Provider:            p.name,
		Status:              core.TaskStatusProcessing,
		Artifact:            core.Artifact{},
		TaskID:              operation.Name,
		EstimatedCompletion: p.now().Add(typicalLatency),
		Metadata:            map[string]string{"model": p.settings.Model},
	}, nil
}

// CheckStatus fetches the operation. An unknown operation is reported as NotFound.
func (p *Provider) CheckStatus(ctx context.Context, taskID string) (core.StatusReport, error) {
	if p.client == nil {
		return core.StatusReport{}, core.NewProviderError(p.name, core.KindProviderUnavailable, ErrNotInitialized)
	}

	operation, err := p.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: taskID}, nil)
	if err != nil {
		if apiCode(err) == http.StatusNotFound {
			return core.StatusReport{Status: "", Progress: 0, ResultURL: "", Error: "", NotFound: true}, nil
		}

		return core.StatusReport{}, p.classify(err)
	}

	return reportFromOperation(operation), nil
}

// reportFromOperation maps a Veo operation onto a status report.
func reportFromOperation(operation *genai.GenerateVideosOperation) core.StatusReport {
	if operation == nil || !operation.Done {
		return core.StatusReport{Status: core.TaskStatusProcessing, Progress: 0, ResultURL: "", Error: "", NotFound: false}
	}

	if len(operation.Error) > 0 {
		return failed(fmt.Sprintf("%v", operation.Error["message"]))
	}

	response := operation.Response
	if response == nil {
		return failed("operation finished without a response")
	}

	for _, generated := range response.GeneratedVideos {
		if generated != nil && generated.Video != nil && generated.Video.URI != "" {
			return core.StatusReport{
				Status:    core.TaskStatusCompleted,
				Progress:  1,
				ResultURL: generated.Video.URI,
				Error:     "",
				NotFound:  false,
			}
		}
	}

	if response.RAIMediaFilteredCount > 0 {
		return failed("filtered by content policy: " + strings.Join(response.RAIMediaFilteredReasons, "; "))
	}

	return failed("operation finished without a video")
}

func failed(message string) core.StatusReport {
	return core.StatusReport{Status: core.TaskStatusFailed, Progress: 1, ResultURL: "", Error: message, NotFound: false}
}

func apiCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}

	return 0
}

func (p *Provider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return core.ClassifyHTTPStatus(p.name, apiErr.Code, apiErr.Message)
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return core.ClassifyHTTPStatus(p.name, apiErrPtr.Code, apiErrPtr.Message)
	}

	return core.ClassifyTransport(p.name, err)
}
