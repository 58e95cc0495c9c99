// Package speechhttp adapts a standalone HTTP text-to-speech service to the
// provider contract. The service answers synchronously with WAV audio.
package speechhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Default values.
const (
	defaultTemperature   = 0.75
	defaultLanguage      = "en"
	defaultMaxTextLength = 4000
	defaultTimeout       = 5 * time.Minute
)

var (
	// ErrUnexpectedContentType indicates the service answered with something other than WAV.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrEmptyAudio indicates a successful response without a body.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrUnsupportedMedia indicates a request for something other than speech.
	ErrUnsupportedMedia = errors.New("speech service only produces speech")
)

// SpeechRequest is the JSON payload of a generation request.
type SpeechRequest struct {
	Text string `json:"text"`
	// SpeakerRefPath is a server-side speaker reference used for voice cloning.
	SpeakerRefPath string  `json:"speaker_ref_path,omitempty"`
	Language       string  `json:"language"`
	Temperature    float64 `json:"temperature"`
}

// ErrorResponse is the structured error body of the service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Provider talks to the speech service.
type Provider struct {
	name       string
	httpClient *http.Client
	baseURL    string
	settings   config.SpeechHTTPConfig
}

// New creates a Provider from its configuration block.
func New(cfg config.ProviderConfig, httpClient *http.Client) (*Provider, error) {
	if cfg.SpeechHTTP == nil {
		return nil, fmt.Errorf("%w: speech_http", config.ErrProviderBlockMissing)
	}

	if httpClient == nil {
		timeout := cfg.Timeout()
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		httpClient = &http.Client{Timeout: timeout}
	}

	settings := *cfg.SpeechHTTP
	if settings.Temperature == 0 {
		settings.Temperature = defaultTemperature
	}

	if settings.Language == "" {
		settings.Language = defaultLanguage
	}

	if settings.MaxTextLength <= 0 {
		settings.MaxTextLength = defaultMaxTextLength
	}

	return &Provider{
		name:       cfg.Name,
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(settings.BaseURL, "/"),
		settings:   settings,
	}, nil
}

// Name implements core.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Capabilities implements core.Provider.
func (p *Provider) Capabilities() core.Capabilities {
	return core.Capabilities{
		Media:                []core.MediaKind{core.MediaSpeech},
		Qualities:            []core.Quality{core.QualityDraft, core.QualityStandard},
		MaxDuration:          0,
		MaxTextLength:        p.settings.MaxTextLength,
		Async:                false,
		SupportsCancel:       false,
		SupportsCostEstimate: false,
		SupportsWebhook:      false,
	}
}

// Initialize implements core.Provider. The service holds no session state.
func (p *Provider) Initialize(_ context.Context) error {
	return nil
}

// Generate sends the text and returns the WAV audio inline.
func (p *Provider) Generate(ctx context.Context, req core.Request) (core.Response, error) {
	if req.Media != core.MediaSpeech {
		return core.Response{}, core.NewProviderError(p.name, core.KindInvalidRequest, ErrUnsupportedMedia)
	}

	language := req.Language
	if language == "" {
		language = p.settings.Language
	}

	audio, err := p.generateSpeech(ctx, SpeechRequest{
		Text:           req.Text,
		SpeakerRefPath: req.Voice,
		Language:       language,
		Temperature:    p.settings.Temperature,
	})
	if err != nil {
		return core.Response{}, err
	}

	metadata := map[string]string{"language": language}
	if req.Voice != "" {
		metadata["voice"] = req.Voice
	}

	return core.Response{
		Provider: p.name,
		Status:   core.TaskStatusCompleted,
		Artifact: core.Artifact{
			Payload:     audio,
			URL:         "",
			ContentType: contentTypeWAV,
			Metadata:    metadata,
		},
		TaskID:              "",
		EstimatedCompletion: time.Time{},
		Metadata:            nil,
	}, nil
}

func (p *Provider) generateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+apiGenerateSpeech, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.ClassifyTransport(p.name, fmt.Errorf("failed to send request to speech service at %s: %w", p.baseURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.ClassifyHTTPStatus(p.name, resp.StatusCode, parseErrorDetail(resp.Body))
	}

	contentType := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(contentType, contentTypeWAV) {
		return nil, core.NewProviderError(p.name, core.KindUnknown,
			fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedContentType, contentTypeWAV, contentType))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.ClassifyTransport(p.name, fmt.Errorf("failed to read audio data: %w", err))
	}

	if len(audioData) == 0 {
		return nil, core.NewProviderError(p.name, core.KindUnknown, ErrEmptyAudio)
	}

	return audioData, nil
}

// HealthCheck implements core.Provider against the /health endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return core.ClassifyTransport(p.name, fmt.Errorf("health check failed for service at %s: %w", p.baseURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.ClassifyHTTPStatus(p.name, resp.StatusCode, "health check failed: "+resp.Status)
	}

	return nil
}

// CheckStatus implements core.Provider. Synchronous providers keep no tasks.
func (p *Provider) CheckStatus(_ context.Context, _ string) (core.StatusReport, error) {
	return core.StatusReport{Status: "", Progress: 0, ResultURL: "", Error: "", NotFound: true}, nil
}

// parseErrorDetail decodes a structured error, falling back to the raw body.
func parseErrorDetail(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 64*1024))

	var errorResp ErrorResponse

	err := json.Unmarshal(raw, &errorResp)
	if err == nil && errorResp.Detail != "" {
		if errorResp.ErrorCode != "" {
			return fmt.Sprintf("%s (code: %s)", errorResp.Detail, errorResp.ErrorCode)
		}

		return errorResp.Detail
	}

	return string(raw)
}
