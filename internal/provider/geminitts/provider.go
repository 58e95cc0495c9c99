// Package geminitts synthesizes speech with Gemini's audio response modality.
package geminitts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/media"
	"google.golang.org/genai"
)

const (
	defaultModel = "gemini-2.5-flash-preview-tts"
	defaultVoice = "Kore"
	// maxInputLength keeps a single request well inside the model's context.
	maxInputLength = 8000
)

var (
	// ErrAPIKeyMissing indicates the provider was configured without a credential.
	ErrAPIKeyMissing = errors.New("gemini api key is missing")
	// ErrNoAudio indicates a response without an inline audio part.
	ErrNoAudio = errors.New("gemini response contained no audio")
)

// Provider calls Gemini GenerateContent with AUDIO output.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	settings   config.GeminiConfig
	client     *genai.Client
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
	if cfg.Gemini == nil {
		return nil, fmt.Errorf("%w: gemini", config.ErrProviderBlockMissing)
	}

	apiKey := cfg.Credential()
	if apiKey == "" {
		return nil, ErrAPIKeyMissing
	}

	settings := *cfg.Gemini
	if settings.Model == "" {
		settings.Model = defaultModel
	}

	if settings.Voice == "" {
		settings.Voice = defaultVoice
	}

	provider := &Provider{
		name:       cfg.Name,
		apiKey:     apiKey,
		baseURL:    "",
		httpClient: httpClient,
		settings:   settings,
		client:     nil,
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
		Media:                []core.MediaKind{core.MediaSpeech},
		Qualities:            []core.Quality{core.QualityStandard, core.QualityHigh},
		MaxDuration:          0,
		MaxTextLength:        maxInputLength,
		Async:                false,
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
		return fmt.Errorf("failed to create gemini client: %w", err)
	}

	p.client = client

	return nil
}

// HealthCheck verifies the key by fetching the configured model.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.client == nil {
		return core.NewProviderError(p.name, core.KindProviderUnavailable, errors.New("client not initialized"))
	}

	_, err := p.client.Models.Get(ctx, p.settings.Model, nil)
	if err != nil {
		return p.classify(err)
	}

	return nil
}

// Generate implements core.Provider. Gemini returns raw PCM, which is wrapped
// in a WAV container.
func (p *Provider) Generate(ctx context.Context, req core.Request) (core.Response, error) {
	if req.Media != core.MediaSpeech {
		return core.Response{}, core.NewProviderError(p.name, core.KindInvalidRequest, fmt.Errorf("unsupported media %q", req.Media))
	}

	if p.client == nil {
		return core.Response{}, core.NewProviderError(p.name, core.KindProviderUnavailable, errors.New("client not initialized"))
	}

	voice := req.Voice
	if voice == "" {
		voice = p.settings.Voice
	}

	genConfig := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			LanguageCode: req.Language,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	result, err := p.client.Models.GenerateContent(ctx, p.settings.Model, genai.Text(req.Text), genConfig)
	if err != nil {
		return core.Response{}, p.classify(err)
	}

	pcm, mimeType, err := extractAudio(result)
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.KindUnknown, err)
	}

	wav, err := media.EncodeWAV(pcm, media.ParsePCMMime(mimeType))
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.KindUnknown, fmt.Errorf("failed to encode wav: %w", err))
	}

	return core.Response{
		Provider: p.name,
		Status:   core.TaskStatusCompleted,
		Artifact: core.Artifact{
			Payload:     wav,
			URL:         "",
			ContentType: media.FormatWAV.ContentType(),
			Metadata: map[string]string{
				"voice":       voice,
				"model":       p.settings.Model,
				"source_mime": mimeType,
			},
		},
		TaskID:              "",
		EstimatedCompletion: time.Time{},
		Metadata:            nil,
	}, nil
}

// CheckStatus implements core.Provider. Speech is synchronous.
func (p *Provider) CheckStatus(_ context.Context, _ string) (core.StatusReport, error) {
	return core.StatusReport{Status: "", Progress: 0, ResultURL: "", Error: "", NotFound: true}, nil
}

func extractAudio(result *genai.GenerateContentResponse) ([]byte, string, error) {
	if result == nil || len(result.Candidates) == 0 {
		return nil, "", ErrNoAudio
	}

	candidate := result.Candidates[0]
	if candidate.Content == nil {
		if candidate.FinishReason != "" {
			return nil, "", fmt.Errorf("%w: finish reason %s", ErrNoAudio, candidate.FinishReason)
		}

		return nil, "", ErrNoAudio
	}

	for _, part := range candidate.Content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, part.InlineData.MIMEType, nil
		}
	}

	return nil, "", ErrNoAudio
}

func (p *Provider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return p.classifyAPIError(apiErr)
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return p.classifyAPIError(*apiErrPtr)
	}

	return core.ClassifyTransport(p.name, err)
}

func (p *Provider) classifyAPIError(apiErr genai.APIError) error {
	detail := apiErr.Message
	if apiErr.Status != "" && !strings.Contains(detail, apiErr.Status) {
		detail = fmt.Sprintf("%s (%s)", detail, apiErr.Status)
	}

	return core.ClassifyHTTPStatus(p.name, apiErr.Code, detail)
}
