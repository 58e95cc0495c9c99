// Package openaitts synthesizes speech with the OpenAI audio API.
package openaitts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultModel  = "gpt-4o-mini-tts"
	defaultVoice  = "alloy"
	defaultFormat = "wav"
	// maxInputLength is the API's limit on input characters.
	maxInputLength = 4096
)

var (
	// ErrAPIKeyMissing indicates the provider was configured without a credential.
	ErrAPIKeyMissing = errors.New("openai api key is missing")
	// ErrEmptyAudio indicates the API answered without audio.
	ErrEmptyAudio = errors.New("openai returned empty audio")
)

var contentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm",
}

// Provider calls the OpenAI speech endpoint.
type Provider struct {
	name     string
	client   openai.Client
	settings config.OpenAIConfig
}

// New creates a Provider. httpClient may be nil.
func New(cfg config.ProviderConfig, httpClient *http.Client) (*Provider, error) {
	if cfg.OpenAI == nil {
		return nil, fmt.Errorf("%w: openai", config.ErrProviderBlockMissing)
	}

	apiKey := cfg.Credential()
	if apiKey == "" {
		return nil, ErrAPIKeyMissing
	}

	settings := *cfg.OpenAI
	if settings.Model == "" {
		settings.Model = defaultModel
	}

	if settings.Voice == "" {
		settings.Voice = defaultVoice
	}

	if settings.Format == "" {
		settings.Format = defaultFormat
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by the caller's policy.
		option.WithMaxRetries(0),
	}

	if settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(settings.BaseURL))
	}

	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &Provider{
		name:     cfg.Name,
		client:   openai.NewClient(opts...),
		settings: settings,
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
		Qualities:            []core.Quality{core.QualityDraft, core.QualityStandard, core.QualityHigh},
		MaxDuration:          0,
		MaxTextLength:        maxInputLength,
		Async:                false,
		SupportsCancel:       false,
		SupportsCostEstimate: true,
		SupportsWebhook:      false,
	}
}

// Initialize implements core.Provider.
func (p *Provider) Initialize(_ context.Context) error {
	return nil
}

// HealthCheck verifies the credential by fetching the configured model.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.Get(ctx, p.settings.Model)
	if err != nil {
		return p.classify(err)
	}

	return nil
}

// Generate implements core.Provider.
func (p *Provider) Generate(ctx context.Context, req core.Request) (core.Response, error) {
	if req.Media != core.MediaSpeech {
		return core.Response{}, core.NewProviderError(p.name, core.KindInvalidRequest, fmt.Errorf("unsupported media %q", req.Media))
	}

	voice := req.Voice
	if voice == "" {
		voice = p.settings.Voice
	}

	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          openai.SpeechModel(p.settings.Model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(p.settings.Format),
	})
	if err != nil {
		return core.Response{}, p.classify(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Response{}, core.ClassifyTransport(p.name, fmt.Errorf("failed to read audio: %w", err))
	}

	if len(audio) == 0 {
		return core.Response{}, core.NewProviderError(p.name, core.KindUnknown, ErrEmptyAudio)
	}

	contentType, ok := contentTypes[p.settings.Format]
	if !ok {
		contentType = resp.Header.Get("Content-Type")
	}

	return core.Response{
		Provider: p.name,
		Status:   core.TaskStatusCompleted,
		Artifact: core.Artifact{
			Payload:     audio,
			URL:         "",
			ContentType: contentType,
			Metadata: map[string]string{
				"voice":  voice,
				"model":  p.settings.Model,
				"format": p.settings.Format,
			},
		},
		TaskID:              "",
		EstimatedCompletion: time.Time{},
		Metadata:            map[string]string{"request_id": resp.Header.Get("x-request-id")},
	}, nil
}

// CheckStatus implements core.Provider. Speech is synchronous.
func (p *Provider) CheckStatus(_ context.Context, _ string) (core.StatusReport, error) {
	return core.StatusReport{Status: "", Progress: 0, ResultURL: "", Error: "", NotFound: true}, nil
}

func (p *Provider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		detail := apiErr.Message
		if apiErr.Code != "" && !strings.Contains(detail, apiErr.Code) {
			detail = fmt.Sprintf("%s (code: %s)", detail, apiErr.Code)
		}

		return core.ClassifyHTTPStatus(p.name, apiErr.StatusCode, detail)
	}

	return core.ClassifyTransport(p.name, err)
}
