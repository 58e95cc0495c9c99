// Package chatllm synthesizes speech by running the local chatllm binary.
package chatllm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
)

const (
	defaultBinary = "chatllm"
	// waitDelay bounds how long output pipes are drained after the process is killed.
	waitDelay = 2 * time.Second
)

var (
	// ErrUnknownVoice indicates a voice outside the configured list.
	ErrUnknownVoice = errors.New("voice is not configured")
	// ErrEmptyOutput indicates the binary exited cleanly without writing audio.
	ErrEmptyOutput = errors.New("chatllm produced no audio")
)

// Provider runs chatllm with TTS export for each request.
type Provider struct {
	name     string
	binary   string
	settings config.ChatLLMConfig
	log      *logger.Logger
	lookPath func(file string) (string, error)
}

// New creates a Provider.
func New(cfg config.ProviderConfig, log *logger.Logger) (*Provider, error) {
	if cfg.ChatLLM == nil {
		return nil, fmt.Errorf("%w: chatllm", config.ErrProviderBlockMissing)
	}

	binary := cfg.ChatLLM.BinaryPath
	if binary == "" {
		binary = defaultBinary
	}

	return &Provider{
		name:     cfg.Name,
		binary:   binary,
		settings: *cfg.ChatLLM,
		log:      log,
		lookPath: exec.LookPath,
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
		MaxTextLength:        0,
		Async:                false,
		SupportsCancel:       false,
		SupportsCostEstimate: false,
		SupportsWebhook:      false,
	}
}

// Initialize implements core.Provider.
func (p *Provider) Initialize(_ context.Context) error {
	return nil
}

// HealthCheck reports the binary and model files as reachable.
func (p *Provider) HealthCheck(_ context.Context) error {
	_, err := p.lookPath(p.binary)
	if err != nil {
		return core.NewProviderError(p.name, core.KindProviderUnavailable, fmt.Errorf("binary '%s' not found: %w", p.binary, err))
	}

	for _, path := range []string{p.settings.ModelPath, p.settings.SnacModelPath} {
		_, statErr := os.Stat(path)
		if statErr != nil {
			return core.NewProviderError(p.name, core.KindProviderUnavailable, fmt.Errorf("model file: %w", statErr))
		}
	}

	return nil
}

// Generate implements core.Provider.
func (p *Provider) Generate(ctx context.Context, req core.Request) (core.Response, error) {
	if req.Media != core.MediaSpeech {
		return core.Response{}, core.NewProviderError(p.name, core.KindInvalidRequest, fmt.Errorf("unsupported media %q", req.Media))
	}

	voice, err := p.resolveVoice(req.Voice)
	if err != nil {
		return core.Response{}, core.NewProviderError(p.name, core.KindInvalidRequest, err)
	}

	audio, err := p.synthesize(ctx, voice, req.Text)
	if err != nil {
		return core.Response{}, err
	}

	return core.Response{
		Provider: p.name,
		Status:   core.TaskStatusCompleted,
		Artifact: core.Artifact{
			Payload:     audio,
			URL:         "",
			ContentType: "audio/wav",
			Metadata:    map[string]string{"voice": voice, "seed": strconv.Itoa(p.settings.Seed)},
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

func (p *Provider) resolveVoice(voice string) (string, error) {
	if voice == "" {
		if len(p.settings.Voices) > 0 {
			return p.settings.Voices[0], nil
		}

		return "", nil
	}

	if len(p.settings.Voices) > 0 && !slices.Contains(p.settings.Voices, voice) {
		return "", fmt.Errorf("%w: %s", ErrUnknownVoice, voice)
	}

	return voice, nil
}

func (p *Provider) synthesize(ctx context.Context, voice, text string) ([]byte, error) {
	tempFile, err := os.CreateTemp("", "media-chatllm-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for chatllm output: %w", err)
	}

	_ = tempFile.Close()

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && p.log != nil {
			p.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	args := []string{
		"-m", p.settings.ModelPath,
		"--snac_model", p.settings.SnacModelPath,
		"-p", fmt.Sprintf("{%s}: %s", voice, text),
		"--tts_export", tempFile.Name(),
		"--seed", strconv.Itoa(p.settings.Seed),
		"-ngl", strconv.Itoa(p.settings.NGL),
		"--top_p", fmt.Sprintf("%.2f", p.settings.TopP),
		"--repetition_penalty", fmt.Sprintf("%.2f", p.settings.RepetitionPenalty),
		"--temp", fmt.Sprintf("%.2f", p.settings.Temperature),
	}

	// #nosec G204 -- binary and model paths come from validated configuration
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.WaitDelay = waitDelay

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.ClassifyTransport(p.name, ctx.Err())
		}

		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, core.NewProviderError(p.name, core.KindProviderUnavailable, err)
		}

		return nil, core.NewProviderError(p.name, core.KindUnknown,
			fmt.Errorf("chatllm binary execution failed: %w - output: %s", err, string(output)))
	}

	audio, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return nil, core.NewProviderError(p.name, core.KindUnknown, fmt.Errorf("failed to read audio data from temp file: %w", err))
	}

	if len(audio) == 0 {
		return nil, core.NewProviderError(p.name, core.KindUnknown, ErrEmptyOutput)
	}

	return audio, nil
}
