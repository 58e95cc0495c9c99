// Package providertest provides a scriptable in-memory provider for tests.
package providertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
)

// ErrHealthFailed is the default health error.
var ErrHealthFailed = errors.New("fake health check failed")

// Fake is a core.Provider whose behavior is set by its fields. Calls are counted.
type Fake struct {
	ProviderName string
	Caps         core.Capabilities

	mu               sync.Mutex
	HealthShouldFail bool
	GenerateFunc     func(ctx context.Context, req core.Request) (core.Response, error)
	StatusFunc       func(ctx context.Context, taskID string) (core.StatusReport, error)
	CancelFunc       func(ctx context.Context, taskID string) (bool, error)

	GenerateCalls atomic.Int32
	StatusCalls   atomic.Int32
	CancelCalls   atomic.Int32
	Closed        atomic.Bool
	Requests      []core.Request
}

// NewSpeech returns a fake synchronous speech provider that answers with payload.
func NewSpeech(name string, payload string) *Fake {
	fake := &Fake{
		ProviderName: name,
		Caps: core.Capabilities{
			Media:                []core.MediaKind{core.MediaSpeech},
			Qualities:            []core.Quality{core.QualityStandard},
			MaxDuration:          0,
			MaxTextLength:        0,
			Async:                false,
			SupportsCancel:       false,
			SupportsCostEstimate: false,
			SupportsWebhook:      false,
		},
	}

	fake.GenerateFunc = func(_ context.Context, _ core.Request) (core.Response, error) {
		return core.Response{
			Provider:            name,
			Status:              core.TaskStatusCompleted,
			Artifact:            core.Artifact{Payload: []byte(payload), URL: "", ContentType: "audio/wav", Metadata: nil},
			TaskID:              "",
			EstimatedCompletion: time.Time{},
			Metadata:            nil,
		}, nil
	}

	return fake
}

// NewVideo returns a fake asynchronous video provider that hands out taskID.
func NewVideo(name string, taskID string, maxDuration time.Duration) *Fake {
	fake := &Fake{
		ProviderName: name,
		Caps: core.Capabilities{
			Media:                []core.MediaKind{core.MediaVideo},
			Qualities:            []core.Quality{core.QualityStandard},
			MaxDuration:          maxDuration,
			MaxTextLength:        0,
			Async:                true,
			SupportsCancel:       true,
			SupportsCostEstimate: false,
			SupportsWebhook:      true,
		},
	}

	fake.GenerateFunc = func(_ context.Context, _ core.Request) (core.Response, error) {
		return core.Response{
			Provider:            name,
			Status:              core.TaskStatusProcessing,
			Artifact:            core.Artifact{},
			TaskID:              taskID,
			EstimatedCompletion: time.Now().Add(time.Minute),
			Metadata:            nil,
		}, nil
	}

	fake.StatusFunc = func(_ context.Context, _ string) (core.StatusReport, error) {
		return core.StatusReport{Status: core.TaskStatusProcessing, Progress: 0.5, ResultURL: "", Error: "", NotFound: false}, nil
	}

	fake.CancelFunc = func(_ context.Context, _ string) (bool, error) {
		return true, nil
	}

	return fake
}

// Failing makes every Generate call return err.
func (f *Fake) Failing(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.GenerateFunc = func(context.Context, core.Request) (core.Response, error) {
		return core.Response{}, err
	}

	return f
}

// SetHealthy toggles the health check result.
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	f.HealthShouldFail = !healthy
	f.mu.Unlock()
}

// SetStatus replaces the status answer.
func (f *Fake) SetStatus(report core.StatusReport, err error) {
	f.mu.Lock()
	f.StatusFunc = func(context.Context, string) (core.StatusReport, error) {
		return report, err
	}
	f.mu.Unlock()
}

// Name implements core.Provider.
func (f *Fake) Name() string {
	return f.ProviderName
}

// Capabilities implements core.Provider.
func (f *Fake) Capabilities() core.Capabilities {
	return f.Caps
}

// Initialize implements core.Provider.
func (f *Fake) Initialize(context.Context) error {
	return nil
}

// HealthCheck implements core.Provider.
func (f *Fake) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.HealthShouldFail {
		return ErrHealthFailed
	}

	return nil
}

// Generate implements core.Provider.
func (f *Fake) Generate(ctx context.Context, req core.Request) (core.Response, error) {
	f.GenerateCalls.Add(1)

	f.mu.Lock()
	f.Requests = append(f.Requests, req)
	fn := f.GenerateFunc
	f.mu.Unlock()

	if fn == nil {
		return core.Response{}, core.NewProviderError(f.ProviderName, core.KindUnknown, errors.New("no generate behavior"))
	}

	return fn(ctx, req)
}

// CheckStatus implements core.Provider.
func (f *Fake) CheckStatus(ctx context.Context, taskID string) (core.StatusReport, error) {
	f.StatusCalls.Add(1)

	f.mu.Lock()
	fn := f.StatusFunc
	f.mu.Unlock()

	if fn == nil {
		return core.StatusReport{Status: "", Progress: 0, ResultURL: "", Error: "", NotFound: true}, nil
	}

	return fn(ctx, taskID)
}

// Cancel implements core.Canceler.
func (f *Fake) Cancel(ctx context.Context, taskID string) (bool, error) {
	f.CancelCalls.Add(1)

	f.mu.Lock()
	fn := f.CancelFunc
	f.mu.Unlock()

	if fn == nil {
		return false, nil
	}

	return fn(ctx, taskID)
}

// Close implements core.Closer.
func (f *Fake) Close() error {
	f.Closed.Store(true)

	return nil
}

// Config returns a valid provider entry for the fake. The kind is speech_http
// so it validates; register Factory for that kind to resolve it.
func Config(name string, priority int) config.ProviderConfig {
	return config.ProviderConfig{
		Name:           name,
		Kind:           config.KindSpeechHTTP,
		Priority:       priority,
		TimeoutSeconds: 0,
		RetryCount:     0,
		APIKey:         "",
		APIKeyEnv:      "",
		SpeechHTTP:     &config.SpeechHTTPConfig{BaseURL: "http://fake.invalid", Language: "", Temperature: 0, MaxTextLength: 0},
		OpenAI:         nil,
		Gemini:         nil,
		ChatLLM:        nil,
		VideoHTTP:      nil,
		Veo:            nil,
	}
}

// Factory resolves fakes by configured name.
func Factory(fakes ...*Fake) func(cfg config.ProviderConfig) (core.Provider, error) {
	byName := make(map[string]*Fake, len(fakes))
	for _, fake := range fakes {
		byName[fake.ProviderName] = fake
	}

	return func(cfg config.ProviderConfig) (core.Provider, error) {
		fake, ok := byName[cfg.Name]
		if !ok {
			return nil, errors.New("no fake named " + cfg.Name)
		}

		return fake, nil
	}
}

// Seen returns a copy of the requests Generate received.
func (f *Fake) Seen() []core.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]core.Request(nil), f.Requests...)
}
