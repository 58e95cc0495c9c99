package geminitts_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/media"
	"github.com/book-expert/media-service/internal/provider/geminitts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T, baseURL string) *geminitts.Provider {
	t.Helper()

	provider, err := geminitts.New(config.ProviderConfig{
		Name:   "gemini",
		Kind:   config.KindGemini,
		APIKey: "test-key",
		Gemini: &config.GeminiConfig{Model: "tts-model", Voice: ""},
	}, nil, geminitts.WithBaseURL(baseURL+"/"))
	require.NoError(t, err)
	require.NoError(t, provider.Initialize(context.Background()))

	return provider
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := geminitts.New(config.ProviderConfig{
		Name:      "gemini",
		Kind:      config.KindGemini,
		APIKeyEnv: "MEDIA_TEST_GEMINI_KEY_NEVER_SET",
		Gemini:    &config.GeminiConfig{Model: "", Voice: ""},
	}, nil)

	require.ErrorIs(t, err, geminitts.ErrAPIKeyMissing)
}

func TestGenerate_WrapsPCMInWAV(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 480)
	encoded := base64.StdEncoding.EncodeToString(pcm)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "tts-model:generateContent"), r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"inlineData":{"mimeType":"audio/L16;codec=pcm;rate=24000","data":"` + encoded + `"}}]}}]}`))
	}))
	defer server.Close()

	response, err := newProvider(t, server.URL).Generate(context.Background(), core.Request{
		Media: core.MediaSpeech,
		Text:  "Say hello.",
	})
	require.NoError(t, err)

	assert.Equal(t, "audio/wav", response.Artifact.ContentType)
	assert.Equal(t, media.FormatWAV, media.Sniff(response.Artifact.Payload))
	assert.Len(t, response.Artifact.Payload, 44+len(pcm))
	assert.Equal(t, "Kore", response.Artifact.Metadata["voice"])
	require.NoError(t, media.Validate(response.Artifact))
}

func TestGenerate_ClassifiesAPIErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"code":429,"message":"Resource exhausted","status":"RESOURCE_EXHAUSTED"}}`, core.ErrQuotaExceeded},
		{"auth", http.StatusForbidden, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`, core.ErrAuthenticationFailed},
		{"unavailable", http.StatusServiceUnavailable, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, core.ErrProviderUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := newProvider(t, server.URL).Generate(context.Background(), core.Request{
				Media: core.MediaSpeech,
				Text:  "Say hello.",
			})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGenerate_RejectsVideo(t *testing.T) {
	t.Parallel()

	provider, err := geminitts.New(config.ProviderConfig{
		Name:   "gemini",
		Kind:   config.KindGemini,
		APIKey: "test-key",
		Gemini: &config.GeminiConfig{Model: "", Voice: ""},
	}, nil)
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), core.Request{Media: core.MediaVideo, Prompt: "a cat"})
	require.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.False(t, provider.Capabilities().SupportsMedia(core.MediaVideo))
}
