package videohttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/provider/videohttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T, baseURL, callbackURL string) *videohttp.Provider {
	t.Helper()

	provider, err := videohttp.New(config.ProviderConfig{
		Name:   "video",
		Kind:   config.KindVideoHTTP,
		APIKey: "video-key",
		VideoHTTP: &config.VideoHTTPConfig{
			BaseURL:            baseURL,
			MaxDurationSeconds: 30,
			Qualities:          []string{"standard"},
		},
	}, nil, callbackURL)
	require.NoError(t, err)

	return provider
}

func TestGenerate_SubmitsJobAndReturnsHandle(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/videos", r.URL.Path)
		assert.Equal(t, "Bearer video-key", r.Header.Get("Authorization"))

		var body videohttp.CreateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a lighthouse at dusk", body.Prompt)
		assert.Equal(t, 8, body.DurationSeconds)
		assert.Equal(t, "https://media.example/webhooks/video", body.CallbackURL)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"job-1","status":"queued","eta_seconds":120}`))
	}))
	defer server.Close()

	provider := newProvider(t, server.URL, "https://media.example/webhooks/video")

	response, err := provider.Generate(context.Background(), core.Request{
		Media:    core.MediaVideo,
		Prompt:   "a lighthouse at dusk",
		Duration: 8 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, "job-1", response.TaskID)
	assert.True(t, response.Pending())
	assert.False(t, response.EstimatedCompletion.IsZero())
	assert.True(t, provider.Capabilities().SupportsWebhook)
	assert.Equal(t, 30*time.Second, provider.Capabilities().MaxDuration)
}

func TestCheckStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/v1/videos/done":
			_, _ = w.Write([]byte(`{"id":"done","status":"succeeded","progress":1,"result_url":"https://cdn.example/done.mp4"}`))
		case "/v1/videos/broken":
			_, _ = w.Write([]byte(`{"id":"broken","status":"failed","error":"render crashed"}`))
		case "/v1/videos/running":
			_, _ = w.Write([]byte(`{"id":"running","status":"in_progress","progress":0.4}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"no such job"}}`))
		}
	}))
	defer server.Close()

	provider := newProvider(t, server.URL, "")
	ctx := context.Background()

	report, err := provider.CheckStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, report.Status)
	assert.Equal(t, "https://cdn.example/done.mp4", report.ResultURL)

	report, err = provider.CheckStatus(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, report.Status)
	assert.Equal(t, "render crashed", report.Error)

	report, err = provider.CheckStatus(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusProcessing, report.Status)
	assert.InDelta(t, 0.4, report.Progress, 0.001)

	report, err = provider.CheckStatus(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, report.NotFound)
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "processing", r.URL.Query().Get("status"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"a","status":"processing"},{"id":"b","status":"completed","result_url":"u"}]}`))
	}))
	defer server.Close()

	reports, err := newProvider(t, server.URL, "").ListTasks(context.Background(), core.TaskStatusProcessing)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, core.TaskStatusCompleted, reports["b"].Status)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Path == "/v1/videos/finished/cancel" {
			w.WriteHeader(http.StatusConflict)

			return
		}

		_, _ = w.Write([]byte(`{"cancelled":true}`))
	}))
	defer server.Close()

	provider := newProvider(t, server.URL, "")

	cancelled, err := provider.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = provider.Cancel(context.Background(), "finished")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestGenerate_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, core.ErrAuthenticationFailed},
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, core.ErrQuotaExceeded},
		{"policy", http.StatusBadRequest, `{"error":{"message":"prompt rejected by safety filter","code":"content_policy"}}`, core.ErrContentPolicyViolation},
		{"down", http.StatusBadGateway, `oops`, core.ErrProviderUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := newProvider(t, server.URL, "").Generate(context.Background(), core.Request{Media: core.MediaVideo, Prompt: "x"})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNew_RejectsUnknownQuality(t *testing.T) {
	t.Parallel()

	_, err := videohttp.New(config.ProviderConfig{
		Name:      "video",
		Kind:      config.KindVideoHTTP,
		APIKey:    "k",
		VideoHTTP: &config.VideoHTTPConfig{BaseURL: "http://x", MaxDurationSeconds: 0, Qualities: []string{"4k"}},
	}, nil, "")
	require.Error(t, err)
}
