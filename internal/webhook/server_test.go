package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/provider/providertest"
	"github.com/book-expert/media-service/internal/reconciler"
	"github.com/book-expert/media-service/internal/store"
	"github.com/book-expert/media-service/internal/store/storetest"
	"github.com/book-expert/media-service/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "s3cret"

type envelope struct {
	Status  int             `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Results json.RawMessage `json:"results"`
}

func newServer(t *testing.T) (*webhook.Server, *store.Store) {
	t.Helper()

	db := storetest.Open(t)
	registry := providertest.NewRegistry(t, providertest.NewVideo("video-a", "task-1", time.Minute))
	rec := reconciler.New(db, registry, store.NewPersister(nil, db), nil, nil, nil)

	require.NoError(t, rec.Register(context.Background(), core.GenerationTask{
		TaskID:       "task-1",
		Provider:     "video-a",
		Status:       core.TaskStatusProcessing,
		Operation:    core.OperationVideo,
		EntityID:     "book-1",
		CacheKey:     "video-key",
		ResultURL:    "",
		ErrorMessage: "",
		RetryCount:   0,
		CreatedAt:    time.Time{},
		UpdatedAt:    time.Time{},
	}))

	return webhook.New("127.0.0.1:0", token, rec, registry, nil), db
}

func post(t *testing.T, server *webhook.Server, path, secret, body string) (int, envelope) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	if secret != "" {
		req.Header.Set(webhook.TokenHeader, secret)
	}

	resp, err := server.App().Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out envelope

	require.NoError(t, json.Unmarshal(data, &out), string(data))

	return resp.StatusCode, out
}

const completedBody = `{"task_id":"task-1","status":"completed","result_url":"https://cdn.example/v.mp4"}`

func TestNotify_AppliesOnceAndAcceptsReplay(t *testing.T) {
	t.Parallel()

	server, db := newServer(t)

	status, body := post(t, server, "/webhooks/video-a", token, completedBody)
	require.Equal(t, http.StatusOK, status, body.Message)

	var result webhook.Result

	require.NoError(t, json.Unmarshal(body.Results, &result))
	assert.True(t, result.Applied)
	assert.Equal(t, core.TaskStatusCompleted, result.Status)

	status, body = post(t, server, "/webhooks/video-a", token, completedBody)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body.Results, &result))
	assert.False(t, result.Applied)

	task, err := db.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/v.mp4", task.ResultURL)
}

func TestNotify_RejectsBadToken(t *testing.T) {
	t.Parallel()

	server, db := newServer(t)

	status, body := post(t, server, "/webhooks/video-a", "wrong", completedBody)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", body.Code)

	status, _ = post(t, server, "/webhooks/video-a", "", completedBody)
	assert.Equal(t, http.StatusUnauthorized, status)

	task, err := db.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusProcessing, task.Status)
}

func TestNotify_ErrorMapping(t *testing.T) {
	t.Parallel()

	server, _ := newServer(t)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "malformed", path: "/webhooks/video-a", body: "{", status: http.StatusBadRequest},
		{name: "wrong provider", path: "/webhooks/video-b", body: completedBody, status: http.StatusForbidden},
		{name: "unknown task", path: "/webhooks/video-a", body: `{"task_id":"nope","status":"completed"}`, status: http.StatusNotFound},
		{name: "bad status", path: "/webhooks/video-a", body: `{"task_id":"task-1","status":"exploded"}`, status: http.StatusBadRequest},
	}

	for _, tc := range cases {
		status, body := post(t, server, tc.path, token, tc.body)
		assert.Equal(t, tc.status, status, "%s: %s", tc.name, body.Message)
	}
}

func TestHealthz_ListsProviders(t *testing.T) {
	t.Parallel()

	server, _ := newServer(t)

	resp, err := server.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out envelope

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	var providers []core.Descriptor

	require.NoError(t, json.Unmarshal(out.Results, &providers))
	require.Len(t, providers, 1)
	assert.Equal(t, "video-a", providers[0].Name)
}

func TestServe_RequiresAddress(t *testing.T) {
	t.Parallel()

	server := webhook.New("", "", nil, nil, nil)

	require.ErrorIs(t, server.Serve(context.Background()), webhook.ErrListenAddrEmpty)
}
