// Package core_test tests the error taxonomy and shared types.
package core_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/book-expert/media-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream said no")

func TestProviderError_MatchesSentinelOfItsKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", core.NewProviderError("alpha", core.KindQuotaExceeded, errUpstream))

	require.ErrorIs(t, err, core.ErrQuotaExceeded)
	require.ErrorIs(t, err, errUpstream)
	assert.NotErrorIs(t, err, core.ErrProviderUnavailable)
	assert.Equal(t, core.KindQuotaExceeded, core.KindOf(err))
	assert.Contains(t, err.Error(), "alpha")
}

func TestInvalidRequest_IsNeverFallbackEligible(t *testing.T) {
	t.Parallel()

	err := core.NewInvalidRequest("duration", "exceeds every provider limit")

	require.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
	assert.False(t, core.IsFallbackEligible(err))
	assert.False(t, core.IsRetryable(err))
}

func TestFallbackAndRetryEligibility(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		err       error
		fallback  bool
		retryable bool
	}{
		{"unavailable", core.NewProviderError("p", core.KindProviderUnavailable, errUpstream), true, true},
		{"auth", core.NewProviderError("p", core.KindAuthenticationFailed, errUpstream), true, false},
		{"policy", core.NewProviderError("p", core.KindContentPolicyViolation, errUpstream), true, false},
		{"timeout", context.DeadlineExceeded, true, true},
		{"plain", errUpstream, true, true},
		{"cancelled", context.Canceled, false, false},
		{"persistence", &core.PersistenceError{Key: "k", Err: errUpstream}, false, true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.fallback, core.IsFallbackEligible(testCase.err))
			assert.Equal(t, testCase.retryable, core.IsRetryable(testCase.err))
		})
	}
}

func TestPersistenceError_UnwrapsBoth(t *testing.T) {
	t.Parallel()

	err := &core.PersistenceError{Key: "abc", Err: errUpstream}

	require.ErrorIs(t, err, core.ErrPersistence)
	require.ErrorIs(t, err, errUpstream)
	assert.Contains(t, err.Error(), "abc")
}

func TestKindFromHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, core.KindAuthenticationFailed, core.KindFromHTTPStatus(http.StatusUnauthorized))
	assert.Equal(t, core.KindQuotaExceeded, core.KindFromHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, core.KindProviderUnavailable, core.KindFromHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, core.KindGenerationTimeout, core.KindFromHTTPStatus(http.StatusGatewayTimeout))
	assert.Equal(t, core.KindUnknown, core.KindFromHTTPStatus(http.StatusTeapot))
}

func TestArtifactClone_DoesNotShareBuffers(t *testing.T) {
	t.Parallel()

	original := core.Artifact{
		Payload:     []byte("audio"),
		URL:         "",
		ContentType: "audio/wav",
		Metadata:    map[string]string{"voice": "female1"},
	}

	clone := original.Clone()
	clone.Payload[0] = 'X'
	clone.Metadata["voice"] = "male1"

	assert.Equal(t, []byte("audio"), original.Payload)
	assert.Equal(t, "female1", original.Metadata["voice"])
	assert.Equal(t, int64(5), original.Size())
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, core.TaskStatusPending.IsTerminal())
	assert.False(t, core.TaskStatusProcessing.IsTerminal())
	assert.True(t, core.TaskStatusCompleted.IsTerminal())
	assert.True(t, core.TaskStatusFailed.IsTerminal())
	assert.False(t, core.TaskStatus("bogus").Valid())
}
