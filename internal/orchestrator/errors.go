package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCapableProvider indicates no enabled provider can satisfy the request.
	ErrNoCapableProvider = errors.New("no enabled provider can satisfy the request")
	// ErrTaskNotCancelable indicates the task already reached a terminal state.
	ErrTaskNotCancelable = errors.New("task is already terminal")
	// ErrNoChunks indicates a chunked request without any text.
	ErrNoChunks = errors.New("no chunks to synthesize")
)

// ProviderFailure is one provider's final error during fallback.
type ProviderFailure struct {
	Provider string
	Err      error
}

// AllProvidersFailedError is returned when every candidate provider failed.
// Failures keeps the attempt order, so the first entry is the primary's error.
type AllProvidersFailedError struct {
	Primary  string
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", failure.Provider, failure.Err))
	}

	return fmt.Sprintf("all providers failed (primary %s): %s", e.Primary, strings.Join(parts, "; "))
}

func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}

	return errs
}

// PrimaryErr returns the first provider's failure.
func (e *AllProvidersFailedError) PrimaryErr() error {
	if len(e.Failures) == 0 {
		return nil
	}

	return e.Failures[0].Err
}
