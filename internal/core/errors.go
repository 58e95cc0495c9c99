package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failure for retry and fallback decisions.
type ErrorKind string

const (
	KindInvalidRequest         ErrorKind = "invalid_request"
	KindAuthenticationFailed   ErrorKind = "authentication_failed"
	KindQuotaExceeded          ErrorKind = "quota_exceeded"
	KindContentPolicyViolation ErrorKind = "content_policy_violation"
	KindProviderUnavailable    ErrorKind = "provider_unavailable"
	KindGenerationTimeout      ErrorKind = "generation_timeout"
	KindUnknown                ErrorKind = "unknown_provider_error"
)

var (
	// ErrInvalidRequest indicates a request no provider can serve. Never retried, never falls back.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAuthenticationFailed indicates the provider rejected the credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrQuotaExceeded indicates the provider rate limit or quota was hit.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrContentPolicyViolation indicates the provider refused the content.
	ErrContentPolicyViolation = errors.New("content policy violation")
	// ErrProviderUnavailable indicates the provider could not be reached or is failing.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrGenerationTimeout indicates an attempt did not finish in time.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrUnknownProvider indicates a provider failure that fits no other class.
	ErrUnknownProvider = errors.New("unknown provider error")
	// ErrNotFound is returned by durable stores when a key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCache marks cache faults. They are logged and never reach callers.
	ErrCache = errors.New("cache error")
	// ErrPersistence marks a failed durable write of a produced artifact.
	ErrPersistence = errors.New("persistence error")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidRequest:         ErrInvalidRequest,
	KindAuthenticationFailed:   ErrAuthenticationFailed,
	KindQuotaExceeded:          ErrQuotaExceeded,
	KindContentPolicyViolation: ErrContentPolicyViolation,
	KindProviderUnavailable:    ErrProviderUnavailable,
	KindGenerationTimeout:      ErrGenerationTimeout,
	KindUnknown:                ErrUnknownProvider,
}

// ProviderError is a classified failure returned by a provider.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

// NewProviderError wraps err with a classification.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the same kind.
func (e *ProviderError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]

	return ok && target == sentinel
}

// InvalidRequestError describes why a request was rejected before any network call.
type InvalidRequestError struct {
	Field  string
	Reason string
}

// NewInvalidRequest builds an InvalidRequestError.
func NewInvalidRequest(field, reason string) *InvalidRequestError {
	return &InvalidRequestError{Field: field, Reason: reason}
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrInvalidRequest, e.Reason)
	}

	return fmt.Sprintf("%v: %s: %s", ErrInvalidRequest, e.Field, e.Reason)
}

func (e *InvalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

// PersistenceError is returned when the durable write after a successful
// provider call fails. The cache is never updated in that case.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%v: failed to persist artifact '%s': %v", ErrPersistence, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// KindOf returns the classification of err. Unclassified errors are unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind
	}

	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindGenerationTimeout
	}

	return KindUnknown
}

// IsFallbackEligible reports whether another provider may be tried after err.
func IsFallbackEligible(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, ErrPersistence) {
		return false
	}

	return KindOf(err) != KindInvalidRequest
}

// IsRetryable reports whether the same provider should be called again after err.
// Credential and content-policy failures will not change on retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindInvalidRequest, KindAuthenticationFailed, KindContentPolicyViolation:
		return false
	default:
		return !errors.Is(err, context.Canceled)
	}
}

// KindFromHTTPStatus maps a provider HTTP status code to an ErrorKind.
func KindFromHTTPStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthenticationFailed
	case code == http.StatusTooManyRequests || code == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case code == http.StatusUnavailableForLegalReasons:
		return KindContentPolicyViolation
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindGenerationTimeout
	case code >= http.StatusInternalServerError:
		return KindProviderUnavailable
	default:
		return KindUnknown
	}
}

// ClassifyTransport wraps a failed round trip to a provider. Caller
// cancellation passes through untouched.
func ClassifyTransport(provider string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(provider, KindGenerationTimeout, err)
	default:
		return NewProviderError(provider, KindProviderUnavailable, err)
	}
}

// ClassifyHTTPStatus builds a ProviderError for a non-success response.
// A 400 or 422 whose detail names a policy or safety rejection is a content
// policy violation.
func ClassifyHTTPStatus(provider string, code int, detail string) error {
	kind := KindFromHTTPStatus(code)

	if code == http.StatusBadRequest || code == http.StatusUnprocessableEntity {
		lower := strings.ToLower(detail)
		if strings.Contains(lower, "policy") || strings.Contains(lower, "safety") || strings.Contains(lower, "moderation") {
			kind = KindContentPolicyViolation
		}
	}

	return NewProviderError(provider, kind, fmt.Errorf("status %d: %s", code, detail))
}
