package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies provider failures into the retry taxonomy: transient
// kinds are recorded against the circuit breaker and retried with backoff by
// the orchestration layer; permanent kinds surface immediately.
type ErrorKind string

const (
	KindRateLimit      ErrorKind = "rate_limit"
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network"
	KindServer         ErrorKind = "server"
	KindAuth           ErrorKind = "auth"
	KindAccessDenied   ErrorKind = "access_denied"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContextLength  ErrorKind = "context_length"
	KindContentFilter  ErrorKind = "content_filter"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindUnknown        ErrorKind = "unknown"
)

// CallError is the unified provider failure type.
type CallError struct {
	ProviderName string
	Kind         ErrorKind
	StatusCode   int
	Message      string
	After        *time.Duration
}

func (e *CallError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d): %s", e.ProviderName, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.ProviderName, e.Kind, msg)
}

// Retryable reports whether the failure is transient.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindNetwork, KindServer:
		return true
	case KindUnknown:
		// Unknown failures default to retryable; a persistent one trips
		// the breaker anyway.
		return true
	default:
		return false
	}
}

// RetryAfter returns the provider-requested delay, when one was given.
func (e *CallError) RetryAfter() *time.Duration { return e.After }

// NewCallError builds a non-HTTP provider failure (network error, local
// deadline, stream abort).
func NewCallError(providerName string, kind ErrorKind, message string) *CallError {
	return &CallError{ProviderName: providerName, Kind: kind, Message: message}
}

// FromHTTPStatus maps an HTTP response to the failure taxonomy. Ambiguous
// 400-class statuses are refined by message hints because providers tunnel
// domain failures through them.
func FromHTTPStatus(providerName string, statusCode int, message string, retryAfter *time.Duration) *CallError {
	e := &CallError{
		ProviderName: strings.TrimSpace(providerName),
		StatusCode:   statusCode,
		Message:      message,
		After:        retryAfter,
	}
	switch statusCode {
	case 400, 422:
		e.Kind = refineInvalidRequest(message)
	case 401:
		e.Kind = KindAuth
	case 403:
		e.Kind = KindAccessDenied
	case 408:
		e.Kind = KindTimeout
	case 413:
		e.Kind = KindContextLength
	case 429:
		e.Kind = KindRateLimit
	case 500, 502, 503, 504:
		e.Kind = KindServer
	default:
		e.Kind = KindUnknown
	}
	return e
}

func refineInvalidRequest(message string) ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return KindContentFilter
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return KindContextLength
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return KindQuotaExceeded
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key"):
		return KindAuth
	default:
		return KindInvalidRequest
	}
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsRetryable reports whether err represents a transient provider failure.
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// IsPermanent reports whether err is a provider failure that retrying will
// not fix (auth, malformed request).
func IsPermanent(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return !ce.Retryable()
	}
	return false
}
