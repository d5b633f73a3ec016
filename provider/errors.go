package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrInvalidSignature is returned when a notification fails authentication.
	ErrInvalidSignature = errors.New("provider: invalid signature")

	// ErrInvalidNotification is returned when a notification body cannot be decoded.
	ErrInvalidNotification = errors.New("provider: invalid notification")
)

// ErrorKind tells whether a provider failure may succeed on retry.
type ErrorKind int

const (
	// Transient failures (rate limits, timeouts, 5xx) are retried with backoff.
	Transient ErrorKind = iota
	// Permanent failures (rejected address, invalid request) are not retried.
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	// StatusCode is the HTTP status returned by the provider, if any.
	StatusCode int
	// Code is the provider's error code, if any.
	Code string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s: %s error %s: %v", e.Provider, e.Kind, e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Kind == Transient }

// NewTransient wraps err as a transient failure of the named provider.
func NewTransient(providerName string, err error) *Error {
	return &Error{Kind: Transient, Provider: providerName, Err: err}
}

// NewPermanent wraps err as a permanent failure of the named provider.
func NewPermanent(providerName string, err error) *Error {
	return &Error{Kind: Permanent, Provider: providerName, Err: err}
}

// IsPermanent reports whether err is a permanent provider failure.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Permanent
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient, except for caller cancellation.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

// KindForStatus classifies an HTTP status from a provider API.
// 408, 409, 425, 429 and 5xx are transient; other 4xx are permanent.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	default:
		return Transient
	}
}

// IsNetworkError reports whether err came from the transport rather than the
// provider: timeouts, refused connections, DNS failures.
func IsNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
