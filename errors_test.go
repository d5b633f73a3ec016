package relay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rbaliyan/relay/parser"
	"github.com/rbaliyan/relay/provider"
	"github.com/rbaliyan/relay/store"
)

func TestSentinelErrors(t *testing.T) {
	sentinelErrors := []error{
		ErrNotFound,
		ErrStoreRequired,
		ErrSenderRequired,
		ErrNotConnected,
		ErrAlreadyConnected,
		ErrInvalidID,
		ErrVersionConflict,
		ErrInvalidTransition,
		ErrSignatureInvalid,
		ErrInvalidNotification,
		ErrInvalidMessage,
		ErrInvalidAddress,
		ErrEmptySubject,
		ErrEmptyBody,
		ErrSubjectTooLong,
		ErrBodyTooLarge,
		ErrInvalidHeader,
		ErrNotReplayable,
		ErrRawContentUnavailable,
	}

	seen := make(map[string]int)
	for i, err := range sentinelErrors {
		msg := err.Error()
		if msg == "" {
			t.Errorf("sentinel error at index %d has empty message", i)
		}
		if prevIndex, exists := seen[msg]; exists {
			t.Errorf("duplicate error message %q at indices %d and %d", msg, prevIndex, i)
		}
		seen[msg] = i
	}
}

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"relay not found matches store", ErrNotFound, store.ErrNotFound, true},
		{"store not found does not match relay", store.ErrNotFound, ErrNotFound, false},
		{"not connected matches store", ErrNotConnected, store.ErrNotConnected, true},
		{"validation errors are invalid message", ErrSubjectTooLong, ErrInvalidMessage, true},
		{"address is invalid message", fmt.Errorf("from: %w", ErrInvalidAddress), ErrInvalidMessage, true},
		{"signature matches provider", ErrSignatureInvalid, provider.ErrInvalidSignature, true},
		{"not replayable is invalid transition", ErrNotReplayable, store.ErrInvalidTransition, true},
		{"empty body is not empty subject", ErrEmptyBody, ErrEmptySubject, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestIsParseDegraded(t *testing.T) {
	if !IsParseDegraded(fmt.Errorf("parse: %w", parser.ErrEmptyContent)) {
		t.Error("empty content should be degraded")
	}
	if !IsParseDegraded(parser.ErrMalformedContent) {
		t.Error("malformed content should be degraded")
	}
	if IsParseDegraded(errors.New("timeout")) {
		t.Error("unknown error should not be degraded")
	}
	if IsTransient(parser.ErrContentTooLarge) {
		t.Error("degraded parse should not be transient")
	}
}
