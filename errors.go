package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/relay/parser"
	"github.com/rbaliyan/relay/provider"
	"github.com/rbaliyan/relay/store"
)

// Sentinel errors for the relay package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, relay.ErrNotFound) matches both relay-level and
// store-level "not found" errors.
var (
	// ErrNotFound is returned when a message, delivery or thread cannot be found.
	ErrNotFound = fmt.Errorf("relay: %w", store.ErrNotFound)

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("relay: store is required")

	// ErrSenderRequired is returned by Send when no provider sender is configured.
	ErrSenderRequired = errors.New("relay: sender is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = fmt.Errorf("relay: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = fmt.Errorf("relay: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = fmt.Errorf("relay: %w", store.ErrInvalidID)

	// ErrVersionConflict is returned when a message kept changing under a
	// status update until the retry budget ran out.
	ErrVersionConflict = fmt.Errorf("relay: %w", store.ErrVersionConflict)

	// ErrInvalidTransition is returned for an operation the message status forbids.
	ErrInvalidTransition = fmt.Errorf("relay: %w", store.ErrInvalidTransition)

	// ErrSignatureInvalid is returned when an inbound notification fails verification.
	// Nothing is stored for such a notification.
	ErrSignatureInvalid = fmt.Errorf("relay: %w", provider.ErrInvalidSignature)

	// ErrInvalidNotification is returned for a notification body that cannot be decoded.
	ErrInvalidNotification = fmt.Errorf("relay: %w", provider.ErrInvalidNotification)

	// ErrInvalidMessage is returned for outbound message validation failures.
	ErrInvalidMessage = errors.New("relay: invalid message")

	// ErrInvalidAddress is returned when a sender or recipient address does not parse.
	ErrInvalidAddress = fmt.Errorf("%w: invalid address", ErrInvalidMessage)

	// ErrEmptySubject is returned when the subject is empty.
	ErrEmptySubject = fmt.Errorf("%w: empty subject", ErrInvalidMessage)

	// ErrEmptyBody is returned when neither a text nor an HTML body is given.
	ErrEmptyBody = fmt.Errorf("%w: empty body", ErrInvalidMessage)

	// ErrSubjectTooLong is returned when the subject exceeds the maximum length.
	ErrSubjectTooLong = fmt.Errorf("%w: subject too long", ErrInvalidMessage)

	// ErrBodyTooLarge is returned when a body exceeds the maximum size.
	ErrBodyTooLarge = fmt.Errorf("%w: body too large", ErrInvalidMessage)

	// ErrInvalidHeader is returned for a header name or value that would break the message.
	ErrInvalidHeader = fmt.Errorf("%w: invalid header", ErrInvalidMessage)

	// ErrInvalidDestination is returned for a webhook destination without a
	// usable URL or signing secret.
	ErrInvalidDestination = errors.New("relay: invalid destination")

	// ErrNotReplayable is returned when replaying a message that is not parse_failed.
	ErrNotReplayable = fmt.Errorf("relay: message not replayable: %w", store.ErrInvalidTransition)

	// ErrRawContentUnavailable is returned when archived raw content cannot be loaded.
	ErrRawContentUnavailable = errors.New("relay: raw content unavailable")
)

// IsPermanent reports whether err can never succeed on retry: validation
// failures, signature failures, provider rejections and records in a state
// that forbids the operation.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	permanentErrors := []error{
		ErrInvalidMessage,
		ErrInvalidDestination,
		ErrSignatureInvalid,
		ErrInvalidNotification,
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrInvalidTransition,
		store.ErrMissingProviderID,
		store.ErrTerminal,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return true
		}
	}
	return provider.IsPermanent(err)
}

// IsTransient reports whether err may succeed on a later attempt. Unknown
// errors count as transient; cancellation does not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if IsPermanent(err) || IsParseDegraded(err) {
		return false
	}
	return true
}

// IsParseDegraded reports whether err is a parser failure. Such failures
// move the message to parse_failed but never block arrival notification.
func IsParseDegraded(err error) bool {
	return errors.Is(err, parser.ErrEmptyContent) ||
		errors.Is(err, parser.ErrMalformedContent) ||
		errors.Is(err, parser.ErrContentTooLarge)
}
