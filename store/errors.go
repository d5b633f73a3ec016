package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a record cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateEntry is returned when a duplicate entry is detected.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrVersionConflict is returned when a message was modified since it was read.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrInvalidTransition is returned for a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrMissingProviderID is returned when a message is marked sent without a provider message id.
	ErrMissingProviderID = errors.New("store: sent requires provider message id")

	// ErrNoTask is returned by ClaimTask when no task is due.
	ErrNoTask = errors.New("store: no task available")

	// ErrLeaseLost is returned when a task was reclaimed by another worker.
	ErrLeaseLost = errors.New("store: task lease lost")

	// ErrTerminal is returned when updating a record that is already in a terminal state.
	ErrTerminal = errors.New("store: record is terminal")

	// ErrInvalidFilter is returned when a filter is invalid.
	ErrInvalidFilter = errors.New("store: invalid filter")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

func IsLeaseLost(err error) bool {
	return errors.Is(err, ErrLeaseLost)
}
