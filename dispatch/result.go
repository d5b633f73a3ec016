package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/relay/retry"
	"github.com/rbaliyan/relay/store"
)

// Outcome is the classified result of running a task handler.
type Outcome int

const (
	// OutcomeOK means the work is done.
	OutcomeOK Outcome = iota
	// OutcomeTransient means the attempt failed and may succeed later.
	OutcomeTransient
	// OutcomePermanent means the work can never succeed; no more attempts.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient_error"
	case OutcomePermanent:
		return "permanent_error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what every handler returns to the dispatcher.
type Result struct {
	Outcome Outcome
	Err     error
	// Value is recorded on the task when the outcome is OK.
	Value any
}

// OK reports success.
func OK() Result { return Result{Outcome: OutcomeOK} }

// OKWith reports success and the value to record on the task.
func OKWith(value any) Result { return Result{Outcome: OutcomeOK, Value: value} }

// Transient reports a retryable failure.
func Transient(err error) Result {
	if err == nil {
		err = errors.New("dispatch: transient failure")
	}
	return Result{Outcome: OutcomeTransient, Err: err}
}

// Permanent reports a failure that must not be retried.
func Permanent(err error) Result {
	if err == nil {
		err = errors.New("dispatch: permanent failure")
	}
	return Result{Outcome: OutcomePermanent, Err: err}
}

func (r Result) String() string {
	if r.Err == nil {
		return r.Outcome.String()
	}
	return r.Outcome.String() + ": " + r.Err.Error()
}

// Classify maps an error onto a Result.
//
// nil is OK. Timeouts and cancellations are transient. Records that are missing or in a state that forbids the work
// are permanent. Errors carrying a Retryable() marker (provider errors,
// retry.MarkNotRetryable) decide for themselves. Everything else is
// transient: an unknown failure is retried until the kind's limit.
func Classify(err error) Result {
	if err == nil {
		return OK()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Transient(err)
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidID),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrMissingProviderID),
		errors.Is(err, store.ErrTerminal):
		return Permanent(err)
	}
	if retry.DefaultIsRetryable(err) {
		return Transient(err)
	}
	return Permanent(err)
}
