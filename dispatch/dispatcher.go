// Package dispatch runs queued tasks on a pool of workers with at-least-once
// semantics.
//
// Tasks live in a store.TaskStore. A worker claims a task with a single
// conditional update that hides it for the visibility window; if the worker
// dies the window expires and another worker reclaims it. Handlers must
// therefore be idempotent.
//
// Every handler returns a Result. The dispatcher alone decides what happens
// next: OK completes the task, Transient schedules another attempt with
// exponential backoff until the kind's attempt limit, Permanent (or an
// exhausted Transient) fails the task and tells the handler through
// ExhaustionObserver so the owning record reaches its failure state.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/relay/retry"
	"github.com/rbaliyan/relay/store"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors for the dispatch package.
var (
	// ErrNoTask is returned by Claim when no task is due.
	ErrNoTask = store.ErrNoTask

	// ErrNoHandler is returned when a task kind has no registered handler.
	ErrNoHandler = errors.New("dispatch: no handler registered")

	// ErrUnknownKind is returned when enqueueing an empty kind.
	ErrUnknownKind = errors.New("dispatch: unknown task kind")

	errEncodeResult = errors.New("dispatch: encode result")
)

// Handler runs one attempt of a task.
type Handler interface {
	Handle(ctx context.Context, task *store.Task) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *store.Task) Result

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task *store.Task) Result { return f(ctx, task) }

// RetryObserver is implemented by handlers that mirror retry scheduling onto
// their own records.
type RetryObserver interface {
	OnRetry(ctx context.Context, task *store.Task, next time.Time, cause error) error
}

// ExhaustionObserver is implemented by handlers whose owning record must move
// to a failure state when the task fails for good.
type ExhaustionObserver interface {
	OnExhausted(ctx context.Context, task *store.Task, cause error) error
}

// Dispatcher is the task queue front end and worker pool.
type Dispatcher struct {
	tasks store.TaskStore
	opts  *options

	mu       sync.RWMutex
	handlers map[store.Kind]Handler
}

// New creates a dispatcher over the given task store.
func New(tasks store.TaskStore, opts ...Option) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		opts:     newOptions(opts...),
		handlers: make(map[store.Kind]Handler),
	}
}

// Register sets the handler for a task kind, replacing any previous one.
func (d *Dispatcher) Register(kind store.Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) handler(kind store.Kind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// MaxAttempts returns the attempt limit for a kind.
func (d *Dispatcher) MaxAttempts(kind store.Kind) int {
	if n, ok := d.opts.maxAttempts[kind]; ok {
		return n
	}
	return DefaultMaxAttempts
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*store.Task)

// WithPriority sets the task priority. Higher runs first.
func WithPriority(p int) EnqueueOption {
	return func(t *store.Task) { t.Priority = p }
}

// WithNaturalKey makes the enqueue idempotent: a second enqueue of the same
// kind and key returns the existing task.
func WithNaturalKey(key string) EnqueueOption {
	return func(t *store.Task) { t.NaturalKey = key }
}

// WithDelay defers the first attempt.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(t *store.Task) {
		if delay > 0 {
			t.NextAttemptAt = t.NextAttemptAt.Add(delay)
		}
	}
}

// WithTaskMaxAttempts overrides the kind's attempt limit for this task.
func WithTaskMaxAttempts(n int) EnqueueOption {
	return func(t *store.Task) {
		if n > 0 {
			t.MaxAttempts = n
		}
	}
}

// Enqueue persists a task and wakes a worker. payload is stored as JSON.
func (d *Dispatcher) Enqueue(ctx context.Context, kind store.Kind, payload any, opts ...EnqueueOption) (string, error) {
	if kind == "" {
		return "", ErrUnknownKind
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("dispatch: encode payload: %w", err)
	}
	t := &store.Task{
		Kind:          kind,
		Payload:       raw,
		MaxAttempts:   d.MaxAttempts(kind),
		NextAttemptAt: d.opts.now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	task, created, err := d.tasks.CreateTask(ctx, t)
	if err != nil {
		return "", fmt.Errorf("dispatch: enqueue %s: %w", kind, err)
	}
	if created {
		if err := d.opts.notifier.Notify(ctx); err != nil {
			d.opts.logger.Warn("task notify failed", "task_id", task.ID, "kind", kind, "error", err)
		}
	}
	return task.ID, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}

// DecodePayload unmarshals a task payload into v.
func DecodePayload(task *store.Task, v any) error {
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return fmt.Errorf("dispatch: decode %s payload: %w", task.Kind, err)
	}
	return nil
}

// Claim hands the next due task to workerID, or returns ErrNoTask.
func (d *Dispatcher) Claim(ctx context.Context, workerID string) (*store.Task, error) {
	return d.tasks.ClaimTask(ctx, workerID, d.opts.now(), d.opts.visibility)
}

// Complete marks a claimed task succeeded and records result, which is stored
// as JSON. A nil result records nothing.
func (d *Dispatcher) Complete(ctx context.Context, task *store.Task, result any) error {
	var raw json.RawMessage
	if result != nil {
		var err error
		if raw, err = marshalPayload(result); err != nil {
			return fmt.Errorf("%w: %w", errEncodeResult, err)
		}
	}
	_, err := d.tasks.FinishTask(ctx, task.ID, task.Lease(), store.TaskUpdate{
		Status: store.TaskSucceeded,
		Result: raw,
	})
	return err
}

// Fail records a failed attempt of a claimed task. The error is classified;
// a transient failure is retried while attempts remain.
func (d *Dispatcher) Fail(ctx context.Context, task *store.Task, cause error) error {
	res := Classify(cause)
	if res.Outcome == OutcomeOK {
		res = Transient(errors.New("dispatch: failed without error"))
	}
	return d.apply(ctx, task, res)
}

// Retry starts a new attempt sequence for a failed task.
func (d *Dispatcher) Retry(ctx context.Context, taskID string) error {
	if _, err := d.tasks.RequeueTask(ctx, taskID, d.opts.now()); err != nil {
		return err
	}
	return d.opts.notifier.Notify(ctx)
}

// Tasks lists tasks for inspection.
func (d *Dispatcher) Tasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return d.tasks.FindTasks(ctx, filter)
}

// ProcessNext claims and runs one task. It reports whether a task was claimed.
func (d *Dispatcher) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	task, err := d.Claim(ctx, workerID)
	if errors.Is(err, store.ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dispatch: claim: %w", err)
	}
	return true, d.run(ctx, task)
}

// run executes a claimed task and applies its result.
func (d *Dispatcher) run(ctx context.Context, task *store.Task) error {
	logger := d.opts.logger.With("task_id", task.ID, "kind", task.Kind, "attempt", task.AttemptCount)

	// A reclaimed task can arrive with its attempts already used up, e.g. when
	// the last worker died mid-attempt.
	if task.MaxAttempts > 0 && task.AttemptCount > task.MaxAttempts {
		logger.Warn("task attempts exhausted on reclaim", "max_attempts", task.MaxAttempts)
		cause := errors.New(task.LastError)
		if task.LastError == "" {
			cause = errors.New("dispatch: visibility timeout expired on final attempt")
		}
		return d.exhaust(ctx, task, cause)
	}

	h, ok := d.handler(task.Kind)
	if !ok {
		return d.apply(ctx, task, Permanent(fmt.Errorf("%w: %s", ErrNoHandler, task.Kind)))
	}

	hctx, cancel := context.WithTimeout(ctx, d.opts.handlerTimeout)
	defer cancel()

	if lim, ok := d.opts.limits[task.Kind]; ok {
		if err := lim.Wait(hctx); err != nil {
			return d.apply(ctx, task, Transient(fmt.Errorf("dispatch: rate limit wait: %w", err)))
		}
	}

	res := d.invoke(hctx, h, task)
	if res.Outcome != OutcomeOK {
		logger.Info("task attempt failed", "outcome", res.Outcome.String(), "error", res.Err)
	}
	return d.apply(ctx, task, res)
}

// invoke calls the handler, turning a panic into a transient failure.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, task *store.Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.opts.logger.Error("panic in task handler", "task_id", task.ID, "kind", task.Kind, "panic", r)
			res = Transient(fmt.Errorf("dispatch: handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, task)
}

// apply moves the task according to res.
func (d *Dispatcher) apply(ctx context.Context, task *store.Task, res Result) error {
	switch res.Outcome {
	case OutcomeOK:
		err := d.Complete(ctx, task, res.Value)
		if errors.Is(err, errEncodeResult) {
			d.opts.logger.Warn("task result dropped", "task_id", task.ID, "kind", task.Kind, "error", err)
			return d.Complete(ctx, task, nil)
		}
		return err
	case OutcomeTransient:
		if task.MaxAttempts > 0 && task.AttemptCount >= task.MaxAttempts {
			return d.exhaust(ctx, task, res.Err)
		}
		next := d.opts.now().Add(retry.Backoff(d.opts.backoff, task.AttemptCount-1))
		if h, ok := d.handler(task.Kind); ok {
			if obs, ok := h.(RetryObserver); ok {
				if err := obs.OnRetry(ctx, task, next, res.Err); err != nil {
					d.opts.logger.Warn("retry observer failed", "task_id", task.ID, "error", err)
				}
			}
		}
		_, err := d.tasks.FinishTask(ctx, task.ID, task.Lease(), store.TaskUpdate{
			Status:        store.TaskRetrying,
			NextAttemptAt: next,
			LastError:     res.Err.Error(),
		})
		return err
	default:
		return d.exhaust(ctx, task, res.Err)
	}
}

// exhaust fails the task for good after the owning record has been updated.
// If the owner cannot be updated the task stays retrying so that the next
// claim finalizes it again; nothing is dropped silently.
func (d *Dispatcher) exhaust(ctx context.Context, task *store.Task, cause error) error {
	if h, ok := d.handler(task.Kind); ok {
		if obs, ok := h.(ExhaustionObserver); ok {
			if err := obs.OnExhausted(ctx, task, cause); err != nil {
				d.opts.logger.Error("exhaustion observer failed, will retry", "task_id", task.ID, "error", err)
				_, ferr := d.tasks.FinishTask(ctx, task.ID, task.Lease(), store.TaskUpdate{
					Status:        store.TaskRetrying,
					NextAttemptAt: d.opts.now().Add(retry.Backoff(d.opts.backoff, 0)),
					LastError:     cause.Error(),
				})
				return errors.Join(err, ferr)
			}
		}
	}
	d.opts.logger.Warn("task failed", "task_id", task.ID, "kind", task.Kind, "attempts", task.AttemptCount, "error", cause)
	_, err := d.tasks.FinishTask(ctx, task.ID, task.Lease(), store.TaskUpdate{
		Status:    store.TaskFailed,
		LastError: cause.Error(),
	})
	return err
}

// Run starts the worker pool and blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	prefix := d.opts.workerPrefix
	if prefix == "" {
		host, _ := os.Hostname()
		prefix = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	d.opts.logger.Info("dispatcher started", "workers", d.opts.workers, "worker_prefix", prefix)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.workers; i++ {
		workerID := fmt.Sprintf("%s/%d", prefix, i)
		g.Go(func() error {
			d.work(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	d.opts.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, workerID string) {
	timer := time.NewTimer(d.opts.pollInterval)
	defer timer.Stop()
	for {
		processed, err := d.ProcessNext(ctx, workerID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.opts.logger.Error("task processing failed", "worker_id", workerID, "error", err)
		}
		if processed {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.opts.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-d.opts.notifier.C():
		case <-timer.C:
		}
	}
}

// Close releases the notifier.
func (d *Dispatcher) Close() error {
	return d.opts.notifier.Close()
}
