package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/relay/retry"
	"github.com/rbaliyan/relay/store"
	"github.com/rbaliyan/relay/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *memory.Store) {
	t.Helper()
	s := memory.New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d := New(s, opts...)
	t.Cleanup(func() { _ = d.Close() })
	return d, s
}

// recordingHandler returns scripted results and records observer calls.
type recordingHandler struct {
	mu        sync.Mutex
	results   []Result
	calls     int
	retries   []time.Time
	exhausted []error
	failObs   bool
}

func (h *recordingHandler) Handle(ctx context.Context, task *store.Task) Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.results[min(h.calls, len(h.results)-1)]
	h.calls++
	return r
}

func (h *recordingHandler) OnRetry(ctx context.Context, task *store.Task, next time.Time, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries = append(h.retries, next)
	return nil
}

func (h *recordingHandler) OnExhausted(ctx context.Context, task *store.Task, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failObs {
		return errors.New("owner store unavailable")
	}
	h.exhausted = append(h.exhausted, cause)
	return nil
}

// drain processes due tasks, advancing the clock past each retry delay.
func drain(t *testing.T, d *Dispatcher, clock *fakeClock, maxSteps int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxSteps; i++ {
		processed, err := d.ProcessNext(ctx, "w1")
		if err != nil {
			t.Fatalf("ProcessNext: %v", err)
		}
		if !processed {
			clock.Advance(11 * time.Minute)
			processed, err = d.ProcessNext(ctx, "w1")
			if err != nil {
				t.Fatalf("ProcessNext: %v", err)
			}
			if !processed {
				return
			}
		}
	}
}

func TestTransientRetriesUntilExhausted(t *testing.T) {
	clock := newFakeClock()
	d, s := newTestDispatcher(t, WithClock(clock.Now))
	h := &recordingHandler{results: []Result{Transient(errors.New("timeout"))}}
	d.Register(store.KindDeliverWebhook, h)

	id, err := d.Enqueue(context.Background(), store.KindDeliverWebhook, map[string]string{"delivery_id": "d1"})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, d, clock, 20)

	if h.calls != 8 {
		t.Errorf("handler calls = %d, want 8", h.calls)
	}
	if len(h.retries) != 7 {
		t.Errorf("retries = %d, want 7", len(h.retries))
	}
	for i := 1; i < len(h.retries); i++ {
		if !h.retries[i].After(h.retries[i-1]) {
			t.Errorf("retry %d at %v not after %v", i, h.retries[i], h.retries[i-1])
		}
	}
	if len(h.exhausted) != 1 {
		t.Fatalf("exhausted calls = %d, want 1", len(h.exhausted))
	}

	task, _ := s.GetTask(context.Background(), id)
	if task.Status != store.TaskFailed || task.AttemptCount != 8 {
		t.Errorf("task status=%s attempts=%d", task.Status, task.AttemptCount)
	}
	if task.LastError != "timeout" {
		t.Errorf("LastError = %q", task.LastError)
	}
}

func TestPermanentFailsImmediately(t *testing.T) {
	clock := newFakeClock()
	d, s := newTestDispatcher(t, WithClock(clock.Now))
	h := &recordingHandler{results: []Result{Permanent(errors.New("invalid recipient"))}}
	d.Register(store.KindSendEmail, h)

	id, _ := d.Enqueue(context.Background(), store.KindSendEmail, nil)
	drain(t, d, clock, 10)

	task, _ := s.GetTask(context.Background(), id)
	if task.Status != store.TaskFailed || task.AttemptCount != 1 {
		t.Errorf("task status=%s attempts=%d, want failed/1", task.Status, task.AttemptCount)
	}
	if h.calls != 1 || len(h.retries) != 0 || len(h.exhausted) != 1 {
		t.Errorf("calls=%d retries=%d exhausted=%d", h.calls, len(h.retries), len(h.exhausted))
	}
}

func TestSuccessAfterRetry(t *testing.T) {
	clock := newFakeClock()
	d, s := newTestDispatcher(t, WithClock(clock.Now))
	h := &recordingHandler{results: []Result{Transient(errors.New("rate limited")), OK()}}
	d.Register(store.KindSendEmail, h)

	id, _ := d.Enqueue(context.Background(), store.KindSendEmail, nil)
	drain(t, d, clock, 10)

	task, _ := s.GetTask(context.Background(), id)
	if task.Status != store.TaskSucceeded || task.AttemptCount != 2 {
		t.Errorf("task status=%s attempts=%d", task.Status, task.AttemptCount)
	}
}

func TestEnqueueNaturalKeyIdempotent(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()

	a, err := d.Enqueue(ctx, store.KindSendEmail, nil, WithNaturalKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := d.Enqueue(ctx, store.KindSendEmail, nil, WithNaturalKey("m1"))
	if a != b {
		t.Errorf("second enqueue created %s, want %s", b, a)
	}
	c, _ := d.Enqueue(ctx, store.KindProcessInboundEmail, nil, WithNaturalKey("m1"))
	if c == a {
		t.Error("natural key must be scoped by kind")
	}

	task, _ := s.GetTask(ctx, a)
	if task.MaxAttempts != 5 {
		t.Errorf("send_email MaxAttempts = %d, want 5", task.MaxAttempts)
	}
	inbound, _ := s.GetTask(ctx, c)
	if inbound.MaxAttempts != 3 {
		t.Errorf("process_inbound_email MaxAttempts = %d, want 3", inbound.MaxAttempts)
	}
}

func TestReclaimAfterWorkerDeath(t *testing.T) {
	clock := newFakeClock()
	d, s := newTestDispatcher(t, WithClock(clock.Now), WithVisibilityTimeout(30*time.Second))
	h := &recordingHandler{results: []Result{OK()}}
	d.Register(store.KindSendEmail, h)
	ctx := context.Background()

	id, _ := d.Enqueue(ctx, store.KindSendEmail, nil)

	// A worker claims the task and dies without finishing.
	if _, err := d.Claim(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	if processed, _ := d.ProcessNext(ctx, "w2"); processed {
		t.Fatal("task reclaimed inside its visibility window")
	}

	clock.Advance(31 * time.Second)
	processed, err := d.ProcessNext(ctx, "w2")
	if err != nil || !processed {
		t.Fatalf("reclaim: processed=%v err=%v", processed, err)
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != store.TaskSucceeded || task.WorkerID != "w2" {
		t.Errorf("status=%s worker=%s", task.Status, task.WorkerID)
	}
}

func TestReclaimBeyondMaxAttemptsExhausts(t *testing.T) {
	clock := newFakeClock()
	d, s := newTestDispatcher(t, WithClock(clock.Now), WithVisibilityTimeout(30*time.Second))
	h := &recordingHandler{results: []Result{OK()}}
	d.Register(store.KindProcessInboundEmail, h)
	ctx := context.Background()

	id, _ := d.Enqueue(ctx, store.KindProcessInboundEmail, nil)
	for i := 0; i < 3; i++ {
		if _, err := d.Claim(ctx, fmt.Sprintf("dead-%d", i)); err != nil {
			t.Fatal(err)
		}
		clock.Advance(31 * time.Second)
	}

	if _, err := d.ProcessNext(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	if h.calls != 0 {
		t.Errorf("handler ran %d times on an exhausted task", h.calls)
	}
	if len(h.exhausted) != 1 {
		t.Errorf("exhausted = %d, want 1", len(h.exhausted))
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != store.TaskFailed {
		t.Errorf("status = %s", task.Status)
	}
}

func TestExhaustionObserverFailureKeepsTask(t *testing.T) {
	clock := newFakeClock()
	d, s := newTestDispatcher(t, WithClock(clock.Now))
	h := &recordingHandler{results: []Result{Permanent(errors.New("bad"))}, failObs: true}
	d.Register(store.KindSendEmail, h)
	ctx := context.Background()

	id, _ := d.Enqueue(ctx, store.KindSendEmail, nil, WithTaskMaxAttempts(1))
	if _, err := d.ProcessNext(ctx, "w"); err == nil {
		t.Fatal("expected observer error")
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != store.TaskRetrying {
		t.Fatalf("status = %s, want retrying", task.Status)
	}

	h.mu.Lock()
	h.failObs = false
	h.mu.Unlock()
	clock.Advance(time.Minute)
	if _, err := d.ProcessNext(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	task, _ = s.GetTask(ctx, id)
	if task.Status != store.TaskFailed || len(h.exhausted) != 1 {
		t.Errorf("status=%s exhausted=%d", task.Status, len(h.exhausted))
	}
}

func TestNoHandlerIsPermanent(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	id, _ := d.Enqueue(ctx, store.Kind("unknown"), nil)
	if _, err := d.ProcessNext(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != store.TaskFailed {
		t.Errorf("status = %s", task.Status)
	}
}

func TestHandlerPanicIsTransient(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	d.Register(store.KindSendEmail, HandlerFunc(func(ctx context.Context, task *store.Task) Result {
		panic("boom")
	}))
	id, _ := d.Enqueue(ctx, store.KindSendEmail, nil)
	if _, err := d.ProcessNext(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != store.TaskRetrying {
		t.Errorf("status = %s, want retrying", task.Status)
	}
}

func TestRetryRequeuesFailedTask(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	d.Register(store.KindSendEmail, HandlerFunc(func(ctx context.Context, task *store.Task) Result {
		return Permanent(errors.New("nope"))
	}))
	id, _ := d.Enqueue(ctx, store.KindSendEmail, nil)
	_, _ = d.ProcessNext(ctx, "w")

	if err := d.Retry(ctx, id); err != nil {
		t.Fatal(err)
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != store.TaskPending || task.AttemptCount != 0 {
		t.Errorf("status=%s attempts=%d", task.Status, task.AttemptCount)
	}
}

func TestCompleteRecordsResult(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	d.Register(store.KindSendEmail, HandlerFunc(func(ctx context.Context, task *store.Task) Result {
		return OKWith(map[string]string{"provider_message_id": "prov-1"})
	}))
	id, _ := d.Enqueue(ctx, store.KindSendEmail, nil)

	processed, err := d.ProcessNext(ctx, "w")
	if err != nil || !processed {
		t.Fatalf("processed=%v err=%v", processed, err)
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != store.TaskSucceeded {
		t.Fatalf("status = %s", task.Status)
	}
	if string(task.Result) != `{"provider_message_id":"prov-1"}` {
		t.Errorf("result = %s", task.Result)
	}

	// A new attempt sequence forgets the previous result.
	if err := d.Retry(ctx, id); err != nil {
		t.Fatal(err)
	}
	task, _ = s.GetTask(ctx, id)
	if task.Result != nil {
		t.Errorf("result after retry = %s", task.Result)
	}
}

func TestUnencodableResultStillCompletes(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	d.Register(store.KindSendEmail, HandlerFunc(func(ctx context.Context, task *store.Task) Result {
		return OKWith(make(chan int))
	}))
	id, _ := d.Enqueue(ctx, store.KindSendEmail, nil)
	if _, err := d.ProcessNext(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != store.TaskSucceeded || task.Result != nil {
		t.Errorf("status=%s result=%s", task.Status, task.Result)
	}
}

func TestRunProcessesConcurrently(t *testing.T) {
	d, _ := newTestDispatcher(t, WithWorkers(4), WithPollInterval(10*time.Millisecond))
	var done int32
	var wg sync.WaitGroup
	const n = 40
	wg.Add(n)
	d.Register(store.KindDeliverWebhook, HandlerFunc(func(ctx context.Context, task *store.Task) Result {
		atomic.AddInt32(&done, 1)
		wg.Done()
		return OK()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	for i := 0; i < n; i++ {
		if _, err := d.Enqueue(ctx, store.KindDeliverWebhook, nil, WithNaturalKey(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("processed %d of %d tasks", atomic.LoadInt32(&done), n)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if got := atomic.LoadInt32(&done); got != n {
		t.Errorf("processed %d tasks, want %d (duplicate run?)", got, n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"deadline", context.DeadlineExceeded, OutcomeTransient},
		{"canceled", fmt.Errorf("store: %w", context.Canceled), OutcomeTransient},
		{"not found", fmt.Errorf("load: %w", store.ErrNotFound), OutcomePermanent},
		{"invalid transition", store.ErrInvalidTransition, OutcomePermanent},
		{"marked", retry.MarkNotRetryable(errors.New("x")), OutcomePermanent},
		{"unknown", errors.New("connection reset"), OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Outcome; got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffConfigUsed(t *testing.T) {
	clock := newFakeClock()
	d, s := newTestDispatcher(t, WithClock(clock.Now), WithBackoff(retry.Config{InitialBackoff: time.Second, MaxBackoff: time.Hour, Multiplier: 2}))
	d.Register(store.KindSendEmail, HandlerFunc(func(ctx context.Context, task *store.Task) Result {
		return Transient(errors.New("try again"))
	}))
	ctx := context.Background()
	id, _ := d.Enqueue(ctx, store.KindSendEmail, nil)

	start := clock.Now()
	_, _ = d.ProcessNext(ctx, "w")
	task, _ := s.GetTask(ctx, id)
	if got := task.NextAttemptAt.Sub(start); got != time.Second {
		t.Errorf("first backoff = %v, want 1s", got)
	}

	clock.Advance(time.Second)
	_, _ = d.ProcessNext(ctx, "w")
	task, _ = s.GetTask(ctx, id)
	if got := task.NextAttemptAt.Sub(clock.Now()); got != 2*time.Second {
		t.Errorf("second backoff = %v, want 2s", got)
	}
}
