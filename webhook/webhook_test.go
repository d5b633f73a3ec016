package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/store"
	"github.com/rbaliyan/relay/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type harness struct {
	clock     *fakeClock
	store     *memory.Store
	dispatch  *dispatch.Dispatcher
	scheduler *Scheduler
	event     *store.Event
}

func newHarness(t *testing.T, client *Client) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clock.Now))
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(s, dispatch.WithClock(clock.Now))
	t.Cleanup(func() { _ = d.Close() })

	opts := []Option{WithClock(clock.Now), WithClient(client)}
	d.Register(store.KindDeliverWebhook, NewHandler(s, opts...))

	ev, _, err := s.CreateEvent(ctx, &store.Event{
		Type:      store.EventMessageReceived,
		MessageID: "msg-1",
		InboxID:   "agent@relay.dev",
		Payload:   map[string]any{"otp_codes": []any{"482913"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{clock: clock, store: s, dispatch: d, scheduler: NewScheduler(s, d, opts...), event: ev}
}

func (h *harness) destination(t *testing.T, url string) *store.Destination {
	t.Helper()
	dest, err := h.store.CreateDestination(context.Background(), &store.Destination{
		InboxID: "agent@relay.dev",
		URL:     url,
		Secret:  "s3cret",
		Active:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return dest
}

// drain processes tasks until none remain, jumping the clock past any backoff.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	runs := 0
	for idle := 0; idle < 2; {
		ok, err := h.dispatch.ProcessNext(ctx, "w1")
		if err != nil {
			t.Fatalf("ProcessNext: %v", err)
		}
		if ok {
			runs++
			idle = 0
			continue
		}
		idle++
		h.clock.Advance(11 * time.Minute)
	}
	return runs
}

func TestDeliverSignedPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Payload
		verr     error
	)
	var h *harness
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		verr = Verify("s3cret", r.Header, body, h.clock.Now(), 0)
		var p Payload
		_ = json.Unmarshal(body, &p)
		received = append(received, p)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h = newHarness(t, NewClient(time.Second, nil))
	dest := h.destination(t, srv.URL)

	ids, err := h.scheduler.ScheduleForInbox(context.Background(), h.event)
	if err != nil || len(ids) != 1 {
		t.Fatalf("ScheduleForInbox = %v, %v", ids, err)
	}
	h.drain(t)

	mu.Lock()
	defer mu.Unlock()
	if verr != nil {
		t.Errorf("signature did not verify: %v", verr)
	}
	if len(received) != 1 {
		t.Fatalf("received %d posts, want 1", len(received))
	}
	p := received[0]
	if p.EventID != h.event.ID || p.Type != "message.received" || p.MessageID != "msg-1" {
		t.Errorf("payload = %+v", p)
	}

	d, _ := h.store.GetDelivery(context.Background(), ids[0])
	if d.Status != store.DeliveryDelivered || d.AttemptCount != 1 || d.LastStatusCode != http.StatusNoContent {
		t.Errorf("delivery = %+v", d)
	}
	if d.DestinationID != dest.ID {
		t.Errorf("DestinationID = %q", d.DestinationID)
	}
}

func TestDeliveryExhaustedAfterEightTimeouts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t, NewClient(50*time.Millisecond, nil))
	h.destination(t, srv.URL)

	ids, err := h.scheduler.ScheduleForInbox(context.Background(), h.event)
	if err != nil {
		t.Fatal(err)
	}

	var nextTimes []time.Time
	ctx := context.Background()
	for idle := 0; idle < 2; {
		ok, err := h.dispatch.ProcessNext(ctx, "w1")
		if err != nil {
			t.Fatalf("ProcessNext: %v", err)
		}
		if !ok {
			idle++
			h.clock.Advance(11 * time.Minute)
			continue
		}
		idle = 0
		d, _ := h.store.GetDelivery(ctx, ids[0])
		if d.Status == store.DeliveryPending {
			nextTimes = append(nextTimes, d.NextAttemptAt)
		}
	}

	if got := hits.Load(); got != DefaultMaxAttempts {
		t.Errorf("destination hit %d times, want %d", got, DefaultMaxAttempts)
	}
	d, _ := h.store.GetDelivery(ctx, ids[0])
	if d.Status != store.DeliveryExhausted {
		t.Errorf("Status = %s, want exhausted", d.Status)
	}
	if d.AttemptCount != DefaultMaxAttempts {
		t.Errorf("AttemptCount = %d, want %d", d.AttemptCount, DefaultMaxAttempts)
	}
	if len(nextTimes) != DefaultMaxAttempts-1 {
		t.Fatalf("recorded %d retries, want %d", len(nextTimes), DefaultMaxAttempts-1)
	}
	for i := 1; i < len(nextTimes); i++ {
		if !nextTimes[i].After(nextTimes[i-1]) {
			t.Errorf("next_attempt_at not increasing at %d: %v", i, nextTimes)
		}
	}

	failed, _ := h.store.FindDeliveries(ctx, store.DeliveryFilter{Status: store.DeliveryExhausted})
	if len(failed) != 1 {
		t.Errorf("exhausted deliveries = %d", len(failed))
	}
}

func TestRetryThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, NewClient(time.Second, nil))
	h.destination(t, srv.URL)
	ids, _ := h.scheduler.ScheduleForInbox(context.Background(), h.event)
	h.drain(t)

	d, _ := h.store.GetDelivery(context.Background(), ids[0])
	if d.Status != store.DeliveryDelivered || d.AttemptCount != 3 {
		t.Errorf("delivery = %+v", d)
	}
}

func TestRedirectIsNotSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	status, err := NewClient(time.Second, nil).Post(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`), SentAt: time.Now()})
	var se *StatusError
	if !errors.As(err, &se) || status != http.StatusFound {
		t.Errorf("Post = %d, %v; want StatusError 302", status, err)
	}
}

func TestInactiveDestinationExhaustsWithoutPost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	h := newHarness(t, NewClient(time.Second, nil))
	dest := h.destination(t, srv.URL)
	ids, _ := h.scheduler.ScheduleForInbox(context.Background(), h.event)
	if err := h.store.SetDestinationActive(context.Background(), dest.ID, false); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if hits.Load() != 0 {
		t.Errorf("inactive destination was called")
	}
	d, _ := h.store.GetDelivery(context.Background(), ids[0])
	if d.Status != store.DeliveryExhausted {
		t.Errorf("Status = %s, want exhausted", d.Status)
	}
}

func TestScheduleIsIdempotentAndSkipsInactive(t *testing.T) {
	h := newHarness(t, NewClient(time.Second, nil))
	active := h.destination(t, "http://example.invalid/a")
	inactive := &store.Destination{ID: "off", URL: "http://example.invalid/b", Active: false}

	ctx := context.Background()
	first, err := h.scheduler.ScheduleDelivery(ctx, h.event, []*store.Destination{active, inactive})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.scheduler.ScheduleDelivery(ctx, h.event, []*store.Destination{active, inactive})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Errorf("first = %v, second = %v", first, second)
	}
	tasks, _ := h.dispatch.Tasks(ctx, store.TaskFilter{Kind: store.KindDeliverWebhook})
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d", tasks[0].MaxAttempts)
	}
}

func TestRedeliver(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, NewClient(time.Second, nil))
	h.destination(t, srv.URL)
	ctx := context.Background()
	ids, _ := h.scheduler.ScheduleForInbox(ctx, h.event)

	if _, err := h.scheduler.Redeliver(ctx, ids[0]); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("redeliver of pending delivery: %v", err)
	}

	h.drain(t)
	d, _ := h.store.GetDelivery(ctx, ids[0])
	if d.Status != store.DeliveryExhausted {
		t.Fatalf("Status = %s, want exhausted", d.Status)
	}

	fail.Store(false)
	if _, err := h.scheduler.Redeliver(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	h.drain(t)
	d, _ = h.store.GetDelivery(ctx, ids[0])
	if d.Status != store.DeliveryDelivered || d.AttemptCount != 1 {
		t.Errorf("delivery = %+v", d)
	}
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event_id":"e1"}`)
	header := http.Header{}
	header.Set(HeaderTimestamp, "1700000000")
	header.Set(HeaderSignature, Sign("k", now, body))

	if err := Verify("k", header, body, now, 0); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := Verify("other", header, body, now, 0); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("wrong secret: %v", err)
	}
	if err := Verify("k", header, []byte(`{"event_id":"e2"}`), now, 0); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered body: %v", err)
	}
	if err := Verify("k", header, body, now.Add(time.Hour), 0); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("stale timestamp: %v", err)
	}
}
