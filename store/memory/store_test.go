package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/relay/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestNotConnected(t *testing.T) {
	s := New()
	_, err := s.GetMessage(context.Background(), "x")
	if !errors.Is(err, store.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestCreateMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msg := &store.Message{Direction: store.DirectionInbound, Status: store.StatusReceived, IdempotencyKey: "inbound:re_1"}
	first, created, err := s.CreateMessage(ctx, msg)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if first.Version != 1 {
		t.Errorf("Version = %d, want 1", first.Version)
	}

	second, created, err := s.CreateMessage(ctx, msg)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Error("duplicate idempotency key must not create a new message")
	}
	if second.ID != first.ID {
		t.Errorf("got %s, want existing %s", second.ID, first.ID)
	}
}

func TestCreateMessageStartingStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, created, err := s.CreateMessage(ctx, &store.Message{Direction: store.DirectionOutbound, Status: store.StatusSent})
	if !errors.Is(err, store.ErrInvalidTransition) || created {
		t.Fatalf("outbound sent: created=%v err=%v", created, err)
	}
	_, _, err = s.CreateMessage(ctx, &store.Message{Direction: store.DirectionOutbound, Status: store.StatusReceived})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("outbound received: %v", err)
	}
	msgs, _ := s.FindMessages(ctx, store.MessageFilter{})
	if len(msgs) != 0 {
		t.Errorf("rejected messages were stored: %d", len(msgs))
	}

	msg, created, err := s.CreateMessage(ctx, &store.Message{Direction: store.DirectionInbound})
	if err != nil || !created {
		t.Fatalf("inbound: created=%v err=%v", created, err)
	}
	if msg.Status != store.StatusReceived {
		t.Errorf("status = %s, want received", msg.Status)
	}
}

func TestUpdateMessageVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msg, _, err := s.CreateMessage(ctx, &store.Message{Direction: store.DirectionOutbound, Status: store.StatusQueued})
	if err != nil {
		t.Fatal(err)
	}

	// Two workers both read version 1 and race into sending.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateMessage(ctx, msg.ID, msg.Version, store.MessageUpdate{Status: store.StatusSending})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrVersionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("ok=%d conflicts=%d, want 1 and 1", ok, conflicts)
	}

	got, _ := s.GetMessage(ctx, msg.ID)
	if got.Status != store.StatusSending || got.Version != 2 {
		t.Errorf("status=%s version=%d", got.Status, got.Version)
	}
}

func TestProviderIDLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msg, _, _ := s.CreateMessage(ctx, &store.Message{Direction: store.DirectionOutbound, Status: store.StatusQueued})
	msg, _ = s.UpdateMessage(ctx, msg.ID, msg.Version, store.MessageUpdate{Status: store.StatusSending})
	if _, err := s.UpdateMessage(ctx, msg.ID, msg.Version, store.MessageUpdate{Status: store.StatusSent, ProviderMessageID: "pm_123"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMessageByProviderID(ctx, "pm_123")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != msg.ID {
		t.Errorf("got %s, want %s", got.ID, msg.ID)
	}
}

func TestThreadAppendOnlyOrder(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	_ = s.Connect(ctx)

	th, err := s.FindOrCreateThread(ctx, "agent@x.com", "Welcome", []string{"a@x.com"})
	if err != nil {
		t.Fatal(err)
	}
	again, _ := s.FindOrCreateThread(ctx, "agent@x.com", "RE: welcome", []string{"b@x.com"})
	if again.ID != th.ID {
		t.Fatalf("reply opened a new thread")
	}
	if len(again.Participants) != 2 {
		t.Errorf("participants = %v", again.Participants)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		m, _, _ := s.CreateMessage(ctx, &store.Message{Direction: store.DirectionInbound, Status: store.StatusReceived, ThreadID: th.ID})
		ids = append(ids, m.ID)
	}
	got, _ := s.GetThread(ctx, th.ID)
	if fmt.Sprint(got.MessageIDs) != fmt.Sprint(ids) {
		t.Errorf("MessageIDs = %v, want %v", got.MessageIDs, ids)
	}
}

func TestCreateEventIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := &store.Event{Type: store.EventMessageSent, MessageID: "m1"}
	a, created, _ := s.CreateEvent(ctx, ev)
	if !created {
		t.Fatal("expected created")
	}
	b, created, _ := s.CreateEvent(ctx, ev)
	if created || b.ID != a.ID {
		t.Errorf("duplicate event created")
	}
}

func TestClaimTaskExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 20; i++ {
		if _, _, err := s.CreateTask(ctx, &store.Task{Kind: store.KindSendEmail, MaxAttempts: 5, NaturalKey: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := s.ClaimTask(ctx, worker, time.Now(), time.Minute)
				if errors.Is(err, store.ErrNoTask) {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				if prev, dup := seen[task.ID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
				}
				seen[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Errorf("claimed %d tasks, want 20", len(seen))
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task, _, _ := s.CreateTask(ctx, &store.Task{Kind: store.KindDeliverWebhook, MaxAttempts: 8})
	now := time.Now()

	first, err := s.ClaimTask(ctx, "w1", now, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimTask(ctx, "w2", now.Add(10*time.Second), 30*time.Second); !errors.Is(err, store.ErrNoTask) {
		t.Fatalf("claimed inside visibility window: %v", err)
	}

	second, err := s.ClaimTask(ctx, "w2", now.Add(31*time.Second), 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if second.ID != task.ID || second.AttemptCount != 2 {
		t.Errorf("reclaimed %s attempt %d", second.ID, second.AttemptCount)
	}

	// The first worker finishing late must not clobber the reclaim.
	_, err = s.FinishTask(ctx, task.ID, first.Lease(), store.TaskUpdate{Status: store.TaskSucceeded})
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if _, err := s.FinishTask(ctx, task.ID, second.Lease(), store.TaskUpdate{Status: store.TaskSucceeded}); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestClaimPriorityAndDelay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	low, _, _ := s.CreateTask(ctx, &store.Task{Kind: store.KindSendEmail, Priority: 0})
	high, _, _ := s.CreateTask(ctx, &store.Task{Kind: store.KindSendEmail, Priority: 10})
	_, _, _ = s.CreateTask(ctx, &store.Task{Kind: store.KindSendEmail, Priority: 100, NextAttemptAt: now.Add(time.Hour)})

	got, _ := s.ClaimTask(ctx, "w", now, time.Minute)
	if got.ID != high.ID {
		t.Errorf("first claim = %s, want high priority %s", got.ID, high.ID)
	}
	got, _ = s.ClaimTask(ctx, "w", now, time.Minute)
	if got.ID != low.ID {
		t.Errorf("second claim = %s, want %s", got.ID, low.ID)
	}
	if _, err := s.ClaimTask(ctx, "w", now, time.Minute); !errors.Is(err, store.ErrNoTask) {
		t.Errorf("delayed task claimed early: %v", err)
	}
}

func TestDeliveryIdempotentAndReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := &store.WebhookDelivery{EventID: "e1", DestinationID: "dst1", MaxAttempts: 2}
	a, created, _ := s.CreateDelivery(ctx, d)
	if !created || a.Status != store.DeliveryPending {
		t.Fatalf("create: %+v", a)
	}
	if b, created, _ := s.CreateDelivery(ctx, d); created || b.ID != a.ID {
		t.Fatal("duplicate delivery created")
	}

	msg := "gone"
	if _, err := s.UpdateDelivery(ctx, a.ID, store.DeliveryUpdate{Status: store.DeliveryExhausted, LastError: &msg}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateDelivery(ctx, a.ID, store.DeliveryUpdate{IncAttempt: true}); !errors.Is(err, store.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	reset, err := s.ResetDelivery(ctx, a.ID, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if reset.Status != store.DeliveryPending || reset.AttemptCount != 0 {
		t.Errorf("reset: %+v", reset)
	}
}
