package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rbaliyan/relay/store"
	"github.com/rbaliyan/relay/store/memory"
)

// For any sequence of handler outcomes, a task never runs more often than its
// limit and always ends in a state that matches the outcomes it saw.
func TestProperty_AttemptsBoundedAndTerminal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("attempts never exceed max and task ends terminal", prop.ForAll(
		func(outcomes []int, maxAttempts int) bool {
			ctx := context.Background()
			clock := newFakeClock()
			s := memory.New()
			_ = s.Connect(ctx)
			d := New(s, WithClock(clock.Now))

			calls := 0
			d.Register(store.KindDeliverWebhook, HandlerFunc(func(ctx context.Context, task *store.Task) Result {
				o := OutcomeTransient
				if calls < len(outcomes) {
					o = Outcome(outcomes[calls])
				}
				calls++
				switch o {
				case OutcomeOK:
					return OK()
				case OutcomePermanent:
					return Permanent(errors.New("permanent"))
				}
				return Transient(errors.New("transient"))
			}))

			id, err := d.Enqueue(ctx, store.KindDeliverWebhook, nil, WithTaskMaxAttempts(maxAttempts))
			if err != nil {
				return false
			}
			for i := 0; i < 2*maxAttempts+2; i++ {
				if processed, _ := d.ProcessNext(ctx, "w"); !processed {
					clock.Advance(time.Hour)
				}
			}

			task, err := s.GetTask(ctx, id)
			if err != nil || !task.Status.IsTerminal() {
				return false
			}
			if task.AttemptCount > maxAttempts || calls > maxAttempts {
				return false
			}
			// The task succeeded exactly when an OK came before any permanent
			// outcome within the attempt budget.
			wantSuccess := false
			for i := 0; i < maxAttempts; i++ {
				o := OutcomeTransient
				if i < len(outcomes) {
					o = Outcome(outcomes[i])
				}
				if o == OutcomeOK {
					wantSuccess = true
					break
				}
				if o == OutcomePermanent {
					break
				}
			}
			return (task.Status == store.TaskSucceeded) == wantSuccess
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
