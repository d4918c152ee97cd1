package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ncerr "apcgate/internal/errors"
)

var errRefused = errors.New("connection refused")

// fakeClock drives a breaker's cooldown without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg *CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clk.now
	return cb, clk
}

func fail() error    { return errRefused }
func succeed() error { return nil }

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	if cb.threshold != 5 || cb.cooldown != 30*time.Second || cb.recoveries != 1 {
		t.Errorf("defaults = %d/%v/%d", cb.threshold, cb.cooldown, cb.recoveries)
	}

	cb = NewCircuitBreaker(&CircuitBreakerConfig{Threshold: 2})
	if cb.threshold != 2 || cb.cooldown != 30*time.Second {
		t.Errorf("partial config: threshold=%d cooldown=%v", cb.threshold, cb.cooldown)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(&CircuitBreakerConfig{Threshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cb.Execute(ctx, fail) //nolint:errcheck
	}
	if cb.CurrentState() != StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", cb.CurrentState())
	}

	cb.Execute(ctx, fail) //nolint:errcheck
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", cb.CurrentState())
	}
	if got := cb.RetryIn(); got != time.Minute {
		t.Errorf("RetryIn = %v, want 1m", got)
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !ncerr.Is(err, ncerr.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("dial ran while the circuit was open")
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(&CircuitBreakerConfig{Threshold: 3})
	ctx := context.Background()

	cb.Execute(ctx, fail)    //nolint:errcheck
	cb.Execute(ctx, fail)    //nolint:errcheck
	cb.Execute(ctx, succeed) //nolint:errcheck
	cb.Execute(ctx, fail)    //nolint:errcheck

	if cb.Failures() != 1 || cb.CurrentState() != StateClosed {
		t.Errorf("failures=%d state=%s, want 1/closed", cb.Failures(), cb.CurrentState())
	}
}

func TestCircuitBreaker_AbandonedDialsNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(&CircuitBreakerConfig{Threshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func() error { return fmt.Errorf("dial: %w", ctx.Err()) })
	if err == nil {
		t.Fatal("dial error must still be returned")
	}
	if cb.Failures() != 0 || cb.CurrentState() != StateClosed {
		t.Errorf("failures=%d state=%s, want 0/closed", cb.Failures(), cb.CurrentState())
	}
}

func TestCircuitBreaker_TrialAfterCooldown(t *testing.T) {
	cb, clk := newTestBreaker(&CircuitBreakerConfig{Threshold: 1, Cooldown: 10 * time.Second})
	ctx := context.Background()

	cb.Execute(ctx, fail) //nolint:errcheck
	clk.advance(10 * time.Second)
	if cb.RetryIn() != 0 {
		t.Errorf("RetryIn after cooldown = %v", cb.RetryIn())
	}

	// While the trial dial runs, other sessions are turned away.
	var inner error
	err := cb.Execute(ctx, func() error {
		if cb.CurrentState() != StateHalfOpen {
			t.Errorf("state during trial = %s, want half-open", cb.CurrentState())
		}
		inner = cb.Execute(ctx, succeed)
		return nil
	})
	if err != nil {
		t.Fatalf("trial dial: %v", err)
	}
	if !ncerr.Is(inner, ncerr.ErrCircuitOpen) {
		t.Errorf("concurrent dial during trial: err = %v, want ErrCircuitOpen", inner)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state after successful trial = %s, want closed", cb.CurrentState())
	}
	if cb.Failures() != 0 {
		t.Errorf("failures = %d, want 0", cb.Failures())
	}
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	cb, clk := newTestBreaker(&CircuitBreakerConfig{Threshold: 1, Cooldown: 10 * time.Second})
	ctx := context.Background()

	cb.Execute(ctx, fail) //nolint:errcheck
	clk.advance(11 * time.Second)
	cb.Execute(ctx, fail) //nolint:errcheck

	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.CurrentState())
	}
	if got := cb.RetryIn(); got != 10*time.Second {
		t.Errorf("RetryIn = %v, want a fresh 10s cooldown", got)
	}
}

func TestCircuitBreaker_AbandonedTrialFreesSlot(t *testing.T) {
	cb, clk := newTestBreaker(&CircuitBreakerConfig{Threshold: 1, Cooldown: time.Second})

	cb.Execute(context.Background(), fail) //nolint:errcheck
	clk.advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cb.Execute(ctx, func() error { return ctx.Err() }) //nolint:errcheck
	if cb.CurrentState() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.CurrentState())
	}

	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("next trial rejected: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %s, want closed", cb.CurrentState())
	}
}

func TestCircuitBreaker_Recoveries(t *testing.T) {
	cb, clk := newTestBreaker(&CircuitBreakerConfig{Threshold: 1, Cooldown: time.Second, Recoveries: 2})
	ctx := context.Background()

	cb.Execute(ctx, fail) //nolint:errcheck
	clk.advance(time.Second)

	cb.Execute(ctx, succeed) //nolint:errcheck
	if cb.CurrentState() != StateHalfOpen {
		t.Fatalf("state after one recovery = %s, want half-open", cb.CurrentState())
	}
	cb.Execute(ctx, succeed) //nolint:errcheck
	if cb.CurrentState() != StateClosed {
		t.Errorf("state after two recoveries = %s, want closed", cb.CurrentState())
	}
}

func TestCircuitBreaker_LateSuccessCloses(t *testing.T) {
	cb, _ := newTestBreaker(&CircuitBreakerConfig{Threshold: 1, Cooldown: time.Hour})
	ctx := context.Background()

	// A slow dial admitted while closed finishes after another one
	// opened the circuit.
	err := cb.Execute(ctx, func() error {
		cb.Execute(ctx, fail) //nolint:errcheck
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %s, want closed", cb.CurrentState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(&CircuitBreakerConfig{Threshold: 1, Cooldown: time.Hour})

	cb.Execute(context.Background(), fail) //nolint:errcheck
	cb.Reset()

	if cb.CurrentState() != StateClosed || cb.Failures() != 0 || cb.RetryIn() != 0 {
		t.Errorf("after Reset: state=%s failures=%d retryIn=%v",
			cb.CurrentState(), cb.Failures(), cb.RetryIn())
	}
}

func TestCircuitBreaker_StateChange(t *testing.T) {
	var transitions []string
	cb, clk := newTestBreaker(&CircuitBreakerConfig{
		Threshold: 1,
		Cooldown:  time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	ctx := context.Background()

	cb.Execute(ctx, fail) //nolint:errcheck
	clk.advance(time.Second)
	cb.Execute(ctx, succeed) //nolint:errcheck

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
