package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clock.Now
	return cb, clock
}

func TestStateString(t *testing.T) {
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

func TestNewCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(Config{Name: "x"})
	if cb.config.FailureThreshold != 5 || cb.config.Cooldown != 30*time.Second {
		t.Errorf("defaults not applied: %+v", cb.config)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v", cb.State())
	}
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(Config{
		Name:             "openai",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         time.Minute,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d error = %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state after threshold = %v, want open", cb.State())
	}

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker error = %v, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Minute)
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after one trial call = %v, want half-open", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatal(err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after trial calls = %v, want closed", cb.State())
	}

	want := "closed->open,open->half-open,half-open->closed"
	if got := strings.Join(transitions, ","); got != want {
		t.Errorf("transitions = %s, want %s", got, want)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "smtp", FailureThreshold: 1, Cooldown: time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "x", FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures opened the circuit")
	}
}

func TestCircuitBreaker_ExecutionTimeout(t *testing.T) {
	cb := NewCircuitBreaker(Config{Name: "slow", ExecutionTimeout: 20 * time.Millisecond})
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrCircuitTimeout) {
		t.Errorf("error = %v, want ErrCircuitTimeout", err)
	}
}

func TestCircuitBreaker_CallerCancellationIsNotFailure(t *testing.T) {
	cb := NewCircuitBreaker(Config{Name: "x", FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Error("caller cancellation opened the circuit")
	}
}

func TestCircuitBreaker_CustomFailurePredicate(t *testing.T) {
	permanent := errors.New("550 mailbox unavailable")
	cb := NewCircuitBreaker(Config{
		Name:             "smtp",
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, permanent) },
	})
	_ = cb.Execute(context.Background(), func(context.Context) error { return permanent })
	if cb.State() != StateClosed {
		t.Error("ignored error opened the circuit")
	}
}

func TestCircuitBreaker_PanicInFunction(t *testing.T) {
	cb := NewCircuitBreaker(Config{Name: "x"})
	err := cb.Execute(context.Background(), func(context.Context) error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want panic error", err)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(Config{Name: "x", FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), fail)
			} else {
				_ = cb.Execute(context.Background(), succeed)
			}
		}(i)
	}
	wg.Wait()
	if cb.State() != StateClosed {
		t.Errorf("state = %v", cb.State())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Get("openai")
	if r.Get("openai") != a {
		t.Error("Get returned a different breaker for the same key")
	}
	if r.Get("smtp") == a {
		t.Error("keys share a breaker")
	}
	if states := r.States(); len(states) != 2 || states["openai"] != StateClosed {
		t.Errorf("States = %v", states)
	}
}
