package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func fail() error    { return errTest }
func succeed() error { return nil }

// trippedBreaker returns a breaker that has just opened.
func trippedBreaker(t *testing.T, halfOpenMax int) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "stt/test",
		MaxFailures:  2,
		ResetTimeout: time.Second,
		HalfOpenMax:  halfOpenMax,
		Now:          clock.Now,
	})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	return cb, clock
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	if cb.cfg.MaxFailures != defaultMaxFailures ||
		cb.cfg.ResetTimeout != defaultResetTimeout ||
		cb.cfg.HalfOpenMax != defaultHalfOpenMax {
		t.Errorf("cfg = %+v", cb.cfg)
	}
	if cb.cfg.Now == nil {
		t.Error("Now not defaulted")
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Trips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		results []error
		want    State
	}{
		{"below threshold", []error{errTest, errTest}, StateClosed},
		{"at threshold", []error{errTest, errTest, errTest}, StateOpen},
		{"success breaks the run", []error{errTest, errTest, nil, errTest, errTest}, StateClosed},
		{"deadline counts", []error{context.DeadlineExceeded, errTest, context.DeadlineExceeded}, StateOpen},
		{"cancel is ignored", []error{errTest, context.Canceled, errTest, context.Canceled}, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})
			for _, res := range tt.results {
				if err := cb.Execute(func() error { return res }); !errors.Is(err, res) {
					t.Fatalf("Execute = %v, want %v", err, res)
				}
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	t.Parallel()

	cb, _ := trippedBreaker(t, 1)
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while open")
	}
}

func TestCircuitBreaker_CoolDown(t *testing.T) {
	t.Parallel()

	cb, clock := trippedBreaker(t, 2)
	clock.Advance(999 * time.Millisecond)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state before cool-down = %v, want open", got)
	}
	clock.Advance(time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after cool-down = %v, want half-open", got)
	}
}

func TestCircuitBreaker_ProbesClose(t *testing.T) {
	t.Parallel()

	cb, clock := trippedBreaker(t, 2)
	clock.Advance(time.Second)

	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after one probe = %v, want half-open", got)
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}

	// Closed again with a fresh failure count.
	_ = cb.Execute(fail)
	if got := cb.State(); got != StateClosed {
		t.Errorf("state after one failure = %v, want closed", got)
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()

	cb, clock := trippedBreaker(t, 3)
	clock.Advance(time.Second)

	_ = cb.Execute(succeed)
	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	// The cool-down restarts from the failed probe.
	clock.Advance(500 * time.Millisecond)
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_ProbeBudget(t *testing.T) {
	t.Parallel()

	cb, clock := trippedBreaker(t, 1)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_CancelledProbeFreesSlot(t *testing.T) {
	t.Parallel()

	cb, clock := trippedBreaker(t, 1)
	clock.Advance(time.Second)

	if err := cb.Execute(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe after cancel: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb, _ := trippedBreaker(t, 1)
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if err := cb.Execute(succeed); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", int(s), got, want)
		}
	}
}
