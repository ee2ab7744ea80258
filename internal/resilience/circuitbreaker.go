// Package resilience keeps the translation pipeline speaking when a speech,
// chat or voice provider degrades.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops calling a provider after consecutive failures. [FallbackGroup] puts a
// breaker in front of every configured provider of one stage and fails over
// in configuration order. [STTFallback], [LLMFallback] and [TTSFallback]
// expose a group as the provider interface of their stage.
//
// Cancelled calls are not failures: they neither trip a breaker nor move on
// to the next provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down ends.
	StateOpen
	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and metrics.
	Name string

	// MaxFailures is the run of consecutive failures that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before an open breaker admits probes.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 3.
	HalfOpenMax int

	// Now replaces time.Now, mainly for tests.
	Now func() time.Time
}

// CircuitBreaker guards calls to one provider.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // last transition to open
	inflight int       // probes currently running while half-open
	passed   int       // successful probes while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute calls fn unless the breaker is open or its probe budget is spent,
// in which case it returns [ErrCircuitOpen]. The error of fn is returned
// unchanged. A [context.Canceled] result leaves the breaker as it was.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn()
	cb.done(probe, err)
	return err
}

// allow admits one call and reports whether it is a half-open probe.
func (cb *CircuitBreaker) allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateClosed {
		return false, nil
	}
	if cb.inflight+cb.passed >= cb.cfg.HalfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.inflight++
	return true, nil
}

// done records the outcome of a call admitted by allow.
func (cb *CircuitBreaker) done(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A probe that outlived its half-open phase has nothing to report.
	if probe {
		if cb.state != StateHalfOpen {
			return
		}
		cb.inflight--
	}

	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		if probe {
			cb.setState(StateOpen)
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			slog.Warn("resilience: breaker tripped", "name", cb.cfg.Name, "failures", cb.failures)
			cb.setState(StateOpen)
		}
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.setState(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// setState moves to next and clears the counters of the previous phase.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(next State) {
	prev := cb.state
	cb.state = next
	cb.failures = 0
	cb.inflight = 0
	cb.passed = 0
	if next == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}
	if prev != next {
		slog.Info("resilience: breaker state change", "name", cb.cfg.Name, "from", prev, "to", next)
	}
}

// State reports the current state. An open breaker whose cool-down has ended
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}
