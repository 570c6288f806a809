// Package resilience guards calls to upstream services (AI classifier,
// SMTP relay) with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrCircuitTimeout is returned when a call exceeds ExecutionTimeout.
var ErrCircuitTimeout = errors.New("circuit breaker execution timeout")

// State represents the circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
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
	default:
		return "unknown"
	}
}

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the upstream, e.g. "openai" or "smtp:relay.example.com:587".
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before allowing a trial call.
	Cooldown time.Duration
	// HalfOpenMaxCalls limits concurrent trial calls in half-open.
	HalfOpenMaxCalls int
	// ExecutionTimeout bounds a single call (0 = caller's context only).
	ExecutionTimeout time.Duration
	// OnStateChange is called synchronously after a transition.
	OnStateChange func(name string, from, to State)
	// IsFailure decides whether an error counts against the upstream.
	// Context cancellation by the caller never counts.
	IsFailure func(err error) bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
		ExecutionTimeout: 30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
}

// NewCircuitBreaker creates a breaker, filling zero fields with defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &CircuitBreaker{config: cfg, now: time.Now}
}

// Execute runs fn through the breaker. A panic in fn is returned as an error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	execCtx := ctx
	if cb.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cb.config.ExecutionTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", cb.config.Name, r)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrCircuitTimeout, err)
		}
		cb.afterRequest(ctx, err)
	}()

	return fn(execCtx)
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(ctx context.Context, err error) {
	failed := err != nil && ctx.Err() == nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenCalls--
		if failed {
			cb.transitionLocked(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.failures, cb.successes, cb.halfOpenCalls = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

// Registry hands out one breaker per upstream key.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   func(key string) Config
}

// NewRegistry creates a registry using configFor to build new breakers.
func NewRegistry(configFor func(key string) Config) *Registry {
	if configFor == nil {
		configFor = DefaultConfig
	}
	return &Registry{breakers: make(map[string]*CircuitBreaker), config: configFor}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(r.config(key))
		r.breakers[key] = cb
	}
	return cb
}

// States snapshots every breaker's state, for health reporting.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for k, cb := range r.breakers {
		out[k] = cb.State()
	}
	return out
}
