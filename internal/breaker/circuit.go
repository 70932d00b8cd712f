// Package breaker implements a per-resource circuit breaker for tools whose
// external dependency is unreliable. A breaker stops calling a failing tool
// until it has had time to recover, then probes it with a single call.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// ErrOpen is returned without invoking the wrapped function when the
// circuit is open, so callers can distinguish "service is unhealthy" from
// "this specific call failed".
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the guarded resource (typically the tool name).
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes while
	// half-open required to close again.
	SuccessThreshold int

	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration

	// CallTimeout bounds each wrapped call so a hung tool cannot hold the
	// half-open probe slot indefinitely.
	CallTimeout time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name, from, to string)
}

// Breaker implements the circuit breaker state machine. While half-open,
// only a single in-flight probe is allowed; concurrent callers fail fast
// with ErrOpen until the probe resolves.
type Breaker struct {
	config Config

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	probing         bool
	lastFailure     time.Time
	lastStateChange time.Time
}

// New creates a circuit breaker with the given config.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 60 * time.Second
	}

	return &Breaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn with circuit breaker protection. When the circuit is open
// and the cooldown has not elapsed, it fails fast with ErrOpen without
// invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := b.invoke(ctx, fn)
	b.record(err)
	return err
}

// ExecuteWith runs a function returning a value with breaker protection.
func ExecuteWith[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}

// invoke runs fn under the call timeout. On timeout the call is recorded as
// a failure even if fn is still running, releasing the probe slot.
func (b *Breaker) invoke(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return fmt.Errorf("call timed out after %s: %w", b.config.CallTimeout, callCtx.Err())
	}
}

// acquire checks whether execution is allowed, transitioning open→half-open
// after the cooldown and claiming the single half-open probe slot.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastStateChange) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.probing = true
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		if b.probing {
			// One probe at a time; everyone else fails fast.
			return ErrOpen
		}
		b.probing = true
		return nil

	default:
		return nil
	}
}

// record applies the outcome of an execution to the state machine.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()

		switch b.state {
		case StateClosed:
			if b.failures >= b.config.FailureThreshold {
				b.transitionTo(StateOpen)
			}
		case StateHalfOpen:
			b.transitionTo(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// transitionTo changes state (must be called with lock held).
func (b *Breaker) transitionTo(newState string) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()
	b.failures = 0
	b.successes = 0

	if b.config.OnStateChange != nil {
		// Call asynchronously to avoid blocking under the lock.
		go b.config.OnStateChange(b.config.Name, oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats contains a snapshot of breaker statistics.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:            b.config.Name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

// Reset manually closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.lastStateChange = time.Now()
}

// Registry manages one breaker per resource name. The registry is owned by
// the orchestrator instance and passed by reference; there is deliberately
// no process-wide default.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry applying the given defaults to every
// breaker it creates.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns or creates the breaker for a resource name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b
	}

	config := r.defaults
	config.Name = name
	b = New(config)
	r.breakers[name] = b
	return b
}

// Stats returns statistics for all breakers.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// OpenNames returns the names of all currently-open breakers.
func (r *Registry) OpenNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, b := range r.breakers {
		if b.State() == StateOpen {
			open = append(open, name)
		}
	}
	return open
}
