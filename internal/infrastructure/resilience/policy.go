// Package resilience wraps upstream calls with bounded retries and a
// consecutive-failure circuit breaker.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without attempting the call while the circuit is
// open. Callers should treat it as "temporarily unavailable", not as "data
// does not exist".
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a fetch policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt within a
	// single Execute invocation.
	MaxRetries int
	// MaxConsecutiveFailures is the number of consecutive failed
	// invocations (retries exhausted) that opens the circuit.
	MaxConsecutiveFailures int
	// CircuitBreakDuration is how long the circuit stays open before a
	// single half-open probe is allowed.
	CircuitBreakDuration time.Duration
	// DegradedThreshold is the wall-clock duration above which a
	// successful call is reported to the degraded observers.
	DegradedThreshold time.Duration
	// RetryBaseDelay is the first backoff delay; it doubles per retry.
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.CircuitBreakDuration <= 0 {
		c.CircuitBreakDuration = 30 * time.Second
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 5 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	return c
}

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Policy is a retry + circuit-breaker wrapper shared by every concurrent
// caller of one upstream endpoint. The consecutive-failure count rolls across
// invocations; one failed invocation counts once no matter how many internal
// retry attempts it made.
type Policy struct {
	cfg    Config
	logger *zap.Logger
	// sleep is swapped out in tests.
	sleep func(time.Duration)
	now   func() time.Time

	mu         sync.Mutex
	state      state
	failures   int
	openedAt   time.Time
	probing    bool
	onBreak    []func()
	onDegraded []func(elapsed time.Duration)
}

// NewPolicy creates a fetch policy.
func NewPolicy(cfg Config, logger *zap.Logger) *Policy {
	return &Policy{
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// OnBreak registers an observer invoked each time the circuit opens.
// Registration never fails; a nil observer is ignored.
func (p *Policy) OnBreak(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.onBreak = append(p.onBreak, fn)
	p.mu.Unlock()
}

// OnDegraded registers an observer invoked when a successful call exceeds the
// degraded threshold. Degraded calls do not affect circuit state.
func (p *Policy) OnDegraded(fn func(elapsed time.Duration)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.onDegraded = append(p.onDegraded, fn)
	p.mu.Unlock()
}

// Operation is a retriable unit of work.
type Operation[T any] func(ctx context.Context) (T, error)

// Execute runs op under the policy: retries with exponential backoff up to
// MaxRetries, then records the invocation against the circuit. While the
// circuit is open it fails immediately with ErrCircuitOpen; after the break
// duration exactly one probe invocation is let through.
func Execute[T any](ctx context.Context, p *Policy, op Operation[T]) (T, error) {
	var zero T

	if err := p.admit(); err != nil {
		return zero, err
	}

	start := p.now()
	result, err := runWithRetries(ctx, p, op)
	elapsed := p.now().Sub(start)

	if err != nil {
		p.recordFailure()
		return zero, err
	}

	p.recordSuccess(elapsed)
	return result, nil
}

func runWithRetries[T any](ctx context.Context, p *Policy, op Operation[T]) (T, error) {
	var zero T
	var lastErr error

	delay := p.cfg.RetryBaseDelay
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < p.cfg.MaxRetries {
			p.logger.Warn("Upstream call failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			p.sleep(delay)
			delay *= 2
		}
	}

	return zero, lastErr
}

// admit decides whether an invocation may proceed given the circuit state.
func (p *Policy) admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateClosed:
		return nil
	case stateOpen:
		if p.now().Sub(p.openedAt) < p.cfg.CircuitBreakDuration {
			return ErrCircuitOpen
		}
		// Cool-down elapsed: allow exactly one probe.
		p.state = stateHalfOpen
		p.probing = true
		return nil
	case stateHalfOpen:
		if p.probing {
			return ErrCircuitOpen
		}
		p.probing = true
		return nil
	}
	return nil
}

func (p *Policy) recordSuccess(elapsed time.Duration) {
	p.mu.Lock()
	p.failures = 0
	p.probing = false
	p.state = stateClosed
	degraded := append([]func(time.Duration)(nil), p.onDegraded...)
	p.mu.Unlock()

	if elapsed <= p.cfg.DegradedThreshold {
		return
	}

	p.logger.Warn("Upstream call degraded",
		zap.Duration("elapsed", elapsed),
		zap.Duration("threshold", p.cfg.DegradedThreshold),
	)
	for _, fn := range degraded {
		fn(elapsed)
	}
}

func (p *Policy) recordFailure() {
	p.mu.Lock()
	var broke []func()
	switch p.state {
	case stateHalfOpen:
		// Failed probe re-opens the circuit for another full cool-down.
		p.state = stateOpen
		p.openedAt = p.now()
		p.probing = false
		broke = append(broke, p.onBreak...)
	default:
		p.failures++
		if p.failures >= p.cfg.MaxConsecutiveFailures {
			p.state = stateOpen
			p.openedAt = p.now()
			broke = append(broke, p.onBreak...)
		}
	}
	p.mu.Unlock()

	for _, fn := range broke {
		fn()
	}
	if broke != nil {
		p.logger.Warn("Circuit opened",
			zap.Int("consecutive_failures", p.cfg.MaxConsecutiveFailures),
			zap.Duration("break_duration", p.cfg.CircuitBreakDuration),
		)
	}
}
