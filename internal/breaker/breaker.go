// SPDX-License-Identifier: MIT

// Package breaker implements a per-dependency circuit breaker that stops
// calling a failing operation and fails fast until the dependency shows
// signs of recovery.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantlens/reliability/internal/log"
	"github.com/plantlens/reliability/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned for calls rejected while the circuit is open.
// Rejections are synchronous and never invoke the wrapped operation.
var ErrOpen = errors.New("circuit breaker is open")

// ErrSlowCall is returned when an operation exceeds the configured
// slow-call duration threshold. The underlying operation may still be
// in flight; its context has been cancelled.
var ErrSlowCall = errors.New("operation exceeded slow call threshold")

// OpenError carries the breaker name so callers can tell "breaker open"
// apart from "operation failed". It unwraps to ErrOpen.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ringSize bounds the window of recorded call durations.
const ringSize = 64

// Config holds circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker once the volume threshold is met.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before the next
	// call is allowed through as a half-open trial.
	RecoveryTimeout time.Duration
	// MonitoringPeriod is the rolling window over which windowed counters
	// (failure percentage, slow calls) are accumulated.
	MonitoringPeriod time.Duration
	// ErrorPercentageThreshold trips the breaker when the windowed failure
	// percentage reaches it. Range 0-100; 0 disables the percentage trip.
	ErrorPercentageThreshold float64
	// VolumeThreshold is the minimum number of windowed calls before any
	// trip condition is evaluated.
	VolumeThreshold int
	// SlowCallDurationThreshold caps each call's duration; calls exceeding
	// it are treated as failures for state-machine purposes. Zero disables
	// the timeout race.
	SlowCallDurationThreshold time.Duration
	// SlowCallThreshold trips the breaker when the windowed slow-call count
	// reaches it. Zero disables the slow-call trip.
	SlowCallThreshold int
	// MaxHalfOpenCalls bounds concurrent trial calls while half-open.
	// Defaults to half the volume threshold (minimum 1).
	MaxHalfOpenCalls int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:          5,
		RecoveryTimeout:           30 * time.Second,
		MonitoringPeriod:          60 * time.Second,
		ErrorPercentageThreshold:  50,
		VolumeThreshold:           10,
		SlowCallDurationThreshold: 0,
		SlowCallThreshold:         0,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("breaker: failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker: recovery timeout must be positive, got %s", c.RecoveryTimeout)
	}
	if c.MonitoringPeriod <= 0 {
		return fmt.Errorf("breaker: monitoring period must be positive, got %s", c.MonitoringPeriod)
	}
	if c.ErrorPercentageThreshold < 0 || c.ErrorPercentageThreshold > 100 {
		return fmt.Errorf("breaker: error percentage threshold must be in [0,100], got %g", c.ErrorPercentageThreshold)
	}
	if c.VolumeThreshold <= 0 {
		return fmt.Errorf("breaker: volume threshold must be positive, got %d", c.VolumeThreshold)
	}
	return nil
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name             string          `json:"name"`
	State            State           `json:"state"`
	Failures         int             `json:"failures"`
	ConsecutiveFails int             `json:"consecutiveFailures"`
	Successes        int             `json:"successes"`
	SlowCalls        int             `json:"slowCalls"`
	TotalCalls       int             `json:"totalCalls"`
	LastFailureTime  time.Time       `json:"lastFailureTime,omitempty"`
	LastStateChange  time.Time       `json:"lastStateChange"`
	RecentDurations  []time.Duration `json:"-"`
}

// Breaker guards a single named dependency. Counters are shared mutable
// state across concurrent invocations and are serialized by an internal
// mutex. State is a liveness signal, not a record: it is never persisted.
type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  Config

	state            State
	consecutiveFails int
	failures         int
	successes        int
	slowCalls        int
	totalCalls       int
	halfOpenInFlight int
	halfOpenSuccess  int
	windowStart      time.Time
	lastFailure      time.Time
	lastStateChange  time.Time

	durations [ringSize]time.Duration
	durIdx    int
	durCount  int

	clock  clock
	logger zerolog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets a custom time source for tests.
func WithClock(c clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// New creates a circuit breaker for the named dependency.
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxHalfOpenCalls <= 0 {
		cfg.MaxHalfOpenCalls = cfg.VolumeThreshold / 2
		if cfg.MaxHalfOpenCalls < 1 {
			cfg.MaxHalfOpenCalls = 1
		}
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		clock:  realClock{},
		logger: log.WithComponent("breaker").With().Str("breaker", name).Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.clock.Now()
	b.lastStateChange = b.windowStart

	metrics.SetCircuitBreakerState(b.name, string(b.state))
	return b, nil
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs op respecting the breaker state. Rejections while open are
// synchronous and cheap; operation errors propagate to the caller unchanged.
// The breaker never retries.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		metrics.RecordCircuitBreakerCall(b.name, "rejected", 0)
		return err
	}

	start := b.clock.Now()
	err, slow := b.run(ctx, op)
	elapsed := b.clock.Now().Sub(start)

	switch {
	case slow:
		b.recordSlowCall()
		metrics.RecordCircuitBreakerCall(b.name, "slow", elapsed)
	case err != nil:
		b.recordFailure()
		metrics.RecordCircuitBreakerCall(b.name, "failure", elapsed)
	default:
		b.recordSuccess(false)
		metrics.RecordCircuitBreakerCall(b.name, "success", elapsed)
	}
	b.recordDuration(elapsed)
	return err
}

// Do runs a value-returning operation through the breaker.
func Do[T any](b *Breaker, ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// run races op against the slow-call deadline. The loser is cancelled via
// context; a timed-out operation may still be in flight, so its eventual
// success is folded back into the success counter when it arrives.
func (b *Breaker) run(ctx context.Context, op func(context.Context) error) (error, bool) {
	threshold := b.cfg.SlowCallDurationThreshold
	if threshold <= 0 {
		return op(ctx), false
	}

	callCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	timer := time.NewTimer(threshold)
	defer timer.Stop()

	select {
	case err := <-done:
		cancel()
		return err, false
	case <-timer.C:
		cancel()
		// Drain the eventual result; a late success still counts as one.
		go func() {
			if err := <-done; err == nil {
				b.recordSuccess(true)
			}
		}()
		return fmt.Errorf("breaker %q: %w after %s", b.name, ErrSlowCall, threshold), true
	}
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotateWindowLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Now().Sub(b.lastStateChange) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.halfOpenInFlight = 1
			return nil
		}
		return &OpenError{Name: b.name}
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.MaxHalfOpenCalls {
			return &OpenError{Name: b.name}
		}
		b.halfOpenInFlight++
		return nil
	default:
		b.transitionLocked(StateClosed)
		return nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotateWindowLocked()
	b.totalCalls++
	b.failures++
	b.consecutiveFails++
	b.lastFailure = b.clock.Now()

	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		metrics.RecordCircuitBreakerTrip(b.name, "half_open_failure")
		b.transitionLocked(StateOpen)
		return
	}
	b.evaluateTripLocked()
}

func (b *Breaker) recordSlowCall() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotateWindowLocked()
	b.totalCalls++
	b.slowCalls++
	b.consecutiveFails++
	b.lastFailure = b.clock.Now()

	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		metrics.RecordCircuitBreakerTrip(b.name, "half_open_slow_call")
		b.transitionLocked(StateOpen)
		return
	}
	b.evaluateTripLocked()
}

// recordSuccess folds a successful call into the counters. Late successes
// from timed-out operations only adjust the success tally; the call itself
// was already accounted for as slow.
func (b *Breaker) recordSuccess(late bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotateWindowLocked()
	b.successes++
	if late {
		return
	}
	b.totalCalls++
	b.consecutiveFails = 0

	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		b.halfOpenSuccess++
		required := b.cfg.VolumeThreshold / 2
		if required < 1 {
			required = 1
		}
		if b.halfOpenSuccess >= required {
			b.transitionLocked(StateClosed)
		}
	}
}

// evaluateTripLocked trips the breaker when the windowed counters cross any
// configured threshold. Caller must hold the mutex.
func (b *Breaker) evaluateTripLocked() {
	if b.state != StateClosed || b.totalCalls < b.cfg.VolumeThreshold {
		return
	}

	if b.consecutiveFails >= b.cfg.FailureThreshold {
		metrics.RecordCircuitBreakerTrip(b.name, "failure_threshold")
		b.transitionLocked(StateOpen)
		return
	}

	if b.cfg.ErrorPercentageThreshold > 0 {
		pct := float64(b.failures+b.slowCalls) / float64(b.totalCalls) * 100
		if pct >= b.cfg.ErrorPercentageThreshold {
			metrics.RecordCircuitBreakerTrip(b.name, "error_percentage")
			b.transitionLocked(StateOpen)
			return
		}
	}

	if b.cfg.SlowCallThreshold > 0 && b.slowCalls >= b.cfg.SlowCallThreshold {
		metrics.RecordCircuitBreakerTrip(b.name, "slow_calls")
		b.transitionLocked(StateOpen)
	}
}

// rotateWindowLocked resets the windowed counters once the monitoring
// period has elapsed. Only applies while closed; open and half-open states
// manage their own counters.
func (b *Breaker) rotateWindowLocked() {
	if b.state != StateClosed {
		return
	}
	now := b.clock.Now()
	if now.Sub(b.windowStart) >= b.cfg.MonitoringPeriod {
		b.failures = 0
		b.successes = 0
		b.slowCalls = 0
		b.totalCalls = 0
		b.windowStart = now
	}
}

func (b *Breaker) recordDuration(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.durations[b.durIdx] = d
	b.durIdx = (b.durIdx + 1) % ringSize
	if b.durCount < ringSize {
		b.durCount++
	}
}

// transitionLocked handles state transitions. Caller must hold the mutex.
func (b *Breaker) transitionLocked(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	b.lastStateChange = b.clock.Now()

	switch newState {
	case StateClosed:
		b.consecutiveFails = 0
		b.failures = 0
		b.successes = 0
		b.slowCalls = 0
		b.totalCalls = 0
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 0
		b.windowStart = b.lastStateChange
	case StateHalfOpen:
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 0
	case StateOpen:
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 0
	}

	b.logger.Info().
		Str("old_state", string(old)).
		Str("new_state", string(newState)).
		Msg("circuit breaker state change")
	metrics.SetCircuitBreakerState(b.name, string(newState))
}

// ForceState is an operational override for testing and manual recovery.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(s)
}

// Reset returns the breaker to closed with all counters cleared.
func (b *Breaker) Reset() {
	b.ForceState(StateClosed)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	recent := make([]time.Duration, 0, b.durCount)
	for i := 0; i < b.durCount; i++ {
		recent = append(recent, b.durations[(b.durIdx-b.durCount+i+ringSize)%ringSize])
	}

	return Stats{
		Name:             b.name,
		State:            b.state,
		Failures:         b.failures,
		ConsecutiveFails: b.consecutiveFails,
		Successes:        b.successes,
		SlowCalls:        b.slowCalls,
		TotalCalls:       b.totalCalls,
		LastFailureTime:  b.lastFailure,
		LastStateChange:  b.lastStateChange,
		RecentDurations:  recent,
	}
}
