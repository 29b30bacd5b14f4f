// Package breaker implements the per-target circuit breaker state
// machine: Closed, Open, and HalfOpen, with recovery gated by a fixed
// timeout since the last failure and bounded half-open trial traffic.
//
// The struct shape — a named circuit guarded by its own mutex, holding a
// config and a set of counters — follows the fault-tolerance manager's
// Circuit/CircuitBreaker split, generalized to the state machine this
// system requires (success-threshold-gated half-open close, half-open
// concurrency limiting, excluded error kinds).
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resilienceerrors"
	"github.com/khryptorgraphics/hsi-resilience-core/pkg/resiliencetypes"
)

// Config configures one breaker's thresholds and timing.
type Config struct {
	FailureThreshold  int
	SuccessThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxCalls  int
	ExcludedErrorKinds map[resilienceerrors.Kind]bool
}

// DefaultConfig returns the conservative defaults used when a caller
// registers a breaker without its own config.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Snapshot is a consistent, immutable copy of a breaker's counters and
// state at one instant, safe to read without holding the breaker's lock.
type Snapshot struct {
	Name              string
	State             resiliencetypes.CallState
	FailureCount      int
	SuccessCount      int
	HalfOpenInFlight  int
	TotalCalls        int64
	RejectedCalls     int64
	LastFailureAt     time.Time
	LastTransitionAt  time.Time
}

// Breaker is a single named circuit breaker. All mutators serialize
// through mu; Snapshot returns a copy so callers never observe a
// torn read.
type Breaker struct {
	name   string
	config Config

	mu               sync.Mutex
	state            resiliencetypes.CallState
	failureCount     int
	successCount     int
	halfOpenInFlight int
	totalCalls       int64
	rejectedCalls    int64
	lastFailureAt    time.Time
	lastTransitionAt time.Time

	logger *slog.Logger
}

// New constructs a breaker starting Closed.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	return &Breaker{
		name:             name,
		config:           config,
		state:            resiliencetypes.StateClosed,
		lastTransitionAt: time.Now(),
		logger:           slog.Default().With("circuit_breaker", name),
	}
}

func (b *Breaker) Name() string { return b.name }

// Config returns the breaker's configuration.
func (b *Breaker) Config() Config { return b.config }

// transitionLocked changes state and resets the counters the new state
// owns. Caller must hold mu.
func (b *Breaker) transitionLocked(newState resiliencetypes.CallState) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	b.lastTransitionAt = time.Now()

	switch newState {
	case resiliencetypes.StateHalfOpen:
		b.halfOpenInFlight = 0
		b.successCount = 0
	case resiliencetypes.StateClosed:
		b.failureCount = 0
		b.successCount = 0
	}

	b.logger.Info("state changed",
		"old_state", string(old),
		"new_state", string(newState),
		"failure_count", b.failureCount,
	)
}

func (b *Breaker) shouldTransitionToHalfOpenLocked() bool {
	if b.state != resiliencetypes.StateOpen {
		return false
	}
	if b.lastFailureAt.IsZero() {
		return true
	}
	return time.Since(b.lastFailureAt) >= b.config.RecoveryTimeout
}

// allowLocked implements the admission rule in section 4.A: transitions
// are evaluated before admission, then admission is evaluated against the
// (possibly just-updated) state.
func (b *Breaker) allowLocked() bool {
	switch b.state {
	case resiliencetypes.StateClosed:
		return true
	case resiliencetypes.StateOpen:
		if b.shouldTransitionToHalfOpenLocked() {
			b.transitionLocked(resiliencetypes.StateHalfOpen)
			return true
		}
		return false
	case resiliencetypes.StateHalfOpen:
		return b.halfOpenInFlight < b.config.HalfOpenMaxCalls
	default:
		return false
	}
}

// Allow reports whether a call may proceed right now, performing the
// Open->HalfOpen transition as a side effect if the recovery timeout has
// elapsed. It does not reserve half-open capacity; use Call for that.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) recordSuccessLocked() {
	switch b.state {
	case resiliencetypes.StateClosed:
		b.failureCount = 0
	case resiliencetypes.StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transitionLocked(resiliencetypes.StateClosed)
		}
	}
}

// RecordSuccess records a successful call outside of Call's bookkeeping,
// for callers that manage admission themselves.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordSuccessLocked()
	if b.state == resiliencetypes.StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

func (b *Breaker) recordFailureLocked() {
	b.failureCount++
	b.lastFailureAt = time.Now()

	switch b.state {
	case resiliencetypes.StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionLocked(resiliencetypes.StateOpen)
		}
	case resiliencetypes.StateHalfOpen:
		b.transitionLocked(resiliencetypes.StateOpen)
	}
}

// RecordFailure records a failed call outside of Call's bookkeeping.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordFailureLocked()
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// Op is the operation a breaker guards. ctx carries cancellation only;
// the breaker adds no timeout of its own.
type Op func(ctx context.Context) error

// Call executes op under breaker protection. Errors whose Kind is in the
// config's ExcludedErrorKinds (client-side 4xx-equivalent failures) are
// returned to the caller but never counted against the breaker and never
// move its state.
func (b *Breaker) Call(ctx context.Context, op Op) error {
	b.mu.Lock()
	b.totalCalls++
	if !b.allowLocked() {
		b.rejectedCalls++
		state := b.state
		b.mu.Unlock()
		return resilienceerrors.BreakerRejected(b.name, state)
	}
	if b.state == resiliencetypes.StateHalfOpen {
		b.halfOpenInFlight++
	}
	b.mu.Unlock()

	err := op(ctx)

	if err != nil && resilienceerrors.IsExcluded(err, b.config.ExcludedErrorKinds) {
		b.mu.Lock()
		if b.state == resiliencetypes.StateHalfOpen && b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	if err != nil {
		b.recordFailureLocked()
	} else {
		b.recordSuccessLocked()
	}
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.mu.Unlock()

	return err
}

// ForceOpen trips the breaker immediately, e.g. for planned maintenance.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(resiliencetypes.StateOpen)
	b.lastFailureAt = time.Now()
	b.logger.Warn("force opened")
}

// Reset returns the breaker to Closed with zeroed counters. Total/rejected
// call counts are preserved since they are lifetime metrics, not state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = resiliencetypes.StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	b.lastTransitionAt = time.Now()
	b.logger.Info("manually reset")
}

// State returns the current state without the overhead of a full Snapshot.
func (b *Breaker) State() resiliencetypes.CallState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure counter.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Snapshot returns a consistent copy of the breaker's metrics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		HalfOpenInFlight: b.halfOpenInFlight,
		TotalCalls:       b.totalCalls,
		RejectedCalls:    b.rejectedCalls,
		LastFailureAt:    b.lastFailureAt,
		LastTransitionAt: b.lastTransitionAt,
	}
}

// ErrorRate returns min((failures+rejected)/total, 1), or (0, false) if no
// calls have been recorded yet — grounded on
// backend/api/routes/health_ai_services.py's _calculate_error_rate.
func (s Snapshot) ErrorRate() (float64, bool) {
	if s.TotalCalls == 0 {
		return 0, false
	}
	rate := float64(int64(s.FailureCount)+s.RejectedCalls) / float64(s.TotalCalls)
	if rate > 1 {
		rate = 1
	}
	return rate, true
}
