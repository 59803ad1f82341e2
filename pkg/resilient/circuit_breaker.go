package resilient

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breaker wraps a sony/gobreaker.CircuitBreaker with extra lifecycle
// metrics (lastSuccessTime/lastFailureTime/openedAt) that gobreaker's own
// Counts struct does not track.
type breaker struct {
	name   string
	cfg    BreakerConfig
	onOpen func(name string)

	mu        sync.Mutex
	cb        *gobreaker.CircuitBreaker
	metrics   BreakerMetrics
	lastState gobreaker.State
}

// newBreaker builds a breaker whose ReadyToTrip/MaxRequests/Timeout map
// directly onto a consecutive-failure / half-open / timeout state
// machine per task type.
func newBreaker(name string, cfg BreakerConfig, onOpen func(name string)) *breaker {
	b := &breaker{name: name, cfg: cfg, onOpen: onOpen}
	b.cb = b.buildCircuitBreaker()
	return b
}

func (b *breaker) buildCircuitBreaker() *gobreaker.CircuitBreaker {
	cfg := b.cfg
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.metrics.OpenedAt = time.Now()
			}
			b.lastState = to
			b.mu.Unlock()
			if to == gobreaker.StateOpen && b.onOpen != nil {
				b.onOpen(name)
			}
		},
	})
}

// State returns the breaker's current lifecycle state.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	switch cb.State() {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// canExecute reports whether a new attempt may proceed. Calling it when
// the breaker is open and its timeout has elapsed transitions gobreaker to
// half-open as a side effect of the underlying state check: the check
// itself may advance the state machine.
func (b *breaker) canExecute() bool {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	return cb.State() != gobreaker.StateOpen
}

// recordOutcome feeds the breaker's trip decision and updates its extra
// metrics fields. It must be called through gobreaker's Execute-style
// accounting, so executor.go drives the breaker via runThrough rather
// than calling this directly outside it.
func (b *breaker) recordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.TotalRequests++
	if success {
		b.metrics.SuccessfulRequests++
		b.metrics.LastSuccessTime = time.Now()
	} else {
		b.metrics.FailedRequests++
		b.metrics.LastFailureTime = time.Now()
	}
}

// metricsSnapshot returns a copy of the breaker's metrics.
func (b *breaker) metricsSnapshot() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// runThrough executes fn via gobreaker's accounting so ConsecutiveFailures
// / ConsecutiveSuccesses drive ReadyToTrip and half-open promotion
// correctly, then layers the breaker's own metrics on top.
func (b *breaker) runThrough(fn func() (bool, error)) (bool, error) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	result, err := cb.Execute(func() (interface{}, error) {
		success, innerErr := fn()
		if !success {
			if innerErr == nil {
				innerErr = errBreakerObservedFailure
			}
			return success, innerErr
		}
		return success, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		// fn never ran: the breaker itself refused the call, so this is
		// not an observed task failure and must not skew metrics or
		// ReadyToTrip.
		return false, err
	}
	success, _ := result.(bool)
	b.recordOutcome(success && err == nil)
	return success, err
}

// reset clears the breaker back to closed with zeroed counters. gobreaker
// exposes no public reset, so this rebuilds the underlying
// CircuitBreaker from the same settings.
func (b *breaker) reset() {
	b.mu.Lock()
	b.cb = b.buildCircuitBreaker()
	b.metrics = BreakerMetrics{}
	b.mu.Unlock()
}

var errBreakerObservedFailure = breakerObservedFailure{}

type breakerObservedFailure struct{}

func (breakerObservedFailure) Error() string { return "task attempt failed" }
