// Package resilient implements the Resilient Executor: it wraps the
// Execution Engine with configurable retry backoff and a circuit breaker
// per task-type name.
package resilient

import (
	"time"

	"github.com/sudocode-ai/taskforge/pkg/engine"
)

// BackoffType selects the delay growth formula between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures the delay formula for a RetryPolicy.
type Backoff struct {
	Type       BackoffType
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// RetryPolicy governs how many attempts a task gets and which failures are
// worth retrying.
type RetryPolicy struct {
	MaxAttempts             int
	Backoff                 Backoff
	RetryableErrorSubstrings []string
	RetryableExitCodes       []int
}

// DefaultRetryPolicy mirrors the config defaults documented in
// internal/config.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: Backoff{
			Type:      BackoffExponential,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  30 * time.Second,
			Jitter:    true,
		},
	}
}

// ExecutionAttempt is one try at running a task.
type ExecutionAttempt struct {
	AttemptNumber int
	Result        engine.ExecutionResult
	WillRetry     bool
	NextDelay     time.Duration
}

// ResilientExecutionResult aggregates every attempt made for one task.
type ResilientExecutionResult struct {
	TaskID                 string
	Attempts               []ExecutionAttempt
	TotalAttempts          int
	Success                bool
	ExitCode               int
	CircuitBreakerTriggered bool
}

// BreakerState is the circuit breaker's lifecycle state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes one circuit breaker's trip/reset thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultBreakerConfig returns the defaults used when a task type's
// breaker is created lazily on first use.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// BreakerMetrics is a point-in-time snapshot of one breaker's counters.
type BreakerMetrics struct {
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	LastSuccessTime    time.Time
	LastFailureTime    time.Time
	OpenedAt           time.Time
}

// RetryMetrics aggregates retry behavior across every executeTask call.
type RetryMetrics struct {
	TotalRetries            int
	SuccessfulRetries       int
	FailedRetries           int
	AverageAttemptsToSuccess float64
}

// RetryAttemptHandler and CircuitOpenHandler subscribe to executor events.
type RetryAttemptHandler func(taskID string, attempt ExecutionAttempt)
type CircuitOpenHandler func(name string)
