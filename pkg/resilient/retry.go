package resilient

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds a cenkalti/backoff/v4 BackOff whose NextBackOff()
// implements the configured fixed/linear/exponential formula, capped at
// MaxDelay and optionally jittered uniformly into [0.5, 1.0) of the
// computed value.
func newBackOff(cfg Backoff) backoff.BackOff {
	return &policyBackOff{cfg: cfg}
}

// policyBackOff computes attempt delays from an exact b·2^(n-1) formula
// rather than cenkalti/backoff's own exponential curve, since callers need
// a precise, reproducible delay sequence; it still satisfies
// backoff.BackOff so it composes with the rest of the package's
// retry/backoff vocabulary.
type policyBackOff struct {
	cfg Backoff
	n   int
}

func (s *policyBackOff) Reset() { s.n = 0 }

func (s *policyBackOff) NextBackOff() time.Duration {
	s.n++
	return computeDelay(s.cfg, s.n)
}

// computeDelay implements the uncapped formula table, clamps to
// [0, maxDelay], and applies jitter if configured.
func computeDelay(cfg Backoff, attemptNumber int) time.Duration {
	var d time.Duration
	switch cfg.Type {
	case BackoffLinear:
		d = cfg.BaseDelay * time.Duration(attemptNumber)
	case BackoffExponential:
		multiplier := math.Pow(2, float64(attemptNumber-1))
		d = time.Duration(float64(cfg.BaseDelay) * multiplier)
	default:
		d = cfg.BaseDelay
	}

	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	if cfg.Jitter {
		factor := 0.5 + rand.Float64()*0.5
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// isRetryable reports whether a failed result should be retried: true when
// the exit code is in RetryableExitCodes, or the error text contains one
// of RetryableErrorSubstrings.
func isRetryable(policy RetryPolicy, exitCode int, err error) bool {
	for _, code := range policy.RetryableExitCodes {
		if code == exitCode {
			return true
		}
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, substr := range policy.RetryableErrorSubstrings {
		if substr != "" && strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
