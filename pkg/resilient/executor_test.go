package resilient

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/sudocode-ai/taskforge/pkg/engine"
)

// fakeEngine is a minimal Engine stand-in driven by a per-task-id result
// function, so retry/breaker behavior can be tested without a real
// Process Manager.
type fakeEngine struct {
	mu      sync.Mutex
	calls   map[string]int
	resultFn func(task engine.ExecutionTask, attempt int) engine.ExecutionResult
}

func newFakeEngine(fn func(task engine.ExecutionTask, attempt int) engine.ExecutionResult) *fakeEngine {
	return &fakeEngine{calls: make(map[string]int), resultFn: fn}
}

func (f *fakeEngine) SubmitTask(task engine.ExecutionTask) (string, error) {
	return task.ID, nil
}

func (f *fakeEngine) WaitForTask(taskID string) (engine.ExecutionResult, error) {
	f.mu.Lock()
	f.calls[taskID]++
	attempt := f.calls[taskID]
	f.mu.Unlock()
	return f.resultFn(engine.ExecutionTask{ID: taskID}, attempt), nil
}

func TestExecuteTaskSucceedsWithoutRetry(t *testing.T) {
	eng := newFakeEngine(func(task engine.ExecutionTask, attempt int) engine.ExecutionResult {
		return engine.ExecutionResult{Success: true}
	})
	x := New(eng, RetryPolicy{MaxAttempts: 3, Backoff: Backoff{Type: BackoffFixed, BaseDelay: time.Millisecond}}, DefaultBreakerConfig())

	result := x.ExecuteTask(engine.ExecutionTask{ID: "t1", Type: "custom"}, nil)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TotalAttempts)
}

func TestExecuteTaskRetriesRetryableFailures(t *testing.T) {
	eng := newFakeEngine(func(task engine.ExecutionTask, attempt int) engine.ExecutionResult {
		if attempt < 3 {
			return engine.ExecutionResult{Success: false, Error: errors.New("transient timeout")}
		}
		return engine.ExecutionResult{Success: true}
	})
	policy := RetryPolicy{
		MaxAttempts:              5,
		Backoff:                  Backoff{Type: BackoffFixed, BaseDelay: time.Millisecond},
		RetryableErrorSubstrings: []string{"timeout"},
	}
	x := New(eng, policy, DefaultBreakerConfig())

	result := x.ExecuteTask(engine.ExecutionTask{ID: "t2", Type: "custom"}, nil)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.TotalAttempts)
}

func TestExecuteTaskStopsOnNonRetryableFailure(t *testing.T) {
	eng := newFakeEngine(func(task engine.ExecutionTask, attempt int) engine.ExecutionResult {
		return engine.ExecutionResult{Success: false, Error: errors.New("permanent denied")}
	})
	policy := RetryPolicy{
		MaxAttempts:              5,
		Backoff:                  Backoff{Type: BackoffFixed, BaseDelay: time.Millisecond},
		RetryableErrorSubstrings: []string{"timeout"},
	}
	x := New(eng, policy, DefaultBreakerConfig())

	result := x.ExecuteTask(engine.ExecutionTask{ID: "t3", Type: "custom"}, nil)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.TotalAttempts)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	eng := newFakeEngine(func(task engine.ExecutionTask, attempt int) engine.ExecutionResult {
		return engine.ExecutionResult{Success: false, Error: errors.New("boom")}
	})
	breakerCfg := BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}
	x := New(eng, RetryPolicy{MaxAttempts: 1, Backoff: Backoff{Type: BackoffFixed, BaseDelay: time.Millisecond}}, breakerCfg)

	var opened int32
	x.OnCircuitOpen(func(name string) { atomic.AddInt32(&opened, 1) })

	for i := 0; i < 2; i++ {
		x.ExecuteTask(engine.ExecutionTask{ID: "a" + string(rune('0'+i)), Type: "flaky"}, nil)
	}

	result := x.ExecuteTask(engine.ExecutionTask{ID: "blocked", Type: "flaky"}, nil)
	assert.True(t, result.CircuitBreakerTriggered)
	assert.False(t, result.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&opened))

	view, ok := x.GetCircuitBreaker("flaky")
	assert.True(t, ok)
	assert.Equal(t, BreakerOpen, view.State)
}

func TestResetCircuitBreakerClearsState(t *testing.T) {
	eng := newFakeEngine(func(task engine.ExecutionTask, attempt int) engine.ExecutionResult {
		return engine.ExecutionResult{Success: false, Error: errors.New("boom")}
	})
	breakerCfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour}
	x := New(eng, RetryPolicy{MaxAttempts: 1, Backoff: Backoff{Type: BackoffFixed, BaseDelay: time.Millisecond}}, breakerCfg)

	x.ExecuteTask(engine.ExecutionTask{ID: "t", Type: "flaky"}, nil)
	view, _ := x.GetCircuitBreaker("flaky")
	assert.Equal(t, BreakerOpen, view.State)

	x.ResetCircuitBreaker("flaky")
	view, _ = x.GetCircuitBreaker("flaky")
	assert.Equal(t, BreakerClosed, view.State)
}

func TestBackoffFormulas(t *testing.T) {
	fixed := computeDelay(Backoff{Type: BackoffFixed, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 3)
	assert.Equal(t, 100*time.Millisecond, fixed)

	linear := computeDelay(Backoff{Type: BackoffLinear, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 3)
	assert.Equal(t, 300*time.Millisecond, linear)

	exp := computeDelay(Backoff{Type: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 3)
	assert.Equal(t, 400*time.Millisecond, exp)

	capped := computeDelay(Backoff{Type: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}, 5)
	assert.Equal(t, 250*time.Millisecond, capped)
}
