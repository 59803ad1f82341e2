package resilient

import (
	"sync"
	"time"

	"github.com/sudocode-ai/taskforge/internal/logging"
	"github.com/sudocode-ai/taskforge/pkg/engine"
)

var log = logging.For("resilient")

// Engine is the subset of *engine.Engine the executor depends on, so tests
// can substitute a fake.
type Engine interface {
	SubmitTask(task engine.ExecutionTask) (string, error)
	WaitForTask(taskID string) (engine.ExecutionResult, error)
}

// Executor is the Resilient Executor: it wraps an Engine with retry
// backoff and a circuit breaker per task-type name.
type Executor struct {
	eng           Engine
	defaultPolicy RetryPolicy
	breakerCfg    BreakerConfig

	mu       sync.Mutex
	breakers map[string]*breaker

	retryTotal      int
	retrySuccessful int
	retryFailed     int
	attemptsToSuccessSum int
	successCount         int

	onRetryAttempt []RetryAttemptHandler
	onCircuitOpen  []CircuitOpenHandler
}

// New constructs a Resilient Executor over eng.
func New(eng Engine, defaultPolicy RetryPolicy, breakerCfg BreakerConfig) *Executor {
	return &Executor{
		eng:           eng,
		defaultPolicy: defaultPolicy,
		breakerCfg:    breakerCfg,
		breakers:      make(map[string]*breaker),
	}
}

// ExecuteTask runs task through a task-type breaker and the given (or
// default) retry policy, returning the full attempt history.
func (x *Executor) ExecuteTask(task engine.ExecutionTask, policy *RetryPolicy) ResilientExecutionResult {
	p := x.defaultPolicy
	if policy != nil {
		p = *policy
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	b := x.getOrCreateBreaker(task.Type)

	result := ResilientExecutionResult{TaskID: task.ID}

	if !b.canExecute() {
		result.CircuitBreakerTriggered = true
		result.Success = false
		return result
	}

	bo := newBackOff(p.Backoff)

	for attemptNumber := 1; attemptNumber <= p.MaxAttempts; attemptNumber++ {
		if attemptNumber > 1 && !b.canExecute() {
			result.CircuitBreakerTriggered = true
			break
		}

		var innerResult engine.ExecutionResult
		b.runThrough(func() (bool, error) {
			innerResult = x.runOnce(task)
			return innerResult.Success, innerResult.Error
		})

		willRetry := !innerResult.Success &&
			attemptNumber < p.MaxAttempts &&
			isRetryable(p, innerResult.ExitCode, innerResult.Error)

		delay := time.Duration(0)
		if willRetry {
			delay = bo.NextBackOff()
		}

		attempt := ExecutionAttempt{
			AttemptNumber: attemptNumber,
			Result:        innerResult,
			WillRetry:     willRetry,
			NextDelay:     delay,
		}
		result.Attempts = append(result.Attempts, attempt)
		x.fireRetryAttempt(task.ID, attempt)

		if innerResult.Success {
			x.recordRetryOutcome(attemptNumber, true)
			break
		}
		if !willRetry {
			if attemptNumber > 1 {
				x.recordRetryOutcome(attemptNumber, false)
			}
			break
		}

		x.mu.Lock()
		x.retryTotal++
		x.mu.Unlock()
		time.Sleep(delay)
	}

	result.TotalAttempts = len(result.Attempts)
	if result.TotalAttempts > 0 {
		last := result.Attempts[result.TotalAttempts-1]
		result.Success = last.Result.Success
		result.ExitCode = last.Result.ExitCode
	}
	return result
}

// ExecuteTasks runs every task concurrently and returns results in the
// same order as the input.
func (x *Executor) ExecuteTasks(tasks []engine.ExecutionTask, policy *RetryPolicy) []ResilientExecutionResult {
	results := make([]ResilientExecutionResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task engine.ExecutionTask) {
			defer wg.Done()
			results[i] = x.ExecuteTask(task, policy)
		}(i, task)
	}
	wg.Wait()
	return results
}

// runOnce submits one attempt to the engine and waits for its result.
func (x *Executor) runOnce(task engine.ExecutionTask) engine.ExecutionResult {
	id, err := x.eng.SubmitTask(task)
	if err != nil {
		return engine.ExecutionResult{TaskID: task.ID, Success: false, Error: err}
	}
	result, err := x.eng.WaitForTask(task.ID)
	if err != nil {
		return engine.ExecutionResult{TaskID: task.ID, ExecutionID: id, Success: false, Error: err}
	}
	return result
}

// GetCircuitBreaker returns a snapshot view of a named breaker, or false
// if it has never been created (lazily, on first ExecuteTask for that
// type).
func (x *Executor) GetCircuitBreaker(name string) (CircuitBreakerView, bool) {
	x.mu.Lock()
	b, ok := x.breakers[name]
	x.mu.Unlock()
	if !ok {
		return CircuitBreakerView{}, false
	}
	return CircuitBreakerView{
		Name:    name,
		State:   b.State(),
		Config:  x.breakerCfg,
		Metrics: b.metricsSnapshot(),
	}, true
}

// CircuitBreakerView is a read-only snapshot of one breaker's state.
type CircuitBreakerView struct {
	Name    string
	State   BreakerState
	Config  BreakerConfig
	Metrics BreakerMetrics
}

// ResetCircuitBreaker clears a named breaker back to closed.
func (x *Executor) ResetCircuitBreaker(name string) {
	x.mu.Lock()
	b, ok := x.breakers[name]
	x.mu.Unlock()
	if ok {
		b.reset()
	}
}

// GetRetryMetrics returns aggregated retry counters across every
// ExecuteTask call.
func (x *Executor) GetRetryMetrics() RetryMetrics {
	x.mu.Lock()
	defer x.mu.Unlock()
	avg := 0.0
	if x.successCount > 0 {
		avg = float64(x.attemptsToSuccessSum) / float64(x.successCount)
	}
	return RetryMetrics{
		TotalRetries:             x.retryTotal,
		SuccessfulRetries:        x.retrySuccessful,
		FailedRetries:            x.retryFailed,
		AverageAttemptsToSuccess: avg,
	}
}

// OnRetryAttempt and OnCircuitOpen subscribe to executor events.
func (x *Executor) OnRetryAttempt(h RetryAttemptHandler) {
	x.mu.Lock()
	x.onRetryAttempt = append(x.onRetryAttempt, h)
	x.mu.Unlock()
}

func (x *Executor) OnCircuitOpen(h CircuitOpenHandler) {
	x.mu.Lock()
	x.onCircuitOpen = append(x.onCircuitOpen, h)
	x.mu.Unlock()
}

func (x *Executor) getOrCreateBreaker(taskType string) *breaker {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.breakers[taskType]
	if !ok {
		b = newBreaker(taskType, x.breakerCfg, x.fireCircuitOpen)
		x.breakers[taskType] = b
	}
	return b
}

func (x *Executor) recordRetryOutcome(attemptNumber int, success bool) {
	if attemptNumber <= 1 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if success {
		x.retrySuccessful++
		x.attemptsToSuccessSum += attemptNumber
		x.successCount++
	} else {
		x.retryFailed++
	}
}

func (x *Executor) fireRetryAttempt(taskID string, attempt ExecutionAttempt) {
	x.mu.Lock()
	handlers := append([]RetryAttemptHandler(nil), x.onRetryAttempt...)
	x.mu.Unlock()
	for _, h := range handlers {
		safeFireAttempt(h, taskID, attempt)
	}
}

func safeFireAttempt(h RetryAttemptHandler, taskID string, attempt ExecutionAttempt) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task_id", taskID).Errorf("retry handler panicked: %v", r)
		}
	}()
	h(taskID, attempt)
}

func (x *Executor) fireCircuitOpen(name string) {
	x.mu.Lock()
	handlers := append([]CircuitOpenHandler(nil), x.onCircuitOpen...)
	x.mu.Unlock()
	for _, h := range handlers {
		safeFireOpen(h, name)
	}
}

func safeFireOpen(h CircuitOpenHandler, name string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("circuit-open handler panicked: %v", r)
		}
	}()
	h(name)
}
