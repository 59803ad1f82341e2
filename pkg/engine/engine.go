package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	tferrors "github.com/sudocode-ai/taskforge/internal/errors"
	"github.com/sudocode-ai/taskforge/internal/logging"
)

var log = logging.For("engine")

// Config tunes the Engine's admission policy.
type Config struct {
	MaxConcurrent int
}

// Engine is the Execution Engine: it owns task state and the runnable
// queue, and is the only component that may mutate either.
type Engine struct {
	cfg     Config
	runTask RunTaskFunc

	mu       sync.Mutex
	tasks    map[string]*entry
	queue    *runnableQueue
	running  map[string]*entry
	shutdown bool

	totalCompleted   int
	totalFailed      int
	totalDurationSum time.Duration
	totalDurationObs int

	onComplete []CompletionHandler
	onFailed   []CompletionHandler
}

// New constructs an Execution Engine. runTask is the single callback the
// engine delegates actual work to.
func New(cfg Config, runTask RunTaskFunc) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Engine{
		cfg:     cfg,
		runTask: runTask,
		tasks:   make(map[string]*entry),
		queue:   newRunnableQueue(),
		running: make(map[string]*entry),
	}
}

// SubmitTask enqueues a task and returns a stable execution id. May
// trigger immediate dispatch if admission conditions are met.
func (e *Engine) SubmitTask(task ExecutionTask) (string, error) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return "", tferrors.ErrShutdown
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if _, exists := e.tasks[task.ID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("submit task %s: %w", task.ID, tferrors.ErrAlreadyExists)
	}

	execID := uuid.NewString()
	en := &entry{
		task:   task,
		status: TaskStatus{TaskID: task.ID, State: StateQueued},
		execID: execID,
	}
	e.tasks[task.ID] = en
	e.queue.push(en)
	e.mu.Unlock()

	e.dispatch()
	return execID, nil
}

// SubmitTasks submits each task in order, preserving relative priority
// via creation-time tie-breaking.
func (e *Engine) SubmitTasks(tasks []ExecutionTask) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, err := e.SubmitTask(t)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CancelTask marks a queued task cancelled directly, or requests
// termination for a running one (it is marked cancelled once the
// underlying work exits).
func (e *Engine) CancelTask(taskID string) error {
	e.mu.Lock()
	en, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("cancel task %s: %w", taskID, tferrors.ErrNotFound)
	}
	switch en.status.State {
	case StateQueued:
		en.status.State = StateCancelled
		en.status.CompletedAt = time.Now()
		e.removeFromQueue(taskID)
		e.mu.Unlock()
		e.dispatch()
		return nil
	case StateRunning:
		// The runTask callback owns actual interruption (e.g. via the
		// Process Manager); the engine only marks intent here and
		// finalizes to cancelled when the callback returns.
		en.status.Error = "cancellation requested"
		e.mu.Unlock()
		return nil
	default:
		e.mu.Unlock()
		return nil
	}
}

// removeFromQueue rebuilds the heap without taskID. Called with e.mu held.
func (e *Engine) removeFromQueue(taskID string) {
	remaining := make([]*entry, 0, e.queue.Len())
	for e.queue.Len() > 0 {
		item := e.queue.popNext()
		if item.task.ID != taskID {
			remaining = append(remaining, item)
		}
	}
	for _, item := range remaining {
		e.queue.push(item)
	}
}

// GetTaskStatus returns a copy of a task's current status, or false if
// unknown.
func (e *Engine) GetTaskStatus(taskID string) (TaskStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.tasks[taskID]
	if !ok {
		return TaskStatus{}, false
	}
	return en.status, true
}

// WaitForTask blocks until a task reaches a terminal state, polling at a
// short interval; callers needing push semantics should use
// OnTaskComplete/OnTaskFailed instead.
func (e *Engine) WaitForTask(taskID string) (ExecutionResult, error) {
	for {
		e.mu.Lock()
		en, ok := e.tasks[taskID]
		if !ok {
			e.mu.Unlock()
			return ExecutionResult{}, fmt.Errorf("wait for task %s: %w", taskID, tferrors.ErrNotFound)
		}
		state := en.status.State
		if isTerminal(state) {
			result := terminalResult(en)
			e.mu.Unlock()
			return result, nil
		}
		e.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
}

// WaitForTasks waits for every id, returning results in the same order.
func (e *Engine) WaitForTasks(taskIDs []string) ([]ExecutionResult, error) {
	results := make([]ExecutionResult, len(taskIDs))
	for i, id := range taskIDs {
		r, err := e.WaitForTask(id)
		if err != nil {
			return results, err
		}
		results[i] = r
	}
	return results, nil
}

// OnTaskComplete and OnTaskFailed register handlers invoked exactly once
// per task, in registration order, off the scheduling path.
func (e *Engine) OnTaskComplete(h CompletionHandler) {
	e.mu.Lock()
	e.onComplete = append(e.onComplete, h)
	e.mu.Unlock()
}

func (e *Engine) OnTaskFailed(h FailureHandler) {
	e.mu.Lock()
	e.onFailed = append(e.onFailed, CompletionHandler(h))
	e.mu.Unlock()
}

// GetMetrics returns a snapshot of engine throughput.
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	queued := 0
	for _, en := range e.tasks {
		if en.status.State == StateQueued {
			queued++
		}
	}
	avg := 0.0
	if e.totalDurationObs > 0 {
		avg = float64(e.totalDurationSum.Milliseconds()) / float64(e.totalDurationObs)
	}
	total := e.totalCompleted + e.totalFailed
	successRate := 0.0
	if total > 0 {
		successRate = float64(e.totalCompleted) / float64(total)
	}
	return Metrics{
		MaxConcurrent:     e.cfg.MaxConcurrent,
		CurrentlyRunning:  len(e.running),
		AvailableSlots:    e.cfg.MaxConcurrent - len(e.running),
		QueuedTasks:       queued,
		CompletedTasks:    e.totalCompleted,
		FailedTasks:       e.totalFailed,
		AverageDurationMS: avg,
		SuccessRate:       successRate,
		Throughput:        avg,
	}
}

// Shutdown stops accepting new tasks, cancels everything queued, and lets
// running tasks finish via their own runTask callback (which is
// responsible for honoring cancellation through the Process Manager).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	for e.queue.Len() > 0 {
		en := e.queue.popNext()
		en.status.State = StateCancelled
		en.status.CompletedAt = time.Now()
	}
	e.mu.Unlock()
	log.Info("execution engine shut down")
}

// dispatch admits as many runnable tasks as the concurrency cap allows.
// Re-entrant: called after every submission, completion, and cancel so
// that unblocked dependents are admitted promptly.
func (e *Engine) dispatch() {
	for {
		e.mu.Lock()
		if e.shutdown {
			e.mu.Unlock()
			return
		}
		if len(e.running) >= e.cfg.MaxConcurrent {
			e.mu.Unlock()
			return
		}

		en := e.nextRunnable()
		if en == nil {
			e.mu.Unlock()
			return
		}

		en.status.State = StateRunning
		en.status.StartedAt = time.Now()
		en.status.Attempt++
		e.running[en.task.ID] = en
		e.mu.Unlock()

		go e.execute(en)
	}
}

// nextRunnable scans the queue for the first entry whose dependencies are
// satisfied, propagating dependency-failure along the way. Entries kept
// queued (blocked or unresolved deps) are pushed back. Called with e.mu
// held.
func (e *Engine) nextRunnable() *entry {
	var deferred []*entry
	var chosen *entry

	for e.queue.Len() > 0 {
		en := e.queue.popNext()

		ready, failed := e.dependencyState(en.task)
		if failed {
			en.status.State = StateFailed
			en.status.Error = "dependency failure"
			en.status.CompletedAt = time.Now()
			e.totalFailed++
			result := terminalResult(en)
			go dispatchFailure(e, result)
			continue
		}
		if !ready {
			deferred = append(deferred, en)
			continue
		}
		chosen = en
		break
	}

	for _, en := range deferred {
		e.queue.push(en)
	}
	return chosen
}

// dependencyState reports whether task's dependencies are all completed
// (ready), or whether any has failed/cancelled (failed). An unresolved
// dependency id (unknown to the engine) is neither ready nor failed: the
// task stays queued indefinitely.
func (e *Engine) dependencyState(task ExecutionTask) (ready bool, failed bool) {
	if len(task.Dependencies) == 0 {
		return true, false
	}
	allCompleted := true
	for _, depID := range task.Dependencies {
		dep, ok := e.tasks[depID]
		if !ok {
			allCompleted = false
			continue
		}
		switch dep.status.State {
		case StateFailed, StateCancelled:
			return false, true
		case StateCompleted:
			// satisfied
		default:
			allCompleted = false
		}
	}
	return allCompleted, false
}

// execute runs one entry's task body outside the engine lock and
// finalizes its terminal state.
func (e *Engine) execute(en *entry) {
	result := e.invokeRunTask(en.task)
	result.ExecutionID = en.execID

	e.mu.Lock()
	delete(e.running, en.task.ID)
	en.status.CompletedAt = time.Now()

	cancelRequested := en.status.Error == "cancellation requested"
	switch {
	case cancelRequested:
		en.status.State = StateCancelled
	case result.Success:
		en.status.State = StateCompleted
		en.status.Error = ""
		e.totalCompleted++
	default:
		en.status.State = StateFailed
		if result.Error != nil {
			en.status.Error = result.Error.Error()
		}
		e.totalFailed++
	}
	e.totalDurationSum += result.Duration
	e.totalDurationObs++

	completeHandlers := append([]CompletionHandler(nil), e.onComplete...)
	failHandlers := append([]CompletionHandler(nil), e.onFailed...)
	succeeded := en.status.State == StateCompleted
	e.mu.Unlock()

	if succeeded {
		dispatchEvents(completeHandlers, result)
	} else if en.status.State == StateFailed {
		dispatchEvents(failHandlers, result)
	}

	e.dispatch()
}

// invokeRunTask isolates a panicking callback from crashing the engine's
// dispatch goroutine.
func (e *Engine) invokeRunTask(task ExecutionTask) (result ExecutionResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = ExecutionResult{
				TaskID:      task.ID,
				Success:     false,
				Error:       fmt.Errorf("task panicked: %v", r),
				StartedAt:   started,
				CompletedAt: time.Now(),
			}
			result.Duration = result.CompletedAt.Sub(result.StartedAt)
		}
	}()
	result = e.runTask(task)
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	if result.Duration == 0 {
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
	}
	result.TaskID = task.ID
	return result
}

// dispatchFailure fires failure handlers for a dependency-propagated
// failure, which never goes through execute().
func dispatchFailure(e *Engine, result ExecutionResult) {
	e.mu.Lock()
	handlers := append([]CompletionHandler(nil), e.onFailed...)
	e.mu.Unlock()
	dispatchEvents(handlers, result)
	e.dispatch()
}

func isTerminal(s TaskState) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func terminalResult(en *entry) ExecutionResult {
	return ExecutionResult{
		TaskID:      en.task.ID,
		ExecutionID: en.execID,
		Success:     en.status.State == StateCompleted,
		Error:       errFromStatus(en.status),
		StartedAt:   en.status.StartedAt,
		CompletedAt: en.status.CompletedAt,
		Duration:    en.status.CompletedAt.Sub(en.status.StartedAt),
	}
}

func errFromStatus(s TaskStatus) error {
	if s.Error == "" {
		return nil
	}
	return fmt.Errorf("%s", s.Error)
}
