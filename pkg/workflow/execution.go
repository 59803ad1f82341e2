package workflow

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	tferrors "github.com/sudocode-ai/taskforge/internal/errors"
	"github.com/sudocode-ai/taskforge/internal/logging"
	"github.com/sudocode-ai/taskforge/pkg/checkpoint"
	"github.com/sudocode-ai/taskforge/pkg/engine"
	"github.com/sudocode-ai/taskforge/pkg/resilient"
)

var log = logging.For("workflow")

// ResilientExecutor is the subset of *resilient.Executor the orchestrator
// depends on.
type ResilientExecutor interface {
	ExecuteTask(task engine.ExecutionTask, policy *resilient.RetryPolicy) resilient.ResilientExecutionResult
}

// Config tunes the Orchestrator.
type Config struct {
	CheckpointInterval int // steps between periodic checkpoint writes; 0 = none
	WaitTimeout        time.Duration
}

// run is the orchestrator's internal bookkeeping for one live execution.
type run struct {
	mu   sync.Mutex
	exec WorkflowExecution

	pauseRequested  bool
	cancelRequested bool

	done chan struct{} // closed once the execution reaches a terminal state
}

// Orchestrator is the Workflow Orchestrator: it owns every
// WorkflowExecution it starts and is the only component that may mutate
// one.
type Orchestrator struct {
	cfg      Config
	executor ResilientExecutor
	store    checkpoint.Store

	mu   sync.Mutex
	runs map[string]*run

	onStart    []WorkflowHandler
	onComplete []ResultHandler
	onFailed   []WorkflowHandler
	onResume   []WorkflowHandler
	onPause    []WorkflowHandler
	onCancel   []WorkflowHandler
	onStepStart    []StepHandler
	onStepComplete []StepHandler
	onStepFailed   []StepHandler
	onCheckpoint   []CheckpointHandler
}

// New constructs a Workflow Orchestrator.
func New(cfg Config, executor ResilientExecutor, store checkpoint.Store) *Orchestrator {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		cfg:      cfg,
		executor: executor,
		store:    store,
		runs:     make(map[string]*run),
	}
}

// StartWorkflow starts def asynchronously and returns immediately with a
// stable execution id.
func (o *Orchestrator) StartWorkflow(def WorkflowDefinition, workDir string, opts *StartOptions) (string, error) {
	if err := validateDefinition(def); err != nil {
		return "", err
	}

	executionID := ""
	if opts != nil && opts.ExecutionID != "" {
		executionID = opts.ExecutionID
	} else {
		executionID = uuid.NewString()
	}

	ctx := make(map[string]interface{}, len(def.InitialContext))
	for k, v := range def.InitialContext {
		ctx[k] = v
	}

	r := &run{
		exec: WorkflowExecution{
			ExecutionID: executionID,
			WorkflowID:  def.ID,
			Definition:  def,
			Status:      StatusRunning,
			Context:     ctx,
			StartedAt:   time.Now(),
			WorkDir:     workDir,
		},
		done: make(chan struct{}),
	}

	o.mu.Lock()
	o.runs[executionID] = r
	o.mu.Unlock()

	o.fireWorkflow(o.onStart, r.snapshot())
	go o.runLoop(r)

	return executionID, nil
}

// ResumeWorkflow restores the latest checkpoint for executionID and
// re-enters the execution loop at currentStepIndex.
func (o *Orchestrator) ResumeWorkflow(executionID string, opts *ResumeOptions) error {
	if o.store == nil {
		return fmt.Errorf("resume workflow %s: %w", executionID, tferrors.ErrCheckpointMissing)
	}
	cp, ok, err := o.store.LoadCheckpoint(noCtx(), executionID)
	if err != nil {
		return fmt.Errorf("resume workflow %s: %w", executionID, err)
	}
	if !ok {
		return fmt.Errorf("resume workflow %s: %w", executionID, tferrors.ErrCheckpointMissing)
	}

	def, ok := cp.Definition.(WorkflowDefinition)
	if !ok {
		def, err = decodeDefinition(cp.Definition)
		if err != nil {
			return fmt.Errorf("resume workflow %s: %w", executionID, err)
		}
	}

	stepResults := decodeStepResults(cp.StepResults)

	r := &run{
		exec: WorkflowExecution{
			ExecutionID:      executionID,
			WorkflowID:       cp.WorkflowID,
			Definition:       def,
			Status:           StatusRunning,
			CurrentStepIndex: cp.StepIndex,
			Context:          cp.Context,
			StepResults:      stepResults,
			StartedAt:        cp.StartedAt,
			ResumedAt:        time.Now(),
		},
		done: make(chan struct{}),
	}
	if r.exec.Context == nil {
		r.exec.Context = make(map[string]interface{})
	}

	o.mu.Lock()
	o.runs[executionID] = r
	o.mu.Unlock()

	o.fireWorkflow(o.onResume, r.snapshot())
	go o.runLoop(r)
	return nil
}

// PauseWorkflow is legal only while running; it signals the loop to
// checkpoint-and-pause at the next step boundary.
func (o *Orchestrator) PauseWorkflow(executionID string) error {
	r, err := o.getRun(executionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Status != StatusRunning {
		return fmt.Errorf("pause workflow %s: %w", executionID, tferrors.ErrInvalidTransition)
	}
	r.pauseRequested = true
	return nil
}

// CancelWorkflow is legal in any non-terminal state and idempotent.
func (o *Orchestrator) CancelWorkflow(executionID string) error {
	r, err := o.getRun(executionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if isTerminalStatus(r.exec.Status) {
		return nil
	}
	r.cancelRequested = true
	return nil
}

// GetExecution returns a copy of the current execution state.
func (o *Orchestrator) GetExecution(executionID string) (WorkflowExecution, error) {
	r, err := o.getRun(executionID)
	if err != nil {
		return WorkflowExecution{}, err
	}
	return r.snapshot(), nil
}

// GetStepStatus returns one step's status, result, and attempt count.
func (o *Orchestrator) GetStepStatus(executionID, stepID string) (StepResult, error) {
	exec, err := o.GetExecution(executionID)
	if err != nil {
		return StepResult{}, err
	}
	for i, step := range exec.Definition.Steps {
		if step.ID != stepID {
			continue
		}
		if i < len(exec.StepResults) {
			return exec.StepResults[i], nil
		}
		status := StepPending
		if i < exec.CurrentStepIndex {
			status = StepSkipped
		}
		return StepResult{StepID: stepID, Status: status}, nil
	}
	return StepResult{}, fmt.Errorf("get step status %s/%s: %w", executionID, stepID, tferrors.ErrNotFound)
}

// WaitForWorkflow blocks until executionID reaches a terminal state, or
// returns a timeout error after the configured bound.
func (o *Orchestrator) WaitForWorkflow(executionID string) (WorkflowExecution, error) {
	r, err := o.getRun(executionID)
	if err != nil {
		return WorkflowExecution{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-time.After(o.cfg.WaitTimeout):
		return WorkflowExecution{}, fmt.Errorf("wait for workflow %s: %w", executionID, tferrors.ErrTimeout)
	}
}

// ListCheckpoints proxies to the configured Store.
func (o *Orchestrator) ListCheckpoints(workflowID string) ([]checkpoint.WorkflowCheckpoint, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.ListCheckpoints(noCtx(), workflowID)
}

// Event registration, one method per lifecycle/step/checkpoint hook.
func (o *Orchestrator) OnWorkflowStart(h WorkflowHandler)    { o.mu.Lock(); o.onStart = append(o.onStart, h); o.mu.Unlock() }
func (o *Orchestrator) OnWorkflowComplete(h ResultHandler)   { o.mu.Lock(); o.onComplete = append(o.onComplete, h); o.mu.Unlock() }
func (o *Orchestrator) OnWorkflowFailed(h WorkflowHandler)   { o.mu.Lock(); o.onFailed = append(o.onFailed, h); o.mu.Unlock() }
func (o *Orchestrator) OnWorkflowResume(h WorkflowHandler)   { o.mu.Lock(); o.onResume = append(o.onResume, h); o.mu.Unlock() }
func (o *Orchestrator) OnWorkflowPause(h WorkflowHandler)    { o.mu.Lock(); o.onPause = append(o.onPause, h); o.mu.Unlock() }
func (o *Orchestrator) OnWorkflowCancel(h WorkflowHandler)   { o.mu.Lock(); o.onCancel = append(o.onCancel, h); o.mu.Unlock() }
func (o *Orchestrator) OnStepStart(h StepHandler)            { o.mu.Lock(); o.onStepStart = append(o.onStepStart, h); o.mu.Unlock() }
func (o *Orchestrator) OnStepComplete(h StepHandler)         { o.mu.Lock(); o.onStepComplete = append(o.onStepComplete, h); o.mu.Unlock() }
func (o *Orchestrator) OnStepFailed(h StepHandler)           { o.mu.Lock(); o.onStepFailed = append(o.onStepFailed, h); o.mu.Unlock() }
func (o *Orchestrator) OnCheckpoint(h CheckpointHandler)     { o.mu.Lock(); o.onCheckpoint = append(o.onCheckpoint, h); o.mu.Unlock() }

func (o *Orchestrator) getRun(executionID string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[executionID]
	if !ok {
		return nil, fmt.Errorf("workflow execution %s: %w", executionID, tferrors.ErrNotFound)
	}
	return r, nil
}

func (s *run) snapshot() WorkflowExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec := s.exec
	exec.Context = copyContext(s.exec.Context)
	exec.StepResults = append([]StepResult(nil), s.exec.StepResults...)
	return exec
}

// runLoop drives a single workflow execution from its current step
// through to completion, pause, or cancellation.
func (o *Orchestrator) runLoop(r *run) {
	def := r.exec.Definition
	steps := def.Steps

	for i := r.currentIndex(); i < len(steps); i++ {
		r.mu.Lock()
		pauseNow := r.pauseRequested
		cancelNow := r.cancelRequested
		r.mu.Unlock()

		if cancelNow {
			o.finalize(r, StatusCancelled, "", true)
			return
		}
		if pauseNow {
			o.finalize(r, StatusPaused, "", true)
			return
		}

		step := steps[i]

		if o.hasSuccessfulResult(r, i) {
			r.setIndex(i + 1)
			continue
		}

		if ready, reason := o.dependenciesSatisfied(r, step); !ready {
			o.recordStepOutcome(r, i, StepResult{StepID: step.ID, Status: StepFailed, Error: reason})
			o.fireStep(o.onStepFailed, r, step)
			if def.Config.ContinueOnStepFailure {
				r.setIndex(i + 1)
				continue
			}
			o.finalize(r, StatusFailed, reason, true)
			return
		}

		admit, err := o.evalCondition(step.Condition, r)
		if err != nil {
			log.WithField("step_id", step.ID).WithError(err).Warn("condition evaluation failed; treating as false")
			admit = false
		}
		if !admit {
			o.recordStepOutcome(r, i, StepResult{StepID: step.ID, Status: StepSkipped})
			r.setIndex(i + 1)
			continue
		}

		o.fireStep(o.onStepStart, r, step)

		task := engine.ExecutionTask{
			ID:      uuid.NewString(),
			Type:    step.TaskType,
			Prompt:  o.renderPrompt(step.PromptTemplate, r),
			WorkDir: r.exec.WorkDir,
			Config:  step.TaskConfig,
		}
		result := o.executor.ExecuteTask(task, step.RetryPolicy)

		if result.Success {
			o.applyOutputMapping(r, step, result)
			sr := StepResult{StepID: step.ID, Status: StepCompleted, Result: result, Attempts: result.TotalAttempts}
			o.recordStepOutcome(r, i, sr)
			o.fireStep(o.onStepComplete, r, step)
			r.setIndex(i + 1)
			o.maybeCheckpoint(r, i)
			continue
		}

		errMsg := ""
		if len(result.Attempts) > 0 {
			last := result.Attempts[len(result.Attempts)-1]
			if last.Result.Error != nil {
				errMsg = last.Result.Error.Error()
			}
		}
		sr := StepResult{StepID: step.ID, Status: StepFailed, Result: result, Attempts: result.TotalAttempts, Error: errMsg}
		o.recordStepOutcome(r, i, sr)
		o.fireStep(o.onStepFailed, r, step)

		if def.Config.ContinueOnStepFailure {
			r.setIndex(i + 1)
			continue
		}
		o.finalize(r, StatusFailed, errMsg, true)
		return
	}

	o.finalizeCompleted(r)
}

func (r *run) currentIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.CurrentStepIndex
}

func (r *run) setIndex(i int) {
	r.mu.Lock()
	r.exec.CurrentStepIndex = i
	r.mu.Unlock()
}

func (o *Orchestrator) hasSuccessfulResult(r *run, i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.exec.StepResults) {
		return false
	}
	return r.exec.StepResults[i].Status == StepCompleted
}

func (o *Orchestrator) recordStepOutcome(r *run, i int, sr StepResult) {
	r.mu.Lock()
	for len(r.exec.StepResults) <= i {
		r.exec.StepResults = append(r.exec.StepResults, StepResult{})
	}
	r.exec.StepResults[i] = sr
	r.mu.Unlock()
}

// dependenciesSatisfied checks that every dependency step id names an
// earlier step with a successful stored result.
func (o *Orchestrator) dependenciesSatisfied(r *run, step WorkflowStep) (bool, string) {
	if len(step.Dependencies) == 0 {
		return true, ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := make(map[string]StepResult, len(r.exec.StepResults))
	for idx, step := range r.exec.Definition.Steps {
		if idx < len(r.exec.StepResults) {
			byID[step.ID] = r.exec.StepResults[idx]
		}
	}
	for _, depID := range step.Dependencies {
		res, ok := byID[depID]
		if !ok || res.Status != StepCompleted {
			return false, "deps not met"
		}
	}
	return true, ""
}

func (o *Orchestrator) evalCondition(expr string, r *run) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	r.mu.Lock()
	ctx := copyContext(r.exec.Context)
	r.mu.Unlock()
	return evalCondition(expr, ctx)
}

func (o *Orchestrator) renderPrompt(template string, r *run) string {
	r.mu.Lock()
	ctx := copyContext(r.exec.Context)
	r.mu.Unlock()
	return renderTemplate(template, ctx)
}

func (o *Orchestrator) applyOutputMapping(r *run, step WorkflowStep, result resilient.ResilientExecutionResult) {
	if len(step.OutputMapping) == 0 {
		return
	}
	resultView := map[string]interface{}{
		"taskId":      result.TaskID,
		"success":     result.Success,
		"exitCode":    result.ExitCode,
		"totalAttempts": result.TotalAttempts,
	}
	if len(result.Attempts) > 0 {
		last := result.Attempts[len(result.Attempts)-1]
		resultView["output"] = last.Result.Output
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range step.OutputMapping {
		v, ok := resolvePath(resultView, m.ResultPath)
		if ok {
			r.exec.Context[m.ContextKey] = v
		}
	}
}

func (o *Orchestrator) maybeCheckpoint(r *run, completedIndex int) {
	if o.cfg.CheckpointInterval <= 0 {
		return
	}
	if (completedIndex+1)%o.cfg.CheckpointInterval != 0 {
		return
	}
	o.saveCheckpoint(r)
}

// finalize transitions the execution to a terminal-or-paused status,
// persists a final checkpoint, fires the matching pause/cancel/failed
// event, and (for genuinely terminal states) closes done; the
// workflow-complete event is fired by finalizeCompleted. waitAtBoundary is always true here since the loop only
// calls finalize between steps, never mid-step.
func (o *Orchestrator) finalize(r *run, status Status, errMsg string, waitAtBoundary bool) {
	_ = waitAtBoundary
	r.mu.Lock()
	r.exec.Status = status
	if errMsg != "" {
		r.exec.Error = errMsg
	}
	switch status {
	case StatusPaused:
		r.exec.PausedAt = time.Now()
		r.pauseRequested = false
	case StatusCancelled, StatusFailed:
		r.exec.CompletedAt = time.Now()
	}
	r.mu.Unlock()

	o.saveCheckpoint(r)

	switch status {
	case StatusPaused:
		o.fireWorkflow(o.onPause, r.snapshot())
	case StatusCancelled:
		o.fireWorkflow(o.onCancel, r.snapshot())
		o.closeDone(r)
	case StatusFailed:
		o.fireWorkflow(o.onFailed, r.snapshot())
		o.closeDone(r)
	}
}

func (o *Orchestrator) finalizeCompleted(r *run) {
	r.mu.Lock()
	r.exec.Status = StatusCompleted
	r.exec.CompletedAt = time.Now()
	exec := r.exec
	r.mu.Unlock()

	o.saveCheckpoint(r)
	o.closeDone(r)

	completed, failed, skipped := 0, 0, 0
	for _, sr := range exec.StepResults {
		switch sr.Status {
		case StepCompleted:
			completed++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	result := WorkflowResult{
		ExecutionID:    exec.ExecutionID,
		Success:        failed == 0,
		CompletedSteps: completed,
		FailedSteps:    failed,
		SkippedSteps:   skipped,
		Outputs:        copyContext(exec.Context),
		Duration:       exec.CompletedAt.Sub(exec.StartedAt),
	}
	o.fireResult(o.onComplete, result)
}

func (o *Orchestrator) closeDone(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (o *Orchestrator) saveCheckpoint(r *run) {
	if o.store == nil {
		return
	}
	exec := r.snapshot()
	cp := checkpoint.WorkflowCheckpoint{
		WorkflowID:  exec.WorkflowID,
		ExecutionID: exec.ExecutionID,
		Definition:  exec.Definition,
		Status:      string(exec.Status),
		StepIndex:   exec.CurrentStepIndex,
		Context:     exec.Context,
		StepResults: stepResultsToInterfaces(exec.StepResults),
		Error:       exec.Error,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		CreatedAt:   time.Now(),
	}
	if err := o.store.SaveCheckpoint(noCtx(), cp); err != nil {
		log.WithField("execution_id", exec.ExecutionID).WithError(err).Error("checkpoint save failed")
		return
	}
	o.fireCheckpoint(exec)
}

func isTerminalStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func validateDefinition(def WorkflowDefinition) error {
	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if seen[s.ID] {
			return fmt.Errorf("workflow definition %s: duplicate step id %q", def.ID, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func copyContext(ctx map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
