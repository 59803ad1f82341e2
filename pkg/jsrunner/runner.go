// Package jsrunner provides an in-process alternative to spawning an
// external process for a task body: it evaluates a JavaScript snippet in
// a sandboxed goja VM per execution and adapts the result into an
// engine.ExecutionResult. Each call gets its own VM, dangerous globals
// are disabled, and execution is cancellable via a goroutine + channel
// select against the caller's context.
package jsrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/sudocode-ai/taskforge/internal/logging"
	"github.com/sudocode-ai/taskforge/pkg/engine"
)

var log = logging.For("jsrunner")

// Runner evaluates a task's prompt as a JavaScript snippet body, exposing
// an `input` object (the task's id, type, workDir and config map) and a
// small `console` surface to the snippet.
type Runner struct {
	timeout time.Duration
}

// New constructs a Runner with a per-task execution timeout.
func New(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{timeout: timeout}
}

// RunTask is an engine.RunTaskFunc: it evaluates task.Prompt as a
// JavaScript function body and reports the outcome as an
// engine.ExecutionResult, so an Engine can be wired to it directly in
// place of a Process Manager-backed runner.
func (r *Runner) RunTask(task engine.ExecutionTask) engine.ExecutionResult {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	output, err := r.evaluate(ctx, task)
	completed := time.Now()

	if err != nil {
		return engine.ExecutionResult{
			TaskID:      task.ID,
			ExecutionID: uuid.NewString(),
			Success:     false,
			ExitCode:    1,
			Error:       err,
			StartedAt:   started,
			CompletedAt: completed,
			Duration:    completed.Sub(started),
		}
	}

	return engine.ExecutionResult{
		TaskID:      task.ID,
		ExecutionID: uuid.NewString(),
		Success:     true,
		ExitCode:    0,
		Output:      output,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}
}

// evaluate runs code in a fresh VM per call so no state leaks between
// tasks.
func (r *Runner) evaluate(ctx context.Context, task engine.ExecutionTask) (string, error) {
	vm := goja.New()
	setupSandbox(vm, task)

	wrapped := fmt.Sprintf("(function() {\n%s\n})()", task.Prompt)

	resultCh := make(chan goja.Value, 1)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("task timed out")
		case <-done:
		}
	}()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("panic during task evaluation: %v", rec)
			}
		}()
		result, err := vm.RunString(wrapped)
		if err != nil {
			errCh <- fmt.Errorf("evaluate task %s: %w", task.ID, err)
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		if result == nil || goja.IsUndefined(result) {
			return "", nil
		}
		return fmt.Sprintf("%v", result.Export()), nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("task %s timed out: %w", task.ID, ctx.Err())
	}
}

// setupSandbox disables the host-escape globals and exposes `input`
// (taskId, type, workDir, and the task's config map as input.config) plus
// a small `console` surface.
func setupSandbox(vm *goja.Runtime, task engine.ExecutionTask) {
	vm.Set("require", goja.Undefined())
	vm.Set("import", goja.Undefined())
	vm.Set("eval", goja.Undefined())
	vm.Set("Function", goja.Undefined())

	inputObj := vm.NewObject()
	inputObj.Set("taskId", task.ID)
	inputObj.Set("type", task.Type)
	inputObj.Set("workDir", task.WorkDir)
	inputObj.Set("config", task.Config)
	vm.Set("input", inputObj)

	console := vm.NewObject()
	logFn := func(args ...interface{}) {
		log.WithField("task_id", task.ID).Info(formatArgs(args...))
	}
	console.Set("log", logFn)
	console.Set("info", logFn)
	console.Set("warn", func(args ...interface{}) {
		log.WithField("task_id", task.ID).Warn(formatArgs(args...))
	})
	console.Set("error", func(args ...interface{}) {
		log.WithField("task_id", task.ID).Error(formatArgs(args...))
	})
	vm.Set("console", console)
}

func formatArgs(args ...interface{}) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%v", a)
	}
	return out
}
