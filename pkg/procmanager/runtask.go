package procmanager

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sudocode-ai/taskforge/pkg/engine"
)

// TaskRunner adapts a Manager into an engine.RunTaskFunc: every
// ExecutionTask spawns one child process, its combined stdout/stderr is
// captured, and the process's exit code decides success/failure. This is
// the default, primary runTask implementation; pkg/jsrunner provides an
// in-process alternative.
type TaskRunner struct {
	manager *Manager
	// Resolve builds a ProcessConfig for a task; callers typically read
	// task.Type as the executable name and task.Config for args/env, but
	// the mapping is left to the caller since it is deployment-specific.
	Resolve func(task engine.ExecutionTask) ProcessConfig
}

// NewTaskRunner constructs a TaskRunner bound to a Manager. If resolve is
// nil, DefaultResolve is used.
func NewTaskRunner(manager *Manager, resolve func(task engine.ExecutionTask) ProcessConfig) *TaskRunner {
	if resolve == nil {
		resolve = DefaultResolve
	}
	return &TaskRunner{manager: manager, Resolve: resolve}
}

// DefaultResolve treats task.Type as the executable, task.Config["args"]
// (a []string) as its arguments, and task.Config["env"] (a
// map[string]string) as additional environment variables.
func DefaultResolve(task engine.ExecutionTask) ProcessConfig {
	cfg := ProcessConfig{
		Executable: task.Type,
		WorkDir:    task.WorkDir,
		IOMode:     IOModeLineBatched,
	}
	if args, ok := task.Config["args"].([]string); ok {
		cfg.Args = args
	}
	if env, ok := task.Config["env"].(map[string]string); ok {
		cfg.Env = env
	}
	return cfg
}

// RunTask spawns the task's process, streams its prompt to stdin when
// non-empty, waits for exit, and reports an engine.ExecutionResult.
func (r *TaskRunner) RunTask(task engine.ExecutionTask) engine.ExecutionResult {
	started := time.Now()
	ctx := context.Background()

	cfg := r.Resolve(task)
	p, err := r.manager.AcquireProcess(ctx, cfg)
	if err != nil {
		completed := time.Now()
		return engine.ExecutionResult{
			TaskID:      task.ID,
			Success:     false,
			ExitCode:    -1,
			Error:       fmt.Errorf("acquire process for task %s: %w", task.ID, err),
			StartedAt:   started,
			CompletedAt: completed,
			Duration:    completed.Sub(started),
		}
	}

	var mu sync.Mutex
	var out bytes.Buffer
	_ = r.manager.OnOutput(p.ID(), func(chunk OutputChunk) {
		mu.Lock()
		out.Write(chunk.Data)
		out.WriteByte('\n')
		mu.Unlock()
	})

	if task.Prompt != "" {
		if err := r.manager.SendInput(p.ID(), []byte(task.Prompt)); err != nil {
			_ = r.manager.TerminateProcess(p.ID(), 0)
			completed := time.Now()
			return engine.ExecutionResult{
				TaskID:      task.ID,
				ExecutionID: p.ID(),
				Success:     false,
				ExitCode:    -1,
				Error:       fmt.Errorf("send prompt to task %s: %w", task.ID, err),
				StartedAt:   started,
				CompletedAt: completed,
				Duration:    completed.Sub(started),
			}
		}
	}

	exitCode := p.Wait()
	completed := time.Now()

	mu.Lock()
	output := out.String()
	mu.Unlock()

	result := engine.ExecutionResult{
		TaskID:      task.ID,
		ExecutionID: p.ID(),
		Success:     exitCode == 0,
		ExitCode:    exitCode,
		Output:      output,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}
	if exitCode != 0 {
		result.Error = fmt.Errorf("task %s exited with code %d", task.ID, exitCode)
	}
	return result
}
