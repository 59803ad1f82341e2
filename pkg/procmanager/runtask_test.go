package procmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/taskforge/pkg/engine"
)

func TestTaskRunnerRunTaskSucceeds(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	runner := NewTaskRunner(m, func(task engine.ExecutionTask) ProcessConfig {
		return ProcessConfig{Executable: "/bin/sh", Args: []string{"-c", "echo hello"}}
	})

	result := runner.RunTask(engine.ExecutionTask{ID: "t1", Type: "/bin/sh"})

	require.NoError(t, result.Error)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output, "hello")
}

func TestTaskRunnerRunTaskReportsNonZeroExit(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	runner := NewTaskRunner(m, func(task engine.ExecutionTask) ProcessConfig {
		return ProcessConfig{Executable: "/bin/sh", Args: []string{"-c", "exit 7"}}
	})

	result := runner.RunTask(engine.ExecutionTask{ID: "t2", Type: "/bin/sh"})

	assert.False(t, result.Success)
	assert.Equal(t, 7, result.ExitCode)
	require.Error(t, result.Error)
}

func TestTaskRunnerRunTaskReportsAcquireFailure(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	runner := NewTaskRunner(m, func(task engine.ExecutionTask) ProcessConfig {
		return ProcessConfig{Executable: "/definitely/not/a/real/binary"}
	})

	result := runner.RunTask(engine.ExecutionTask{ID: "t3", Type: "nope"})

	assert.False(t, result.Success)
	require.Error(t, result.Error)
}

func TestTaskRunnerRunTaskDeliversPromptToStdin(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Shutdown()

	runner := NewTaskRunner(m, func(task engine.ExecutionTask) ProcessConfig {
		return ProcessConfig{Executable: "/bin/sh", Args: []string{"-c", "read line; echo got: $line"}}
	})

	result := runner.RunTask(engine.ExecutionTask{ID: "t5", Type: "/bin/sh", Prompt: "hi there\n"})

	require.NoError(t, result.Error)
	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "got: hi there")
}

func TestTaskRunnerDefaultResolveReadsConfig(t *testing.T) {
	task := engine.ExecutionTask{
		ID:   "t4",
		Type: "/bin/echo",
		Config: map[string]interface{}{
			"args": []string{"hi"},
			"env":  map[string]string{"FOO": "bar"},
		},
	}

	cfg := DefaultResolve(task)

	assert.Equal(t, "/bin/echo", cfg.Executable)
	assert.Equal(t, []string{"hi"}, cfg.Args)
	assert.Equal(t, "bar", cfg.Env["FOO"])
}
