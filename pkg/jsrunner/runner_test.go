package jsrunner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/taskforge/pkg/engine"
)

func TestRunTaskReturnsExpressionResult(t *testing.T) {
	r := New(2 * time.Second)
	task := engine.ExecutionTask{ID: "t1", Type: "js", Prompt: "return 1 + 2;"}

	result := r.RunTask(task)

	require.NoError(t, result.Error)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "3", result.Output)
	assert.Equal(t, "t1", result.TaskID)
}

func TestRunTaskExposesInputConfig(t *testing.T) {
	r := New(2 * time.Second)
	task := engine.ExecutionTask{
		ID:     "t2",
		Type:   "js",
		Prompt: "return input.config.name;",
		Config: map[string]interface{}{"name": "widget"},
	}

	result := r.RunTask(task)

	require.NoError(t, result.Error)
	assert.Equal(t, "widget", result.Output)
}

func TestRunTaskCapturesThrownError(t *testing.T) {
	r := New(2 * time.Second)
	task := engine.ExecutionTask{ID: "t3", Type: "js", Prompt: "throw new Error('boom');"}

	result := r.RunTask(task)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
	require.Error(t, result.Error)
}

func TestRunTaskDisablesRequire(t *testing.T) {
	r := New(2 * time.Second)
	task := engine.ExecutionTask{ID: "t4", Type: "js", Prompt: "return typeof require;"}

	result := r.RunTask(task)

	require.NoError(t, result.Error)
	assert.Equal(t, "undefined", result.Output)
}

func TestRunTaskTimesOutOnInfiniteLoop(t *testing.T) {
	r := New(50 * time.Millisecond)
	task := engine.ExecutionTask{ID: "t5", Type: "js", Prompt: "while (true) {}"}

	result := r.RunTask(task)

	assert.False(t, result.Success)
	require.Error(t, result.Error)
}
