package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instantSuccess(task ExecutionTask) ExecutionResult {
	return ExecutionResult{Success: true, ExitCode: 0}
}

func TestSubmitTaskRunsToCompletion(t *testing.T) {
	e := New(Config{MaxConcurrent: 2}, instantSuccess)

	id, err := e.SubmitTask(ExecutionTask{ID: "t1", Type: "custom"})
	require.NoError(t, err)

	result, err := e.WaitForTask("t1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, id)
}

func TestDependencyGatingBlocksUntilCompleted(t *testing.T) {
	var mu sync.Mutex
	order := []string{}

	runTask := func(task ExecutionTask) ExecutionResult {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return ExecutionResult{Success: true}
	}
	e := New(Config{MaxConcurrent: 1}, runTask)

	_, err := e.SubmitTask(ExecutionTask{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)
	_, err = e.SubmitTask(ExecutionTask{ID: "a"})
	require.NoError(t, err)

	_, err = e.WaitForTask("b")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, order)
}

func TestDependencyFailurePropagates(t *testing.T) {
	runTask := func(task ExecutionTask) ExecutionResult {
		if task.ID == "a" {
			return ExecutionResult{Success: false, Error: assertError("boom")}
		}
		return ExecutionResult{Success: true}
	}
	e := New(Config{MaxConcurrent: 2}, runTask)

	_, err := e.SubmitTask(ExecutionTask{ID: "a"})
	require.NoError(t, err)
	_, err = e.SubmitTask(ExecutionTask{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)

	result, err := e.WaitForTask("b")
	require.NoError(t, err)
	assert.False(t, result.Success)

	status, ok := e.GetTaskStatus("b")
	require.True(t, ok)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, "dependency failure", status.Error)
}

func TestUnresolvedDependencyStaysQueued(t *testing.T) {
	e := New(Config{MaxConcurrent: 2}, instantSuccess)

	_, err := e.SubmitTask(ExecutionTask{ID: "x", Dependencies: []string{"never-submitted"}})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	status, ok := e.GetTaskStatus("x")
	require.True(t, ok)
	assert.Equal(t, StateQueued, status.State)
}

func TestConcurrencyCapIsEnforced(t *testing.T) {
	var mu sync.Mutex
	concurrent, maxSeen := 0, 0
	block := make(chan struct{})

	runTask := func(task ExecutionTask) ExecutionResult {
		mu.Lock()
		concurrent++
		if concurrent > maxSeen {
			maxSeen = concurrent
		}
		mu.Unlock()

		<-block

		mu.Lock()
		concurrent--
		mu.Unlock()
		return ExecutionResult{Success: true}
	}
	e := New(Config{MaxConcurrent: 2}, runTask)

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		_, err := e.SubmitTask(ExecutionTask{ID: id})
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	close(block)

	_, err := e.WaitForTasks(ids)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 2)
}

func TestPriorityOrderingWithStableFIFO(t *testing.T) {
	var mu sync.Mutex
	order := []string{}
	block := make(chan struct{})
	first := make(chan struct{})

	runTask := func(task ExecutionTask) ExecutionResult {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		if task.ID == "gate" {
			close(first)
			<-block
		}
		return ExecutionResult{Success: true}
	}
	e := New(Config{MaxConcurrent: 1}, runTask)

	_, err := e.SubmitTask(ExecutionTask{ID: "gate", Priority: 0})
	require.NoError(t, err)
	<-first

	_, err = e.SubmitTask(ExecutionTask{ID: "low", Priority: 1})
	require.NoError(t, err)
	_, err = e.SubmitTask(ExecutionTask{ID: "high", Priority: 5})
	require.NoError(t, err)

	close(block)
	_, err = e.WaitForTasks([]string{"gate", "low", "high"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"gate", "high", "low"}, order)
}

func TestCancelQueuedTask(t *testing.T) {
	e := New(Config{MaxConcurrent: 0}, instantSuccess)
	e.cfg.MaxConcurrent = 0 // force nothing to dispatch

	_, err := e.SubmitTask(ExecutionTask{ID: "never-runs"})
	require.NoError(t, err)

	require.NoError(t, e.CancelTask("never-runs"))

	status, ok := e.GetTaskStatus("never-runs")
	require.True(t, ok)
	assert.Equal(t, StateCancelled, status.State)
}

func TestOnTaskCompleteFiresExactlyOnce(t *testing.T) {
	e := New(Config{MaxConcurrent: 1}, instantSuccess)

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	e.OnTaskComplete(func(r ExecutionResult) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})

	_, err := e.SubmitTask(ExecutionTask{ID: "t"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

type assertError string

func (e assertError) Error() string { return string(e) }
