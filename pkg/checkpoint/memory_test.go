package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLatestByCreatedAtWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	older := WorkflowCheckpoint{ExecutionID: "e1", StepIndex: 1, CreatedAt: time.Now()}
	newer := WorkflowCheckpoint{ExecutionID: "e1", StepIndex: 2, CreatedAt: time.Now().Add(time.Second)}

	require.NoError(t, store.SaveCheckpoint(ctx, newer))
	require.NoError(t, store.SaveCheckpoint(ctx, older))

	loaded, ok, err := store.LoadCheckpoint(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, loaded.StepIndex)
}

func TestMemoryStoreListCheckpointsFiltersByWorkflow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveCheckpoint(ctx, WorkflowCheckpoint{WorkflowID: "wf-a", ExecutionID: "e1"}))
	require.NoError(t, store.SaveCheckpoint(ctx, WorkflowCheckpoint{WorkflowID: "wf-b", ExecutionID: "e2"}))

	list, err := store.ListCheckpoints(ctx, "wf-a")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "e1", list[0].ExecutionID)
}
