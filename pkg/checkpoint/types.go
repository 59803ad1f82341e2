// Package checkpoint implements the Workflow Orchestrator's storage
// contract: durable snapshots sufficient to resume a workflow execution
// after a crash without depending on an external definition registry.
package checkpoint

import (
	"context"
	"time"
)

// WorkflowCheckpoint is a complete snapshot of one execution at a point
// in time. The payload embeds the full definition so a resumed execution
// never needs an external registry lookup.
type WorkflowCheckpoint struct {
	WorkflowID  string
	ExecutionID string
	Definition  interface{}
	Status      string
	StepIndex   int
	Context     map[string]interface{}
	StepResults []interface{}
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
	CreatedAt   time.Time
}

// Store is the checkpoint storage contract consumed by the Workflow
// Orchestrator. Any backend satisfying it is acceptable: filesystem, KV
// store, or relational row.
type Store interface {
	// SaveCheckpoint durably persists cp, returning only after
	// persistence.
	SaveCheckpoint(ctx context.Context, cp WorkflowCheckpoint) error
	// LoadCheckpoint returns the most recent checkpoint for executionID
	// by createdAt, or ok=false if none exists.
	LoadCheckpoint(ctx context.Context, executionID string) (WorkflowCheckpoint, bool, error)
	// ListCheckpoints returns every stored checkpoint, optionally
	// filtered to one workflowID.
	ListCheckpoints(ctx context.Context, workflowID string) ([]WorkflowCheckpoint, error)
}
