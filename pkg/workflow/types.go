// Package workflow implements the Workflow Orchestrator: sequential,
// stateful composition of resilient task executions into multi-step
// workflows with context-passed outputs, conditional steps, pause/
// resume/cancel, and periodic checkpoint persistence for crash recovery.
package workflow

import (
	"time"

	"github.com/sudocode-ai/taskforge/pkg/resilient"
)

// Status is the lifecycle state of a WorkflowExecution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepStatus is the lifecycle state of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// OutputMapping copies a value at ResultPath in a step's result into
// ContextKey of the workflow's context map.
type OutputMapping struct {
	ContextKey string
	ResultPath string
}

// WorkflowStep is one unit of a WorkflowDefinition.
type WorkflowStep struct {
	ID             string
	TaskType       string
	PromptTemplate string
	TaskConfig     map[string]interface{}
	RetryPolicy    *resilient.RetryPolicy
	Dependencies   []string
	Condition      string
	OutputMapping  []OutputMapping
}

// DefinitionConfig tunes one workflow definition's execution behavior.
type DefinitionConfig struct {
	ContinueOnStepFailure bool
}

// WorkflowDefinition describes the ordered steps of a workflow, caller
// owned and embedded whole into every checkpoint so a resumed execution
// never depends on an external definition registry.
type WorkflowDefinition struct {
	ID             string
	Steps          []WorkflowStep
	InitialContext map[string]interface{}
	Config         DefinitionConfig
}

// StepResult is the outcome recorded for one attempted step.
type StepResult struct {
	StepID  string
	Status  StepStatus
	Result  resilient.ResilientExecutionResult
	Attempts int
	Error   string
}

// WorkflowExecution is the Orchestrator's live view of one running
// instance of a WorkflowDefinition.
type WorkflowExecution struct {
	ExecutionID      string
	WorkflowID       string
	Definition       WorkflowDefinition
	Status           Status
	CurrentStepIndex int
	Context          map[string]interface{}
	StepResults      []StepResult
	StartedAt        time.Time
	PausedAt         time.Time
	ResumedAt        time.Time
	CompletedAt      time.Time
	Error            string
	WorkDir          string
}

// WorkflowResult aggregates a finished execution for the workflow-complete
// event.
type WorkflowResult struct {
	ExecutionID    string
	Success        bool
	CompletedSteps int
	FailedSteps    int
	SkippedSteps   int
	Outputs        map[string]interface{}
	Duration       time.Duration
}

// StartOptions customizes a single startWorkflow call.
type StartOptions struct {
	ExecutionID string
}

// ResumeOptions customizes a single resumeWorkflow call.
type ResumeOptions struct{}

// Event handler types, one per workflow lifecycle transition.
type (
	WorkflowHandler func(exec WorkflowExecution)
	ResultHandler   func(result WorkflowResult)
	StepHandler     func(exec WorkflowExecution, step WorkflowStep)
	CheckpointHandler func(exec WorkflowExecution)
)
