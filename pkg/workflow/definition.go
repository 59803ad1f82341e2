package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sudocode-ai/taskforge/pkg/exprlang"
)

// evalCondition and renderTemplate delegate to the sandboxed, non-host-eval
// expression language in pkg/exprlang for step conditions and prompt
// templates.
func evalCondition(expr string, ctx map[string]interface{}) (bool, error) {
	return exprlang.EvalCondition(expr, ctx)
}

func renderTemplate(template string, ctx map[string]interface{}) string {
	return exprlang.RenderTemplate(template, ctx)
}

func resolvePath(data map[string]interface{}, path string) (interface{}, bool) {
	return exprlang.Resolve(data, path)
}

// noCtx is used for checkpoint store calls the orchestrator makes off any
// caller-supplied context (e.g. inside the background execution
// goroutine); it carries no cancellation signal of its own.
func noCtx() context.Context {
	return context.Background()
}

// decodeDefinition reconstructs a WorkflowDefinition from the generic
// interface{} a checkpoint store may hand back after a JSON round-trip
// (e.g. PostgresStore, whose Definition column is JSONB).
func decodeDefinition(raw interface{}) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	b, err := json.Marshal(raw)
	if err != nil {
		return def, fmt.Errorf("re-encode checkpoint definition: %w", err)
	}
	if err := json.Unmarshal(b, &def); err != nil {
		return def, fmt.Errorf("decode checkpoint definition: %w", err)
	}
	return def, nil
}

// decodeStepResults mirrors decodeDefinition for the step-results slice.
func decodeStepResults(raw []interface{}) []StepResult {
	if len(raw) == 0 {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []StepResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// stepResultsToInterfaces adapts a StepResult slice to the []interface{}
// shape checkpoint.WorkflowCheckpoint stores, without losing type
// information for in-memory stores that never round-trip through JSON.
func stepResultsToInterfaces(results []StepResult) []interface{} {
	out := make([]interface{}, len(results))
	for i, r := range results {
		out[i] = r
	}
	return out
}
