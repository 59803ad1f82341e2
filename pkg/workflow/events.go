package workflow

func (o *Orchestrator) fireWorkflow(handlers []WorkflowHandler, exec WorkflowExecution) {
	o.mu.Lock()
	snapshot := append([]WorkflowHandler(nil), handlers...)
	o.mu.Unlock()
	for _, h := range snapshot {
		safeFireWorkflow(h, exec)
	}
}

func safeFireWorkflow(h WorkflowHandler, exec WorkflowExecution) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("execution_id", exec.ExecutionID).Errorf("workflow handler panicked: %v", r)
		}
	}()
	h(exec)
}

func (o *Orchestrator) fireResult(handlers []ResultHandler, result WorkflowResult) {
	o.mu.Lock()
	snapshot := append([]ResultHandler(nil), handlers...)
	o.mu.Unlock()
	for _, h := range snapshot {
		safeFireResult(h, result)
	}
}

func safeFireResult(h ResultHandler, result WorkflowResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("execution_id", result.ExecutionID).Errorf("workflow result handler panicked: %v", r)
		}
	}()
	h(result)
}

func (o *Orchestrator) fireStep(handlers []StepHandler, r *run, step WorkflowStep) {
	o.mu.Lock()
	snapshot := append([]StepHandler(nil), handlers...)
	o.mu.Unlock()
	exec := r.snapshot()
	for _, h := range snapshot {
		safeFireStep(h, exec, step)
	}
}

func safeFireStep(h StepHandler, exec WorkflowExecution, step WorkflowStep) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("step_id", step.ID).Errorf("step handler panicked: %v", r)
		}
	}()
	h(exec, step)
}

func (o *Orchestrator) fireCheckpoint(exec WorkflowExecution) {
	o.mu.Lock()
	snapshot := append([]CheckpointHandler(nil), o.onCheckpoint...)
	o.mu.Unlock()
	for _, h := range snapshot {
		safeFireCheckpoint(h, exec)
	}
}

func safeFireCheckpoint(h CheckpointHandler, exec WorkflowExecution) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("execution_id", exec.ExecutionID).Errorf("checkpoint handler panicked: %v", r)
		}
	}()
	h(exec)
}
