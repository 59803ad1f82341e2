package workflow

import (
	"time"
)

// RecoverStalled scans the configured checkpoint store for executions
// whose latest checkpoint says "running" but which this process has no
// live run for (the classic crash-recovery case: the process died
// mid-workflow), and resumes each. It uses a checkpoint-age staleness
// check rather than a worker-heartbeat, since the orchestrator has no
// separate worker-heartbeat concept.
//
// staleAfter bounds how old a "running" checkpoint must be before it is
// considered orphaned rather than merely slow; a checkpoint younger than
// staleAfter might still belong to a live run in another process sharing
// the same store.
func (o *Orchestrator) RecoverStalled(staleAfter time.Duration) ([]string, error) {
	if o.store == nil {
		return nil, nil
	}

	checkpoints, err := o.store.ListCheckpoints(noCtx(), "")
	if err != nil {
		return nil, err
	}

	latestByExecution := make(map[string]int)
	for i, cp := range checkpoints {
		cur, ok := latestByExecution[cp.ExecutionID]
		if !ok || cp.CreatedAt.After(checkpoints[cur].CreatedAt) {
			latestByExecution[cp.ExecutionID] = i
		}
	}

	cutoff := time.Now().Add(-staleAfter)
	var recovered []string

	for executionID, idx := range latestByExecution {
		cp := checkpoints[idx]
		if cp.Status != string(StatusRunning) {
			continue
		}
		if cp.CreatedAt.After(cutoff) {
			continue
		}

		o.mu.Lock()
		_, live := o.runs[executionID]
		o.mu.Unlock()
		if live {
			continue
		}

		if err := o.ResumeWorkflow(executionID, nil); err != nil {
			log.WithField("execution_id", executionID).WithError(err).Warn("failed to recover stalled workflow")
			continue
		}
		recovered = append(recovered, executionID)
	}

	return recovered, nil
}
