package manager

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/co5dt/pqueue/app/enums"
	"github.com/co5dt/pqueue/app/queue"
)

// Restore brings durable pending jobs back into the mirror. Jobs left running by a previous process are reset
// to pending first. Every job is validated again: valid ones go to the tail in durable scheduling order, invalid
// ones are marked failed. Jobs already in the mirror are skipped.
func (m *Manager) Restore(ctx context.Context) (restored, failed int, err error) {
	reset, err := m.store.ResetRunning(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	if reset > 0 {
		log.Printf("[INFO] %d jobs interrupted by previous shutdown are pending again", reset)
	}

	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	for _, row := range pending {
		if ctx.Err() != nil {
			return restored, failed, ctx.Err()
		}
		if m.mirror.Has(row.PromptID) {
			continue
		}
		workflow := json.RawMessage(row.Workflow)
		plan, verr := m.engine.Validate(row.PromptID, workflow)
		if verr != nil {
			failed++
			log.Printf("[WARN] pending job %s is invalid: %v", row.PromptID, verr)
			if err := m.store.SetStatus(ctx, row.PromptID, enums.JobStatusFailed, verr.Error()); err != nil {
				log.Printf("[ERROR] failed to mark %s failed: %v", row.PromptID, err)
			}
			continue
		}
		if _, added := m.engine.Enqueue(queue.Item{PromptID: row.PromptID, Workflow: workflow, Extra: map[string]any{},
			Plan: plan}); added {
			restored++
		}
	}

	log.Printf("[INFO] restored %d pending jobs, %d invalid", restored, failed)
	m.metrics.Restored(restored)
	m.updateGauges()
	return restored, failed, nil
}
