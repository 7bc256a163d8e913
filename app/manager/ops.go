package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	log "github.com/go-pkgz/lgr"

	"github.com/co5dt/pqueue/app/enums"
	"github.com/co5dt/pqueue/app/persistence"
	"github.com/co5dt/pqueue/app/queue"
)

// Reorder promotes the listed jobs to the front of the mirror in the given order, all other jobs keep their
// relative order. Returns the number of promoted jobs.
func (m *Manager) Reorder(order []string) int {
	n := m.mirror.Reconcile(order)
	log.Printf("[DEBUG] reordered %d of %d requested jobs", n, len(order))
	return n
}

// SetPriority persists the priority and reorders the mirror to match durable scheduling order
func (m *Manager) SetPriority(ctx context.Context, promptID string, priority int) error {
	if err := m.store.SetPriority(ctx, promptID, priority); err != nil {
		return err
	}
	m.applyPriorities(ctx)
	log.Printf("[INFO] priority of %s set to %d", promptID, priority)
	return nil
}

// Delete removes jobs from the store and the mirror. A running job keeps running, only its bookkeeping is gone.
func (m *Manager) Delete(ctx context.Context, promptIDs []string) error {
	for _, id := range promptIDs {
		if err := m.store.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
		m.mirror.Remove(id)
		m.mu.Lock()
		delete(m.allowed, id)
		m.mu.Unlock()
	}
	log.Printf("[INFO] deleted %d jobs", len(promptIDs))
	m.updateGauges()
	return nil
}

// Rename changes the display name of a job, in the store and in the queued or running copy.
// Returns persistence.ErrNotFound for unknown jobs.
func (m *Manager) Rename(ctx context.Context, promptID, name string) error {
	ok, err := m.store.Rename(ctx, promptID, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s: %w", promptID, persistence.ErrNotFound)
	}
	m.mirror.Update(promptID, func(it *queue.Item) {
		wf, err := persistence.SetWorkflowName(string(it.Workflow), name)
		if err != nil {
			log.Printf("[WARN] can't rename queued copy of %s: %v", promptID, err)
			return
		}
		it.Workflow = json.RawMessage(wf)
	})
	log.Printf("[INFO] renamed %s to %q", promptID, name)
	return nil
}

// RunSelected lets the given jobs run while the queue stays paused. Jobs already queued keep their relative
// order, pending jobs known only to the store are validated and appended. The combined set is promoted to the
// front and becomes the allow-set. Returns ids of the jobs selected to run.
func (m *Manager) RunSelected(ctx context.Context, promptIDs []string) ([]string, error) {
	if !m.Paused() {
		return nil, ErrNotPaused
	}

	var present []queue.Item
	var missing []string
	seen := map[string]bool{}
	for _, id := range promptIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if it, ok := m.mirror.Queued(id); ok {
			present = append(present, it)
			continue
		}
		if m.mirror.Has(id) {
			log.Printf("[DEBUG] %s is running already, not selected", id)
			continue
		}
		missing = append(missing, id)
	}
	sort.Slice(present, func(i, j int) bool { return present[i].Number < present[j].Number })

	selected := make([]string, 0, len(present)+len(missing))
	for _, it := range present {
		selected = append(selected, it.PromptID)
	}
	for _, id := range missing {
		if m.loadForRun(ctx, id) {
			selected = append(selected, id)
		}
	}

	m.mu.Lock()
	m.allowed = make(map[string]struct{}, len(selected))
	for _, id := range selected {
		m.allowed[id] = struct{}{}
	}
	m.mu.Unlock()

	m.mirror.Reconcile(selected)
	log.Printf("[INFO] run-selected mode enabled for %d jobs; queue remains paused", len(selected))
	return selected, nil
}

// loadForRun validates a pending job known only to the store and puts it at the tail of the mirror.
// Invalid jobs are marked failed.
func (m *Manager) loadForRun(ctx context.Context, promptID string) bool {
	row, err := m.store.Get(ctx, promptID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			log.Printf("[WARN] can't load %s: %v", promptID, err)
		}
		return false
	}
	if row.Status != enums.JobStatusPending {
		log.Printf("[INFO] %s is %s, not selected", promptID, row.Status)
		return false
	}
	plan, err := m.engine.Validate(promptID, json.RawMessage(row.Workflow))
	if err != nil {
		log.Printf("[WARN] invalid job %s: %v", promptID, err)
		if serr := m.store.SetStatus(ctx, promptID, enums.JobStatusFailed, err.Error()); serr != nil {
			log.Printf("[ERROR] failed to mark %s failed: %v", promptID, serr)
		}
		return false
	}
	m.engine.Enqueue(queue.Item{PromptID: promptID, Workflow: json.RawMessage(row.Workflow), Extra: map[string]any{},
		Plan: plan})
	return true
}

// SkipSelected drops queued jobs and marks them cancelled, allowed only while the queue runs.
// Running jobs are not touched. Returns ids of skipped jobs.
func (m *Manager) SkipSelected(ctx context.Context, promptIDs []string) ([]string, error) {
	if m.Paused() {
		return nil, ErrPaused
	}
	skipped := []string{}
	for _, id := range promptIDs {
		removed := m.mirror.Remove(id)
		row, err := m.store.Get(ctx, id)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return skipped, fmt.Errorf("failed to load %s: %w", id, err)
		}
		pending := err == nil && row.Status == enums.JobStatusPending
		if pending {
			if err := m.store.SetStatus(ctx, id, enums.JobStatusCancelled, ""); err != nil {
				return skipped, fmt.Errorf("failed to cancel %s: %w", id, err)
			}
		}
		if removed || pending {
			skipped = append(skipped, id)
		}
		m.mu.Lock()
		delete(m.allowed, id)
		m.mu.Unlock()
	}
	log.Printf("[INFO] skipped %d jobs", len(skipped))
	m.updateGauges()
	return skipped, nil
}
