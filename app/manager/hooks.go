package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/co5dt/pqueue/app/engine"
	"github.com/co5dt/pqueue/app/enums"
	"github.com/co5dt/pqueue/app/notify"
	"github.com/co5dt/pqueue/app/persistence"
	"github.com/co5dt/pqueue/app/queue"
)

// errNotAllowed rejects a dequeued item while paused
var errNotAllowed = errors.New("queue paused and job not selected")

// OnSubmit persists the submission as pending before it reaches the mirror. A display name passed in
// extra data is stored with the durable copy only, the submitted workflow is not changed.
func (m *Manager) OnSubmit(ctx context.Context, sub *engine.Submission) error {
	workflow := string(sub.Workflow)
	if hint, ok := sub.Extra[nameHintKey].(string); ok && strings.TrimSpace(hint) != "" {
		named, err := persistence.SetWorkflowName(workflow, strings.TrimSpace(hint))
		if err != nil {
			log.Printf("[WARN] can't apply name hint to %s: %v", sub.PromptID, err)
		} else {
			workflow = named
		}
	}
	inserted, err := m.store.Submit(ctx, sub.PromptID, workflow, sub.Priority)
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", sub.PromptID, err)
	}
	if !inserted {
		return engine.ErrDuplicate
	}
	m.metrics.Submitted()
	log.Printf("[DEBUG] persisted submission %s", sub.PromptID)
	return nil
}

// BeforeDequeue lets the head item through if the queue runs or the item is selected while paused,
// and resources allow a start. Called with the mirror locked.
func (m *Manager) BeforeDequeue(head queue.Item) bool {
	if !m.allowedToRun(head.PromptID) {
		return false
	}
	ok, _ := m.conditions.Allowed()
	return ok
}

// AfterDequeue marks the taken item running. Items which may not run yet go back to the mirror,
// items whose durable entry is no longer pending are dropped.
func (m *Manager) AfterDequeue(ctx context.Context, item queue.Item) error {
	if !m.allowedToRun(item.PromptID) {
		return errNotAllowed
	}
	marked, err := m.store.MarkRunning(ctx, item.PromptID)
	if err != nil {
		return fmt.Errorf("failed to mark %s running: %w", item.PromptID, err)
	}
	if !marked {
		return fmt.Errorf("%s is not pending: %w", item.PromptID, engine.ErrNotRunnable)
	}
	m.metrics.Started()
	return nil
}

// BeforeComplete records the outcome before the item leaves the running set, so nobody sees a finished job
// without its history.
func (m *Manager) BeforeComplete(ctx context.Context, item queue.Item, res engine.Result) {
	status, errMsg := outcome(res)
	if err := m.store.SetStatus(ctx, item.PromptID, status, errMsg); err != nil {
		log.Printf("[ERROR] failed to mark %s %s: %v", item.PromptID, status, err)
	}

	workflow := string(item.Workflow)
	duration := -1.0
	row, err := m.store.Get(ctx, item.PromptID)
	switch {
	case err == nil:
		workflow = reconcileName(workflow, row.Workflow)
		if !row.StartedAt.IsZero() && !row.CompletedAt.IsZero() {
			duration = max(0, row.CompletedAt.Sub(row.StartedAt).Seconds())
		}
	case errors.Is(err, persistence.ErrNotFound):
		// deleted while running, history is still recorded
	default:
		log.Printf("[WARN] can't load %s for name reconcile: %v", item.PromptID, err)
	}

	m.recordHistory(ctx, item.PromptID, workflow, res.Outputs, status)
	m.finishSelected(item.PromptID)
	m.metrics.Finished(status, duration)
	m.notify(notify.Event{PromptID: item.PromptID, Name: persistence.WorkflowName(workflow), Status: status,
		Error: errMsg, Duration: duration})
	log.Printf("[INFO] job %s %s", item.PromptID, status)
}

// recordHistory writes the history entry and its thumbnails, a placeholder if outputs have no images
func (m *Manager) recordHistory(ctx context.Context, promptID, workflow string, outputs json.RawMessage,
	status enums.JobStatus) {
	outs := string(outputs)
	if outs == "" {
		outs = "{}"
	}
	historyID, err := m.store.RecordHistory(ctx, persistence.HistoryRecord{PromptID: promptID, Workflow: workflow,
		Outputs: outs, Status: status})
	if err != nil {
		log.Printf("[ERROR] failed to record history of %s: %v", promptID, err)
		return
	}

	thumbs := m.thumbs.FromOutputs(outputs, workflow)
	if len(thumbs) == 0 {
		ph, err := m.thumbs.Placeholder(status, workflow)
		if err != nil {
			log.Printf("[WARN] can't make placeholder for %s: %v", promptID, err)
			return
		}
		thumbs = append(thumbs, ph)
	}
	if err := m.store.SaveThumbnails(ctx, historyID, thumbs); err != nil {
		log.Printf("[WARN] can't save thumbnails of %s: %v", promptID, err)
	}
}

// finishSelected drops a finished job from the allow-set
func (m *Manager) finishSelected(promptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allowed[promptID]; !ok {
		return
	}
	delete(m.allowed, promptID)
	if len(m.allowed) == 0 && m.paused {
		log.Printf("[INFO] finished all selected jobs; queue remains paused")
	}
}

func (m *Manager) notify(ev notify.Event) {
	if m.notifier == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.notifier.Notify(ctx, ev); err != nil {
			log.Printf("[WARN] can't send notification for %s: %v", ev.PromptID, err)
		}
	}()
}

func (m *Manager) allowedToRun(promptID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.paused {
		return true
	}
	_, ok := m.allowed[promptID]
	return ok
}

// outcome maps an executor result to the terminal status and error message
func outcome(res engine.Result) (enums.JobStatus, string) {
	if res.Success {
		return enums.JobStatusCompleted, ""
	}
	msg := res.Message
	if msg == "" {
		msg = res.Status
	}
	switch strings.ToLower(res.Status) {
	case "cancelled", "canceled", "interrupted", "cancel":
		return enums.JobStatusInterrupted, msg
	default:
		return enums.JobStatusFailed, msg
	}
}

// reconcileName applies the display name of the durable copy to the in-flight workflow, so a rename
// made while the job ran ends up in history
func reconcileName(inflight, durable string) string {
	name := strings.TrimSpace(persistence.WorkflowName(durable))
	if name == "" || name == persistence.WorkflowName(inflight) {
		return inflight
	}
	res, err := persistence.SetWorkflowName(inflight, name)
	if err != nil {
		log.Printf("[WARN] can't apply name %q: %v", name, err)
		return inflight
	}
	return res
}
