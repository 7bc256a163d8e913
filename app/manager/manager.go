// Package manager is the queue coordinator. It keeps the durable store and the scheduling mirror consistent:
// it persists submissions, gates dequeues on the pause flag and the run-selected allow-set, records outcomes,
// history and thumbnails on completion, and restores pending jobs on startup.
package manager

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/co5dt/pqueue/app/conditions"
	"github.com/co5dt/pqueue/app/engine"
	"github.com/co5dt/pqueue/app/enums"
	"github.com/co5dt/pqueue/app/metrics"
	"github.com/co5dt/pqueue/app/notify"
	"github.com/co5dt/pqueue/app/persistence"
	"github.com/co5dt/pqueue/app/queue"
	"github.com/co5dt/pqueue/app/thumb"
)

var (
	// ErrNotPaused is returned by operations allowed only while the queue is paused
	ErrNotPaused = errors.New("queue must be paused to run selected jobs")
	// ErrPaused is returned by operations allowed only while the queue is running
	ErrPaused = errors.New("queue must be running to skip jobs")
)

// nameHintKey is the submission extra key carrying a display name to persist with the job
const nameHintKey = "pqueue_workflow_name"

// Store is the durable store used by the coordinator
type Store interface {
	Submit(ctx context.Context, promptID, workflow string, priority int) (bool, error)
	Remove(ctx context.Context, promptID string) error
	Get(ctx context.Context, promptID string) (persistence.QueueEntry, error)
	GetMany(ctx context.Context, promptIDs []string) (map[string]persistence.QueueEntry, error)
	ListPending(ctx context.Context) ([]persistence.QueueEntry, error)
	SetStatus(ctx context.Context, promptID string, status enums.JobStatus, errMsg string) error
	MarkRunning(ctx context.Context, promptID string) (bool, error)
	SetPriority(ctx context.Context, promptID string, priority int) error
	Rename(ctx context.Context, promptID, name string) (bool, error)
	ResetRunning(ctx context.Context) (int64, error)
	RecordHistory(ctx context.Context, rec persistence.HistoryRecord) (int64, error)
	SaveThumbnails(ctx context.Context, historyID int64, thumbs []persistence.Thumbnail) error
	GetThumbnail(ctx context.Context, historyID int64, idx int) (persistence.Thumbnail, error)
	ListHistory(ctx context.Context, limit int) ([]persistence.HistoryEntry, error)
	ListHistoryPage(ctx context.Context, q persistence.HistoryQuery) (persistence.HistoryPage, error)
	LatestWorkflow(ctx context.Context, promptID string) (string, error)
}

// Engine is the execution engine the coordinator plugs into
type Engine interface {
	SetHooks(h engine.Hooks)
	Submit(ctx context.Context, sub engine.Submission) (int64, error)
	Validate(promptID string, workflow json.RawMessage) ([]string, error)
	Enqueue(item queue.Item) (int64, bool)
	Mirror() *queue.Mirror
}

// ProgressSource reports progress of running jobs as a fraction in [0,1]
type ProgressSource interface {
	Progress(promptID string) (float64, bool)
}

// Params for New. Store and Engine are required, the rest is optional.
type Params struct {
	Store      Store
	Engine     Engine
	Progress   ProgressSource
	Thumbs     *thumb.Generator
	Notifier   *notify.Service
	Metrics    *metrics.Collector
	Conditions *conditions.Checker
	Resumed    bool // start processing right away, the queue starts paused otherwise
}

// Manager is the queue coordinator
type Manager struct {
	store      Store
	engine     Engine
	mirror     *queue.Mirror
	progress   ProgressSource
	thumbs     *thumb.Generator
	notifier   *notify.Service
	metrics    *metrics.Collector
	conditions *conditions.Checker

	mu      sync.RWMutex
	paused  bool
	allowed map[string]struct{} // run-selected allow-set

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	restored chan struct{} // closed when startup restore is done
}

// Snapshot is the combined state of the mirror and the durable store
type Snapshot struct {
	Paused   bool
	Pending  []persistence.QueueEntry          // durable pending entries, scheduling order
	Running  []queue.Item                      // items being executed
	Queued   []queue.Item                      // items waiting in the mirror, execution order
	Rows     map[string]persistence.QueueEntry // durable rows of all running and queued items
	Progress map[string]float64                // prompt id -> fraction for running items
	Selected []string                          // run-selected allow-set
}

// SubmitRequest is a job offered for queuing
type SubmitRequest struct {
	PromptID string // generated if empty
	Prompt   json.RawMessage
	Extra    map[string]any
	Priority int
}

// New makes a coordinator, call Start to plug it into the engine
func New(p Params) *Manager {
	res := &Manager{
		store:      p.Store,
		engine:     p.Engine,
		mirror:     p.Engine.Mirror(),
		progress:   p.Progress,
		thumbs:     p.Thumbs,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
		conditions: p.Conditions,
		paused:     !p.Resumed,
		allowed:    map[string]struct{}{},
		restored:   make(chan struct{}),
	}
	if res.thumbs == nil {
		res.thumbs = &thumb.Generator{}
	}
	if res.conditions != nil {
		res.conditions.OnChange = func(bool) { res.mirror.Notify() }
	}
	return res
}

// Start installs the hooks and restores pending jobs in background.
// It is the only place the resource checker refresh loop is started.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.engine.SetHooks(m)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.restored)
		if _, _, err := m.Restore(ctx); err != nil {
			log.Printf("[ERROR] failed to restore pending jobs: %v", err)
		}
	}()

	if m.conditions != nil && m.conditions.Enabled() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.conditions.Run(ctx)
		}()
	}

	if m.Paused() {
		log.Printf("[INFO] queue initialized in PAUSED state, resume to start processing")
	} else {
		log.Printf("[INFO] queue initialized, processing enabled")
	}
}

// Restored returns a channel closed when startup restore is done
func (m *Manager) Restored() <-chan struct{} {
	return m.restored
}

// Stop detaches from the engine and waits for background tasks
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.engine.SetHooks(nil)
}

// Pause stops new jobs from starting, the running job is not affected
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	log.Printf("[INFO] queue paused")
	m.updateGauges()
}

// Resume lets queued jobs start
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	log.Printf("[INFO] queue resumed")
	m.mirror.Notify()
	m.updateGauges()
}

// Paused reports the pause flag
func (m *Manager) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Submit queues a job through the engine, the OnSubmit hook persists it. Returns the prompt id (generated
// if not set) and the sequence number.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (promptID string, number int64, err error) {
	promptID = req.PromptID
	if promptID == "" {
		u := uuid.New()
		promptID = hex.EncodeToString(u[:])
	}
	number, err = m.engine.Submit(ctx, engine.Submission{PromptID: promptID, Workflow: req.Prompt, Extra: req.Extra,
		Priority: req.Priority})
	if err != nil {
		return promptID, 0, err
	}
	if req.Priority != 0 {
		m.applyPriorities(ctx)
	}
	m.updateGauges()
	return promptID, number, nil
}

// Snapshot returns the state for ui polling. Store errors here are not fatal, rows are left out.
func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	running, queued := m.mirror.Snapshot()
	res := Snapshot{
		Paused:   m.Paused(),
		Pending:  []persistence.QueueEntry{},
		Running:  running,
		Queued:   queued,
		Rows:     map[string]persistence.QueueEntry{},
		Progress: map[string]float64{},
		Selected: m.selected(),
	}

	if pending, err := m.store.ListPending(ctx); err != nil {
		log.Printf("[WARN] can't list pending jobs: %v", err)
	} else {
		res.Pending = pending
	}

	ids := make([]string, 0, len(running)+len(queued))
	for _, it := range running {
		ids = append(ids, it.PromptID)
		if m.progress != nil {
			if f, ok := m.progress.Progress(it.PromptID); ok {
				res.Progress[it.PromptID] = f
			}
		}
	}
	for _, it := range queued {
		ids = append(ids, it.PromptID)
	}
	if rows, err := m.store.GetMany(ctx, ids); err != nil {
		log.Printf("[WARN] can't load queue rows: %v", err)
	} else {
		res.Rows = rows
	}

	m.metrics.SetQueue(len(queued), len(running), res.Paused)
	return res
}

// History returns the most recent history entries
func (m *Manager) History(ctx context.Context, limit int) ([]persistence.HistoryEntry, error) {
	return m.store.ListHistory(ctx, limit)
}

// HistoryPage returns a filtered, sorted page of history
func (m *Manager) HistoryPage(ctx context.Context, q persistence.HistoryQuery) (persistence.HistoryPage, error) {
	return m.store.ListHistoryPage(ctx, q)
}

// Thumbnail returns a thumbnail of a history entry
func (m *Manager) Thumbnail(ctx context.Context, historyID int64, idx int) (persistence.Thumbnail, error) {
	return m.store.GetThumbnail(ctx, historyID, idx)
}

// WorkflowFor returns the workflow to embed in previews of the job outputs, empty if unknown
func (m *Manager) WorkflowFor(ctx context.Context, promptID string) string {
	if promptID == "" {
		return ""
	}
	wf, err := m.store.LatestWorkflow(ctx, promptID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			log.Printf("[WARN] can't load workflow of %s: %v", promptID, err)
		}
		return ""
	}
	return wf
}

func (m *Manager) selected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]string, 0, len(m.allowed))
	for id := range m.allowed {
		res = append(res, id)
	}
	return res
}

func (m *Manager) updateGauges() {
	running, queued := m.mirror.Snapshot()
	m.metrics.SetQueue(len(queued), len(running), m.Paused())
}

// applyPriorities promotes pending jobs in durable order (priority desc, created_at asc)
func (m *Manager) applyPriorities(ctx context.Context) {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		log.Printf("[WARN] can't apply priorities: %v", err)
		return
	}
	ids := make([]string, 0, len(pending))
	for _, e := range pending {
		ids = append(ids, e.PromptID)
	}
	n := m.mirror.Reconcile(ids)
	log.Printf("[DEBUG] applied priorities to %d queued jobs", n)
}
