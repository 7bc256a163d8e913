// Package engine is the execution side of the queue: it validates submissions, keeps the scheduling
// mirror, and runs a single worker draining it one job at a time. The queue coordinator plugs in via
// Hooks, called around submission, dequeue and completion.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/co5dt/pqueue/app/queue"
)

// ErrInvalidPrompt wraps every validation failure
var ErrInvalidPrompt = errors.New("invalid prompt")

// ErrDuplicate is returned by OnSubmit hooks for a prompt id which is already known.
// Submit treats it as a no-op and leaves the mirror alone.
var ErrDuplicate = errors.New("duplicate submission")

// ErrNotRunnable is returned by AfterDequeue hooks for an item which must not run any more,
// e.g. finished or cancelled while still in the mirror. The item is dropped, not requeued.
var ErrNotRunnable = errors.New("job not runnable")

// Submission is a job offered to the engine
type Submission struct {
	PromptID string
	Workflow json.RawMessage
	Extra    map[string]any
	Priority int
}

// Result is the outcome reported by an executor
type Result struct {
	Success bool
	Status  string          // executor status string, e.g. success, error, interrupted
	Outputs json.RawMessage // node id -> output descriptors
	Message string          // error details for unsuccessful runs
}

// Hooks is the interception contract used by the queue coordinator
type Hooks interface {
	// OnSubmit is called for every accepted submission before it is queued, an error rejects the submission
	OnSubmit(ctx context.Context, sub *Submission) error
	// BeforeDequeue decides if the head item may be taken. Called with the mirror locked, must not touch the mirror.
	BeforeDequeue(head queue.Item) bool
	// AfterDequeue is called for a taken item before execution, an error puts the item back
	AfterDequeue(ctx context.Context, item queue.Item) error
	// BeforeComplete is called with the result before the item leaves the running set
	BeforeComplete(ctx context.Context, item queue.Item, res Result)
}

// Validator checks a job description and returns its execution plan
type Validator interface {
	Validate(promptID string, workflow json.RawMessage) (plan []string, err error)
}

// Executor runs a single job, reporting progress as a fraction in [0,1]
type Executor interface {
	Execute(ctx context.Context, item queue.Item, progress func(fraction float64)) Result
}

// Params for New
type Params struct {
	Validator Validator
	Executor  Executor
	Poll      time.Duration // max wait of a single dequeue attempt, 1s if not set
	Retry     time.Duration // base backoff after a rejected dequeue, 50ms if not set
}

// Engine accepts submissions and drains the mirror with a single worker
type Engine struct {
	mirror    *queue.Mirror
	validator Validator
	executor  Executor
	poll      time.Duration
	retry     time.Duration
	progress  *progressRegistry

	mu    sync.RWMutex
	hooks Hooks
}

// New makes an engine with an empty mirror
func New(p Params) *Engine {
	res := &Engine{
		mirror:    queue.NewMirror(),
		validator: p.Validator,
		executor:  p.Executor,
		poll:      p.Poll,
		retry:     p.Retry,
		progress:  newProgressRegistry(),
	}
	if res.poll <= 0 {
		res.poll = time.Second
	}
	if res.retry <= 0 {
		res.retry = 50 * time.Millisecond
	}
	return res
}

// SetHooks installs interception hooks, nil removes them
func (e *Engine) SetHooks(h Hooks) {
	e.mu.Lock()
	e.hooks = h
	e.mu.Unlock()
	e.mirror.Notify()
}

// Mirror returns the scheduling mirror
func (e *Engine) Mirror() *queue.Mirror {
	return e.mirror
}

// Validate checks workflow, errors wrap ErrInvalidPrompt
func (e *Engine) Validate(promptID string, workflow json.RawMessage) ([]string, error) {
	plan, err := e.validator.Validate(promptID, workflow)
	if err != nil {
		if errors.Is(err, ErrInvalidPrompt) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrompt, err)
	}
	return plan, nil
}

// Submit validates the job, passes it through the OnSubmit hook and queues it at the tail.
// Returns the assigned sequence number.
func (e *Engine) Submit(ctx context.Context, sub Submission) (int64, error) {
	plan, err := e.Validate(sub.PromptID, sub.Workflow)
	if err != nil {
		return 0, err
	}
	if h := e.getHooks(); h != nil {
		if err := h.OnSubmit(ctx, &sub); err != nil {
			if errors.Is(err, ErrDuplicate) {
				num := int64(0)
				if it, ok := e.mirror.Queued(sub.PromptID); ok {
					num = it.Number
				}
				log.Printf("[DEBUG] %s already submitted, ignored", sub.PromptID)
				return num, nil
			}
			return 0, fmt.Errorf("submission of %s rejected: %w", sub.PromptID, err)
		}
	}
	num, added := e.mirror.PutTailUnique(queue.Item{PromptID: sub.PromptID, Workflow: sub.Workflow, Extra: sub.Extra, Plan: plan})
	if !added {
		log.Printf("[DEBUG] %s already queued as #%d", sub.PromptID, num)
		return num, nil
	}
	log.Printf("[DEBUG] queued %s as #%d", sub.PromptID, num)
	return num, nil
}

// Enqueue puts an already validated item at the tail, bypassing OnSubmit. Items already queued or running
// are left alone, added is false for them.
func (e *Engine) Enqueue(item queue.Item) (num int64, added bool) {
	return e.mirror.PutTailUnique(item)
}

// Progress returns the progress fraction of a running job
func (e *Engine) Progress(promptID string) (float64, bool) {
	return e.progress.get(promptID)
}

// ProgressAll returns progress of all running jobs keyed by prompt id
func (e *Engine) ProgressAll() map[string]float64 {
	return e.progress.all()
}

// Run drains the mirror until ctx is done, one job at a time
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[INFO] execution worker started")
	for {
		if ctx.Err() != nil {
			log.Printf("[INFO] execution worker stopped")
			return ctx.Err()
		}
		e.step(ctx)
	}
}

// step makes one dequeue attempt and executes the item if one was taken
func (e *Engine) step(ctx context.Context) {
	hooks := e.getHooks()
	var gate queue.Gate
	if hooks != nil {
		gate = hooks.BeforeDequeue
	}

	item, id, ok := e.mirror.Get(ctx, e.poll, gate)
	if !ok {
		return
	}

	if hooks != nil {
		if err := hooks.AfterDequeue(ctx, item); err != nil {
			if errors.Is(err, ErrNotRunnable) {
				e.mirror.TaskDone(id)
				log.Printf("[INFO] dropped %s: %v", item.PromptID, err)
				return
			}
			e.mirror.Requeue(id, item)
			log.Printf("[DEBUG] dequeue of %s rejected: %v", item.PromptID, err)
			e.backoff(ctx)
			return
		}
	}

	log.Printf("[INFO] executing %s", item.PromptID)
	e.progress.set(item.PromptID, 0)
	res := e.executor.Execute(ctx, item, func(f float64) { e.progress.set(item.PromptID, f) })
	e.progress.remove(item.PromptID)

	if ctx.Err() != nil {
		// shutdown while running, the durable entry stays running and is picked up on next start
		log.Printf("[INFO] %s interrupted by shutdown", item.PromptID)
		e.mirror.TaskDone(id)
		return
	}

	log.Printf("[INFO] finished %s, status %s", item.PromptID, res.Status)
	if hooks != nil {
		hooks.BeforeComplete(ctx, item, res)
	}
	e.mirror.TaskDone(id)
}

// backoff sleeps between retry and 2*retry, or until ctx is done
func (e *Engine) backoff(ctx context.Context) {
	d := e.retry + time.Duration(rand.Int64N(int64(e.retry)+1))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (e *Engine) getHooks() Hooks {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hooks
}
