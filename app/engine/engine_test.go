package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co5dt/pqueue/app/queue"
)

const validWorkflow = `{"1":{"class_type":"SaveImage"}}`

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	block    chan struct{} // if set, Execute waits on it or ctx
}

func (f *fakeExecutor) Execute(ctx context.Context, item queue.Item, progress func(float64)) Result {
	f.mu.Lock()
	f.executed = append(f.executed, item.PromptID)
	f.mu.Unlock()
	progress(0.25)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Result{Status: StatusInterrupted}
		}
	}
	return Result{Success: true, Status: StatusSuccess, Outputs: json.RawMessage(`{}`)}
}

func (f *fakeExecutor) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type fakeHooks struct {
	mu          sync.Mutex
	submitErr   error
	allow       func(queue.Item) bool
	dequeueErr  map[string]error
	submitted   []string
	dequeued    []string
	completed   []string
	completeRes []Result
}

func (f *fakeHooks) OnSubmit(_ context.Context, sub *Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, sub.PromptID)
	return nil
}

func (f *fakeHooks) BeforeDequeue(head queue.Item) bool {
	if f.allow == nil {
		return true
	}
	return f.allow(head)
}

func (f *fakeHooks) AfterDequeue(_ context.Context, item queue.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dequeueErr[item.PromptID]; err != nil {
		delete(f.dequeueErr, item.PromptID) // fail once
		return err
	}
	f.dequeued = append(f.dequeued, item.PromptID)
	return nil
}

func (f *fakeHooks) BeforeComplete(_ context.Context, item queue.Item, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, item.PromptID)
	f.completeRes = append(f.completeRes, res)
}

func (f *fakeHooks) completedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

func newTestEngine(ex Executor) *Engine {
	return New(Params{Validator: GraphValidator{OutputClasses: []string{"SaveImage"}}, Executor: ex,
		Poll: 10 * time.Millisecond, Retry: time.Millisecond})
}

func TestEngine_Submit(t *testing.T) {
	eng := newTestEngine(&fakeExecutor{})
	hooks := &fakeHooks{}
	eng.SetHooks(hooks)

	num, err := eng.Submit(context.Background(), Submission{PromptID: "p1", Workflow: json.RawMessage(validWorkflow)})
	require.NoError(t, err)
	num2, err := eng.Submit(context.Background(), Submission{PromptID: "p2", Workflow: json.RawMessage(validWorkflow)})
	require.NoError(t, err)
	assert.Greater(t, num2, num)
	assert.Equal(t, []string{"p1", "p2"}, hooks.submitted)

	it, ok := eng.Mirror().Queued("p1")
	require.True(t, ok)
	assert.Equal(t, []string{"1"}, it.Plan)

	t.Run("invalid rejected before hook", func(t *testing.T) {
		_, err := eng.Submit(context.Background(), Submission{PromptID: "bad", Workflow: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, ErrInvalidPrompt)
		assert.False(t, eng.Mirror().Has("bad"))
		assert.NotContains(t, hooks.submitted, "bad")
	})

	t.Run("hook error rejects", func(t *testing.T) {
		hooks.submitErr = errors.New("db down")
		defer func() { hooks.submitErr = nil }()
		_, err := eng.Submit(context.Background(), Submission{PromptID: "p3", Workflow: json.RawMessage(validWorkflow)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db down")
		assert.False(t, eng.Mirror().Has("p3"))
	})

	t.Run("duplicate is a no-op", func(t *testing.T) {
		hooks.submitErr = fmt.Errorf("known: %w", ErrDuplicate)
		defer func() { hooks.submitErr = nil }()
		n, err := eng.Submit(context.Background(), Submission{PromptID: "p1", Workflow: json.RawMessage(validWorkflow)})
		require.NoError(t, err)
		assert.Equal(t, num, n, "queued number reported")

		n, err = eng.Submit(context.Background(), Submission{PromptID: "p4", Workflow: json.RawMessage(validWorkflow)})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.False(t, eng.Mirror().Has("p4"), "finished job not queued")
		assert.Equal(t, 2, eng.Mirror().Len())
	})
}

func TestEngine_RunInOrder(t *testing.T) {
	ex := &fakeExecutor{}
	eng := newTestEngine(ex)
	hooks := &fakeHooks{}
	eng.SetHooks(hooks)

	for _, id := range []string{"a", "b", "c"} {
		_, err := eng.Submit(context.Background(), Submission{PromptID: id, Workflow: json.RawMessage(validWorkflow)})
		require.NoError(t, err)
	}
	eng.Mirror().Reconcile([]string{"c"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool { return len(hooks.completedIDs()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c", "a", "b"}, ex.list())
	assert.Equal(t, []string{"c", "a", "b"}, hooks.completedIDs())
	for _, r := range hooks.completeRes {
		assert.True(t, r.Success)
	}
	running, queued := eng.Mirror().Snapshot()
	assert.Empty(t, running)
	assert.Empty(t, queued)
}

func TestEngine_DropNotRunnable(t *testing.T) {
	ex := &fakeExecutor{}
	eng := newTestEngine(ex)
	hooks := &fakeHooks{dequeueErr: map[string]error{"a": fmt.Errorf("a is cancelled: %w", ErrNotRunnable)}}
	eng.SetHooks(hooks)
	for _, id := range []string{"a", "b"} {
		_, err := eng.Submit(context.Background(), Submission{PromptID: id, Workflow: json.RawMessage(validWorkflow)})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool { return len(hooks.completedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"b"}, ex.list(), "dropped item never executes")
	assert.Equal(t, []string{"b"}, hooks.completedIDs())
	assert.False(t, eng.Mirror().Has("a"))
	assert.Zero(t, eng.Mirror().Len())
}

func TestEngine_GateAndRequeue(t *testing.T) {
	ex := &fakeExecutor{}
	eng := newTestEngine(ex)
	var mu sync.Mutex
	open := false
	hooks := &fakeHooks{
		allow: func(queue.Item) bool {
			mu.Lock()
			defer mu.Unlock()
			return open
		},
		dequeueErr: map[string]error{"a": errors.New("not now")},
	}
	eng.SetHooks(hooks)
	for _, id := range []string{"a", "b"} {
		_, err := eng.Submit(context.Background(), Submission{PromptID: id, Workflow: json.RawMessage(validWorkflow)})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx) //nolint:errcheck

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ex.list(), "gate closed, nothing runs")
	assert.Equal(t, 2, eng.Mirror().Len())

	mu.Lock()
	open = true
	mu.Unlock()
	eng.Mirror().Notify()

	require.Eventually(t, func() bool { return len(hooks.completedIDs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, ex.list(), "rejected item keeps its place and runs after retry")
}

func TestEngine_ShutdownWhileRunning(t *testing.T) {
	ex := &fakeExecutor{block: make(chan struct{})}
	eng := newTestEngine(ex)
	hooks := &fakeHooks{}
	eng.SetHooks(hooks)
	_, err := eng.Submit(context.Background(), Submission{PromptID: "p1", Workflow: json.RawMessage(validWorkflow)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		p, ok := eng.Progress("p1")
		return ok && p == 0.25
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]float64{"p1": 0.25}, eng.ProgressAll())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Empty(t, hooks.completedIDs(), "interrupted by shutdown is not a completion")
	_, ok := eng.Progress("p1")
	assert.False(t, ok)
}

func TestEngine_NoHooks(t *testing.T) {
	ex := &fakeExecutor{}
	eng := newTestEngine(ex)
	eng.Enqueue(queue.Item{PromptID: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx) //nolint:errcheck
	require.Eventually(t, func() bool { return len(ex.list()) == 1 }, time.Second, 5*time.Millisecond)
}
