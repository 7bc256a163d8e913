// Package queue implements the in-memory scheduling mirror drained by the execution worker.
// Items are kept in a binary heap ordered by sequence number (lower runs first), ties broken by prompt id.
// All access goes through a single mutex, every mutation that may make work available wakes waiting consumers.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Item is a single queued job
type Item struct {
	Number   int64           // sequence number, lower runs first
	PromptID string          // external job id
	Workflow json.RawMessage // job description as accepted by the engine
	Extra    map[string]any  // side-channel data passed through to the executor
	Plan     []string        // ids of output nodes to execute, produced by validation
}

// TaskID identifies a dequeued item until it is marked done
type TaskID int64

// Gate decides if the head item may be consumed. It is called with the mirror lock held and
// must not call back into the Mirror.
type Gate func(head Item) bool

// Mirror is a mutex-guarded priority queue of pending items plus the set of running ones
type Mirror struct {
	mu         sync.Mutex
	items      itemHeap
	running    map[TaskID]Item
	nextNumber int64
	lastTask   TaskID
	changed    chan struct{} // closed and replaced on every mutation
}

// NewMirror makes an empty mirror
func NewMirror() *Mirror {
	return &Mirror{running: map[TaskID]Item{}, changed: make(chan struct{})}
}

// NextNumber returns a fresh sequence number, greater than any number handed out or inserted so far
func (m *Mirror) NextNumber() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocNumber()
}

// Put inserts item with its own sequence number
func (m *Mirror) Put(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.Number >= m.nextNumber {
		m.nextNumber = item.Number + 1
	}
	heap.Push(&m.items, item)
	m.broadcast()
}

// PutTail inserts item behind everything queued so far, returns the assigned sequence number
func (m *Mirror) PutTail(item Item) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Number = m.allocNumber()
	heap.Push(&m.items, item)
	m.broadcast()
	return item.Number
}

// PutTailUnique is PutTail for items not already queued or running. For a known prompt id it returns
// the existing sequence number and false.
func (m *Mirror) PutTailUnique(item Item) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(item.PromptID); i >= 0 {
		return m.items[i].Number, false
	}
	for _, it := range m.running {
		if it.PromptID == item.PromptID {
			return it.Number, false
		}
	}
	item.Number = m.allocNumber()
	heap.Push(&m.items, item)
	m.broadcast()
	return item.Number, true
}

// Requeue puts back an item taken by Get but not executed, it keeps its original sequence number
// and is dropped from the running set
func (m *Mirror) Requeue(id TaskID, item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
	heap.Push(&m.items, item)
	m.broadcast()
}

// Get pops the head item if gate allows it, waiting up to wait for one to become available.
// ok is false if nothing could be taken within wait or ctx is done.
func (m *Mirror) Get(ctx context.Context, wait time.Duration, gate Gate) (item Item, id TaskID, ok bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if len(m.items) > 0 && (gate == nil || gate(m.items[0])) {
			item = heap.Pop(&m.items).(Item)
			m.lastTask++
			id = m.lastTask
			m.running[id] = item
			m.mu.Unlock()
			return item, id, true
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return Item{}, 0, false
		case <-ctx.Done():
			return Item{}, 0, false
		}
	}
}

// TaskDone removes a dequeued item from the running set
func (m *Mirror) TaskDone(id TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
	m.broadcast()
}

// Remove deletes a queued item by prompt id, reports whether it was found
func (m *Mirror) Remove(promptID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.items {
		if it.PromptID == promptID {
			heap.Remove(&m.items, i)
			m.broadcast()
			return true
		}
	}
	return false
}

// Has reports whether prompt id is queued or running
func (m *Mirror) Has(promptID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexOf(promptID) >= 0 {
		return true
	}
	for _, it := range m.running {
		if it.PromptID == promptID {
			return true
		}
	}
	return false
}

// Queued returns a copy of the queued item with prompt id
func (m *Mirror) Queued(promptID string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(promptID); i >= 0 {
		return m.items[i], true
	}
	return Item{}, false
}

// Update applies fn to the queued or running copy of prompt id, reports whether an item was found.
// fn must not change the sequence number.
func (m *Mirror) Update(promptID string, fn func(*Item)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	if i := m.indexOf(promptID); i >= 0 {
		num := m.items[i].Number
		fn(&m.items[i])
		m.items[i].Number = num
		found = true
	}
	for id, it := range m.running {
		if it.PromptID == promptID {
			fn(&it)
			m.running[id] = it
			found = true
		}
	}
	return found
}

// Reconcile moves the listed prompt ids ahead of everything else, in the given order.
// The targets get a block of sequence numbers strictly below the current minimum, all other items keep
// their numbers so their relative order is untouched. Unknown and duplicate ids are ignored.
// Returns the number of promoted items.
func (m *Mirror) Reconcile(order []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 || len(order) == 0 {
		return 0
	}

	pos := make(map[string]int, len(order))
	for _, pid := range order {
		if _, dup := pos[pid]; dup {
			continue
		}
		if m.indexOf(pid) < 0 {
			continue
		}
		pos[pid] = len(pos)
	}
	if len(pos) == 0 {
		return 0
	}

	minNum := m.items[0].Number
	for _, it := range m.items {
		minNum = min(minNum, it.Number)
	}
	start := minNum - int64(len(pos))
	for i := range m.items {
		if p, ok := pos[m.items[i].PromptID]; ok {
			m.items[i].Number = start + int64(p)
		}
	}
	heap.Init(&m.items)
	m.broadcast()
	return len(pos)
}

// Snapshot returns copies of running and queued items, queued sorted by execution order
func (m *Mirror) Snapshot() (running, queued []Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	running = make([]Item, 0, len(m.running))
	ids := make([]TaskID, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		running = append(running, m.running[id])
	}
	queued = make([]Item, len(m.items))
	copy(queued, m.items)
	sort.Slice(queued, func(i, j int) bool { return less(queued[i], queued[j]) })
	return running, queued
}

// Len returns the number of queued items
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Notify wakes consumers waiting in Get, used when gate conditions change outside the mirror
func (m *Mirror) Notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast()
}

func (m *Mirror) allocNumber() int64 {
	n := m.nextNumber
	m.nextNumber++
	return n
}

func (m *Mirror) indexOf(promptID string) int {
	for i, it := range m.items {
		if it.PromptID == promptID {
			return i
		}
	}
	return -1
}

// broadcast must be called with mu held
func (m *Mirror) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func less(a, b Item) bool {
	if a.Number != b.Number {
		return a.Number < b.Number
	}
	return a.PromptID < b.PromptID
}

type itemHeap []Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
