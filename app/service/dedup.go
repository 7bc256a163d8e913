package service

import (
	"sync"
	"time"
)

// DeDup tracks active tasks to prevent overlapping runs of the same task
type DeDup struct {
	active map[string]time.Time
	lock   sync.Mutex
}

// NewDeDup makes an empty DeDup
func NewDeDup() *DeDup {
	return &DeDup{active: make(map[string]time.Time)}
}

// Add registers the task, false if it is active already
func (d *DeDup) Add(task string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, found := d.active[task]; found {
		return false
	}
	d.active[task] = time.Now()
	return true
}

// Remove unregisters the task. Safe to call multiple times
func (d *DeDup) Remove(task string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.active, task)
}

// Since returns the start time of an active task
func (d *DeDup) Since(task string) (time.Time, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	ts, ok := d.active[task]
	return ts, ok
}
