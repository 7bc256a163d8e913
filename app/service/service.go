// Package service runs periodic housekeeping of the queue store and the preview cache on a cron schedule
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
)

// housekeeping task names
const (
	TaskBackfill = "backfill"
	TaskPrune    = "prune"
	TaskSweep    = "sweep"
)

// Cron interface defines basic robfig/cron methods used by the housekeeper
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
}

// Store is the part of the durable store maintained by housekeeping
type Store interface {
	BackfillDurations(ctx context.Context) (int64, error)
	PruneHistory(ctx context.Context, olderThan time.Time, keep int) (int64, error)
}

// Sweeper removes stale preview cache files
type Sweeper interface {
	Sweep(olderThan time.Duration) (int, error)
}

// Housekeeper schedules store maintenance. Do is blocking.
type Housekeeper struct {
	Cron
	Store         Store
	Previews      Sweeper       // optional
	Spec          string        // cron spec for all tasks, @hourly if empty
	HistoryMaxAge time.Duration // prune history older than this, disabled if 0
	HistoryKeep   int           // keep at most this many history rows, disabled if 0
	PreviewMaxAge time.Duration // sweep previews not touched for this long, 24h if 0
	Attempts      int           // attempts per task on store errors, 1 if 0
	RetryDelay    time.Duration // initial delay between attempts, 1s if 0

	once  sync.Once
	dedup *DeDup
	now   func() time.Time
}

// Do backfills durations right away, then runs all tasks on schedule until ctx is done
func (h *Housekeeper) Do(ctx context.Context) error {
	spec := h.Spec
	if spec == "" {
		spec = "@hourly"
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("can't parse housekeeping spec %s: %w", spec, err)
	}

	if err := h.Run(ctx, TaskBackfill); err != nil {
		log.Printf("[WARN] %v", err)
	}

	for _, task := range h.tasks() {
		id := h.Schedule(sched, cron.FuncJob(func() {
			if err := h.Run(ctx, task); err != nil {
				log.Printf("[WARN] %v", err)
			}
		}))
		log.Printf("[INFO] housekeeping %s scheduled (%v), first: %s", task, id, sched.Next(time.Now()).Format(time.RFC3339))
	}
	h.Start()
	<-ctx.Done()
	log.Print("[DEBUG] housekeeping terminated")
	<-h.Stop().Done()
	return nil
}

// Run executes a single task. Overlapping runs of the same task are skipped.
func (h *Housekeeper) Run(ctx context.Context, task string) error {
	h.once.Do(func() {
		if h.dedup == nil {
			h.dedup = NewDeDup()
		}
	})
	if !h.dedup.Add(task) {
		since, _ := h.dedup.Since(task)
		log.Printf("[INFO] housekeeping %s is active since %s, skipped", task, since.Format(time.RFC3339))
		return nil
	}
	defer h.dedup.Remove(task)

	attempts := max(1, h.Attempts)
	delay := h.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: attempts, Duration: delay, Factor: 2, Jitter: true})
	return rptr.Do(ctx, func() error {
		switch task {
		case TaskBackfill:
			return h.backfill(ctx)
		case TaskPrune:
			return h.prune(ctx)
		case TaskSweep:
			return h.sweep()
		default:
			return fmt.Errorf("unknown housekeeping task %q", task)
		}
	})
}

func (h *Housekeeper) tasks() []string {
	res := []string{TaskBackfill}
	if h.HistoryMaxAge > 0 || h.HistoryKeep > 0 {
		res = append(res, TaskPrune)
	}
	if h.Previews != nil {
		res = append(res, TaskSweep)
	}
	return res
}

func (h *Housekeeper) backfill(ctx context.Context) error {
	n, err := h.Store.BackfillDurations(ctx)
	if err != nil {
		return fmt.Errorf("failed to backfill durations: %w", err)
	}
	if n > 0 {
		log.Printf("[INFO] backfilled duration of %d history entries", n)
	}
	return nil
}

func (h *Housekeeper) prune(ctx context.Context) error {
	var olderThan time.Time
	if h.HistoryMaxAge > 0 {
		olderThan = h.timeNow().Add(-h.HistoryMaxAge)
	}
	n, err := h.Store.PruneHistory(ctx, olderThan, h.HistoryKeep)
	if err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}
	if n > 0 {
		log.Printf("[INFO] pruned %d history entries", n)
	}
	return nil
}

func (h *Housekeeper) sweep() error {
	if h.Previews == nil {
		return nil
	}
	age := h.PreviewMaxAge
	if age <= 0 {
		age = 24 * time.Hour
	}
	n, err := h.Previews.Sweep(age)
	if err != nil {
		return fmt.Errorf("failed to sweep previews: %w", err)
	}
	if n > 0 {
		log.Printf("[INFO] removed %d stale previews", n)
	}
	return nil
}

func (h *Housekeeper) timeNow() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}
