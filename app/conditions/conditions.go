// Package conditions gates job starts on system resources. Checks run in the background and the dequeue
// path only reads the last result, so a slow check never holds the queue.
package conditions

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config defines thresholds, nil or empty means not checked
type Config struct {
	CPUBelow      *int     // cpu usage percent must be below
	MemoryBelow   *int     // memory usage percent must be below
	LoadAvgBelow  *float64 // 1 minute load average must be below
	DiskFreeAbove *int     // free disk percent must be above
	DiskFreePath  string   // path for disk check, "/" by default
	Custom        string   // shell command, must exit with 0
}

// Enabled reports whether any condition is set
func (c Config) Enabled() bool {
	return c.CPUBelow != nil || c.MemoryBelow != nil || c.LoadAvgBelow != nil || c.DiskFreeAbove != nil || c.Custom != ""
}

// Checker evaluates Config and keeps the last result
type Checker struct {
	Config
	TTL      time.Duration // result age triggering a refresh on read, 10s by default
	OnChange func(ok bool) // called after a refresh flips the result

	mu         sync.RWMutex
	ok         bool
	reason     string
	checkedAt  time.Time
	refreshing atomic.Bool
}

// NewChecker makes a checker for cfg. Until the first refresh completes the gate is closed.
func NewChecker(cfg Config, ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Checker{Config: cfg, TTL: ttl, reason: "resources not checked yet"}
}

// Allowed returns the last result and kicks a background refresh if it is stale
func (c *Checker) Allowed() (ok bool, reason string) {
	if c == nil || !c.Enabled() {
		return true, ""
	}
	c.mu.RLock()
	ok, reason, stale := c.ok, c.reason, time.Since(c.checkedAt) > c.TTL
	c.mu.RUnlock()
	if stale && c.refreshing.CompareAndSwap(false, true) {
		go func() {
			defer c.refreshing.Store(false)
			c.Refresh(context.Background())
		}()
	}
	return ok, reason
}

// Refresh runs all checks and stores the result
func (c *Checker) Refresh(ctx context.Context) {
	ok, reason := c.Check(ctx)
	c.mu.Lock()
	changed := ok != c.ok
	c.ok, c.reason, c.checkedAt = ok, reason, time.Now()
	c.mu.Unlock()
	if !changed {
		return
	}
	if ok {
		log.Printf("[INFO] resource conditions met, jobs can start")
	} else {
		log.Printf("[INFO] resource conditions not met, job starts on hold: %s", reason)
	}
	if c.OnChange != nil {
		c.OnChange(ok)
	}
}

// Run refreshes the result every TTL until ctx is done
func (c *Checker) Run(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	c.Refresh(ctx)
	ticker := time.NewTicker(c.TTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Check verifies all conditions, returns false with the first failing reason
func (c *Checker) Check(ctx context.Context) (bool, string) {
	if c.CPUBelow != nil {
		if ok, reason := c.checkCPU(ctx, *c.CPUBelow); !ok {
			return false, reason
		}
	}
	if c.MemoryBelow != nil {
		if ok, reason := c.checkMemory(ctx, *c.MemoryBelow); !ok {
			return false, reason
		}
	}
	if c.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(ctx, *c.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if c.DiskFreeAbove != nil {
		path := c.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(ctx, *c.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	if c.Custom != "" {
		if ok, reason := c.checkCustom(ctx, c.Custom); !ok {
			return false, reason
		}
	}
	return true, ""
}

func (c *Checker) checkCPU(ctx context.Context, threshold int) (bool, string) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	if current := int(cpuPercent[0]); current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkMemory(ctx context.Context, threshold int) (bool, string) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	if current := int(v.UsedPercent); current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkLoadAvg(ctx context.Context, threshold float64) (bool, string) {
	loads, err := load.AvgWithContext(ctx)
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

func (c *Checker) checkDiskFree(ctx context.Context, minFreePercent int, path string) (bool, string) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	if freePercent := 100 - int(usage.UsedPercent); freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

func (c *Checker) checkCustom(ctx context.Context, script string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "sh", "-c", script).Run(); err != nil { //nolint:gosec // script is operator config
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
