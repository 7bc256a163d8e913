package conditions

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{MemoryBelow: intPtr(90)}.Enabled())
	assert.True(t, Config{Custom: "true"}.Enabled())
}

func TestChecker_Check(t *testing.T) {
	tbl := []struct {
		name   string
		cfg    Config
		wantOK bool
		reason string
	}{
		{name: "no conditions", cfg: Config{}, wantOK: true},
		{name: "memory below high threshold", cfg: Config{MemoryBelow: intPtr(101)}, wantOK: true},
		{name: "memory below zero", cfg: Config{MemoryBelow: intPtr(0)}, reason: "memory at"},
		{name: "load below huge threshold", cfg: Config{LoadAvgBelow: floatPtr(10000)}, wantOK: true},
		{name: "disk free above zero", cfg: Config{DiskFreeAbove: intPtr(0)}, wantOK: true},
		{name: "disk free above 101", cfg: Config{DiskFreeAbove: intPtr(101), DiskFreePath: "/"}, reason: "disk free at"},
		{name: "disk bad path", cfg: Config{DiskFreeAbove: intPtr(1), DiskFreePath: "/non/existent/path"},
			reason: "failed to get disk usage"},
		{name: "custom success", cfg: Config{Custom: "exit 0"}, wantOK: true},
		{name: "custom failure", cfg: Config{Custom: "exit 1"}, reason: "custom check failed"},
		{name: "first failure wins", cfg: Config{MemoryBelow: intPtr(0), Custom: "exit 1"}, reason: "memory at"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(tt.cfg, 0)
			ok, reason := c.Check(context.Background())
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Empty(t, reason)
				return
			}
			assert.Contains(t, reason, tt.reason)
		})
	}
}

func TestChecker_Allowed(t *testing.T) {
	t.Run("disabled always allowed", func(t *testing.T) {
		ok, reason := NewChecker(Config{}, 0).Allowed()
		assert.True(t, ok)
		assert.Empty(t, reason)

		var c *Checker
		ok, _ = c.Allowed()
		assert.True(t, ok)
	})

	t.Run("closed until first refresh", func(t *testing.T) {
		var changes atomic.Int32
		c := NewChecker(Config{Custom: "true"}, time.Hour)
		c.OnChange = func(ok bool) {
			if ok {
				changes.Add(1)
			}
		}
		ok, reason := c.Allowed()
		assert.False(t, ok)
		assert.Equal(t, "resources not checked yet", reason)

		require.Eventually(t, func() bool { ok, _ := c.Allowed(); return ok }, time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), changes.Load())
	})

	t.Run("refresh flips state", func(t *testing.T) {
		c := NewChecker(Config{Custom: "exit 1"}, time.Hour)
		c.Refresh(context.Background())
		ok, reason := c.Allowed()
		assert.False(t, ok)
		assert.Contains(t, reason, "custom check failed")

		c.Custom = "exit 0"
		c.Refresh(context.Background())
		ok, _ = c.Allowed()
		assert.True(t, ok)
	})
}

func TestChecker_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewChecker(Config{Custom: "true"}, 20*time.Millisecond)
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { ok, _ := c.Allowed(); return ok }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run didn't stop")
	}
}
