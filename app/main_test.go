package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func Test_makeNotifier(t *testing.T) {
	opts.Notify.Webhooks = nil
	opts.Notify.OnFailure, opts.Notify.OnCompletion = true, false
	assert.Nil(t, makeNotifier(), "no destinations")

	opts.Notify.Webhooks = []string{"http://127.0.0.1:1/hook"}
	opts.Notify.OnFailure = false
	assert.Nil(t, makeNotifier(), "nothing enabled")

	opts.Notify.OnCompletion = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.True(t, notif.IsOnCompletion())
	assert.False(t, notif.IsOnFailure())
	assert.Equal(t, 10*time.Second, notif.Timeout)
	opts.Notify.Webhooks, opts.Notify.OnCompletion = nil, false
}

func Test_makeMetrics(t *testing.T) {
	opts.Metrics = false
	assert.Nil(t, makeMetrics())
	opts.Metrics = true
	assert.NotNil(t, makeMetrics())
	opts.Metrics = false
}

func Test_makeConditions(t *testing.T) {
	opts.Conditions.TTL = time.Minute
	c := makeConditions()
	assert.False(t, c.Enabled())
	assert.Equal(t, time.Minute, c.TTL)
	ok, reason := c.Allowed()
	assert.True(t, ok)
	assert.Empty(t, reason)

	opts.Conditions.MemoryBelow = 95
	opts.Conditions.DiskFreeAbove = 5
	opts.Conditions.DiskFreePath = "/tmp"
	c = makeConditions()
	assert.True(t, c.Enabled())
	require.NotNil(t, c.MemoryBelow)
	assert.Equal(t, 95, *c.MemoryBelow)
	require.NotNil(t, c.DiskFreeAbove)
	assert.Equal(t, "/tmp", c.DiskFreePath)
	assert.Nil(t, c.LoadAvgBelow)
	opts.Conditions.MemoryBelow, opts.Conditions.DiskFreeAbove, opts.Conditions.DiskFreePath = 0, 0, ""
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	defer log.Setup(log.Out(os.Stdout), log.Err(os.Stderr))
	fname := filepath.Join(t.TempDir(), "logs", "pqueue.log")

	opts.Log.Enabled = true
	opts.Log.Filename = fname
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false
	defer func() { opts.Log.Enabled = false }()

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, fname, logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
	assert.DirExists(t, filepath.Dir(fname))
}

func Test_validateBaseURL(t *testing.T) {
	tests := []struct{ name, input, want string }{
		{"empty string", "", ""},
		{"root path", "/", ""},
		{"path without trailing slash", "/pqueue", "/pqueue"},
		{"path with trailing slash", "/pqueue/", "/pqueue"},
		{"multi-segment path", "/app/pqueue", "/app/pqueue"},
		{"multi-segment with trailing slash", "/app/pqueue/", "/app/pqueue"},
		{"no leading slash", "pqueue", "/pqueue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validateBaseURL(tt.input))
		})
	}
}

func Test_run(t *testing.T) {
	dir := t.TempDir()
	opts.DB = filepath.Join(dir, "queue.db")
	opts.Listen = "127.0.0.1:0"
	opts.Exec.Command = "cat > /dev/null; echo '{}'"
	opts.Exec.OutputClasses = []string{"SaveImage"}
	opts.Repeater.Attempts = 1
	opts.Preview.Dir = filepath.Join(dir, "previews")
	opts.Roots.Output = filepath.Join(dir, "output")
	opts.Housekeeping.Spec = "@every 1h"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop in time")
	}
	assert.FileExists(t, opts.DB)
}

func Test_runBadDB(t *testing.T) {
	opts.DB = filepath.Join(t.TempDir(), "missing", "dir", "queue.db")
	err := run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open store")
}
