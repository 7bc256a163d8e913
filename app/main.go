package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/co5dt/pqueue/app/conditions"
	"github.com/co5dt/pqueue/app/engine"
	"github.com/co5dt/pqueue/app/manager"
	"github.com/co5dt/pqueue/app/metrics"
	"github.com/co5dt/pqueue/app/notify"
	"github.com/co5dt/pqueue/app/persistence"
	"github.com/co5dt/pqueue/app/service"
	"github.com/co5dt/pqueue/app/thumb"
	"github.com/co5dt/pqueue/app/web"
)

var opts struct {
	DB         string        `long:"db" env:"PQUEUE_DB" default:"pqueue.db" description:"sqlite database file"`
	Listen     string        `short:"l" long:"listen" env:"PQUEUE_LISTEN" default:"127.0.0.1:8188" description:"web server listen address"`
	BaseURL    string        `long:"base-url" env:"PQUEUE_BASE_URL" description:"base URL path for reverse proxy (e.g., /pqueue)"`
	Resume     bool          `long:"resume" env:"PQUEUE_RESUME" description:"start processing right away, the queue starts paused otherwise"`
	Poll       time.Duration `long:"poll" env:"PQUEUE_POLL" default:"1s" description:"max wait of a single dequeue attempt"`
	SubmitRate float64       `long:"submit-rate" env:"PQUEUE_SUBMIT_RATE" default:"10" description:"submissions per second per client"`
	Metrics    bool          `long:"metrics" env:"PQUEUE_METRICS" description:"serve prometheus metrics on /metrics"`
	Dbg        bool          `long:"dbg" env:"PQUEUE_DEBUG" description:"debug mode"`

	Roots struct {
		Output string `long:"output" env:"OUTPUT" default:"output" description:"output storage root"`
		Input  string `long:"input" env:"INPUT" default:"input" description:"input storage root"`
		Temp   string `long:"temp" env:"TEMP" default:"temp" description:"temp storage root"`
	} `group:"roots" namespace:"roots" env-namespace:"PQUEUE_ROOTS"`

	Thumb struct {
		MaxSize   int `long:"max-size" env:"MAX_SIZE" default:"128" description:"thumbnail bounding box side"`
		MaxImages int `long:"max-images" env:"MAX_IMAGES" default:"4" description:"max thumbnails per job"`
	} `group:"thumb" namespace:"thumb" env-namespace:"PQUEUE_THUMB"`

	Preview struct {
		Dir    string        `long:"dir" env:"DIR" description:"preview cache directory, previews disabled if empty"`
		MaxAge time.Duration `long:"max-age" env:"MAX_AGE" default:"24h" description:"remove cached previews not used for this long"`
	} `group:"preview" namespace:"preview" env-namespace:"PQUEUE_PREVIEW"`

	Exec struct {
		Command       string        `long:"command" env:"COMMAND" required:"true" description:"shell command executing a job"`
		Timeout       time.Duration `long:"timeout" env:"TIMEOUT" description:"max execution time per attempt, no limit if 0"`
		OutputClasses []string      `long:"output-class" env:"OUTPUT_CLASSES" env-delim:"," default:"SaveImage" description:"node classes producing outputs"`
		MaxLogLines   int           `long:"max-log" env:"MAX_LOG" default:"50" description:"max number of log lines kept for errors"`
	} `group:"exec" namespace:"exec" env-namespace:"PQUEUE_EXEC"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to run a failed job"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"PQUEUE_REPEATER"`

	Conditions struct {
		CPUBelow      int           `long:"cpu-below" env:"CPU_BELOW" description:"start jobs only if cpu usage percent is below"`
		MemoryBelow   int           `long:"memory-below" env:"MEMORY_BELOW" description:"start jobs only if memory usage percent is below"`
		LoadAvgBelow  float64       `long:"load-below" env:"LOAD_BELOW" description:"start jobs only if 1 minute load average is below"`
		DiskFreeAbove int           `long:"disk-free-above" env:"DISK_FREE_ABOVE" description:"start jobs only if free disk percent is above"`
		DiskFreePath  string        `long:"disk-path" env:"DISK_PATH" default:"/" description:"path for disk free check"`
		Custom        string        `long:"custom" env:"CUSTOM" description:"start jobs only if this shell command exits with 0"`
		TTL           time.Duration `long:"ttl" env:"TTL" default:"10s" description:"conditions check interval"`
	} `group:"conditions" namespace:"conditions" env-namespace:"PQUEUE_CONDITIONS"`

	Notify struct {
		Webhooks     []string      `long:"webhook" env:"WEBHOOKS" env-delim:"," description:"webhook url(s)"`
		Headers      []string      `long:"header" env:"HEADERS" env-delim:"," description:"extra webhook header(s), Name:value"`
		Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"webhook request timeout"`
		OnFailure    bool          `long:"on-failure" env:"ON_FAILURE" description:"notify on failed and interrupted jobs"`
		OnCompletion bool          `long:"on-complete" env:"ON_COMPLETE" description:"notify on completed jobs"`
	} `group:"notify" namespace:"notify" env-namespace:"PQUEUE_NOTIFY"`

	Housekeeping struct {
		Spec          string        `long:"spec" env:"SPEC" default:"@hourly" description:"housekeeping cron schedule"`
		HistoryMaxAge time.Duration `long:"history-max-age" env:"HISTORY_MAX_AGE" description:"remove history older than this, disabled if 0"`
		HistoryKeep   int           `long:"history-keep" env:"HISTORY_KEEP" description:"keep at most this many history entries, disabled if 0"`
	} `group:"housekeeping" namespace:"housekeeping" env-namespace:"PQUEUE_HOUSEKEEPING"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"pqueue.log" description:"file name for log"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max number of days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable log compression"`
	} `group:"log" namespace:"log" env-namespace:"PQUEUE_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("pqueue %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGINT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
	log.Printf("[INFO] pqueue stopped")
}

// run wires all components and blocks until ctx is done
func run(ctx context.Context) error {
	store, err := persistence.NewSQLiteStore(opts.DB)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	collector := makeMetrics()
	checker := makeConditions()
	thumbs := &thumb.Generator{
		Roots:     map[string]string{"output": opts.Roots.Output, "input": opts.Roots.Input, "temp": opts.Roots.Temp},
		MaxSize:   opts.Thumb.MaxSize,
		MaxImages: opts.Thumb.MaxImages,
	}

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	eng := engine.New(engine.Params{
		Validator: engine.GraphValidator{OutputClasses: opts.Exec.OutputClasses},
		Executor: engine.CommandExecutor{Command: opts.Exec.Command, Timeout: opts.Exec.Timeout, Repeater: rptr,
			MaxLogLines: opts.Exec.MaxLogLines},
		Poll: opts.Poll,
	})

	mgr := manager.New(manager.Params{
		Store:      store,
		Engine:     eng,
		Progress:   eng,
		Thumbs:     thumbs,
		Notifier:   makeNotifier(),
		Metrics:    collector,
		Conditions: checker,
		Resumed:    opts.Resume,
	})

	var previews *thumb.PreviewCache
	if opts.Preview.Dir != "" {
		previews = &thumb.PreviewCache{Dir: opts.Preview.Dir}
	}

	srv, err := web.New(web.Config{
		Queue:      mgr,
		Thumbs:     thumbs,
		Previews:   previews,
		Metrics:    collector,
		BaseURL:    validateBaseURL(opts.BaseURL),
		Version:    revision,
		SubmitRate: opts.SubmitRate,
	})
	if err != nil {
		return fmt.Errorf("failed to make web server: %w", err)
	}

	hk := &service.Housekeeper{
		Cron:          cron.New(),
		Store:         store,
		Spec:          opts.Housekeeping.Spec,
		HistoryMaxAge: opts.Housekeeping.HistoryMaxAge,
		HistoryKeep:   opts.Housekeeping.HistoryKeep,
		PreviewMaxAge: opts.Preview.MaxAge,
		Attempts:      3,
	}
	if previews != nil {
		hk.Previews = previews
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("engine failed: %w", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := hk.Do(ctx); err != nil {
			log.Printf("[WARN] housekeeping disabled: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx, opts.Listen); err != nil {
			errCh <- err
			cancel()
		}
	}()

	wg.Wait()
	close(errCh)
	return <-errCh
}

func makeNotifier() *notify.Service {
	return notify.NewService(notify.Params{
		Webhooks:     opts.Notify.Webhooks,
		Headers:      opts.Notify.Headers,
		Timeout:      opts.Notify.Timeout,
		OnFailure:    opts.Notify.OnFailure,
		OnCompletion: opts.Notify.OnCompletion,
	})
}

func makeMetrics() *metrics.Collector {
	if !opts.Metrics {
		return nil
	}
	return metrics.NewCollector()
}

// makeConditions returns resource checker, zero thresholds are not checked
func makeConditions() *conditions.Checker {
	var cfg conditions.Config
	if opts.Conditions.CPUBelow > 0 {
		cfg.CPUBelow = &opts.Conditions.CPUBelow
	}
	if opts.Conditions.MemoryBelow > 0 {
		cfg.MemoryBelow = &opts.Conditions.MemoryBelow
	}
	if opts.Conditions.LoadAvgBelow > 0 {
		cfg.LoadAvgBelow = &opts.Conditions.LoadAvgBelow
	}
	if opts.Conditions.DiskFreeAbove > 0 {
		cfg.DiskFreeAbove = &opts.Conditions.DiskFreeAbove
		cfg.DiskFreePath = opts.Conditions.DiskFreePath
	}
	cfg.Custom = opts.Conditions.Custom
	return conditions.NewChecker(cfg, opts.Conditions.TTL)
}

// validateBaseURL normalizes base URL, trims trailing slash and turns "/" into empty
func validateBaseURL(u string) string {
	u = strings.TrimRight(u, "/")
	if u != "" && !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return u
}

// setupLogs configures lgr, returns the writer logs go to
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled && opts.Log.Filename != "" {
		if dir := filepath.Dir(opts.Log.Filename); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				fmt.Printf("failed to create log directory %s: %v\n", dir, err)
			}
		}
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return out
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] got %v, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
}
