package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/co5dt/pqueue/app/queue"
)

// executor status strings
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusInterrupted = "interrupted"
)

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// CommandExecutor runs every job as a shell command. The workflow json is passed on stdin,
// PQUEUE_PROMPT_ID and PQUEUE_OUTPUT_NODES are set in the environment. Stdout lines "PROGRESS <fraction>"
// report progress, the last stdout line holding a json object is taken as the job outputs,
// everything else (and stderr) is kept for the error message.
type CommandExecutor struct {
	Command     string
	Timeout     time.Duration // per attempt, no limit if 0
	Repeater    Repeater      // single attempt if nil
	MaxLogLines int           // lines kept for error reports, 50 if 0
}

// Execute implements Executor
func (c CommandExecutor) Execute(ctx context.Context, item queue.Item, progress func(fraction float64)) Result {
	maxLines := c.MaxLogLines
	if maxLines == 0 {
		maxLines = 50
	}
	capture := NewOutputCapture(maxLines)

	rptr := c.Repeater
	if rptr == nil {
		rptr = repeater.New(&strategy.Once{})
	}

	var outputs json.RawMessage
	err := rptr.Do(ctx, func() error {
		res, e := c.run(ctx, item, capture, progress)
		if e != nil {
			return e
		}
		outputs = res
		return nil
	})

	if ctx.Err() != nil {
		return Result{Status: StatusInterrupted, Message: "interrupted"}
	}
	if err != nil {
		msg := err.Error()
		if tail := capture.String(); tail != "" {
			msg += "\n\n" + tail
		}
		return Result{Status: StatusError, Message: msg}
	}
	if progress != nil {
		progress(1)
	}
	return Result{Success: true, Status: StatusSuccess, Outputs: outputs}
}

func (c CommandExecutor) run(ctx context.Context, item queue.Item, capture *OutputCapture,
	progress func(float64)) (json.RawMessage, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", c.Command) // nolint gosec
	cmd.Stdin = bytes.NewReader(item.Workflow)
	cmd.Env = append(os.Environ(), "PQUEUE_PROMPT_ID="+item.PromptID,
		"PQUEUE_OUTPUT_NODES="+strings.Join(item.Plan, ","))
	cmd.Stderr = capture
	killProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command %s: %w", c.Command, err)
	}

	var outputs json.RawMessage
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if rest, ok := bytes.CutPrefix(line, []byte("PROGRESS ")); ok {
			if f, err := strconv.ParseFloat(string(bytes.TrimSpace(rest)), 64); err == nil && progress != nil {
				progress(f)
			}
			continue
		}
		if len(line) > 0 && line[0] == '{' && json.Valid(line) {
			outputs = append(json.RawMessage(nil), line...)
			continue
		}
		_, _ = capture.Write(line)
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %v: %w", c.Timeout, err)
		}
		return nil, fmt.Errorf("command failed: %w", err)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to read command output: %w", scanErr)
	}
	if outputs == nil {
		log.Printf("[DEBUG] no outputs reported for %s", item.PromptID)
	}
	return outputs, nil
}
