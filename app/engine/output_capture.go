package engine

import (
	"bytes"
	"strings"
	"sync"
)

// OutputCapture keeps the last N lines written to it, safe for concurrent writes
type OutputCapture struct {
	maxLines int
	lines    []string
	mu       sync.Mutex
}

// NewOutputCapture creates io.Writer that captures output limited to last max lines
func NewOutputCapture(maximum int) *OutputCapture {
	return &OutputCapture{maxLines: maximum}
}

// Write satisfies io.Writer interface, captures last N lines in circular buffer
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.maxLines == 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(o.lines) >= o.maxLines {
			o.lines = o.lines[1:]
		}
		o.lines = append(o.lines, string(line))
	}
	return len(p), nil
}

// String returns the captured lines joined by newlines
func (o *OutputCapture) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}
