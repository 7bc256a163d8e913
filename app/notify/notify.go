// Package notify delivers job outcome messages to webhooks
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/co5dt/pqueue/app/enums"
)

// Params defines what and where to notify
type Params struct {
	Webhooks     []string      // destination urls, http or https
	Headers      []string      // extra headers, "Name:value"
	Timeout      time.Duration // per request
	OnFailure    bool          // notify on failed and interrupted jobs
	OnCompletion bool          // notify on completed jobs
}

// Event describes a finished job
type Event struct {
	PromptID string          `json:"prompt_id"`
	Name     string          `json:"name,omitempty"`
	Status   enums.JobStatus `json:"status"`
	Error    string          `json:"error,omitempty"`
	Duration float64         `json:"duration_seconds"`
	Host     string          `json:"host,omitempty"`
	TS       time.Time       `json:"ts"`
}

// Service sends events to all configured webhooks
type Service struct {
	Params
	notifier notify.Notifier
	host     string
}

// NewService makes notification service, returns nil if there are no destinations or nothing is enabled
func NewService(p Params) *Service {
	if len(p.Webhooks) == 0 || (!p.OnFailure && !p.OnCompletion) {
		return nil
	}
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	host, _ := os.Hostname()
	return &Service{
		Params:   p,
		notifier: notify.NewWebhook(notify.WebhookParams{Timeout: p.Timeout, Headers: p.Headers}),
		host:     host,
	}
}

// IsOnFailure reports whether failed and interrupted jobs are sent
func (s *Service) IsOnFailure() bool { return s != nil && s.OnFailure }

// IsOnCompletion reports whether completed jobs are sent
func (s *Service) IsOnCompletion() bool { return s != nil && s.OnCompletion }

// Notify sends the event if its status is enabled. Errors of all destinations are joined.
func (s *Service) Notify(ctx context.Context, ev Event) error {
	if s == nil {
		return nil
	}
	switch ev.Status {
	case enums.JobStatusCompleted:
		if !s.IsOnCompletion() {
			return nil
		}
	case enums.JobStatusFailed, enums.JobStatusInterrupted, enums.JobStatusCancelled:
		if !s.IsOnFailure() {
			return nil
		}
	default:
		return nil
	}

	if ev.Host == "" {
		ev.Host = s.host
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	text, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var errs []error
	for _, dest := range s.Webhooks {
		if err := s.notifier.Send(ctx, dest, string(text)); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", dest, err))
			continue
		}
		log.Printf("[DEBUG] notification for %s (%s) sent to %s", ev.PromptID, ev.Status, dest)
	}
	return errors.Join(errs...)
}
