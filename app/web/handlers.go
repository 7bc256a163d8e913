package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/co5dt/pqueue/app/engine"
	"github.com/co5dt/pqueue/app/manager"
	"github.com/co5dt/pqueue/app/persistence"
	"github.com/co5dt/pqueue/app/queue"
)

// QueueResponse is the JSON response of GET /queue
type QueueResponse struct {
	Paused   bool               `json:"paused"`
	Pending  []Entry            `json:"pending"`
	Running  []Item             `json:"running"`
	Queued   []Item             `json:"queued"`
	Rows     map[string]Entry   `json:"db_rows_by_id"`
	Progress map[string]float64 `json:"running_progress"`
	Selected []string           `json:"selected"`
}

// Item is a job in the scheduling mirror
type Item struct {
	Number   int64           `json:"number"`
	PromptID string          `json:"prompt_id"`
	Name     string          `json:"name,omitempty"`
	Workflow json.RawMessage `json:"workflow"`
}

// Entry is a durable queue row
type Entry struct {
	ID          int64     `json:"id"`
	PromptID    string    `json:"prompt_id"`
	Name        string    `json:"name,omitempty"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	Workflow    string    `json:"workflow"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

func toItem(it queue.Item) Item {
	return Item{Number: it.Number, PromptID: it.PromptID, Name: persistence.WorkflowName(string(it.Workflow)),
		Workflow: it.Workflow}
}

func toEntry(e persistence.QueueEntry) Entry {
	return Entry{
		ID:          e.ID,
		PromptID:    e.PromptID,
		Name:        e.Name(),
		Priority:    e.Priority,
		Status:      e.Status.String(),
		Workflow:    e.Workflow,
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Error:       e.Error,
	}
}

// handleQueue returns the combined state of the mirror and the durable store
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap := s.Queue.Snapshot(r.Context())
	resp := QueueResponse{
		Paused:   snap.Paused,
		Pending:  make([]Entry, 0, len(snap.Pending)),
		Running:  make([]Item, 0, len(snap.Running)),
		Queued:   make([]Item, 0, len(snap.Queued)),
		Rows:     make(map[string]Entry, len(snap.Rows)),
		Progress: snap.Progress,
		Selected: snap.Selected,
	}
	for _, e := range snap.Pending {
		resp.Pending = append(resp.Pending, toEntry(e))
	}
	for _, it := range snap.Running {
		resp.Running = append(resp.Running, toItem(it))
	}
	for _, it := range snap.Queued {
		resp.Queued = append(resp.Queued, toItem(it))
	}
	for id, e := range snap.Rows {
		resp.Rows[id] = toEntry(e)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.Queue.Pause()
	s.writeJSON(w, http.StatusOK, rest.JSON{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.Queue.Resume()
	s.writeJSON(w, http.StatusOK, rest.JSON{"paused": false})
}

// handleSubmit queues a job, POST /queue/prompt {prompt_id?, prompt, extra_data?, priority?}
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptID  string          `json:"prompt_id"`
		Prompt    json.RawMessage `json:"prompt"`
		ExtraData map[string]any  `json:"extra_data"`
		Priority  int             `json:"priority"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Prompt) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "prompt required")
		return
	}

	promptID, number, err := s.Queue.Submit(r.Context(), manager.SubmitRequest{PromptID: req.PromptID,
		Prompt: req.Prompt, Extra: req.ExtraData, Priority: req.Priority})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidPrompt) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[ERROR] failed to submit %s: %v", promptID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	s.writeJSON(w, http.StatusOK, rest.JSON{"ok": true, "prompt_id": promptID, "number": number})
}

// handleReorder promotes listed jobs to the front, POST /queue/reorder {order: [...]}
func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []string `json:"order"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	n := s.Queue.Reorder(req.Order)
	s.writeJSON(w, http.StatusOK, rest.JSON{"ok": true, "reordered": n})
}

// handlePriority sets durable priority, PATCH /queue/priority {prompt_id, priority}
func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptID string `json:"prompt_id"`
		Priority *int   `json:"priority"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.PromptID == "" || req.Priority == nil {
		s.writeJSONError(w, http.StatusBadRequest, "prompt_id and priority required")
		return
	}
	if err := s.Queue.SetPriority(r.Context(), req.PromptID, *req.Priority); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, persistence.ErrTerminal) {
			s.writeJSONError(w, http.StatusBadRequest, "job already finished")
			return
		}
		log.Printf("[ERROR] failed to set priority of %s: %v", req.PromptID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to set priority")
		return
	}
	s.writeJSON(w, http.StatusOK, rest.JSON{"ok": true})
}

// handleDelete removes jobs, POST /queue/delete {prompt_ids: [...]}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptIDs []string `json:"prompt_ids"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.Queue.Delete(r.Context(), req.PromptIDs); err != nil {
		log.Printf("[ERROR] failed to delete jobs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to delete jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, rest.JSON{"ok": true})
}

// handleRename sets the display name, PATCH /queue/rename {prompt_id, name}
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptID string `json:"prompt_id"`
		Name     string `json:"name"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.PromptID == "" || req.Name == "" {
		s.writeJSONError(w, http.StatusBadRequest, "prompt_id and name required")
		return
	}
	if err := s.Queue.Rename(r.Context(), req.PromptID, req.Name); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Printf("[ERROR] failed to rename %s: %v", req.PromptID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to rename job")
		return
	}
	s.writeJSON(w, http.StatusOK, rest.JSON{"ok": true})
}

// handleRunSelected runs listed jobs while paused, POST /queue/run-selected {prompt_ids: [...]}
func (s *Server) handleRunSelected(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptIDs []string `json:"prompt_ids"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ids, err := s.Queue.RunSelected(r.Context(), req.PromptIDs)
	if err != nil {
		if errors.Is(err, manager.ErrNotPaused) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[ERROR] failed to run selected jobs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to run selected jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, rest.JSON{"ok": true, "executed": ids})
}

// handleSkipSelected cancels listed queued jobs while running, POST /queue/skip-selected {prompt_ids: [...]}
func (s *Server) handleSkipSelected(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptIDs []string `json:"prompt_ids"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ids, err := s.Queue.SkipSelected(r.Context(), req.PromptIDs)
	if err != nil {
		if errors.Is(err, manager.ErrPaused) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[ERROR] failed to skip selected jobs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to skip selected jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, rest.JSON{"ok": true, "skipped": ids})
}
