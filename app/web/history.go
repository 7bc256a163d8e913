package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/co5dt/pqueue/app/enums"
	"github.com/co5dt/pqueue/app/manager"
	"github.com/co5dt/pqueue/app/persistence"
	"github.com/co5dt/pqueue/app/thumb"
)

// HistoryEntry is a finished job in history responses
type HistoryEntry struct {
	ID          int64     `json:"id"`
	PromptID    string    `json:"prompt_id"`
	Name        string    `json:"name,omitempty"`
	Workflow    string    `json:"workflow"`
	Outputs     string    `json:"outputs"`
	Status      string    `json:"status"`
	Duration    float64   `json:"duration_seconds"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Thumbs      int       `json:"thumbs"`
}

// HistoryPageResponse is the paginated JSON response of GET /queue/history
type HistoryPageResponse struct {
	History    []HistoryEntry      `json:"history"`
	NextCursor *persistence.Cursor `json:"next_cursor"`
	HasMore    bool                `json:"has_more"`
	Total      int                 `json:"total"`
}

func toHistoryEntry(e persistence.HistoryEntry) HistoryEntry {
	return HistoryEntry{
		ID:          e.ID,
		PromptID:    e.PromptID,
		Name:        persistence.WorkflowName(e.Workflow),
		Workflow:    e.Workflow,
		Outputs:     e.Outputs,
		Status:      e.Status.String(),
		Duration:    e.Duration,
		CreatedAt:   e.CreatedAt,
		CompletedAt: e.CompletedAt,
		Thumbs:      e.Thumbs,
	}
}

// handleHistory returns history. With no parameters except limit it returns {"history": [...]} with the most
// recent entries, otherwise a filtered keyset page.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 50
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	simple := true
	for k := range query {
		if k != "limit" {
			simple = false
			break
		}
	}
	if simple {
		rows, err := s.Queue.History(r.Context(), limit)
		if err != nil {
			log.Printf("[ERROR] failed to list history: %v", err)
			s.writeJSONError(w, http.StatusInternalServerError, "failed to list history")
			return
		}
		resp := make([]HistoryEntry, 0, len(rows))
		for _, e := range rows {
			resp = append(resp, toHistoryEntry(e))
		}
		s.writeJSON(w, http.StatusOK, rest.JSON{"history": resp})
		return
	}

	q, err := parseHistoryQuery(query)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Limit = limit
	page, err := s.Queue.HistoryPage(r.Context(), q)
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidQuery) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[ERROR] failed to list history page: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	resp := HistoryPageResponse{History: make([]HistoryEntry, 0, len(page.Rows)), NextCursor: page.NextCursor,
		HasMore: page.HasMore, Total: page.Total}
	for _, e := range page.Rows {
		resp.History = append(resp.History, toHistoryEntry(e))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// parseHistoryQuery converts query parameters to persistence.HistoryQuery. Status accepts a comma separated list,
// since and until accept RFC3339 time, a date or unix seconds.
func parseHistoryQuery(query map[string][]string) (persistence.HistoryQuery, error) {
	get := func(k string) string {
		if v := query[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	res := persistence.HistoryQuery{SortBy: get("sort_by"), Search: get("q"), SortDir: enums.SortDirDesc}
	if v := get("sort_dir"); v != "" {
		dir, err := enums.ParseSortDir(strings.ToLower(v))
		if err != nil {
			return res, fmt.Errorf("invalid sort_dir %q", v)
		}
		res.SortDir = dir
	}

	if cid := get("cursor_id"); cid != "" {
		id, err := strconv.ParseInt(cid, 10, 64)
		if err != nil {
			return res, fmt.Errorf("invalid cursor_id %q", cid)
		}
		cursor := &persistence.Cursor{ID: id}
		if cv := get("cursor_value"); cv != "" {
			if cursor.Value, err = strconv.ParseFloat(cv, 64); err != nil {
				return res, fmt.Errorf("invalid cursor_value %q", cv)
			}
		} else {
			if res.SortBy != "" && res.SortBy != "id" {
				return res, fmt.Errorf("cursor_value required for sort_by %s", res.SortBy)
			}
			cursor.Value = float64(id)
		}
		res.Cursor = cursor
	}

	if v := get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			status, err := enums.ParseJobStatus(strings.ToLower(strings.TrimSpace(st)))
			if err != nil {
				return res, fmt.Errorf("invalid status %q", st)
			}
			res.Statuses = append(res.Statuses, status)
		}
	}

	var err error
	if res.Since, err = parseTime(get("since")); err != nil {
		return res, fmt.Errorf("invalid since: %w", err)
	}
	if res.Until, err = parseTime(get("until")); err != nil {
		return res, fmt.Errorf("invalid until: %w", err)
	}
	if res.MinDuration, err = parseFloatPtr(get("min_duration")); err != nil {
		return res, fmt.Errorf("invalid min_duration: %w", err)
	}
	if res.MaxDuration, err = parseFloatPtr(get("max_duration")); err != nil {
		return res, fmt.Errorf("invalid max_duration: %w", err)
	}
	return res, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.UnixMilli(int64(secs * 1000)), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format %q", v)
}

func parseFloatPtr(v string) (*float64, error) {
	if v == "" {
		return nil, nil //nolint:nilnil // absent value
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// handleHistoryThumb returns raw thumbnail bytes, GET /queue/history/thumb/{id}?idx=
func (s *Server) handleHistoryThumb(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid history id")
		return
	}
	idx := 0
	if v := r.URL.Query().Get("idx"); v != "" {
		if idx, err = strconv.Atoi(v); err != nil || idx < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid idx")
			return
		}
	}

	th, err := s.Queue.Thumbnail(r.Context(), id, idx)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Printf("[ERROR] failed to get thumbnail %d/%d: %v", id, idx, err)
		http.Error(w, "failed to get thumbnail", http.StatusInternalServerError)
		return
	}
	mime := th.Mime
	if mime == "" {
		mime = "image/png"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(th.Data)))
	if _, err := w.Write(th.Data); err != nil {
		log.Printf("[WARN] failed to write thumbnail: %v", err)
	}
}

// handlePreview serves a cached preview of an output file with the job workflow embedded,
// GET /queue/preview?filename&subfolder&type&pid&preview=format;quality
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.Previews == nil {
		http.NotFound(w, r)
		return
	}
	query := r.URL.Query()
	path, err := s.Thumbs.Resolve(query.Get("type"), query.Get("subfolder"), query.Get("filename"))
	if err != nil {
		log.Printf("[WARN] rejected preview request: %v", err)
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}

	format, quality := thumb.ParsePreview(query.Get("preview"))
	workflow := s.Queue.WorkflowFor(r.Context(), query.Get("pid"))
	cachePath, mime, err := s.Previews.Render(path, format, quality, workflow)
	if err != nil {
		log.Printf("[ERROR] failed to render preview of %s: %v", path, err)
		http.Error(w, "failed to render preview", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, cachePath)
}

// handleExport returns pending jobs as a portable document, GET /queue/export[?format=yaml]
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Queue.Export(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to export queue: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to export queue")
		return
	}
	asYAML := strings.EqualFold(r.URL.Query().Get("format"), "yaml")
	data, err := manager.EncodeExport(doc, asYAML)
	if err != nil {
		log.Printf("[ERROR] failed to encode export: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to export queue")
		return
	}
	if asYAML {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	if _, err := w.Write(data); err != nil {
		log.Printf("[WARN] failed to write export: %v", err)
	}
}

// handleExportSchema returns the json schema of the export document
func (s *Server) handleExportSchema(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, manager.ExportSchema())
}

// handleImport adds jobs from an export document, POST /queue/import. YAML bodies are detected by content type
// or ?format=yaml.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "can't read request body")
		return
	}
	asYAML := strings.EqualFold(r.URL.Query().Get("format"), "yaml") ||
		strings.Contains(r.Header.Get("Content-Type"), "yaml")
	doc, err := manager.DecodeExport(body, asYAML)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.Queue.Import(r.Context(), doc)
	if err != nil {
		log.Printf("[ERROR] failed to import queue: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to import queue")
		return
	}
	s.writeJSON(w, http.StatusOK, rest.JSON{"ok": true, "added": res.Added, "duplicates": res.Duplicates,
		"invalid": res.Invalid})
}
