package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/co5dt/pqueue/app/enums"
)

// ErrInvalidQuery is returned for unsupported history query parameters
var ErrInvalidQuery = errors.New("invalid history query")

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// sortExpressions maps public sort names to sql expressions, nulls are folded so keyset comparisons stay total
var sortExpressions = map[string]string{
	"id":           "id",
	"completed_at": "COALESCE(completed_at, created_at, 0)",
	"created_at":   "COALESCE(created_at, 0)",
	"duration":     "COALESCE(duration_seconds, -1)",
}

// SortFields returns supported history sort field names
func SortFields() []string {
	return []string{"id", "completed_at", "created_at", "duration"}
}

// HistoryRecord is a request to append a history entry
type HistoryRecord struct {
	PromptID string
	Workflow string
	Outputs  string
	Status   enums.JobStatus
	Duration *float64 // derived from the queue entry timestamps if nil
}

// HistoryEntry is an immutable record of a finished job
type HistoryEntry struct {
	ID          int64
	PromptID    string
	Workflow    string
	Outputs     string
	Status      enums.JobStatus
	Duration    float64 // seconds, -1 if unknown
	CreatedAt   time.Time
	CompletedAt time.Time
	Thumbs      int
}

type historyRow struct {
	ID          int64           `db:"id"`
	PromptID    string          `db:"prompt_id"`
	Workflow    sql.NullString  `db:"workflow"`
	Outputs     sql.NullString  `db:"outputs"`
	Status      enums.JobStatus `db:"status"`
	Duration    sql.NullFloat64 `db:"duration_seconds"`
	CreatedAt   sql.NullInt64   `db:"created_at"`
	CompletedAt sql.NullInt64   `db:"completed_at"`
	Thumbs      int             `db:"thumbs"`
	SortValue   float64         `db:"sort_value"`
}

func (r historyRow) entry() HistoryEntry {
	res := HistoryEntry{
		ID:          r.ID,
		PromptID:    r.PromptID,
		Workflow:    r.Workflow.String,
		Outputs:     r.Outputs.String,
		Status:      r.Status,
		Duration:    -1,
		CreatedAt:   fromMillis(r.CreatedAt),
		CompletedAt: fromMillis(r.CompletedAt),
		Thumbs:      r.Thumbs,
	}
	if r.Duration.Valid {
		res.Duration = r.Duration.Float64
	}
	return res
}

const historyColumns = `id, prompt_id, workflow, outputs, status, duration_seconds, created_at, completed_at,
	(SELECT COUNT(1) FROM history_thumbs t WHERE t.history_id = job_history.id) AS thumbs`

// Thumbnail is an encoded preview image attached to a history entry
type Thumbnail struct {
	Idx    int    `db:"idx"`
	Mime   string `db:"mime"`
	Width  int    `db:"width"`
	Height int    `db:"height"`
	Data   []byte `db:"data"`
}

// Cursor is a keyset position in a sorted history listing
type Cursor struct {
	Value float64 `json:"value"`
	ID    int64   `json:"id"`
}

// HistoryQuery defines filters, sort and position for a history page
type HistoryQuery struct {
	Limit       int
	SortBy      string // one of SortFields, id if empty
	SortDir     enums.SortDir
	Cursor      *Cursor
	Statuses    []enums.JobStatus
	Search      string // matched against prompt id, workflow and outputs
	Since       time.Time
	Until       time.Time
	MinDuration *float64
	MaxDuration *float64
}

// HistoryPage is a single page of history
type HistoryPage struct {
	Rows       []HistoryEntry
	NextCursor *Cursor
	HasMore    bool
	Total      int
}

// RecordHistory appends a history entry. The start bound is the queue entry's started_at (created_at if the
// job never started), the end bound is completed_at or now.
func (s *SQLiteStore) RecordHistory(ctx context.Context, rec HistoryRecord) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	start, end := now, now
	var ts struct {
		CreatedAt   int64         `db:"created_at"`
		StartedAt   sql.NullInt64 `db:"started_at"`
		CompletedAt sql.NullInt64 `db:"completed_at"`
	}
	err = tx.GetContext(ctx, &ts, `SELECT created_at, started_at, completed_at FROM queue_items WHERE prompt_id = ?`,
		rec.PromptID)
	switch {
	case err == nil:
		start = ts.CreatedAt
		if ts.StartedAt.Valid {
			start = ts.StartedAt.Int64
		}
		if ts.CompletedAt.Valid {
			end = ts.CompletedAt.Int64
		}
	case errors.Is(err, sql.ErrNoRows):
		log.Printf("[DEBUG] no queue entry for %s, history timestamps set to now", rec.PromptID)
	default:
		return 0, fmt.Errorf("failed to load timestamps for %s: %w", rec.PromptID, err)
	}

	duration := max(0, float64(end-start)/1000)
	if rec.Duration != nil {
		duration = max(0, *rec.Duration)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO job_history
		(prompt_id, workflow, outputs, status, duration_seconds, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.PromptID, rec.Workflow, nullString(rec.Outputs), rec.Status.String(), duration, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history for %s: %w", rec.PromptID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get history id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// SaveThumbnails stores thumbnails for a history entry, replacing any with the same idx
func (s *SQLiteStore) SaveThumbnails(ctx context.Context, historyID int64, thumbs []Thumbnail) error {
	if len(thumbs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, th := range thumbs {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO history_thumbs (history_id, idx, mime, width, height, data)
			VALUES (?, ?, ?, ?, ?, ?)`, historyID, th.Idx, th.Mime, th.Width, th.Height, th.Data)
		if err != nil {
			return fmt.Errorf("failed to save thumbnail %d for history %d: %w", th.Idx, historyID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetThumbnail returns a thumbnail by history id and position, ErrNotFound if absent
func (s *SQLiteStore) GetThumbnail(ctx context.Context, historyID int64, idx int) (Thumbnail, error) {
	var th Thumbnail
	err := s.db.GetContext(ctx, &th, `SELECT idx, mime, width, height, data FROM history_thumbs
		WHERE history_id = ? AND idx = ?`, historyID, idx)
	if errors.Is(err, sql.ErrNoRows) {
		return Thumbnail{}, ErrNotFound
	}
	if err != nil {
		return Thumbnail{}, fmt.Errorf("failed to get thumbnail %d/%d: %w", historyID, idx, err)
	}
	return th, nil
}

// ListHistory returns the most recent history entries, newest first
func (s *SQLiteStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	limit = clampLimit(limit)
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+historyColumns+`, id AS sort_value
		FROM job_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	res := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.entry())
	}
	return res, nil
}

// ListHistoryPage returns a keyset-paginated page of history. Total honors filters and ignores the cursor.
func (s *SQLiteStore) ListHistoryPage(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "id"
	}
	expr, ok := sortExpressions[sortBy]
	if !ok {
		return HistoryPage{}, fmt.Errorf("%w: unsupported sort field %q", ErrInvalidQuery, q.SortBy)
	}
	limit := clampLimit(q.Limit)

	where, args := historyFilters(q)

	var total int
	countQuery := `SELECT COUNT(1) FROM job_history` + whereClause(where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return HistoryPage{}, fmt.Errorf("failed to count history: %w", err)
	}

	dir, cmp := "DESC", "<"
	if q.SortDir == enums.SortDirAsc {
		dir, cmp = "ASC", ">"
	}
	if q.Cursor != nil {
		where = append(where, fmt.Sprintf("(%s %s ? OR (%s = ? AND id %s ?))", expr, cmp, expr, cmp))
		args = append(args, q.Cursor.Value, q.Cursor.Value, q.Cursor.ID)
	}

	query := fmt.Sprintf(`SELECT %s, %s AS sort_value FROM job_history%s ORDER BY %s %s, id %s LIMIT ?`,
		historyColumns, expr, whereClause(where), expr, dir, dir)
	args = append(args, limit+1)

	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return HistoryPage{}, fmt.Errorf("failed to list history page: %w", err)
	}

	page := HistoryPage{Total: total, Rows: make([]HistoryEntry, 0, min(len(rows), limit))}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for _, r := range rows {
		page.Rows = append(page.Rows, r.entry())
	}
	if page.HasMore {
		last := rows[len(rows)-1]
		page.NextCursor = &Cursor{Value: last.SortValue, ID: last.ID}
	}
	return page, nil
}

// LatestWorkflow returns the workflow of the most recent history entry for the prompt,
// falling back to the queue entry
func (s *SQLiteStore) LatestWorkflow(ctx context.Context, promptID string) (string, error) {
	var wf sql.NullString
	err := s.db.GetContext(ctx, &wf, `SELECT workflow FROM job_history WHERE prompt_id = ? ORDER BY id DESC LIMIT 1`,
		promptID)
	if err == nil && wf.Valid && wf.String != "" {
		return wf.String, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to get history workflow for %s: %w", promptID, err)
	}

	entry, err := s.Get(ctx, promptID)
	if err != nil {
		return "", err
	}
	return entry.Workflow, nil
}

// BackfillDurations recomputes duration_seconds for history rows with a missing duration or identical
// start and end timestamps, using the queue entry timestamps when the entry still exists
func (s *SQLiteStore) BackfillDurations(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var candidates []struct {
		ID    int64         `db:"id"`
		Start int64         `db:"start_at"`
		End   sql.NullInt64 `db:"end_at"`
	}
	err = tx.SelectContext(ctx, &candidates, `SELECT h.id, COALESCE(q.started_at, q.created_at) AS start_at,
			COALESCE(q.completed_at, h.completed_at) AS end_at
		FROM job_history h JOIN queue_items q ON q.prompt_id = h.prompt_id
		WHERE h.duration_seconds IS NULL OR h.created_at IS NULL OR h.created_at = h.completed_at`)
	if err != nil {
		return 0, fmt.Errorf("failed to select backfill candidates: %w", err)
	}

	var updated int64
	for _, c := range candidates {
		if !c.End.Valid {
			continue
		}
		duration := max(0, float64(c.End.Int64-c.Start)/1000)
		_, err := tx.ExecContext(ctx, `UPDATE job_history SET duration_seconds = ?, created_at = ?, completed_at = ?
			WHERE id = ?`, duration, c.Start, c.End.Int64, c.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to backfill history %d: %w", c.ID, err)
		}
		updated++
	}

	// rows without a queue entry can only use their own timestamps
	res, err := tx.ExecContext(ctx, `UPDATE job_history
		SET duration_seconds = MAX(0, (COALESCE(completed_at, created_at) - created_at) / 1000.0)
		WHERE duration_seconds IS NULL AND created_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill orphan history: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		updated += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return updated, nil
}

// PruneHistory deletes history finished before olderThan (if set) and everything beyond the newest keep
// rows (if keep > 0). Thumbnails go with their history rows.
func (s *SQLiteStore) PruneHistory(ctx context.Context, olderThan time.Time, keep int) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var deleted int64
	if !olderThan.IsZero() {
		res, err := tx.ExecContext(ctx, `DELETE FROM job_history WHERE COALESCE(completed_at, created_at, 0) < ?`,
			olderThan.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("failed to prune history by age: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if keep > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM job_history
			WHERE id NOT IN (SELECT id FROM job_history ORDER BY id DESC LIMIT ?)`, keep)
		if err != nil {
			return 0, fmt.Errorf("failed to prune history by count: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return deleted, nil
}

func historyFilters(q HistoryQuery) (where []string, args []any) {
	if len(q.Statuses) > 0 {
		marks := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			marks = append(marks, "?")
			args = append(args, st.String())
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.Search != "" {
		like := "%" + escapeLike(q.Search) + "%"
		where = append(where, `(prompt_id LIKE ? ESCAPE '\' OR workflow LIKE ? ESCAPE '\' OR outputs LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}
	if !q.Since.IsZero() {
		where = append(where, "COALESCE(completed_at, created_at) >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "COALESCE(completed_at, created_at) <= ?")
		args = append(args, q.Until.UnixMilli())
	}
	if q.MinDuration != nil {
		where = append(where, "duration_seconds >= ?")
		args = append(args, *q.MinDuration)
	}
	if q.MaxDuration != nil {
		where = append(where, "duration_seconds <= ?")
		args = append(args, *q.MaxDuration)
	}
	return where, args
}

func whereClause(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return limit
	}
}
