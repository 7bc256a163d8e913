package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/co5dt/pqueue/app/enums"
)

// ErrNotFound is returned when the requested entry does not exist
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned for changes which are allowed only before the job finished
var ErrTerminal = errors.New("job already finished")

// QueueEntry is a durable queue row, one per prompt id
type QueueEntry struct {
	ID          int64
	PromptID    string
	Workflow    string // serialized job description, may carry a display name
	Priority    int    // higher runs earlier
	Status      enums.JobStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// Name returns the display name embedded in the workflow, empty if none
func (e QueueEntry) Name() string {
	return WorkflowName(e.Workflow)
}

// queueRow is the db representation of QueueEntry
type queueRow struct {
	ID          int64           `db:"id"`
	PromptID    string          `db:"prompt_id"`
	Workflow    string          `db:"workflow"`
	Priority    int             `db:"priority"`
	Status      enums.JobStatus `db:"status"`
	CreatedAt   int64           `db:"created_at"`
	StartedAt   sql.NullInt64   `db:"started_at"`
	CompletedAt sql.NullInt64   `db:"completed_at"`
	Error       sql.NullString  `db:"error"`
}

func (r queueRow) entry() QueueEntry {
	return QueueEntry{
		ID:          r.ID,
		PromptID:    r.PromptID,
		Workflow:    r.Workflow,
		Priority:    r.Priority,
		Status:      r.Status,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
		StartedAt:   fromMillis(r.StartedAt),
		CompletedAt: fromMillis(r.CompletedAt),
		Error:       r.Error.String,
	}
}

const queueColumns = `id, prompt_id, workflow, priority, status, created_at, started_at, completed_at, error`

// SQLiteStore implements persistence using SQLite
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database file and initializes the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single connection keeps pragmas alive and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to apply %q: %w (also failed to close db: %v)", p, err, closeErr)
			}
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return s, nil
}

// initialize creates the database schema
func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			prompt_id TEXT NOT NULL UNIQUE,
			workflow TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status, priority, created_at)`,
		`CREATE TABLE IF NOT EXISTS job_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			prompt_id TEXT NOT NULL,
			workflow TEXT,
			outputs TEXT,
			status TEXT NOT NULL,
			duration_seconds REAL,
			created_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_prompt_id ON job_history(prompt_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_status ON job_history(status)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_completed_at ON job_history(completed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_created_at ON job_history(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_duration ON job_history(duration_seconds)`,
		`CREATE TABLE IF NOT EXISTS history_thumbs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			history_id INTEGER NOT NULL REFERENCES job_history(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			mime TEXT NOT NULL,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			data BLOB NOT NULL,
			UNIQUE(history_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_thumbs_history_id ON history_thumbs(history_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Submit inserts a pending entry. Duplicate prompt ids are ignored, inserted reports whether a row was added.
func (s *SQLiteStore) Submit(ctx context.Context, promptID, workflow string, priority int) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO queue_items (prompt_id, workflow, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?)`, promptID, workflow, priority, enums.JobStatusPending.String(), s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to submit %s: %w", promptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows for %s: %w", promptID, err)
	}
	return n > 0, nil
}

// Remove deletes the entry, no error if absent
func (s *SQLiteStore) Remove(ctx context.Context, promptID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE prompt_id = ?`, promptID); err != nil {
		return fmt.Errorf("failed to remove %s: %w", promptID, err)
	}
	return nil
}

// Get returns the entry for prompt id or ErrNotFound
func (s *SQLiteStore) Get(ctx context.Context, promptID string) (QueueEntry, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row, `SELECT `+queueColumns+` FROM queue_items WHERE prompt_id = ?`, promptID)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("failed to get %s: %w", promptID, err)
	}
	return row.entry(), nil
}

// GetMany returns entries for the given prompt ids keyed by prompt id, unknown ids are skipped
func (s *SQLiteStore) GetMany(ctx context.Context, promptIDs []string) (map[string]QueueEntry, error) {
	res := make(map[string]QueueEntry, len(promptIDs))
	if len(promptIDs) == 0 {
		return res, nil
	}
	query, args, err := sqlx.In(`SELECT `+queueColumns+` FROM queue_items WHERE prompt_id IN (?)`, promptIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", err)
	}
	for _, r := range rows {
		res[r.PromptID] = r.entry()
	}
	return res, nil
}

// ListPending returns all pending entries ordered by priority desc, then submission order
func (s *SQLiteStore) ListPending(ctx context.Context) ([]QueueEntry, error) {
	var rows []queueRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+queueColumns+` FROM queue_items
		WHERE status = ? ORDER BY priority DESC, created_at ASC, id ASC`, enums.JobStatusPending.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending: %w", err)
	}
	res := make([]QueueEntry, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.entry())
	}
	return res, nil
}

// SetStatus changes the status of the entry with its timestamps in a single statement.
// Running stamps started_at, terminal statuses stamp completed_at and store errMsg,
// pending clears both timestamps and the error.
func (s *SQLiteStore) SetStatus(ctx context.Context, promptID string, status enums.JobStatus, errMsg string) error {
	now := s.now().UnixMilli()
	var err error
	switch {
	case status == enums.JobStatusRunning:
		_, err = s.db.ExecContext(ctx, `UPDATE queue_items SET status = ?, started_at = ?, error = NULL WHERE prompt_id = ?`,
			status.String(), now, promptID)
	case status.IsTerminal():
		_, err = s.db.ExecContext(ctx, `UPDATE queue_items SET status = ?, completed_at = ?, error = ? WHERE prompt_id = ?`,
			status.String(), now, nullString(errMsg), promptID)
	default:
		_, err = s.db.ExecContext(ctx, `UPDATE queue_items SET status = ?, started_at = NULL, completed_at = NULL, error = NULL
			WHERE prompt_id = ?`, status.String(), promptID)
	}
	if err != nil {
		return fmt.Errorf("failed to set status %s for %s: %w", status, promptID, err)
	}
	return nil
}

// MarkRunning moves a pending entry to running and stamps started_at.
// Returns false if the entry is missing or not pending any more.
func (s *SQLiteStore) MarkRunning(ctx context.Context, promptID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_items SET status = ?, started_at = ?, error = NULL
		WHERE prompt_id = ? AND status = ?`,
		enums.JobStatusRunning.String(), s.now().UnixMilli(), promptID, enums.JobStatusPending.String())
	if err != nil {
		return false, fmt.Errorf("failed to mark %s running: %w", promptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s running: %w", promptID, err)
	}
	return n > 0, nil
}

// SetPriority updates priority of a pending or running entry.
// ErrNotFound if there is no such entry, ErrTerminal if the entry already finished.
func (s *SQLiteStore) SetPriority(ctx context.Context, promptID string, priority int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_items SET priority = ? WHERE prompt_id = ? AND status IN (?, ?)`,
		priority, promptID, enums.JobStatusPending.String(), enums.JobStatusRunning.String())
	if err != nil {
		return fmt.Errorf("failed to set priority for %s: %w", promptID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE prompt_id = ?`, promptID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check status of %s: %w", promptID, err)
	}
	return fmt.Errorf("%s is %s: %w", promptID, status, ErrTerminal)
}

// Rename rewrites the display name stored in the workflow, returns false if no such entry
func (s *SQLiteStore) Rename(ctx context.Context, promptID, name string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var workflow string
	err = tx.GetContext(ctx, &workflow, `SELECT workflow FROM queue_items WHERE prompt_id = ?`, promptID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load workflow for %s: %w", promptID, err)
	}

	updated, err := SetWorkflowName(workflow, name)
	if err != nil {
		return false, fmt.Errorf("failed to rename %s: %w", promptID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue_items SET workflow = ? WHERE prompt_id = ?`, updated, promptID); err != nil {
		return false, fmt.Errorf("failed to store workflow for %s: %w", promptID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ResetRunning moves entries left in running state (process died mid-job) back to pending
func (s *SQLiteStore) ResetRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_items SET status = ?, started_at = NULL WHERE status = ?`,
		enums.JobStatusPending.String(), enums.JobStatusRunning.String())
	if err != nil {
		return 0, fmt.Errorf("failed to reset running entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n > 0 {
		log.Printf("[INFO] reset %d interrupted running entries to pending", n)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
