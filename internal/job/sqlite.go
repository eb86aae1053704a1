package job

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store. Status transitions
// are compare-and-swaps on the current status column, so concurrent claims of
// the same job resolve to exactly one winner without a process-wide lock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// Pragmas are per-connection; a single pooled connection keeps them
	// applied everywhere and sidesteps SQLITE_BUSY under write contention.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		// WAL mode for better concurrent read performance.
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err = db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			params          TEXT NOT NULL,
			audio           TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			progress        REAL NOT NULL DEFAULT 0,
			current_segment INTEGER NOT NULL DEFAULT 0,
			total_segments  INTEGER NOT NULL DEFAULT 0,
			progress_detail TEXT NOT NULL DEFAULT '',
			result          TEXT,
			failure         TEXT,
			callback_url    TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL,
			started_at      DATETIME,
			finished_at     DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status      ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at  ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	audio, err := json.Marshal(rec.Audio)
	if err != nil {
		return fmt.Errorf("marshal audio ref: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, params, audio, status, callback_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Kind,
		string(params),
		string(audio),
		StatusPending,
		rec.CallbackURL,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const recordColumns = `id, kind, params, audio, status, progress, current_segment,
       total_segments, progress_detail, result, failure, callback_url,
       created_at, started_at, finished_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec, nil
}

// Claim performs the pending->running compare-and-swap. Exactly one of N
// concurrent claims for the same job succeeds.
func (s *SQLiteStore) Claim(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, StatusRunning, now, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = ?, current_segment = ?, total_segments = ?, progress_detail = ?
		WHERE id = ? AND status = ? AND progress <= ?
	`, p.Fraction, p.CurrentSegment, p.TotalSegments, p.Detail, id, StatusRunning, p.Fraction)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("progress update on job %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.finish(ctx, id, StatusCompleted, "result", payload)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, f Failure) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	return s.finish(ctx, id, StatusFailed, "failure", payload)
}

// finish writes a terminal outcome via running->terminal CAS. A duplicate
// call carrying the identical payload is treated as an at-least-once retry
// and succeeds as a no-op.
func (s *SQLiteStore) finish(ctx context.Context, id string, status Status, column string, payload []byte) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, `+column+` = ?, progress = 1.0, finished_at = ?
		WHERE id = ? AND status = ?
	`, status, string(payload), now, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == status && samePayload(rec, column, payload) {
		return nil
	}
	return fmt.Errorf("%s on job %s in status %s: %w", status, id, rec.Status, ErrInvalidTransition)
}

func samePayload(rec *Record, column string, payload []byte) bool {
	var stored []byte
	var err error
	switch column {
	case "result":
		if rec.Result == nil {
			return false
		}
		stored, err = json.Marshal(*rec.Result)
	case "failure":
		if rec.Failure == nil {
			return false
		}
		stored, err = json.Marshal(*rec.Failure)
	}
	return err == nil && bytes.Equal(stored, payload)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) (Status, error) {
	now := time.Now().UTC()
	for _, from := range []Status{StatusPending, StatusRunning} {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, finished_at = ? WHERE id = ? AND status = ?
		`, StatusCancelled, now, id, from)
		if err != nil {
			return "", fmt.Errorf("cancel job %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return "", fmt.Errorf("cancel job %s: %w", id, err)
		} else if n == 1 {
			return from, nil
		}
	}

	if _, err := s.Get(ctx, id); err != nil {
		return "", err
	}
	return "", ErrAlreadyTerminal
}

// ResetRunning moves all jobs stuck in running back to pending. Returns the
// IDs of the affected jobs so the caller can re-enqueue them.
func (s *SQLiteStore) ResetRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ?`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running jobs: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = NULL, progress = 0,
		    current_segment = 0, total_segments = 0, progress_detail = ''
		WHERE status = ?
	`, StatusPending, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("reset running jobs: %w", err)
	}
	return ids, nil
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return recs, total, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?)
		AND finished_at IS NOT NULL
		AND finished_at < ?
	`, StatusCompleted, StatusFailed, StatusCancelled, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var params, audio string
	var result, failure sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.Kind, &params, &audio, &rec.Status,
		&rec.Progress.Fraction, &rec.Progress.CurrentSegment,
		&rec.Progress.TotalSegments, &rec.Progress.Detail,
		&result, &failure, &rec.CallbackURL,
		&rec.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if err := json.Unmarshal([]byte(audio), &rec.Audio); err != nil {
		return nil, fmt.Errorf("unmarshal audio ref: %w", err)
	}
	if result.Valid && result.String != "" {
		rec.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), rec.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if failure.Valid && failure.String != "" {
		rec.Failure = &Failure{}
		if err := json.Unmarshal([]byte(failure.String), rec.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}
