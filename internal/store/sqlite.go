package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/siftlabs/sift/internal/credits"
	"github.com/siftlabs/sift/internal/types"
)

// SQLite is a durable Store backed by an embedded SQLite database.
// Optimistic concurrency and chunk transitions are enforced with guarded
// UPDATE ... WHERE clauses, so no table-level locking is needed beyond the
// single write connection.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	status            TEXT NOT NULL,
	model             TEXT NOT NULL,
	pricing_rate      REAL NOT NULL,
	pricing_version   TEXT NOT NULL,
	estimated_credits REAL NOT NULL,
	actual_credits    REAL,
	total_chunks      INTEGER NOT NULL DEFAULT 0,
	processed_chunks  INTEGER NOT NULL DEFAULT 0,
	progress_percent  INTEGER NOT NULL DEFAULT 0,
	current_step      TEXT NOT NULL DEFAULT '',
	failed_chunks     TEXT,
	cancel_requested  INTEGER NOT NULL DEFAULT 0,
	result            TEXT,
	error_message     TEXT NOT NULL DEFAULT '',
	error_code        TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT
);
CREATE TABLE IF NOT EXISTS chunks (
	job_id          TEXT NOT NULL,
	chunk_id        INTEGER NOT NULL,
	start_page      INTEGER NOT NULL,
	end_page        INTEGER NOT NULL,
	has_overlap     INTEGER NOT NULL,
	payload         TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	last_error      TEXT NOT NULL DEFAULT '',
	last_error_code TEXT NOT NULL DEFAULT '',
	tokens_used     INTEGER NOT NULL DEFAULT 0,
	result          TEXT,
	processed_at    TEXT,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (job_id, chunk_id)
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	user_id         TEXT NOT NULL,
	month           TEXT NOT NULL,
	delta_credits   REAL NOT NULL,
	reason          TEXT NOT NULL,
	job_id          TEXT,
	pricing_version TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, status);
CREATE INDEX IF NOT EXISTS idx_ledger_user_month ON ledger_entries(user_id, month);
CREATE INDEX IF NOT EXISTS idx_ledger_job ON ledger_entries(job_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_job_reason ON ledger_entries(job_id, reason) WHERE job_id <> '';
`

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path == ":memory:" {
		// A uniquely named shared in-memory database survives pool
		// reconnects without colliding with other open stores.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// modernc sqlite allows one writer; a single connection avoids
	// SQLITE_BUSY races under the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job *types.Job) error {
	failedChunks, result, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, user_id, status, model, pricing_rate, pricing_version,
			estimated_credits, actual_credits, total_chunks, processed_chunks,
			progress_percent, current_step, failed_chunks, cancel_requested,
			result, error_message, error_code, version, created_at, started_at, completed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.UserID, string(job.Status), job.Model, job.PricingRate, job.PricingVersion,
		job.EstimatedCredits, nullFloat(job.ActualCredits), job.TotalChunks, job.ProcessedChunks,
		job.ProgressPercent, job.CurrentStep, failedChunks, boolInt(job.CancelRequested),
		result, job.ErrorMessage, job.ErrorCode, job.Version, formatTime(job.CreatedAt),
		nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job, err
}

func (s *SQLite) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateJob(ctx context.Context, job *types.Job) error {
	failedChunks, result, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, estimated_credits = ?, actual_credits = ?,
			total_chunks = ?, processed_chunks = ?, progress_percent = ?,
			current_step = ?, failed_chunks = ?, cancel_requested = ?,
			result = ?, error_message = ?, error_code = ?,
			started_at = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(job.Status), job.EstimatedCredits, nullFloat(job.ActualCredits),
		job.TotalChunks, job.ProcessedChunks, job.ProgressPercent,
		job.CurrentStep, failedChunks, boolInt(job.CancelRequested),
		result, job.ErrorMessage, job.ErrorCode,
		nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.ID, job.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or stale; distinguish for callers.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
		}
		return fmt.Errorf("job %s stale at version %d: %w", job.ID, job.Version, ErrVersionConflict)
	}
	job.Version++
	return nil
}

func (s *SQLite) CreateChunks(ctx context.Context, chunks []*types.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	for _, c := range chunks {
		result, err := marshalSentences(c.Result)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (
				job_id, chunk_id, start_page, end_page, has_overlap, payload,
				status, attempts, max_retries, last_error, last_error_code,
				tokens_used, result, processed_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.JobID, c.ChunkID, c.StartPage, c.EndPage, boolInt(c.HasOverlap), c.Payload,
			string(c.Status), c.Attempts, c.MaxRetries, c.LastError, c.LastErrorCode,
			c.TokensUsed, result, nullTime(c.ProcessedAt), now,
		); err != nil {
			return fmt.Errorf("failed to insert chunk (%s, %d): %w", c.JobID, c.ChunkID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetChunk(ctx context.Context, jobID string, chunkID int) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE job_id = ? AND chunk_id = ?`, jobID, chunkID)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk (%s, %d): %w", jobID, chunkID, ErrNotFound)
	}
	return c, err
}

func (s *SQLite) ListChunks(ctx context.Context, jobID string) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE job_id = ? ORDER BY chunk_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var out []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) TransitionChunk(ctx context.Context, jobID string, chunkID int, from, to types.ChunkStatus) (*types.Chunk, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = ?, updated_at = ?
		WHERE job_id = ? AND chunk_id = ? AND status = ?`,
		string(to), formatTime(time.Now().UTC()), jobID, chunkID, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition chunk (%s, %d): %w", jobID, chunkID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		current, err := s.GetChunk(ctx, jobID, chunkID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("chunk (%s, %d) is %s, expected %s: %w",
			jobID, chunkID, current.Status, from, ErrChunkConflict)
	}
	return s.GetChunk(ctx, jobID, chunkID)
}

func (s *SQLite) SaveChunkResult(ctx context.Context, chunk *types.Chunk, expect types.ChunkStatus) error {
	result, err := marshalSentences(chunk.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET
			status = ?, attempts = ?, last_error = ?, last_error_code = ?,
			tokens_used = ?, result = ?, processed_at = ?, updated_at = ?
		WHERE job_id = ? AND chunk_id = ? AND status = ?`,
		string(chunk.Status), chunk.Attempts, chunk.LastError, chunk.LastErrorCode,
		chunk.TokensUsed, result, nullTime(chunk.ProcessedAt), formatTime(time.Now().UTC()),
		chunk.JobID, chunk.ChunkID, string(expect),
	)
	if err != nil {
		return fmt.Errorf("failed to save chunk (%s, %d): %w", chunk.JobID, chunk.ChunkID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chunk (%s, %d) not in status %s: %w",
			chunk.JobID, chunk.ChunkID, expect, ErrChunkConflict)
	}
	return nil
}

func (s *SQLite) AppendEntry(ctx context.Context, e *credits.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, month, delta_credits, reason, job_id, pricing_version, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.Month, e.Delta, string(e.Reason), e.JobID, e.PricingVersion, formatTime(e.CreatedAt),
	)
	if err != nil {
		if e.JobID != "" && isConstraintErr(err) {
			return fmt.Errorf("entry (%s, %s): %w", e.JobID, e.Reason, credits.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// isConstraintErr reports an SQLITE_CONSTRAINT class error, here only raised
// by the unique (job_id, reason) index on ledger_entries.
func isConstraintErr(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == 19
}

func (s *SQLite) ListJobEntries(ctx context.Context, jobID string) ([]*credits.Entry, error) {
	return s.listEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE job_id = ? ORDER BY seq`, jobID)
}

func (s *SQLite) ListUserEntries(ctx context.Context, userID, month string) ([]*credits.Entry, error) {
	if month == "" {
		return s.listEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = ? ORDER BY seq`, userID)
	}
	return s.listEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = ? AND month = ? ORDER BY seq`, userID, month)
}

func (s *SQLite) listEntries(ctx context.Context, query string, args ...any) ([]*credits.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*credits.Entry
	for rows.Next() {
		var e credits.Entry
		var reason, createdAt string
		var jobID, pricingVersion sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Month, &e.Delta, &reason, &jobID, &pricingVersion, &createdAt); err != nil {
			return nil, err
		}
		e.Reason = credits.Reason(reason)
		e.JobID = jobID.String
		e.PricingVersion = pricingVersion.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- row mapping ---

const jobColumns = `id, user_id, status, model, pricing_rate, pricing_version,
	estimated_credits, actual_credits, total_chunks, processed_chunks,
	progress_percent, current_step, failed_chunks, cancel_requested,
	result, error_message, error_code, version, created_at, started_at, completed_at`

const chunkColumns = `job_id, chunk_id, start_page, end_page, has_overlap, payload,
	status, attempts, max_retries, last_error, last_error_code,
	tokens_used, result, processed_at, updated_at`

const entryColumns = `id, user_id, month, delta_credits, reason, job_id, pricing_version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var j types.Job
	var status, createdAt string
	var actual sql.NullFloat64
	var failedChunks, result sql.NullString
	var cancelRequested int
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&j.ID, &j.UserID, &status, &j.Model, &j.PricingRate, &j.PricingVersion,
		&j.EstimatedCredits, &actual, &j.TotalChunks, &j.ProcessedChunks,
		&j.ProgressPercent, &j.CurrentStep, &failedChunks, &cancelRequested,
		&result, &j.ErrorMessage, &j.ErrorCode, &j.Version, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = types.JobStatus(status)
	if actual.Valid {
		v := actual.Float64
		j.ActualCredits = &v
	}
	j.CancelRequested = cancelRequested != 0
	if failedChunks.Valid && failedChunks.String != "" {
		if err := json.Unmarshal([]byte(failedChunks.String), &j.FailedChunks); err != nil {
			return nil, fmt.Errorf("corrupt failed_chunks for job %s: %w", j.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
			return nil, fmt.Errorf("corrupt result for job %s: %w", j.ID, err)
		}
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	return &j, nil
}

func scanChunk(row rowScanner) (*types.Chunk, error) {
	var c types.Chunk
	var status, updatedAt string
	var hasOverlap int
	var result, processedAt sql.NullString

	err := row.Scan(
		&c.JobID, &c.ChunkID, &c.StartPage, &c.EndPage, &hasOverlap, &c.Payload,
		&status, &c.Attempts, &c.MaxRetries, &c.LastError, &c.LastErrorCode,
		&c.TokensUsed, &result, &processedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = types.ChunkStatus(status)
	c.HasOverlap = hasOverlap != 0
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &c.Result); err != nil {
			return nil, fmt.Errorf("corrupt result for chunk (%s, %d): %w", c.JobID, c.ChunkID, err)
		}
	}
	c.ProcessedAt = parseNullTime(processedAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

func marshalJobBlobs(job *types.Job) (failedChunks, result sql.NullString, err error) {
	if job.FailedChunks != nil {
		b, merr := json.Marshal(job.FailedChunks)
		if merr != nil {
			return failedChunks, result, fmt.Errorf("failed to marshal failed_chunks: %w", merr)
		}
		failedChunks = sql.NullString{String: string(b), Valid: true}
	}
	result, err = marshalSentences(job.Result)
	return failedChunks, result, err
}

func marshalSentences(sentences []types.Sentence) (sql.NullString, error) {
	if sentences == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(sentences)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal sentences: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLite)(nil)
