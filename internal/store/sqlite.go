// Package store provides the persistent SQLite implementation of the job
// repository. The in-memory implementation lives next to the job domain and
// is used when no database path is configured.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxdub/voxdub-api/internal/job"
)

// Compile-time check that SQLiteRepository implements job.Repository.
var _ job.Repository = (*SQLiteRepository)(nil)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	source_ref     TEXT NOT NULL,
	source_meta    TEXT NOT NULL DEFAULT '{}',
	config         TEXT NOT NULL,
	progress       TEXT NOT NULL DEFAULT '{}',
	manifest       TEXT,
	chunk_statuses TEXT,
	paths          TEXT,
	output_file    TEXT,
	output_url     TEXT,
	error          TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	completed_at   TEXT
);

CREATE TABLE IF NOT EXISTS job_logs (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	timestamp TEXT NOT NULL,
	level     TEXT NOT NULL,
	stage     TEXT NOT NULL,
	message   TEXT NOT NULL,
	metadata  TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);
CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs(job_id, seq);
`

// SQLiteRepository persists jobs in a SQLite database. Job sub-documents
// (config, progress, manifest, chunk statuses) are stored as JSON columns;
// the progress log lives in its own table so the hot progress path never
// rewrites it.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at dbPath and applies
// the schema. WAL mode keeps executor writes from blocking API reads.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Create persists a new job.
func (r *SQLiteRepository) Create(ctx context.Context, j *job.Job) error {
	cols, err := encodeJob(j)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, source_ref, source_meta, config, progress,
			manifest, chunk_statuses, paths, output_file, output_url, error,
			created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Status), j.SourceRef, cols.sourceMeta, cols.config, cols.progress,
		cols.manifest, cols.chunkStatuses, cols.paths,
		nullString(j.OutputFile), nullString(j.OutputURL), cols.jobError,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), nullTime(j.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return job.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID, with its progress log attached.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*job.Job, error) {
	row := r.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, err
	}

	logs, err := r.loadLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Progress.Logs = logs
	return j, nil
}

// Update persists the full state of an existing job. The progress log is
// managed through AppendLog and is not rewritten here.
func (r *SQLiteRepository) Update(ctx context.Context, j *job.Job) error {
	cols, err := encodeJob(j)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, source_ref = ?, source_meta = ?, config = ?,
			progress = ?, manifest = ?, chunk_statuses = ?, paths = ?,
			output_file = ?, output_url = ?, error = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(j.Status), j.SourceRef, cols.sourceMeta, cols.config,
		cols.progress, cols.manifest, cols.chunkStatuses, cols.paths,
		nullString(j.OutputFile), nullString(j.OutputURL), cols.jobError,
		formatTime(j.UpdatedAt), nullTime(j.CompletedAt), j.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// Delete removes a job and its log entries. Missing jobs are ignored.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM job_logs WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete job logs: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// List returns jobs newest-first by creation time, plus the total count
// matching the filter before paging. Listed jobs do not carry their logs.
func (r *SQLiteRepository) List(ctx context.Context, filter job.ListFilter) ([]*job.Job, int, error) {
	where := ""
	args := []any{}
	if filter.Status != nil {
		where = ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := selectJob + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite requires LIMIT when OFFSET is present.
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// Count returns the number of jobs, optionally filtered by status.
func (r *SQLiteRepository) Count(ctx context.Context, status *job.Status) (int, error) {
	var n int
	var err error
	if status == nil {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(*status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// UpdateProgress persists only the live progress of a job. The single-column
// UPDATE keeps the executor's frequent progress writes cheap.
func (r *SQLiteRepository) UpdateProgress(ctx context.Context, id string, p job.Progress) error {
	p.Logs = nil
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		string(raw), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// AppendLog atomically appends a log entry and evicts the oldest entries
// beyond the ring cap.
func (r *SQLiteRepository) AppendLog(ctx context.Context, id string, entry job.LogEntry) error {
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return job.ErrJobNotFound
	}

	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append log: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, timestamp, level, stage, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, formatTime(entry.Timestamp), string(entry.Level), string(entry.Stage),
		entry.Message, metadata); err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM job_logs WHERE job_id = ? AND seq NOT IN (
			SELECT seq FROM job_logs WHERE job_id = ? ORDER BY seq DESC LIMIT ?
		)`, id, id, job.MaxLogEntries); err != nil {
		return fmt.Errorf("trim log entries: %w", err)
	}

	return tx.Commit()
}

// Exists reports whether a job with the given ID exists.
func (r *SQLiteRepository) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check job exists: %w", err)
	}
	return true, nil
}

// GetRecentlyUpdated returns up to limit jobs ordered by UpdatedAt descending.
func (r *SQLiteRepository) GetRecentlyUpdated(ctx context.Context, limit int) ([]*job.Job, error) {
	query := selectJob + ` ORDER BY updated_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recently updated: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recently updated: %w", err)
	}
	return jobs, nil
}

// DeleteOldTerminal removes terminal jobs completed before olderThan.
func (r *SQLiteRepository) DeleteOldTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := formatTime(olderThan)
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM job_logs WHERE job_id IN (
			SELECT id FROM jobs
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
		)`,
		string(job.StatusComplete), string(job.StatusFailed), string(job.StatusCancelled),
		cutoff); err != nil {
		return 0, fmt.Errorf("delete old job logs: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(job.StatusComplete), string(job.StatusFailed), string(job.StatusCancelled),
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return int(n), nil
}

// ResetInterrupted fails jobs left non-terminal by a crashed process.
func (r *SQLiteRepository) ResetInterrupted(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, progress FROM jobs WHERE status NOT IN (?, ?, ?)`,
		string(job.StatusComplete), string(job.StatusFailed), string(job.StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("find interrupted jobs: %w", err)
	}

	type interrupted struct {
		id    string
		stage job.Stage
	}
	var found []interrupted
	for rows.Next() {
		var id string
		var rawProgress sql.NullString
		if err := rows.Scan(&id, &rawProgress); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan interrupted job: %w", err)
		}
		var p job.Progress
		if rawProgress.Valid && rawProgress.String != "" {
			// Best effort; a stage-less failure record is still valid.
			_ = json.Unmarshal([]byte(rawProgress.String), &p)
		}
		found = append(found, interrupted{id: id, stage: p.Stage})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("find interrupted jobs: %w", err)
	}
	rows.Close()

	now := formatTime(time.Now())
	for _, f := range found {
		jobErr := &job.Error{
			Code:    job.CodeStorage,
			Message: "job interrupted by process restart",
			Stage:   f.stage,
		}
		raw, err := json.Marshal(jobErr)
		if err != nil {
			return 0, fmt.Errorf("marshal interrupt error: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			string(job.StatusFailed), string(raw), now, now, f.id); err != nil {
			return 0, fmt.Errorf("reset interrupted job %s: %w", f.id, err)
		}
	}
	return len(found), nil
}

const selectJob = `
	SELECT id, status, source_ref, source_meta, config, progress,
		manifest, chunk_statuses, paths, output_file, output_url, error,
		created_at, updated_at, completed_at
	FROM jobs`

// jobColumns holds the JSON-encoded sub-documents of a job row.
type jobColumns struct {
	sourceMeta    string
	config        string
	progress      string
	manifest      sql.NullString
	chunkStatuses sql.NullString
	paths         sql.NullString
	jobError      sql.NullString
}

func encodeJob(j *job.Job) (jobColumns, error) {
	var cols jobColumns

	raw, err := json.Marshal(j.SourceMeta)
	if err != nil {
		return cols, fmt.Errorf("marshal source meta: %w", err)
	}
	cols.sourceMeta = string(raw)

	if raw, err = json.Marshal(j.Config); err != nil {
		return cols, fmt.Errorf("marshal config: %w", err)
	}
	cols.config = string(raw)

	// Logs live in job_logs; the progress column carries only live state.
	p := j.Progress
	p.Logs = nil
	if raw, err = json.Marshal(p); err != nil {
		return cols, fmt.Errorf("marshal progress: %w", err)
	}
	cols.progress = string(raw)

	if j.Manifest.TotalChunks > 0 {
		if raw, err = json.Marshal(j.Manifest); err != nil {
			return cols, fmt.Errorf("marshal manifest: %w", err)
		}
		cols.manifest = sql.NullString{String: string(raw), Valid: true}
	}

	if len(j.ChunkStatuses) > 0 {
		if raw, err = json.Marshal(j.ChunkStatuses); err != nil {
			return cols, fmt.Errorf("marshal chunk statuses: %w", err)
		}
		cols.chunkStatuses = sql.NullString{String: string(raw), Valid: true}
	}

	if j.Paths != (job.Paths{}) {
		if raw, err = json.Marshal(j.Paths); err != nil {
			return cols, fmt.Errorf("marshal paths: %w", err)
		}
		cols.paths = sql.NullString{String: string(raw), Valid: true}
	}

	if j.Error != nil {
		if raw, err = json.Marshal(j.Error); err != nil {
			return cols, fmt.Errorf("marshal error: %w", err)
		}
		cols.jobError = sql.NullString{String: string(raw), Valid: true}
	}

	return cols, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j             job.Job
		status        string
		sourceMeta    string
		config        string
		progress      string
		manifest      sql.NullString
		chunkStatuses sql.NullString
		paths         sql.NullString
		jobError      sql.NullString
		outputFile    sql.NullString
		outputURL     sql.NullString
		createdAt     string
		updatedAt     string
		completedAt   sql.NullString
	)

	err := row.Scan(&j.ID, &status, &j.SourceRef, &sourceMeta, &config, &progress,
		&manifest, &chunkStatuses, &paths, &outputFile, &outputURL, &jobError,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Status = job.Status(status)
	j.OutputFile = outputFile.String
	j.OutputURL = outputURL.String

	if err := json.Unmarshal([]byte(sourceMeta), &j.SourceMeta); err != nil {
		return nil, fmt.Errorf("unmarshal source meta: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &j.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(progress), &j.Progress); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	if manifest.Valid {
		if err := json.Unmarshal([]byte(manifest.String), &j.Manifest); err != nil {
			return nil, fmt.Errorf("unmarshal manifest: %w", err)
		}
	}
	if chunkStatuses.Valid {
		if err := json.Unmarshal([]byte(chunkStatuses.String), &j.ChunkStatuses); err != nil {
			return nil, fmt.Errorf("unmarshal chunk statuses: %w", err)
		}
	}
	if paths.Valid {
		if err := json.Unmarshal([]byte(paths.String), &j.Paths); err != nil {
			return nil, fmt.Errorf("unmarshal paths: %w", err)
		}
	}
	if jobError.Valid {
		j.Error = &job.Error{}
		if err := json.Unmarshal([]byte(jobError.String), j.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		if j.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
	}

	return &j, nil
}

func (r *SQLiteRepository) loadLogs(ctx context.Context, id string) ([]job.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, level, stage, message, metadata
		FROM job_logs WHERE job_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	defer rows.Close()

	var logs []job.LogEntry
	for rows.Next() {
		var (
			entry     job.LogEntry
			timestamp string
			level     string
			stage     string
			metadata  sql.NullString
		)
		if err := rows.Scan(&timestamp, &level, &stage, &entry.Message, &metadata); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if entry.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("parse log timestamp: %w", err)
		}
		entry.Level = job.Level(level)
		entry.Stage = job.Stage(stage)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal log metadata: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	return logs, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

// timeLayout is a fixed-width RFC 3339 variant. Fixed width keeps the
// stored strings lexicographically sortable, which the ORDER BY clauses
// rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by older builds used plain RFC 3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
