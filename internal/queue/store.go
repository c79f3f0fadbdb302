package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/receiptio/receiptd/constants"
	"github.com/receiptio/receiptd/internal/common"
	"github.com/receiptio/receiptd/internal/extract"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	payload_json   TEXT NOT NULL,
	state          TEXT NOT NULL,
	progress       INTEGER NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	max_attempts   INTEGER NOT NULL,
	run_after      TEXT NOT NULL,
	result_json    TEXT,
	failure_reason TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_run_after ON jobs(state, run_after);
`

// Option configures a Store.
type Option func(*Store)

// WithMaxAttempts sets the per-job retry budget.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the base delay of the exponential retry backoff.
func WithBackoffBase(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.backoffBase = d
		}
	}
}

// Store is the durable job queue shared between the process accepting
// uploads and the process executing jobs. Both sides agree only on the
// serialized payload and result formats in this database.
type Store struct {
	db          *sql.DB
	maxAttempts int
	backoffBase time.Duration
}

// Open opens (or creates) the queue database in dataDir and applies the
// schema. Pass ":memory:" as dataDir for an in-memory queue (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating queue directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "jobs.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging queue database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying queue schema: %w", err)
	}

	s := &Store{db: db, maxAttempts: 3, backoffBase: 5 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue validates the payload, assigns a fresh id and stores the job as
// waiting. It returns immediately and never blocks on processing.
func (s *Store) Enqueue(payload Payload) (*Job, error) {
	if payload.Version == 0 {
		payload.Version = PayloadVersion
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := ValidatePayload(raw); err != nil {
		return nil, common.WrapError(common.ErrInvalidInput, err.Error())
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.New().String(),
		Payload:     payload,
		State:       constants.JobStateWaiting,
		MaxAttempts: s.maxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, payload_json, state, progress, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		job.ID, string(raw), string(job.State), job.MaxAttempts,
		fmtTime(now), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting job: %w", err)
	}
	return job, nil
}

// Claim promotes due delayed jobs back to waiting, then atomically moves the
// oldest waiting job to active. It returns nil with no error when the queue
// is idle.
func (s *Store) Claim() (*Job, error) {
	now := time.Now().UTC()

	if _, err := s.db.Exec(
		`UPDATE jobs SET state = ?, updated_at = ? WHERE state = ? AND run_after <= ?`,
		string(constants.JobStateWaiting), fmtTime(now), string(constants.JobStateDelayed), fmtTime(now),
	); err != nil {
		return nil, fmt.Errorf("promoting delayed jobs: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var state, payload string
	var runAfter, createdAt, updated string
	var resultJSON, failureReason sql.NullString
	err = tx.QueryRow(`
		SELECT id, payload_json, state, progress, attempts, max_attempts, run_after, result_json, failure_reason, created_at, updated_at
		FROM jobs
		WHERE state = ? AND run_after <= ?
		ORDER BY created_at ASC
		LIMIT 1`,
		string(constants.JobStateWaiting), fmtTime(now),
	).Scan(&j.ID, &payload, &state, &j.Progress, &j.Attempts, &j.MaxAttempts,
		&runAfter, &resultJSON, &failureReason, &createdAt, &updated)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(constants.JobStateActive), fmtTime(now), j.ID, string(constants.JobStateWaiting),
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("activating job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		tx.Rollback()
		if err != nil {
			return nil, fmt.Errorf("checking activated rows: %w", err)
		}
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload for job %s: %w", j.ID, err)
	}
	j.State = constants.JobStateActive
	j.FailureReason = failureReason.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	j.UpdatedAt = now
	return &j, nil
}

// SetProgress records a progress milestone for an active job.
func (s *Store) SetProgress(id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Exec(
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Complete marks a job terminal-successful, storing the serialized
// extraction result and clearing any failure reason from earlier attempts.
func (s *Store) Complete(id string, result extract.ExtractedData) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = ?, progress = 100, result_json = ?, failure_reason = NULL, updated_at = ?
		WHERE id = ?`,
		string(constants.JobStateCompleted), string(raw), fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Fail records a failed attempt. With retry budget remaining the job
// re-enters delayed with an exponentially growing backoff; otherwise it is
// left failed permanently with the failure reason set.
func (s *Store) Fail(id string, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return common.ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`
			UPDATE jobs
			SET state = ?, attempts = ?, failure_reason = ?, result_json = NULL, updated_at = ?
			WHERE id = ?`,
			string(constants.JobStateFailed), attempts, reason, fmtTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts-1))) * s.backoffBase
		_, err = tx.Exec(`
			UPDATE jobs
			SET state = ?, attempts = ?, failure_reason = ?, result_json = NULL, run_after = ?, updated_at = ?
			WHERE id = ?`,
			string(constants.JobStateDelayed), attempts, reason, fmtTime(now.Add(backoff)), fmtTime(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Status returns the polling read model for a job, or nil when the id is
// unknown.
func (s *Store) Status(id string) (*Status, error) {
	var (
		st            Status
		state         string
		updatedAt     string
		resultJSON    sql.NullString
		failureReason sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT id, state, progress, result_json, failure_reason, updated_at FROM jobs WHERE id = ?`, id,
	).Scan(&st.ID, &state, &st.Progress, &resultJSON, &failureReason, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st.State = constants.JobState(state)
	if st.State == constants.JobStateFailed {
		st.FailureReason = failureReason.String
	}
	if st.State == constants.JobStateCompleted && resultJSON.Valid {
		var result extract.ExtractedData
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decoding result for job %s: %w", id, err)
		}
		st.Result = &result
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", id, err)
	}
	return &st, nil
}

// CountByState returns the number of jobs currently in the given state.
func (s *Store) CountByState(state constants.JobState) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE state = ?`, string(state)).Scan(&n)
	return n, err
}

// Purge deletes terminal jobs whose last update is older than retention.
func (s *Store) Purge(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.Exec(
		`DELETE FROM jobs WHERE state IN (?, ?) AND updated_at < ?`,
		string(constants.JobStateCompleted), string(constants.JobStateFailed), fmtTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
