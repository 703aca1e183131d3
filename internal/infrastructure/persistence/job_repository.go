package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qcollector/backend/internal/domain/migration"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// JobRepository persists queue jobs in a durable table. The queue survives
// restarts because eligibility and claiming are both expressed in SQL; the
// in-process worker pool only decides when to look.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, form_id, operation, status, attempts, last_error,
		next_run_at, started_at, finished_at, enqueued_by, created_at, updated_at`

// Enqueue inserts a job in waiting state. The executor may be a transaction
// so a batch of jobs from one form update is enqueued atomically.
func (r *JobRepository) Enqueue(ctx context.Context, exec Executor, job *migration.Job) error {
	if exec == nil {
		exec = r.db
	}

	op, err := json.Marshal(job.Operation)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, form_id, operation, status, attempts, enqueued_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, NOW(), NOW())
	`, TableJobs)

	_, err = exec.ExecContext(ctx, query,
		job.ID, job.FormID, string(op), string(migration.JobWaiting), job.EnqueuedBy)
	if err != nil {
		return ClassifyDBError("job enqueue", err)
	}
	return nil
}

// GetByID loads one job
func (r *JobRepository) GetByID(ctx context.Context, id string) (*migration.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, TableJobs)

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, ClassifyDBError("job lookup", err)
	}
	return job, nil
}

// GetEligible returns runnable jobs in FIFO order. A job is eligible when it
// is waiting, or delayed with its retry time due, and no other job on the
// same form is active. Only the oldest eligible job per form is returned so
// per-form ordering is preserved.
func (r *JobRepository) GetEligible(ctx context.Context, limit int) ([]migration.Job, error) {
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s j
		WHERE (j.status = 'waiting' OR (j.status = 'delayed' AND j.next_run_at <= NOW()))
		  AND NOT EXISTS (
			SELECT 1 FROM (SELECT form_id FROM %s WHERE status = 'active') a
			WHERE a.form_id = j.form_id
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM (
				SELECT form_id, created_at, id FROM %s
				WHERE status = 'waiting' OR status = 'delayed'
			) e
			WHERE e.form_id = j.form_id
			  AND (e.created_at < j.created_at OR (e.created_at = j.created_at AND e.id < j.id))
		  )
		ORDER BY j.created_at ASC, j.id ASC
		LIMIT ?
	`, jobColumns, TableJobs, TableJobs, TableJobs)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, ClassifyDBError("eligible job scan", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []migration.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, ClassifyDBError("eligible job scan", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Claim moves a job from waiting/delayed to active. The update re-checks that
// no sibling job on the same form is active, so two workers racing on the same
// form cannot both win. Attempts are counted on claim; a crash mid-execution
// still consumes an attempt. Returns false when another worker got there first.
func (r *JobRepository) Claim(ctx context.Context, jobID string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s j
		SET j.status = 'active', j.attempts = j.attempts + 1,
			j.started_at = NOW(), j.updated_at = NOW()
		WHERE j.id = ?
		  AND (j.status = 'waiting' OR (j.status = 'delayed' AND j.next_run_at <= NOW()))
		  AND NOT EXISTS (
			SELECT 1 FROM (SELECT form_id FROM %s WHERE status = 'active') a
			WHERE a.form_id = j.form_id
		  )
	`, TableJobs, TableJobs)

	result, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, ClassifyDBError("job claim", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkCompleted finishes a job successfully
func (r *JobRepository) MarkCompleted(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'completed', last_error = NULL,
			finished_at = NOW(), updated_at = NOW()
		WHERE id = ? AND status = 'active'
	`, TableJobs)
	return r.transition(ctx, query, jobID, "completed")
}

// MarkFailed finishes a job permanently after its attempts are exhausted or
// its error was not retryable
func (r *JobRepository) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'failed', last_error = ?,
			finished_at = NOW(), updated_at = NOW()
		WHERE id = ? AND status = 'active'
	`, TableJobs)

	result, err := r.db.ExecContext(ctx, query, errMsg, jobID)
	if err != nil {
		return ClassifyDBError("job transition", err)
	}
	return checkTransition(result, jobID, "failed")
}

// MarkDelayed parks a job for a retry at nextRunAt
func (r *JobRepository) MarkDelayed(ctx context.Context, jobID, errMsg string, nextRunAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'delayed', last_error = ?, next_run_at = ?,
			started_at = NULL, updated_at = NOW()
		WHERE id = ? AND status = 'active'
	`, TableJobs)

	result, err := r.db.ExecContext(ctx, query, errMsg, nextRunAt, jobID)
	if err != nil {
		return ClassifyDBError("job transition", err)
	}
	return checkTransition(result, jobID, "delayed")
}

// Cancel removes a job from the queue before it runs. Only waiting and
// delayed jobs can be cancelled; an active job is already past the point of
// no return.
func (r *JobRepository) Cancel(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'cancelled', finished_at = NOW(), updated_at = NOW()
		WHERE id = ? AND status IN ('waiting', 'delayed')
	`, TableJobs)

	result, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return ClassifyDBError("job cancel", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a missing job from one already past cancellation
	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	return apperrors.NewConflictError("job", "status", string(job.Status))
}

// RequeueStale returns jobs abandoned by a crashed worker to the queue. An
// active job older than the visibility timeout is parked as delayed and will
// be retried; its claim already consumed one attempt. A job whose claim spent
// the last attempt of its budget fails instead, so a worker that keeps dying
// cannot cycle the same job forever.
func (r *JobRepository) RequeueStale(ctx context.Context, timeout time.Duration, maxAttempts int) (int64, error) {
	cutoff := time.Now().Add(-timeout)

	failQuery := fmt.Sprintf(`
		UPDATE %s SET status = 'failed',
			last_error = 'worker lost; attempt budget exhausted',
			finished_at = NOW(), updated_at = NOW()
		WHERE status = 'active' AND started_at < ? AND attempts >= ?
	`, TableJobs)

	if _, err := r.db.ExecContext(ctx, failQuery, cutoff, maxAttempts); err != nil {
		return 0, ClassifyDBError("stale job requeue", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'delayed', next_run_at = NOW(),
			last_error = 'worker lost; requeued after visibility timeout',
			started_at = NULL, updated_at = NOW()
		WHERE status = 'active' AND started_at < ? AND attempts < ?
	`, TableJobs)

	result, err := r.db.ExecContext(ctx, query, cutoff, maxAttempts)
	if err != nil {
		return 0, ClassifyDBError("stale job requeue", err)
	}
	return result.RowsAffected()
}

// StatusCounts aggregates per-state job counts. Terminal states are limited
// to the rolling window; live states always count.
func (r *JobRepository) StatusCounts(ctx context.Context, window time.Duration) (migration.QueueStatus, error) {
	query := fmt.Sprintf(`
		SELECT status, COUNT(*) FROM %s
		WHERE status IN ('waiting', 'active', 'delayed')
		   OR updated_at >= ?
		GROUP BY status
	`, TableJobs)

	rows, err := r.db.QueryContext(ctx, query, time.Now().Add(-window))
	if err != nil {
		return migration.QueueStatus{}, ClassifyDBError("queue status", err)
	}
	defer func() { _ = rows.Close() }()

	var status migration.QueueStatus
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return migration.QueueStatus{}, ClassifyDBError("queue status", err)
		}
		switch migration.JobStatus(state) {
		case migration.JobWaiting:
			status.Waiting = count
		case migration.JobActive:
			status.Active = count
		case migration.JobCompleted:
			status.Completed = count
		case migration.JobFailed:
			status.Failed = count
		case migration.JobDelayed:
			status.Delayed = count
		case migration.JobCancelled:
			status.Cancelled = count
		}
	}
	return status, rows.Err()
}

// RecentByForm returns a form's most recent jobs, newest-first
func (r *JobRepository) RecentByForm(ctx context.Context, formID string, limit int) ([]migration.Job, error) {
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE form_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, jobColumns, TableJobs)

	rows, err := r.db.QueryContext(ctx, query, formID, limit)
	if err != nil {
		return nil, ClassifyDBError("job list", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []migration.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, ClassifyDBError("job list", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) transition(ctx context.Context, query, jobID, target string) error {
	result, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return ClassifyDBError("job transition", err)
	}
	return checkTransition(result, jobID, target)
}

func checkTransition(result sql.Result, jobID, target string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return apperrors.NewConflictError("job", "transition to "+target, jobID)
	}
	return nil
}

func scanJob(row Scannable) (*migration.Job, error) {
	var job migration.Job
	var op, status string
	var lastError sql.NullString
	var nextRunAt, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.FormID, &op, &status, &job.Attempts, &lastError,
		&nextRunAt, &startedAt, &finishedAt, &job.EnqueuedBy, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = migration.JobStatus(status)
	job.LastError = nullStringPtr(lastError)
	job.NextRunAt = nullTimePtr(nextRunAt)
	job.StartedAt = nullTimePtr(startedAt)
	job.FinishedAt = nullTimePtr(finishedAt)

	if err := json.Unmarshal([]byte(op), &job.Operation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation for job %s: %w", job.ID, err)
	}
	return &job, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}
