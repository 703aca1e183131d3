package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/qcollector/backend/internal/domain/events"
	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// Queue tuning. Poll interval bounds worker wake-up latency; the visibility
// timeout bounds how long a crashed worker can hold a job in active state.
const (
	DefaultWorkerCount       = 4
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultMaxAttempts       = 3
	StatusWindow             = 24 * time.Hour

	retryInitialInterval = 1 * time.Second
	retryMultiplier      = 4.0
)

// JobStore is the durable queue surface
type JobStore interface {
	Enqueue(ctx context.Context, exec persistence.Executor, job *migration.Job) error
	GetByID(ctx context.Context, id string) (*migration.Job, error)
	GetEligible(ctx context.Context, limit int) ([]migration.Job, error)
	Claim(ctx context.Context, jobID string) (bool, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
	MarkDelayed(ctx context.Context, jobID, errMsg string, nextRunAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, timeout time.Duration, maxAttempts int) (int64, error)
	StatusCounts(ctx context.Context, window time.Duration) (migration.QueueStatus, error)
	RecentByForm(ctx context.Context, formID string, limit int) ([]migration.Job, error)
}

// JobExecutor runs one migration operation
type JobExecutor interface {
	Execute(ctx context.Context, formID string, op migration.Operation, executedBy string) (string, error)
}

// MigrationQueue dispatches migration jobs to a worker pool. The durable job
// table is the source of truth; the in-memory inflight index only keeps the
// workers of this process from racing each other to the database. Per-form
// serialization is enforced twice: eligibility and claim both exclude forms
// with an active job.
type MigrationQueue struct {
	store   JobStore
	engine  JobExecutor
	bus     *EventBus
	workers int

	pollInterval      time.Duration
	visibilityTimeout time.Duration
	maxAttempts       int

	mu       sync.Mutex
	inflight map[string]string // formID -> jobID

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewMigrationQueue creates a queue with default tuning
func NewMigrationQueue(store JobStore, engine JobExecutor, bus *EventBus) *MigrationQueue {
	return &MigrationQueue{
		store:             store,
		engine:            engine,
		bus:               bus,
		workers:           DefaultWorkerCount,
		pollInterval:      DefaultPollInterval,
		visibilityTimeout: DefaultVisibilityTimeout,
		maxAttempts:       DefaultMaxAttempts,
		inflight:          make(map[string]string),
	}
}

// SetWorkers overrides the worker count before Start
func (q *MigrationQueue) SetWorkers(n int) {
	if n > 0 {
		q.workers = n
	}
}

// SetPollInterval overrides the poll interval before Start
func (q *MigrationQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

// SetVisibilityTimeout overrides how long an ACTIVE job may run before the
// stale reverter reclaims it
func (q *MigrationQueue) SetVisibilityTimeout(d time.Duration) {
	if d > 0 {
		q.visibilityTimeout = d
	}
}

// ==================== Enqueue / cancel / inspect ====================

// EnqueuePlan admits one job per planned operation, in plan order, sharing
// the caller's transaction. Returns the job identities immediately.
func (q *MigrationQueue) EnqueuePlan(ctx context.Context, exec persistence.Executor, formID string, plan []migration.Operation, enqueuedBy string) ([]string, error) {
	jobIDs := make([]string, 0, len(plan))
	for _, op := range plan {
		job := &migration.Job{
			ID:         uuid.New().String(),
			FormID:     formID,
			Operation:  op,
			Status:     migration.JobWaiting,
			EnqueuedBy: enqueuedBy,
		}
		if err := q.store.Enqueue(ctx, exec, job); err != nil {
			return nil, err
		}
		jobIDs = append(jobIDs, job.ID)

		q.bus.PublishAsync(events.MigrationEnqueued, events.MigrationEventPayload{
			JobID:      job.ID,
			FormID:     formID,
			Type:       string(op.Type),
			TableName:  op.TableName,
			ColumnName: op.ColumnName,
		})
	}

	if len(jobIDs) > 0 {
		log.Printf("📥 Enqueued %d migration job(s) for form %s", len(jobIDs), formID)
		q.publishDepth(ctx)
	}
	return jobIDs, nil
}

// Cancel withdraws a waiting or delayed job
func (q *MigrationQueue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if err := q.store.Cancel(ctx, jobID); err != nil {
		return err
	}
	log.Printf("🚫 Cancelled job %s (form %s)", jobID, job.FormID)
	q.publishDepth(ctx)
	return nil
}

// Status returns per-state job counts over the rolling window
func (q *MigrationQueue) Status(ctx context.Context) (migration.QueueStatus, error) {
	return q.store.StatusCounts(ctx, StatusWindow)
}

// Metrics returns a form's recent jobs
func (q *MigrationQueue) Metrics(ctx context.Context, formID string, limit int) ([]migration.Job, error) {
	return q.store.RecentByForm(ctx, formID, limit)
}

// GetJob returns one job by identity
func (q *MigrationQueue) GetJob(ctx context.Context, jobID string) (*migration.Job, error) {
	return q.store.GetByID(ctx, jobID)
}

// ==================== Worker pool ====================

// Start revives jobs abandoned by a previous process, then launches the
// worker pool. Returns immediately; Stop drains the pool.
func (q *MigrationQueue) Start(ctx context.Context) error {
	requeued, err := q.store.RequeueStale(ctx, q.visibilityTimeout, q.maxAttempts)
	if err != nil {
		return err
	}
	if requeued > 0 {
		log.Printf("⚠️  Requeued %d stale active job(s) from a previous run", requeued)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.group, runCtx = errgroup.WithContext(runCtx)

	for i := 0; i < q.workers; i++ {
		worker := i
		q.group.Go(func() error {
			q.workerLoop(runCtx, worker)
			return nil
		})
	}
	q.group.Go(func() error {
		q.staleLoop(runCtx)
		return nil
	})

	log.Printf("🚀 Migration queue started with %d workers (poll %s)", q.workers, q.pollInterval)
	return nil
}

// Stop drains the worker pool. Active jobs run to completion; the engine is
// never interrupted mid-DDL.
func (q *MigrationQueue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	_ = q.group.Wait()
	log.Printf("🏁 Migration queue stopped")
}

func (q *MigrationQueue) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchOnce(ctx, worker)
		}
	}
}

// staleLoop periodically revives jobs held by crashed workers elsewhere
func (q *MigrationQueue) staleLoop(ctx context.Context) {
	ticker := time.NewTicker(q.visibilityTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.store.RequeueStale(ctx, q.visibilityTimeout, q.maxAttempts); err != nil {
				log.Printf("⚠️  Stale job sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("⚠️  Requeued %d stale active job(s)", n)
			}
		}
	}
}

func (q *MigrationQueue) dispatchOnce(ctx context.Context, worker int) {
	jobs, err := q.store.GetEligible(ctx, q.workers)
	if err != nil {
		log.Printf("⚠️  Worker %d could not fetch eligible jobs: %v", worker, err)
		return
	}

	for i := range jobs {
		job := jobs[i]
		if !q.markInflight(job.FormID, job.ID) {
			continue // another local worker holds this form
		}

		claimed, err := q.store.Claim(ctx, job.ID)
		if err != nil || !claimed {
			q.clearInflight(job.FormID)
			if err != nil {
				log.Printf("⚠️  Worker %d claim failed for job %s: %v", worker, job.ID, err)
			}
			continue
		}

		q.runJob(ctx, worker, job)
		q.clearInflight(job.FormID)
		return // one job per tick keeps workers spread across forms
	}
}

func (q *MigrationQueue) runJob(ctx context.Context, worker int, job migration.Job) {
	attempt := job.Attempts + 1 // the claim already counted this attempt
	op := job.Operation
	log.Printf("⚙️  Worker %d running job %s (%s on %s.%s, attempt %d/%d)",
		worker, job.ID, op.Type, op.TableName, op.ColumnName, attempt, q.maxAttempts)

	q.bus.PublishAsync(events.MigrationStarted, events.MigrationEventPayload{
		JobID:      job.ID,
		FormID:     job.FormID,
		Type:       string(op.Type),
		TableName:  op.TableName,
		ColumnName: op.ColumnName,
	})

	_, err := q.engine.Execute(ctx, job.FormID, op, job.EnqueuedBy)
	if err == nil {
		if err := q.store.MarkCompleted(ctx, job.ID); err != nil {
			log.Printf("⚠️  Could not mark job %s completed: %v", job.ID, err)
			return
		}
		log.Printf("   ✅ Job %s completed", job.ID)
		q.bus.PublishAsync(events.MigrationCompleted, events.MigrationEventPayload{
			JobID: job.ID, FormID: job.FormID, Type: string(op.Type),
			TableName: op.TableName, ColumnName: op.ColumnName,
		})
		q.publishDepth(ctx)
		return
	}

	if apperrors.IsTransient(err) && attempt < q.maxAttempts {
		delay := retryDelay(attempt)
		log.Printf("   🔁 Job %s hit a transient error, retrying in %s: %v", job.ID, delay, err)
		if derr := q.store.MarkDelayed(ctx, job.ID, err.Error(), time.Now().Add(delay)); derr != nil {
			log.Printf("⚠️  Could not delay job %s: %v", job.ID, derr)
		}
		return
	}

	log.Printf("   ❌ Job %s failed permanently: %v", job.ID, err)
	if ferr := q.store.MarkFailed(ctx, job.ID, err.Error()); ferr != nil {
		log.Printf("⚠️  Could not mark job %s failed: %v", job.ID, ferr)
	}
	q.bus.PublishAsync(events.MigrationFailed, events.MigrationEventPayload{
		JobID: job.ID, FormID: job.FormID, Type: string(op.Type),
		TableName: op.TableName, ColumnName: op.ColumnName,
		Error: err.Error(),
	})
	q.publishDepth(ctx)
}

// retryDelay yields 1s, 4s, 16s for attempts 1, 2, 3
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = 16 * time.Second
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *MigrationQueue) markInflight(formID, jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[formID]; busy {
		return false
	}
	q.inflight[formID] = jobID
	return true
}

func (q *MigrationQueue) clearInflight(formID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, formID)
}

func (q *MigrationQueue) publishDepth(ctx context.Context) {
	status, err := q.store.StatusCounts(ctx, StatusWindow)
	if err != nil {
		return
	}
	q.bus.PublishAsync(events.QueueDepthChanged, events.MigrationEventPayload{
		QueueDepth: status.Depth(),
	})
}
