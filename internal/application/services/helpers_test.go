package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// fakeSchema is an in-memory stand-in for the schema driver. Columns map to
// physical types; values are keyed by "table.column".
type fakeSchema struct {
	mu      sync.Mutex
	columns map[string]map[string]string
	values  map[string][]migration.RowValue
	rows    int64
}

func newFakeSchema() *fakeSchema {
	return &fakeSchema{
		columns: make(map[string]map[string]string),
		values:  make(map[string][]migration.RowValue),
	}
}

func (f *fakeSchema) addColumnWithValues(table, column, physical string, values ...migration.RowValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.columns[table] == nil {
		f.columns[table] = make(map[string]string)
	}
	f.columns[table][column] = physical
	f.values[table+"."+column] = values
}

func (f *fakeSchema) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.columns[table][column]
	return ok, nil
}

func (f *fakeSchema) GetColumnType(ctx context.Context, table, column string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	physical, ok := f.columns[table][column]
	if !ok {
		return "", apperrors.NewNotFoundError("column", table+"."+column)
	}
	return physical, nil
}

func (f *fakeSchema) CountRows(ctx context.Context, table string) (int64, error) {
	return f.rows, nil
}

func (f *fakeSchema) AddColumn(ctx context.Context, table, column, physical string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[table][column]; ok {
		return apperrors.NewConflictError("column", "name", column)
	}
	if f.columns[table] == nil {
		f.columns[table] = make(map[string]string)
	}
	f.columns[table][column] = physical
	return nil
}

func (f *fakeSchema) DropColumn(ctx context.Context, table, column string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[table][column]; !ok {
		return apperrors.NewNotFoundError("column", table+"."+column)
	}
	delete(f.columns[table], column)
	delete(f.values, table+"."+column)
	return nil
}

func (f *fakeSchema) RenameColumn(ctx context.Context, table, oldCol, newCol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	physical, ok := f.columns[table][oldCol]
	if !ok {
		return apperrors.NewNotFoundError("column", table+"."+oldCol)
	}
	if _, taken := f.columns[table][newCol]; taken {
		return apperrors.NewConflictError("column", "name", newCol)
	}
	delete(f.columns[table], oldCol)
	f.columns[table][newCol] = physical
	f.values[table+"."+newCol] = f.values[table+"."+oldCol]
	delete(f.values, table+"."+oldCol)
	return nil
}

func (f *fakeSchema) ModifyColumnType(ctx context.Context, table, column, physical string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[table][column]; !ok {
		return apperrors.NewNotFoundError("column", table+"."+column)
	}
	f.columns[table][column] = physical
	return nil
}

func (f *fakeSchema) ScanColumnValues(ctx context.Context, table, column string, fn func(rowID, value string) error) error {
	f.mu.Lock()
	values := append([]migration.RowValue(nil), f.values[table+"."+column]...)
	f.mu.Unlock()
	for _, rv := range values {
		if rv.Value == nil {
			continue
		}
		if err := fn(rv.RowID, fmt.Sprint(rv.Value)); err != nil {
			return err
		}
	}
	return nil
}

// fakeHistory is an in-memory append-only history
type fakeHistory struct {
	mu         sync.Mutex
	records    []migration.Record
	failInsert error
}

func (f *fakeHistory) Insert(ctx context.Context, exec persistence.Executor, rec *migration.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		err := f.failInsert
		f.failInsert = nil
		return err
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeHistory) GetByID(ctx context.Context, id string) (*migration.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			rec := f.records[i]
			return &rec, nil
		}
	}
	return nil, apperrors.NewNotFoundError("migration", id)
}

func (f *fakeHistory) ListByForm(ctx context.Context, formID string, limit, offset int) ([]migration.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []migration.Record
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].FormID == formID {
			out = append(out, f.records[i])
		}
	}
	return out, nil
}

func (f *fakeHistory) HasSuccessfulRollback(ctx context.Context, migrationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.RollbackOf != nil && *rec.RollbackOf == migrationID && rec.Success {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeHistory) last() migration.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[len(f.records)-1]
}

// fakeForms serves current field lists to the rollback guard. Unknown forms
// read as empty so engine tests that never touch definitions need no seeding.
type fakeForms struct {
	mu    sync.Mutex
	forms map[string]*migration.Form
}

func newFakeForms() *fakeForms {
	return &fakeForms{forms: make(map[string]*migration.Form)}
}

func (f *fakeForms) put(form *migration.Form) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms[form.ID] = form
}

func (f *fakeForms) GetForm(ctx context.Context, formID string) (*migration.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if form, ok := f.forms[formID]; ok {
		cp := *form
		return &cp, nil
	}
	return &migration.Form{ID: formID}, nil
}

// fakeBackups records CreateBackup calls without touching storage
type fakeBackups struct {
	mu      sync.Mutex
	created []migration.Backup
	fail    error
}

func (f *fakeBackups) CreateBackup(ctx context.Context, formID, table, column string, backupType migration.BackupType) (*migration.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	b := migration.Backup{
		ID:             uuid.New().String(),
		FormID:         formID,
		TableName:      table,
		ColumnName:     column,
		Type:           backupType,
		RetentionUntil: time.Now().Add(migration.DefaultBackupRetention),
		CreatedAt:      time.Now(),
	}
	f.created = append(f.created, b)
	return &b, nil
}

// fakeJobStore is an in-memory durable queue honoring the same eligibility
// and claim semantics as the SQL store
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*migration.Job
	seq  int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*migration.Job)}
}

func (f *fakeJobStore) Enqueue(ctx context.Context, exec persistence.Executor, job *migration.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	j := *job
	j.Status = migration.JobWaiting
	j.CreatedAt = time.Now().Add(time.Duration(f.seq) * time.Microsecond)
	f.jobs[j.ID] = &j
	return nil
}

func (f *fakeJobStore) GetByID(ctx context.Context, id string) (*migration.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("job", id)
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) eligible() []*migration.Job {
	activeForms := make(map[string]bool)
	for _, j := range f.jobs {
		if j.Status == migration.JobActive {
			activeForms[j.FormID] = true
		}
	}
	var out []*migration.Job
	now := time.Now()
	for _, j := range f.jobs {
		runnable := j.Status == migration.JobWaiting ||
			(j.Status == migration.JobDelayed && j.NextRunAt != nil && !j.NextRunAt.After(now))
		if runnable && !activeForms[j.FormID] {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	// only the oldest runnable job per form
	seen := make(map[string]bool)
	var fifo []*migration.Job
	for _, j := range out {
		if !seen[j.FormID] {
			seen[j.FormID] = true
			fifo = append(fifo, j)
		}
	}
	return fifo
}

func (f *fakeJobStore) GetEligible(ctx context.Context, limit int) ([]migration.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []migration.Job
	for _, j := range f.eligible() {
		out = append(out, *j)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeJobStore) Claim(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.eligible() {
		if j.ID == jobID {
			now := time.Now()
			j.Status = migration.JobActive
			j.Attempts++
			j.StartedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeJobStore) transition(jobID string, from, to migration.JobStatus, errMsg *string, nextRunAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.Status != from {
		return apperrors.NewConflictError("job", "transition to "+string(to), jobID)
	}
	now := time.Now()
	j.Status = to
	j.LastError = errMsg
	j.NextRunAt = nextRunAt
	if to == migration.JobCompleted || to == migration.JobFailed || to == migration.JobCancelled {
		j.FinishedAt = &now
	}
	return nil
}

func (f *fakeJobStore) MarkCompleted(ctx context.Context, jobID string) error {
	return f.transition(jobID, migration.JobActive, migration.JobCompleted, nil, nil)
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	return f.transition(jobID, migration.JobActive, migration.JobFailed, &errMsg, nil)
}

func (f *fakeJobStore) MarkDelayed(ctx context.Context, jobID, errMsg string, nextRunAt time.Time) error {
	return f.transition(jobID, migration.JobActive, migration.JobDelayed, &errMsg, &nextRunAt)
}

func (f *fakeJobStore) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return apperrors.NewNotFoundError("job", jobID)
	}
	if j.Status != migration.JobWaiting && j.Status != migration.JobDelayed {
		return apperrors.NewConflictError("job", "status", string(j.Status))
	}
	j.Status = migration.JobCancelled
	return nil
}

func (f *fakeJobStore) RequeueStale(ctx context.Context, timeout time.Duration, maxAttempts int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	cutoff := time.Now().Add(-timeout)
	for _, j := range f.jobs {
		if j.Status != migration.JobActive || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		now := time.Now()
		if j.Attempts >= maxAttempts {
			msg := "worker lost; attempt budget exhausted"
			j.Status = migration.JobFailed
			j.LastError = &msg
			j.FinishedAt = &now
			continue
		}
		j.Status = migration.JobDelayed
		j.NextRunAt = &now
		j.StartedAt = nil
		n++
	}
	return n, nil
}

func (f *fakeJobStore) StatusCounts(ctx context.Context, window time.Duration) (migration.QueueStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s migration.QueueStatus
	for _, j := range f.jobs {
		switch j.Status {
		case migration.JobWaiting:
			s.Waiting++
		case migration.JobActive:
			s.Active++
		case migration.JobCompleted:
			s.Completed++
		case migration.JobFailed:
			s.Failed++
		case migration.JobDelayed:
			s.Delayed++
		case migration.JobCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

func (f *fakeJobStore) RecentByForm(ctx context.Context, formID string, limit int) ([]migration.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []migration.Job
	for _, j := range f.jobs {
		if j.FormID == formID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
