// Package automation runs recurring, cron-scheduled jobs such as check-in
// emails. Due occurrences are claimed by a compare-and-swap on the job's
// next run time so that concurrent schedulers create each run once.
package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/fenilsonani/mail-automation/internal/storage"
)

// JobType selects the handler that runs a job.
type JobType string

// JobCheckIn emails the account owner a summary of recent automation activity.
const JobCheckIn JobType = "CHECK_IN"

// RunStatus is the state of one job occurrence.
type RunStatus string

const (
	RunPending    RunStatus = "PENDING"
	RunProcessing RunStatus = "PROCESSING"
	RunDone       RunStatus = "DONE"
	RunFailed     RunStatus = "FAILED"
)

var (
	ErrNotFound    = errors.New("automation job not found")
	ErrRunNotFound = errors.New("automation job run not found")
	ErrInvalidCron = errors.New("invalid cron expression")
)

// Job is a recurring trigger.
type Job struct {
	ID             string
	AccountID      string
	Name           string
	Type           JobType
	CronExpression string
	Prompt         string
	Enabled        bool
	NextRunAt      time.Time
	LastRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Run is one materialized occurrence of a job.
type Run struct {
	ID           string
	JobID        string
	Status       RunStatus
	ScheduledFor time.Time
	ProcessedAt  *time.Time
	Error        string
	CreatedAt    time.Time
}

type jobRow struct {
	ID             string `db:"id"`
	AccountID      string `db:"account_id"`
	Name           string `db:"name"`
	JobType        string `db:"job_type"`
	CronExpression string `db:"cron_expression"`
	Prompt         string `db:"prompt"`
	Enabled        bool   `db:"enabled"`
	NextRunAt      int64  `db:"next_run_at"`
	LastRunAt      *int64 `db:"last_run_at"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r *jobRow) job() *Job {
	return &Job{
		ID:             r.ID,
		AccountID:      r.AccountID,
		Name:           r.Name,
		Type:           JobType(r.JobType),
		CronExpression: r.CronExpression,
		Prompt:         r.Prompt,
		Enabled:        r.Enabled,
		NextRunAt:      storage.FromMillis(r.NextRunAt),
		LastRunAt:      storage.NullMillis(r.LastRunAt),
		CreatedAt:      storage.FromMillis(r.CreatedAt),
		UpdatedAt:      storage.FromMillis(r.UpdatedAt),
	}
}

type runRow struct {
	ID           string `db:"id"`
	JobID        string `db:"job_id"`
	Status       string `db:"status"`
	ScheduledFor int64  `db:"scheduled_for"`
	ProcessedAt  *int64 `db:"processed_at"`
	Error        string `db:"error"`
	CreatedAt    int64  `db:"created_at"`
}

func (r *runRow) run() *Run {
	return &Run{
		ID:           r.ID,
		JobID:        r.JobID,
		Status:       RunStatus(r.Status),
		ScheduledFor: storage.FromMillis(r.ScheduledFor),
		ProcessedAt:  storage.NullMillis(r.ProcessedAt),
		Error:        r.Error,
		CreatedAt:    storage.FromMillis(r.CreatedAt),
	}
}

// NextRun returns the first occurrence of expr strictly after t, truncated
// to the millisecond precision of the store. Standard five-field
// expressions and descriptors such as @daily are accepted.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w %q: no future occurrence", ErrInvalidCron, expr)
	}
	return storage.FromMillis(storage.Millis(next)), nil
}

// Store persists jobs and their runs.
type Store struct {
	db *storage.DB
}

// NewStore creates a job store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Create validates the cron expression and inserts the job with its first
// occurrence after now.
func (s *Store) Create(ctx context.Context, j *Job, now time.Time) error {
	if j.Type == "" {
		return errors.New("job type is required")
	}
	next, err := NextRun(j.CronExpression, now)
	if err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.NextRunAt = next
	j.CreatedAt = storage.FromMillis(storage.Millis(now))
	j.UpdatedAt = j.CreatedAt

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_jobs (id, account_id, name, job_type, cron_expression, prompt, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.AccountID, j.Name, string(j.Type), j.CronExpression, j.Prompt, j.Enabled,
		storage.Millis(j.NextRunAt), storage.Millis(j.CreatedAt), storage.Millis(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert automation job: %w", err)
	}
	return nil
}

// Get loads a job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM automation_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get automation job: %w", err)
	}
	return r.job(), nil
}

// List returns an account's jobs.
func (s *Store) List(ctx context.Context, accountID string) ([]*Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM automation_jobs WHERE account_id = ? ORDER BY created_at, id`, accountID); err != nil {
		return nil, fmt.Errorf("list automation jobs: %w", err)
	}
	out := make([]*Job, len(rows))
	for i := range rows {
		out[i] = rows[i].job()
	}
	return out, nil
}

// SetEnabled toggles a job. Enabling recomputes the next run from now so a
// paused job does not fire for occurrences missed while disabled.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	if !enabled {
		return s.update(ctx, `UPDATE automation_jobs SET enabled = 0, updated_at = ? WHERE id = ?`,
			storage.Millis(now), id)
	}
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	next, err := NextRun(j.CronExpression, now)
	if err != nil {
		return err
	}
	return s.update(ctx, `UPDATE automation_jobs SET enabled = 1, next_run_at = ?, updated_at = ? WHERE id = ?`,
		storage.Millis(next), storage.Millis(now), id)
}

// Reschedule replaces a job's cron expression and recomputes its next run from now.
func (s *Store) Reschedule(ctx context.Context, id, expr string, now time.Time) (time.Time, error) {
	next, err := NextRun(expr, now)
	if err != nil {
		return time.Time{}, err
	}
	err = s.update(ctx, `UPDATE automation_jobs SET cron_expression = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(expr), storage.Millis(next), storage.Millis(now), id)
	return next, err
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update automation job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Due returns enabled jobs whose next run is at or before now, earliest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM automation_jobs WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at, id LIMIT ?`, storage.Millis(now), limit); err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	out := make([]*Job, len(rows))
	for i := range rows {
		out[i] = rows[i].job()
	}
	return out, nil
}

var errClaimLost = errors.New("claim lost")

// Claim fulfils the occurrence j.NextRunAt as read by the caller. In one
// transaction it advances next_run_at from exactly that value and creates
// the PENDING run. It returns nil, nil when another claimer got there first.
func (s *Store) Claim(ctx context.Context, j *Job, now time.Time) (*Run, error) {
	scheduledFor := j.NextRunAt
	anchor := scheduledFor
	if now.After(anchor) {
		anchor = now
	}
	next, err := NextRun(j.CronExpression, anchor)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:           uuid.NewString(),
		JobID:        j.ID,
		Status:       RunPending,
		ScheduledFor: scheduledFor,
		CreatedAt:    storage.FromMillis(storage.Millis(now)),
	}

	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE automation_jobs SET next_run_at = ?, last_run_at = ?, updated_at = ?
			WHERE id = ? AND next_run_at = ? AND enabled = 1`,
			storage.Millis(next), storage.Millis(scheduledFor), storage.Millis(now),
			j.ID, storage.Millis(scheduledFor))
		if err != nil {
			return fmt.Errorf("advance next run: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errClaimLost
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_job_runs (id, job_id, status, scheduled_for, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			run.ID, run.JobID, string(run.Status), storage.Millis(run.ScheduledFor), storage.Millis(run.CreatedAt))
		if storage.IsUniqueViolation(err) {
			return errClaimLost
		}
		if err != nil {
			return fmt.Errorf("insert job run: %w", err)
		}
		return nil
	})
	if errors.Is(err, errClaimLost) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.NextRunAt = next
	return run, nil
}

// GetRun loads a run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r runRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM automation_job_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job run: %w", err)
	}
	return r.run(), nil
}

// ListRuns returns a job's runs, newest occurrence first.
func (s *Store) ListRuns(ctx context.Context, jobID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM automation_job_runs WHERE job_id = ? ORDER BY scheduled_for DESC LIMIT ?`, jobID, limit); err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	out := make([]*Run, len(rows))
	for i := range rows {
		out[i] = rows[i].run()
	}
	return out, nil
}

// previousOccurrence returns the scheduled time of the run before r, if any.
func (s *Store) previousOccurrence(ctx context.Context, r *Run) (time.Time, bool, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms, `
		SELECT scheduled_for FROM automation_job_runs
		WHERE job_id = ? AND scheduled_for < ? ORDER BY scheduled_for DESC LIMIT 1`,
		r.JobID, storage.Millis(r.ScheduledFor))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("previous occurrence: %w", err)
	}
	return storage.FromMillis(ms), true, nil
}

// StartRun is the PENDING to PROCESSING claim on a run.
func (s *Store) StartRun(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_job_runs SET status = ? WHERE id = ? AND status = ?`,
		string(RunProcessing), id, string(RunPending))
	if err != nil {
		return false, fmt.Errorf("start job run: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishRun records the final state of a run from the given source status.
func (s *Store) FinishRun(ctx context.Context, id string, from, to RunStatus, errText string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_job_runs SET status = ?, error = ?, processed_at = ? WHERE id = ? AND status = ?`,
		string(to), errText, storage.Millis(at), id, string(from))
	if err != nil {
		return false, fmt.Errorf("finish job run: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
