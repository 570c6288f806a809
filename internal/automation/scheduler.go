package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/metrics"
	"github.com/fenilsonani/mail-automation/internal/queue"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

// QueueName is the task queue carrying run executions.
const QueueName = "automation-jobs"

// DefaultBatchSize bounds how many due jobs one tick handles.
const DefaultBatchSize = 100

// Enqueuer publishes run messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) (string, error)
}

// Payload is the queue message body.
type Payload struct {
	RunID string `json:"runId"`
}

// Counts summarizes one tick.
type Counts struct {
	Due     int `json:"due"`
	Claimed int `json:"claimed"`
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Scheduler turns due jobs into queued runs.
type Scheduler struct {
	store     *Store
	enqueuer  Enqueuer
	batchSize int
	logger    *logging.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(store *Store, enqueuer Enqueuer, batchSize int, logger *logging.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{store: store, enqueuer: enqueuer, batchSize: batchSize, logger: logger.Scheduler()}
}

// Tick claims every due job occurrence and enqueues a run for each one won.
// It is safe to call from several processes at once.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Counts, error) {
	var c Counts
	jobs, err := s.store.Due(ctx, now, s.batchSize)
	if err != nil {
		metrics.RecordError("scheduler", "query")
		return c, err
	}
	c.Due = len(jobs)

	for _, j := range jobs {
		jctx := logging.WithJobID(logging.WithAccountID(ctx, j.AccountID), j.ID)
		scheduledFor := j.NextRunAt

		run, err := s.store.Claim(jctx, j, now)
		switch {
		case errors.Is(err, ErrInvalidCron):
			c.Failed++
			metrics.RecordError("scheduler", "cron")
			s.logger.ErrorContext(jctx, "cannot compute next run", err, "cron", j.CronExpression)
			continue
		case err != nil:
			c.Failed++
			metrics.RecordError("scheduler", "claim")
			s.logger.ErrorContext(jctx, "claim failed", err)
			continue
		case run == nil:
			c.Skipped++
			s.logger.DebugContext(jctx, "occurrence claimed elsewhere", "scheduled_for", scheduledFor)
			continue
		}
		c.Claimed++

		if _, err := s.enqueuer.Enqueue(jctx, QueueName, Payload{RunID: run.ID}, queue.EnqueueOptions{}); err != nil {
			c.Failed++
			metrics.RecordError("scheduler", "enqueue")
			s.logger.ErrorContext(jctx, "enqueue failed", err, "run_id", run.ID)
			s.failRun(jctx, run, fmt.Sprintf("enqueue failed: %v", err))
			continue
		}
		c.Queued++
		s.logger.InfoContext(jctx, "job run queued", "run_id", run.ID, "scheduled_for", scheduledFor, "next_run_at", j.NextRunAt)
	}

	metrics.RecordSchedulerTick(c.Claimed, c.Queued, c.Skipped, c.Failed)
	if c.Due > 0 {
		s.logger.InfoContext(ctx, "scheduler tick",
			"due", c.Due, "claimed", c.Claimed, "queued", c.Queued, "skipped", c.Skipped, "failed", c.Failed)
	}
	return c, nil
}

func (s *Scheduler) failRun(ctx context.Context, run *Run, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.FinishRun(ctx, run.ID, RunPending, RunFailed, reason, storage.FromMillis(storage.Millis(time.Now()))); err != nil {
		s.logger.ErrorContext(ctx, "cannot mark run failed", err, "run_id", run.ID)
		return
	}
	metrics.JobRuns.WithLabelValues(string(RunFailed)).Inc()
}
