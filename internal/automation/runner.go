package automation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/metrics"
	"github.com/fenilsonani/mail-automation/internal/queue"
)

// Invocation is what a handler receives for one run.
type Invocation struct {
	Job *Job
	Run *Run
	// Since is the previous occurrence, or the job's creation time for the first run.
	Since time.Time
}

// JobHandler performs one job type.
type JobHandler interface {
	Handle(ctx context.Context, inv Invocation) error
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc func(ctx context.Context, inv Invocation) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// Runner executes queued runs.
type Runner struct {
	store    *Store
	handlers map[JobType]JobHandler
	logger   *logging.Logger
	now      func() time.Time
}

// NewRunner creates a runner with no handlers.
func NewRunner(store *Store, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{store: store, handlers: make(map[JobType]JobHandler), logger: logger.Scheduler(), now: time.Now}
}

// Register sets the handler for a job type.
func (r *Runner) Register(t JobType, h JobHandler) {
	r.handlers[t] = h
}

// Execute runs a PENDING run once. Unknown runs and runs already started
// elsewhere are no-ops. The handler's error is recorded on the run and returned.
func (r *Runner) Execute(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, ErrRunNotFound) {
		r.logger.WarnContext(ctx, "job run not found", "run_id", runID)
		return nil
	}
	if err != nil {
		return err
	}
	ctx = logging.WithJobID(ctx, run.JobID)

	started, err := r.store.StartRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if !started {
		r.logger.DebugContext(ctx, "job run already handled", "run_id", run.ID, "status", string(run.Status))
		return nil
	}
	run.Status = RunProcessing

	runErr := r.invoke(ctx, run)

	status, errText := RunDone, ""
	if runErr != nil {
		status, errText = RunFailed, runErr.Error()
		r.logger.ErrorContext(ctx, "job run failed", runErr, "run_id", run.ID)
	} else {
		r.logger.InfoContext(ctx, "job run done", "run_id", run.ID)
	}
	if _, err := r.store.FinishRun(context.WithoutCancel(ctx), run.ID, RunProcessing, status, errText, r.now()); err != nil {
		return errors.Join(runErr, err)
	}
	metrics.JobRuns.WithLabelValues(string(status)).Inc()
	return runErr
}

func (r *Runner) invoke(ctx context.Context, run *Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panic: %v\n%s", p, debug.Stack())
		}
	}()

	job, err := r.store.Get(ctx, run.JobID)
	if err != nil {
		return err
	}
	ctx = logging.WithAccountID(ctx, job.AccountID)

	h, ok := r.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %s", job.Type)
	}

	since, found, err := r.store.previousOccurrence(ctx, run)
	if err != nil {
		return err
	}
	if !found {
		since = job.CreatedAt
	}
	return h.Handle(ctx, Invocation{Job: job, Run: run, Since: since})
}

// HandleTask is the queue handler for QueueName. Redelivering a finished
// run does nothing.
func (r *Runner) HandleTask(ctx context.Context, task *queue.Task) error {
	var p Payload
	if err := task.Decode(&p); err != nil || p.RunID == "" {
		return queue.Permanent(fmt.Errorf("invalid job run payload: %s", task.Payload))
	}
	return r.Execute(ctx, p.RunID)
}
