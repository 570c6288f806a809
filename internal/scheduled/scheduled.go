// Package scheduled persists delayed rule actions and delivers them from the
// task queue. Only the action id travels through the queue; the payload is
// read back from the store at delivery time.
package scheduled

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/mailbox"
	"github.com/fenilsonani/mail-automation/internal/metrics"
	"github.com/fenilsonani/mail-automation/internal/queue"
	"github.com/fenilsonani/mail-automation/internal/rules"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

// QueueName is the task queue carrying delivery messages.
const QueueName = "scheduled-actions"

// Status is the lifecycle state of a scheduled action.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusApplied   Status = "APPLIED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

var (
	// ErrNotFound is returned when no scheduled action has the id.
	ErrNotFound = errors.New("scheduled action not found")
	// ErrNotCancellable is returned when cancelling an action that already left PENDING.
	ErrNotCancellable = errors.New("scheduled action is no longer pending")
)

// Action is one deferred rule action.
type Action struct {
	ID               string
	AccountID        string
	ExecutedRuleID   string
	ExecutedActionID string
	MessageID        string
	ThreadID         string
	Action           rules.Action
	ScheduledFor     time.Time
	Status           Status
	Error            string
	ExecutedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type row struct {
	ID               string `db:"id"`
	AccountID        string `db:"account_id"`
	ExecutedRuleID   string `db:"executed_rule_id"`
	ExecutedActionID string `db:"executed_action_id"`
	MessageID        string `db:"message_id"`
	ThreadID         string `db:"thread_id"`
	ActionType       string `db:"action_type"`
	Payload          string `db:"payload"`
	ScheduledFor     int64  `db:"scheduled_for"`
	Status           string `db:"status"`
	Error            string `db:"error"`
	ExecutedAt       *int64 `db:"executed_at"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func (r *row) action() (*Action, error) {
	a := &Action{
		ID:               r.ID,
		AccountID:        r.AccountID,
		ExecutedRuleID:   r.ExecutedRuleID,
		ExecutedActionID: r.ExecutedActionID,
		MessageID:        r.MessageID,
		ThreadID:         r.ThreadID,
		ScheduledFor:     storage.FromMillis(r.ScheduledFor),
		Status:           Status(r.Status),
		Error:            r.Error,
		ExecutedAt:       storage.NullMillis(r.ExecutedAt),
		CreatedAt:        storage.FromMillis(r.CreatedAt),
		UpdatedAt:        storage.FromMillis(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Payload), &a.Action); err != nil {
		return nil, fmt.Errorf("decode scheduled action %s payload: %w", r.ID, err)
	}
	return a, nil
}

// Payload is the queue message body.
type Payload struct {
	ScheduledActionID string `json:"scheduledActionId"`
}

// Enqueuer publishes delivery messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) (string, error)
}

// ActionRunner applies a single action to a message.
type ActionRunner interface {
	RunAction(ctx context.Context, t mailbox.Target, a rules.Action) (mailbox.Result, error)
}

// Request describes an action to defer.
type Request struct {
	AccountID        string
	ExecutedRuleID   string
	ExecutedActionID string
	MessageID        string
	ThreadID         string
	Action           rules.Action
}

// Service stores, delivers and cancels scheduled actions.
type Service struct {
	db       *storage.DB
	enqueuer Enqueuer
	runner   ActionRunner
	logger   *logging.Logger
}

// New creates a scheduled action service.
func New(db *storage.DB, enqueuer Enqueuer, runner ActionRunner, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{db: db, enqueuer: enqueuer, runner: runner, logger: logger.Executor()}
}

// Schedule persists req as PENDING with ScheduledFor = now + delay and
// publishes a delayed delivery message. If publishing fails the row is marked
// FAILED and the error is returned.
func (s *Service) Schedule(ctx context.Context, req Request, now time.Time) (*Action, error) {
	if req.Action.DelayInMinutes <= 0 {
		return nil, fmt.Errorf("action %s has no delay", req.Action.Type)
	}
	payload, err := json.Marshal(req.Action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	delay := time.Duration(req.Action.DelayInMinutes) * time.Minute
	a := &Action{
		ID:               uuid.NewString(),
		AccountID:        req.AccountID,
		ExecutedRuleID:   req.ExecutedRuleID,
		ExecutedActionID: req.ExecutedActionID,
		MessageID:        req.MessageID,
		ThreadID:         req.ThreadID,
		Action:           req.Action,
		ScheduledFor:     storage.FromMillis(storage.Millis(now.Add(delay))),
		Status:           StatusPending,
		CreatedAt:        storage.FromMillis(storage.Millis(now)),
	}
	a.UpdatedAt = a.CreatedAt

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions (id, account_id, executed_rule_id, executed_action_id, message_id,
			thread_id, action_type, payload, scheduled_for, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, a.ExecutedRuleID, a.ExecutedActionID, a.MessageID,
		a.ThreadID, string(a.Action.Type), string(payload), storage.Millis(a.ScheduledFor),
		string(a.Status), storage.Millis(a.CreatedAt), storage.Millis(a.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert scheduled action: %w", err)
	}

	if _, err := s.enqueuer.Enqueue(ctx, QueueName, Payload{ScheduledActionID: a.ID},
		queue.EnqueueOptions{NotBefore: a.ScheduledFor}); err != nil {
		metrics.RecordError("scheduled", "enqueue")
		a.Status = StatusFailed
		a.Error = "enqueue failed: " + err.Error()
		if _, uErr := s.db.ExecContext(context.WithoutCancel(ctx),
			`UPDATE scheduled_actions SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(StatusFailed), a.Error, storage.Millis(time.Now()), a.ID, string(StatusPending)); uErr != nil {
			s.logger.ErrorContext(ctx, "failed to mark scheduled action failed", uErr, "scheduled_action_id", a.ID)
		}
		return a, fmt.Errorf("enqueue scheduled action %s: %w", a.ID, err)
	}

	metrics.ScheduledActions.WithLabelValues("scheduled").Inc()
	s.logger.InfoContext(ctx, "action scheduled",
		"scheduled_action_id", a.ID, "type", string(a.Action.Type), "scheduled_for", a.ScheduledFor)
	return a, nil
}

// Get loads a scheduled action.
func (s *Service) Get(ctx context.Context, id string) (*Action, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM scheduled_actions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled action: %w", err)
	}
	return r.action()
}

// ListForExecutedRule returns the scheduled actions created by one executed rule.
func (s *Service) ListForExecutedRule(ctx context.Context, executedRuleID string) ([]*Action, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM scheduled_actions WHERE executed_rule_id = ? ORDER BY scheduled_for, id`, executedRuleID); err != nil {
		return nil, fmt.Errorf("list scheduled actions: %w", err)
	}
	out := make([]*Action, 0, len(rows))
	for i := range rows {
		a, err := rows[i].action()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Deliver runs a scheduled action if, and only if, this caller wins the
// PENDING to EXECUTING claim. Missing, cancelled, already claimed and
// finished actions are no-ops. An error from the provider finalizes the
// action FAILED and is returned.
func (s *Service) Deliver(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.WarnContext(ctx, "scheduled action not found", "scheduled_action_id", id)
		return nil
	}
	if err != nil {
		return err
	}

	logger := s.logger.WithFields("scheduled_action_id", a.ID, "type", string(a.Action.Type))
	ctx = logging.WithAccountID(ctx, a.AccountID)
	ctx = logging.WithExecutedRuleID(ctx, a.ExecutedRuleID)

	switch a.Status {
	case StatusCancelled:
		logger.InfoContext(ctx, "scheduled action cancelled, skipping")
		metrics.ScheduledActions.WithLabelValues("skipped").Inc()
		return nil
	case StatusPending:
	default:
		logger.DebugContext(ctx, "scheduled action already handled", "status", string(a.Status))
		metrics.ScheduledActions.WithLabelValues("skipped").Inc()
		return nil
	}

	claimed, err := s.claim(ctx, a.ID)
	if err != nil {
		return err
	}
	if !claimed {
		logger.DebugContext(ctx, "scheduled action claimed by another worker")
		metrics.ScheduledActions.WithLabelValues("skipped").Inc()
		return nil
	}

	res, runErr := s.run(ctx, a)
	finishCtx := context.WithoutCancel(ctx)
	switch {
	case runErr != nil:
		logger.ErrorContext(ctx, "scheduled action crashed", runErr)
		if err := s.finish(finishCtx, a, StatusFailed, runErr.Error(), "FAILED", ""); err != nil {
			return errors.Join(runErr, err)
		}
		return fmt.Errorf("run scheduled action %s: %w", a.ID, runErr)
	case !res.Success:
		logger.WarnContext(ctx, "scheduled action failed", "code", res.ErrorCode)
		return s.finish(finishCtx, a, StatusFailed, res.ErrorCode, "FAILED", res.ErrorCode)
	default:
		logger.InfoContext(ctx, "scheduled action applied")
		return s.finish(finishCtx, a, StatusApplied, "", "SUCCESS", "")
	}
}

func (s *Service) claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusExecuting), storage.Millis(time.Now()), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim scheduled action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim scheduled action: %w", err)
	}
	return n == 1, nil
}

func (s *Service) run(ctx context.Context, a *Action) (res mailbox.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action panic: %v\n%s", p, debug.Stack())
		}
	}()
	res, err = s.runner.RunAction(ctx, mailbox.Target{
		AccountID: a.AccountID,
		MessageID: a.MessageID,
		ThreadID:  a.ThreadID,
	}, a.Action)
	metrics.RecordAction(string(a.Action.Type), err == nil && res.Success)
	return res, err
}

// finish records the final state of a claimed action and mirrors it onto
// the executed rule's action item.
func (s *Service) finish(ctx context.Context, a *Action, status Status, errText, itemStatus, code string) error {
	now := storage.Millis(time.Now())
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_actions SET status = ?, error = ?, executed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(status), errText, now, now, a.ID, string(StatusExecuting)); err != nil {
			return fmt.Errorf("finish scheduled action: %w", err)
		}
		if a.ExecutedActionID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE executed_actions SET status = ?, error_code = ? WHERE id = ?`,
			itemStatus, code, a.ExecutedActionID); err != nil {
			return fmt.Errorf("update action item: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.ScheduledActions.WithLabelValues(string(status)).Inc()
	return nil
}

// Cancel moves a PENDING action to CANCELLED. Actions that already left
// PENDING return ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusCancelled), storage.Millis(time.Now()), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("cancel scheduled action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	metrics.ScheduledActions.WithLabelValues(string(StatusCancelled)).Inc()
	s.logger.InfoContext(ctx, "scheduled action cancelled", "scheduled_action_id", id)
	return nil
}

// CancelForExecutedRule cancels every still-pending action created by an
// executed rule and returns how many were cancelled.
func (s *Service) CancelForExecutedRule(ctx context.Context, executedRuleID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET status = ?, updated_at = ? WHERE executed_rule_id = ? AND status = ?`,
		string(StatusCancelled), storage.Millis(time.Now()), executedRuleID, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled actions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.ScheduledActions.WithLabelValues(string(StatusCancelled)).Add(float64(n))
	}
	return int(n), nil
}

// HandleTask is the queue handler for QueueName. A redelivery after a
// failed run finds the row terminal and does nothing.
func (s *Service) HandleTask(ctx context.Context, task *queue.Task) error {
	var p Payload
	if err := task.Decode(&p); err != nil || p.ScheduledActionID == "" {
		return queue.Permanent(fmt.Errorf("invalid scheduled action payload: %s", task.Payload))
	}
	return s.Deliver(ctx, p.ScheduledActionID)
}
