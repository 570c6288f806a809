package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/mailbox"
	"github.com/fenilsonani/mail-automation/internal/metrics"
	"github.com/fenilsonani/mail-automation/internal/rules"
	"github.com/fenilsonani/mail-automation/internal/scheduled"
)

// CodeScheduleFailed is the structured failure for a delayed action that
// could not be scheduled.
const CodeScheduleFailed = "SCHEDULE_FAILED"

// ActionRunner applies one action to a message.
type ActionRunner interface {
	RunAction(ctx context.Context, t mailbox.Target, a rules.Action) (mailbox.Result, error)
}

// Scheduler defers delayed actions.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduled.Request, now time.Time) (*scheduled.Action, error)
}

// Executor applies an executed rule's action items in order.
type Executor struct {
	store     *Store
	runner    ActionRunner
	scheduler Scheduler
	logger    *logging.Logger
	now       func() time.Time
}

// NewExecutor creates an executor. scheduler may be nil, in which case
// delayed actions fail with SCHEDULE_FAILED.
func NewExecutor(store *Store, runner ActionRunner, scheduler Scheduler, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{store: store, runner: runner, scheduler: scheduler, logger: logger.Executor(), now: time.Now}
}

// Execute runs every action item of er, which must already be APPLYING.
//
// Structured failures are recorded on their item and do not stop later
// items; if any occurred the record ends in ERROR with the failures appended
// to its reason. An error or panic from the provider ends the record in
// ERROR with its reason untouched and is returned.
func (e *Executor) Execute(ctx context.Context, er *ExecutedRule) error {
	if er.Status != StatusApplying {
		return fmt.Errorf("%w: execute requires %s, got %s", ErrInvalidTransition, StatusApplying, er.Status)
	}
	ctx = logging.WithAccountID(ctx, er.AccountID)
	ctx = logging.WithExecutedRuleID(ctx, er.ID)
	ctx = logging.WithMessageID(ctx, er.MessageID)

	target := mailbox.Target{AccountID: er.AccountID, MessageID: er.MessageID, ThreadID: er.ThreadID}
	var failures []string

	for i := range er.Actions {
		item := &er.Actions[i]

		if item.Action.DelayInMinutes > 0 {
			e.schedule(ctx, er, item)
		} else {
			res, err := e.run(ctx, target, item.Action)
			metrics.RecordAction(string(item.Action.Type), err == nil && res.Success)
			if err != nil {
				e.logger.ErrorContext(ctx, "action crashed", err, "action", string(item.Action.Type), "position", item.Position)
				return e.abort(ctx, er, fmt.Errorf("%s action: %w", item.Action.Type, err))
			}
			if res.Success {
				item.Status, item.ErrorCode = ItemSuccess, ""
			} else {
				item.Status, item.ErrorCode = ItemFailed, res.ErrorCode
				e.logger.WarnContext(ctx, "action failed", "action", string(item.Action.Type), "code", res.ErrorCode)
			}
		}

		if item.Status == ItemFailed {
			failures = append(failures, string(item.Action.Type)+":"+item.ErrorCode)
		}
		if err := e.store.SetItemResult(ctx, item.ID, item.Status, item.ErrorCode); err != nil {
			return e.abort(ctx, er, err)
		}
	}

	status, reason := StatusApplied, er.Reason
	if len(failures) > 0 {
		status = StatusError
		reason = er.Reason + "\nAction failures: " + strings.Join(failures, ", ")
	}

	won, err := e.store.Finish(context.WithoutCancel(ctx), er.ID, status, reason)
	if err != nil {
		return err
	}
	if !won {
		e.logger.WarnContext(ctx, "executed rule changed state while applying", "wanted", string(status))
		return nil
	}
	er.Status, er.Reason = status, reason
	metrics.ExecutedRules.WithLabelValues(string(status)).Inc()
	e.logger.InfoContext(ctx, "rule applied", "status", string(status), "actions", len(er.Actions), "failures", len(failures))
	return nil
}

func (e *Executor) schedule(ctx context.Context, er *ExecutedRule, item *ActionItem) {
	if e.scheduler == nil {
		item.Status, item.ErrorCode = ItemFailed, CodeScheduleFailed
		e.logger.WarnContext(ctx, "delayed action without scheduler", "action", string(item.Action.Type))
		return
	}
	_, err := e.scheduler.Schedule(ctx, scheduled.Request{
		AccountID:        er.AccountID,
		ExecutedRuleID:   er.ID,
		ExecutedActionID: item.ID,
		MessageID:        er.MessageID,
		ThreadID:         er.ThreadID,
		Action:           item.Action,
	}, e.now())
	if err != nil {
		item.Status, item.ErrorCode = ItemFailed, CodeScheduleFailed
		e.logger.WarnContext(ctx, "failed to schedule action", "action", string(item.Action.Type), "error", err.Error())
		return
	}
	item.Status, item.ErrorCode = ItemScheduled, ""
}

func (e *Executor) run(ctx context.Context, t mailbox.Target, a rules.Action) (res mailbox.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return e.runner.RunAction(ctx, t, a)
}

// abort marks er ERROR without touching its reason and returns cause.
func (e *Executor) abort(ctx context.Context, er *ExecutedRule, cause error) error {
	if _, err := e.store.Transition(context.WithoutCancel(ctx), er.ID, StatusError, StatusApplying); err != nil {
		return errors.Join(cause, err)
	}
	er.Status = StatusError
	metrics.ExecutedRules.WithLabelValues(string(StatusError)).Inc()
	return fmt.Errorf("execute rule %s: %w", er.ID, cause)
}
