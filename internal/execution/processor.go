package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/audit"
	"github.com/fenilsonani/mail-automation/internal/condition"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/matcher"
	"github.com/fenilsonani/mail-automation/internal/metrics"
	"github.com/fenilsonani/mail-automation/internal/rules"
)

// MessageStore records inbound messages.
type MessageStore interface {
	StoreMessage(ctx context.Context, msg *email.Message) error
}

// RuleSource lists an account's enabled rules in evaluation order.
type RuleSource interface {
	ListEnabled(ctx context.Context, accountID string) ([]*rules.Rule, error)
}

// Canceller cancels the pending scheduled actions of an executed rule.
type Canceller interface {
	CancelForExecutedRule(ctx context.Context, executedRuleID string) (int, error)
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Accounts  *account.Store
	Messages  MessageStore
	Rules     RuleSource
	Matcher   *matcher.Matcher
	Evaluator *condition.Evaluator
	Store     *Store
	Executor  *Executor
	Scheduled Canceller
	Audit     *audit.Logger
	Logger    *logging.Logger
}

// Processor runs inbound messages through matching, gating and execution,
// and handles owner approval of pending suggestions.
type Processor struct {
	Deps
	logger *logging.Logger
}

// NewProcessor creates a processor.
func NewProcessor(d Deps) *Processor {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return &Processor{Deps: d, logger: d.Logger.Executor()}
}

// Process handles one inbound message and returns its execution record.
// A message that already has a record is not processed again.
func (p *Processor) Process(ctx context.Context, msg *email.Message) (*ExecutedRule, error) {
	if msg.ThreadID == "" {
		msg.ThreadID = msg.ID
	}
	ctx = logging.WithAccountID(ctx, msg.AccountID)
	ctx = logging.WithMessageID(ctx, msg.ID)

	existing, err := p.Store.FindByMessage(ctx, msg.AccountID, msg.ID)
	if err == nil {
		p.logger.DebugContext(ctx, "message already processed", "executed_rule_id", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	acct, err := p.Accounts.Get(ctx, msg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if err := p.Messages.StoreMessage(ctx, msg); err != nil {
		return nil, err
	}
	ruleSet, err := p.Rules.ListEnabled(ctx, msg.AccountID)
	if err != nil {
		return nil, err
	}

	match := p.Matcher.Match(ctx, matcher.Input{Account: acct, Message: msg, Rules: ruleSet})
	er := &ExecutedRule{
		AccountID: msg.AccountID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.ID,
		Reason:    match.Reason,
	}

	if !match.Matched() {
		er.Status = StatusSkipped
		return p.record(ctx, er)
	}

	rule := match.Rule
	er.RuleID = rule.ID
	if len(rule.Gates) > 0 {
		passed, results := p.Evaluator.EvaluateAll(ctx, rule.Gates, &condition.Context{Account: acct, Message: msg})
		if !passed {
			er.Status = StatusSkipped
			er.Reason = match.Reason + "\nConditions not met: " + condition.Summarize(results)
			return p.record(ctx, er)
		}
	}

	er.Status = StatusPending
	er.Automated = rule.CanAutomate()
	er.Actions = Items(rule.Actions)
	if err := p.Store.Create(ctx, er); err != nil {
		if errors.Is(err, ErrAlreadyRecorded) {
			return p.concurrentRecord(ctx, msg)
		}
		return nil, err
	}
	p.logger.InfoContext(ctx, "rule matched",
		"executed_rule_id", er.ID, "rule", rule.Name, "layer", string(match.Layer), "automated", er.Automated)

	if !er.Automated {
		return er, nil
	}
	return er, p.apply(ctx, er)
}

func (p *Processor) record(ctx context.Context, er *ExecutedRule) (*ExecutedRule, error) {
	if err := p.Store.Create(ctx, er); err != nil {
		if errors.Is(err, ErrAlreadyRecorded) {
			return p.concurrentRecord(ctx, &email.Message{ID: er.MessageID, AccountID: er.AccountID})
		}
		return nil, err
	}
	metrics.ExecutedRules.WithLabelValues(string(er.Status)).Inc()
	p.logger.DebugContext(ctx, "message skipped", "executed_rule_id", er.ID, "reason", er.Reason)
	return er, nil
}

// concurrentRecord returns the record written by a delivery of the same
// message that won the insert.
func (p *Processor) concurrentRecord(ctx context.Context, msg *email.Message) (*ExecutedRule, error) {
	existing, err := p.Store.FindByMessage(ctx, msg.AccountID, msg.ID)
	if err != nil {
		return nil, err
	}
	p.logger.DebugContext(ctx, "message processed concurrently", "executed_rule_id", existing.ID)
	return existing, nil
}

// apply claims er for execution and runs it. Losing the claim is not an error.
func (p *Processor) apply(ctx context.Context, er *ExecutedRule) error {
	claimed, err := p.Store.ClaimForApply(ctx, er.ID)
	if err != nil {
		return err
	}
	if !claimed {
		p.logger.InfoContext(ctx, "executed rule already claimed", "executed_rule_id", er.ID)
		return nil
	}
	er.Status = StatusApplying
	return p.Executor.Execute(ctx, er)
}

// Approve runs a pending suggestion on the owner's behalf.
func (p *Processor) Approve(ctx context.Context, id, actor string) (*ExecutedRule, error) {
	er, err := p.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	claimed, err := p.Store.ClaimForApply(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return er, fmt.Errorf("%w: cannot approve %s record", ErrInvalidTransition, er.Status)
	}
	er.Status = StatusApplying
	p.logAudit(ctx, audit.Entry{AccountID: er.AccountID, Actor: actor, Action: audit.EventExecutionApprove, Target: er.ID})
	return er, p.Executor.Execute(ctx, er)
}

// Reject moves a PENDING or APPLYING record to REJECTED and cancels its
// pending scheduled actions.
func (p *Processor) Reject(ctx context.Context, id, actor string) (*ExecutedRule, error) {
	er, err := p.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := p.Store.Transition(ctx, id, StatusRejected, StatusPending, StatusApplying)
	if err != nil {
		return nil, err
	}
	if !ok {
		return er, fmt.Errorf("%w: cannot reject %s record", ErrInvalidTransition, er.Status)
	}
	er.Status = StatusRejected
	metrics.ExecutedRules.WithLabelValues(string(StatusRejected)).Inc()

	cancelled := 0
	if p.Scheduled != nil {
		if cancelled, err = p.Scheduled.CancelForExecutedRule(ctx, id); err != nil {
			return er, err
		}
	}
	p.logAudit(ctx, audit.Entry{
		AccountID: er.AccountID,
		Actor:     actor,
		Action:    audit.EventExecutionReject,
		Target:    er.ID,
		Details:   map[string]any{"cancelled_scheduled_actions": cancelled},
	})
	return er, nil
}

func (p *Processor) logAudit(ctx context.Context, e audit.Entry) {
	if err := p.Audit.Log(ctx, e); err != nil {
		p.logger.WarnContext(ctx, "audit log write failed", "error", err.Error(), "action", string(e.Action))
	}
}
