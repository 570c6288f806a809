// Package condition evaluates the gate conditions attached to a rule.
//
// Gates never return errors: a failed lookup or an unrecognised gate type
// evaluates to "not passed" so a single bad gate cannot abort matching.
package condition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/metrics"
)

// Type names a gate kind.
type Type string

const (
	FirstContact Type = "requiresFirstContact"
	ThreadExists Type = "requiresThreadExists"
	MinMessages  Type = "requiresMinMessages"
	OptIn        Type = "requiresOptIn"
)

// Condition is one declarative gate.
type Condition struct {
	Type     Type   `json:"type" yaml:"type"`
	MinCount int    `json:"minCount,omitempty" yaml:"minCount,omitempty"`
	Feature  string `json:"feature,omitempty" yaml:"feature,omitempty"`
}

// Result is the outcome of a single gate. Reason is shown to the account
// owner in execution history.
type Result struct {
	Type   Type
	Passed bool
	Reason string
	Value  any
}

// History is the provider lookup surface gates depend on.
type History interface {
	HasPreviousCommunication(ctx context.Context, accountID, sender string, before time.Time, excludeMessageID string) (bool, error)
	GetThreadMessages(ctx context.Context, accountID, threadID string) ([]*email.Message, error)
}

// Context carries the message being evaluated and its owner.
type Context struct {
	Account *account.Account
	Message *email.Message
}

// Evaluator evaluates gates against a message.
type Evaluator struct {
	history History
	logger  *logging.Logger
}

// NewEvaluator creates an evaluator backed by history.
func NewEvaluator(history History, logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Evaluator{history: history, logger: logger.Matcher()}
}

// Evaluate runs one gate.
func (e *Evaluator) Evaluate(ctx context.Context, c Condition, ec *Context) Result {
	var r Result
	switch c.Type {
	case FirstContact:
		r = e.firstContact(ctx, ec)
	case ThreadExists:
		r = e.threadExists(ctx, ec)
	case MinMessages:
		r = e.minMessages(ctx, c.MinCount, ec)
	case OptIn:
		r = optIn(c.Feature, ec)
	default:
		e.logger.ErrorContext(ctx, "unknown condition type", nil, "condition_type", string(c.Type))
		r = Result{
			Type:   c.Type,
			Passed: false,
			Reason: fmt.Sprintf("Unknown condition type %q", c.Type),
		}
	}
	metrics.RecordCondition(string(c.Type), r.Passed)
	return r
}

// EvaluateAll runs every gate in order and reports whether all passed.
// Every gate is evaluated so that the reasons list is complete.
func (e *Evaluator) EvaluateAll(ctx context.Context, conds []Condition, ec *Context) (bool, []Result) {
	passed := true
	results := make([]Result, 0, len(conds))
	for _, c := range conds {
		r := e.Evaluate(ctx, c, ec)
		if !r.Passed {
			passed = false
		}
		results = append(results, r)
	}
	return passed, results
}

// Summarize joins the reasons of failed gates.
func Summarize(results []Result) string {
	var reasons []string
	for _, r := range results {
		if !r.Passed {
			reasons = append(reasons, r.Reason)
		}
	}
	return strings.Join(reasons, "; ")
}

func (e *Evaluator) firstContact(ctx context.Context, ec *Context) Result {
	sender := ec.Message.Sender()
	if sender == "" {
		return Result{Type: FirstContact, Reason: "Sender address is missing"}
	}

	hasPrevious, err := e.history.HasPreviousCommunication(ctx, ec.Account.ID, sender, ec.Message.Date, ec.Message.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "previous communication lookup failed", "sender", sender, "error", err.Error())
		return Result{Type: FirstContact, Reason: "Could not verify previous communication with " + sender}
	}
	if hasPrevious {
		return Result{Type: FirstContact, Value: true, Reason: "Sender " + sender + " has contacted this account before"}
	}
	return Result{Type: FirstContact, Passed: true, Value: false, Reason: "First contact from " + sender}
}

func (e *Evaluator) threadExists(ctx context.Context, ec *Context) Result {
	if ec.Message.ThreadID == "" {
		return Result{Type: ThreadExists, Value: 0, Reason: "Message has no thread"}
	}

	msgs, err := e.history.GetThreadMessages(ctx, ec.Account.ID, ec.Message.ThreadID)
	if err != nil {
		e.logger.WarnContext(ctx, "thread lookup failed", "thread_id", ec.Message.ThreadID, "error", err.Error())
		return Result{Type: ThreadExists, Value: 0, Reason: "Could not load thread " + ec.Message.ThreadID}
	}
	others := 0
	for _, m := range msgs {
		if m.ID != ec.Message.ID {
			others++
		}
	}
	if others == 0 {
		return Result{Type: ThreadExists, Value: others, Reason: "Message starts a new thread"}
	}
	return Result{
		Type:   ThreadExists,
		Passed: true,
		Value:  others,
		Reason: fmt.Sprintf("Message belongs to an existing thread with %d earlier messages", others),
	}
}

func (e *Evaluator) minMessages(ctx context.Context, minCount int, ec *Context) Result {
	count := 0
	if ec.Message.ThreadID != "" {
		n, err := e.threadCount(ctx, ec)
		if err != nil {
			e.logger.WarnContext(ctx, "thread message count lookup failed", "thread_id", ec.Message.ThreadID, "error", err.Error())
		} else {
			count = n
		}
	}

	if count >= minCount {
		return Result{
			Type:   MinMessages,
			Passed: true,
			Value:  count,
			Reason: fmt.Sprintf("Thread has %d messages (minimum %d)", count, minCount),
		}
	}
	return Result{
		Type:   MinMessages,
		Value:  count,
		Reason: fmt.Sprintf("Thread has %d messages, fewer than the required %d", count, minCount),
	}
}

func optIn(feature string, ec *Context) Result {
	if ec.Account != nil && feature != "" && ec.Account.HasOptIn(feature) {
		return Result{Type: OptIn, Passed: true, Value: true, Reason: "Account opted in to " + feature}
	}
	return Result{Type: OptIn, Value: false, Reason: "Account has not opted in to " + feature}
}

func (e *Evaluator) threadCount(ctx context.Context, ec *Context) (int, error) {
	msgs, err := e.history.GetThreadMessages(ctx, ec.Account.ID, ec.Message.ThreadID)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}
