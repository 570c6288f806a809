// Package rules holds the user-authored automation rules and their actions.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/mail-automation/internal/condition"
	"github.com/fenilsonani/mail-automation/internal/validation"
)

// ActionType enumerates what an action does to a message.
type ActionType string

const (
	ActionArchive      ActionType = "ARCHIVE"
	ActionLabel        ActionType = "LABEL"
	ActionMoveFolder   ActionType = "MOVE_FOLDER"
	ActionReply        ActionType = "REPLY"
	ActionForward      ActionType = "FORWARD"
	ActionSendEmail    ActionType = "SEND_EMAIL"
	ActionDraftEmail   ActionType = "DRAFT_EMAIL"
	ActionNotifySender ActionType = "NOTIFY_SENDER"
	ActionMarkRead     ActionType = "MARK_READ"
	ActionMarkSpam     ActionType = "MARK_SPAM"
	ActionDigest       ActionType = "DIGEST"
)

// MaxDelayMinutes bounds how far an action can be deferred (30 days).
const MaxDelayMinutes = 30 * 24 * 60

var knownActions = map[ActionType]bool{
	ActionArchive: true, ActionLabel: true, ActionMoveFolder: true, ActionReply: true,
	ActionForward: true, ActionSendEmail: true, ActionDraftEmail: true, ActionNotifySender: true,
	ActionMarkRead: true, ActionMarkSpam: true, ActionDigest: true,
}

// delayable lists the action types that may carry DelayInMinutes.
var delayable = map[ActionType]bool{
	ActionArchive: true, ActionLabel: true, ActionMoveFolder: true,
	ActionMarkRead: true, ActionMarkSpam: true, ActionDigest: true,
}

// RequiresApproval reports whether the action sends mail on the owner's
// behalf. Rules containing such actions never run without a human.
func (t ActionType) RequiresApproval() bool {
	switch t {
	case ActionReply, ActionForward, ActionSendEmail:
		return true
	}
	return false
}

// Action is one step of a rule.
type Action struct {
	ID             string     `json:"id,omitempty"`
	Type           ActionType `json:"type"`
	Label          string     `json:"label,omitempty"`
	LabelID        string     `json:"labelId,omitempty"`
	FolderName     string     `json:"folderName,omitempty"`
	FolderID       string     `json:"folderId,omitempty"`
	To             string     `json:"to,omitempty"`
	Cc             string     `json:"cc,omitempty"`
	Bcc            string     `json:"bcc,omitempty"`
	Subject        string     `json:"subject,omitempty"`
	Content        string     `json:"content,omitempty"`
	DelayInMinutes int        `json:"delayInMinutes,omitempty"`
}

// Validate checks the parameters required by the action's type.
func (a *Action) Validate() error {
	if !knownActions[a.Type] {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.DelayInMinutes < 0 || a.DelayInMinutes > MaxDelayMinutes {
		return fmt.Errorf("%s: delay must be between 0 and %d minutes", a.Type, MaxDelayMinutes)
	}
	if a.DelayInMinutes > 0 && !delayable[a.Type] {
		return fmt.Errorf("%s actions cannot be delayed", a.Type)
	}

	switch a.Type {
	case ActionLabel:
		if a.LabelID == "" {
			if err := validation.LabelName(a.Label); err != nil {
				return fmt.Errorf("LABEL: %w", err)
			}
		}
	case ActionMoveFolder:
		if a.FolderID == "" {
			if err := validation.LabelName(a.FolderName); err != nil {
				return fmt.Errorf("MOVE_FOLDER: %w", err)
			}
		}
	case ActionForward, ActionSendEmail:
		if strings.TrimSpace(a.To) == "" {
			return fmt.Errorf("%s: recipient is required", a.Type)
		}
	}

	for _, list := range []string{a.To, a.Cc, a.Bcc} {
		if err := validation.EmailList(list); err != nil {
			return fmt.Errorf("%s: %w", a.Type, err)
		}
	}
	return nil
}

// Operator combines a rule's static conditions with its AI instructions.
type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// CategoryFilterType decides whether CategoryFilters include or exclude.
type CategoryFilterType string

const (
	CategoryInclude CategoryFilterType = "INCLUDE"
	CategoryExclude CategoryFilterType = "EXCLUDE"
)

// PatternType is the message field a learned pattern is keyed on.
type PatternType string

const (
	PatternFrom    PatternType = "FROM"
	PatternSubject PatternType = "SUBJECT"
	PatternBody    PatternType = "BODY"
)

// Pattern is a learned include/exclude entry produced by the learning
// pipeline. Order within a rule is significant.
type Pattern struct {
	ID      string
	Type    PatternType
	Value   string
	Exclude bool
}

// Rule is a user automation definition.
type Rule struct {
	ID           string
	AccountID    string
	Name         string
	Position     int
	Enabled      bool
	Automate     bool
	RunOnThreads bool
	Operator     Operator
	Instructions string

	// Static conditions. Empty fields are ignored.
	From    string
	To      string
	Subject string
	Body    string

	CategoryFilterType CategoryFilterType
	CategoryFilters    []string

	Gates    []condition.Condition
	Actions  []Action
	Patterns []Pattern

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasStaticConditions reports whether any static field is set.
func (r *Rule) HasStaticConditions() bool {
	return r.From != "" || r.To != "" || r.Subject != "" || r.Body != ""
}

// RequiresApproval reports whether any action sends mail.
func (r *Rule) RequiresApproval() bool {
	for _, a := range r.Actions {
		if a.Type.RequiresApproval() {
			return true
		}
	}
	return false
}

// CanAutomate combines the owner's flag with the outbound-mail safety check.
func (r *Rule) CanAutomate() bool {
	return r.Automate && !r.RequiresApproval()
}

// Validation errors.
var (
	ErrNoActions         = errors.New("rule must have at least one action")
	ErrNoConditions      = errors.New("rule must have static conditions or instructions")
	ErrInvalidOperator   = errors.New("conditional operator must be AND or OR")
	ErrInvalidCategories = errors.New("category filter type must be INCLUDE or EXCLUDE when categories are set")
)

// Validate checks the rule and normalizes defaults.
func (r *Rule) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if err := validation.RuleName(r.Name); err != nil {
		return err
	}
	if r.Operator == "" {
		r.Operator = OperatorAnd
	}
	if r.Operator != OperatorAnd && r.Operator != OperatorOr {
		return ErrInvalidOperator
	}
	if !r.HasStaticConditions() && strings.TrimSpace(r.Instructions) == "" && len(r.CategoryFilters) == 0 {
		return ErrNoConditions
	}
	if len(r.CategoryFilters) > 0 && r.CategoryFilterType != CategoryInclude && r.CategoryFilterType != CategoryExclude {
		return ErrInvalidCategories
	}
	if len(r.Actions) == 0 {
		return ErrNoActions
	}
	for i := range r.Actions {
		if err := r.Actions[i].Validate(); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	for i, p := range r.Patterns {
		switch p.Type {
		case PatternFrom, PatternSubject, PatternBody:
		default:
			return fmt.Errorf("patterns[%d]: unknown type %q", i, p.Type)
		}
		if strings.TrimSpace(p.Value) == "" {
			return fmt.Errorf("patterns[%d]: value is required", i)
		}
	}
	return nil
}
