// Package execution records which rule governed each message and applies
// that rule's actions.
package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fenilsonani/mail-automation/internal/rules"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

// Status is the state of an executed rule.
//
//	PENDING -> APPLYING -> APPLIED | ERROR
//	PENDING | APPLYING -> REJECTED
//	SKIPPED is written directly when no rule matched or a gate failed.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApplying Status = "APPLYING"
	StatusApplied  Status = "APPLIED"
	StatusError    Status = "ERROR"
	StatusRejected Status = "REJECTED"
	StatusSkipped  Status = "SKIPPED"
)

// ItemStatus is the outcome of one materialized action.
type ItemStatus string

const (
	ItemPending   ItemStatus = "PENDING"
	ItemSuccess   ItemStatus = "SUCCESS"
	ItemFailed    ItemStatus = "FAILED"
	ItemScheduled ItemStatus = "SCHEDULED"
)

var (
	// ErrNotFound is returned when no executed rule has the id.
	ErrNotFound = errors.New("executed rule not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid executed rule transition")
	// ErrAlreadyRecorded is returned by Create when the message already has
	// an executed rule for the account.
	ErrAlreadyRecorded = errors.New("message already has an executed rule")
)

// ActionItem is a point-in-time copy of a rule action.
type ActionItem struct {
	ID        string
	Position  int
	Action    rules.Action
	Status    ItemStatus
	ErrorCode string
}

// ExecutedRule is the execution record of one message. RuleID is empty when
// nothing matched.
type ExecutedRule struct {
	ID        string
	AccountID string
	RuleID    string
	ThreadID  string
	MessageID string
	Automated bool
	Reason    string
	Status    Status
	Actions   []ActionItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

type executedRuleRow struct {
	ID        string         `db:"id"`
	AccountID string         `db:"account_id"`
	RuleID    sql.NullString `db:"rule_id"`
	ThreadID  string         `db:"thread_id"`
	MessageID string         `db:"message_id"`
	Automated bool           `db:"automated"`
	Reason    string         `db:"reason"`
	Status    string         `db:"status"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
}

type actionItemRow struct {
	ID             string `db:"id"`
	ExecutedRuleID string `db:"executed_rule_id"`
	Position       int    `db:"position"`
	Type           string `db:"type"`
	Label          string `db:"label"`
	LabelID        string `db:"label_id"`
	FolderName     string `db:"folder_name"`
	FolderID       string `db:"folder_id"`
	To             string `db:"to_address"`
	Cc             string `db:"cc"`
	Bcc            string `db:"bcc"`
	Subject        string `db:"subject"`
	Content        string `db:"content"`
	DelayMinutes   int    `db:"delay_minutes"`
	Status         string `db:"status"`
	ErrorCode      string `db:"error_code"`
}

func (r *executedRuleRow) executedRule() *ExecutedRule {
	return &ExecutedRule{
		ID:        r.ID,
		AccountID: r.AccountID,
		RuleID:    r.RuleID.String,
		ThreadID:  r.ThreadID,
		MessageID: r.MessageID,
		Automated: r.Automated,
		Reason:    r.Reason,
		Status:    Status(r.Status),
		CreatedAt: storage.FromMillis(r.CreatedAt),
		UpdatedAt: storage.FromMillis(r.UpdatedAt),
	}
}

func (r *actionItemRow) item() ActionItem {
	return ActionItem{
		ID:       r.ID,
		Position: r.Position,
		Action: rules.Action{
			ID:             r.ID,
			Type:           rules.ActionType(r.Type),
			Label:          r.Label,
			LabelID:        r.LabelID,
			FolderName:     r.FolderName,
			FolderID:       r.FolderID,
			To:             r.To,
			Cc:             r.Cc,
			Bcc:            r.Bcc,
			Subject:        r.Subject,
			Content:        r.Content,
			DelayInMinutes: r.DelayMinutes,
		},
		Status:    ItemStatus(r.Status),
		ErrorCode: r.ErrorCode,
	}
}

// Items materializes a rule's actions.
func Items(actions []rules.Action) []ActionItem {
	items := make([]ActionItem, len(actions))
	for i, a := range actions {
		a.ID = ""
		items[i] = ActionItem{Position: i, Action: a, Status: ItemPending}
	}
	return items
}

// Store persists executed rules. Every status change is a compare-and-swap
// on the current status.
type Store struct {
	db *storage.DB
}

// NewStore creates an executed rule store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Create inserts er and its action items in one transaction. A message gets
// at most one executed rule per account; a second insert returns
// ErrAlreadyRecorded.
func (s *Store) Create(ctx context.Context, er *ExecutedRule) error {
	if er.ID == "" {
		er.ID = uuid.NewString()
	}
	if er.Status == "" {
		er.Status = StatusPending
	}
	now := storage.FromMillis(storage.Millis(time.Now()))
	er.CreatedAt, er.UpdatedAt = now, now

	var ruleID any
	if er.RuleID != "" {
		ruleID = er.RuleID
	}

	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO executed_rules (id, account_id, rule_id, thread_id, message_id, automated, reason, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			er.ID, er.AccountID, ruleID, er.ThreadID, er.MessageID, er.Automated, er.Reason,
			string(er.Status), storage.Millis(now), storage.Millis(now))
		if storage.IsUniqueViolation(err) {
			return ErrAlreadyRecorded
		}
		if err != nil {
			return fmt.Errorf("insert executed rule: %w", err)
		}

		for i := range er.Actions {
			item := &er.Actions[i]
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			item.Action.ID = item.ID
			if item.Status == "" {
				item.Status = ItemPending
			}
			a := item.Action
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO executed_actions (id, executed_rule_id, position, type, label, label_id, folder_name,
					folder_id, to_address, cc, bcc, subject, content, delay_minutes, status, error_code)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				item.ID, er.ID, item.Position, string(a.Type), a.Label, a.LabelID, a.FolderName,
				a.FolderID, a.To, a.Cc, a.Bcc, a.Subject, a.Content, a.DelayInMinutes,
				string(item.Status), item.ErrorCode); err != nil {
				return fmt.Errorf("insert action item: %w", err)
			}
		}
		return nil
	})
}

// Get loads an executed rule with its action items in order.
func (s *Store) Get(ctx context.Context, id string) (*ExecutedRule, error) {
	var row executedRuleRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM executed_rules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get executed rule: %w", err)
	}
	er := row.executedRule()
	if err := s.loadItems(ctx, er); err != nil {
		return nil, err
	}
	return er, nil
}

// FindByMessage returns the executed rule recorded for a message.
func (s *Store) FindByMessage(ctx context.Context, accountID, messageID string) (*ExecutedRule, error) {
	var row executedRuleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM executed_rules WHERE account_id = ? AND message_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find executed rule: %w", err)
	}
	er := row.executedRule()
	if err := s.loadItems(ctx, er); err != nil {
		return nil, err
	}
	return er, nil
}

// List returns an account's executed rules, newest first. Items are not loaded.
func (s *Store) List(ctx context.Context, accountID string, status Status, limit int) ([]*ExecutedRule, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT * FROM executed_rules WHERE account_id = ?`
	args := []any{accountID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []executedRuleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list executed rules: %w", err)
	}
	out := make([]*ExecutedRule, len(rows))
	for i := range rows {
		out[i] = rows[i].executedRule()
	}
	return out, nil
}

func (s *Store) loadItems(ctx context.Context, er *ExecutedRule) error {
	var rows []actionItemRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM executed_actions WHERE executed_rule_id = ? ORDER BY position`, er.ID); err != nil {
		return fmt.Errorf("load action items: %w", err)
	}
	er.Actions = make([]ActionItem, len(rows))
	for i := range rows {
		er.Actions[i] = rows[i].item()
	}
	return nil
}

// Transition moves id to status `to` if its current status is one of from.
// It reports false when the record was not in an allowed state.
func (s *Store) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	return s.cas(ctx, id, to, nil, from)
}

// ClaimForApply is the exclusive PENDING to APPLYING claim. Exactly one
// caller wins for a given id.
func (s *Store) ClaimForApply(ctx context.Context, id string) (bool, error) {
	return s.Transition(ctx, id, StatusApplying, StatusPending)
}

// Finish moves an APPLYING record to its final status and reason.
func (s *Store) Finish(ctx context.Context, id string, status Status, reason string) (bool, error) {
	return s.cas(ctx, id, status, &reason, []Status{StatusApplying})
}

func (s *Store) cas(ctx context.Context, id string, to Status, reason *string, from []Status) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s: no source status", to)
	}
	set := `status = ?, updated_at = ?`
	args := []any{string(to), storage.Millis(time.Now())}
	if reason != nil {
		set += `, reason = ?`
		args = append(args, *reason)
	}
	statuses := make([]string, len(from))
	for i, f := range from {
		statuses[i] = string(f)
	}
	args = append(args, id, statuses)

	query, args, err := sqlx.In(`UPDATE executed_rules SET `+set+` WHERE id = ? AND status IN (?)`, args...)
	if err != nil {
		return false, fmt.Errorf("build transition query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("transition executed rule to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition executed rule to %s: %w", to, err)
	}
	return n == 1, nil
}

// SetItemResult records the outcome of one action item.
func (s *Store) SetItemResult(ctx context.Context, itemID string, status ItemStatus, code string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE executed_actions SET status = ?, error_code = ? WHERE id = ?`,
		string(status), code, itemID); err != nil {
		return fmt.Errorf("update action item: %w", err)
	}
	return nil
}
