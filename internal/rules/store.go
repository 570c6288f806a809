package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fenilsonani/mail-automation/internal/condition"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

var (
	// ErrNotFound is returned when a rule does not exist.
	ErrNotFound = errors.New("rule not found")
	// ErrDuplicateName is returned when the account already has a rule with that name.
	ErrDuplicateName = errors.New("rule name already exists")
)

type ruleRow struct {
	ID                 string `db:"id"`
	AccountID          string `db:"account_id"`
	Name               string `db:"name"`
	Position           int    `db:"position"`
	Enabled            bool   `db:"enabled"`
	Automate           bool   `db:"automate"`
	RunOnThreads       bool   `db:"run_on_threads"`
	Operator           string `db:"conditional_operator"`
	Instructions       string `db:"instructions"`
	FromMatch          string `db:"from_match"`
	ToMatch            string `db:"to_match"`
	SubjectMatch       string `db:"subject_match"`
	BodyMatch          string `db:"body_match"`
	CategoryFilterType string `db:"category_filter_type"`
	CategoryFilters    string `db:"category_filters"`
	Gates              string `db:"gates"`
	CreatedAt          int64  `db:"created_at"`
	UpdatedAt          int64  `db:"updated_at"`
}

type actionRow struct {
	ID           string `db:"id"`
	RuleID       string `db:"rule_id"`
	Position     int    `db:"position"`
	Type         string `db:"type"`
	Label        string `db:"label"`
	LabelID      string `db:"label_id"`
	FolderName   string `db:"folder_name"`
	FolderID     string `db:"folder_id"`
	To           string `db:"to_address"`
	Cc           string `db:"cc"`
	Bcc          string `db:"bcc"`
	Subject      string `db:"subject"`
	Content      string `db:"content"`
	DelayMinutes int    `db:"delay_minutes"`
}

type patternRow struct {
	ID        string `db:"id"`
	RuleID    string `db:"rule_id"`
	Position  int    `db:"position"`
	Type      string `db:"type"`
	Value     string `db:"value"`
	Exclude   bool   `db:"exclude"`
	CreatedAt int64  `db:"created_at"`
}

func (row *ruleRow) rule() (*Rule, error) {
	r := &Rule{
		ID:                 row.ID,
		AccountID:          row.AccountID,
		Name:               row.Name,
		Position:           row.Position,
		Enabled:            row.Enabled,
		Automate:           row.Automate,
		RunOnThreads:       row.RunOnThreads,
		Operator:           Operator(row.Operator),
		Instructions:       row.Instructions,
		From:               row.FromMatch,
		To:                 row.ToMatch,
		Subject:            row.SubjectMatch,
		Body:               row.BodyMatch,
		CategoryFilterType: CategoryFilterType(row.CategoryFilterType),
		CategoryFilters:    storage.SplitList(row.CategoryFilters),
		CreatedAt:          storage.FromMillis(row.CreatedAt),
		UpdatedAt:          storage.FromMillis(row.UpdatedAt),
	}
	if row.Gates != "" {
		if err := json.Unmarshal([]byte(row.Gates), &r.Gates); err != nil {
			return nil, fmt.Errorf("decode gates for rule %s: %w", row.ID, err)
		}
	}
	return r, nil
}

func (row *actionRow) action() Action {
	return Action{
		ID:             row.ID,
		Type:           ActionType(row.Type),
		Label:          row.Label,
		LabelID:        row.LabelID,
		FolderName:     row.FolderName,
		FolderID:       row.FolderID,
		To:             row.To,
		Cc:             row.Cc,
		Bcc:            row.Bcc,
		Subject:        row.Subject,
		Content:        row.Content,
		DelayInMinutes: row.DelayMinutes,
	}
}

// Store persists rules, their actions and learned patterns.
type Store struct {
	db *storage.DB
}

// NewStore creates a rule store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a rule with its actions and patterns.
// Rules that send mail are stored with Automate forced off.
func (s *Store) Create(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.RequiresApproval() {
		r.Automate = false
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if r.Position == 0 {
			if err := tx.GetContext(ctx, &r.Position,
				`SELECT COALESCE(MAX(position), 0) + 1 FROM rules WHERE account_id = ?`, r.AccountID); err != nil {
				return fmt.Errorf("next rule position: %w", err)
			}
		}

		gates, err := encodeGates(r.Gates)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rules (id, account_id, name, position, enabled, automate, run_on_threads,
				conditional_operator, instructions, from_match, to_match, subject_match, body_match,
				category_filter_type, category_filters, gates, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.AccountID, r.Name, r.Position, r.Enabled, r.Automate, r.RunOnThreads,
			string(r.Operator), r.Instructions, r.From, r.To, r.Subject, r.Body,
			string(r.CategoryFilterType), storage.JoinList(r.CategoryFilters), gates,
			storage.Millis(now), storage.Millis(now),
		)
		if storage.IsUniqueViolation(err) {
			return ErrDuplicateName
		}
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}

		if err := insertActions(ctx, tx, r.ID, r.Actions); err != nil {
			return err
		}
		return insertPatterns(ctx, tx, r.ID, r.Patterns, now)
	})
}

// Update rewrites a rule's definition. Actions are replaced wholesale;
// learned patterns are left untouched.
func (s *Store) Update(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.RequiresApproval() {
		r.Automate = false
	}
	r.UpdatedAt = time.Now().UTC()

	gates, err := encodeGates(r.Gates)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rules SET name = ?, enabled = ?, automate = ?, run_on_threads = ?,
				conditional_operator = ?, instructions = ?, from_match = ?, to_match = ?,
				subject_match = ?, body_match = ?, category_filter_type = ?, category_filters = ?,
				gates = ?, updated_at = ?
			WHERE id = ? AND account_id = ?`,
			r.Name, r.Enabled, r.Automate, r.RunOnThreads,
			string(r.Operator), r.Instructions, r.From, r.To,
			r.Subject, r.Body, string(r.CategoryFilterType), storage.JoinList(r.CategoryFilters),
			gates, storage.Millis(r.UpdatedAt),
			r.ID, r.AccountID,
		)
		if storage.IsUniqueViolation(err) {
			return ErrDuplicateName
		}
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM rule_actions WHERE rule_id = ?`, r.ID); err != nil {
			return fmt.Errorf("delete rule actions: %w", err)
		}
		return insertActions(ctx, tx, r.ID, r.Actions)
	})
}

// SetEnabled toggles a rule.
func (s *Store) SetEnabled(ctx context.Context, accountID, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ? AND account_id = ?`,
		enabled, storage.Millis(time.Now()), id, accountID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a rule. Executed rules keep their history with a NULL rule.
func (s *Store) Delete(ctx context.Context, accountID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ? AND account_id = ?`, id, accountID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads a rule with its actions and patterns.
func (s *Store) Get(ctx context.Context, id string) (*Rule, error) {
	var row ruleRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM rules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	rules, err := s.hydrate(ctx, []ruleRow{row})
	if err != nil {
		return nil, err
	}
	return rules[0], nil
}

// GetByName loads an account's rule by exact name.
func (s *Store) GetByName(ctx context.Context, accountID, name string) (*Rule, error) {
	var row ruleRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM rules WHERE account_id = ? AND name = ?`, accountID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	rules, err := s.hydrate(ctx, []ruleRow{row})
	if err != nil {
		return nil, err
	}
	return rules[0], nil
}

// List returns all of an account's rules in evaluation order.
func (s *Store) List(ctx context.Context, accountID string) ([]*Rule, error) {
	return s.list(ctx, `SELECT * FROM rules WHERE account_id = ? ORDER BY position, created_at, id`, accountID)
}

// ListEnabled returns the account's enabled rules in evaluation order.
func (s *Store) ListEnabled(ctx context.Context, accountID string) ([]*Rule, error) {
	return s.list(ctx, `SELECT * FROM rules WHERE account_id = ? AND enabled = 1 ORDER BY position, created_at, id`, accountID)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.hydrate(ctx, rows)
}

// SetPatterns replaces a rule's learned patterns, preserving slice order.
func (s *Store) SetPatterns(ctx context.Context, ruleID string, patterns []Pattern) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM learned_patterns WHERE rule_id = ?`, ruleID); err != nil {
			return fmt.Errorf("delete patterns: %w", err)
		}
		return insertPatterns(ctx, tx, ruleID, patterns, time.Now().UTC())
	})
}

func (s *Store) hydrate(ctx context.Context, rows []ruleRow) ([]*Rule, error) {
	ids := make([]string, len(rows))
	byID := make(map[string]*Rule, len(rows))
	out := make([]*Rule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].rule()
		if err != nil {
			return nil, err
		}
		ids[i] = r.ID
		byID[r.ID] = r
		out = append(out, r)
	}

	query, args, err := sqlx.In(`SELECT * FROM rule_actions WHERE rule_id IN (?) ORDER BY position`, ids)
	if err != nil {
		return nil, err
	}
	var actions []actionRow
	if err := s.db.SelectContext(ctx, &actions, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load rule actions: %w", err)
	}
	for i := range actions {
		r := byID[actions[i].RuleID]
		r.Actions = append(r.Actions, actions[i].action())
	}

	query, args, err = sqlx.In(`SELECT * FROM learned_patterns WHERE rule_id IN (?) ORDER BY position`, ids)
	if err != nil {
		return nil, err
	}
	var patterns []patternRow
	if err := s.db.SelectContext(ctx, &patterns, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load learned patterns: %w", err)
	}
	for _, p := range patterns {
		r := byID[p.RuleID]
		r.Patterns = append(r.Patterns, Pattern{
			ID:      p.ID,
			Type:    PatternType(p.Type),
			Value:   p.Value,
			Exclude: p.Exclude,
		})
	}

	return out, nil
}

func insertActions(ctx context.Context, tx *sqlx.Tx, ruleID string, actions []Action) error {
	for i := range actions {
		a := &actions[i]
		a.ID = uuid.NewString()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_actions (id, rule_id, position, type, label, label_id, folder_name, folder_id,
				to_address, cc, bcc, subject, content, delay_minutes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, ruleID, i, string(a.Type), a.Label, a.LabelID, a.FolderName, a.FolderID,
			a.To, a.Cc, a.Bcc, a.Subject, a.Content, a.DelayInMinutes,
		)
		if err != nil {
			return fmt.Errorf("insert rule action %d: %w", i, err)
		}
	}
	return nil
}

func insertPatterns(ctx context.Context, tx *sqlx.Tx, ruleID string, patterns []Pattern, now time.Time) error {
	for i := range patterns {
		p := &patterns[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO learned_patterns (id, rule_id, position, type, value, exclude, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, ruleID, i, string(p.Type), p.Value, p.Exclude, storage.Millis(now),
		)
		if err != nil {
			return fmt.Errorf("insert learned pattern %d: %w", i, err)
		}
	}
	return nil
}

func encodeGates(gates []condition.Condition) (string, error) {
	if len(gates) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(gates)
	if err != nil {
		return "", fmt.Errorf("encode gates: %w", err)
	}
	return string(b), nil
}
