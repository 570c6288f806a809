// Package account stores the mailbox owners rules and jobs belong to.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/mail-automation/internal/storage"
	"github.com/fenilsonani/mail-automation/internal/validation"
)

// ErrNotFound is returned when no account matches.
var ErrNotFound = errors.New("account not found")

// Account is the owner of every other entity. AIAccess and OptIns are
// entitlement flags maintained by billing and settings outside the engine.
type Account struct {
	ID        string
	Email     string
	Name      string
	AIAccess  bool
	OptIns    []string
	About     string
	CreatedAt time.Time
}

// HasOptIn reports whether the account opted into feature.
func (a *Account) HasOptIn(feature string) bool {
	return slices.Contains(a.OptIns, feature)
}

type row struct {
	ID        string `db:"id"`
	Email     string `db:"email"`
	Name      string `db:"name"`
	AIAccess  bool   `db:"ai_access"`
	OptIns    string `db:"opt_ins"`
	About     string `db:"about"`
	CreatedAt int64  `db:"created_at"`
}

func (r row) account() *Account {
	return &Account{
		ID:        r.ID,
		Email:     r.Email,
		Name:      r.Name,
		AIAccess:  r.AIAccess,
		OptIns:    storage.SplitList(r.OptIns),
		About:     r.About,
		CreatedAt: storage.FromMillis(r.CreatedAt),
	}
}

// Store persists accounts.
type Store struct {
	db *storage.DB
}

// NewStore creates an account store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new account. ID is generated when empty.
func (s *Store) Create(ctx context.Context, a *Account) error {
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if err := validation.Email(a.Email); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, name, ai_access, opt_ins, about, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.Name, a.AIAccess, storage.JoinList(a.OptIns), a.About, storage.Millis(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Get returns the account with id.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return r.account(), nil
}

// GetByEmail returns the account registered for email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM accounts WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return r.account(), nil
}

// SetAIAccess updates the AI entitlement flag.
func (s *Store) SetAIAccess(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, `UPDATE accounts SET ai_access = ? WHERE id = ?`, enabled, id)
}

// SetOptIns replaces the account's feature opt-ins.
func (s *Store) SetOptIns(ctx context.Context, id string, features []string) error {
	return s.update(ctx, `UPDATE accounts SET opt_ins = ? WHERE id = ?`, storage.JoinList(features), id)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
