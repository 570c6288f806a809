// Package labels resolves human-readable label and folder names to
// identifiers, creating them on first use.
package labels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/storage"
	"github.com/fenilsonani/mail-automation/internal/validation"
)

var (
	ErrNotFound    = errors.New("label not found")
	ErrLabelExists = errors.New("label already exists")
	ErrEmptyLabel  = errors.New("label name is required")
)

// Kind separates labels from folders; each has its own namespace.
type Kind string

const (
	KindLabel  Kind = "label"
	KindFolder Kind = "folder"
)

// Label is a stored label or folder.
type Label struct {
	ID             string    `db:"id"`
	AccountID      string    `db:"account_id"`
	Kind           Kind      `db:"kind"`
	Name           string    `db:"name"`
	NormalizedName string    `db:"normalized_name"`
	CreatedAt      time.Time `db:"-"`
	CreatedAtMs    int64     `db:"created_at"`
}

// Normalize trims a name and collapses "/" separated segments, so
// " Work / Clients/ " becomes "Work/Clients".
func Normalize(name string) string {
	parts := strings.Split(name, "/")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

func key(name string) string {
	return strings.ToLower(Normalize(name))
}

// Store persists labels.
type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Find looks a label up by name, ignoring case and separator spacing.
func (s *Store) Find(ctx context.Context, accountID string, kind Kind, name string) (*Label, error) {
	var l Label
	err := s.db.GetContext(ctx, &l,
		`SELECT * FROM labels WHERE account_id = ? AND kind = ? AND normalized_name = ?`,
		accountID, kind, key(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find label: %w", err)
	}
	l.CreatedAt = storage.FromMillis(l.CreatedAtMs)
	return &l, nil
}

// Get loads a label by id.
func (s *Store) Get(ctx context.Context, accountID, id string) (*Label, error) {
	var l Label
	err := s.db.GetContext(ctx, &l, `SELECT * FROM labels WHERE account_id = ? AND id = ?`, accountID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get label: %w", err)
	}
	l.CreatedAt = storage.FromMillis(l.CreatedAtMs)
	return &l, nil
}

// Create inserts a new label. ErrLabelExists is returned when another
// label already normalizes to the same name.
func (s *Store) Create(ctx context.Context, accountID string, kind Kind, name string) (*Label, error) {
	display := Normalize(name)
	if err := validation.LabelName(display); err != nil {
		return nil, err
	}
	now := time.Now()
	l := &Label{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Kind:           kind,
		Name:           display,
		NormalizedName: strings.ToLower(display),
		CreatedAt:      now,
		CreatedAtMs:    storage.Millis(now),
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO labels (id, account_id, kind, name, normalized_name, created_at)
		VALUES (:id, :account_id, :kind, :name, :normalized_name, :created_at)`, l)
	if storage.IsUniqueViolation(err) {
		return nil, ErrLabelExists
	}
	if err != nil {
		return nil, fmt.Errorf("create label: %w", err)
	}
	return l, nil
}

// List returns an account's labels of one kind ordered by name.
func (s *Store) List(ctx context.Context, accountID string, kind Kind) ([]*Label, error) {
	var out []*Label
	if err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM labels WHERE account_id = ? AND kind = ? ORDER BY normalized_name`, accountID, kind); err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	for _, l := range out {
		l.CreatedAt = storage.FromMillis(l.CreatedAtMs)
	}
	return out, nil
}

// Resolver maps a (name, id) pair from an action to a concrete identifier.
type Resolver struct {
	store  *Store
	logger *logging.Logger
}

func NewResolver(store *Store, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{store: store, logger: logger.Mailbox()}
}

// Resolve returns id when it names one of the account's labels of kind.
// Otherwise it finds the label by name and creates it when missing. A
// concurrent creator winning the insert is handled by reading the row once
// more. An id that is unknown to the account with no name to fall back on
// returns ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, accountID string, kind Kind, name, id string) (string, error) {
	if id = strings.TrimSpace(id); id != "" {
		l, err := r.store.Get(ctx, accountID, id)
		switch {
		case err == nil && l.Kind == kind:
			return l.ID, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return "", err
		}
		if Normalize(name) == "" {
			return "", fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		r.logger.WarnContext(ctx, "unknown "+string(kind)+" id, resolving by name", "id", id, "name", name)
	}
	if Normalize(name) == "" {
		return "", ErrEmptyLabel
	}

	l, err := r.store.Find(ctx, accountID, kind, name)
	if err == nil {
		return l.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	l, err = r.store.Create(ctx, accountID, kind, name)
	switch {
	case err == nil:
		r.logger.InfoContext(ctx, "created "+string(kind), "name", l.Name, "id", l.ID)
		return l.ID, nil
	case errors.Is(err, ErrLabelExists):
		l, err = r.store.Find(ctx, accountID, kind, name)
		if err != nil {
			return "", fmt.Errorf("re-read %s after conflict: %w", kind, err)
		}
		return l.ID, nil
	default:
		return "", err
	}
}
