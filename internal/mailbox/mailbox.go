// Package mailbox is the engine's email provider: it keeps the local message
// store the rules run against, answers history lookups for condition gates,
// and carries out rule actions.
package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/labels"
	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

// ErrMessageNotFound is returned when a message id is unknown for an account.
var ErrMessageNotFound = errors.New("message not found")

type messageRow struct {
	ID         string `db:"id"`
	AccountID  string `db:"account_id"`
	ThreadID   string `db:"thread_id"`
	FromHeader string `db:"from_header"`
	FromEmail  string `db:"from_email"`
	ToHeader   string `db:"to_header"`
	Subject    string `db:"subject"`
	Body       string `db:"body"`
	Category   string `db:"category"`
	Date       int64  `db:"date"`
	IsReply    bool   `db:"is_reply"`
	Archived   bool   `db:"archived"`
	Read       bool   `db:"read"`
	Spam       bool   `db:"spam"`
	FolderID   string `db:"folder_id"`
	CreatedAt  int64  `db:"created_at"`
}

func (r *messageRow) message() *email.Message {
	return &email.Message{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		AccountID: r.AccountID,
		From:      r.FromHeader,
		To:        r.ToHeader,
		Subject:   r.Subject,
		Body:      r.Body,
		Category:  r.Category,
		Date:      storage.FromMillis(r.Date),
		IsReply:   r.IsReply,
	}
}

// State is the mutable mailbox state of a stored message.
type State struct {
	Archived bool
	Read     bool
	Spam     bool
	FolderID string
	LabelIDs []string
}

// Provider implements the provider operations over the local store.
type Provider struct {
	db       *storage.DB
	accounts *account.Store
	labels   *labels.Resolver
	sender   Sender
	signer   *DKIMSigner
	logger   *logging.Logger
	now      func() time.Time
}

// Option customizes a Provider.
type Option func(*Provider)

// WithSender sets the transport for REPLY, FORWARD, SEND_EMAIL and
// NOTIFY_SENDER. Without one, outbound mail is only written to the outbox.
func WithSender(s Sender) Option {
	return func(p *Provider) { p.sender = s }
}

// WithDKIM signs outbound mail whose From domain matches the signer.
func WithDKIM(s *DKIMSigner) Option {
	return func(p *Provider) { p.signer = s }
}

// New creates a provider.
func New(db *storage.DB, accounts *account.Store, resolver *labels.Resolver, logger *logging.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = logging.Discard()
	}
	p := &Provider{
		db:       db,
		accounts: accounts,
		labels:   resolver,
		logger:   logger.Mailbox(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StoreMessage records an inbound message. Storing the same id twice for an
// account is a no-op.
func (p *Provider) StoreMessage(ctx context.Context, msg *email.Message) error {
	if msg.ID == "" || msg.AccountID == "" {
		return errors.New("message id and account id are required")
	}
	date := msg.Date
	if date.IsZero() {
		date = p.now()
	}
	thread := msg.ThreadID
	if thread == "" {
		thread = msg.ID
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO messages
		(id, account_id, thread_id, from_header, from_email, to_header, subject, body, category, date, is_reply, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, id) DO NOTHING`,
		msg.ID, msg.AccountID, thread, msg.From, msg.Sender(), msg.To, msg.Subject, msg.Body,
		msg.Category, storage.Millis(date), msg.IsReply, storage.Millis(p.now()))
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// GetMessage loads one message.
func (p *Provider) GetMessage(ctx context.Context, accountID, id string) (*email.Message, error) {
	var row messageRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE account_id = ? AND id = ?`, accountID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return row.message(), nil
}

// MessageState returns the flags, folder and labels of a message.
func (p *Provider) MessageState(ctx context.Context, accountID, id string) (*State, error) {
	var row messageRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE account_id = ? AND id = ?`, accountID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	st := &State{Archived: row.Archived, Read: row.Read, Spam: row.Spam, FolderID: row.FolderID}
	if err := p.db.SelectContext(ctx, &st.LabelIDs,
		`SELECT label_id FROM message_labels WHERE account_id = ? AND message_id = ? ORDER BY label_id`,
		accountID, id); err != nil {
		return nil, fmt.Errorf("get message labels: %w", err)
	}
	return st, nil
}

// HasPreviousCommunication reports whether the account received mail from,
// or sent mail to, sender before the cutoff. excludeMessageID is ignored so
// a message never counts as its own history.
func (p *Provider) HasPreviousCommunication(ctx context.Context, accountID, sender string, before time.Time, excludeMessageID string) (bool, error) {
	var found bool
	err := p.db.GetContext(ctx, &found, `SELECT
		EXISTS (SELECT 1 FROM messages
			WHERE account_id = ? AND from_email = ? AND date < ? AND id != ?)
		OR EXISTS (SELECT 1 FROM outbox
			WHERE account_id = ? AND instr(lower(to_address), ?) > 0 AND status != ? AND created_at < ?)`,
		accountID, sender, storage.Millis(before), excludeMessageID,
		accountID, sender, OutboxDraft, storage.Millis(before))
	if err != nil {
		return false, fmt.Errorf("previous communication lookup: %w", err)
	}
	return found, nil
}

// GetThreadMessages returns a thread's messages oldest first.
func (p *Provider) GetThreadMessages(ctx context.Context, accountID, threadID string) ([]*email.Message, error) {
	var rows []messageRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT * FROM messages WHERE account_id = ? AND thread_id = ? ORDER BY date, id`,
		accountID, threadID); err != nil {
		return nil, fmt.Errorf("thread lookup: %w", err)
	}
	out := make([]*email.Message, len(rows))
	for i := range rows {
		out[i] = rows[i].message()
	}
	return out, nil
}

// Outbound mail records.
const (
	OutboxSent   = "SENT"
	OutboxStored = "STORED"
	OutboxFailed = "FAILED"
	OutboxDraft  = "DRAFT"
)

// OutboxEntry is one outbound or drafted message.
type OutboxEntry struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`
	Kind      string `db:"kind"`
	MessageID string `db:"message_id"`
	To        string `db:"to_address"`
	Cc        string `db:"cc"`
	Bcc       string `db:"bcc"`
	Subject   string `db:"subject"`
	Body      string `db:"body"`
	Status    string `db:"status"`
	CreatedAt int64  `db:"created_at"`
}

// Outbox lists an account's outbound records, oldest first.
func (p *Provider) Outbox(ctx context.Context, accountID string) ([]OutboxEntry, error) {
	var out []OutboxEntry
	if err := p.db.SelectContext(ctx, &out,
		`SELECT * FROM outbox WHERE account_id = ? ORDER BY created_at, id`, accountID); err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return out, nil
}

// ActivitySince summarizes executed-rule outcomes for an account since t,
// keyed by status.
func (p *Provider) ActivitySince(ctx context.Context, accountID string, since time.Time) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM executed_rules WHERE account_id = ? AND created_at >= ? GROUP BY status`,
		accountID, storage.Millis(since)); err != nil {
		return nil, fmt.Errorf("activity lookup: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
