// Package smtp accepts inbound mail for known accounts and hands each
// message to the rule engine.
package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/execution"
	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/metrics"
)

// AccountLookup resolves a recipient address to its account.
type AccountLookup interface {
	GetByEmail(ctx context.Context, email string) (*account.Account, error)
}

// MessageProcessor runs a message through the rule engine.
type MessageProcessor interface {
	Process(ctx context.Context, msg *email.Message) (*execution.ExecutedRule, error)
}

// Backend implements the go-smtp Backend interface
type Backend struct {
	accounts  AccountLookup
	processor MessageProcessor
	maxBytes  int64
	timeout   time.Duration
	logger    *logging.Logger
}

// NewBackend creates an ingest backend. Messages over maxBytes are refused.
func NewBackend(accounts AccountLookup, processor MessageProcessor, maxBytes int64, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Backend{
		accounts:  accounts,
		processor: processor,
		maxBytes:  maxBytes,
		timeout:   2 * time.Minute,
		logger:    logger.Ingest(),
	}
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &Session{backend: b, remote: c.Conn().RemoteAddr().String()}, nil
}

// Session implements the go-smtp Session interface
type Session struct {
	backend  *Backend
	remote   string
	from     string
	accounts []string
}

// Mail is called when the MAIL FROM command is received
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt accepts only addresses that belong to an account.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acct, err := s.backend.accounts.GetByEmail(ctx, email.NormalizeAddress(to))
	switch {
	case errors.Is(err, account.ErrNotFound):
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "User not found",
		}
	case err != nil:
		s.backend.logger.Error("recipient lookup failed", "rcpt", to, "error", err.Error())
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, please try again",
		}
	}

	if !slices.Contains(s.accounts, acct.ID) {
		s.accounts = append(s.accounts, acct.ID)
	}
	return nil
}

// Data processes the message once per recipient account. Any processing
// failure is reported as temporary so the sender retries; already processed
// messages are not processed again on retry.
func (s *Session) Data(r io.Reader) error {
	if len(s.accounts) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	data, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > s.backend.maxBytes {
		return smtp.ErrDataTooLarge
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	var failed []string
	for _, accountID := range s.accounts {
		if err := s.deliver(ctx, accountID, data); err != nil {
			failed = append(failed, accountID)
			metrics.RecordError("ingest", "process")
			s.backend.logger.ErrorContext(logging.WithAccountID(ctx, accountID), "inbound message not processed", err,
				"from", s.from, "remote", s.remote)
		}
	}
	if len(failed) > 0 {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      fmt.Sprintf("Processing failed for %d recipient(s), please try again", len(failed)),
		}
	}
	return nil
}

func (s *Session) deliver(ctx context.Context, accountID string, data []byte) error {
	msg, err := email.Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	msg.AccountID = accountID
	if msg.ID == "" {
		msg.ID = uuid.NewString() + "@" + hostPart(s.from)
		if msg.ThreadID == "" {
			msg.ThreadID = msg.ID
		}
	}

	er, err := s.backend.processor.Process(ctx, msg)
	if err != nil {
		return err
	}
	s.backend.logger.InfoContext(logging.WithMessageID(logging.WithAccountID(ctx, accountID), msg.ID),
		"inbound message processed", "status", string(er.Status), "executed_rule_id", er.ID)
	return nil
}

// Reset is called after a successful DATA command or RSET
func (s *Session) Reset() {
	s.from = ""
	s.accounts = nil
}

// Logout is called when the connection is closed
func (s *Session) Logout() error {
	return nil
}

// hostPart returns the domain of an envelope address, or "localhost".
func hostPart(addr string) string {
	addr = strings.Trim(addr, "<>")
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.ToLower(addr[i+1:])
	}
	return "localhost"
}
