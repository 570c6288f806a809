package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/labels"
	"github.com/fenilsonani/mail-automation/internal/rules"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

// Structured action failure codes.
const (
	CodeMessageNotFound   = "MESSAGE_NOT_FOUND"
	CodeMissingRecipient  = "MISSING_RECIPIENT"
	CodeInvalidRecipient  = "INVALID_RECIPIENT"
	CodeSendFailed        = "SEND_FAILED"
	CodeLabelRequired     = "LABEL_REQUIRED"
	CodeFolderRequired    = "FOLDER_REQUIRED"
	CodeLabelNotFound     = "LABEL_NOT_FOUND"
	CodeFolderNotFound    = "FOLDER_NOT_FOUND"
	CodeUnsupportedAction = "UNSUPPORTED_ACTION"
)

// Result is the structured outcome of one action. A failed Result is an
// expected outcome; a returned error means the action itself broke.
type Result struct {
	Success   bool
	ErrorCode string
}

func ok() Result                { return Result{Success: true} }
func failed(code string) Result { return Result{ErrorCode: code} }

// Target identifies the message an action runs against.
type Target struct {
	AccountID string
	MessageID string
	ThreadID  string
}

// RunAction applies a to the target message.
func (p *Provider) RunAction(ctx context.Context, t Target, a rules.Action) (Result, error) {
	msg, err := p.GetMessage(ctx, t.AccountID, t.MessageID)
	if errors.Is(err, ErrMessageNotFound) {
		return failed(CodeMessageNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}

	switch a.Type {
	case rules.ActionArchive:
		return p.setFlag(ctx, msg, "archived")
	case rules.ActionMarkRead:
		return p.setFlag(ctx, msg, "read")
	case rules.ActionMarkSpam:
		return p.setFlag(ctx, msg, "spam")
	case rules.ActionLabel:
		return p.label(ctx, msg, a)
	case rules.ActionMoveFolder:
		return p.moveFolder(ctx, msg, a)
	case rules.ActionDigest:
		return p.digest(ctx, msg, a)
	case rules.ActionDraftEmail:
		to := a.To
		if to == "" {
			to = msg.Sender()
		}
		return p.outbound(ctx, msg, outboundMail{kind: a.Type, to: to, cc: a.Cc, bcc: a.Bcc,
			subject: replySubject(a.Subject, msg.Subject), body: a.Content, inReplyTo: msg.ID, draft: true})
	case rules.ActionReply:
		return p.outbound(ctx, msg, outboundMail{kind: a.Type, to: msg.Sender(), cc: a.Cc, bcc: a.Bcc,
			subject: replySubject(a.Subject, msg.Subject), body: a.Content, inReplyTo: msg.ID})
	case rules.ActionNotifySender:
		body := a.Content
		if body == "" {
			body = "Your message was received and handled automatically."
		}
		return p.outbound(ctx, msg, outboundMail{kind: a.Type, to: msg.Sender(),
			subject: replySubject(a.Subject, msg.Subject), body: body, inReplyTo: msg.ID})
	case rules.ActionForward:
		if strings.TrimSpace(a.To) == "" {
			return failed(CodeMissingRecipient), nil
		}
		return p.outbound(ctx, msg, outboundMail{kind: a.Type, to: a.To, cc: a.Cc, bcc: a.Bcc,
			subject: prefixSubject("Fwd: ", firstNonEmpty(a.Subject, msg.Subject)), body: forwardBody(a.Content, msg)})
	case rules.ActionSendEmail:
		if strings.TrimSpace(a.To) == "" {
			return failed(CodeMissingRecipient), nil
		}
		return p.outbound(ctx, msg, outboundMail{kind: a.Type, to: a.To, cc: a.Cc, bcc: a.Bcc,
			subject: a.Subject, body: a.Content})
	default:
		p.logger.WarnContext(ctx, "unsupported action type", "type", string(a.Type))
		return failed(CodeUnsupportedAction), nil
	}
}

func (p *Provider) setFlag(ctx context.Context, msg *email.Message, column string) (Result, error) {
	query := fmt.Sprintf(`UPDATE messages SET %s = 1 WHERE account_id = ? AND id = ?`, column)
	if _, err := p.db.ExecContext(ctx, query, msg.AccountID, msg.ID); err != nil {
		return Result{}, fmt.Errorf("set %s: %w", column, err)
	}
	return ok(), nil
}

func (p *Provider) label(ctx context.Context, msg *email.Message, a rules.Action) (Result, error) {
	id, err := p.labels.Resolve(ctx, msg.AccountID, labels.KindLabel, a.Label, a.LabelID)
	if errors.Is(err, labels.ErrEmptyLabel) {
		return failed(CodeLabelRequired), nil
	}
	if errors.Is(err, labels.ErrNotFound) {
		return failed(CodeLabelNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO message_labels (account_id, message_id, label_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		msg.AccountID, msg.ID, id); err != nil {
		return Result{}, fmt.Errorf("apply label: %w", err)
	}
	return ok(), nil
}

func (p *Provider) moveFolder(ctx context.Context, msg *email.Message, a rules.Action) (Result, error) {
	id, err := p.labels.Resolve(ctx, msg.AccountID, labels.KindFolder, a.FolderName, a.FolderID)
	if errors.Is(err, labels.ErrEmptyLabel) {
		return failed(CodeFolderRequired), nil
	}
	if errors.Is(err, labels.ErrNotFound) {
		return failed(CodeFolderNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if _, err := p.db.ExecContext(ctx,
		`UPDATE messages SET folder_id = ? WHERE account_id = ? AND id = ?`,
		id, msg.AccountID, msg.ID); err != nil {
		return Result{}, fmt.Errorf("move folder: %w", err)
	}
	return ok(), nil
}

func (p *Provider) digest(ctx context.Context, msg *email.Message, a rules.Action) (Result, error) {
	content := a.Content
	if content == "" {
		content = msg.Subject
	}
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO digest_items (id, account_id, message_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), msg.AccountID, msg.ID, content, storage.Millis(p.now())); err != nil {
		return Result{}, fmt.Errorf("add digest item: %w", err)
	}
	return ok(), nil
}

type outboundMail struct {
	kind      rules.ActionType
	to        string
	cc        string
	bcc       string
	subject   string
	body      string
	inReplyTo string
	draft     bool
}

// outbound composes the mail, sends it unless it is a draft, and records it
// in the outbox. Transport failures are structured failures.
func (p *Provider) outbound(ctx context.Context, msg *email.Message, m outboundMail) (Result, error) {
	acct, err := p.accounts.Get(ctx, msg.AccountID)
	if err != nil {
		return Result{}, err
	}
	return p.deliver(ctx, acct, msg.ID, m)
}

func (p *Provider) deliver(ctx context.Context, acct *account.Account, messageID string, m outboundMail) (Result, error) {
	data, err := email.Compose(acct.Email, m.to, m.cc, m.subject, m.inReplyTo, m.body, p.now())
	if err != nil {
		p.logger.WarnContext(ctx, "cannot compose outbound mail", "type", string(m.kind), "error", err.Error())
		return failed(CodeInvalidRecipient), nil
	}

	status := OutboxStored
	result := ok()
	switch {
	case m.draft:
		status = OutboxDraft
	case p.sender != nil:
		rcpts := recipients(m.to, m.cc, m.bcc)
		if err := p.sender.Send(ctx, acct.Email, rcpts, p.sign(ctx, acct.Email, data)); err != nil {
			p.logger.WarnContext(ctx, "outbound send failed",
				"type", string(m.kind), "recipients", len(rcpts), "error", err.Error())
			status = OutboxFailed
			result = failed(CodeSendFailed)
		} else {
			status = OutboxSent
		}
	}

	if _, err := p.db.ExecContext(ctx, `INSERT INTO outbox
		(id, account_id, kind, message_id, to_address, cc, bcc, subject, body, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), acct.ID, string(m.kind), messageID, m.to, m.cc, m.bcc, m.subject, m.body,
		status, storage.Millis(p.now())); err != nil {
		return Result{}, fmt.Errorf("record outbox: %w", err)
	}
	return result, nil
}

func (p *Provider) sign(ctx context.Context, from string, data []byte) []byte {
	if p.signer == nil || !strings.EqualFold(email.Domain(from), p.signer.Domain()) {
		return data
	}
	var signed bytes.Buffer
	if err := p.signer.Sign(&signed, bytes.NewReader(data)); err != nil {
		// Continue without DKIM
		p.logger.WarnContext(ctx, "DKIM signing failed", "error", err.Error())
		return data
	}
	return signed.Bytes()
}

// SendDirect composes and sends a message on behalf of an account outside
// any rule, e.g. a scheduled check-in summary.
func (p *Provider) SendDirect(ctx context.Context, accountID, to, subject, body string) (Result, error) {
	acct, err := p.accounts.Get(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	if to == "" {
		to = acct.Email
	}
	return p.deliver(ctx, acct, "", outboundMail{kind: "CHECK_IN", to: to, subject: subject, body: body})
}

func recipients(lists ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, part := range strings.Split(list, ",") {
			addr := email.NormalizeAddress(part)
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

func replySubject(override, original string) string {
	if override != "" {
		return override
	}
	return prefixSubject("Re: ", original)
}

func prefixSubject(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + subject
}

func forwardBody(note string, msg *email.Message) string {
	var b strings.Builder
	if note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	b.WriteString("---------- Forwarded message ---------\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "Date: %s\n", msg.Date.Format("Mon, 2 Jan 2006 15:04"))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "To: %s\n\n", msg.To)
	b.WriteString(msg.Body)
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
