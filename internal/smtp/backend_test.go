package smtp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/config"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/execution"
)

type fakeAccounts map[string]string

func (f fakeAccounts) GetByEmail(ctx context.Context, addr string) (*account.Account, error) {
	if addr == "broken@example.com" {
		return nil, errors.New("database is locked")
	}
	id, ok := f[addr]
	if !ok {
		return nil, account.ErrNotFound
	}
	return &account.Account{ID: id, Email: addr}, nil
}

type fakeProcessor struct {
	mu   sync.Mutex
	msgs []*email.Message
	err  error
}

func (f *fakeProcessor) Process(ctx context.Context, msg *email.Message) (*execution.ExecutedRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return &execution.ExecutedRule{ID: "er-" + msg.ID, Status: execution.StatusSkipped}, nil
}

func (f *fakeProcessor) received() []*email.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*email.Message(nil), f.msgs...)
}

func startIngest(t *testing.T, proc *fakeProcessor) string {
	t.Helper()
	accounts := fakeAccounts{"owner@example.com": "acct-1", "team@example.com": "acct-2", "alias@example.com": "acct-1"}
	srv := NewServer(NewBackend(accounts, proc, 1<<20, nil), config.IngestConfig{
		Listen:          "127.0.0.1:0",
		Domain:          "ingest.test",
		MaxMessageBytes: 1 << 20,
	}, nil)
	if err := srv.ListenAndServe(); err != nil {
		t.Fatalf("ListenAndServe() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

const sample = "From: News <news@example.org>\r\n" +
	"To: owner@example.com\r\n" +
	"Subject: Weekly digest\r\n" +
	"Message-ID: <digest-1@example.org>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Top stories this week.\r\n"

func send(t *testing.T, addr string, rcpts []string, body string) error {
	t.Helper()
	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Mail("news@example.org", nil); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func TestIngestProcessesMessage(t *testing.T) {
	proc := &fakeProcessor{}
	addr := startIngest(t, proc)

	if err := send(t, addr, []string{"Owner@Example.com"}, sample); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := proc.received()
	if len(got) != 1 {
		t.Fatalf("processed %d messages, want 1", len(got))
	}
	msg := got[0]
	if msg.AccountID != "acct-1" || msg.ID != "digest-1@example.org" || msg.Subject != "Weekly digest" {
		t.Errorf("msg = %+v", msg)
	}
	if !strings.Contains(msg.Body, "Top stories") {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestIngestOncePerAccount(t *testing.T) {
	proc := &fakeProcessor{}
	addr := startIngest(t, proc)

	if err := send(t, addr, []string{"owner@example.com", "alias@example.com", "team@example.com"}, sample); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := proc.received()
	if len(got) != 2 {
		t.Fatalf("processed %d messages, want one per account", len(got))
	}
	if got[0].AccountID != "acct-1" || got[1].AccountID != "acct-2" {
		t.Errorf("accounts = %s, %s", got[0].AccountID, got[1].AccountID)
	}
}

func TestIngestRecipientErrors(t *testing.T) {
	tests := []struct {
		rcpt string
		code int
	}{
		{"stranger@example.com", 550},
		{"broken@example.com", 451},
	}
	for _, tt := range tests {
		t.Run(tt.rcpt, func(t *testing.T) {
			err := send(t, startIngest(t, &fakeProcessor{}), []string{tt.rcpt}, sample)
			var smtpErr *smtp.SMTPError
			if !errors.As(err, &smtpErr) || smtpErr.Code != tt.code {
				t.Errorf("send() = %v, want SMTP %d", err, tt.code)
			}
		})
	}
}

func TestIngestProcessingFailureIsTemporary(t *testing.T) {
	addr := startIngest(t, &fakeProcessor{err: errors.New("redis unavailable")})

	err := send(t, addr, []string{"owner@example.com"}, sample)
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 {
		t.Errorf("send() = %v, want 451", err)
	}
}

func TestIngestGeneratesMissingMessageID(t *testing.T) {
	proc := &fakeProcessor{}
	addr := startIngest(t, proc)

	body := "From: a@example.org\r\nTo: owner@example.com\r\nSubject: hi\r\n\r\nhello\r\n"
	if err := send(t, addr, []string{"owner@example.com"}, body); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := proc.received()
	if len(got) != 1 || !strings.HasSuffix(got[0].ID, "@example.org") || got[0].ThreadID != got[0].ID {
		t.Errorf("msg = %+v", got)
	}
}

func TestHostPart(t *testing.T) {
	tests := []struct{ in, want string }{
		{"user@Example.COM", "example.com"},
		{"<user@example.com>", "example.com"},
		{"", "localhost"},
		{"user@", "localhost"},
		{"noatsign", "localhost"},
	}
	for _, tt := range tests {
		if got := hostPart(tt.in); got != tt.want {
			t.Errorf("hostPart(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
