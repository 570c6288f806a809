package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/resilience"
)

// Sender transmits a composed message.
type Sender interface {
	Send(ctx context.Context, from string, to []string, data []byte) error
}

var (
	ErrPermanentFailure = errors.New("permanent delivery failure")
	ErrTemporaryFailure = errors.New("temporary delivery failure")
	ErrNoRecipients     = errors.New("no recipients")
)

// SMTPConfig configures relay submission.
type SMTPConfig struct {
	// Addr is the relay host:port.
	Addr string
	// Hostname is sent in EHLO.
	Hostname   string
	Username   string
	Password   string
	RequireTLS bool
	// VerifyTLS verifies the relay certificate.
	VerifyTLS bool
	// ConnectTimeout bounds the TCP dial. Zero means 30s.
	ConnectTimeout time.Duration
}

// SMTPSender submits mail to a relay through a circuit breaker.
type SMTPSender struct {
	cfg     SMTPConfig
	breaker *resilience.CircuitBreaker
	logger  *logging.Logger
}

// NewSMTPSender creates a relay sender. breaker may be nil.
func NewSMTPSender(cfg SMTPConfig, breaker *resilience.CircuitBreaker, logger *logging.Logger) *SMTPSender {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if breaker == nil {
		c := resilience.DefaultConfig("smtp:" + cfg.Addr)
		c.IsFailure = func(err error) bool { return !errors.Is(err, ErrPermanentFailure) }
		breaker = resilience.NewCircuitBreaker(c)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &SMTPSender{cfg: cfg, breaker: breaker, logger: logger.Mailbox()}
}

// Send delivers data to every recipient. Any rejected recipient fails the send.
func (s *SMTPSender) Send(ctx context.Context, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.submit(ctx, from, to, data)
	})
}

func (s *SMTPSender) submit(ctx context.Context, from string, to []string, data []byte) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("%w: auth failed: %v", ErrPermanentFailure, err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classifyError(err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return classifyError(err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return classifyError(err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("data write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return classifyError(err)
	}

	if err := c.Quit(); err != nil {
		s.logger.DebugContext(ctx, "QUIT failed", "error", err.Error())
	}
	s.logger.InfoContext(ctx, "message submitted", "recipients", len(to), "size", len(data))
	return nil
}

// connect opens a relay session, upgrading to TLS when the relay offers
// STARTTLS. When the upgrade fails and TLS is optional, the session is
// retried in plaintext on a fresh connection.
func (s *SMTPSender) connect(ctx context.Context) (*smtp.Client, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(s.cfg.Addr)
	tlsConfig := &tls.Config{ServerName: host, InsecureSkipVerify: !s.cfg.VerifyTLS}

	c, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err == nil {
		if err := c.Hello(s.cfg.Hostname); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: EHLO after STARTTLS failed: %v", ErrTemporaryFailure, err)
		}
		return c, nil
	}
	if s.cfg.RequireTLS {
		return nil, fmt.Errorf("%w: STARTTLS required but failed: %v", ErrPermanentFailure, err)
	}
	s.logger.DebugContext(ctx, "STARTTLS unavailable, continuing without TLS", "error", err.Error())

	conn, err = s.dial(ctx)
	if err != nil {
		return nil, err
	}
	c = smtp.NewClient(conn)
	if err := c.Hello(s.cfg.Hostname); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: HELO failed: %v", ErrTemporaryFailure, err)
	}
	return c, nil
}

func (s *SMTPSender) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connection failed: %v", ErrTemporaryFailure, err)
	}
	return conn, nil
}

// classifyError classifies an SMTP error as permanent (5xx) or temporary.
func classifyError(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 {
			return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
		}
		return fmt.Errorf("%w: %v", ErrTemporaryFailure, err)
	}
	if strings.HasPrefix(err.Error(), "5") {
		return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
	}
	return fmt.Errorf("%w: %v", ErrTemporaryFailure, err)
}
