// Package email defines the parsed message the engine matches rules against.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

// Message is one inbound email as seen by the matcher and executor.
type Message struct {
	ID        string
	ThreadID  string
	AccountID string
	From      string // raw header value, e.g. "Writer <writer@substack.com>"
	To        string
	Subject   string
	Body      string // plain text
	Category  string // sender category assigned upstream, e.g. "newsletter"
	Date      time.Time
	// IsReply is true when the message answers an earlier message in its thread.
	IsReply bool
}

// Sender returns the normalized sender address.
func (m *Message) Sender() string {
	return NormalizeAddress(m.From)
}

// SenderDomain returns the domain part of the sender address.
func (m *Message) SenderDomain() string {
	return Domain(m.Sender())
}

// NormalizeAddress extracts the bare address from a header value like
// "Name <user@example.com>" and lowercases it.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	// Fall back to the angle-bracket contents for headers net/mail rejects.
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return strings.ToLower(strings.TrimSpace(s[i+1 : i+j]))
		}
	}
	return strings.ToLower(s)
}

// Domain returns the part after the last '@', or "".
func Domain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

var htmlPolicy = bluemonday.StrictPolicy()

// ErrEmptyMessage is returned by Parse for input without headers.
var ErrEmptyMessage = errors.New("empty message")

// Parse reads an RFC 5322 message. Thread identity follows the first
// References entry, then In-Reply-To, then the message's own Message-ID.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyMessage
		}
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &Message{
		From: h.Get("From"),
		To:   h.Get("To"),
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.Date = date.UTC()
	} else {
		msg.Date = time.Now().UTC()
	}
	msg.ID, _ = h.MessageID()

	refs, _ := h.MsgIDList("References")
	inReplyTo, _ := h.MsgIDList("In-Reply-To")
	switch {
	case len(refs) > 0:
		msg.ThreadID = refs[0]
	case len(inReplyTo) > 0:
		msg.ThreadID = inReplyTo[0]
	default:
		msg.ThreadID = msg.ID
	}
	msg.IsReply = len(inReplyTo) > 0 || len(refs) > 0

	var text, html string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Keep whatever headers and parts were readable.
			break
		}
		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		body, err := io.ReadAll(io.LimitReader(part.Body, 1<<20))
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/plain") && text == "":
			text = string(body)
		case strings.HasPrefix(ct, "text/html") && html == "":
			html = string(body)
		}
	}

	msg.Body = text
	if msg.Body == "" && html != "" {
		msg.Body = HTMLToText(html)
	}
	return msg, nil
}

// HTMLToText strips markup, keeping text content.
func HTMLToText(html string) string {
	return strings.Join(strings.Fields(htmlPolicy.Sanitize(html)), " ")
}

// Compose builds a minimal RFC 5322 message used by outbound actions.
func Compose(from, to, cc, subject, inReplyTo, body string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(subject)

	fromAddrs, err := parseList(from)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	h.SetAddressList("From", fromAddrs)

	toAddrs, err := parseList(to)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	h.SetAddressList("To", toAddrs)

	if cc != "" {
		ccAddrs, err := parseList(cc)
		if err != nil {
			return nil, fmt.Errorf("cc: %w", err)
		}
		h.SetAddressList("Cc", ccAddrs)
	}
	if inReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{inReplyTo})
		h.SetMsgIDList("References", []string{inReplyTo})
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseList(list string) ([]*mail.Address, error) {
	var out []*mail.Address
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := mail.ParseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, errors.New("no addresses")
	}
	return out, nil
}
