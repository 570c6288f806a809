package matcher

import (
	"regexp"
	"strings"

	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/rules"
)

// numericToken matches a run that contains a digit, together with the
// separators glued to it, e.g. "-2024-001" or "#4521".
var numericToken = regexp.MustCompile(`[-_#/.:]*\d[\w\-/.:#]*`)

// NormalizeSubject lowercases a subject and strips embedded numeric tokens
// so "Invoice INV-2024-001" becomes "invoice inv".
func NormalizeSubject(s string) string {
	return collapse(numericToken.ReplaceAllString(strings.ToLower(s), " "))
}

func normalizeText(s string) string {
	return collapse(strings.ToLower(s))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// firstMatchingPattern returns the first pattern in list order that
// matches msg. Order is never changed.
func firstMatchingPattern(patterns []rules.Pattern, msg *email.Message) *rules.Pattern {
	for i := range patterns {
		if patternMatches(&patterns[i], msg) {
			return &patterns[i]
		}
	}
	return nil
}

func patternMatches(p *rules.Pattern, msg *email.Message) bool {
	switch p.Type {
	case rules.PatternFrom:
		want := strings.ToLower(strings.TrimSpace(p.Value))
		if strings.Contains(want, "<") {
			want = email.NormalizeAddress(want)
		}
		return bidirectional(msg.Sender(), want)
	case rules.PatternSubject:
		return bidirectional(NormalizeSubject(msg.Subject), NormalizeSubject(p.Value))
	case rules.PatternBody:
		return bidirectional(normalizeText(msg.Body), normalizeText(p.Value))
	}
	return false
}

// bidirectional reports whether either string contains the other. Empty
// strings never match.
func bidirectional(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
