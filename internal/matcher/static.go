package matcher

import (
	"fmt"
	"strings"

	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/rules"
)

// staticMatch requires every non-empty static field of r to match msg.
func staticMatch(r *rules.Rule, msg *email.Message) (bool, string) {
	var matched []string

	if r.From != "" {
		if !addressMatches(r.From, msg.From) {
			return false, ""
		}
		matched = append(matched, fmt.Sprintf("from %q", r.From))
	}
	if r.To != "" {
		if !addressMatches(r.To, msg.To) {
			return false, ""
		}
		matched = append(matched, fmt.Sprintf("to %q", r.To))
	}
	if r.Subject != "" {
		if !containsFold(msg.Subject, r.Subject) {
			return false, ""
		}
		matched = append(matched, fmt.Sprintf("subject %q", r.Subject))
	}
	if r.Body != "" {
		if !containsFold(msg.Body, r.Body) {
			return false, ""
		}
		matched = append(matched, fmt.Sprintf("body %q", r.Body))
	}

	return true, fmt.Sprintf("Matched static conditions (%s) of rule %q", strings.Join(matched, ", "), r.Name)
}

// addressMatches checks a header against a condition that may list several
// alternatives separated by "," or "|". An "@domain" alternative matches the
// domain or any subdomain of an address in the header.
func addressMatches(cond, header string) bool {
	header = strings.ToLower(header)
	addrs := headerAddresses(header)

	for _, alt := range strings.FieldsFunc(cond, func(r rune) bool { return r == ',' || r == '|' }) {
		alt = strings.ToLower(strings.TrimSpace(alt))
		if alt == "" {
			continue
		}
		if strings.HasPrefix(alt, "@") {
			domain := alt[1:]
			for _, a := range addrs {
				d := email.Domain(a)
				if d == domain || strings.HasSuffix(d, "."+domain) {
					return true
				}
			}
			continue
		}
		if strings.Contains(header, alt) {
			return true
		}
	}
	return false
}

func headerAddresses(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		if a := email.NormalizeAddress(part); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(strings.TrimSpace(needle)))
}
