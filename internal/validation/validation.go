// Package validation provides input validation functions.
package validation

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidEmail is returned when an address is not local@domain
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidDomain is returned when domain name is invalid
	ErrInvalidDomain = errors.New("invalid domain: must be valid domain name")
	// ErrInvalidRuleName is returned for empty or oversized rule names
	ErrInvalidRuleName = errors.New("invalid rule name: must be 1-128 characters")
	// ErrInvalidLabelName is returned for label names the provider cannot store
	ErrInvalidLabelName = errors.New("invalid label name: must be 1-225 characters without control characters")
)

const (
	// RFC 5321 limits
	maxLocalPartLength = 64
	maxDomainLength    = 253

	maxRuleNameLength  = 128
	maxLabelNameLength = 225
)

var (
	// Allows: alphanumeric, dot, hyphen, underscore, plus
	// Does not allow: leading/trailing dots, consecutive dots
	localPartPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?$`)

	// RFC 1035 labels: 1-63 chars, alphanumeric and hyphen, not starting/ending with hyphen
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Email checks a bare address such as "user@example.com".
func Email(addr string) error {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ErrInvalidEmail
	}
	local, domain := addr[:at], addr[at+1:]

	if len(local) > maxLocalPartLength || !localPartPattern.MatchString(local) || strings.Contains(local, "..") {
		return ErrInvalidEmail
	}
	if Domain(domain) != nil {
		return ErrInvalidEmail
	}
	return nil
}

// EmailList checks a comma separated address list. Empty is valid.
func EmailList(list string) error {
	for _, addr := range strings.Split(list, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if err := Email(addr); err != nil {
			return err
		}
	}
	return nil
}

// Domain checks if a domain name is valid according to RFC 1035
func Domain(domain string) error {
	domain = strings.TrimSpace(strings.ToLower(domain))

	if len(domain) == 0 || len(domain) > maxDomainLength {
		return ErrInvalidDomain
	}
	if !domainPattern.MatchString(domain) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// RuleName checks a rule's display name.
func RuleName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxRuleNameLength {
		return ErrInvalidRuleName
	}
	return nil
}

// LabelName checks a label or folder name.
func LabelName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxLabelNameLength {
		return ErrInvalidLabelName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidLabelName
		}
	}
	return nil
}
