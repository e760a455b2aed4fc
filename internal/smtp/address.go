package smtp

import (
	"fmt"
	"regexp"
	"strings"
)

// mailFromPattern matches "MAIL FROM:<addr>" and the lax "MAIL FROM: addr"
// form some clients send.
var mailFromPattern = regexp.MustCompile(`(?i)^MAIL\s+FROM:\s*(?:<([^<>]*)>|([^<>\s]+))\s*$`)

// rcptToPattern matches "RCPT TO:<addr>" and the lax form.
var rcptToPattern = regexp.MustCompile(`(?i)^RCPT\s+TO:\s*(?:<([^<>]+)>|([^<>\s]+))\s*$`)

// parseMailFrom extracts the envelope sender from a MAIL FROM command line.
// An empty reverse-path ("<>") is valid and denotes a bounce sender.
func parseMailFrom(line string) (string, bool) {
	m := mailFromPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	addr := m[1]
	if addr == "" {
		addr = m[2]
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		// Null reverse-path.
		return "", true
	}
	if err := validateAddress(addr); err != nil {
		return "", false
	}
	return addr, true
}

// parseRcptTo extracts the recipient from a RCPT TO command line.
func parseRcptTo(line string) (string, bool) {
	m := rcptToPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	addr := m[1]
	if addr == "" {
		addr = m[2]
	}
	addr = strings.TrimSpace(addr)
	if err := validateAddress(addr); err != nil {
		return "", false
	}
	return addr, true
}

// validateAddress performs minimal envelope address validation: exactly one
// "@" with a non-empty local part and domain.
func validateAddress(addr string) error {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return fmt.Errorf("invalid address %q", addr)
	}
	if strings.ContainsAny(addr, " \t") {
		return fmt.Errorf("invalid address %q", addr)
	}
	return nil
}

// domainPart returns the part of the address after the final "@",
// lowercased.
func domainPart(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
