// Package relay implements the relay authorization policy: approved IP and
// email pattern matching plus short-lived POP-before-SMTP authentication
// grants.
package relay

import (
	"context"
	"strings"
	"time"
)

// Guard evaluates whether a client may relay mail through this server.
type Guard struct {
	store   GrantStore
	timeout time.Duration
	now     func() time.Time
}

// NewGuard creates a Guard backed by the given grant store. timeout is how
// long a POP3 authentication grants relay rights to the client IP.
func NewGuard(store GrantStore, timeout time.Duration) *Guard {
	return &Guard{
		store:   store,
		timeout: timeout,
		now:     time.Now,
	}
}

// RecordAuthentication registers a successful POP3 login for the client IP.
func (g *Guard) RecordAuthentication(ctx context.Context, clientIP string) error {
	return g.store.Grant(ctx, clientIP, g.now())
}

// Authenticated reports whether an unexpired authentication grant exists for
// the client IP. Expired grants are evicted lazily on lookup.
func (g *Guard) Authenticated(ctx context.Context, clientIP string) bool {
	at, ok, err := g.store.LastGrant(ctx, clientIP)
	if err != nil || !ok {
		return false
	}
	if g.now().Before(at.Add(g.timeout)) {
		return true
	}
	_ = g.store.Revoke(ctx, clientIP)
	return false
}

// ApprovedIP reports whether clientIP matches any pattern in the approved
// list. A pattern is either a literal IP or a dot-segmented pattern where
// "*" matches any one segment. Segment counts must align: a client IP with
// fewer or more segments than the pattern never matches.
func ApprovedIP(clientIP string, patterns []string) bool {
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if clientIP == pattern {
			return true
		}
		if strings.Contains(pattern, "*") && wildcardIPMatch(clientIP, pattern) {
			return true
		}
	}
	return false
}

func wildcardIPMatch(clientIP, pattern string) bool {
	ipSegs := strings.Split(clientIP, ".")
	patSegs := strings.Split(pattern, ".")
	if len(ipSegs) != len(patSegs) {
		return false
	}
	for i := range patSegs {
		pat := strings.TrimSpace(patSegs[i])
		if pat == "*" {
			continue
		}
		if strings.TrimSpace(ipSegs[i]) != pat {
			return false
		}
	}
	return true
}

// ApprovedEmail reports whether the envelope sender matches any pattern in
// the approved list. Matching is case-insensitive: either an exact address
// match, or, for patterns of the form "@domain", a suffix match on the
// sender's domain aligned to a label boundary ("user@sub.example.com"
// matches "@example.com"; "user@notexample.com" does not).
func ApprovedEmail(addr string, patterns []string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	domain := emailDomain(addr)

	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if addr == pattern {
			return true
		}
		if strings.HasPrefix(pattern, "@") && domain != "" {
			want := pattern[1:]
			if domain == want || strings.HasSuffix(domain, "."+want) {
				return true
			}
		}
	}
	return false
}

// emailDomain returns the domain part of an address, lowercased, or "" when
// the address has no domain.
func emailDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
