package smtp

import "errors"

// ErrMessageTooLarge is returned when message data exceeds the configured
// maximum size.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// SessionState represents the current state of an SMTP session
type SessionState int

const (
	StateConnected SessionState = iota // Initial state, waiting for HELO/EHLO
	StateGreeted                       // After successful HELO/EHLO
	StateMailFrom                      // After successful MAIL FROM
	StateRcptTo                        // After at least one successful RCPT TO
)

// String returns a human-readable representation of the session state
func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateGreeted:
		return "GREETED"
	case StateMailFrom:
		return "MAIL_FROM"
	case StateRcptTo:
		return "RCPT_TO"
	default:
		return "UNKNOWN"
	}
}

// transaction holds the state of one in-progress mail transaction. It is
// discarded on RSET and after each committed message.
type transaction struct {
	sender     string
	recipients []string
	// mayRelay records the from-side relay evaluation made at MAIL FROM:
	// whether this client is allowed to send to remote recipients. Local
	// recipients are always accepted regardless.
	mayRelay bool
}

func (t *transaction) reset() {
	t.sender = ""
	t.recipients = nil
	t.mayRelay = false
}
