package delivery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/infodancer/maild/internal/config"
)

// Remote sends a message to a single recipient on another host.
type Remote interface {
	Send(ctx context.Context, from, to string, data []byte) error
}

// SMTPRemote delivers messages over SMTP. When smart hosts are configured
// they are tried in order and all outbound mail is routed through them;
// otherwise the recipient's domain is contacted directly on port 25.
type SMTPRemote struct {
	hostname   string
	smartHosts []config.SmartHost
}

// NewSMTPRemote creates an outbound SMTP transport. hostname is used in
// the HELO greeting.
func NewSMTPRemote(hostname string, smartHosts []config.SmartHost) *SMTPRemote {
	return &SMTPRemote{hostname: hostname, smartHosts: smartHosts}
}

// Send delivers data from from to to. The data must already carry CRLF
// line endings.
func (r *SMTPRemote) Send(ctx context.Context, from, to string, data []byte) error {
	if len(r.smartHosts) == 0 {
		domain := addressDomain(to)
		if domain == "" {
			return fmt.Errorf("recipient %q has no domain", to)
		}
		return r.send(ctx, net.JoinHostPort(domain, "25"), "", "", from, to, data)
	}

	var lastErr error
	for _, sh := range r.smartHosts {
		lastErr = r.send(ctx, sh.Addr(), sh.Username, sh.Password, from, to, data)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (r *SMTPRemote) send(ctx context.Context, addr, username, password, from, to string, data []byte) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := smtp.NewClient(nc)
	defer c.Close()

	if err := c.Hello(r.hostname); err != nil {
		return fmt.Errorf("greeting rejected by %s: %w", addr, err)
	}
	if username != "" {
		if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
			return fmt.Errorf("authentication failed at %s: %w", addr, err)
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("sender rejected by %s: %w", addr, err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("recipient rejected by %s: %w", addr, err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to start data at %s: %w", addr, err)
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to write message to %s: %w", addr, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("message rejected by %s: %w", addr, err)
	}
	// QUIT failures do not affect an already accepted message.
	_ = c.Quit()
	return nil
}

func addressDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}
