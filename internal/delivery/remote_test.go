package delivery

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/infodancer/maild/internal/config"
)

// fakeSMTPServer accepts one connection and speaks just enough SMTP to
// receive a single message.
type fakeSMTPServer struct {
	ln net.Listener

	mu       sync.Mutex
	commands []string
	data     string
}

func newFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTPServer{ln: ln}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	go s.serve()
	return s
}

func (s *fakeSMTPServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeSMTPServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close() //nolint:errcheck

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)
	write := func(line string) {
		_, _ = conn.Write([]byte(line + "\r\n"))
	}

	write("220 fake.example.net ESMTP")
	inData := false
	var data strings.Builder

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			if line == "." {
				inData = false
				s.mu.Lock()
				s.data = data.String()
				s.mu.Unlock()
				write("250 OK queued")
				continue
			}
			data.WriteString(line)
			data.WriteString("\r\n")
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "HELO":
			write("250 fake.example.net")
		case "EHLO":
			write("250-fake.example.net")
			write("250 AUTH PLAIN")
		case "AUTH":
			write("235 2.7.0 Authentication successful")
		case "MAIL", "RCPT":
			write("250 OK")
		case "DATA":
			write("354 End data with <CRLF>.<CRLF>")
			inData = true
		case "QUIT":
			write("221 Bye")
			return
		default:
			write("250 OK")
		}
	}
}

func (s *fakeSMTPServer) sawCommand(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if strings.HasPrefix(strings.ToUpper(c), strings.ToUpper(prefix)) {
			return true
		}
	}
	return false
}

func (s *fakeSMTPServer) receivedData() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func TestSMTPRemoteSendViaSmartHost(t *testing.T) {
	srv := newFakeSMTPServer(t)

	host, portStr, err := net.SplitHostPort(srv.addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	remote := NewSMTPRemote("mail.example.com", []config.SmartHost{{Host: host, Port: port}})

	msg := "Subject: test\r\n\r\nhello\r\n"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := remote.Send(ctx, "sender@example.com", "rcpt@elsewhere.net", []byte(msg)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if !srv.sawCommand("MAIL FROM:<sender@example.com>") {
		t.Error("server did not see MAIL FROM")
	}
	if !srv.sawCommand("RCPT TO:<rcpt@elsewhere.net>") {
		t.Error("server did not see RCPT TO")
	}
	if got := srv.receivedData(); !strings.Contains(got, "hello") {
		t.Errorf("server received data %q, want message body", got)
	}
}

func TestSMTPRemoteSmartHostAuth(t *testing.T) {
	srv := newFakeSMTPServer(t)

	host, portStr, err := net.SplitHostPort(srv.addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	remote := NewSMTPRemote("mail.example.com", []config.SmartHost{{
		Host:     host,
		Port:     port,
		Username: "relayuser",
		Password: "relaypass",
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := remote.Send(ctx, "sender@example.com", "rcpt@elsewhere.net", []byte("body\r\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if !srv.sawCommand("AUTH PLAIN") {
		t.Error("server did not see AUTH PLAIN")
	}
}

func TestSMTPRemoteSmartHostFallback(t *testing.T) {
	// First smart host is unreachable; the second must be tried.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close() //nolint:errcheck

	srv := newFakeSMTPServer(t)

	deadHost, deadPortStr, _ := net.SplitHostPort(deadAddr)
	liveHost, livePortStr, _ := net.SplitHostPort(srv.addr())
	deadPort, err := strconv.Atoi(deadPortStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	livePort, err := strconv.Atoi(livePortStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	remote := NewSMTPRemote("mail.example.com", []config.SmartHost{
		{Host: deadHost, Port: deadPort},
		{Host: liveHost, Port: livePort},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := remote.Send(ctx, "sender@example.com", "rcpt@elsewhere.net", []byte("body\r\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !srv.sawCommand("MAIL FROM") {
		t.Error("fallback smart host did not receive the message")
	}
}

func TestSMTPRemoteNoDomain(t *testing.T) {
	remote := NewSMTPRemote("mail.example.com", nil)
	if err := remote.Send(context.Background(), "a@b.com", "nodomain", []byte("x")); err == nil {
		t.Error("Send() to address without domain expected error")
	}
}
