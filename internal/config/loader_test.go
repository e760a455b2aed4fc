package config

import (
	"os"
	"path/filepath"
	"testing"
)

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maild.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/maild.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	// Should return defaults
	expected := Default()
	if cfg.Hostname != expected.Hostname {
		t.Errorf("expected hostname %q, got %q", expected.Hostname, cfg.Hostname)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
[maild]
hostname = "mail.example.com"
log_level = "debug"
execute_threads = 8

[maild.smtp]
port = 2525
max_message_size_mb = 10
local_domains = ["example.com", "example.org"]

[maild.pop3]
port = 1110

[maild.relay]
enforce = true
approved_ips = ["192.168.*.*"]
approved_emails = ["@example.com"]
pop_before_smtp = true
pop_before_smtp_timeout_minutes = 15

[maild.delivery]
mail_directory = "/var/spool/maild"
retry_interval_seconds = 120
attempt_threshold = 5

[[maild.delivery.smart_hosts]]
host = "relay.example.net"
port = 587
username = "relayuser"
password = "relaypass"

[maild.auth]
passwd_path = "/etc/maild/passwd"
keys_path = "/etc/maild/keys"

[maild.metrics]
enabled = true
address = ":9100"
path = "/metrics"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hostname != "mail.example.com" {
		t.Errorf("hostname = %q, want 'mail.example.com'", cfg.Hostname)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}
	if cfg.ExecuteThreads != 8 {
		t.Errorf("execute_threads = %d, want 8", cfg.ExecuteThreads)
	}
	if cfg.SMTP.Port != 2525 {
		t.Errorf("smtp.port = %d, want 2525", cfg.SMTP.Port)
	}
	if cfg.SMTP.MaxMessageSizeMB != 10 {
		t.Errorf("smtp.max_message_size_mb = %d, want 10", cfg.SMTP.MaxMessageSizeMB)
	}
	if len(cfg.SMTP.LocalDomains) != 2 {
		t.Errorf("smtp.local_domains = %v, want 2 entries", cfg.SMTP.LocalDomains)
	}
	if cfg.POP3.Port != 1110 {
		t.Errorf("pop3.port = %d, want 1110", cfg.POP3.Port)
	}
	if !cfg.Relay.Enforce {
		t.Error("relay.enforce = false, want true")
	}
	if !cfg.Relay.PopBeforeSMTP {
		t.Error("relay.pop_before_smtp = false, want true")
	}
	if cfg.Relay.PopBeforeSMTPTimeoutMinutes != 15 {
		t.Errorf("relay timeout = %d, want 15", cfg.Relay.PopBeforeSMTPTimeoutMinutes)
	}
	if cfg.Delivery.MailDirectory != "/var/spool/maild" {
		t.Errorf("delivery.mail_directory = %q, want '/var/spool/maild'", cfg.Delivery.MailDirectory)
	}
	if cfg.Delivery.RetryIntervalSeconds != 120 {
		t.Errorf("delivery.retry_interval_seconds = %d, want 120", cfg.Delivery.RetryIntervalSeconds)
	}
	if cfg.Delivery.AttemptThreshold != 5 {
		t.Errorf("delivery.attempt_threshold = %d, want 5", cfg.Delivery.AttemptThreshold)
	}
	if len(cfg.Delivery.SmartHosts) != 1 {
		t.Fatalf("delivery.smart_hosts = %v, want 1 entry", cfg.Delivery.SmartHosts)
	}
	if got := cfg.Delivery.SmartHosts[0].Addr(); got != "relay.example.net:587" {
		t.Errorf("smart host addr = %q, want 'relay.example.net:587'", got)
	}
	if cfg.Auth.PasswdPath != "/etc/maild/passwd" {
		t.Errorf("auth.passwd_path = %q, want '/etc/maild/passwd'", cfg.Auth.PasswdPath)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics.enabled = false, want true")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadPartialTOMLKeepsDefaults(t *testing.T) {
	content := `
[maild]
hostname = "mx.example.com"
`
	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hostname != "mx.example.com" {
		t.Errorf("hostname = %q, want 'mx.example.com'", cfg.Hostname)
	}

	defaults := Default()
	if cfg.SMTP.Port != defaults.SMTP.Port {
		t.Errorf("smtp.port = %d, want default %d", cfg.SMTP.Port, defaults.SMTP.Port)
	}
	if cfg.ExecuteThreads != defaults.ExecuteThreads {
		t.Errorf("execute_threads = %d, want default %d", cfg.ExecuteThreads, defaults.ExecuteThreads)
	}
	if cfg.Delivery.RetryIntervalSeconds != defaults.Delivery.RetryIntervalSeconds {
		t.Errorf("retry_interval_seconds = %d, want default %d",
			cfg.Delivery.RetryIntervalSeconds, defaults.Delivery.RetryIntervalSeconds)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := createTempConfig(t, "this is not TOML [[[")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid TOML")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()

	flags := &Flags{
		Hostname:       "flag.example.com",
		LogLevel:       "debug",
		ListenAddress:  "127.0.0.1",
		SMTPPort:       2525,
		POP3Port:       1110,
		ExecuteThreads: 3,
		MailDirectory:  "/tmp/mail",
		PasswdPath:     "/tmp/passwd",
	}

	cfg = ApplyFlags(cfg, flags)

	if cfg.Hostname != "flag.example.com" {
		t.Errorf("hostname = %q, want 'flag.example.com'", cfg.Hostname)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}
	if cfg.SMTP.Port != 2525 {
		t.Errorf("smtp.port = %d, want 2525", cfg.SMTP.Port)
	}
	if cfg.POP3.Port != 1110 {
		t.Errorf("pop3.port = %d, want 1110", cfg.POP3.Port)
	}
	if cfg.ExecuteThreads != 3 {
		t.Errorf("execute_threads = %d, want 3", cfg.ExecuteThreads)
	}
	if cfg.Delivery.MailDirectory != "/tmp/mail" {
		t.Errorf("mail_directory = %q, want '/tmp/mail'", cfg.Delivery.MailDirectory)
	}
	if cfg.Auth.PasswdPath != "/tmp/passwd" {
		t.Errorf("passwd_path = %q, want '/tmp/passwd'", cfg.Auth.PasswdPath)
	}
}

func TestApplyFlagsEmptyKeepsConfig(t *testing.T) {
	cfg := Default()
	cfg.Hostname = "config.example.com"

	cfg = ApplyFlags(cfg, &Flags{})

	if cfg.Hostname != "config.example.com" {
		t.Errorf("hostname = %q, want 'config.example.com'", cfg.Hostname)
	}
}
