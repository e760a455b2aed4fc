// Package config provides configuration management for the mail server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Maild Config `toml:"maild"`
}

// Config holds the complete mail server configuration.
type Config struct {
	Hostname       string         `toml:"hostname"`
	LogLevel       string         `toml:"log_level"`
	ListenAddress  string         `toml:"listen_address"`
	ExecuteThreads int            `toml:"execute_threads"`
	SMTP           SMTPConfig     `toml:"smtp"`
	POP3           POP3Config     `toml:"pop3"`
	Relay          RelayConfig    `toml:"relay"`
	Delivery       DeliveryConfig `toml:"delivery"`
	Auth           AuthConfig     `toml:"auth"`
	Metrics        MetricsConfig  `toml:"metrics"`
}

// SMTPConfig defines settings for the inbound SMTP service.
type SMTPConfig struct {
	Port int `toml:"port"`
	// MaxMessageSizeMB is the aggregate size limit for a DATA payload.
	MaxMessageSizeMB int `toml:"max_message_size_mb"`
	// LocalDomains lists the domains this host accepts mail for.
	LocalDomains []string `toml:"local_domains"`
}

// POP3Config defines settings for the POP3 retrieval service.
type POP3Config struct {
	Port int `toml:"port"`
}

// RelayConfig controls anti-relay policy.
type RelayConfig struct {
	// Enforce enables anti-relay checks for senders and remote recipients.
	Enforce bool `toml:"enforce"`
	// ApprovedIPs holds literal or *-wildcarded IP patterns.
	ApprovedIPs []string `toml:"approved_ips"`
	// ApprovedEmails holds literal or @domain-wildcarded sender patterns.
	ApprovedEmails []string `toml:"approved_emails"`
	// PopBeforeSMTP grants relay rights to IPs that recently authenticated
	// via POP3.
	PopBeforeSMTP bool `toml:"pop_before_smtp"`
	// PopBeforeSMTPTimeoutMinutes is how long a POP3 login grants relay
	// rights to the client IP.
	PopBeforeSMTPTimeoutMinutes int `toml:"pop_before_smtp_timeout_minutes"`
	// RedisAddress, when set, shares POP-before-SMTP grants across hosts
	// through Redis instead of an in-process table.
	RedisAddress string `toml:"redis_address"`
}

// SmartHost is an upstream SMTP server for remote delivery. Username and
// Password are optional; when set the client authenticates with AUTH PLAIN.
type SmartHost struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Addr returns the host:port dial address for the smart host.
func (s SmartHost) Addr() string {
	port := s.Port
	if port == 0 {
		port = 25
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// DeliveryConfig holds configuration for the delivery engine and the
// on-disk mail store.
type DeliveryConfig struct {
	// MailDirectory is the root of the mail store: <dir>/smtp holds the
	// outbound spool, <dir>/<user> each local mailbox, <dir>/failed the
	// dead letters.
	MailDirectory string `toml:"mail_directory"`
	// RetryIntervalSeconds is both the delivery cycle interval and the
	// delay added before a failed message is retried.
	RetryIntervalSeconds int `toml:"retry_interval_seconds"`
	// AttemptThreshold is the number of full delivery attempts allowed
	// before a message is moved to the failed directory.
	AttemptThreshold int `toml:"attempt_threshold"`
	// SmartHosts, when non-empty, routes all remote mail through these
	// servers instead of connecting to the recipient domain directly.
	SmartHosts []SmartHost `toml:"smart_hosts"`
}

// AuthConfig defines the user credential store.
type AuthConfig struct {
	// PasswdPath is the path to the passwd-format credential file.
	PasswdPath string `toml:"passwd_path"`
	// KeysPath is the path to the key backend directory.
	KeysPath string `toml:"keys_path"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname:       "localhost",
		LogLevel:       "info",
		ExecuteThreads: 5,
		SMTP: SMTPConfig{
			Port:             25,
			MaxMessageSizeMB: 5,
		},
		POP3: POP3Config{
			Port: 110,
		},
		Relay: RelayConfig{
			PopBeforeSMTPTimeoutMinutes: 10,
		},
		Delivery: DeliveryConfig{
			MailDirectory:        "./mail",
			RetryIntervalSeconds: 60,
			AttemptThreshold:     10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if c.ExecuteThreads <= 0 {
		return errors.New("execute_threads must be positive")
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp port %d", c.SMTP.Port)
	}
	if c.POP3.Port <= 0 || c.POP3.Port > 65535 {
		return fmt.Errorf("invalid pop3 port %d", c.POP3.Port)
	}
	if c.SMTP.MaxMessageSizeMB <= 0 {
		return errors.New("max_message_size_mb must be positive")
	}
	if c.Delivery.MailDirectory == "" {
		return errors.New("mail_directory is required")
	}
	if c.Delivery.RetryIntervalSeconds <= 0 {
		return errors.New("retry_interval_seconds must be positive")
	}
	if c.Delivery.AttemptThreshold <= 0 {
		return errors.New("attempt_threshold must be positive")
	}
	for i, sh := range c.Delivery.SmartHosts {
		if sh.Host == "" {
			return fmt.Errorf("smart_hosts[%d]: host is required", i)
		}
	}
	if c.Relay.PopBeforeSMTP && c.Relay.PopBeforeSMTPTimeoutMinutes <= 0 {
		return errors.New("pop_before_smtp_timeout_minutes must be positive")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}
	return nil
}

// SMTPAddr returns the bind address for the SMTP listener.
func (c *Config) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.SMTP.Port)
}

// POP3Addr returns the bind address for the POP3 listener.
func (c *Config) POP3Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.POP3.Port)
}

// MaxMessageSize returns the DATA size limit in bytes.
func (c *SMTPConfig) MaxMessageSize() int64 {
	return int64(c.MaxMessageSizeMB) * 1024 * 1024
}

// IsLocalDomain reports whether domain is one this host accepts mail for.
// The comparison is case-insensitive. The configured hostname is always
// considered local even when local_domains is empty.
func (c *Config) IsLocalDomain(domain string) bool {
	if strings.EqualFold(domain, c.Hostname) {
		return true
	}
	for _, d := range c.SMTP.LocalDomains {
		if strings.EqualFold(domain, d) {
			return true
		}
	}
	return false
}

// AuthenticationTimeout returns the POP-before-SMTP grant lifetime.
func (c *RelayConfig) AuthenticationTimeout() time.Duration {
	return time.Duration(c.PopBeforeSMTPTimeoutMinutes) * time.Minute
}

// RetryInterval returns the delivery retry interval as a time.Duration.
func (c *DeliveryConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}
