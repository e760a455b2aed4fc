package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	ListenAddress  string
	SMTPPort       int
	POP3Port       int
	ExecuteThreads int
	MailDirectory  string
	PasswdPath     string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./maild.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.ListenAddress, "listen", "", "Bind address for both services (empty listens on all interfaces)")
	flag.IntVar(&f.SMTPPort, "smtp-port", 0, "SMTP listener port")
	flag.IntVar(&f.POP3Port, "pop3-port", 0, "POP3 listener port")
	flag.IntVar(&f.ExecuteThreads, "threads", 0, "Worker count per listener")
	flag.StringVar(&f.MailDirectory, "mail-dir", "", "Root of the mail store")
	flag.StringVar(&f.PasswdPath, "passwd", "", "Path to the passwd credential file")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig.Maild), nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.ListenAddress != "" {
		cfg.ListenAddress = f.ListenAddress
	}
	if f.SMTPPort > 0 {
		cfg.SMTP.Port = f.SMTPPort
	}
	if f.POP3Port > 0 {
		cfg.POP3.Port = f.POP3Port
	}
	if f.ExecuteThreads > 0 {
		cfg.ExecuteThreads = f.ExecuteThreads
	}
	if f.MailDirectory != "" {
		cfg.Delivery.MailDirectory = f.MailDirectory
	}
	if f.PasswdPath != "" {
		cfg.Auth.PasswdPath = f.PasswdPath
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.ListenAddress != "" {
		dst.ListenAddress = src.ListenAddress
	}
	if src.ExecuteThreads > 0 {
		dst.ExecuteThreads = src.ExecuteThreads
	}
	if src.SMTP.Port > 0 {
		dst.SMTP.Port = src.SMTP.Port
	}
	if src.SMTP.MaxMessageSizeMB > 0 {
		dst.SMTP.MaxMessageSizeMB = src.SMTP.MaxMessageSizeMB
	}
	if len(src.SMTP.LocalDomains) > 0 {
		dst.SMTP.LocalDomains = src.SMTP.LocalDomains
	}
	if src.POP3.Port > 0 {
		dst.POP3.Port = src.POP3.Port
	}

	dst.Relay.Enforce = src.Relay.Enforce
	dst.Relay.PopBeforeSMTP = src.Relay.PopBeforeSMTP
	if len(src.Relay.ApprovedIPs) > 0 {
		dst.Relay.ApprovedIPs = src.Relay.ApprovedIPs
	}
	if len(src.Relay.ApprovedEmails) > 0 {
		dst.Relay.ApprovedEmails = src.Relay.ApprovedEmails
	}
	if src.Relay.PopBeforeSMTPTimeoutMinutes > 0 {
		dst.Relay.PopBeforeSMTPTimeoutMinutes = src.Relay.PopBeforeSMTPTimeoutMinutes
	}
	if src.Relay.RedisAddress != "" {
		dst.Relay.RedisAddress = src.Relay.RedisAddress
	}

	if src.Delivery.MailDirectory != "" {
		dst.Delivery.MailDirectory = src.Delivery.MailDirectory
	}
	if src.Delivery.RetryIntervalSeconds > 0 {
		dst.Delivery.RetryIntervalSeconds = src.Delivery.RetryIntervalSeconds
	}
	if src.Delivery.AttemptThreshold > 0 {
		dst.Delivery.AttemptThreshold = src.Delivery.AttemptThreshold
	}
	if len(src.Delivery.SmartHosts) > 0 {
		dst.Delivery.SmartHosts = src.Delivery.SmartHosts
	}

	if src.Auth.PasswdPath != "" {
		dst.Auth.PasswdPath = src.Auth.PasswdPath
	}
	if src.Auth.KeysPath != "" {
		dst.Auth.KeysPath = src.Auth.KeysPath
	}

	if src.Metrics.Address != "" {
		dst.Metrics = src.Metrics
	}

	return dst
}
