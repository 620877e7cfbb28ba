package email

import "fmt"

// Config holds all email account configurations. The email skill builds
// it from the top-level Bo config's "email" section.
type Config struct {
	// Accounts lists the email accounts to connect to at startup.
	Accounts []AccountConfig `yaml:"accounts"`

	// BccOwner, if set, is silently Bcc'd on every outbound message
	// sent through any account, regardless of which account sends it.
	BccOwner string `yaml:"bcc_owner"`
}

// Configured reports whether at least one account has the minimum
// required IMAP configuration (host and username).
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// ApplyDefaults fills zero-value fields with sensible defaults.
// Called by the email skill after it builds the Config.
func (c *Config) ApplyDefaults() {
	for i := range c.Accounts {
		if c.Accounts[i].IMAP.Port == 0 {
			c.Accounts[i].IMAP.Port = 993
		}
		// TLS defaults to true. TLS is a plain bool, so "not set" and
		// "explicitly false" cannot be told apart; TLS is forced on
		// unless the port is 143 (plaintext convention).
		if !c.Accounts[i].IMAP.TLS && c.Accounts[i].IMAP.Port != 143 {
			c.Accounts[i].IMAP.TLS = true
		}

		if c.Accounts[i].SMTP.Host == "" {
			continue
		}
		if c.Accounts[i].SMTP.Port == 0 {
			c.Accounts[i].SMTP.Port = 587
		}
		// StartTLS defaults to true. Port 465 is the implicit-TLS
		// convention, so it defaults to false there instead.
		if !c.Accounts[i].SMTP.StartTLS && c.Accounts[i].SMTP.Port != 465 {
			c.Accounts[i].SMTP.StartTLS = true
		}
	}
}

// Validate checks that the email configuration is internally consistent.
// Returns an error describing the first problem found.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("email.accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("email.accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.host is required", i, a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.username is required", i, a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("email.accounts[%d] (%s): imap.port %d out of range (1-65535)", i, a.Name, a.IMAP.Port)
		}

		if a.SMTP.Host == "" {
			continue
		}
		if a.SMTP.Username == "" {
			return fmt.Errorf("email.accounts[%d] (%s): smtp.username is required when smtp.host is set", i, a.Name)
		}
		if a.SMTP.Password == "" {
			return fmt.Errorf("email.accounts[%d] (%s): smtp.password is required when smtp.host is set", i, a.Name)
		}
		if a.DefaultFrom == "" {
			return fmt.Errorf("email.accounts[%d] (%s): default_from is required when smtp.host is set", i, a.Name)
		}
		if a.SMTP.Port < 1 || a.SMTP.Port > 65535 {
			return fmt.Errorf("email.accounts[%d] (%s): smtp.port %d out of range (1-65535)", i, a.Name, a.SMTP.Port)
		}
	}
	return nil
}

// AccountConfig describes a single email account: its IMAP connection
// for reading and optional SMTP connection for sending.
type AccountConfig struct {
	// Name is a short identifier used in tool parameters and logging
	// (e.g., "personal", "work"). Required.
	Name string `yaml:"name"`

	// IMAP configures the IMAP connection for reading email.
	IMAP IMAPConfig `yaml:"imap"`

	// SMTP configures the SMTP connection for sending email. Leave
	// Host empty to make this account read-only.
	SMTP SMTPConfig `yaml:"smtp"`

	// DefaultFrom is the From header used on outbound mail and the
	// address self-sent messages are filtered against by the poller.
	// Required if SMTP is configured.
	DefaultFrom string `yaml:"default_from"`

	// SentFolder, if set, gets an IMAP APPEND of every message sent
	// through this account. Leave empty if the server auto-files sent
	// mail (most do, via IMAP SMTP submission hooks).
	SentFolder string `yaml:"sent_folder"`
}

// SMTPConfigured reports whether this account can send mail.
func (a AccountConfig) SMTPConfigured() bool {
	return a.SMTP.Host != "" && a.SMTP.Username != ""
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the IMAP login username (typically the email address).
	Username string `yaml:"username"`

	// Password is the IMAP login password. Supports environment variable
	// expansion via the config loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls whether to use TLS for the connection. Default: true.
	// Set to false only for port 143 plaintext connections (not recommended).
	TLS bool `yaml:"tls"`
}

// SMTPConfig holds SMTP server connection parameters.
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g., "smtp.gmail.com").
	Host string `yaml:"host"`

	// Port is the SMTP server port. Default: 587 (STARTTLS).
	Port int `yaml:"port"`

	// Username is the SMTP login username.
	Username string `yaml:"username"`

	// Password is the SMTP login password. Supports environment variable
	// expansion via the config loader (e.g., ${SMTP_PASSWORD}).
	Password string `yaml:"password"`

	// StartTLS controls whether to upgrade a plaintext connection via
	// STARTTLS. Default: true, except on port 465 (implicit TLS).
	StartTLS bool `yaml:"start_tls"`
}
