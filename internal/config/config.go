// Package config handles Bo configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.bo.yaml, ~/.config/bo/config.yaml, /config/config.yaml,
// /etc/bo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.bo.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bo", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/bo/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests to avoid matching real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all Bo configuration. Every option named in the external
// interfaces table has a typed field here; nothing is read from os.Getenv
// outside of this package.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	SelfChat  SelfChatConfig  `yaml:"self_chat"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Email     EmailConfig     `yaml:"email"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	GitHub    GitHubConfig    `yaml:"github"`
	LogLevel  string          `yaml:"log_level"`
	RequestLog string         `yaml:"request_log"`
	RouterLog  string         `yaml:"router_log"`
}

// DatabaseConfig configures the persistence layer's connection pool.
type DatabaseConfig struct {
	URL             string `yaml:"url"` // DATABASE_URL; sqlite file path or "file::memory:?cache=shared"
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxIdleMins int    `yaml:"conn_max_idle_minutes"`
}

// RateLimitConfig configures the tenant-scoped rate limiter's backing store.
type RateLimitConfig struct {
	URL string `yaml:"url"` // REDIS_URL or equivalent; empty = in-process store
}

// TelegramConfig configures the Telegram transport adapter.
type TelegramConfig struct {
	BotToken         string `yaml:"bot_token"` // BO_TELEGRAM_BOT_TOKEN
	UnknownSenderRPM int    `yaml:"unknown_sender_rpm"`
	ReplyRateLimitMS int    `yaml:"reply_rate_limit_ms"`
}

// SelfChatConfig configures the self-chat observer transport adapter.
type SelfChatConfig struct {
	WebsocketURL string `yaml:"websocket_url"`
	TriggerWord  string `yaml:"trigger_word"` // default "Bo "
}

// LLMConfig configures the LLM Gateway.
type LLMConfig struct {
	GatewayAPIKey string `yaml:"gateway_api_key"` // AI_GATEWAY_API_KEY
	StandardModel string `yaml:"standard_model"`  // BO_LLM_MODEL
	SimpleModel   string `yaml:"simple_model"`     // BO_SIMPLE_MODEL
	ComplexModel  string `yaml:"complex_model"`    // BO_COMPLEX_MODEL
	MockPath      string `yaml:"mock_path"`        // BO_LLM_MOCK_PATH
}

// AgentConfig configures tenancy-wide defaults for the pipeline.
type AgentConfig struct {
	ConversationMessages int      `yaml:"conversation_messages"` // BO_CONVERSATION_MESSAGES, 2-100, default 20
	DefaultTZ            string   `yaml:"default_tz"`            // BO_DEFAULT_TZ
	DefaultZip           string   `yaml:"default_zip"`           // BO_DEFAULT_ZIP
	AgentNumbers         []string `yaml:"agent_numbers"`         // BO_AGENT_NUMBERS, canonical phones
}

// EmailConfig configures the email skill's IMAP/SMTP endpoints.
type EmailConfig struct {
	IMAPHost string `yaml:"imap_host"`
	SMTPHost string `yaml:"smtp_host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CalendarConfig configures the CalDAV calendar skill.
type CalendarConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// GitHubConfig configures the GitHub skill.
type GitHubConfig struct {
	Token string `yaml:"token"`
	Owner string `yaml:"owner"` // default org/user when a repo is given without one
}

// Configured reports whether a GitHub token is present.
func (c GitHubConfig) Configured() bool { return c.Token != "" }

// Configured reports whether gateway credentials or a mock path are present.
func (c LLMConfig) Configured() bool { return c.GatewayAPIKey != "" || c.MockPath != "" }

// Configured reports whether a Telegram bot token is present.
func (c TelegramConfig) Configured() bool { return c.BotToken != "" }

// Configured reports whether IMAP/SMTP credentials are present.
func (c EmailConfig) Configured() bool { return c.Username != "" && c.Password != "" }

// Load reads configuration from a YAML file, expands environment variables,
// applies defaults for any unset fields, and validates the result. After
// Load returns successfully, all fields are usable without additional
// nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults. Called
// automatically by Load. After this, callers can read any field without
// checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Database.URL == "" {
		c.Database.URL = "./data/bo.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxIdleMins == 0 {
		c.Database.ConnMaxIdleMins = 5
	}
	if c.Telegram.UnknownSenderRPM == 0 {
		c.Telegram.UnknownSenderRPM = 20
	}
	if c.Telegram.ReplyRateLimitMS == 0 {
		c.Telegram.ReplyRateLimitMS = 3000
	}
	if c.SelfChat.TriggerWord == "" {
		c.SelfChat.TriggerWord = "Bo "
	}
	if c.Agent.ConversationMessages == 0 {
		c.Agent.ConversationMessages = 20
	}
	if c.Agent.DefaultTZ == "" {
		c.Agent.DefaultTZ = "America/New_York"
	}
	if c.LLM.StandardModel == "" {
		c.LLM.StandardModel = "gpt-4o"
	}
	if c.LLM.SimpleModel == "" {
		c.LLM.SimpleModel = "gpt-4o-mini"
	}
	if c.LLM.ComplexModel == "" {
		c.LLM.ComplexModel = "gpt-4o"
	}
	if c.RequestLog == "" {
		c.RequestLog = "./data/request.log"
	}
	if c.RouterLog == "" {
		c.RouterLog = "./data/router.log"
	}

	for i := range c.Agent.AgentNumbers {
		c.Agent.AgentNumbers[i] = strings.TrimSpace(c.Agent.AgentNumbers[i])
	}
}

// Validate checks that the configuration is internally consistent. It runs
// after applyDefaults, so it can assume defaults are populated. Returns an
// error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Agent.ConversationMessages < 2 || c.Agent.ConversationMessages > 100 {
		return fmt.Errorf("agent.conversation_messages %d out of range (2-100)", c.Agent.ConversationMessages)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be >= 1")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
