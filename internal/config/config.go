// ABOUTME: Configuration loading and parsing for coven-assist
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration parsing and a legacy env overlay

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-assist/internal/assist"
	"github.com/2389/coven-assist/internal/conversation"
)

// Storage backends accepted in conversations.backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultMaxMessageLength matches the chat platform limit the bridge was first built for.
const DefaultMaxMessageLength = 2000

// Config represents the complete coven-assist configuration
type Config struct {
	Assist        AssistConfig       `yaml:"assist" toml:"assist"`
	Conversations ConversationConfig `yaml:"conversations" toml:"conversations"`
	Matrix        MatrixConfig       `yaml:"matrix" toml:"matrix"`
	Logging       LoggingConfig      `yaml:"logging" toml:"logging"`
}

// AssistConfig holds the assistant server connection settings
type AssistConfig struct {
	Host         string `yaml:"host" toml:"host"`
	Token        string `yaml:"token" toml:"token"`
	SSL          bool   `yaml:"ssl" toml:"ssl"`
	DefaultAgent string `yaml:"default_agent" toml:"default_agent"`

	ConnectTimeout time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// ConversationConfig selects where conversation ids are persisted
type ConversationConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Dir     string `yaml:"dir" toml:"dir"`   // file backend; empty means the system temp dir
	Path    string `yaml:"path" toml:"path"` // sqlite backend
}

// MatrixConfig holds Matrix bridge configuration
type MatrixConfig struct {
	Homeserver       string   `yaml:"homeserver" toml:"homeserver"`
	UserID           string   `yaml:"user_id" toml:"user_id"`
	AccessToken      string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms     []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	AllowedUsers     []string `yaml:"allowed_users" toml:"allowed_users"`
	CommandPrefix    string   `yaml:"command_prefix" toml:"command_prefix"`
	TypingIndicator  bool     `yaml:"typing_indicator" toml:"typing_indicator"`
	MaxMessageLength int      `yaml:"max_message_length" toml:"max_message_length"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding,
// and the legacy HAURL/HATOKEN/DEFAULT_AGENT/SSL variables override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a Config from the legacy environment variables alone.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes. ext selects the format (".toml" or YAML otherwise).
// The result is not validated.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if err := applyEnv(c); err != nil {
		return err
	}
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(c)
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// applyEnv overlays the legacy environment variables. Set variables win over the file.
func applyEnv(c *Config) error {
	if v := os.Getenv("HAURL"); v != "" {
		c.Assist.Host = v
	}
	if v := os.Getenv("HATOKEN"); v != "" {
		c.Assist.Token = v
	}
	if v := os.Getenv("DEFAULT_AGENT"); v != "" {
		c.Assist.DefaultAgent = v
	}
	if v := os.Getenv("SSL"); v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing SSL %q: %w", v, err)
		}
		c.Assist.SSL = ssl
	}
	return nil
}

func applyDefaults(c *Config) {
	if c.Assist.ConnectTimeout == 0 {
		c.Assist.ConnectTimeout = assist.DefaultConnectTimeout
	}
	if c.Assist.RequestTimeout == 0 {
		c.Assist.RequestTimeout = assist.DefaultRequestTimeout
	}
	if c.Conversations.Backend == "" {
		c.Conversations.Backend = BackendFile
	}
	if c.Matrix.MaxMessageLength == 0 {
		c.Matrix.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Assist.ConnectTimeoutRaw != "" {
		cfg.Assist.ConnectTimeout, err = time.ParseDuration(cfg.Assist.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Assist.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Assist.RequestTimeoutRaw != "" {
		cfg.Assist.RequestTimeout, err = time.ParseDuration(cfg.Assist.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Assist.RequestTimeoutRaw, err)
		}
	}

	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
// The matrix section is checked separately by ValidateMatrix.
func (c *Config) Validate() error {
	if c.Assist.Host == "" {
		return fmt.Errorf("assist.host is required (or set HAURL)")
	}
	if strings.Contains(c.Assist.Host, "://") {
		return fmt.Errorf("assist.host must be host[:port] without a scheme, got %q", c.Assist.Host)
	}
	if c.Assist.Token == "" {
		return fmt.Errorf("assist.token is required (or set HATOKEN)")
	}
	if c.Assist.ConnectTimeout < 0 || c.Assist.RequestTimeout < 0 {
		return fmt.Errorf("assist timeouts must not be negative")
	}

	switch c.Conversations.Backend {
	case BackendFile:
	case BackendSQLite:
		if c.Conversations.Path == "" {
			return fmt.Errorf("conversations.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("conversations.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Conversations.Backend)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// ValidateMatrix checks the fields the Matrix bridge needs.
func (c *Config) ValidateMatrix() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.MaxMessageLength < 0 {
		return fmt.Errorf("matrix.max_message_length must not be negative")
	}
	return nil
}

// SessionConfig converts the assist section into the session configuration.
func (c *Config) SessionConfig() assist.Config {
	return assist.Config{
		Host:           c.Assist.Host,
		Token:          c.Assist.Token,
		SSL:            c.Assist.SSL,
		DefaultAgent:   c.Assist.DefaultAgent,
		ConnectTimeout: c.Assist.ConnectTimeout,
		RequestTimeout: c.Assist.RequestTimeout,
	}
}

// OpenStore opens the configured conversation store. The returned close
// function is always non-nil.
func (c *Config) OpenStore() (conversation.Store, func() error, error) {
	switch c.Conversations.Backend {
	case BackendSQLite:
		s, err := conversation.NewSQLiteStore(c.Conversations.Path)
		if err != nil {
			return nil, func() error { return nil }, err
		}
		return s, s.Close, nil
	default:
		return conversation.NewFileStore(c.Conversations.Dir), func() error { return nil }, nil
	}
}

// DefaultPath returns the config file location.
// Priority: COVEN_ASSIST_CONFIG env var > XDG_CONFIG_HOME/coven/assist.yaml > ~/.config/coven/assist.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_ASSIST_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "assist.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "assist.yaml")
}

// LoadDefault loads DefaultPath when it exists and falls back to FromEnv otherwise.
func LoadDefault() (*Config, string, error) {
	path := DefaultPath()
	if _, err := os.Stat(path); err != nil {
		if os.Getenv("COVEN_ASSIST_CONFIG") != "" {
			return nil, path, fmt.Errorf("reading config file: %w", err)
		}
		cfg, err := FromEnv()
		return cfg, "", err
	}
	cfg, err := Load(path)
	return cfg, path, err
}
