// ABOUTME: Configuration loading and parsing for tapbank
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tapbank configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Admin    AdminConfig    `yaml:"admin"`
	Sessions SessionsConfig `yaml:"sessions"`
	Bank     BankConfig     `yaml:"bank"`
	Backup   BackupConfig   `yaml:"backup"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// BaseURL is the external URL written onto NFC tags (launch links).
	// If not set, launch URLs are printed relative.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds database configuration.
// Driver selects the backend: "sqlite" (default) uses Path, "postgres"
// uses DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig holds grant signing configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AdminConfig holds the admin surface configuration
type AdminConfig struct {
	Key string `yaml:"key"`
}

// SessionsConfig holds tap session timing configuration
type SessionsConfig struct {
	TTL           time.Duration `yaml:"-"`
	ScanWindow    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw           string `yaml:"ttl"`
	ScanWindowRaw    string `yaml:"scan_window"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// BankConfig holds transfer and recurring charge configuration
type BankConfig struct {
	DefaultPIN      string        `yaml:"default_pin"`
	StartingBalance int64         `yaml:"starting_balance"` // cents, for bootstrap
	ChargeInterval  time.Duration `yaml:"-"`

	ChargeIntervalRaw string `yaml:"charge_interval"`
}

// BackupConfig holds the Gist mirror configuration
type BackupConfig struct {
	Gist GistConfig `yaml:"gist"`
}

// GistConfig holds GitHub Gist snapshot settings
type GistConfig struct {
	Enabled  bool          `yaml:"enabled"`
	GistID   string        `yaml:"gist_id"`
	Token    string        `yaml:"token"`
	Filename string        `yaml:"filename"`
	Debounce time.Duration `yaml:"-"`

	DebounceRaw string `yaml:"debounce"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the file leaves a field empty
const (
	DefaultSessionTTL     = 5 * time.Minute
	DefaultScanWindow     = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultChargeInterval = time.Minute
	DefaultGistDebounce   = 30 * time.Second
	DefaultPIN            = "0000"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Sessions.ScanWindow == 0 {
		c.Sessions.ScanWindow = DefaultScanWindow
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Bank.DefaultPIN == "" {
		c.Bank.DefaultPIN = DefaultPIN
	}
	if c.Bank.ChargeInterval == 0 {
		c.Bank.ChargeInterval = DefaultChargeInterval
	}
	if c.Backup.Gist.Debounce == 0 {
		c.Backup.Gist.Debounce = DefaultGistDebounce
	}
	if c.Backup.Gist.Filename == "" {
		c.Backup.Gist.Filename = "tapbank-backup.json"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Admin.Key == "" {
		return fmt.Errorf("admin.key is required")
	}

	if c.Backup.Gist.Enabled {
		if c.Backup.Gist.GistID == "" {
			return fmt.Errorf("backup.gist.gist_id is required when gist backup is enabled")
		}
		if c.Backup.Gist.Token == "" {
			return fmt.Errorf("backup.gist.token is required when gist backup is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.TTLRaw != "" {
		cfg.Sessions.TTL, err = time.ParseDuration(cfg.Sessions.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.ttl %q: %w", cfg.Sessions.TTLRaw, err)
		}
	}

	if cfg.Sessions.ScanWindowRaw != "" {
		cfg.Sessions.ScanWindow, err = time.ParseDuration(cfg.Sessions.ScanWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.scan_window %q: %w", cfg.Sessions.ScanWindowRaw, err)
		}
	}

	if cfg.Sessions.SweepIntervalRaw != "" {
		cfg.Sessions.SweepInterval, err = time.ParseDuration(cfg.Sessions.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.sweep_interval %q: %w", cfg.Sessions.SweepIntervalRaw, err)
		}
	}

	if cfg.Bank.ChargeIntervalRaw != "" {
		cfg.Bank.ChargeInterval, err = time.ParseDuration(cfg.Bank.ChargeIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing bank.charge_interval %q: %w", cfg.Bank.ChargeIntervalRaw, err)
		}
	}

	if cfg.Backup.Gist.DebounceRaw != "" {
		cfg.Backup.Gist.Debounce, err = time.ParseDuration(cfg.Backup.Gist.DebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing backup.gist.debounce %q: %w", cfg.Backup.Gist.DebounceRaw, err)
		}
	}

	return nil
}
