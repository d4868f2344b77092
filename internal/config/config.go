// Package config provides Viper-based configuration loading for afkeeper.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// HTTPConfig holds the observer endpoint settings.
type HTTPConfig struct {
	// Host is the bind address of the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port of the HTTP listener.
	Port int `mapstructure:"port"`
	// StaticDir holds the UI assets served at /.
	StaticDir string `mapstructure:"static_dir"`
	// ControlTokenHash is a bcrypt hash observers must present. Empty disables the check.
	ControlTokenHash string `mapstructure:"control_token_hash"`
	// ObserverBuffer is the per-observer outbound queue length.
	ObserverBuffer int `mapstructure:"observer_buffer"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// TargetConfig identifies the game server every session connects to.
type TargetConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Version is the protocol version string presented to the server.
	Version string `mapstructure:"version"`
}

// TimingConfig holds the session lifecycle timings.
type TimingConfig struct {
	WatchdogTimeout  time.Duration `mapstructure:"watchdog_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	AntiIdleInterval time.Duration `mapstructure:"anti_idle_interval"`
	// LogHistory is the number of log lines kept per session.
	LogHistory int `mapstructure:"log_history"`
}

// SessionConfig describes one managed session slot.
type SessionConfig struct {
	ID    int    `mapstructure:"id"`
	Label string `mapstructure:"label"`
	// Identity is the login identity used by autostart.
	Identity  string `mapstructure:"identity"`
	Autostart bool   `mapstructure:"autostart"`
}

// TelnetConfig holds the telnet game client settings.
type TelnetConfig struct {
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	LoginPrompt  string        `mapstructure:"login_prompt"`
	SpawnPattern string        `mapstructure:"spawn_pattern"`
	KickPattern  string        `mapstructure:"kick_pattern"`
	LookCommand  string        `mapstructure:"look_command"`
	QuitCommand  string        `mapstructure:"quit_command"`
}

// DatabaseConfig holds PostgreSQL connection settings for the log journal.
type DatabaseConfig struct {
	// Enabled turns the journal on.
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// QueueSize is the number of entries the journal buffers before dropping.
	QueueSize int `mapstructure:"queue_size"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP     HTTPConfig      `mapstructure:"http"`
	Target   TargetConfig    `mapstructure:"target"`
	Timing   TimingConfig    `mapstructure:"timing"`
	Sessions []SessionConfig `mapstructure:"sessions"`
	Telnet   TelnetConfig    `mapstructure:"telnet"`
	Database DatabaseConfig  `mapstructure:"database"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		func() error { return validateHTTP(c.HTTP) },
		func() error { return validateTarget(c.Target) },
		func() error { return validateTiming(c.Timing) },
		func() error { return validateSessions(c.Sessions) },
		func() error { return validateTelnet(c.Telnet) },
		func() error { return validateDatabase(c.Database) },
		func() error { return validateLogging(c.Logging) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 1 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if h.ObserverBuffer < 1 {
		errs = append(errs, fmt.Sprintf("http.observer_buffer must be >= 1, got %d", h.ObserverBuffer))
	}
	if h.ControlTokenHash != "" && !strings.HasPrefix(h.ControlTokenHash, "$2") {
		errs = append(errs, "http.control_token_hash must be a bcrypt hash")
	}
	return joinErrs(errs)
}

func validateTarget(t TargetConfig) error {
	var errs []string
	if t.Host == "" {
		errs = append(errs, "target.host must not be empty")
	}
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("target.port must be 1-65535, got %d", t.Port))
	}
	if t.Version == "" {
		errs = append(errs, "target.version must not be empty")
	}
	return joinErrs(errs)
}

func validateTiming(t TimingConfig) error {
	var errs []string
	if t.WatchdogTimeout <= 0 {
		errs = append(errs, "timing.watchdog_timeout must be positive")
	}
	if t.ReconnectDelay <= 0 {
		errs = append(errs, "timing.reconnect_delay must be positive")
	}
	if t.AntiIdleInterval <= 0 {
		errs = append(errs, "timing.anti_idle_interval must be positive")
	}
	if t.LogHistory < 1 {
		errs = append(errs, fmt.Sprintf("timing.log_history must be >= 1, got %d", t.LogHistory))
	}
	return joinErrs(errs)
}

func validateSessions(sessions []SessionConfig) error {
	if len(sessions) == 0 {
		return errors.New("sessions must not be empty")
	}
	var errs []string
	seen := make(map[int]bool, len(sessions))
	for _, s := range sessions {
		if s.ID < 1 {
			errs = append(errs, fmt.Sprintf("sessions id must be >= 1, got %d", s.ID))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("sessions id %d is duplicated", s.ID))
		}
		seen[s.ID] = true
		if s.Autostart && s.Identity == "" {
			errs = append(errs, fmt.Sprintf("sessions[%d] autostart requires an identity", s.ID))
		}
	}
	return joinErrs(errs)
}

func validateTelnet(t TelnetConfig) error {
	var errs []string
	if t.DialTimeout < 0 {
		errs = append(errs, "telnet.dial_timeout must not be negative")
	}
	if t.ReadTimeout < 0 {
		errs = append(errs, "telnet.read_timeout must not be negative")
	}
	if t.WriteTimeout < 0 {
		errs = append(errs, "telnet.write_timeout must not be negative")
	}
	for name, expr := range map[string]string{
		"login_prompt":  t.LoginPrompt,
		"spawn_pattern": t.SpawnPattern,
		"kick_pattern":  t.KickPattern,
	} {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Sprintf("telnet.%s is not a valid pattern: %v", name, err))
		}
	}
	return joinErrs(errs)
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if d.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("database.queue_size must be >= 1, got %d", d.QueueSize))
	}
	return joinErrs(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with AFK_ prefix
	v.SetEnvPrefix("AFK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch follows the file at path and calls fn after every change with the
// re-read configuration, or with the error that made it unusable. Watching
// lasts for the life of the process.
//
// Precondition: path must be a readable YAML configuration file.
// Postcondition: Returns an error only when the initial read fails.
func Watch(path string, fn func(e fsnotify.Event, cfg Config, err error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := LoadFromViper(v)
		fn(e, cfg, err)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 3050)
	v.SetDefault("http.static_dir", "public")
	v.SetDefault("http.control_token_hash", "")
	v.SetDefault("http.observer_buffer", 256)

	v.SetDefault("target.host", "localhost")
	v.SetDefault("target.port", 23)
	v.SetDefault("target.version", "1.20.4")

	v.SetDefault("timing.watchdog_timeout", "60s")
	v.SetDefault("timing.reconnect_delay", "15s")
	v.SetDefault("timing.anti_idle_interval", "15s")
	v.SetDefault("timing.log_history", 100)

	v.SetDefault("sessions", []map[string]any{
		{"id": 1, "label": "Account 01"},
		{"id": 2, "label": "Account 02"},
	})

	v.SetDefault("telnet.dial_timeout", "10s")
	v.SetDefault("telnet.read_timeout", "90s")
	v.SetDefault("telnet.write_timeout", "10s")
	v.SetDefault("telnet.login_prompt", `(?i)(login|name|account)\s*:\s*$`)
	v.SetDefault("telnet.spawn_pattern", `(?i)^welcome,?\s+(?P<name>\w+)`)
	v.SetDefault("telnet.kick_pattern", `(?i)^you (have been|were) (kicked|disconnected)[:,]?\s*(?P<reason>.*)$`)
	v.SetDefault("telnet.look_command", "look {yaw} {pitch}")
	v.SetDefault("telnet.quit_command", "quit")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "afkeeper")
	v.SetDefault("database.password", "afkeeper")
	v.SetDefault("database.name", "afkeeper")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.queue_size", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
