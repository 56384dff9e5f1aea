// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for studysync. Configuration resolves
// through a four-layer chain (CLI flags -> environment -> config file ->
// defaults); higher layers win field by field.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration parsed from a TOML file.
type Config struct {
	Owner   string        `toml:"owner"`
	Remote  RemoteConfig  `toml:"remote"`
	Sync    SyncConfig    `toml:"sync"`
	Auth    AuthConfig    `toml:"auth"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// RemoteConfig identifies the document store: a repository on a GitHub-style
// forge holding the tracker document at a fixed path.
type RemoteConfig struct {
	API    string `toml:"api"`
	Repo   string `toml:"repo"`
	Branch string `toml:"branch"`
	Path   string `toml:"path"`
}

// SyncConfig controls sync engine scheduling. Durations are strings in Go
// duration syntax ("5m", "30s") and are validated at load time.
type SyncConfig struct {
	PollInterval string `toml:"poll_interval"`
	Debounce     string `toml:"debounce"`
	NotifyURL    string `toml:"notify_url"`
	MinBudget    int    `toml:"min_budget"`
}

// AuthConfig controls the device-flow login. ClientID rarely needs changing;
// TokenFile overrides where the session token is stored.
type AuthConfig struct {
	ClientID  string `toml:"client_id"`
	TokenFile string `toml:"token_file"`
}

// StorageConfig controls local state locations.
type StorageConfig struct {
	DBPath      string `toml:"db_path"`
	WorkingCopy string `toml:"working_copy"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	Timeout string `toml:"timeout"`
}

// Defaults applied beneath all other layers.
const (
	defaultAPI          = "https://api.github.com"
	defaultBranch       = "main"
	defaultDocPath      = "data/studies.json"
	defaultPollInterval = "5m"
	defaultDebounce     = "2s"
	defaultMinBudget    = 4
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultTimeout      = "30s"
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			API:    defaultAPI,
			Branch: defaultBranch,
			Path:   defaultDocPath,
		},
		Sync: SyncConfig{
			PollInterval: defaultPollInterval,
			Debounce:     defaultDebounce,
			MinBudget:    defaultMinBudget,
		},
		Storage: StorageConfig{
			DBPath:      DefaultDBPath(),
			WorkingCopy: DefaultWorkingCopyPath(),
		},
		Auth: AuthConfig{
			TokenFile: DefaultTokenPath(),
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			Timeout: defaultTimeout,
		},
	}
}

// Validate checks a fully resolved Config. Called after all layers merge,
// so every field is either user-supplied or a default.
func Validate(cfg *Config) error {
	var errs []error

	// Repo is only required by commands that touch the remote; they call
	// RequireRemote. An empty repo must not break login or logout.
	if cfg.Remote.Repo != "" {
		if parts := strings.Split(cfg.Remote.Repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			errs = append(errs, fmt.Errorf("remote.repo must be owner/name, got %q", cfg.Remote.Repo))
		}
	}

	if cfg.Remote.Path == "" {
		errs = append(errs, errors.New("remote.path must not be empty"))
	}

	for _, d := range []struct{ key, value string }{
		{"sync.poll_interval", cfg.Sync.PollInterval},
		{"sync.debounce", cfg.Sync.Debounce},
		{"network.timeout", cfg.Network.Timeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.key, d.value))
		}
	}

	if cfg.Sync.MinBudget < 0 {
		errs = append(errs, fmt.Errorf("sync.min_budget must not be negative, got %d", cfg.Sync.MinBudget))
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level must be debug, info, warn, or error, got %q", cfg.Logging.LogLevel))
	}

	switch cfg.Logging.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format must be text or json, got %q", cfg.Logging.LogFormat))
	}

	return errors.Join(errs...)
}

// RequireRemote checks that the document store is fully identified.
// Commands that talk to the remote call this before wiring clients.
func (c *Config) RequireRemote() error {
	if c.Remote.Repo == "" {
		return errors.New("remote.repo is required (owner/name); set it in the config file or " + EnvRepo)
	}

	return nil
}

// PollIntervalDuration returns the parsed poll interval. Call after Validate.
func (c *SyncConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

// DebounceDuration returns the parsed debounce window. Call after Validate.
func (c *SyncConfig) DebounceDuration() time.Duration {
	d, _ := time.ParseDuration(c.Debounce)
	return d
}

// TimeoutDuration returns the parsed request timeout. Call after Validate.
func (c *NetworkConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}
