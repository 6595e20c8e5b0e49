package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config. Unknown keys are fatal errors with "did you
// mean?" suggestions — silently ignoring a typo in a config file leads
// to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the
// zero-config first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.ClientID != "" {
		cfg.OAuth.ClientID = env.ClientID
	}

	if env.ClientSecret != "" {
		cfg.OAuth.ClientSecret = env.ClientSecret
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cli.LogLevel != "" {
		cfg.Logging.LogLevel = cli.LogLevel
	}

	if cli.PageSize != nil {
		cfg.Display.PageSize = *cli.PageSize
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// validLogLevels and validThemes enumerate the accepted values.
var (
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validThemes    = map[string]bool{"light": true, "dark": true, "system": true}
)

// maxPageSize is Drive's cap on pageSize for file listings.
const maxPageSize = 100

// Validate checks a Config for values that would fail at runtime.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.Logging.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.Logging.LogLevel))
	}

	if !validThemes[cfg.Display.Theme] {
		errs = append(errs, fmt.Errorf("theme %q is not one of light, dark, system", cfg.Display.Theme))
	}

	if cfg.Display.PageSize < 1 || cfg.Display.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("page_size %d is not between 1 and %d", cfg.Display.PageSize, maxPageSize))
	}

	if _, err := time.ParseDuration(cfg.Network.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("timeout %q is not a valid duration: %w", cfg.Network.Timeout, err))
	}

	if len(cfg.OAuth.Scopes) == 0 {
		errs = append(errs, errors.New("oauth scopes must not be empty"))
	}

	return errors.Join(errs...)
}

// Timeout returns the parsed network timeout. Call after Validate.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.Network.Timeout)
	if err != nil {
		d, _ = time.ParseDuration(defaultTimeout)
	}

	return d
}
