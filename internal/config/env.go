package config

import "os"

// Environment variable names for overrides. The client secret is
// accepted from the environment so it never has to live in a config
// file checked into dotfiles.
const (
	EnvConfig       = "DRIVEDESK_CONFIG"
	EnvClientID     = "DRIVEDESK_CLIENT_ID"
	EnvClientSecret = "DRIVEDESK_CLIENT_SECRET"
	EnvLogLevel     = "DRIVEDESK_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string
	ClientID     string
	ClientSecret string
	LogLevel     string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		ClientID:     os.Getenv(EnvClientID),
		ClientSecret: os.Getenv(EnvClientSecret),
		LogLevel:     os.Getenv(EnvLogLevel),
	}
}
