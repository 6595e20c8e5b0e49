package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work for most users without any config file.
const (
	defaultPageSize  = 12
	defaultTheme     = "system"
	defaultLogLevel  = "info"
	defaultTimeout   = "30s"
	defaultUserAgent = "drivedesk/0.1"
)

// defaultScopes are requested at primary sign-in: identity plus per-file
// Drive access. Broader read access is grabbed later via incremental
// authorization only when an operation needs it.
func defaultScopes() []string {
	return []string{
		"openid",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/drive.file",
	}
}

// DefaultConfig returns a Config populated with all default values.
// Used both as the starting point for TOML decoding (so unset fields
// retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		OAuth: OAuthConfig{
			Scopes: defaultScopes(),
		},
		Display: DisplayConfig{
			PageSize: defaultPageSize,
			Theme:    defaultTheme,
		},
		Logging: LoggingConfig{
			LogLevel: defaultLogLevel,
		},
		Network: NetworkConfig{
			Timeout:   defaultTimeout,
			UserAgent: defaultUserAgent,
		},
	}
}
