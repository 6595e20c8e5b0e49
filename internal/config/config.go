// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for drivedesk. It supports a
// four-layer override chain (defaults -> config file -> environment ->
// CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML
// file.
type Config struct {
	OAuth   OAuthConfig   `toml:"oauth"`
	Display DisplayConfig `toml:"display"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// OAuthConfig identifies the OAuth client and the scopes requested at
// sign-in. Endpoint URLs are overridable for testing against a mock
// provider; empty values mean Google production endpoints.
type OAuthConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes"`
	AuthURL      string   `toml:"auth_url"`
	TokenURL     string   `toml:"token_url"`
	UserInfoURL  string   `toml:"userinfo_url"`
	RevokeURL    string   `toml:"revoke_url"`
}

// DisplayConfig controls listing output.
type DisplayConfig struct {
	PageSize int    `toml:"page_size"`
	Theme    string `toml:"theme"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	PageSize   *int   // --limit flag
	LogLevel   string // --verbose / --quiet translated to a level
}
