// Package config loads the core's environment-variable contract (spec §8)
// with koanf, the way tomtom215-cartographus's internal/config package
// layers defaults, an optional YAML file, and env vars.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/fluxauth/core/pkg/log"
)

// Config is every setting spec §8 names.
type Config struct {
	JWTPrivateKeyPEM string `koanf:"jwt_private_key"`
	JWKSJSON         string `koanf:"jwks"`

	ConvexSiteURL string `koanf:"convex_site_url"`
	SiteURL       string `koanf:"site_url"`

	SessionTotalDurationMS   int64 `koanf:"auth_session_total_duration_ms"`
	SessionInactiveDuration  int64 `koanf:"auth_session_inactive_duration_ms"`

	LogLevel string `koanf:"auth_log_level"`

	SiteSecret string `koanf:"auth_site_secret"`

	// Providers holds AUTH_{PROVIDER}_ID / AUTH_{PROVIDER}_SECRET pairs,
	// keyed by the lower-cased provider ID.
	Providers map[string]ProviderCredentials `koanf:"-"`
}

// ProviderCredentials is one AUTH_{PROVIDER}_ID/_SECRET pair.
type ProviderCredentials struct {
	ID     string
	Secret string
}

func defaults() Config {
	return Config{
		SessionTotalDurationMS:  int64(30 * 24 * time.Hour / time.Millisecond),
		SessionInactiveDuration: int64(30 * 24 * time.Hour / time.Millisecond),
		LogLevel:                string(log.LevelInfo),
	}
}

// Load layers defaults, an optional YAML file (path from CONFIG_PATH or
// ./config.yaml), and environment variables, in ascending priority.
func Load() (*Config, error) {
	k := koanf.New(".")

	d := defaults()
	if err := k.Load(structs.Provider(&d, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path := configFilePath(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	cfg.Providers = providerCredentials(os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// providerCredentials scans AUTH_{PROVIDER}_ID / AUTH_{PROVIDER}_SECRET
// pairs out of the process environment (spec §8).
func providerCredentials(environ []string) map[string]ProviderCredentials {
	out := make(map[string]ProviderCredentials)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "AUTH_") {
			continue
		}
		rest := strings.TrimPrefix(name, "AUTH_")
		switch {
		case strings.HasSuffix(rest, "_ID"):
			provider := strings.ToLower(strings.TrimSuffix(rest, "_ID"))
			if isReservedConfigKey(provider) {
				continue
			}
			creds := out[provider]
			creds.ID = value
			out[provider] = creds
		case strings.HasSuffix(rest, "_SECRET"):
			provider := strings.ToLower(strings.TrimSuffix(rest, "_SECRET"))
			if isReservedConfigKey(provider) {
				continue
			}
			creds := out[provider]
			creds.Secret = value
			out[provider] = creds
		}
	}
	return out
}

// isReservedConfigKey excludes non-provider AUTH_* variables (session
// durations, log level, site secret) from the provider-credentials scan.
func isReservedConfigKey(key string) bool {
	switch key {
	case "session", "site", "log":
		return true
	default:
		return false
	}
}

func configFilePath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// Validate checks the settings this module cannot safely default.
func (c *Config) Validate() error {
	if c.JWTPrivateKeyPEM == "" {
		return fmt.Errorf("config: JWT_PRIVATE_KEY is required")
	}
	if c.ConvexSiteURL == "" {
		return fmt.Errorf("config: CONVEX_SITE_URL is required")
	}
	if c.SiteURL == "" {
		return fmt.Errorf("config: SITE_URL is required")
	}
	switch log.Level(strings.ToUpper(c.LogLevel)) {
	case log.LevelError, log.LevelWarn, log.LevelInfo, log.LevelDebug:
	default:
		return fmt.Errorf("config: AUTH_LOG_LEVEL %q is not one of ERROR|WARN|INFO|DEBUG", c.LogLevel)
	}
	return nil
}

func (c *Config) SessionTotalDuration() time.Duration {
	return time.Duration(c.SessionTotalDurationMS) * time.Millisecond
}
