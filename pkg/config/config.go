// Package config contains the definition of the service config structure
// and logic required to load it from the environment.
package config

import (
	"fmt"
	neturl "net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/quillsign/quill/pkg/networking"
)

// DefaultAudience is the audience required in signing tokens when
// EXPECTED_AUDIENCE is not set.
const DefaultAudience = "gpg-signing-service"

// Environment variables understood by the service.
const (
	envAllowedIssuers   = "ALLOWED_ISSUERS"
	envExpectedAudience = "EXPECTED_AUDIENCE"
	envAllowedOrigins   = "ALLOWED_ORIGINS"
	envKeyID            = "KEY_ID"
	envKeyPassphrase    = "KEY_PASSPHRASE"
	envAdminToken       = "ADMIN_TOKEN"
	envRedisURL         = "REDIS_URL"
	envAuditDBPath      = "AUDIT_DB_PATH"
	envListenAddress    = "LISTEN_ADDRESS"
)

// Config represents the configuration of the signing service.
type Config struct {
	// ListenAddress is the address the HTTP server binds to.
	ListenAddress string

	// AllowedIssuers is the set of OIDC issuers trusted to mint signing
	// tokens. Tokens from any other issuer are rejected.
	AllowedIssuers []string

	// ExpectedAudience is the audience claim signing tokens must carry.
	ExpectedAudience string

	// AllowedOrigins lists the origins permitted to make cross-origin
	// requests. Empty means no cross-origin access.
	AllowedOrigins []string

	// DefaultKeyID is the signing key used when a request names none.
	DefaultKeyID string

	// KeyPassphrase decrypts stored private keys.
	KeyPassphrase string

	// AdminToken authenticates requests to the admin API.
	AdminToken string

	// RedisURL is the connection string for the Redis backend.
	RedisURL string

	// AuditDBPath is the path of the SQLite audit database.
	AuditDBPath string
}

// Load reads the service configuration from the environment and
// validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault(envExpectedAudience, DefaultAudience)
	v.SetDefault(envRedisURL, "redis://localhost:6379/0")
	v.SetDefault(envAuditDBPath, "quill-audit.db")
	v.SetDefault(envListenAddress, ":8080")
	v.AutomaticEnv()

	cfg := &Config{
		ListenAddress:    v.GetString(envListenAddress),
		AllowedIssuers:   splitList(v.GetString(envAllowedIssuers)),
		ExpectedAudience: v.GetString(envExpectedAudience),
		AllowedOrigins:   splitList(v.GetString(envAllowedOrigins)),
		DefaultKeyID:     v.GetString(envKeyID),
		KeyPassphrase:    v.GetString(envKeyPassphrase),
		AdminToken:       v.GetString(envAdminToken),
		RedisURL:         v.GetString(envRedisURL),
		AuditDBPath:      v.GetString(envAuditDBPath),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would otherwise only
// surface as runtime failures.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.ExpectedAudience == "" {
		return fmt.Errorf("expected audience must not be empty")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis URL must not be empty")
	}
	if c.AuditDBPath == "" {
		return fmt.Errorf("audit database path must not be empty")
	}
	// A service with no trusted issuers rejects every signing request, and
	// one with no admin token has no way to load keys. Both are
	// misconfigurations, not valid modes.
	if len(c.AllowedIssuers) == 0 {
		return fmt.Errorf("at least one allowed issuer must be configured")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("admin token must not be empty")
	}
	for _, issuer := range c.AllowedIssuers {
		parsed, err := neturl.Parse(issuer)
		if err != nil {
			return fmt.Errorf("invalid issuer URL %q: %w", issuer, err)
		}
		// Discovery fetches refuse plain http anyway; fail at startup
		// instead of on the first sign request.
		if parsed.Scheme != networking.HttpsScheme {
			return fmt.Errorf("issuer %q must start with %s://", issuer, networking.HttpsScheme)
		}
	}
	return nil
}

// splitList parses a comma-separated environment value, trimming
// whitespace and dropping empty entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
