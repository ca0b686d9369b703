package oauth

import (
	"log/slog"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
)

// DefaultMaxFormBytes bounds the body of form-encoded endpoint requests.
const DefaultMaxFormBytes int64 = 64 << 10

// Config holds the HTTP adapter configuration. Protocol behaviour lives in
// server.Config; this only covers transport concerns.
type Config struct {
	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// CORS settings for browser-based clients
	CORS CORSConfig

	// Consent runs the login and consent step for authorization and device
	// verification requests. When nil every request is denied.
	Consent ConsentResolver

	// Instrumentation is shared by the provider and the HTTP layer. When
	// nil, NewServer uses a disabled instance.
	Instrumentation *instrumentation.Instrumentation

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on the token, revocation,
	// introspection and device endpoints. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs (default: 10000)
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of this server
	// (default: 1 when TrustProxy is set)
	TrustedProxyCount int
}

// SecurityConfig holds HTTP security settings
type SecurityConfig struct {
	// MaxFormBytes limits request bodies (default: 64 KiB)
	MaxFormBytes int64

	// EnableAuditLogging emits security_audit log events
	EnableAuditLogging bool
}

// CORSConfig holds CORS settings. CORS is disabled unless AllowedOrigins is set.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the token, revocation,
	// introspection and metadata endpoints. "*" allows any origin.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds (default: 3600)
	MaxAge int
}

// applyDefaults fills unset fields and warns about insecure choices.
func applyDefaults(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Security.MaxFormBytes <= 0 {
		config.Security.MaxFormBytes = DefaultMaxFormBytes
	}
	if config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = config.RateLimit.Rate
	}
	if config.RateLimit.MaxEntries <= 0 {
		config.RateLimit.MaxEntries = security.DefaultMaxLimiterEntries
	}
	if config.RateLimit.TrustProxy && config.RateLimit.TrustedProxyCount <= 0 {
		config.RateLimit.TrustedProxyCount = 1
	}
	if config.CORS.MaxAge <= 0 {
		config.CORS.MaxAge = defaultCORSMaxAge
	}

	if config.RateLimit.Rate <= 0 {
		config.Logger.Warn("⚠️  SECURITY WARNING: Rate limiting is DISABLED",
			"risk", "Credential stuffing and code guessing against the token endpoint",
			"recommendation", "Set RateLimit.Rate in production")
	}
	if config.Consent == nil {
		config.Logger.Warn("No consent resolver configured, all authorization requests will be denied")
	}
	return config
}
