package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Grant type identifiers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// ResponseTypeCode is the only supported response type.
const ResponseTypeCode = "code"

// Default endpoint paths, relative to the issuer.
const (
	DefaultAuthorizationPath       = "/authorize"
	DefaultTokenPath               = "/token"
	DefaultRevocationPath          = "/revoke"
	DefaultIntrospectionPath       = "/introspect"
	DefaultDeviceAuthorizationPath = "/device_authorization"
	DefaultDeviceVerificationPath  = "/device"
	DefaultJWKSPath                = "/.well-known/jwks.json"
)

// Endpoints holds the endpoint paths advertised in metadata.
type Endpoints struct {
	Authorization       string
	Token               string
	Revocation          string
	Introspection       string
	DeviceAuthorization string
	DeviceVerification  string
	JWKS                string
}

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// Audience is the aud claim of access tokens (default: Issuer)
	Audience string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 3600 (1 hour)

	// DeviceCodeTTL is how long device codes are valid
	DeviceCodeTTL int64 // seconds, default: 600 (10 minutes)

	// DevicePollInterval is the minimum polling interval handed to devices
	DevicePollInterval int64 // seconds, default: 5

	// ClockSkewGracePeriod is the grace period for expiration checks
	// of records shared between server instances
	ClockSkewGracePeriod int64 // seconds, default: 5

	// Grants lists the enabled grant types.
	// Default: authorization_code, client_credentials, refresh_token.
	// The device code grant is only enabled when listed.
	Grants []string

	// Scopes is the scope catalog. When empty, any scope a client is
	// allowed is accepted.
	Scopes []Scope

	// DefaultScopes are granted when a request omits the scope parameter,
	// filtered by what the client is allowed.
	DefaultScopes []string

	// Endpoints overrides the default endpoint paths.
	Endpoints Endpoints

	// DisableRefreshTokenRotation keeps refresh tokens valid across use.
	// WARNING: Without rotation a leaked refresh token can be replayed
	// until it expires. Default: false (rotation enabled)
	DisableRefreshTokenRotation bool

	// DisableCodeReuseRevocation stops code replay from revoking the
	// tokens minted from that code. Default: false
	DisableCodeReuseRevocation bool

	// DisableRevocationCascade makes revoking a refresh token revoke only
	// that token instead of its whole family. Default: false
	DisableRevocationCascade bool

	// DisableOIDC stops ID tokens from being issued for the openid scope.
	DisableOIDC bool

	// AllowInsecureHTTP allows a plain http issuer on non-loopback hosts.
	// WARNING: Never enable in production. Default: false
	AllowInsecureHTTP bool
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if len(config.Grants) == 0 {
		config.Grants = []string{GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeRefreshToken}
	}
	if config.Audience == "" {
		config.Audience = config.Issuer
	}
	applyEndpointDefaults(&config.Endpoints)

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 3600
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 600
	}
	if config.DevicePollInterval == 0 {
		config.DevicePollInterval = 5
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

func applyEndpointDefaults(e *Endpoints) {
	set := func(p *string, def string) {
		if *p == "" {
			*p = def
		}
	}
	set(&e.Authorization, DefaultAuthorizationPath)
	set(&e.Token, DefaultTokenPath)
	set(&e.Revocation, DefaultRevocationPath)
	set(&e.Introspection, DefaultIntrospectionPath)
	set(&e.DeviceAuthorization, DefaultDeviceAuthorizationPath)
	set(&e.DeviceVerification, DefaultDeviceVerificationPath)
	set(&e.JWKS, DefaultJWKSPath)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.DisableRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable until they expire",
			"recommendation", "Set DisableRefreshTokenRotation=false for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.3.1")
	}
	if config.DisableCodeReuseRevocation {
		logger.Warn("⚠️  SECURITY WARNING: Authorization code reuse revocation is DISABLED",
			"risk", "Tokens minted from an intercepted code survive its replay",
			"recommendation", "Set DisableCodeReuseRevocation=false")
	}
	if config.DisableRevocationCascade {
		logger.Warn("⚠️  SECURITY WARNING: Revocation cascade is DISABLED",
			"risk", "Access tokens outlive the revoked refresh token",
			"recommendation", "Set DisableRevocationCascade=false")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: Insecure HTTP issuer is ALLOWED",
			"risk", "Tokens, codes and client secrets exposed to network interception",
			"recommendation", "Serve the issuer over HTTPS")
	}
	if len(config.Scopes) == 0 {
		logger.Warn("⚠️  SECURITY WARNING: No scope catalog configured",
			"risk", "Every scope a client is registered with is granted, unknown scopes included",
			"recommendation", "Set Scopes to the scopes this server issues")
	}
	if config.AccessTokenTTL > 86400 {
		logger.Warn("⚠️  SECURITY WARNING: Long-lived access tokens",
			"access_token_ttl", config.AccessTokenTTL,
			"recommendation", "Keep access tokens short-lived and rely on refresh tokens")
	}
}

// validate checks the configuration after defaults were applied.
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Host == "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must be an absolute URL without query or fragment")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopbackHost(u.Hostname()) && !c.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (got %q); set AllowInsecureHTTP only for development", c.Issuer)
		}
	default:
		return fmt.Errorf("unsupported issuer scheme %q", u.Scheme)
	}

	if c.AuthorizationCodeTTL < 0 || c.AuthorizationCodeTTL > 600 {
		return fmt.Errorf("authorization code TTL must be at most 600 seconds")
	}
	if c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 || c.IDTokenTTL < 0 || c.DeviceCodeTTL < 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.DevicePollInterval < 0 || c.ClockSkewGracePeriod < 0 {
		return fmt.Errorf("device poll interval and clock skew must be positive")
	}

	for _, s := range c.DefaultScopes {
		if len(c.Scopes) > 0 && !slices.ContainsFunc(c.Scopes, func(sc Scope) bool { return sc.Name == s }) {
			return fmt.Errorf("default scope %q is not in the scope catalog", s)
		}
	}
	return nil
}

// endpointURL joins the issuer and an endpoint path.
func (c *Config) endpointURL(path string) string {
	return strings.TrimSuffix(c.Issuer, "/") + path
}

func (c *Config) clockSkew() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
