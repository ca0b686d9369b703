package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// KeyProvider signs tokens and publishes the verification keys.
type KeyProvider interface {
	// Sign serializes claims as a JWT with the given typ header.
	Sign(ctx context.Context, claims map[string]any, typ string) (string, error)

	// PublicKeys returns the JWK set resource servers verify tokens with.
	PublicKeys(ctx context.Context) (jwk.Set, error)
}

// GrantRequest is an authenticated token request handed to a GrantHandler.
type GrantRequest struct {
	Client     *storage.Client
	AuthMethod AuthMethod
	Request    *Request
}

// GrantHandler executes one grant type. Handlers return *OAuthError for
// protocol errors and plain errors for internal failures.
type GrantHandler interface {
	GrantType() string
	Handle(ctx context.Context, gr *GrantRequest) (*TokenResponse, error)
}

// Provider is the authorization server. Construct it once with New and share
// it between requests; it holds no per-request state.
type Provider struct {
	adapter storage.Adapter
	keys    KeyProvider
	issuer  *TokenIssuer
	auth    *ClientAuthenticator
	grants  map[string]GrantHandler

	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	extraGrants []GrantHandler
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithAuditor sets the security auditor.
func WithAuditor(auditor *security.Auditor) Option {
	return func(p *Provider) { p.auditor = auditor }
}

// WithInstrumentation enables metrics and tracing.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(p *Provider) { p.inst = inst }
}

// WithGrantHandler registers an additional grant handler. It replaces a
// built-in handler for the same grant type and is enabled regardless of
// Config.Grants.
func WithGrantHandler(h GrantHandler) Option {
	return func(p *Provider) { p.extraGrants = append(p.extraGrants, h) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates a Provider.
func New(adapter storage.Adapter, keys KeyProvider, config *Config, opts ...Option) (*Provider, error) {
	if adapter == nil {
		return nil, fmt.Errorf("storage adapter is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if config == nil {
		config = &Config{}
	}

	p := &Provider{
		adapter: adapter,
		keys:    keys,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	p.config = applySecureDefaults(config, p.logger)
	if err := p.config.validate(); err != nil {
		return nil, err
	}

	if p.inst == nil {
		inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
		p.inst = inst
	}
	p.metrics = p.inst.Metrics()
	p.tracer = p.inst.Tracer("server")

	p.issuer = NewTokenIssuer(keys, p.config, p.now)
	p.auth = NewClientAuthenticator(adapter, p.logger)
	p.auth.metrics = p.metrics

	if err := p.registerGrants(); err != nil {
		return nil, err
	}

	p.logger.Info("OAuth provider initialized",
		"issuer", p.config.Issuer,
		"grants", p.GrantTypes())
	return p, nil
}

func (p *Provider) registerGrants() error {
	builtin := map[string]GrantHandler{
		GrantTypeAuthorizationCode: &authorizationCodeGrant{p: p},
		GrantTypeClientCredentials: &clientCredentialsGrant{p: p},
		GrantTypeRefreshToken:      &refreshTokenGrant{p: p},
		GrantTypeDeviceCode:        &deviceCodeGrant{p: p},
	}

	p.grants = make(map[string]GrantHandler)
	for _, h := range p.extraGrants {
		p.grants[h.GrantType()] = h
	}
	for _, gt := range p.config.Grants {
		if _, ok := p.grants[gt]; ok {
			continue
		}
		h, ok := builtin[gt]
		if !ok {
			return fmt.Errorf("grant type %q has no handler; register one with WithGrantHandler", gt)
		}
		p.grants[gt] = h
	}
	return nil
}

// GrantTypes returns the enabled grant types in configuration order,
// followed by extra handlers.
func (p *Provider) GrantTypes() []string {
	out := make([]string, 0, len(p.grants))
	seen := make(map[string]bool)
	for _, gt := range p.config.Grants {
		if _, ok := p.grants[gt]; ok && !seen[gt] {
			out = append(out, gt)
			seen[gt] = true
		}
	}
	for _, h := range p.extraGrants {
		if !seen[h.GrantType()] {
			out = append(out, h.GrantType())
			seen[h.GrantType()] = true
		}
	}
	return out
}

// grantEnabled reports whether grantType has a registered handler.
func (p *Provider) grantEnabled(grantType string) bool {
	_, ok := p.grants[grantType]
	return ok
}

// Config returns the effective configuration.
func (p *Provider) Config() Config {
	return *p.config
}

// Authenticator returns the client authenticator.
func (p *Provider) Authenticator() *ClientAuthenticator {
	return p.auth
}

// Instrumentation returns the instrumentation the provider records to.
func (p *Provider) Instrumentation() *instrumentation.Instrumentation {
	return p.inst
}

// Auditor returns the security auditor, which may be nil.
func (p *Provider) Auditor() *security.Auditor {
	return p.auditor
}

// Keys returns the key provider.
func (p *Provider) Keys() KeyProvider {
	return p.keys
}

// asOAuthError collapses err into an OAuth error exactly once. Plain errors
// are logged and become a generic server_error.
func (p *Provider) asOAuthError(ctx context.Context, endpoint string, err error) *OAuthError {
	var oerr *OAuthError
	if errors.As(err, &oerr) {
		return oerr
	}
	p.logger.ErrorContext(ctx, "Internal error",
		"endpoint", endpoint,
		"error", err)
	return ErrServerError()
}

// expired checks codes and device codes, which may be written by another
// server instance, with the configured clock skew grace.
func (p *Provider) expired(expiresAt time.Time) bool {
	return security.IsExpiredAt(p.now(), expiresAt, p.config.clockSkew())
}

// refreshAllowed reports whether a refresh token may be issued to client.
func (p *Provider) refreshAllowed(client *storage.Client) bool {
	return p.grantEnabled(GrantTypeRefreshToken) && client.HasGrantType(GrantTypeRefreshToken)
}

// revokeFamily revokes every token in familyID after a replay was detected.
func (p *Provider) revokeFamily(ctx context.Context, familyID, userID, clientID, clientIP, reason string) {
	if familyID == "" {
		return
	}
	n, err := p.adapter.RevokeTokenFamily(ctx, familyID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to revoke token family",
			"family_id", familyID,
			"reason", reason,
			"error", err)
		return
	}
	p.metrics.RecordFamilyRevoked(ctx, reason)
	p.auditor.LogFamilyRevoked(userID, clientID, clientIP, reason, n)
	p.logger.WarnContext(ctx, "Revoked token family",
		"family_id", familyID,
		"reason", reason,
		"revoked", n)
}
