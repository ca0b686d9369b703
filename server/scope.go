package server

import (
	"slices"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// Well-known OpenID Connect scopes.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

// Scope is an entry in the scope catalog.
type Scope struct {
	Name        string
	Description string
}

// scopeNames returns the names in the catalog.
func (p *Provider) scopeNames() []string {
	names := make([]string, 0, len(p.config.Scopes))
	for _, s := range p.config.Scopes {
		names = append(names, s.Name)
	}
	return names
}

// resolveScopes turns a raw scope parameter into the scopes to grant. An
// empty parameter falls back to the configured defaults the client may use.
// Every scope must be in the catalog (when one is configured) and allowed
// for the client.
func (p *Provider) resolveScopes(client *storage.Client, raw string) ([]string, *OAuthError) {
	requested := util.ParseScope(raw)
	if len(requested) == 0 {
		var out []string
		for _, s := range p.config.DefaultScopes {
			if slices.Contains(client.Scopes, s) {
				out = append(out, s)
			}
		}
		return out, nil
	}

	if len(p.config.Scopes) > 0 {
		catalog := p.scopeNames()
		for _, s := range requested {
			if !slices.Contains(catalog, s) {
				return nil, ErrInvalidScope("Unknown scope: " + s)
			}
		}
	}
	if disallowed := client.DisallowedScopes(requested); len(disallowed) > 0 {
		return nil, ErrInvalidScope("Scope not allowed for this client: " + util.FormatScope(disallowed))
	}
	return requested, nil
}
