package server

import "context"

type clientCredentialsGrant struct {
	p *Provider
}

func (g *clientCredentialsGrant) GrantType() string { return GrantTypeClientCredentials }

// Handle issues an access token to a confidential client acting on its own
// behalf (RFC 6749 §4.4). No refresh token and no ID token are issued.
func (g *clientCredentialsGrant) Handle(ctx context.Context, gr *GrantRequest) (*TokenResponse, error) {
	p := g.p
	if gr.Client.IsPublic() || gr.AuthMethod == AuthMethodNone {
		return nil, ErrUnauthorizedClient("The client_credentials grant requires a confidential client")
	}

	scope, oerr := gr.Request.param("scope")
	if oerr != nil {
		return nil, oerr
	}
	scopes, oerr := p.resolveScopes(gr.Client, scope)
	if oerr != nil {
		return nil, oerr
	}

	set, err := p.issuer.Issue(ctx, gr.Client, nil, scopes, GrantContext{
		GrantType: GrantTypeClientCredentials,
	})
	if err != nil {
		return nil, err
	}
	return p.finishIssue(ctx, gr, "", GrantTypeClientCredentials, set)
}
