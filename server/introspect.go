package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// IntrospectionResponse is the RFC 7662 §2.2 body. Only Active is set for
// inactive tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Audience  string `json:"aud,omitempty"`
}

// Introspect handles an introspection request (RFC 7662). Only confidential
// clients may introspect. Unknown, expired, revoked and rotated tokens are
// all reported as {"active":false}.
func (p *Provider) Introspect(ctx context.Context, req *Request) *Response {
	ctx, span := p.tracer.Start(ctx, "oauth.introspect")
	defer span.End()

	resp, err := p.introspect(ctx, req)
	if err != nil {
		oerr := p.asOAuthError(ctx, "introspect", err)
		instrumentation.SetSpanError(span, oerr.Code)
		return p.clientErrorResponse(req, oerr)
	}

	p.metrics.RecordIntrospection(ctx, resp.Active)
	instrumentation.SetSpanSuccess(span)
	return jsonResponse(http.StatusOK, resp)
}

func (p *Provider) introspect(ctx context.Context, req *Request) (*IntrospectionResponse, error) {
	if req.Method != "" && req.Method != http.MethodPost {
		return nil, ErrInvalidRequest("The introspection endpoint requires POST")
	}

	client, method, err := p.auth.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() || method == AuthMethodNone {
		return nil, ErrUnauthorizedClient("Introspection requires a confidential client")
	}

	value, oerr := req.param("token")
	if oerr != nil {
		return nil, oerr
	}
	if value == "" {
		return nil, ErrInvalidRequest("token is required")
	}

	stored, err := p.adapter.GetToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			p.logger.DebugContext(ctx, "Introspection of unknown token",
				"client_id", client.ClientID,
				"token_prefix", util.SafeTruncate(value, 8))
			return &IntrospectionResponse{}, nil
		}
		return nil, err
	}
	if !stored.IsActive(p.now()) {
		return &IntrospectionResponse{}, nil
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     util.FormatScope(stored.Scopes),
		ClientID:  stored.ClientID,
		Subject:   stored.UserID,
		ExpiresAt: stored.ExpiresAt.Unix(),
		IssuedAt:  stored.IssuedAt.Unix(),
		Issuer:    p.config.Issuer,
	}
	if resp.Subject == "" {
		resp.Subject = stored.ClientID
	}
	if stored.Kind == storage.TokenKindAccess {
		resp.TokenType = "Bearer"
		resp.Audience = p.config.Audience
	}
	return resp, nil
}
