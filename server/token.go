package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// Token handles a token endpoint request (RFC 6749 §3.2): it selects the
// grant, authenticates the client and dispatches to the grant handler.
func (p *Provider) Token(ctx context.Context, req *Request) *Response {
	grantType, oerr := req.param("grant_type")
	if oerr != nil {
		return oauthErrorResponse(oerr)
	}

	spanName := "unknown"
	if p.grantEnabled(grantType) {
		spanName = grantTypeSpanName(grantType)
	}
	ctx, span := p.tracer.Start(ctx, "oauth.grant."+spanName)
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))

	resp, err := p.token(ctx, req, grantType)
	if err != nil {
		oerr := p.asOAuthError(ctx, "token", err)
		instrumentation.SetSpanError(span, oerr.Code)
		return p.clientErrorResponse(req, oerr)
	}

	instrumentation.SetSpanSuccess(span)
	return jsonResponse(http.StatusOK, resp)
}

func (p *Provider) token(ctx context.Context, req *Request, grantType string) (*TokenResponse, error) {
	if req.Method != "" && req.Method != http.MethodPost {
		return nil, ErrInvalidRequest("The token endpoint requires POST")
	}
	if grantType == "" {
		return nil, ErrInvalidRequest("grant_type is required")
	}
	handler, ok := p.grants[grantType]
	if !ok {
		return nil, ErrUnsupportedGrantType("Unsupported grant_type: " + grantType)
	}

	client, method, err := p.auth.Authenticate(ctx, req)
	if err != nil {
		if isOAuthCode(err, ErrorCodeInvalidClient) {
			p.auditor.LogAuthFailure("", "", req.ClientIP, "invalid_client")
		}
		return nil, err
	}

	if !client.HasGrantType(grantType) {
		return nil, ErrUnauthorizedClient("Client may not use grant type " + grantType)
	}

	return handler.Handle(ctx, &GrantRequest{
		Client:     client,
		AuthMethod: method,
		Request:    req,
	})
}

// persistTokens stores the records of set. A failure is an internal error;
// tokens that could not be stored are never returned.
func (p *Provider) persistTokens(ctx context.Context, set *TokenSet) error {
	for _, rec := range []*storage.Token{set.AccessTokenRecord, set.RefreshTokenRecord} {
		if rec == nil {
			continue
		}
		if err := p.adapter.SaveToken(ctx, rec); err != nil {
			return fmt.Errorf("failed to save %s: %w", rec.Kind, err)
		}
	}
	return nil
}

// finishIssue persists set and records the issuance.
func (p *Provider) finishIssue(ctx context.Context, gr *GrantRequest, userID, grantType string, set *TokenSet) (*TokenResponse, error) {
	if err := p.persistTokens(ctx, set); err != nil {
		return nil, err
	}
	clientID := gr.Client.ClientID
	p.metrics.RecordTokenIssued(ctx, clientID, grantType, set.RefreshToken != "")
	p.auditor.LogTokenIssued(userID, clientID, gr.Request.ClientIP, grantType, util.FormatScope(set.Scopes))
	return set.Response(), nil
}

// logSecurityEvent audits ev with the request's client IP.
func (p *Provider) logSecurityEvent(gr *GrantRequest, ev security.Event) {
	ev.ClientID = gr.Client.ClientID
	ev.IPAddress = gr.Request.ClientIP
	p.auditor.LogEvent(ev)
}

func isOAuthCode(err error, code string) bool {
	var oerr *OAuthError
	return errors.As(err, &oerr) && oerr.Code == code
}

// grantTypeSpanName shortens URN grant types for span names.
func grantTypeSpanName(grantType string) string {
	if grantType == GrantTypeDeviceCode {
		return "device_code"
	}
	return grantType
}

// clientErrorResponse renders an error of a client-authenticated endpoint.
// invalid_client carries a Basic challenge when Basic credentials were
// presented or the client is expected to use them (RFC 6749 §5.2).
func (p *Provider) clientErrorResponse(req *Request, oerr *OAuthError) *Response {
	out := oauthErrorResponse(oerr)
	if oerr.Code == ErrorCodeInvalidClient && (req.HasBasicAuth() || oerr.basicChallenge) {
		out.Header.Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, p.config.Issuer))
	}
	return out
}
