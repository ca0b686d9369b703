package server

import (
	"context"
	"errors"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// AuthorizationRequest is a validated front-channel authorization request,
// ready to be shown to the user for consent.
type AuthorizationRequest struct {
	Client              *storage.Client
	RedirectURI         string
	ResponseType        string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// authorizationError carries whether the error may be sent to the redirect URI.
type authorizationError struct {
	err         *OAuthError
	redirectURI string // empty: render directly
	state       string
}

// ValidateAuthorizationRequest checks an authorization request without side
// effects. On failure the returned Response is either a direct error (when
// the client or redirect URI cannot be trusted) or an error redirect.
func (p *Provider) ValidateAuthorizationRequest(ctx context.Context, req *Request) (*AuthorizationRequest, *Response) {
	ctx, span := p.tracer.Start(ctx, "oauth.authorize.validate")
	defer span.End()

	areq, aerr := p.validateAuthorization(ctx, req)
	if aerr != nil {
		instrumentation.SetSpanError(span, aerr.err.Code)
		return nil, p.authorizationErrorResponse(aerr)
	}
	instrumentation.SetSpanSuccess(span)
	return areq, nil
}

// Authorize completes an authorization request with the outcome of the
// consent step and redirects to the client with a code or an error. The
// request is validated again; nothing is cached between the two calls.
func (p *Provider) Authorize(ctx context.Context, req *Request, consent *Consent) *Response {
	ctx, span := p.tracer.Start(ctx, "oauth.authorize")
	defer span.End()

	areq, aerr := p.validateAuthorization(ctx, req)
	if aerr != nil {
		instrumentation.SetSpanError(span, aerr.err.Code)
		return p.authorizationErrorResponse(aerr)
	}
	instrumentation.AddOAuthFlowAttributes(span, areq.Client.ClientID, "", util.FormatScope(areq.Scopes))

	code, err := p.issueCode(ctx, req, areq, consent)
	if err != nil {
		oerr := p.asOAuthError(ctx, "authorize", err)
		p.metrics.RecordAuthorizationRequest(ctx, areq.Client.ClientID, oerr.Code)
		instrumentation.SetSpanError(span, oerr.Code)
		return p.authorizationErrorResponse(&authorizationError{
			err:         oerr,
			redirectURI: areq.RedirectURI,
			state:       areq.State,
		})
	}

	p.metrics.RecordAuthorizationRequest(ctx, areq.Client.ClientID, "code")
	instrumentation.SetSpanSuccess(span)

	params := url.Values{"code": {code}}
	if areq.State != "" {
		params.Set("state", areq.State)
	}
	return redirectResponse(p.redirectWith(areq.RedirectURI, params))
}

func (p *Provider) validateAuthorization(ctx context.Context, req *Request) (*AuthorizationRequest, *authorizationError) {
	direct := func(oerr *OAuthError) *authorizationError {
		return &authorizationError{err: oerr}
	}

	params, oerr := req.params("client_id", "redirect_uri", "response_type", "scope",
		"state", "code_challenge", "code_challenge_method", "nonce")
	if oerr != nil {
		return nil, direct(oerr)
	}

	// Until the client and redirect URI are verified, errors are never
	// redirected.
	clientID := params["client_id"]
	if clientID == "" {
		return nil, direct(ErrInvalidRequest("client_id is required"))
	}
	client, err := p.adapter.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			p.metrics.RecordAuthorizationRequest(ctx, clientID, "invalid_client")
			return nil, direct(ErrInvalidRequest("Unknown client"))
		}
		return nil, direct(p.asOAuthError(ctx, "authorize", err))
	}

	redirectURI := params["redirect_uri"]
	if redirectURI == "" {
		return nil, direct(ErrInvalidRequest("redirect_uri is required"))
	}
	if !client.HasRedirectURI(redirectURI) {
		p.metrics.RecordAuthorizationRequest(ctx, clientID, "invalid_redirect")
		p.auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  clientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"redirect_uri": redirectURI,
			},
		})
		return nil, direct(ErrInvalidRequest("redirect_uri does not match a registered redirect URI"))
	}

	redirect := func(oerr *OAuthError) *authorizationError {
		p.metrics.RecordAuthorizationRequest(ctx, clientID, oerr.Code)
		return &authorizationError{err: oerr, redirectURI: redirectURI, state: params["state"]}
	}

	responseType := params["response_type"]
	switch {
	case responseType == "":
		return nil, redirect(ErrInvalidRequest("response_type is required"))
	case responseType != ResponseTypeCode || !client.HasResponseType(responseType):
		return nil, redirect(ErrUnsupportedResponseType("Unsupported response_type: " + responseType))
	case !p.grantEnabled(GrantTypeAuthorizationCode) || !client.HasGrantType(GrantTypeAuthorizationCode):
		return nil, redirect(ErrUnauthorizedClient("Client may not use the authorization code grant"))
	}

	scopes, oerr := p.resolveScopes(client, params["scope"])
	if oerr != nil {
		return nil, redirect(oerr)
	}

	if oerr := validateCodeChallenge(params["code_challenge"], params["code_challenge_method"]); oerr != nil {
		p.metrics.RecordPKCEValidationFailed(ctx, params["code_challenge_method"])
		return nil, redirect(oerr)
	}

	return &AuthorizationRequest{
		Client:              client,
		RedirectURI:         redirectURI,
		ResponseType:        responseType,
		Scopes:              scopes,
		State:               params["state"],
		CodeChallenge:       params["code_challenge"],
		CodeChallengeMethod: params["code_challenge_method"],
		Nonce:               params["nonce"],
	}, nil
}

// issueCode checks the consent and persists a new authorization code.
func (p *Provider) issueCode(ctx context.Context, req *Request, areq *AuthorizationRequest, consent *Consent) (string, error) {
	clientID := areq.Client.ClientID

	if consent == nil || consent.UserID == "" {
		p.auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationDenied,
			ClientID:  clientID,
			IPAddress: req.ClientIP,
		})
		return "", ErrAccessDenied("The resource owner denied the request")
	}

	if _, err := p.adapter.GetUser(ctx, consent.UserID); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return "", ErrAccessDenied("Unknown user")
		}
		return "", err
	}

	scopes := areq.Scopes
	if consent.Scopes != nil {
		if !util.IsSubset(consent.Scopes, areq.Scopes) {
			p.auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				UserID:    consent.UserID,
				ClientID:  clientID,
				IPAddress: req.ClientIP,
			})
			return "", ErrInvalidScope("Approved scopes exceed the requested scopes")
		}
		scopes = slices.Clone(consent.Scopes)
	}

	now := p.now()
	authTime := consent.AuthTime
	if authTime.IsZero() {
		authTime = now
	}

	code := oauth2.GenerateVerifier()
	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		UserID:              consent.UserID,
		RedirectURI:         areq.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       areq.CodeChallenge,
		CodeChallengeMethod: areq.CodeChallengeMethod,
		Nonce:               areq.Nonce,
		FamilyID:            uuid.NewString(),
		AuthTime:            authTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(secondsToDuration(p.config.AuthorizationCodeTTL)),
	}
	if err := p.adapter.SaveAuthorizationCode(ctx, record); err != nil {
		return "", err
	}

	p.auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    consent.UserID,
		ClientID:  clientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"scope": util.FormatScope(scopes),
		},
	})
	p.logger.DebugContext(ctx, "Issued authorization code",
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(code, 8))
	return code, nil
}

func (p *Provider) authorizationErrorResponse(aerr *authorizationError) *Response {
	if aerr.redirectURI == "" {
		return oauthErrorResponse(aerr.err)
	}
	params := url.Values{"error": {aerr.err.Code}}
	if aerr.err.Description != "" {
		params.Set("error_description", aerr.err.Description)
	}
	if aerr.state != "" {
		params.Set("state", aerr.state)
	}
	return redirectResponse(p.redirectWith(aerr.redirectURI, params))
}

// redirectWith adds params and the RFC 9207 iss parameter to redirectURI,
// keeping any query the registered URI already has.
func (p *Provider) redirectWith(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	q.Set("iss", p.config.Issuer)
	u.RawQuery = q.Encode()
	return u.String()
}
