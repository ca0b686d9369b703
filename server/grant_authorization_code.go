package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

type authorizationCodeGrant struct {
	p *Provider
}

func (g *authorizationCodeGrant) GrantType() string { return GrantTypeAuthorizationCode }

// Handle exchanges an authorization code (RFC 6749 §4.1.3, RFC 7636 §4.6).
//
// The code is consumed before any other check, so a code presented with a
// wrong verifier, client or redirect URI is burned. Every failure after
// parameter parsing returns the same invalid_grant.
func (g *authorizationCodeGrant) Handle(ctx context.Context, gr *GrantRequest) (*TokenResponse, error) {
	p := g.p
	params, oerr := gr.Request.params("code", "redirect_uri", "code_verifier")
	if oerr != nil {
		return nil, oerr
	}
	if params["code"] == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if params["code_verifier"] == "" {
		return nil, ErrInvalidRequest("code_verifier is required (PKCE)")
	}

	clientID := gr.Client.ClientID
	code, err := p.adapter.ConsumeAuthorizationCode(ctx, params["code"])
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		p.logger.DebugContext(ctx, "Unknown authorization code",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(params["code"], 8))
		return nil, ErrInvalidGrant()
	case errors.Is(err, storage.ErrAuthorizationCodeUsed):
		g.handleReplay(ctx, gr, code)
		return nil, ErrInvalidGrant()
	case err != nil:
		return nil, err
	}

	if p.expired(code.ExpiresAt) {
		p.logger.DebugContext(ctx, "Expired authorization code", "client_id", clientID)
		return nil, ErrInvalidGrant()
	}
	if code.ClientID != clientID {
		p.logger.WarnContext(ctx, "Authorization code presented by another client",
			"client_id", clientID,
			"code_client_id", code.ClientID)
		p.auditor.LogAuthFailure(code.UserID, clientID, gr.Request.ClientIP, "code_client_mismatch")
		return nil, ErrInvalidGrant()
	}
	if params["redirect_uri"] != code.RedirectURI {
		p.auditor.LogAuthFailure(code.UserID, clientID, gr.Request.ClientIP, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant()
	}
	if !verifyCodeVerifier(params["code_verifier"], code.CodeChallenge, code.CodeChallengeMethod) {
		p.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		p.logSecurityEvent(gr, security.Event{
			Type:   security.EventPKCEValidationFailed,
			UserID: code.UserID,
		})
		return nil, ErrInvalidGrant()
	}

	user, err := p.adapter.GetUser(ctx, code.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrInvalidGrant()
		}
		return nil, err
	}

	set, err := p.issuer.Issue(ctx, gr.Client, user, code.Scopes, GrantContext{
		GrantType:    GrantTypeAuthorizationCode,
		FamilyID:     code.FamilyID,
		Nonce:        code.Nonce,
		AuthTime:     code.AuthTime,
		IssueRefresh: p.refreshAllowed(gr.Client),
	})
	if err != nil {
		return nil, err
	}

	resp, err := p.finishIssue(ctx, gr, user.ID, GrantTypeAuthorizationCode, set)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordCodeExchange(ctx, clientID)
	return resp, nil
}

// handleReplay revokes the tokens minted from a code that is presented a
// second time.
func (g *authorizationCodeGrant) handleReplay(ctx context.Context, gr *GrantRequest, code *storage.AuthorizationCode) {
	p := g.p
	p.metrics.RecordCodeReuseDetected(ctx)

	var userID, familyID string
	if code != nil {
		userID, familyID = code.UserID, code.FamilyID
	}
	p.logger.WarnContext(ctx, "Authorization code reuse detected",
		"client_id", gr.Client.ClientID,
		"family_id", familyID)
	p.logSecurityEvent(gr, security.Event{
		Type:   security.EventAuthorizationCodeReuseDetected,
		UserID: userID,
		Details: map[string]any{
			"severity":  "critical",
			"family_id": familyID,
		},
	})

	if p.config.DisableCodeReuseRevocation {
		return
	}
	p.revokeFamily(ctx, familyID, userID, gr.Client.ClientID, gr.Request.ClientIP, "code_reuse")
}
