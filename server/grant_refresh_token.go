package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

type refreshTokenGrant struct {
	p *Provider
}

func (g *refreshTokenGrant) GrantType() string { return GrantTypeRefreshToken }

// Handle exchanges a refresh token (RFC 6749 §6) with rotation.
//
// Ownership, expiry and scope are checked on a read before the token is
// consumed, so a foreign client or an invalid scope never burns it. The
// consume itself is the synchronization point between concurrent refreshes.
func (g *refreshTokenGrant) Handle(ctx context.Context, gr *GrantRequest) (*TokenResponse, error) {
	p := g.p
	params, oerr := gr.Request.params("refresh_token", "scope")
	if oerr != nil {
		return nil, oerr
	}
	value := params["refresh_token"]
	if value == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	clientID := gr.Client.ClientID
	stored, err := p.adapter.GetToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			p.logger.DebugContext(ctx, "Unknown refresh token",
				"client_id", clientID,
				"token_prefix", util.SafeTruncate(value, 8))
			return nil, ErrInvalidGrant()
		}
		return nil, err
	}

	switch {
	case stored.Kind != storage.TokenKindRefresh:
		return nil, ErrInvalidGrant()
	case stored.ClientID != clientID:
		p.logger.WarnContext(ctx, "Refresh token presented by another client",
			"client_id", clientID,
			"token_client_id", stored.ClientID)
		p.auditor.LogAuthFailure(stored.UserID, clientID, gr.Request.ClientIP, "refresh_client_mismatch")
		return nil, ErrInvalidGrant()
	case stored.Revoked:
		return nil, ErrInvalidGrant()
	case stored.Rotated:
		g.handleReplay(ctx, gr, stored)
		return nil, ErrInvalidGrant()
	case !stored.IsActive(p.now()):
		return nil, ErrInvalidGrant()
	}

	scopes := stored.Scopes
	if requested := util.ParseScope(params["scope"]); len(requested) > 0 {
		if !util.IsSubset(requested, stored.Scopes) {
			p.logSecurityEvent(gr, security.Event{
				Type:   security.EventScopeEscalationAttempt,
				UserID: stored.UserID,
				Details: map[string]any{
					"requested": util.FormatScope(requested),
					"granted":   util.FormatScope(stored.Scopes),
				},
			})
			return nil, ErrInvalidScope("Requested scope exceeds the originally granted scope")
		}
		scopes = requested
	}

	var user *storage.User
	if stored.UserID != "" {
		user, err = p.adapter.GetUser(ctx, stored.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrUserNotFound) {
				return nil, ErrInvalidGrant()
			}
			return nil, err
		}
	}

	rotate := !p.config.DisableRefreshTokenRotation
	if rotate {
		if _, err := p.adapter.ConsumeRefreshToken(ctx, value); err != nil {
			switch {
			case errors.Is(err, storage.ErrTokenReused):
				// Lost the race to a concurrent refresh, or a replay.
				g.handleReplay(ctx, gr, stored)
				return nil, ErrInvalidGrant()
			case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenRevoked):
				return nil, ErrInvalidGrant()
			default:
				return nil, err
			}
		}
	}

	set, err := p.issuer.Issue(ctx, gr.Client, user, scopes, GrantContext{
		GrantType:    GrantTypeRefreshToken,
		FamilyID:     stored.FamilyID,
		ParentID:     stored.ID,
		AuthTime:     stored.AuthTime,
		IssueRefresh: rotate,
		// A rotated token keeps the scope of the one it replaces (RFC 6749 §6).
		RefreshScopes: stored.Scopes,
	})
	if err != nil {
		return nil, err
	}

	resp, err := p.finishIssue(ctx, gr, stored.UserID, GrantTypeRefreshToken, set)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordTokenRefresh(ctx, clientID, rotate)
	p.auditor.LogTokenRefreshed(stored.UserID, clientID, gr.Request.ClientIP, rotate)
	return resp, nil
}

// handleReplay revokes the family of a rotated refresh token presented
// again.
func (g *refreshTokenGrant) handleReplay(ctx context.Context, gr *GrantRequest, stored *storage.Token) {
	p := g.p
	p.metrics.RecordTokenReuseDetected(ctx)
	p.logger.ErrorContext(ctx, "Refresh token reuse detected",
		"client_id", gr.Client.ClientID,
		"family_id", stored.FamilyID)
	p.logSecurityEvent(gr, security.Event{
		Type:   security.EventRefreshTokenReuseDetected,
		UserID: stored.UserID,
		Details: map[string]any{
			"severity":  "critical",
			"family_id": stored.FamilyID,
		},
	})
	p.revokeFamily(ctx, stored.FamilyID, stored.UserID, gr.Client.ClientID, gr.Request.ClientIP, "refresh_reuse")
}
