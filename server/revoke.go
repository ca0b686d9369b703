package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// Revoke handles a revocation request (RFC 7009). Unknown tokens, tokens of
// other clients and tokens already revoked all get the same 200 response.
func (p *Provider) Revoke(ctx context.Context, req *Request) *Response {
	ctx, span := p.tracer.Start(ctx, "oauth.revoke")
	defer span.End()

	if err := p.revoke(ctx, req); err != nil {
		oerr := p.asOAuthError(ctx, "revoke", err)
		instrumentation.SetSpanError(span, oerr.Code)
		return p.clientErrorResponse(req, oerr)
	}

	instrumentation.SetSpanSuccess(span)
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Cache-Control": {"no-store"}},
	}
}

func (p *Provider) revoke(ctx context.Context, req *Request) error {
	if req.Method != "" && req.Method != http.MethodPost {
		return ErrInvalidRequest("The revocation endpoint requires POST")
	}

	client, _, err := p.auth.Authenticate(ctx, req)
	if err != nil {
		return err
	}

	params, oerr := req.params("token", "token_type_hint")
	if oerr != nil {
		return oerr
	}
	value := params["token"]
	if value == "" {
		return ErrInvalidRequest("token is required")
	}

	// token_type_hint is advisory; the record knows its kind.
	stored, err := p.adapter.GetToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			p.logger.DebugContext(ctx, "Revocation of unknown token",
				"client_id", client.ClientID,
				"token_prefix", util.SafeTruncate(value, 8))
			return nil
		}
		return err
	}
	if stored.ClientID != client.ClientID {
		p.logger.WarnContext(ctx, "Client tried to revoke another client's token",
			"client_id", client.ClientID,
			"token_client_id", stored.ClientID)
		return nil
	}

	cascaded := 0
	if stored.Kind == storage.TokenKindRefresh && !p.config.DisableRevocationCascade {
		cascaded, err = p.adapter.RevokeTokenFamily(ctx, stored.FamilyID)
		if err != nil {
			return fmt.Errorf("failed to revoke token family: %w", err)
		}
	} else if err := p.adapter.RevokeToken(ctx, value); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	p.metrics.RecordTokenRevocation(ctx, client.ClientID, stored.Kind)
	p.auditor.LogTokenRevoked(stored.UserID, client.ClientID, req.ClientIP, stored.Kind, cascaded)
	return nil
}
