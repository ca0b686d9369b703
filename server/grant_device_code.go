package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-provider/storage"
)

// slowDownIncrement is added to the polling interval on every slow_down
// (RFC 8628 §3.5).
const slowDownIncrement = 5

type deviceCodeGrant struct {
	p *Provider
}

func (g *deviceCodeGrant) GrantType() string { return GrantTypeDeviceCode }

// Handle answers a device polling request (RFC 8628 §3.4).
func (g *deviceCodeGrant) Handle(ctx context.Context, gr *GrantRequest) (*TokenResponse, error) {
	p := g.p
	deviceCode, oerr := gr.Request.param("device_code")
	if oerr != nil {
		return nil, oerr
	}
	if deviceCode == "" {
		return nil, ErrInvalidRequest("device_code is required")
	}

	clientID := gr.Client.ClientID
	auth, err := p.adapter.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			p.metrics.RecordDevicePoll(ctx, ErrorCodeInvalidGrant)
			return nil, ErrInvalidGrant()
		}
		return nil, err
	}
	if auth.ClientID != clientID {
		p.logger.WarnContext(ctx, "Device code presented by another client",
			"client_id", clientID,
			"device_client_id", auth.ClientID)
		p.metrics.RecordDevicePoll(ctx, ErrorCodeInvalidGrant)
		return nil, ErrInvalidGrant()
	}
	if p.expired(auth.ExpiresAt) {
		p.metrics.RecordDevicePoll(ctx, ErrorCodeExpiredToken)
		return nil, ErrExpiredToken()
	}

	switch auth.Status {
	case storage.DeviceStatusConsumed:
		p.metrics.RecordDevicePoll(ctx, ErrorCodeInvalidGrant)
		return nil, ErrInvalidGrant()
	case storage.DeviceStatusDenied:
		p.metrics.RecordDevicePoll(ctx, ErrorCodeAccessDenied)
		return nil, ErrAccessDenied("The user denied the device authorization")
	}

	now := p.now()
	interval := auth.Interval
	if interval <= 0 {
		interval = p.config.DevicePollInterval
	}
	if !auth.LastPolledAt.IsZero() && now.Before(auth.LastPolledAt.Add(secondsToDuration(interval))) {
		interval += slowDownIncrement
		if err := p.adapter.RecordDevicePoll(ctx, deviceCode, now, interval); err != nil {
			return nil, err
		}
		p.metrics.RecordDevicePoll(ctx, ErrorCodeSlowDown)
		return nil, ErrSlowDown()
	}
	if err := p.adapter.RecordDevicePoll(ctx, deviceCode, now, interval); err != nil {
		return nil, err
	}

	if auth.Status == storage.DeviceStatusPending {
		p.metrics.RecordDevicePoll(ctx, ErrorCodeAuthorizationPending)
		return nil, ErrAuthorizationPending()
	}

	approved, err := p.adapter.ConsumeDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotReady) || errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			p.metrics.RecordDevicePoll(ctx, ErrorCodeInvalidGrant)
			return nil, ErrInvalidGrant()
		}
		return nil, err
	}

	user, err := p.adapter.GetUser(ctx, approved.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrInvalidGrant()
		}
		return nil, err
	}

	set, err := p.issuer.Issue(ctx, gr.Client, user, approved.Scopes, GrantContext{
		GrantType:    GrantTypeDeviceCode,
		FamilyID:     approved.FamilyID,
		AuthTime:     approved.AuthTime,
		IssueRefresh: p.refreshAllowed(gr.Client),
	})
	if err != nil {
		return nil, err
	}

	resp, err := p.finishIssue(ctx, gr, user.ID, GrantTypeDeviceCode, set)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordDevicePoll(ctx, "issued")
	return resp, nil
}
