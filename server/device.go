package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// User codes are eight characters from a vowel-free alphabet, shown as
// XXXX-XXXX (RFC 8628 §6.1).
const (
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength   = 8

	maxUserCodeAttempts = 3
)

// DeviceAuthorizationResponse is the device authorization endpoint body
// (RFC 8628 §3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// DeviceAuthorize starts a device flow (RFC 8628 §3.1).
func (p *Provider) DeviceAuthorize(ctx context.Context, req *Request) *Response {
	ctx, span := p.tracer.Start(ctx, "oauth.device_authorization")
	defer span.End()

	resp, err := p.deviceAuthorize(ctx, req)
	if err != nil {
		oerr := p.asOAuthError(ctx, "device_authorization", err)
		p.metrics.RecordDeviceAuthorization(ctx, oerr.Code)
		instrumentation.SetSpanError(span, oerr.Code)
		return p.clientErrorResponse(req, oerr)
	}

	p.metrics.RecordDeviceAuthorization(ctx, "started")
	instrumentation.SetSpanSuccess(span)
	return jsonResponse(http.StatusOK, resp)
}

func (p *Provider) deviceAuthorize(ctx context.Context, req *Request) (*DeviceAuthorizationResponse, error) {
	if req.Method != "" && req.Method != http.MethodPost {
		return nil, ErrInvalidRequest("The device authorization endpoint requires POST")
	}
	if !p.grantEnabled(GrantTypeDeviceCode) {
		return nil, ErrUnsupportedGrantType("The device code grant is not enabled")
	}

	client, _, err := p.auth.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantTypeDeviceCode) {
		return nil, ErrUnauthorizedClient("Client may not use the device code grant")
	}

	scope, oerr := req.param("scope")
	if oerr != nil {
		return nil, oerr
	}
	scopes, oerr := p.resolveScopes(client, scope)
	if oerr != nil {
		return nil, oerr
	}

	now := p.now()
	auth := &storage.DeviceAuthorization{
		DeviceCode: oauth2.GenerateVerifier(),
		ClientID:   client.ClientID,
		Scopes:     scopes,
		Status:     storage.DeviceStatusPending,
		Interval:   p.config.DevicePollInterval,
		FamilyID:   uuid.NewString(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(secondsToDuration(p.config.DeviceCodeTTL)),
	}

	var saveErr error
	for attempt := 0; attempt < maxUserCodeAttempts; attempt++ {
		auth.UserCode, err = generateUserCode()
		if err != nil {
			return nil, err
		}
		if saveErr = p.adapter.SaveDeviceAuthorization(ctx, auth); saveErr == nil {
			break
		}
		p.logger.DebugContext(ctx, "Retrying device authorization save", "error", saveErr)
	}
	if saveErr != nil {
		return nil, fmt.Errorf("failed to save device authorization: %w", saveErr)
	}

	p.auditor.LogEvent(security.Event{
		Type:      security.EventDeviceAuthorizationStarted,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"scope": util.FormatScope(scopes),
		},
	})

	verificationURI := p.config.endpointURL(p.config.Endpoints.DeviceVerification)
	return &DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?" + url.Values{"user_code": {auth.UserCode}}.Encode(),
		ExpiresIn:               p.config.DeviceCodeTTL,
		Interval:                auth.Interval,
	}, nil
}

// LookupDevice returns the pending device authorization for a user code,
// for the verification UI to show what is being approved.
func (p *Provider) LookupDevice(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	code, ok := NormalizeUserCode(userCode)
	if !ok {
		return nil, ErrInvalidRequest("Malformed user code")
	}
	auth, err := p.adapter.GetDeviceAuthorizationByUserCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			return nil, ErrInvalidGrant()
		}
		return nil, err
	}
	if auth.Status != storage.DeviceStatusPending {
		return nil, ErrInvalidGrant()
	}
	if p.expired(auth.ExpiresAt) {
		return nil, ErrExpiredToken()
	}
	return auth, nil
}

// ApproveDevice records the user's approval of a device authorization.
// consent.Scopes, when set, must be a subset of the requested scopes.
func (p *Provider) ApproveDevice(ctx context.Context, userCode string, consent *Consent) error {
	auth, err := p.LookupDevice(ctx, userCode)
	if err != nil {
		return err
	}
	if consent == nil || consent.UserID == "" {
		return ErrAccessDenied("The resource owner is not authenticated")
	}
	if _, err := p.adapter.GetUser(ctx, consent.UserID); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return ErrAccessDenied("Unknown user")
		}
		return err
	}

	scopes := auth.Scopes
	if consent.Scopes != nil {
		if !util.IsSubset(consent.Scopes, auth.Scopes) {
			p.auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   consent.UserID,
				ClientID: auth.ClientID,
			})
			return ErrInvalidScope("Approved scopes exceed the requested scopes")
		}
		scopes = slices.Clone(consent.Scopes)
	}

	authTime := consent.AuthTime
	if authTime.IsZero() {
		authTime = p.now()
	}
	err = p.adapter.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceDecision{
		Approved: true,
		UserID:   consent.UserID,
		Scopes:   scopes,
		AuthTime: authTime,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			return ErrInvalidGrant()
		}
		return err
	}

	p.metrics.RecordDeviceAuthorization(ctx, "approved")
	p.auditor.LogEvent(security.Event{
		Type:     security.EventDeviceAuthorizationApproved,
		UserID:   consent.UserID,
		ClientID: auth.ClientID,
		Details: map[string]any{
			"scope": util.FormatScope(scopes),
		},
	})
	return nil
}

// DenyDevice records that the user declined a device authorization.
func (p *Provider) DenyDevice(ctx context.Context, userCode string) error {
	auth, err := p.LookupDevice(ctx, userCode)
	if err != nil {
		return err
	}
	err = p.adapter.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceDecision{Approved: false})
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			return ErrInvalidGrant()
		}
		return err
	}

	p.metrics.RecordDeviceAuthorization(ctx, "denied")
	p.auditor.LogEvent(security.Event{
		Type:     security.EventDeviceAuthorizationDenied,
		ClientID: auth.ClientID,
	})
	return nil
}

// NormalizeUserCode uppercases a user code typed by a person and restores
// the XXXX-XXXX form. Dashes and spaces are ignored.
func NormalizeUserCode(input string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		switch {
		case r == '-' || r == ' ':
			continue
		case strings.ContainsRune(userCodeAlphabet, r):
			b.WriteRune(r)
		default:
			return "", false
		}
	}
	code := b.String()
	if len(code) != userCodeLength {
		return "", false
	}
	return code[:4] + "-" + code[4:], true
}

func generateUserCode() (string, error) {
	size := big.NewInt(int64(len(userCodeAlphabet)))
	buf := make([]byte, 0, userCodeLength+1)
	for i := 0; i < userCodeLength; i++ {
		if i == userCodeLength/2 {
			buf = append(buf, '-')
		}
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		buf = append(buf, userCodeAlphabet[n.Int64()])
	}
	return string(buf), nil
}
