package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
)

// AuthMethod is a token endpoint client authentication method.
type AuthMethod string

// Supported client authentication methods.
const (
	AuthMethodNone  AuthMethod = "none"
	AuthMethodBasic AuthMethod = "client_secret_basic"
	AuthMethodPost  AuthMethod = "client_secret_post"
)

// dummySecretHash is compared against when the client does not exist so the
// response time does not reveal whether a client ID is registered.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy" //nolint:gosec // not a credential

// ClientAuthenticator verifies client credentials presented at the token,
// revocation, introspection and device authorization endpoints.
type ClientAuthenticator struct {
	clients storage.ClientStore
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewClientAuthenticator creates an authenticator backed by clients.
func NewClientAuthenticator(clients storage.ClientStore, logger *slog.Logger) *ClientAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientAuthenticator{clients: clients, logger: logger}
}

// credentials are what a request presented.
type credentials struct {
	clientID string
	secret   string
	method   AuthMethod
}

// HasBasicAuth reports whether the request carries HTTP Basic credentials.
func (r *Request) HasBasicAuth() bool {
	scheme, _, ok := strings.Cut(r.header("Authorization"), " ")
	return ok && strings.EqualFold(scheme, "Basic")
}

// extractCredentials finds the single authentication method used by req.
func extractCredentials(req *Request) (*credentials, *OAuthError) {
	formID, oerr := req.param("client_id")
	if oerr != nil {
		return nil, oerr
	}
	formSecret, oerr := req.param("client_secret")
	if oerr != nil {
		return nil, oerr
	}

	if req.HasBasicAuth() {
		_, encoded, _ := strings.Cut(req.header("Authorization"), " ")
		id, secret, ok := decodeBasicAuth(strings.TrimSpace(encoded))
		if !ok {
			return nil, ErrInvalidClient()
		}
		// A secret in the body as well is a second method.
		if formSecret != "" || (formID != "" && formID != id) {
			return nil, ErrInvalidClient()
		}
		return &credentials{clientID: id, secret: secret, method: AuthMethodBasic}, nil
	}

	if formID == "" {
		return nil, ErrInvalidClient()
	}
	if formSecret != "" {
		return &credentials{clientID: formID, secret: formSecret, method: AuthMethodPost}, nil
	}
	return &credentials{clientID: formID, method: AuthMethodNone}, nil
}

// decodeBasicAuth decodes RFC 6749 §2.3.1 Basic credentials, whose parts
// are form-urlencoded before base64 encoding.
func decodeBasicAuth(encoded string) (string, string, bool) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	rawID, rawSecret, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", false
	}
	id, err := url.QueryUnescape(rawID)
	if err != nil || id == "" {
		return "", "", false
	}
	secret, err := url.QueryUnescape(rawSecret)
	if err != nil {
		return "", "", false
	}
	return id, secret, true
}

// registeredMethod returns the method a client must authenticate with.
func registeredMethod(c *storage.Client) AuthMethod {
	if c.TokenEndpointAuthMethod != "" {
		return AuthMethod(c.TokenEndpointAuthMethod)
	}
	if c.IsPublic() {
		return AuthMethodNone
	}
	return AuthMethodBasic
}

// Authenticate verifies the client credentials in req. Every credential
// failure is reported as invalid_client; adapter failures are returned as
// plain errors.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, req *Request) (*storage.Client, AuthMethod, error) {
	creds, oerr := extractCredentials(req)
	if oerr != nil {
		if oerr.Code == ErrorCodeInvalidClient {
			a.fail(ctx, "", "malformed_credentials")
		}
		return nil, "", oerr
	}

	client, err := a.clients.GetClient(ctx, creds.clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, creds.method, err
		}
		if creds.secret != "" {
			_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(creds.secret))
		}
		// Unknown clients are challenged like confidential ones, which
		// default to HTTP Basic.
		oerr := a.fail(ctx, creds.clientID, "unknown_client")
		oerr.basicChallenge = creds.method != AuthMethodNone
		return nil, creds.method, oerr
	}

	registered := registeredMethod(client)
	if registered != creds.method {
		oerr := a.fail(ctx, client.ClientID, "auth_method_mismatch")
		oerr.basicChallenge = registered == AuthMethodBasic
		return nil, creds.method, oerr
	}

	if creds.method != AuthMethodNone {
		if client.ClientSecretHash == "" ||
			bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(creds.secret)) != nil {
			oerr := a.fail(ctx, client.ClientID, "invalid_secret")
			oerr.basicChallenge = registered == AuthMethodBasic
			return nil, creds.method, oerr
		}
	} else if !client.IsPublic() {
		oerr := a.fail(ctx, client.ClientID, "confidential_without_secret")
		oerr.basicChallenge = true
		return nil, creds.method, oerr
	}

	return client, creds.method, nil
}

func (a *ClientAuthenticator) fail(ctx context.Context, clientID, reason string) *OAuthError {
	a.logger.DebugContext(ctx, "Client authentication failed",
		"client_id", clientID,
		"reason", reason)
	if a.metrics != nil {
		a.metrics.RecordClientAuthFailed(ctx, reason)
	}
	return ErrInvalidClient()
}
