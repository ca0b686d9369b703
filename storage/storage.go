package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"time"
)

// Client types
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token kinds. The values double as RFC 7009 token_type_hint values.
const (
	TokenKindAccess  = "access_token"
	TokenKindRefresh = "refresh_token"
)

// Sentinel errors returned by Adapter implementations. Callers use errors.Is.
var (
	ErrClientNotFound              = errors.New("client not found")
	ErrUserNotFound                = errors.New("user not found")
	ErrAuthorizationCodeNotFound   = errors.New("authorization code not found")
	ErrAuthorizationCodeUsed       = errors.New("authorization code already used")
	ErrTokenNotFound               = errors.New("token not found")
	ErrTokenRevoked                = errors.New("token revoked")
	ErrTokenReused                 = errors.New("refresh token already rotated")
	ErrDeviceAuthorizationNotFound = errors.New("device authorization not found")
	ErrDeviceAuthorizationNotReady = errors.New("device authorization not approved or already consumed")
)

// ClientStore looks up registered clients. Clients are created out-of-band
// and are read-only to the authorization server.
type ClientStore interface {
	// GetClient returns ErrClientNotFound when the client does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// UserStore looks up resource owners.
type UserStore interface {
	// GetUser returns ErrUserNotFound when the user does not exist.
	GetUser(ctx context.Context, userID string) (*User, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a freshly issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks a code as used and returns it.
	// Only ONE caller may ever succeed for a given code.
	//
	// Returns ErrAuthorizationCodeNotFound for unknown codes. For codes that
	// were already consumed it returns the stored code together with
	// ErrAuthorizationCodeUsed so the caller can revoke the token family.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists access and refresh token records. Tokens are keyed by
// TokenID(value); raw token values are never stored.
type TokenStore interface {
	// SaveToken stores a token record.
	SaveToken(ctx context.Context, token *Token) error

	// GetToken returns the record for a raw token value, or ErrTokenNotFound.
	// Revoked records are returned with Revoked set.
	GetToken(ctx context.Context, value string) (*Token, error)

	// ConsumeRefreshToken atomically marks an active refresh token as rotated
	// and returns it. Only ONE caller may ever succeed for a given token.
	//
	// Returns ErrTokenNotFound for unknown values, ErrTokenRevoked for revoked
	// tokens, and the stored record together with ErrTokenReused when the
	// token was already rotated (replay).
	ConsumeRefreshToken(ctx context.Context, value string) (*Token, error)

	// RevokeToken marks a single token revoked. Unknown values are not an error.
	RevokeToken(ctx context.Context, value string) error

	// RevokeTokenFamily revokes every token sharing familyID and returns how
	// many records were revoked.
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)
}

// DeviceStore persists RFC 8628 device authorizations.
type DeviceStore interface {
	// SaveDeviceAuthorization stores a new pending authorization.
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorization looks up an authorization by device code.
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// GetDeviceAuthorizationByUserCode looks up an authorization by user code.
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// RecordDevicePoll stores the poll time and the (possibly increased)
	// polling interval without touching the authorization status.
	RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval int64) error

	// ResolveDeviceAuthorization moves a pending authorization to approved or
	// denied. Returns ErrDeviceAuthorizationNotFound if no pending
	// authorization exists for userCode.
	ResolveDeviceAuthorization(ctx context.Context, userCode string, decision DeviceDecision) error

	// ConsumeDeviceAuthorization atomically moves an approved authorization
	// to consumed and returns it. Returns ErrDeviceAuthorizationNotReady when
	// it is not approved or was already consumed.
	ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
}

// StateStore is the mutable part of the Adapter.
type StateStore interface {
	CodeStore
	TokenStore
	DeviceStore
}

// Adapter is everything the authorization server core needs from storage.
type Adapter interface {
	ClientStore
	UserStore
	StateStore
}

// Composite assembles an Adapter from independent stores, typically a
// read-only registry for clients and users plus a StateStore.
type Composite struct {
	ClientStore
	UserStore
	StateStore
}

var _ Adapter = (*Composite)(nil)

// Compose builds an Adapter from its parts.
func Compose(clients ClientStore, users UserStore, state StateStore) *Composite {
	return &Composite{ClientStore: clients, UserStore: users, StateStore: state}
}

// TokenID derives the storage key for a raw token, code or device code.
func TokenID(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// IsPublic reports whether the client cannot keep a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
// No normalization is applied.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasGrantType reports whether the client may use grantType.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// HasResponseType reports whether the client may use responseType.
func (c *Client) HasResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// DisallowedScopes returns the requested scopes the client is not allowed.
func (c *Client) DisallowedScopes(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			out = append(out, s)
		}
	}
	return out
}

// User is a resource owner known to the Adapter.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	Claims        map[string]any
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	FamilyID            string // shared by every token minted from this code
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// IsExpired reports whether the code expired at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Token is the persisted record of an access or refresh token.
type Token struct {
	ID       string // TokenID(value)
	Kind     string
	ClientID string
	UserID   string // empty for client_credentials
	Scopes   []string
	FamilyID string
	ParentID string // ID of the refresh token this token was minted from
	AuthTime time.Time
	IssuedAt time.Time
	// ExpiresAt is absolute, computed once at issuance.
	ExpiresAt time.Time
	Revoked   bool
	Rotated   bool
}

// IsActive reports whether the token can still be used at now.
func (t *Token) IsActive(now time.Time) bool {
	return !t.Revoked && !t.Rotated && now.Before(t.ExpiresAt)
}

// DeviceStatus is the state of a device authorization.
type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
	DeviceStatusConsumed DeviceStatus = "consumed"
)

// DeviceAuthorization is a pending RFC 8628 device flow.
type DeviceAuthorization struct {
	DeviceCode   string
	UserCode     string
	ClientID     string
	Scopes       []string
	Status       DeviceStatus
	UserID       string
	AuthTime     time.Time
	Interval     int64 // seconds
	LastPolledAt time.Time
	FamilyID     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// IsExpired reports whether the device code expired at now.
func (d *DeviceAuthorization) IsExpired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// DeviceDecision is the verification UI's verdict on a device authorization.
type DeviceDecision struct {
	Approved bool
	UserID   string
	Scopes   []string
	AuthTime time.Time
}
