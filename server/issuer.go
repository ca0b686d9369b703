package server

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

// JWT typ headers.
const (
	AccessTokenType = "at+jwt" // RFC 9068
	IDTokenType     = "JWT"
)

// GrantContext carries what a grant knows about the tokens to mint.
type GrantContext struct {
	GrantType string
	FamilyID  string
	ParentID  string // token ID of the refresh token being exchanged
	Nonce     string
	AuthTime  time.Time

	// IssueRefresh requests a refresh token.
	IssueRefresh bool

	// RefreshScopes is the scope of the refresh token when it differs from
	// the access token, as on a narrowed refresh. Nil uses the access scope.
	RefreshScopes []string
}

// TokenSet is the result of TokenIssuer.Issue. The records are for the
// caller to persist; the issuer performs no storage I/O.
type TokenSet struct {
	AccessToken        string
	AccessTokenRecord  *storage.Token
	RefreshToken       string
	RefreshTokenRecord *storage.Token
	IDToken            string
	Scopes             []string
	ExpiresIn          int64
}

// TokenResponse is the token endpoint success body (RFC 6749 §5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenIssuer mints access, refresh and ID tokens.
type TokenIssuer struct {
	keys       KeyProvider
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	idTTL      time.Duration
	oidc       bool
	now        func() time.Time
}

// NewTokenIssuer creates an issuer with the lifespans from config.
func NewTokenIssuer(keys KeyProvider, config *Config, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		keys:       keys,
		issuer:     config.Issuer,
		audience:   config.Audience,
		accessTTL:  secondsToDuration(config.AccessTokenTTL),
		refreshTTL: secondsToDuration(config.RefreshTokenTTL),
		idTTL:      secondsToDuration(config.IDTokenTTL),
		oidc:       !config.DisableOIDC,
		now:        now,
	}
}

// Issue mints tokens for client. user is nil for client_credentials. An ID
// token is minted when OIDC is enabled, a user is present and openid was
// granted.
func (i *TokenIssuer) Issue(ctx context.Context, client *storage.Client, user *storage.User, scopes []string, gc GrantContext) (*TokenSet, error) {
	now := i.now()
	accessExp := now.Add(i.accessTTL)

	subject := client.ClientID
	userID := ""
	if user != nil {
		subject = user.ID
		userID = user.ID
	}

	familyID := gc.FamilyID
	if familyID == "" {
		familyID = uuid.NewString()
	}

	claims := map[string]any{
		"iss":       i.issuer,
		"sub":       subject,
		"aud":       i.audience,
		"client_id": client.ClientID,
		"iat":       now.Unix(),
		"exp":       accessExp.Unix(),
		"jti":       uuid.NewString(),
	}
	if len(scopes) > 0 {
		claims["scope"] = util.FormatScope(scopes)
	}
	if user != nil && !gc.AuthTime.IsZero() {
		claims["auth_time"] = gc.AuthTime.Unix()
	}

	access, err := i.keys.Sign(ctx, claims, AccessTokenType)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	set := &TokenSet{
		AccessToken: access,
		AccessTokenRecord: &storage.Token{
			ID:        storage.TokenID(access),
			Kind:      storage.TokenKindAccess,
			ClientID:  client.ClientID,
			UserID:    userID,
			Scopes:    slices.Clone(scopes),
			FamilyID:  familyID,
			ParentID:  gc.ParentID,
			AuthTime:  gc.AuthTime,
			IssuedAt:  now,
			ExpiresAt: accessExp,
		},
		Scopes:    slices.Clone(scopes),
		ExpiresIn: int64(i.accessTTL / time.Second),
	}

	if gc.IssueRefresh {
		refreshScopes := scopes
		if gc.RefreshScopes != nil {
			refreshScopes = gc.RefreshScopes
		}
		refresh := oauth2.GenerateVerifier()
		set.RefreshToken = refresh
		set.RefreshTokenRecord = &storage.Token{
			ID:        storage.TokenID(refresh),
			Kind:      storage.TokenKindRefresh,
			ClientID:  client.ClientID,
			UserID:    userID,
			Scopes:    slices.Clone(refreshScopes),
			FamilyID:  familyID,
			ParentID:  gc.ParentID,
			AuthTime:  gc.AuthTime,
			IssuedAt:  now,
			ExpiresAt: now.Add(i.refreshTTL),
		}
	}

	if i.oidc && user != nil && slices.Contains(scopes, ScopeOpenID) {
		idToken, err := i.signIDToken(ctx, client, user, scopes, gc, now)
		if err != nil {
			return nil, err
		}
		set.IDToken = idToken
	}

	return set, nil
}

func (i *TokenIssuer) signIDToken(ctx context.Context, client *storage.Client, user *storage.User, scopes []string, gc GrantContext, now time.Time) (string, error) {
	claims := map[string]any{
		"iss": i.issuer,
		"sub": user.ID,
		"aud": client.ClientID,
		"azp": client.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(i.idTTL).Unix(),
	}
	if !gc.AuthTime.IsZero() {
		claims["auth_time"] = gc.AuthTime.Unix()
	}
	if gc.Nonce != "" {
		claims["nonce"] = gc.Nonce
	}
	if slices.Contains(scopes, ScopeEmail) && user.Email != "" {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	if slices.Contains(scopes, ScopeProfile) {
		if user.Name != "" {
			claims["name"] = user.Name
		}
		for k, v := range user.Claims {
			if _, reserved := claims[k]; !reserved {
				claims[k] = v
			}
		}
	}

	signed, err := i.keys.Sign(ctx, claims, IDTokenType)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, nil
}

// Response renders the token endpoint body for set.
func (s *TokenSet) Response() *TokenResponse {
	return &TokenResponse{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.ExpiresIn,
		RefreshToken: s.RefreshToken,
		Scope:        util.FormatScope(s.Scopes),
		IDToken:      s.IDToken,
	}
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
