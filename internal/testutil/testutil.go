package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-provider/storage"
)

// Fixture identifiers and credentials.
const (
	ConfidentialClientID = "test-confidential"
	PublicClientID       = "test-public"
	DeviceClientID       = "test-device"
	ClientSecret         = "test-secret-value"
	RedirectURI          = "https://app.example.com/callback"
	UserID               = "user-123"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 PKCE challenge and verifier pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// HashSecret returns a bcrypt hash of secret at minimum cost.
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

// ConfidentialClient returns a client_secret_basic client allowed every
// grant except the device flow. Its secret is ClientSecret.
func ConfidentialClient(t testing.TB) *storage.Client {
	return &storage.Client{
		ClientID:                ConfidentialClientID,
		ClientSecretHash:        HashSecret(t, ClientSecret),
		ClientType:              storage.ClientTypeConfidential,
		RedirectURIs:            []string{RedirectURI},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Confidential Test Client",
		Scopes:                  []string{"openid", "profile", "email", "read", "write"},
		CreatedAt:               time.Now(),
	}
}

// PublicClient returns a client without a secret (token_endpoint_auth_method none).
func PublicClient() *storage.Client {
	return &storage.Client{
		ClientID:                PublicClientID,
		ClientType:              storage.ClientTypePublic,
		RedirectURIs:            []string{RedirectURI, "http://127.0.0.1:8765/cb"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Public Test Client",
		Scopes:                  []string{"openid", "profile", "read"},
		CreatedAt:               time.Now(),
	}
}

// DeviceClient returns a public client registered for the device flow.
func DeviceClient() *storage.Client {
	return &storage.Client{
		ClientID:                DeviceClientID,
		ClientType:              storage.ClientTypePublic,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"urn:ietf:params:oauth:grant-type:device_code", "refresh_token"},
		ClientName:              "Device Test Client",
		Scopes:                  []string{"openid", "read"},
		CreatedAt:               time.Now(),
	}
}

// TestUser returns the fixture resource owner.
func TestUser() *storage.User {
	return &storage.User{
		ID:            UserID,
		Email:         "user@example.com",
		EmailVerified: true,
		Name:          "Test User",
	}
}

// AuthorizationCode returns an unused code for the public client that
// expires ten minutes after now.
func AuthorizationCode(now time.Time) *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            PublicClientID,
		UserID:              UserID,
		RedirectURI:         RedirectURI,
		Scopes:              []string{"openid", "read"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		FamilyID:            GenerateRandomString(22),
		AuthTime:            now,
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// RefreshToken returns an active refresh token record for value.
func RefreshToken(value, familyID string, now time.Time) *storage.Token {
	return &storage.Token{
		ID:        storage.TokenID(value),
		Kind:      storage.TokenKindRefresh,
		ClientID:  PublicClientID,
		UserID:    UserID,
		Scopes:    []string{"openid", "read"},
		FamilyID:  familyID,
		AuthTime:  now,
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

// DeviceAuthorization returns a pending device authorization.
func DeviceAuthorization(now time.Time) *storage.DeviceAuthorization {
	return &storage.DeviceAuthorization{
		DeviceCode: GenerateRandomString(43),
		UserCode:   "BCDF-GHJK",
		ClientID:   DeviceClientID,
		Scopes:     []string{"read"},
		Status:     storage.DeviceStatusPending,
		Interval:   5,
		FamilyID:   GenerateRandomString(22),
		CreatedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	}
}
