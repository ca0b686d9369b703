package sqlstore

import (
	"strings"
	"time"

	"github.com/giantswarm/oauth-provider/storage"
)

// Lists are stored space-separated; none of their values may contain spaces.
func joinList(v []string) string { return strings.Join(v, " ") }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

type clientModel struct {
	ClientID                string `gorm:"primaryKey;size:255"`
	ClientSecretHash        string
	ClientType              string `gorm:"not null;size:32"`
	RedirectURIs            string
	TokenEndpointAuthMethod string `gorm:"not null;size:32"`
	GrantTypes              string
	ResponseTypes           string
	ClientName              string
	Scopes                  string
	CreatedAt               time.Time
}

func (clientModel) TableName() string { return "oauth_clients" }

func newClientModel(c *storage.Client) *clientModel {
	return &clientModel{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientType:              c.ClientType,
		RedirectURIs:            joinList(c.RedirectURIs),
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              joinList(c.GrantTypes),
		ResponseTypes:           joinList(c.ResponseTypes),
		ClientName:              c.ClientName,
		Scopes:                  joinList(c.Scopes),
		CreatedAt:               c.CreatedAt,
	}
}

func (m *clientModel) toStorage() *storage.Client {
	return &storage.Client{
		ClientID:                m.ClientID,
		ClientSecretHash:        m.ClientSecretHash,
		ClientType:              m.ClientType,
		RedirectURIs:            splitList(m.RedirectURIs),
		TokenEndpointAuthMethod: m.TokenEndpointAuthMethod,
		GrantTypes:              splitList(m.GrantTypes),
		ResponseTypes:           splitList(m.ResponseTypes),
		ClientName:              m.ClientName,
		Scopes:                  splitList(m.Scopes),
		CreatedAt:               m.CreatedAt,
	}
}

type userModel struct {
	ID            string `gorm:"primaryKey;size:255"`
	Email         string `gorm:"index"`
	EmailVerified bool
	Name          string
	Claims        map[string]any `gorm:"serializer:json"`
}

func (userModel) TableName() string { return "oauth_users" }

// codeModel stores authorization codes by SHA-256 hash. UsedAt is set by the
// single conditional UPDATE that consumes the code.
type codeModel struct {
	CodeHash            string `gorm:"primaryKey;size:64"`
	ClientID            string `gorm:"not null;index"`
	UserID              string `gorm:"not null"`
	RedirectURI         string `gorm:"not null"`
	Scopes              string
	CodeChallenge       string `gorm:"not null"`
	CodeChallengeMethod string `gorm:"not null;size:16"`
	Nonce               string
	FamilyID            string `gorm:"not null;index"`
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time `gorm:"index"`
	UsedAt              *time.Time
}

func (codeModel) TableName() string { return "oauth_authorization_codes" }

func (m *codeModel) toStorage(code string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            m.ClientID,
		UserID:              m.UserID,
		RedirectURI:         m.RedirectURI,
		Scopes:              splitList(m.Scopes),
		CodeChallenge:       m.CodeChallenge,
		CodeChallengeMethod: m.CodeChallengeMethod,
		Nonce:               m.Nonce,
		FamilyID:            m.FamilyID,
		AuthTime:            m.AuthTime,
		CreatedAt:           m.CreatedAt,
		ExpiresAt:           m.ExpiresAt,
		Used:                m.UsedAt != nil,
	}
}

type tokenModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Kind      string `gorm:"not null;size:32"`
	ClientID  string `gorm:"not null;index"`
	UserID    string `gorm:"index"`
	Scopes    string
	FamilyID  string `gorm:"index"`
	ParentID  string
	AuthTime  time.Time
	IssuedAt  time.Time
	ExpiresAt time.Time `gorm:"index"`
	Revoked   bool      `gorm:"not null;default:false"`
	Rotated   bool      `gorm:"not null;default:false"`
}

func (tokenModel) TableName() string { return "oauth_tokens" }

func newTokenModel(t *storage.Token) *tokenModel {
	return &tokenModel{
		ID:        t.ID,
		Kind:      t.Kind,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scopes:    joinList(t.Scopes),
		FamilyID:  t.FamilyID,
		ParentID:  t.ParentID,
		AuthTime:  t.AuthTime,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
		Revoked:   t.Revoked,
		Rotated:   t.Rotated,
	}
}

func (m *tokenModel) toStorage() *storage.Token {
	return &storage.Token{
		ID:        m.ID,
		Kind:      m.Kind,
		ClientID:  m.ClientID,
		UserID:    m.UserID,
		Scopes:    splitList(m.Scopes),
		FamilyID:  m.FamilyID,
		ParentID:  m.ParentID,
		AuthTime:  m.AuthTime,
		IssuedAt:  m.IssuedAt,
		ExpiresAt: m.ExpiresAt,
		Revoked:   m.Revoked,
		Rotated:   m.Rotated,
	}
}

type deviceModel struct {
	DeviceCodeHash string `gorm:"primaryKey;size:64"`
	UserCode       string `gorm:"uniqueIndex;not null;size:32"`
	ClientID       string `gorm:"not null;index"`
	Scopes         string
	Status         string `gorm:"not null;size:16"`
	UserID         string
	AuthTime       time.Time
	Interval       int64
	LastPolledAt   time.Time
	FamilyID       string `gorm:"not null"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
}

func (deviceModel) TableName() string { return "oauth_device_authorizations" }

func (m *deviceModel) toStorage(deviceCode string) *storage.DeviceAuthorization {
	return &storage.DeviceAuthorization{
		DeviceCode:   deviceCode,
		UserCode:     m.UserCode,
		ClientID:     m.ClientID,
		Scopes:       splitList(m.Scopes),
		Status:       storage.DeviceStatus(m.Status),
		UserID:       m.UserID,
		AuthTime:     m.AuthTime,
		Interval:     m.Interval,
		LastPolledAt: m.LastPolledAt,
		FamilyID:     m.FamilyID,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
	}
}
