package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-provider/storage"
)

// tokenJSON is the immutable part of a token record
type tokenJSON struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"`
	Scopes    []string  `json:"scopes"`
	FamilyID  string    `json:"family_id,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	AuthTime  time.Time `json:"auth_time"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	return &storage.Token{
		ID:        j.ID,
		Kind:      j.Kind,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scopes:    j.Scopes,
		FamilyID:  j.FamilyID,
		ParentID:  j.ParentID,
		AuthTime:  j.AuthTime,
		IssuedAt:  j.IssuedAt,
		ExpiresAt: j.ExpiresAt,
	}
}

// SaveToken stores a token record and indexes it under its family.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_token", err, start) }()

	if token == nil || token.ID == "" {
		err = fmt.Errorf("token ID cannot be empty")
		return err
	}

	data, err := json.Marshal(&tokenJSON{
		ID:        token.ID,
		Kind:      token.Kind,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scopes:    token.Scopes,
		FamilyID:  token.FamilyID,
		ParentID:  token.ParentID,
		AuthTime:  token.AuthTime,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
	})
	if err != nil {
		err = fmt.Errorf("failed to marshal token: %w", err)
		return err
	}

	keys := []string{s.tokenKey(token.ID)}
	if token.FamilyID != "" {
		keys = append(keys, s.familyKey(token.FamilyID))
	}

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveToken).Numkeys(int64(len(keys))).Key(keys...).
			Arg(string(data), token.Kind, strconv.FormatInt(ttlMillis(token.ExpiresAt), 10), token.ID).Build(),
	).Error()
	if err != nil {
		err = fmt.Errorf("failed to save token: %w", err)
		return err
	}

	// A record saved already revoked or rotated keeps that state.
	if token.Revoked || token.Rotated {
		err = s.client.Do(ctx, s.client.B().Hset().Key(keys[0]).FieldValue().
			FieldValue("revoked", boolFlag(token.Revoked)).
			FieldValue("rotated", boolFlag(token.Rotated)).Build()).Error()
	}
	return err
}

// GetToken returns the record for a raw token value.
func (s *Store) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_token", err, start) }()

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.tokenKey(storage.TokenID(value))).Build()).AsStrMap()
	if err != nil {
		err = fmt.Errorf("failed to get token: %w", err)
		return nil, err
	}
	if len(fields) == 0 {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	token, err := parseToken(fields["data"])
	if err != nil {
		return nil, err
	}
	token.Revoked = fields["revoked"] == "1"
	token.Rotated = fields["rotated"] == "1"
	return token, nil
}

// ConsumeRefreshToken atomically marks an active refresh token rotated.
func (s *Store) ConsumeRefreshToken(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, start) }()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeRefresh).Numkeys(1).Key(s.tokenKey(storage.TokenID(value))).Build(),
	).ToString()
	if err != nil {
		err = fmt.Errorf("failed to execute atomic refresh consume: %w", err)
		return nil, err
	}

	var sentinel error
	switch {
	case result == "NOT_FOUND":
		err = storage.ErrTokenNotFound
		return nil, err
	case strings.HasPrefix(result, "REVOKED:"):
		result, sentinel = strings.TrimPrefix(result, "REVOKED:"), storage.ErrTokenRevoked
	case strings.HasPrefix(result, "REUSED:"):
		result, sentinel = strings.TrimPrefix(result, "REUSED:"), storage.ErrTokenReused
	}

	token, perr := parseToken(result)
	if perr != nil {
		err = perr
		return nil, err
	}
	switch sentinel {
	case storage.ErrTokenRevoked:
		token.Revoked = true
	case storage.ErrTokenReused:
		token.Rotated = true
	}
	err = sentinel
	return token, err
}

// RevokeToken marks a single token revoked.
func (s *Store) RevokeToken(ctx context.Context, value string) error {
	err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).Numkeys(1).Key(s.tokenKey(storage.TokenID(value))).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// RevokeTokenFamily revokes every token of a family.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token_family", err, start) }()

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeFamily).Numkeys(1).Key(s.familyKey(familyID)).
			Arg(s.tokenKeyPrefix()).Build(),
	).AsInt64()
	if err != nil {
		err = fmt.Errorf("failed to revoke token family: %w", err)
		return 0, err
	}

	if n > 0 {
		s.logger.Warn("Revoked token family",
			"family_id", familyID,
			"revoked", n)
	}
	return int(n), nil
}

func parseToken(data string) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
