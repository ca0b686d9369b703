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

// authorizationCodeJSON is the immutable part of an authorization code
type authorizationCodeJSON struct {
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Nonce               string    `json:"nonce,omitempty"`
	FamilyID            string    `json:"family_id"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scopes:              j.Scopes,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Nonce:               j.Nonce,
		FamilyID:            j.FamilyID,
		AuthTime:            j.AuthTime,
		CreatedAt:           j.CreatedAt,
		ExpiresAt:           j.ExpiresAt,
	}
}

// deviceJSON is the immutable part of a device authorization
type deviceJSON struct {
	UserCode  string    `json:"user_code"`
	ClientID  string    `json:"client_id"`
	FamilyID  string    `json:"family_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores a code until its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, start) }()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code cannot be empty")
		return err
	}

	data, err := json.Marshal(&authorizationCodeJSON{
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scopes:              code.Scopes,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Nonce:               code.Nonce,
		FamilyID:            code.FamilyID,
		AuthTime:            code.AuthTime,
		CreatedAt:           code.CreatedAt,
		ExpiresAt:           code.ExpiresAt,
	})
	if err != nil {
		err = fmt.Errorf("failed to marshal authorization code: %w", err)
		return err
	}

	key := s.codeKey(code.Code)
	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Hset().Key(key).FieldValue().FieldValue("data", string(data)).FieldValue("used", "0").Build(),
		s.client.B().Expire().Key(key).Seconds(ttlSeconds(code.ExpiresAt)).Build(),
	) {
		if err = resp.Error(); err != nil {
			err = fmt.Errorf("failed to save authorization code: %w", err)
			return err
		}
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks a code used and returns it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, start) }()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeCode).Numkeys(1).Key(s.codeKey(code)).Build(),
	).ToString()
	if err != nil {
		err = fmt.Errorf("failed to execute atomic code consume: %w", err)
		return nil, err
	}

	if result == "NOT_FOUND" {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	used := strings.HasPrefix(result, "ALREADY_USED:")
	var j authorizationCodeJSON
	if jerr := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); jerr != nil {
		err = fmt.Errorf("failed to parse authorization code: %w", jerr)
		return nil, err
	}

	out := fromAuthorizationCodeJSON(&j)
	out.Code = code
	if used {
		out.Used = true
		err = storage.ErrAuthorizationCodeUsed
		return out, err
	}
	return out, nil
}

// ============================================================
// DeviceStore
// ============================================================

// SaveDeviceAuthorization stores a pending device authorization and its user
// code index.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("device code and user code are required")
	}

	data, err := json.Marshal(&deviceJSON{
		UserCode:  auth.UserCode,
		ClientID:  auth.ClientID,
		FamilyID:  auth.FamilyID,
		CreatedAt: auth.CreatedAt,
		ExpiresAt: auth.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}
	scopes, err := json.Marshal(auth.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	id := storage.TokenID(auth.DeviceCode)
	ttl := ttlSeconds(auth.ExpiresAt)

	// Claim the user code first so a collision never overwrites another flow.
	claimed, err := s.client.Do(ctx,
		s.client.B().Set().Key(s.userCodeKey(auth.UserCode)).Value(id).Nx().ExSeconds(ttl).Build(),
	).ToString()
	if err != nil && !isNilError(err) {
		return fmt.Errorf("failed to save user code: %w", err)
	}
	if claimed != "OK" {
		return fmt.Errorf("user code collision")
	}

	key := s.deviceKeyPrefix() + id
	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Hset().Key(key).FieldValue().
			FieldValue("data", string(data)).
			FieldValue("status", string(storage.DeviceStatusPending)).
			FieldValue("scopes", string(scopes)).
			FieldValue("interval", strconv.FormatInt(auth.Interval, 10)).
			FieldValue("last_polled_at", formatNanos(auth.LastPolledAt)).
			FieldValue("user_id", "").
			FieldValue("auth_time", "0").
			Build(),
		s.client.B().Expire().Key(key).Seconds(ttl).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save device authorization: %w", err)
		}
	}
	return nil
}

// GetDeviceAuthorization looks up a device authorization by device code.
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	auth, err := s.loadDevice(ctx, storage.TokenID(deviceCode))
	if err != nil {
		return nil, err
	}
	auth.DeviceCode = deviceCode
	return auth, nil
}

// GetDeviceAuthorizationByUserCode looks up a device authorization by user
// code. The returned record carries no device code.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrDeviceAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to get user code: %w", err)
	}
	return s.loadDevice(ctx, id)
}

// RecordDevicePoll stores the poll time and interval.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval int64) error {
	key := s.deviceKeyPrefix() + storage.TokenID(deviceCode)
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRecordPoll).Numkeys(1).Key(key).
			Arg(formatNanos(polledAt), strconv.FormatInt(interval, 10)).Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to record device poll: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrDeviceAuthorizationNotFound
	}
	return nil
}

// ResolveDeviceAuthorization approves or denies a pending authorization.
func (s *Store) ResolveDeviceAuthorization(ctx context.Context, userCode string, decision storage.DeviceDecision) error {
	approved, scopes := "0", ""
	if decision.Approved {
		approved = "1"
		if decision.Scopes != nil {
			b, err := json.Marshal(decision.Scopes)
			if err != nil {
				return fmt.Errorf("failed to marshal scopes: %w", err)
			}
			scopes = string(b)
		}
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaResolveDevice).Numkeys(1).Key(s.userCodeKey(userCode)).
			Arg(s.deviceKeyPrefix(), approved, decision.UserID, formatNanos(decision.AuthTime), scopes).Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to resolve device authorization: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrDeviceAuthorizationNotFound
	}
	return nil
}

// ConsumeDeviceAuthorization atomically moves an approved authorization to
// consumed.
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_device_authorization")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_device_authorization", err, start) }()

	id := storage.TokenID(deviceCode)
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeDevice).Numkeys(1).Key(s.deviceKeyPrefix()+id).Build(),
	).ToString()
	if err != nil {
		err = fmt.Errorf("failed to consume device authorization: %w", err)
		return nil, err
	}

	switch result {
	case "NOT_FOUND":
		err = storage.ErrDeviceAuthorizationNotFound
		return nil, err
	case "NOT_READY":
		err = storage.ErrDeviceAuthorizationNotReady
		return nil, err
	}

	auth, err := s.loadDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	auth.DeviceCode = deviceCode
	return auth, nil
}

func (s *Store) loadDevice(ctx context.Context, id string) (*storage.DeviceAuthorization, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.deviceKeyPrefix()+id).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get device authorization: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}

	var j deviceJSON
	if err := json.Unmarshal([]byte(fields["data"]), &j); err != nil {
		return nil, fmt.Errorf("failed to parse device authorization: %w", err)
	}
	var scopes []string
	if err := json.Unmarshal([]byte(fields["scopes"]), &scopes); err != nil {
		return nil, fmt.Errorf("failed to parse device scopes: %w", err)
	}
	interval, _ := strconv.ParseInt(fields["interval"], 10, 64)

	return &storage.DeviceAuthorization{
		UserCode:     j.UserCode,
		ClientID:     j.ClientID,
		Scopes:       scopes,
		Status:       storage.DeviceStatus(fields["status"]),
		UserID:       fields["user_id"],
		AuthTime:     parseNanos(fields["auth_time"]),
		Interval:     interval,
		LastPolledAt: parseNanos(fields["last_polled_at"]),
		FamilyID:     j.FamilyID,
		CreatedAt:    j.CreatedAt,
		ExpiresAt:    j.ExpiresAt,
	}, nil
}
