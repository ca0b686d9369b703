// Package storagetest holds a behavioural test suite shared by every
// storage.StateStore implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
)

// Factory returns an empty StateStore for one subtest. Cleanup is registered
// on t by the factory.
type Factory func(t *testing.T) storage.StateStore

// RunStateStore exercises the consume-once and revocation guarantees the
// authorization server relies on.
func RunStateStore(t *testing.T, factory Factory) {
	t.Run("AuthorizationCodeConsumeOnce", func(t *testing.T) { testCodeConsumeOnce(t, factory(t)) })
	t.Run("AuthorizationCodeNotFound", func(t *testing.T) { testCodeNotFound(t, factory(t)) })
	t.Run("AuthorizationCodeConcurrentConsume", func(t *testing.T) { testCodeConcurrentConsume(t, factory(t)) })
	t.Run("RefreshTokenRotation", func(t *testing.T) { testRefreshRotation(t, factory(t)) })
	t.Run("RefreshTokenConcurrentConsume", func(t *testing.T) { testRefreshConcurrentConsume(t, factory(t)) })
	t.Run("AccessTokenNotConsumable", func(t *testing.T) { testAccessTokenNotConsumable(t, factory(t)) })
	t.Run("RevokeToken", func(t *testing.T) { testRevokeToken(t, factory(t)) })
	t.Run("RevokeTokenFamily", func(t *testing.T) { testRevokeTokenFamily(t, factory(t)) })
	t.Run("DeviceApproveAndConsume", func(t *testing.T) { testDeviceApproveAndConsume(t, factory(t)) })
	t.Run("DeviceDeny", func(t *testing.T) { testDeviceDeny(t, factory(t)) })
	t.Run("DevicePollKeepsDecision", func(t *testing.T) { testDevicePollKeepsDecision(t, factory(t)) })
}

func testCodeConsumeOnce(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	code := testutil.AuthorizationCode(time.Now())

	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.ClientID != code.ClientID || got.CodeChallenge != code.CodeChallenge || got.FamilyID != code.FamilyID {
		t.Errorf("consumed code = %+v, want fields of %+v", got, code)
	}
	if !slices.Equal(got.Scopes, code.Scopes) {
		t.Errorf("Scopes = %v, want %v", got.Scopes, code.Scopes)
	}

	replay, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second ConsumeAuthorizationCode() error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if replay == nil || replay.FamilyID != code.FamilyID {
		t.Errorf("replay must return the stored code with its family, got %+v", replay)
	}
}

func testCodeNotFound(t *testing.T, s storage.StateStore) {
	_, err := s.ConsumeAuthorizationCode(context.Background(), "does-not-exist")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func testCodeConcurrentConsume(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	code := testutil.AuthorizationCode(time.Now())
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		used      atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthorizationCode(ctx, code.Code)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				used.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successful consumes = %d, want exactly 1", successes.Load())
	}
	if used.Load() != 19 {
		t.Errorf("replays = %d, want 19", used.Load())
	}
}

func testRefreshRotation(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	now := time.Now()
	value := testutil.GenerateRandomString(43)
	family := testutil.GenerateRandomString(22)

	if err := s.SaveToken(ctx, testutil.RefreshToken(value, family, now)); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	got, err := s.ConsumeRefreshToken(ctx, value)
	if err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if got.FamilyID != family || got.Rotated {
		t.Errorf("consumed token = %+v", got)
	}

	replay, err := s.ConsumeRefreshToken(ctx, value)
	if !errors.Is(err, storage.ErrTokenReused) {
		t.Fatalf("replay error = %v, want ErrTokenReused", err)
	}
	if replay == nil || replay.FamilyID != family {
		t.Errorf("replay must return the stored record, got %+v", replay)
	}

	stored, err := s.GetToken(ctx, value)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !stored.Rotated || stored.IsActive(now) {
		t.Errorf("rotated token still active: %+v", stored)
	}
}

func testRefreshConcurrentConsume(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	value := testutil.GenerateRandomString(43)
	if err := s.SaveToken(ctx, testutil.RefreshToken(value, "family-c", time.Now())); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeRefreshToken(ctx, value); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successful consumes = %d, want exactly 1", successes.Load())
	}
}

func testAccessTokenNotConsumable(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	value := testutil.GenerateRandomString(43)
	token := testutil.RefreshToken(value, "family-a", time.Now())
	token.Kind = storage.TokenKindAccess
	if err := s.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	if _, err := s.ConsumeRefreshToken(ctx, value); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("ConsumeRefreshToken(access) error = %v, want ErrTokenNotFound", err)
	}
}

func testRevokeToken(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	value := testutil.GenerateRandomString(43)
	if err := s.SaveToken(ctx, testutil.RefreshToken(value, "family-r", time.Now())); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.RevokeToken(ctx, value); err != nil {
			t.Fatalf("RevokeToken() call %d error = %v", i+1, err)
		}
	}
	if err := s.RevokeToken(ctx, "unknown-token"); err != nil {
		t.Errorf("RevokeToken(unknown) error = %v, want nil", err)
	}

	got, err := s.GetToken(ctx, value)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !got.Revoked {
		t.Error("token not marked revoked")
	}
	if _, err := s.ConsumeRefreshToken(ctx, value); !errors.Is(err, storage.ErrTokenRevoked) {
		t.Errorf("ConsumeRefreshToken(revoked) error = %v, want ErrTokenRevoked", err)
	}

	if _, err := s.GetToken(ctx, "unknown-token"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetToken(unknown) error = %v, want ErrTokenNotFound", err)
	}
}

func testRevokeTokenFamily(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	now := time.Now()

	var members []string
	for i := 0; i < 3; i++ {
		value := fmt.Sprintf("family-member-%d-%s", i, testutil.GenerateRandomString(8))
		tok := testutil.RefreshToken(value, "family-x", now)
		if i == 0 {
			tok.Kind = storage.TokenKindAccess
		}
		if err := s.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		members = append(members, value)
	}
	other := testutil.GenerateRandomString(43)
	if err := s.SaveToken(ctx, testutil.RefreshToken(other, "family-y", now)); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	n, err := s.RevokeTokenFamily(ctx, "family-x")
	if err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}
	if n != 3 {
		t.Errorf("revoked = %d, want 3", n)
	}

	for _, v := range members {
		got, err := s.GetToken(ctx, v)
		if err != nil {
			t.Fatalf("GetToken() error = %v", err)
		}
		if !got.Revoked {
			t.Errorf("family member %s not revoked", v)
		}
	}

	got, err := s.GetToken(ctx, other)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if got.Revoked {
		t.Error("token of another family was revoked")
	}

	if n, err := s.RevokeTokenFamily(ctx, "no-such-family"); err != nil || n != 0 {
		t.Errorf("RevokeTokenFamily(unknown) = %d, %v; want 0, nil", n, err)
	}
}

func testDeviceApproveAndConsume(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	now := time.Now()
	auth := testutil.DeviceAuthorization(now)

	if err := s.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	if _, err := s.ConsumeDeviceAuthorization(ctx, auth.DeviceCode); !errors.Is(err, storage.ErrDeviceAuthorizationNotReady) {
		t.Fatalf("consume before approval error = %v, want ErrDeviceAuthorizationNotReady", err)
	}

	byUser, err := s.GetDeviceAuthorizationByUserCode(ctx, auth.UserCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorizationByUserCode() error = %v", err)
	}
	if byUser.ClientID != auth.ClientID || byUser.Status != storage.DeviceStatusPending {
		t.Errorf("by user code = %+v", byUser)
	}

	err = s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceDecision{
		Approved: true,
		UserID:   testutil.UserID,
		Scopes:   []string{"read"},
		AuthTime: now,
	})
	if err != nil {
		t.Fatalf("ResolveDeviceAuthorization() error = %v", err)
	}

	if err := s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceDecision{Approved: false}); !errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
		t.Errorf("second resolve error = %v, want ErrDeviceAuthorizationNotFound", err)
	}

	got, err := s.ConsumeDeviceAuthorization(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("ConsumeDeviceAuthorization() error = %v", err)
	}
	if got.UserID != testutil.UserID || got.FamilyID != auth.FamilyID {
		t.Errorf("consumed = %+v", got)
	}

	if _, err := s.ConsumeDeviceAuthorization(ctx, auth.DeviceCode); !errors.Is(err, storage.ErrDeviceAuthorizationNotReady) {
		t.Errorf("second consume error = %v, want ErrDeviceAuthorizationNotReady", err)
	}

	final, err := s.GetDeviceAuthorization(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization() error = %v", err)
	}
	if final.Status != storage.DeviceStatusConsumed {
		t.Errorf("Status = %q, want consumed", final.Status)
	}
}

func testDeviceDeny(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	auth := testutil.DeviceAuthorization(time.Now())
	if err := s.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	if err := s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceDecision{Approved: false}); err != nil {
		t.Fatalf("ResolveDeviceAuthorization() error = %v", err)
	}

	got, err := s.GetDeviceAuthorization(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization() error = %v", err)
	}
	if got.Status != storage.DeviceStatusDenied {
		t.Errorf("Status = %q, want denied", got.Status)
	}
	if _, err := s.ConsumeDeviceAuthorization(ctx, auth.DeviceCode); !errors.Is(err, storage.ErrDeviceAuthorizationNotReady) {
		t.Errorf("consume denied error = %v, want ErrDeviceAuthorizationNotReady", err)
	}

	if _, err := s.GetDeviceAuthorization(ctx, "unknown"); !errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
		t.Errorf("GetDeviceAuthorization(unknown) error = %v, want ErrDeviceAuthorizationNotFound", err)
	}
}

func testDevicePollKeepsDecision(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	now := time.Now()
	auth := testutil.DeviceAuthorization(now)
	if err := s.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	err := s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceDecision{Approved: true, UserID: testutil.UserID, AuthTime: now})
	if err != nil {
		t.Fatalf("ResolveDeviceAuthorization() error = %v", err)
	}

	// A poll recorded after the decision must not reset the status.
	if err := s.RecordDevicePoll(ctx, auth.DeviceCode, now.Add(time.Second), 10); err != nil {
		t.Fatalf("RecordDevicePoll() error = %v", err)
	}

	got, err := s.GetDeviceAuthorization(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization() error = %v", err)
	}
	if got.Status != storage.DeviceStatusApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}
	if got.Interval != 10 {
		t.Errorf("Interval = %d, want 10", got.Interval)
	}
	if got.LastPolledAt.IsZero() {
		t.Error("LastPolledAt not recorded")
	}

	if err := s.RecordDevicePoll(ctx, "unknown", now, 5); !errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
		t.Errorf("RecordDevicePoll(unknown) error = %v, want ErrDeviceAuthorizationNotFound", err)
	}
}
