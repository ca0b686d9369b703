package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/storagetest"
)

// testStore creates a store connected to a local Valkey instance. Tests are
// skipped when no server is reachable at VALKEY_TEST_ADDR (default
// localhost:6379). Each test gets a unique prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", strings.ReplaceAll(t.Name(), "/", "_"))

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the store prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without address should fail")
	}
}

func TestStore_StateStore(t *testing.T) {
	storagetest.RunStateStore(t, func(t *testing.T) storage.StateStore {
		return testStore(t)
	})
}

func TestStore_Clients(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	if err := store.SaveClient(ctx, testutil.ConfidentialClient(t)); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := store.SaveClient(ctx, testutil.PublicClient()); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, testutil.PublicClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.TokenEndpointAuthMethod != "none" || !got.IsPublic() {
		t.Errorf("public client round trip = %+v", got)
	}

	if _, err := store.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	list, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListClients() = %d clients, want 2", len(list))
	}
}

func TestStore_Users(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	if err := store.SaveUser(ctx, testutil.TestUser()); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}
	got, err := store.GetUser(ctx, testutil.UserID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if !got.EmailVerified || got.Email != "user@example.com" {
		t.Errorf("user round trip = %+v", got)
	}
	if _, err := store.GetUser(ctx, "nobody"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUser(nobody) error = %v, want ErrUserNotFound", err)
	}
}

func TestStore_KeysExpire(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	code := testutil.AuthorizationCode(time.Now())
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	ttl, err := store.client.Do(ctx, store.client.B().Ttl().Key(store.codeKey(code.Code)).Build()).AsInt64()
	if err != nil {
		t.Fatalf("TTL error = %v", err)
	}
	if ttl <= 0 || ttl > 600 {
		t.Errorf("code TTL = %d, want (0, 600]", ttl)
	}
}

func TestStore_DeviceUserCodeCollision(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	first := testutil.DeviceAuthorization(time.Now())
	second := testutil.DeviceAuthorization(time.Now())

	if err := store.SaveDeviceAuthorization(ctx, first); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}
	if err := store.SaveDeviceAuthorization(ctx, second); err == nil {
		t.Error("second authorization with the same user code must be rejected")
	}
}

func TestTTLSeconds(t *testing.T) {
	if got := ttlSeconds(time.Now().Add(-time.Minute)); got != 1 {
		t.Errorf("ttlSeconds(past) = %d, want 1", got)
	}
	if got := ttlSeconds(time.Now().Add(90*time.Second + 100*time.Millisecond)); got != 91 {
		t.Errorf("ttlSeconds(90.1s) = %d, want 91", got)
	}
}
