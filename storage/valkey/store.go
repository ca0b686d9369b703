package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Adapter.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.Adapter = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// ============================================================
// Keys
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, userID)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, storage.TokenID(code))
}

func (s *Store) tokenKeyPrefix() string {
	return s.prefix + "token:"
}

func (s *Store) tokenKey(id string) string {
	return s.tokenKeyPrefix() + id
}

func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

func (s *Store) deviceKeyPrefix() string {
	return s.prefix + "device:"
}

func (s *Store) userCodeKey(userCode string) string {
	return fmt.Sprintf("%susercode:%s", s.prefix, userCode)
}

// ============================================================
// Lua scripts
// ============================================================

// luaConsumeCode marks a code used exactly once.
//
// KEYS[1] = code hash
// Returns NOT_FOUND, ALREADY_USED:<data> or <data>.
const luaConsumeCode = `
local data = redis.call('HGET', KEYS[1], 'data')
if not data then
    return 'NOT_FOUND'
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
    return 'ALREADY_USED:' .. data
end
redis.call('HSET', KEYS[1], 'used', '1')
return data
`

// luaSaveToken stores a token hash and adds it to its family set, extending
// the family TTL so it never expires before its longest-lived member.
//
// KEYS[1] = token hash, KEYS[2] = family set (optional)
// ARGV[1] = data, ARGV[2] = kind, ARGV[3] = ttl ms, ARGV[4] = token id
const luaSaveToken = `
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'kind', ARGV[2], 'rotated', '0', 'revoked', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
if #KEYS == 2 then
    redis.call('SADD', KEYS[2], ARGV[4])
    local ttl = redis.call('PTTL', KEYS[2])
    if ttl < tonumber(ARGV[3]) then
        redis.call('PEXPIRE', KEYS[2], ARGV[3])
    end
end
return 'OK'
`

// luaConsumeRefresh rotates an active refresh token exactly once.
//
// KEYS[1] = token hash
// Returns NOT_FOUND, REVOKED:<data>, REUSED:<data> or <data>.
const luaConsumeRefresh = `
local data = redis.call('HGET', KEYS[1], 'data')
if not data or redis.call('HGET', KEYS[1], 'kind') ~= 'refresh_token' then
    return 'NOT_FOUND'
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
    return 'REVOKED:' .. data
end
if redis.call('HGET', KEYS[1], 'rotated') == '1' then
    return 'REUSED:' .. data
end
redis.call('HSET', KEYS[1], 'rotated', '1')
return data
`

// luaRevokeToken flags an existing token revoked.
//
// KEYS[1] = token hash
const luaRevokeToken = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HSET', KEYS[1], 'revoked', '1')
end
return 'OK'
`

// luaRevokeFamily flags every live member of a family revoked.
//
// KEYS[1] = family set, ARGV[1] = token key prefix
// Returns the number of tokens newly revoked.
const luaRevokeFamily = `
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[1] .. id
    if redis.call('HGET', key, 'revoked') == '0' then
        redis.call('HSET', key, 'revoked', '1')
        n = n + 1
    end
end
return n
`

// luaResolveDevice approves or denies a pending device authorization.
//
// KEYS[1] = user code key
// ARGV[1] = device key prefix, ARGV[2] = "1" to approve, ARGV[3] = user id,
// ARGV[4] = auth time (unix nanos), ARGV[5] = scopes JSON or ""
const luaResolveDevice = `
local id = redis.call('GET', KEYS[1])
if not id then
    return 'NOT_FOUND'
end
local key = ARGV[1] .. id
if redis.call('HGET', key, 'status') ~= 'pending' then
    return 'NOT_FOUND'
end
if ARGV[2] == '1' then
    redis.call('HSET', key, 'status', 'approved', 'user_id', ARGV[3], 'auth_time', ARGV[4])
    if ARGV[5] ~= '' then
        redis.call('HSET', key, 'scopes', ARGV[5])
    end
else
    redis.call('HSET', key, 'status', 'denied')
end
return 'OK'
`

// luaConsumeDevice moves an approved device authorization to consumed.
//
// KEYS[1] = device hash
const luaConsumeDevice = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return 'NOT_FOUND'
end
if status ~= 'approved' then
    return 'NOT_READY'
end
redis.call('HSET', KEYS[1], 'status', 'consumed')
return 'OK'
`

// luaRecordPoll stores poll bookkeeping without touching the status.
//
// KEYS[1] = device hash, ARGV[1] = polled at (unix nanos), ARGV[2] = interval
const luaRecordPoll = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
redis.call('HSET', KEYS[1], 'last_polled_at', ARGV[1], 'interval', ARGV[2])
return 'OK'
`

// ============================================================
// Helpers
// ============================================================

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// getAndUnmarshal fetches a JSON string key and converts it
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return fromJSON(&j), nil
}

// ttlSeconds returns the whole seconds until expiresAt, rounded up and at
// least one so a key never outlives its record by less than a second.
func ttlSeconds(expiresAt time.Time) int64 {
	return max(int64(math.Ceil(time.Until(expiresAt).Seconds())), 1)
}

// ttlMillis returns the milliseconds until expiresAt, at least one.
func ttlMillis(expiresAt time.Time) int64 {
	return max(time.Until(expiresAt).Milliseconds(), 1)
}

func formatNanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// startStorageSpan starts a tracing span when instrumentation is enabled
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "valkey")
	return ctx, span
}

// recordStorageOperation records span status and operation metrics
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Microseconds())/1000.0)
}
