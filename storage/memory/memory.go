package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
)

// Store is an in-memory implementation of storage.Adapter.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	users   map[string]*storage.User

	// Codes, tokens and device authorizations are keyed by storage.TokenID of
	// their raw value; raw values are never kept.
	codes     map[string]*storage.AuthorizationCode
	tokens    map[string]*storage.Token
	families  map[string]map[string]struct{} // family ID -> token IDs
	devices   map[string]*storage.DeviceAuthorization
	userCodes map[string]string // user code -> device key

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Lock-free counters read by the storage gauges
	codesCount    atomic.Int64
	tokensCount   atomic.Int64
	familiesCount atomic.Int64
	devicesCount  atomic.Int64
	clientsCount  atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	now             func() time.Time
}

var _ storage.Adapter = (*Store)(nil)

// New creates a new in-memory store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, one minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		users:           make(map[string]*storage.User),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.Token),
		families:        make(map[string]map[string]struct{}),
		devices:         make(map[string]*storage.DeviceAuthorization),
		userCodes:       make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		now:             time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizes{
		Codes:    s.codesCount.Load,
		Tokens:   s.tokensCount.Load,
		Families: s.familiesCount.Load,
		Devices:  s.devicesCount.Load,
		Clients:  s.clientsCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Clients and users
// ============================================================

// SaveClient registers or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientsCount.Add(1)
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// DeleteClient removes a client. Unknown IDs are ignored.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[clientID]; exists {
		delete(s.clients, clientID)
		s.clientsCount.Add(-1)
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, start) }()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}
	return cloneClient(client), nil
}

// ListClients returns all registered clients ordered by ID.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, cloneClient(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// SaveUser registers or replaces a user.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := *user
	s.users[user.ID] = &u
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	u := *user
	return &u, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores a freshly issued code.
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

	stored := cloneCode(code)
	stored.Code = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.TokenID(code.Code)
	if _, exists := s.codes[key]; !exists {
		s.codesCount.Add(1)
	}
	s.codes[key] = stored
	return nil
}

// ConsumeAuthorizationCode atomically marks a code used and returns it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[storage.TokenID(code)]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	out := cloneCode(stored)
	out.Code = code
	if stored.Used {
		err = storage.ErrAuthorizationCodeUsed
		return out, err
	}

	stored.Used = true
	return out, nil
}

// ============================================================
// TokenStore
// ============================================================

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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; !exists {
		s.tokensCount.Add(1)
	}
	s.tokens[token.ID] = cloneToken(token)

	if token.FamilyID != "" {
		members, ok := s.families[token.FamilyID]
		if !ok {
			members = make(map[string]struct{})
			s.families[token.FamilyID] = members
			s.familiesCount.Add(1)
		}
		members[token.ID] = struct{}{}
	}
	return nil
}

// GetToken returns the record for a raw token value.
func (s *Store) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_token", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[storage.TokenID(value)]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	return cloneToken(token), nil
}

// ConsumeRefreshToken atomically marks an active refresh token rotated.
func (s *Store) ConsumeRefreshToken(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[storage.TokenID(value)]
	if !ok || token.Kind != storage.TokenKindRefresh {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	out := cloneToken(token)
	switch {
	case token.Revoked:
		err = storage.ErrTokenRevoked
		return out, err
	case token.Rotated:
		err = storage.ErrTokenReused
		return out, err
	}

	token.Rotated = true
	return out, nil
}

// RevokeToken marks a single token revoked.
func (s *Store) RevokeToken(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.tokens[storage.TokenID(value)]; ok {
		token.Revoked = true
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

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for id := range s.families[familyID] {
		if token, ok := s.tokens[id]; ok && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked token family",
			"family_id", familyID,
			"revoked", revoked)
	}
	return revoked, nil
}

// ============================================================
// DeviceStore
// ============================================================

// SaveDeviceAuthorization stores a new pending device authorization.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("device code and user code are required")
	}

	key := storage.TokenID(auth.DeviceCode)
	stored := cloneDevice(auth)
	stored.DeviceCode = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, taken := s.userCodes[auth.UserCode]; taken && existing != key {
		return fmt.Errorf("user code collision")
	}
	if _, exists := s.devices[key]; !exists {
		s.devicesCount.Add(1)
	}
	s.devices[key] = stored
	s.userCodes[auth.UserCode] = key
	return nil
}

// GetDeviceAuthorization looks up a device authorization by device code.
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.devices[storage.TokenID(deviceCode)]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	out := cloneDevice(auth)
	out.DeviceCode = deviceCode
	return out, nil
}

// GetDeviceAuthorizationByUserCode looks up a device authorization by user
// code. The returned record carries no device code.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.devices[s.userCodes[userCode]]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return cloneDevice(auth), nil
}

// RecordDevicePoll stores the poll time and interval.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.devices[storage.TokenID(deviceCode)]
	if !ok {
		return storage.ErrDeviceAuthorizationNotFound
	}
	auth.LastPolledAt = polledAt
	auth.Interval = interval
	return nil
}

// ResolveDeviceAuthorization approves or denies a pending authorization.
func (s *Store) ResolveDeviceAuthorization(ctx context.Context, userCode string, decision storage.DeviceDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.devices[s.userCodes[userCode]]
	if !ok || auth.Status != storage.DeviceStatusPending {
		return storage.ErrDeviceAuthorizationNotFound
	}

	if !decision.Approved {
		auth.Status = storage.DeviceStatusDenied
		return nil
	}
	auth.Status = storage.DeviceStatusApproved
	auth.UserID = decision.UserID
	auth.AuthTime = decision.AuthTime
	if decision.Scopes != nil {
		auth.Scopes = slices.Clone(decision.Scopes)
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

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.devices[storage.TokenID(deviceCode)]
	if !ok {
		err = storage.ErrDeviceAuthorizationNotFound
		return nil, err
	}
	if auth.Status != storage.DeviceStatusApproved {
		err = storage.ErrDeviceAuthorizationNotReady
		return nil, err
	}

	auth.Status = storage.DeviceStatusConsumed
	out := cloneDevice(auth)
	out.DeviceCode = deviceCode
	return out, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops expired records. Rotated refresh tokens are kept until they
// expire so that replays are still detected.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expiredCodes, expiredTokens, expiredDevices int

	for key, code := range s.codes {
		if code.IsExpired(now) {
			delete(s.codes, key)
			expiredCodes++
		}
	}

	for id, token := range s.tokens {
		if now.Before(token.ExpiresAt) {
			continue
		}
		delete(s.tokens, id)
		expiredTokens++
		if members, ok := s.families[token.FamilyID]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(s.families, token.FamilyID)
				s.familiesCount.Add(-1)
			}
		}
	}

	for key, auth := range s.devices {
		if auth.IsExpired(now) {
			delete(s.devices, key)
			delete(s.userCodes, auth.UserCode)
			expiredDevices++
		}
	}

	s.codesCount.Add(int64(-expiredCodes))
	s.tokensCount.Add(int64(-expiredTokens))
	s.devicesCount.Add(int64(-expiredDevices))

	if expiredCodes+expiredTokens+expiredDevices > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"codes", expiredCodes,
			"tokens", expiredTokens,
			"device_authorizations", expiredDevices)
	}
}

// ============================================================
// Helpers
// ============================================================

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

func cloneCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

func cloneToken(t *storage.Token) *storage.Token {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

func cloneDevice(d *storage.DeviceAuthorization) *storage.DeviceAuthorization {
	out := *d
	out.Scopes = slices.Clone(d.Scopes)
	return &out
}

// startStorageSpan starts a tracing span when instrumentation is enabled
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records span status and operation metrics
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String(instrumentation.AttrStorageResult, result))

	inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Microseconds())/1000.0)
}
