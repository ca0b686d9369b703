package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/giantswarm/oauth-provider/storage"
)

// Config configures the SQL store.
type Config struct {
	// DSN is the SQLite data source, e.g. "/var/lib/oauth/oauth.db".
	DSN string

	// CleanupInterval controls how often expired rows are deleted.
	// Zero uses one minute; a negative value disables the cleanup loop.
	CleanupInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a gorm-backed implementation of storage.Adapter.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var _ storage.Adapter = (*Store)(nil)

// Open connects to the database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql DSN is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// SQLite allows a single writer; serialize connections to avoid SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&clientModel{}, &userModel{}, &codeModel{}, &tokenModel{}, &deviceModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s := &Store{
		db:          db,
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	interval := cfg.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}

	logger.Info("Opened SQL storage", "dsn", cfg.DSN)
	return s, nil
}

// Close stops the cleanup loop and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================
// Clients and users
// ============================================================

// SaveClient inserts or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		UpdateAll: true,
	}).Create(newClientModel(client)).Error
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var m clientModel
	if err := s.db.WithContext(ctx).First(&m, "client_id = ?", clientID).Error; err != nil {
		return nil, notFound(err, storage.ErrClientNotFound)
	}
	return m.toStorage(), nil
}

// ListClients returns all clients ordered by ID.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var models []clientModel
	if err := s.db.WithContext(ctx).Order("client_id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	out := make([]*storage.Client, 0, len(models))
	for i := range models {
		out = append(out, models[i].toStorage())
	}
	return out, nil
}

// SaveUser inserts or replaces a user.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&userModel{
		ID:            user.ID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Name:          user.Name,
		Claims:        user.Claims,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", userID).Error; err != nil {
		return nil, notFound(err, storage.ErrUserNotFound)
	}
	return &storage.User{
		ID:            m.ID,
		Email:         m.Email,
		EmailVerified: m.EmailVerified,
		Name:          m.Name,
		Claims:        m.Claims,
	}, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores a freshly issued code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	m := &codeModel{
		CodeHash:            storage.TokenID(code.Code),
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scopes:              joinList(code.Scopes),
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Nonce:               code.Nonce,
		FamilyID:            code.FamilyID,
		AuthTime:            code.AuthTime,
		CreatedAt:           code.CreatedAt,
		ExpiresAt:           code.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks a code used and returns it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	hash := storage.TokenID(code)
	db := s.db.WithContext(ctx)

	res := db.Model(&codeModel{}).
		Where("code_hash = ? AND used_at IS NULL", hash).
		Update("used_at", s.now())
	if res.Error != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", res.Error)
	}

	var m codeModel
	if err := db.First(&m, "code_hash = ?", hash).Error; err != nil {
		return nil, notFound(err, storage.ErrAuthorizationCodeNotFound)
	}

	if res.RowsAffected == 0 {
		return m.toStorage(code), storage.ErrAuthorizationCodeUsed
	}
	out := m.toStorage(code)
	out.Used = false
	return out, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveToken stores a token record.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("token ID cannot be empty")
	}
	if err := s.db.WithContext(ctx).Create(newTokenModel(token)).Error; err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetToken returns the record for a raw token value.
func (s *Store) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	var m tokenModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", storage.TokenID(value)).Error; err != nil {
		return nil, notFound(err, storage.ErrTokenNotFound)
	}
	return m.toStorage(), nil
}

// ConsumeRefreshToken atomically marks an active refresh token rotated.
func (s *Store) ConsumeRefreshToken(ctx context.Context, value string) (*storage.Token, error) {
	id := storage.TokenID(value)
	db := s.db.WithContext(ctx)

	res := db.Model(&tokenModel{}).
		Where("id = ? AND kind = ? AND revoked = ? AND rotated = ?", id, storage.TokenKindRefresh, false, false).
		Update("rotated", true)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", res.Error)
	}

	var m tokenModel
	if err := db.First(&m, "id = ? AND kind = ?", id, storage.TokenKindRefresh).Error; err != nil {
		return nil, notFound(err, storage.ErrTokenNotFound)
	}

	if res.RowsAffected == 1 {
		out := m.toStorage()
		out.Rotated = false
		return out, nil
	}
	if m.Revoked {
		return m.toStorage(), storage.ErrTokenRevoked
	}
	return m.toStorage(), storage.ErrTokenReused
}

// RevokeToken marks a single token revoked.
func (s *Store) RevokeToken(ctx context.Context, value string) error {
	err := s.db.WithContext(ctx).Model(&tokenModel{}).
		Where("id = ?", storage.TokenID(value)).
		Update("revoked", true).Error
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// RevokeTokenFamily revokes every token of a family.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&tokenModel{}).
		Where("family_id = ? AND revoked = ?", familyID, false).
		Update("revoked", true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("Revoked token family",
			"family_id", familyID,
			"revoked", res.RowsAffected)
	}
	return int(res.RowsAffected), nil
}

// ============================================================
// DeviceStore
// ============================================================

// SaveDeviceAuthorization stores a new device authorization. A user code
// collision fails on the unique index.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("device code and user code are required")
	}
	m := &deviceModel{
		DeviceCodeHash: storage.TokenID(auth.DeviceCode),
		UserCode:       auth.UserCode,
		ClientID:       auth.ClientID,
		Scopes:         joinList(auth.Scopes),
		Status:         string(auth.Status),
		UserID:         auth.UserID,
		AuthTime:       auth.AuthTime,
		Interval:       auth.Interval,
		LastPolledAt:   auth.LastPolledAt,
		FamilyID:       auth.FamilyID,
		CreatedAt:      auth.CreatedAt,
		ExpiresAt:      auth.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to save device authorization: %w", err)
	}
	return nil
}

// GetDeviceAuthorization looks up a device authorization by device code.
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	var m deviceModel
	if err := s.db.WithContext(ctx).First(&m, "device_code_hash = ?", storage.TokenID(deviceCode)).Error; err != nil {
		return nil, notFound(err, storage.ErrDeviceAuthorizationNotFound)
	}
	return m.toStorage(deviceCode), nil
}

// GetDeviceAuthorizationByUserCode looks up a device authorization by user
// code. The returned record carries no device code.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	var m deviceModel
	if err := s.db.WithContext(ctx).First(&m, "user_code = ?", userCode).Error; err != nil {
		return nil, notFound(err, storage.ErrDeviceAuthorizationNotFound)
	}
	return m.toStorage(""), nil
}

// RecordDevicePoll stores the poll time and interval.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval int64) error {
	res := s.db.WithContext(ctx).Model(&deviceModel{}).
		Where("device_code_hash = ?", storage.TokenID(deviceCode)).
		Updates(map[string]any{"last_polled_at": polledAt, "interval": interval})
	if res.Error != nil {
		return fmt.Errorf("failed to record device poll: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrDeviceAuthorizationNotFound
	}
	return nil
}

// ResolveDeviceAuthorization approves or denies a pending authorization.
func (s *Store) ResolveDeviceAuthorization(ctx context.Context, userCode string, decision storage.DeviceDecision) error {
	updates := map[string]any{"status": string(storage.DeviceStatusDenied)}
	if decision.Approved {
		updates = map[string]any{
			"status":    string(storage.DeviceStatusApproved),
			"user_id":   decision.UserID,
			"auth_time": decision.AuthTime,
		}
		if decision.Scopes != nil {
			updates["scopes"] = joinList(decision.Scopes)
		}
	}

	res := s.db.WithContext(ctx).Model(&deviceModel{}).
		Where("user_code = ? AND status = ?", userCode, string(storage.DeviceStatusPending)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to resolve device authorization: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrDeviceAuthorizationNotFound
	}
	return nil
}

// ConsumeDeviceAuthorization atomically moves an approved authorization to
// consumed.
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	hash := storage.TokenID(deviceCode)
	db := s.db.WithContext(ctx)

	res := db.Model(&deviceModel{}).
		Where("device_code_hash = ? AND status = ?", hash, string(storage.DeviceStatusApproved)).
		Update("status", string(storage.DeviceStatusConsumed))
	if res.Error != nil {
		return nil, fmt.Errorf("failed to consume device authorization: %w", res.Error)
	}

	var m deviceModel
	if err := db.First(&m, "device_code_hash = ?", hash).Error; err != nil {
		return nil, notFound(err, storage.ErrDeviceAuthorizationNotFound)
	}
	if res.RowsAffected == 0 {
		return nil, storage.ErrDeviceAuthorizationNotReady
	}
	return m.toStorage(deviceCode), nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.DeleteExpired(context.Background()); err != nil {
				s.logger.Warn("SQL storage cleanup failed", "error", err)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// DeleteExpired removes expired codes, tokens and device authorizations.
// Rotated refresh tokens are kept until they expire so that replays are
// still detected.
func (s *Store) DeleteExpired(ctx context.Context) error {
	now := s.now()
	db := s.db.WithContext(ctx)

	var total int64
	for _, model := range []any{&codeModel{}, &tokenModel{}, &deviceModel{}} {
		res := db.Where("expires_at <= ?", now).Delete(model)
		if res.Error != nil {
			return fmt.Errorf("failed to delete expired rows: %w", res.Error)
		}
		total += res.RowsAffected
	}

	if total > 0 {
		s.logger.Debug("Deleted expired rows", "count", total)
	}
	return nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return fmt.Errorf("database error: %w", err)
}
