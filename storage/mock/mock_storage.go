// Package mock provides a fault-injecting storage.Adapter for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth-provider/storage"
)

// Adapter wraps another storage.Adapter, counts calls per method and can be
// told to fail individual methods.
type Adapter struct {
	next storage.Adapter

	mu         sync.Mutex
	failures   map[string]error
	CallCounts map[string]int
}

var _ storage.Adapter = (*Adapter)(nil)

// New wraps next.
func New(next storage.Adapter) *Adapter {
	return &Adapter{
		next:       next,
		failures:   make(map[string]error),
		CallCounts: make(map[string]int),
	}
}

// FailOn makes every subsequent call to method return err. A nil err clears
// the failure.
func (m *Adapter) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls returns how often method was invoked.
func (m *Adapter) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

func (m *Adapter) enter(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
	return m.failures[method]
}

// GetClient implements storage.ClientStore
func (m *Adapter) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := m.enter("GetClient"); err != nil {
		return nil, err
	}
	return m.next.GetClient(ctx, clientID)
}

// GetUser implements storage.UserStore
func (m *Adapter) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	if err := m.enter("GetUser"); err != nil {
		return nil, err
	}
	return m.next.GetUser(ctx, userID)
}

// SaveAuthorizationCode implements storage.CodeStore
func (m *Adapter) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if err := m.enter("SaveAuthorizationCode"); err != nil {
		return err
	}
	return m.next.SaveAuthorizationCode(ctx, code)
}

// ConsumeAuthorizationCode implements storage.CodeStore
func (m *Adapter) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := m.enter("ConsumeAuthorizationCode"); err != nil {
		return nil, err
	}
	return m.next.ConsumeAuthorizationCode(ctx, code)
}

// SaveToken implements storage.TokenStore
func (m *Adapter) SaveToken(ctx context.Context, token *storage.Token) error {
	if err := m.enter("SaveToken"); err != nil {
		return err
	}
	return m.next.SaveToken(ctx, token)
}

// GetToken implements storage.TokenStore
func (m *Adapter) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	if err := m.enter("GetToken"); err != nil {
		return nil, err
	}
	return m.next.GetToken(ctx, value)
}

// ConsumeRefreshToken implements storage.TokenStore
func (m *Adapter) ConsumeRefreshToken(ctx context.Context, value string) (*storage.Token, error) {
	if err := m.enter("ConsumeRefreshToken"); err != nil {
		return nil, err
	}
	return m.next.ConsumeRefreshToken(ctx, value)
}

// RevokeToken implements storage.TokenStore
func (m *Adapter) RevokeToken(ctx context.Context, value string) error {
	if err := m.enter("RevokeToken"); err != nil {
		return err
	}
	return m.next.RevokeToken(ctx, value)
}

// RevokeTokenFamily implements storage.TokenStore
func (m *Adapter) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if err := m.enter("RevokeTokenFamily"); err != nil {
		return 0, err
	}
	return m.next.RevokeTokenFamily(ctx, familyID)
}

// SaveDeviceAuthorization implements storage.DeviceStore
func (m *Adapter) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if err := m.enter("SaveDeviceAuthorization"); err != nil {
		return err
	}
	return m.next.SaveDeviceAuthorization(ctx, auth)
}

// GetDeviceAuthorization implements storage.DeviceStore
func (m *Adapter) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	if err := m.enter("GetDeviceAuthorization"); err != nil {
		return nil, err
	}
	return m.next.GetDeviceAuthorization(ctx, deviceCode)
}

// GetDeviceAuthorizationByUserCode implements storage.DeviceStore
func (m *Adapter) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	if err := m.enter("GetDeviceAuthorizationByUserCode"); err != nil {
		return nil, err
	}
	return m.next.GetDeviceAuthorizationByUserCode(ctx, userCode)
}

// RecordDevicePoll implements storage.DeviceStore
func (m *Adapter) RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval int64) error {
	if err := m.enter("RecordDevicePoll"); err != nil {
		return err
	}
	return m.next.RecordDevicePoll(ctx, deviceCode, polledAt, interval)
}

// ResolveDeviceAuthorization implements storage.DeviceStore
func (m *Adapter) ResolveDeviceAuthorization(ctx context.Context, userCode string, decision storage.DeviceDecision) error {
	if err := m.enter("ResolveDeviceAuthorization"); err != nil {
		return err
	}
	return m.next.ResolveDeviceAuthorization(ctx, userCode, decision)
}

// ConsumeDeviceAuthorization implements storage.DeviceStore
func (m *Adapter) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	if err := m.enter("ConsumeDeviceAuthorization"); err != nil {
		return nil, err
	}
	return m.next.ConsumeDeviceAuthorization(ctx, deviceCode)
}
