package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization server flows
	AuthorizationRequests metric.Int64Counter
	CodesIssued           metric.Int64Counter
	CodesExchanged        metric.Int64Counter
	TokensIssued          metric.Int64Counter
	TokensRefreshed       metric.Int64Counter
	TokensRevoked         metric.Int64Counter
	TokensIntrospected    metric.Int64Counter
	DeviceAuthorizations  metric.Int64Counter
	DevicePolls           metric.Int64Counter
	KeyRotations          metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	ClientAuthFailed     metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	FamiliesRevoked      metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageCodesCount        metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge
	StorageFamiliesCount     metric.Int64ObservableGauge
	StorageDevicesCount      metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
}

type instrumentBuilder struct {
	err error
}

func (b *instrumentBuilder) counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(meter metric.Meter, name, desc string) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(meter metric.Meter, name, desc, unit string) metric.Int64ObservableGauge {
	if b.err != nil {
		return nil
	}
	g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	var (
		b        instrumentBuilder
		http     = inst.Meter("http")
		server   = inst.Meter("server")
		security = inst.Meter("security")
		storage  = inst.Meter("storage")
		m        = &Metrics{}
	)

	m.HTTPRequestsTotal = b.counter(http, "oauth.http.requests", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = b.histogram(http, "oauth.http.request.duration", "HTTP request duration in milliseconds")

	m.AuthorizationRequests = b.counter(server, "oauth.authorization.requests", "Authorization requests by result", "{request}")
	m.CodesIssued = b.counter(server, "oauth.codes.issued", "Authorization codes issued", "{code}")
	m.CodesExchanged = b.counter(server, "oauth.codes.exchanged", "Authorization codes exchanged for tokens", "{code}")
	m.TokensIssued = b.counter(server, "oauth.tokens.issued", "Token responses issued by grant type", "{response}")
	m.TokensRefreshed = b.counter(server, "oauth.tokens.refreshed", "Refresh token exchanges", "{refresh}")
	m.TokensRevoked = b.counter(server, "oauth.tokens.revoked", "Tokens revoked via the revocation endpoint", "{token}")
	m.TokensIntrospected = b.counter(server, "oauth.tokens.introspected", "Introspection requests by active state", "{request}")
	m.DeviceAuthorizations = b.counter(server, "oauth.device.authorizations", "Device authorizations by outcome", "{authorization}")
	m.DevicePolls = b.counter(server, "oauth.device.polls", "Device code polls by result", "{poll}")
	m.KeyRotations = b.counter(server, "oauth.keys.rotations", "Signing key rotations", "{rotation}")

	m.RateLimitExceeded = b.counter(security, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}")
	m.PKCEValidationFailed = b.counter(security, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}")
	m.ClientAuthFailed = b.counter(security, "oauth.client_auth.failed", "Client authentication failures", "{failure}")
	m.CodeReuseDetected = b.counter(security, "oauth.code.reuse_detected", "Authorization code replays detected", "{attempt}")
	m.TokenReuseDetected = b.counter(security, "oauth.token.reuse_detected", "Refresh token replays detected", "{attempt}")
	m.FamiliesRevoked = b.counter(security, "oauth.token.families_revoked", "Token families revoked after a replay", "{family}")
	m.AuditEventsTotal = b.counter(security, "oauth.audit.events", "Total number of audit events", "{event}")

	m.StorageOperationTotal = b.counter(storage, "storage.operations", "Total number of storage operations", "{operation}")
	m.StorageOperationDuration = b.histogram(storage, "storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageCodesCount = b.gauge(storage, "storage.codes.count", "Authorization codes currently stored", "{code}")
	m.StorageTokensCount = b.gauge(storage, "storage.tokens.count", "Token records currently stored", "{token}")
	m.StorageFamiliesCount = b.gauge(storage, "storage.families.count", "Token families currently tracked", "{family}")
	m.StorageDevicesCount = b.gauge(storage, "storage.devices.count", "Device authorizations currently stored", "{authorization}")
	m.StorageClientsCount = b.gauge(storage, "storage.clients.count", "Clients currently registered", "{client}")

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationRequest records the outcome of an authorization request
// ("code", "denied", "invalid_redirect", or an OAuth error code).
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, clientID, result string) {
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
	if result == "code" {
		m.CodesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
	}
}

// RecordCodeExchange records a successful authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenIssued records a successful token response
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string, withRefresh bool) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
		attribute.Bool("refresh_token", withRefresh),
	))
}

// RecordTokenRefresh records a refresh token exchange
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenKind string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_kind", tokenKind),
	))
}

// RecordIntrospection records an introspection result
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.TokensIntrospected.Add(ctx, 1, metric.WithAttributes(attribute.Bool("active", active)))
}

// RecordDeviceAuthorization records a device authorization lifecycle step
// ("started", "approved", "denied").
func (m *Metrics) RecordDeviceAuthorization(ctx context.Context, outcome string) {
	m.DeviceAuthorizations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDevicePoll records the result of a device_code token request
func (m *Metrics) RecordDevicePoll(ctx context.Context, result string) {
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context) {
	m.KeyRotations.Add(ctx, 1)
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, reason string) {
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCodeReuseDetected records an authorization code replay
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token replay
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordFamilyRevoked records a token family revocation
func (m *Metrics) RecordFamilyRevoked(ctx context.Context, reason string) {
	m.FamiliesRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
