package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a grant mints tokens
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked at the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventTokenFamilyRevoked is logged when a whole token family is revoked
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // event name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventAuthorizationDenied is logged when the resource owner did not grant access
	EventAuthorizationDenied = "authorization_denied"

	// Device flow events

	// EventDeviceAuthorizationStarted is logged when a device code is issued
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceAuthorizationApproved is logged when a user approves a device
	EventDeviceAuthorizationApproved = "device_authorization_approved"

	// EventDeviceAuthorizationDenied is logged when a user denies a device
	EventDeviceAuthorizationDenied = "device_authorization_denied"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential

	// EventScopeEscalationAttempt is logged when a client asks for more than it was granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventInvalidRedirect is logged when a redirect URI does not match registration
	EventInvalidRedirect = "invalid_redirect"
)
