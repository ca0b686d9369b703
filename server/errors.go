package server

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 §4.1.2.1, §5.2; RFC 8628 §3.5).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeExpiredToken            = "expired_token"
)

// OAuthError is an OAuth 2.0 error response.
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code

	// basicChallenge marks an invalid_client for a client expected to use
	// HTTP Basic, which gets a WWW-Authenticate challenge.
	basicChallenge bool
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// errorBody is the JSON error format (RFC 6749 §5.2).
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Descriptions that must not vary with the underlying cause.
const (
	descInvalidGrant  = "The provided authorization grant is invalid, expired, or revoked"
	descInvalidClient = "Client authentication failed"
	descServerError   = "The server encountered an unexpected condition"
)

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed. The
	// description is fixed so failures cannot be told apart.
	ErrInvalidClient = func() *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, descInvalidClient, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates the code, refresh token or device code is
	// invalid. The description is fixed so failures cannot be told apart.
	ErrInvalidGrant = func() *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, descInvalidGrant, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client may not use the grant or response type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is unknown or disabled
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid, unknown, or exceeds what was granted
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates the response type is not supported for the client
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrAccessDenied indicates the resource owner denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func() *OAuthError {
		return NewOAuthError(ErrorCodeServerError, descServerError, http.StatusInternalServerError)
	}

	// ErrAuthorizationPending indicates the device authorization is still pending
	ErrAuthorizationPending = func() *OAuthError {
		return NewOAuthError(ErrorCodeAuthorizationPending, "The authorization request is still pending", http.StatusBadRequest)
	}

	// ErrSlowDown indicates the device is polling too fast
	ErrSlowDown = func() *OAuthError {
		return NewOAuthError(ErrorCodeSlowDown, "Polling too frequently, increase the interval", http.StatusBadRequest)
	}

	// ErrExpiredToken indicates the device code has expired
	ErrExpiredToken = func() *OAuthError {
		return NewOAuthError(ErrorCodeExpiredToken, "The device code has expired", http.StatusBadRequest)
	}
)
