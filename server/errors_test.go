package server

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestOAuthErrorConstructors(t *testing.T) {
	tests := []struct {
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrInvalidClient(), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrInvalidGrant(), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrUnauthorizedClient("x"), ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{ErrInvalidScope("x"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrUnsupportedResponseType("x"), ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{ErrAccessDenied("x"), ErrorCodeAccessDenied, http.StatusBadRequest},
		{ErrServerError(), ErrorCodeServerError, http.StatusInternalServerError},
		{ErrAuthorizationPending(), ErrorCodeAuthorizationPending, http.StatusBadRequest},
		{ErrSlowDown(), ErrorCodeSlowDown, http.StatusBadRequest},
		{ErrExpiredToken(), ErrorCodeExpiredToken, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			if tt.err.Code != tt.wantCode || tt.err.Status != tt.wantStatus {
				t.Errorf("got %s/%d, want %s/%d", tt.err.Code, tt.err.Status, tt.wantCode, tt.wantStatus)
			}
		})
	}
}

func TestOAuthErrorString(t *testing.T) {
	if got := NewOAuthError("invalid_request", "", 400).Error(); got != "invalid_request" {
		t.Errorf("Error() = %q", got)
	}
	if got := ErrInvalidRequest("code is required").Error(); got != "invalid_request: code is required" {
		t.Errorf("Error() = %q", got)
	}
}

func TestOAuthErrorResponse(t *testing.T) {
	resp := oauthErrorResponse(ErrInvalidGrant())
	if resp.Status != http.StatusBadRequest {
		t.Errorf("status = %d", resp.Status)
	}
	if resp.Header.Get("Cache-Control") != "no-store" || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("headers = %v", resp.Header)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if body["error"] != ErrorCodeInvalidGrant || body["error_description"] != descInvalidGrant {
		t.Errorf("body = %v", body)
	}
}

func TestRequestParam(t *testing.T) {
	r := &Request{
		Form:  map[string][]string{"a": {"form"}, "dup": {"1", "2"}},
		Query: map[string][]string{"a": {"query"}, "b": {"query"}},
	}
	if v, _ := r.param("a"); v != "form" {
		t.Errorf("param(a) = %q, form wins", v)
	}
	if v, _ := r.param("b"); v != "query" {
		t.Errorf("param(b) = %q", v)
	}
	if v, err := r.param("missing"); v != "" || err != nil {
		t.Errorf("param(missing) = %q, %v", v, err)
	}
	if _, err := r.param("dup"); err == nil || err.Code != ErrorCodeInvalidRequest {
		t.Errorf("param(dup) error = %v", err)
	}
}
