package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giantswarm/oauth-provider/server"
)

func TestWriteOAuthError(t *testing.T) {
	h := &Handler{issuer: testIssuer, logger: discardLogger()}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantDesc   string
	}{
		{
			name:       "oauth error",
			err:        server.ErrInvalidGrant(),
			wantStatus: http.StatusBadRequest,
			wantCode:   server.ErrorCodeInvalidGrant,
			wantDesc:   server.ErrInvalidGrant().Description,
		},
		{
			name:       "wrapped oauth error",
			err:        fmt.Errorf("lookup: %w", server.ErrExpiredToken()),
			wantStatus: http.StatusBadRequest,
			wantCode:   server.ErrorCodeExpiredToken,
			wantDesc:   server.ErrExpiredToken().Description,
		},
		{
			name:       "internal error is not leaked",
			err:        fmt.Errorf("dial tcp 10.0.0.5:6379: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrorCodeServerError,
			wantDesc:   "The server encountered an unexpected condition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeOAuthError(rec, httptest.NewRequest(http.MethodGet, "/device", nil), tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("json.Unmarshal() error = %v", err)
			}
			if body.Error != tt.wantCode || body.ErrorDescription != tt.wantDesc {
				t.Errorf("body = %+v, want %s / %q", body, tt.wantCode, tt.wantDesc)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Error("error response is cacheable")
			}
		})
	}
}

func TestWriteRateLimited(t *testing.T) {
	h := &Handler{issuer: testIssuer, logger: discardLogger()}

	tests := []struct {
		retryAfter time.Duration
		want       string
	}{
		{retryAfter: 0, want: "1"},
		{retryAfter: 300 * time.Millisecond, want: "1"},
		{retryAfter: 2600 * time.Millisecond, want: "3"},
	}

	for _, tt := range tests {
		t.Run(tt.retryAfter.String(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeRateLimited(rec, tt.retryAfter)
			if rec.Code != http.StatusTooManyRequests {
				t.Errorf("status = %d, want 429", rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.want {
				t.Errorf("Retry-After = %q, want %q", got, tt.want)
			}
		})
	}
}
