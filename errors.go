package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/server"
)

// Error codes produced by the HTTP layer itself. Protocol errors come from
// the server package.
const (
	ErrorCodeInvalidRequest    = server.ErrorCodeInvalidRequest
	ErrorCodeServerError       = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// writeError writes a JSON error response with the security headers set.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w.Header(), h.issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeOAuthError renders an error returned by the provider. Plain errors
// are internal failures and never leak their cause.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oerr *server.OAuthError
	if errors.As(err, &oerr) {
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		return
	}
	h.logger.Error("Request failed",
		"path", r.URL.Path,
		"request_id", security.GetRequestID(r.Context()),
		"error", err)
	h.writeError(w, ErrorCodeServerError, "The server encountered an unexpected condition", http.StatusInternalServerError)
}

// writeRateLimited rejects a request over the per-IP limit (429 with Retry-After).
func (h *Handler) writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests, retry later", http.StatusTooManyRequests)
}
