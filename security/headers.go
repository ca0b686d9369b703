package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets hardening headers on an OAuth response. Token,
// error and redirect responses must never be cached or framed.
func SetSecurityHeaders(h http.Header, issuer string) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
