// Package security provides the security plumbing around the authorization
// server: audit logging, per-client-IP rate limiting, expiry checks with
// clock skew, client IP extraction, request IDs and response hardening
// headers.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP)
// and bounds memory with LRU eviction. Idle buckets are dropped by a
// background cleanup loop; call Stop when the limiter is no longer needed.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.Allow(clientIP); !ok {
//	    // reply 429 with Retry-After
//	}
//
// # Audit Logging
//
// Auditor writes "security_audit" records through slog. User identifiers are
// hashed before they are logged.
package security
