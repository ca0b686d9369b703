package security

import "time"

// DefaultClockSkewGracePeriod tolerates small clock differences between the
// server instances that share a storage backend.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt lies in the past by more than the
// default grace period. A zero expiry never expires.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredAt(time.Now(), expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredAt reports whether expiresAt, extended by grace, is before now.
func IsExpiredAt(now, expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}
