package security

import (
	"testing"
	"time"
)

func TestIsExpiredAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{name: "zero expiry never expires", expiresAt: time.Time{}, grace: 0, want: false},
		{name: "future", expiresAt: now.Add(time.Minute), grace: 0, want: false},
		{name: "past without grace", expiresAt: now.Add(-time.Second), grace: 0, want: true},
		{name: "past within grace", expiresAt: now.Add(-3 * time.Second), grace: 5 * time.Second, want: false},
		{name: "past beyond grace", expiresAt: now.Add(-6 * time.Second), grace: 5 * time.Second, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredAt(now, tt.expiresAt, tt.grace); got != tt.want {
				t.Errorf("IsExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	if IsExpired(time.Now().Add(time.Hour)) {
		t.Error("future expiry reported as expired")
	}
	if !IsExpired(time.Now().Add(-time.Hour)) {
		t.Error("past expiry reported as valid")
	}
}
