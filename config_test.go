package oauth

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-provider/security"
)

func TestApplyDefaults(t *testing.T) {
	config := applyDefaults(&Config{Logger: discardLogger()})

	if config.Security.MaxFormBytes != DefaultMaxFormBytes {
		t.Errorf("MaxFormBytes = %d, want %d", config.Security.MaxFormBytes, DefaultMaxFormBytes)
	}
	if config.RateLimit.MaxEntries != security.DefaultMaxLimiterEntries {
		t.Errorf("MaxEntries = %d, want %d", config.RateLimit.MaxEntries, security.DefaultMaxLimiterEntries)
	}
	if config.CORS.MaxAge != defaultCORSMaxAge {
		t.Errorf("CORS.MaxAge = %d, want %d", config.CORS.MaxAge, defaultCORSMaxAge)
	}
	if config.RateLimit.TrustedProxyCount != 0 {
		t.Errorf("TrustedProxyCount = %d, want 0 without TrustProxy", config.RateLimit.TrustedProxyCount)
	}
}

func TestApplyDefaults_Nil(t *testing.T) {
	config := applyDefaults(nil)
	if config == nil || config.Logger == nil {
		t.Fatal("applyDefaults(nil) did not return a usable config")
	}
}

func TestApplyDefaults_RateLimit(t *testing.T) {
	tests := []struct {
		name      string
		in        RateLimitConfig
		wantBurst int
		wantProxy int
	}{
		{name: "burst follows rate", in: RateLimitConfig{Rate: 10}, wantBurst: 10},
		{name: "explicit burst kept", in: RateLimitConfig{Rate: 10, Burst: 30}, wantBurst: 30},
		{name: "trusted proxy default", in: RateLimitConfig{Rate: 1, TrustProxy: true}, wantBurst: 1, wantProxy: 1},
		{name: "trusted proxy count kept", in: RateLimitConfig{Rate: 1, TrustProxy: true, TrustedProxyCount: 2}, wantBurst: 1, wantProxy: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := applyDefaults(&Config{RateLimit: tt.in, Logger: discardLogger()})
			if config.RateLimit.Burst != tt.wantBurst {
				t.Errorf("Burst = %d, want %d", config.RateLimit.Burst, tt.wantBurst)
			}
			if config.RateLimit.TrustedProxyCount != tt.wantProxy {
				t.Errorf("TrustedProxyCount = %d, want %d", config.RateLimit.TrustedProxyCount, tt.wantProxy)
			}
		})
	}
}

func TestApplyDefaults_Warnings(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	applyDefaults(&Config{Logger: logger})

	out := buf.String()
	if !strings.Contains(out, "Rate limiting is DISABLED") {
		t.Errorf("missing rate limit warning in %q", out)
	}
	if !strings.Contains(out, "No consent resolver") {
		t.Errorf("missing consent resolver warning in %q", out)
	}

	buf.Reset()
	applyDefaults(&Config{Logger: logger, RateLimit: RateLimitConfig{Rate: 5}, Consent: approveAs})
	if buf.Len() != 0 {
		t.Errorf("unexpected warnings for a complete config: %q", buf.String())
	}
}
