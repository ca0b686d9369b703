package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantKeep bool
	}{
		{name: "no upstream id", upstream: "", wantKeep: false},
		{name: "valid upstream id", upstream: "req-123_abc", wantKeep: true},
		{name: "header injection rejected", upstream: "abc\r\nX-Evil: 1", wantKeep: false},
		{name: "too long rejected", upstream: strings.Repeat("a", 129), wantKeep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest("GET", "/", nil)
			if tt.upstream != "" {
				r.Header.Set(RequestIDHeader, tt.upstream)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("request id missing from context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, context = %q", got, seen)
			}
			if tt.wantKeep && seen != tt.upstream {
				t.Errorf("upstream id not kept: got %q", seen)
			}
			if !tt.wantKeep && seen == tt.upstream {
				t.Errorf("invalid upstream id %q was kept", tt.upstream)
			}
		})
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}
