package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/server"
)

const (
	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache
	formContentType   = "application/x-www-form-urlencoded"
)

// Handler is a thin HTTP adapter for the Provider.
// It turns requests into server.Request values and writes the returned
// server.Response; all protocol decisions are made by the Provider.
type Handler struct {
	provider *server.Provider
	config   *Config
	consent  ConsentResolver
	issuer   string
	logger   *slog.Logger
	tracer   trace.Tracer // OpenTelemetry tracer for HTTP layer
	metrics  *instrumentation.Metrics
	auditor  *security.Auditor
	limiter  *security.RateLimiter // nil when rate limiting is disabled
}

// NewHandler creates a new HTTP handler
func NewHandler(provider *server.Provider, config *Config) *Handler {
	config = applyDefaults(config)

	h := &Handler{
		provider: provider,
		config:   config,
		consent:  config.Consent,
		issuer:   provider.Config().Issuer,
		logger:   config.Logger,
		auditor:  provider.Auditor(),
	}
	if h.consent == nil {
		h.consent = denyAll
	}

	inst := provider.Instrumentation()
	h.tracer = inst.Tracer("http")
	h.metrics = inst.Metrics()

	if config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiterWithConfig(
			config.RateLimit.Rate, config.RateLimit.Burst, config.RateLimit.MaxEntries, config.Logger)
	}
	return h
}

// Close stops the rate limiter's cleanup goroutine.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes registers every endpoint on a new mux at the configured paths and
// wraps it with request ID propagation.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// RegisterRoutes registers the endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	config := h.provider.Config()
	e := config.Endpoints
	grants := h.provider.GrantTypes()

	if slices.Contains(grants, server.GrantTypeAuthorizationCode) {
		mux.HandleFunc(e.Authorization, h.ServeAuthorization)
	}
	mux.HandleFunc(e.Token, h.ServeToken)
	mux.HandleFunc(e.Revocation, h.ServeRevocation)
	mux.HandleFunc(e.Introspection, h.ServeIntrospection)
	if slices.Contains(grants, server.GrantTypeDeviceCode) {
		mux.HandleFunc(e.DeviceAuthorization, h.ServeDeviceAuthorization)
		mux.HandleFunc(e.DeviceVerification, h.ServeDeviceVerification)
	}

	mux.HandleFunc(server.MetadataPathAuthorizationServer, h.ServeMetadata)
	if !config.DisableOIDC {
		mux.HandleFunc(server.MetadataPathOpenIDConfiguration, h.ServeMetadata)
	}
	mux.HandleFunc(e.JWKS, h.ServeJWKS)
}

// ServeAuthorization handles the authorization endpoint (GET or POST).
// The request is validated, handed to the ConsentResolver, and completed
// with a redirect carrying a code or an error.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "authorization", false, h.handleAuthorization)
}

func (h *Handler) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	ctx := r.Context()
	req := h.newRequest(r, true)

	areq, errResp := h.provider.ValidateAuthorizationRequest(ctx, req)
	if errResp != nil {
		h.writeResponse(w, errResp)
		return
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(instrumentation.AttrClientID, areq.Client.ClientID))

	consent, proceed := h.consent.ResolveConsent(w, r, &ConsentRequest{Authorization: areq})
	if !proceed {
		return
	}
	h.writeResponse(w, h.provider.Authorize(ctx, req, consent))
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "token", true, func(w http.ResponseWriter, r *http.Request) {
		h.serveBackChannel(w, r, "token", h.provider.Token)
	})
}

// ServeRevocation handles the RFC 7009 revocation endpoint
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "revocation", true, func(w http.ResponseWriter, r *http.Request) {
		h.serveBackChannel(w, r, "revocation", h.provider.Revoke)
	})
}

// ServeIntrospection handles the RFC 7662 introspection endpoint
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "introspection", true, func(w http.ResponseWriter, r *http.Request) {
		h.serveBackChannel(w, r, "introspection", h.provider.Introspect)
	})
}

// ServeDeviceAuthorization handles the RFC 8628 device authorization endpoint
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "device_authorization", true, func(w http.ResponseWriter, r *http.Request) {
		h.serveBackChannel(w, r, "device_authorization", h.provider.DeviceAuthorize)
	})
}

// serveBackChannel runs a form-encoded POST endpoint. The method check is
// left to the Provider so every endpoint reports it the same way.
func (h *Handler) serveBackChannel(w http.ResponseWriter, r *http.Request, endpoint string,
	call func(context.Context, *server.Request) *server.Response) {
	if !h.allow(w, r, endpoint) {
		return
	}
	if !h.parseForm(w, r) {
		return
	}
	h.writeResponse(w, call(r.Context(), h.newRequest(r, false)))
}

// ServeDeviceVerification is where the user enters the user code shown on
// the device. The ConsentResolver decides, then the authorization is
// approved or denied.
func (h *Handler) ServeDeviceVerification(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "device_verification", false, h.handleDeviceVerification)
}

func (h *Handler) handleDeviceVerification(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "device_verification") {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	userCode := r.Form.Get("user_code")
	if userCode == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "user_code is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	auth, err := h.provider.LookupDevice(ctx, userCode)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	consent, proceed := h.consent.ResolveConsent(w, r, &ConsentRequest{Device: auth})
	if !proceed {
		return
	}

	status := "approved"
	if consent == nil || consent.UserID == "" {
		status = "denied"
		err = h.provider.DenyDevice(ctx, auth.UserCode)
	} else {
		err = h.provider.ApproveDevice(ctx, auth.UserCode, consent)
	}
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.logger.Info("Device authorization resolved",
		"client_id", auth.ClientID,
		"status", status,
		"request_id", security.GetRequestID(ctx))
	h.writeJSON(w, http.StatusOK, DeviceVerificationResponse{Status: status, ClientID: auth.ClientID})
}

// ServeMetadata serves RFC 8414 authorization server metadata. The same
// document is served for OpenID Connect discovery.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "metadata", true, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.methodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		h.writeResponse(w, h.provider.MetadataResponse())
	})
}

// ServeJWKS serves the public signing keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "jwks", true, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.methodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		h.writeResponse(w, h.provider.JWKS(r.Context()))
	})
}

// serve wraps an endpoint with a span, CORS handling and HTTP metrics.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, endpoint string, cors bool, fn http.HandlerFunc) {
	startTime := time.Now()

	ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
	defer span.End()
	r = r.WithContext(ctx)

	sw := &statusWriter{ResponseWriter: w}
	if cors {
		h.setCORSHeaders(sw, r)
	}

	if cors && r.Method == http.MethodOptions {
		sw.Header().Set("X-Content-Type-Options", "nosniff")
		sw.WriteHeader(http.StatusNoContent)
	} else {
		fn(sw, r)
	}

	status := sw.Status()
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
	if status >= http.StatusInternalServerError {
		instrumentation.SetSpanError(span, http.StatusText(status))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	h.recordHTTPMetrics(ctx, endpoint, r.Method, status, startTime)
}

// allow applies the per-IP rate limit. It writes the 429 itself.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.limiter == nil {
		return true
	}
	clientIP := h.clientIP(r)
	ok, retryAfter := h.limiter.Allow(clientIP)
	if ok {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
	h.auditor.LogRateLimitExceeded(clientIP, endpoint)
	h.writeRateLimited(w, retryAfter)
	return false
}

// parseForm parses the query and, for POST, a bounded form body.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != formContentType {
			h.writeError(w, ErrorCodeInvalidRequest, "Content-Type must be "+formContentType, http.StatusBadRequest)
			return false
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.config.Security.MaxFormBytes)
	}

	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, ErrorCodeInvalidRequest, "Request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return false
	}
	return true
}

// newRequest converts a parsed request. Back-channel endpoints only accept
// parameters from the body.
func (h *Handler) newRequest(r *http.Request, withQuery bool) *server.Request {
	req := &server.Request{
		Method:   r.Method,
		Header:   r.Header,
		Form:     r.PostForm,
		ClientIP: h.clientIP(r),
	}
	if withQuery {
		req.Query = r.URL.Query()
	}
	return req
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
}

// writeResponse writes a Provider response. The security headers go first so
// the response can relax caching for discovery documents.
func (h *Handler) writeResponse(w http.ResponseWriter, resp *server.Response) {
	header := w.Header()
	security.SetSecurityHeaders(header, h.issuer)
	for k, v := range resp.Header {
		header[k] = v
	}
	if header.Get("Cache-Control") != "no-store" {
		header.Del("Pragma")
	}

	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w.Header(), h.issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
// Only applies if AllowedOrigins is configured, Origin header is present, and origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		// Exact match (origins compare case-sensitively)
		if allowed == origin {
			return true
		}
	}
	return false
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.metrics.RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// statusWriter remembers the status code for metrics and spans.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Status returns the written status, 200 if nothing was written.
func (s *statusWriter) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
