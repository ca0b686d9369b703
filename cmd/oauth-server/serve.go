package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oauth-provider"
	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/server"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "listen address for the OAuth endpoints")
	flags.String("metrics-listen", "", "listen address for /metrics (disabled when empty)")
	flags.String("issuer", "", "issuer URL (required), e.g. https://auth.example.com")

	flags.String("backend", backendMemory, "state storage backend (memory, valkey, sqlite)")
	flags.String("valkey-addr", "localhost:6379", "valkey server address")
	flags.String("valkey-password", "", "valkey password")
	flags.Int("valkey-db", 0, "valkey database number")
	flags.String("valkey-prefix", "oauth:", "valkey key prefix")
	flags.String("sqlite-dsn", "oauth.db", "sqlite database path")

	flags.String("registry-file", "", "YAML or JSON file with registered clients and users")
	flags.Bool("registry-watch", true, "reload the registry file when it changes")
	flags.String("registry-s3-endpoint", "", "S3 endpoint of the registry object")
	flags.String("registry-s3-region", "", "S3 region of the registry object")
	flags.String("registry-s3-bucket", "", "S3 bucket of the registry object")
	flags.String("registry-s3-key", "registry.yaml", "S3 object key of the registry")
	flags.String("registry-s3-access-key", "", "S3 access key")
	flags.String("registry-s3-secret-key", "", "S3 secret key")
	flags.Bool("registry-s3-insecure", false, "use plain HTTP for S3")
	flags.Duration("registry-poll-interval", time.Minute, "S3 registry poll interval (0 disables polling)")

	flags.String("signing-key-file", "", "ES256 private key as JWK or PEM (ephemeral key when empty)")
	flags.Duration("key-rotation-interval", 0, "rotate the signing key on this interval (0 disables rotation)")

	flags.StringSlice("grants", nil, "enabled grant types (default: authorization_code, client_credentials, refresh_token)")
	flags.StringSlice("scopes", nil, "scope catalog (any client-allowed scope when empty)")
	flags.StringSlice("default-scopes", nil, "scopes granted when a request omits scope")
	flags.Duration("code-ttl", 10*time.Minute, "authorization code lifetime")
	flags.Duration("access-token-ttl", time.Hour, "access token lifetime")
	flags.Duration("refresh-token-ttl", 90*24*time.Hour, "refresh token lifetime")
	flags.Duration("id-token-ttl", time.Hour, "ID token lifetime")
	flags.Duration("device-code-ttl", 10*time.Minute, "device code lifetime")
	flags.Duration("device-poll-interval", 5*time.Second, "minimum device polling interval")
	flags.Bool("disable-refresh-rotation", false, "keep refresh tokens valid across use (insecure)")
	flags.Bool("disable-oidc", false, "do not issue ID tokens")
	flags.Bool("allow-insecure-http", false, "allow a plain http issuer on non-loopback hosts (insecure)")

	flags.Int("rate-limit", 10, "requests per second per client IP on back-channel endpoints (0 disables)")
	flags.Int("rate-burst", 20, "rate limit burst")
	flags.Bool("trust-proxy", false, "trust X-Forwarded-For and X-Real-IP")
	flags.Int("trusted-proxy-count", 1, "number of trusted proxies in front of the server")
	flags.StringSlice("cors-origins", nil, "origins allowed to call the back-channel endpoints")
	flags.Bool("audit", true, "emit security audit log events")
	flags.String("trusted-user-header", "", "header carrying the signed-in user set by an authenticating proxy")
	flags.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	bindFlags(v, flags)

	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(os.Stderr, v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	metricsAddr := v.GetString("metrics-listen")
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        metricsAddr != "",
		ServiceName:    "oauth-server",
		ServiceVersion: currentVersion(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := inst.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStorage(ctx, v, logger, inst)
	if err != nil {
		return err
	}
	defer store.Close()

	keyProvider, err := newKeyProvider(v, logger, inst)
	if err != nil {
		return err
	}

	srv, err := oauth.NewServer(store.adapter, keyProvider, serverConfig(v), &oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:              v.GetInt("rate-limit"),
			Burst:             v.GetInt("rate-burst"),
			TrustProxy:        v.GetBool("trust-proxy"),
			TrustedProxyCount: v.GetInt("trusted-proxy-count"),
		},
		Security: oauth.SecurityConfig{
			EnableAuditLogging: v.GetBool("audit"),
		},
		CORS: oauth.CORSConfig{
			AllowedOrigins: v.GetStringSlice("cors-origins"),
		},
		Consent:         newHeaderConsent(v.GetString("trusted-user-header"), logger),
		Instrumentation: inst,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if interval := v.GetDuration("key-rotation-interval"); interval > 0 {
		go rotateKeys(ctx, keyProvider, interval, logger)
	}

	e := newEcho(srv, logger)
	httpServer := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Authorization server listening", "addr", httpServer.Addr, "issuer", srv.Provider.Config().Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve: %w", err)
		}
	}()

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(inst.Registry(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve metrics: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics shutdown incomplete", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", "error", err)
	}
	return runErr
}

// newEcho mounts the authorization server behind echo with request logging.
func newEcho(srv *oauth.Server, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.Any("/*", echo.WrapHandler(srv))
	return e
}

func serverConfig(v *viper.Viper) *server.Config {
	var scopes []server.Scope
	for _, name := range v.GetStringSlice("scopes") {
		scopes = append(scopes, server.Scope{Name: name})
	}
	return &server.Config{
		Issuer:                      v.GetString("issuer"),
		AuthorizationCodeTTL:        durationSeconds(v.GetDuration("code-ttl")),
		AccessTokenTTL:              durationSeconds(v.GetDuration("access-token-ttl")),
		RefreshTokenTTL:             durationSeconds(v.GetDuration("refresh-token-ttl")),
		IDTokenTTL:                  durationSeconds(v.GetDuration("id-token-ttl")),
		DeviceCodeTTL:               durationSeconds(v.GetDuration("device-code-ttl")),
		DevicePollInterval:          durationSeconds(v.GetDuration("device-poll-interval")),
		Grants:                      v.GetStringSlice("grants"),
		Scopes:                      scopes,
		DefaultScopes:               v.GetStringSlice("default-scopes"),
		DisableRefreshTokenRotation: v.GetBool("disable-refresh-rotation"),
		DisableOIDC:                 v.GetBool("disable-oidc"),
		AllowInsecureHTTP:           v.GetBool("allow-insecure-http"),
	}
}

func newKeyProvider(v *viper.Viper, logger *slog.Logger, inst *instrumentation.Instrumentation) (*keys.Provider, error) {
	cfg := keys.Config{Logger: logger, Instrumentation: inst}
	if path := v.GetString("signing-key-file"); path != "" {
		key, err := keys.LoadKeyFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Key = key
	} else {
		logger.Warn("No signing key configured, using an ephemeral key",
			"risk", "Issued tokens stop verifying after a restart",
			"recommendation", "Create one with 'oauth-server generate-key' and set --signing-key-file")
	}
	return keys.New(cfg)
}

func rotateKeys(ctx context.Context, p *keys.Provider, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kid, err := p.Rotate(ctx)
			if err != nil {
				logger.Error("Signing key rotation failed", "error", err)
				continue
			}
			logger.Info("Signing key rotated", "kid", kid)
		}
	}
}
