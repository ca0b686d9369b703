package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/server"
	"github.com/giantswarm/oauth-provider/storage"
)

// Server wires a Provider to its HTTP handler, security auditor and
// instrumentation. It is an http.Handler serving every endpoint.
type Server struct {
	Provider        *server.Provider
	Handler         *Handler
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	routes http.Handler
}

// NewServer creates the Provider and its HTTP handler. Extra provider
// options, such as custom grant handlers, are applied after the ones
// derived from config.
func NewServer(
	adapter storage.Adapter,
	keys server.KeyProvider,
	serverConfig *server.Config,
	config *Config,
	opts ...server.Option,
) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inst := config.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}

	auditor := security.NewAuditor(logger, config.Security.EnableAuditLogging)
	auditor.SetInstrumentation(inst)

	base := []server.Option{
		server.WithLogger(logger),
		server.WithAuditor(auditor),
		server.WithInstrumentation(inst),
	}
	provider, err := server.New(adapter, keys, serverConfig, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	handler := NewHandler(provider, config)
	return &Server{
		Provider:        provider,
		Handler:         handler,
		Auditor:         auditor,
		Instrumentation: inst,
		routes:          handler.Routes(),
	}, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.routes.ServeHTTP(w, r)
}

// Shutdown stops background work and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Handler.Close()
	return s.Instrumentation.Shutdown(ctx)
}
