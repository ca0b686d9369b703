// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Metrics are exported through a Prometheus registry:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.HandlerFor(inst.Registry(), promhttp.HandlerOpts{}))
//
// Traces are produced by an SDK tracer provider. Pass a SpanProcessor in
// Config to export them.
//
// # Available Metrics
//
// HTTP:
//   - oauth.http.requests{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Flows:
//   - oauth.authorization.requests{client_id, result}
//   - oauth.codes.issued{client_id}, oauth.codes.exchanged{client_id}
//   - oauth.tokens.issued{client_id, grant_type, refresh_token}
//   - oauth.tokens.refreshed{client_id, rotated}
//   - oauth.tokens.revoked{client_id, token_kind}
//   - oauth.tokens.introspected{active}
//   - oauth.device.authorizations{outcome}, oauth.device.polls{result}
//   - oauth.keys.rotations
//
// Security:
//   - oauth.rate_limit.exceeded{endpoint}
//   - oauth.pkce.validation_failed{method}
//   - oauth.client_auth.failed{reason}
//   - oauth.code.reuse_detected, oauth.token.reuse_detected
//   - oauth.token.families_revoked{reason}
//   - oauth.audit.events{event_type}
//
// Storage:
//   - storage.operations{operation, result}
//   - storage.operation.duration{operation}
//   - storage.{codes,tokens,families,devices,clients}.count gauges
//
// Never record token, code or secret values in spans or metric attributes.
package instrumentation
