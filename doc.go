// Package oauth serves an OAuth 2.1 authorization server over net/http.
//
// The protocol lives in the server package; this package adapts it to HTTP
// with request IDs, security headers, per-IP rate limiting, CORS and
// request metrics. Login and consent are delegated to a ConsentResolver.
//
// Basic usage:
//
//	srv, err := oauth.NewServer(store, keyProvider, &server.Config{
//		Issuer: "https://auth.example.com",
//	}, &oauth.Config{
//		RateLimit: oauth.RateLimitConfig{Rate: 10, Burst: 20},
//		Consent:   myConsentPage,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Shutdown(context.Background())
//
//	http.ListenAndServe(":8080", srv)
//
// Handler.RegisterRoutes mounts the endpoints on an existing mux instead.
package oauth
