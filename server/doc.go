// Package server implements the OAuth 2.1 authorization server core.
//
// The Provider authenticates clients, validates authorization requests,
// executes grants and issues, revokes and introspects tokens. It is
// transport-agnostic: endpoints take a Request value and return a Response
// value, and all durable state lives behind a storage.Adapter.
//
// Key features:
//   - PKCE (S256) required for every authorization request
//   - Exact redirect URI matching
//   - Single-use authorization codes; replay revokes the token family
//   - Refresh token rotation; replay of a rotated token revokes the family
//   - Pluggable grant types (authorization_code, client_credentials,
//     refresh_token, urn:ietf:params:oauth:grant-type:device_code)
//   - RFC 7009 revocation, RFC 7662 introspection, RFC 8628 device flow
//   - OpenID Connect ID tokens
//
// Example usage:
//
//	store := memory.New()
//	signer, err := keys.New(keys.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	provider, err := server.New(store, signer, &server.Config{
//	    Issuer: "https://auth.example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp := provider.Token(ctx, &server.Request{Method: "POST", Form: form})
package server
