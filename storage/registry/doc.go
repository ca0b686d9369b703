// Package registry provides a read-only ClientStore and UserStore loaded from
// a YAML document.
//
// The document can come from a local file, which is reloaded on change, or
// from an object in an S3-compatible bucket, which is polled by ETag. A
// document that fails validation never replaces the current snapshot.
//
// Example document:
//
//	clients:
//	  - client_id: cli
//	    token_endpoint_auth_method: none
//	    redirect_uris: ["http://127.0.0.1:8765/callback"]
//	    grant_types: [authorization_code, refresh_token]
//	    scopes: [openid, profile]
//	users:
//	  - id: user-123
//	    email: user@example.com
//	    email_verified: true
package registry
