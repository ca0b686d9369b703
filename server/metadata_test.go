package server

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

func TestMetadata(t *testing.T) {
	env := setupProvider(t, func(c *Config) {
		c.Scopes = []Scope{{Name: "openid"}, {Name: "read"}}
	})

	md := env.p.Metadata()
	if md.Issuer != testIssuer {
		t.Errorf("issuer = %q", md.Issuer)
	}
	if md.TokenEndpoint != testIssuer+"/token" || md.AuthorizationEndpoint != testIssuer+"/authorize" {
		t.Errorf("endpoints = %q, %q", md.TokenEndpoint, md.AuthorizationEndpoint)
	}
	if !slices.Equal(md.CodeChallengeMethodsSupported, []string{PKCEMethodS256}) {
		t.Errorf("code_challenge_methods_supported = %v", md.CodeChallengeMethodsSupported)
	}
	if !slices.Contains(md.GrantTypesSupported, GrantTypeDeviceCode) || md.DeviceAuthorizationEndpoint == "" {
		t.Error("device grant not advertised")
	}
	if slices.Contains(md.IntrospectionEndpointAuthMethodsSupported, string(AuthMethodNone)) {
		t.Error("public clients can't introspect")
	}
	if !md.AuthorizationResponseIssParameterSupported {
		t.Error("iss parameter must be advertised")
	}
	if !slices.Equal(md.ScopesSupported, []string{"openid", "read"}) {
		t.Errorf("scopes_supported = %v", md.ScopesSupported)
	}
	if !slices.Contains(md.IDTokenSigningAlgValuesSupported, "ES256") {
		t.Error("OIDC fields missing")
	}

	resp := env.p.MetadataResponse()
	var decoded map[string]any
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded["jwks_uri"] != testIssuer+DefaultJWKSPath {
		t.Errorf("jwks_uri = %v", decoded["jwks_uri"])
	}
}

func TestMetadataWithoutOptionalFeatures(t *testing.T) {
	env := setupProvider(t, func(c *Config) {
		c.Grants = []string{GrantTypeClientCredentials}
		c.DisableOIDC = true
	})

	md := env.p.Metadata()
	if md.AuthorizationEndpoint != "" || md.DeviceAuthorizationEndpoint != "" {
		t.Error("endpoints of disabled grants must not be advertised")
	}
	if len(md.ResponseTypesSupported) != 0 {
		t.Errorf("response_types_supported = %v", md.ResponseTypesSupported)
	}
	if md.IDTokenSigningAlgValuesSupported != nil {
		t.Error("OIDC fields advertised with OIDC disabled")
	}
}

func TestJWKS(t *testing.T) {
	env := setupProvider(t, nil)

	resp := env.p.JWKS(context.Background())
	if resp.Status != http.StatusOK {
		t.Fatalf("JWKS() status = %d", resp.Status)
	}
	set, err := jwk.Parse(resp.Body)
	if err != nil {
		t.Fatalf("jwk.Parse() error = %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("keys = %d, want 1", set.Len())
	}
	key, _ := set.Key(0)
	if key.KeyID() != env.keys.KeyID() {
		t.Errorf("kid = %q, want %q", key.KeyID(), env.keys.KeyID())
	}
}
