package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
)

// Discovery document paths.
const (
	MetadataPathAuthorizationServer = "/.well-known/oauth-authorization-server"
	MetadataPathOpenIDConfiguration = "/.well-known/openid-configuration"
)

// AuthorizationServerMetadata represents RFC 8414 Authorization Server
// Metadata, extended with the OpenID Connect Discovery fields this server
// supports.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is where the token signing keys are published
	JWKSURI string `json:"jwks_uri"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// ResponseModesSupported lists the response modes supported
	ResponseModesSupported []string `json:"response_modes_supported,omitempty"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint"`

	// RevocationEndpointAuthMethodsSupported lists the client authentication methods at the revocation endpoint
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported"`

	// IntrospectionEndpoint is the URL of the OAuth 2.0 token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint"`

	// IntrospectionEndpointAuthMethodsSupported excludes "none"; public clients cannot introspect
	IntrospectionEndpointAuthMethodsSupported []string `json:"introspection_endpoint_auth_methods_supported"`

	// DeviceAuthorizationEndpoint is the RFC 8628 device authorization endpoint
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`

	// AuthorizationResponseIssParameterSupported advertises RFC 9207
	AuthorizationResponseIssParameterSupported bool `json:"authorization_response_iss_parameter_supported"`

	// OpenID Connect Discovery 1.0
	SubjectTypesSupported            []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ClaimsSupported                  []string `json:"claims_supported,omitempty"`
}

// Metadata describes this server from its effective configuration.
func (p *Provider) Metadata() *AuthorizationServerMetadata {
	c := p.config
	grants := p.GrantTypes()
	authMethods := []string{string(AuthMethodBasic), string(AuthMethodPost), string(AuthMethodNone)}

	md := &AuthorizationServerMetadata{
		Issuer:                                     c.Issuer,
		TokenEndpoint:                              c.endpointURL(c.Endpoints.Token),
		JWKSURI:                                    c.endpointURL(c.Endpoints.JWKS),
		ScopesSupported:                            p.scopeNames(),
		ResponseTypesSupported:                     []string{},
		GrantTypesSupported:                        grants,
		TokenEndpointAuthMethodsSupported:          authMethods,
		RevocationEndpoint:                         c.endpointURL(c.Endpoints.Revocation),
		RevocationEndpointAuthMethodsSupported:     authMethods,
		IntrospectionEndpoint:                      c.endpointURL(c.Endpoints.Introspection),
		IntrospectionEndpointAuthMethodsSupported:  []string{string(AuthMethodBasic), string(AuthMethodPost)},
		AuthorizationResponseIssParameterSupported: true,
	}

	if slices.Contains(grants, GrantTypeAuthorizationCode) {
		md.AuthorizationEndpoint = c.endpointURL(c.Endpoints.Authorization)
		md.ResponseTypesSupported = []string{ResponseTypeCode}
		md.ResponseModesSupported = []string{"query"}
		md.CodeChallengeMethodsSupported = []string{PKCEMethodS256}
	}
	if slices.Contains(grants, GrantTypeDeviceCode) {
		md.DeviceAuthorizationEndpoint = c.endpointURL(c.Endpoints.DeviceAuthorization)
	}
	if !c.DisableOIDC {
		md.SubjectTypesSupported = []string{"public"}
		md.IDTokenSigningAlgValuesSupported = []string{"ES256"}
		md.ClaimsSupported = []string{"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce", "azp", "email", "email_verified", "name"}
	}
	return md
}

// MetadataResponse renders Metadata. Discovery documents are cacheable.
func (p *Provider) MetadataResponse() *Response {
	resp := jsonResponse(http.StatusOK, p.Metadata())
	resp.Header.Set("Cache-Control", "public, max-age=3600")
	resp.Header.Del("Pragma")
	return resp
}

// JWKS renders the public signing keys (RFC 7517).
func (p *Provider) JWKS(ctx context.Context) *Response {
	set, err := p.keys.PublicKeys(ctx)
	if err != nil {
		return oauthErrorResponse(p.asOAuthError(ctx, "jwks", fmt.Errorf("failed to load public keys: %w", err)))
	}
	body, err := json.Marshal(set)
	if err != nil {
		return oauthErrorResponse(p.asOAuthError(ctx, "jwks", fmt.Errorf("failed to encode public keys: %w", err)))
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "public, max-age=300")
	return &Response{Status: http.StatusOK, Header: h, Body: body}
}
