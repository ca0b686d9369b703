package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
)

func TestClientAuthenticator(t *testing.T) {
	env := setupProvider(t, nil)
	ctx := context.Background()

	postClient := testutil.ConfidentialClient(t)
	postClient.ClientID = "post-client"
	postClient.TokenEndpointAuthMethod = string(AuthMethodPost)
	if err := env.store.SaveClient(ctx, postClient); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	tests := []struct {
		name       string
		req        func() *Request
		wantClient string
		wantMethod AuthMethod
		wantErr    bool
	}{
		{
			name: "basic",
			req: func() *Request {
				return withBasic(formRequest(url.Values{}), testutil.ConfidentialClientID, testutil.ClientSecret)
			},
			wantClient: testutil.ConfidentialClientID,
			wantMethod: AuthMethodBasic,
		},
		{
			name: "basic with matching body client_id",
			req: func() *Request {
				return withBasic(formRequest(url.Values{"client_id": {testutil.ConfidentialClientID}}),
					testutil.ConfidentialClientID, testutil.ClientSecret)
			},
			wantClient: testutil.ConfidentialClientID,
			wantMethod: AuthMethodBasic,
		},
		{
			name: "post",
			req: func() *Request {
				return formRequest(url.Values{"client_id": {"post-client"}, "client_secret": {testutil.ClientSecret}})
			},
			wantClient: "post-client",
			wantMethod: AuthMethodPost,
		},
		{
			name: "public",
			req: func() *Request {
				return formRequest(url.Values{"client_id": {testutil.PublicClientID}})
			},
			wantClient: testutil.PublicClientID,
			wantMethod: AuthMethodNone,
		},
		{
			name: "wrong secret",
			req: func() *Request {
				return withBasic(formRequest(url.Values{}), testutil.ConfidentialClientID, "wrong")
			},
			wantErr: true,
		},
		{
			name: "unknown client with secret",
			req: func() *Request {
				return withBasic(formRequest(url.Values{}), "nobody", "secret")
			},
			wantErr: true,
		},
		{
			name: "two methods",
			req: func() *Request {
				return withBasic(formRequest(url.Values{"client_secret": {testutil.ClientSecret}}),
					testutil.ConfidentialClientID, testutil.ClientSecret)
			},
			wantErr: true,
		},
		{
			name: "basic and body client_id disagree",
			req: func() *Request {
				return withBasic(formRequest(url.Values{"client_id": {testutil.PublicClientID}}),
					testutil.ConfidentialClientID, testutil.ClientSecret)
			},
			wantErr: true,
		},
		{
			name: "basic client authenticating with post",
			req: func() *Request {
				return formRequest(url.Values{
					"client_id":     {testutil.ConfidentialClientID},
					"client_secret": {testutil.ClientSecret},
				})
			},
			wantErr: true,
		},
		{
			name: "confidential client without secret",
			req: func() *Request {
				return formRequest(url.Values{"client_id": {testutil.ConfidentialClientID}})
			},
			wantErr: true,
		},
		{
			name: "public client presenting a secret",
			req: func() *Request {
				return formRequest(url.Values{"client_id": {testutil.PublicClientID}, "client_secret": {"x"}})
			},
			wantErr: true,
		},
		{
			name: "malformed basic",
			req: func() *Request {
				r := formRequest(url.Values{})
				r.Header.Set("Authorization", "Basic !!!")
				return r
			},
			wantErr: true,
		},
		{
			name: "basic without colon",
			req: func() *Request {
				r := formRequest(url.Values{})
				r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("nocolon")))
				return r
			},
			wantErr: true,
		},
		{
			name: "no credentials",
			req: func() *Request {
				return formRequest(url.Values{})
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, method, err := env.p.Authenticator().Authenticate(ctx, tt.req())
			if tt.wantErr {
				if !isOAuthCode(err, ErrorCodeInvalidClient) {
					t.Errorf("Authenticate() error = %v, want invalid_client", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if client.ClientID != tt.wantClient || method != tt.wantMethod {
				t.Errorf("Authenticate() = %s/%s, want %s/%s", client.ClientID, method, tt.wantClient, tt.wantMethod)
			}
		})
	}
}

func TestClientAuthenticatorEncodedCredentials(t *testing.T) {
	env := setupProvider(t, nil)
	ctx := context.Background()

	secret := "s3cr:t/with+chars"
	client := testutil.ConfidentialClient(t)
	client.ClientID = "client:with space"
	client.ClientSecretHash = testutil.HashSecret(t, secret)
	if err := env.store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, _, err := env.p.Authenticator().Authenticate(ctx, withBasic(formRequest(url.Values{}), client.ClientID, secret))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q", got.ClientID)
	}
}

func TestClientAuthenticatorStorageFailure(t *testing.T) {
	env := setupProvider(t, nil)
	env.mock.FailOn("GetClient", errStorageDown)

	_, _, err := env.p.Authenticator().Authenticate(context.Background(),
		formRequest(url.Values{"client_id": {testutil.PublicClientID}}))
	if err == nil || isOAuthCode(err, ErrorCodeInvalidClient) {
		t.Errorf("Authenticate() error = %v, want an internal error", err)
	}
}

func TestRegisteredMethod(t *testing.T) {
	tests := []struct {
		client *storage.Client
		want   AuthMethod
	}{
		{&storage.Client{ClientType: storage.ClientTypePublic}, AuthMethodNone},
		{&storage.Client{ClientType: storage.ClientTypeConfidential}, AuthMethodBasic},
		{&storage.Client{ClientType: storage.ClientTypeConfidential, TokenEndpointAuthMethod: "client_secret_post"}, AuthMethodPost},
	}
	for _, tt := range tests {
		if got := registeredMethod(tt.client); got != tt.want {
			t.Errorf("registeredMethod(%+v) = %s, want %s", tt.client, got, tt.want)
		}
	}
}

func TestHasBasicAuth(t *testing.T) {
	r := &Request{Header: http.Header{"Authorization": {"basic abc"}}}
	if !r.HasBasicAuth() {
		t.Error("scheme is case-insensitive")
	}
	r = &Request{Header: http.Header{"Authorization": {"Bearer abc"}}}
	if r.HasBasicAuth() {
		t.Error("Bearer is not Basic")
	}
	if (&Request{}).HasBasicAuth() {
		t.Error("no header")
	}
}

func TestInvalidClientChallenge(t *testing.T) {
	env := setupProvider(t, nil)
	ctx := context.Background()

	postClient := testutil.ConfidentialClient(t)
	postClient.ClientID = "post-client"
	postClient.TokenEndpointAuthMethod = string(AuthMethodPost)
	if err := env.store.SaveClient(ctx, postClient); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	challenge := `Basic realm="` + testIssuer + `"`
	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{
			name: "basic client with wrong basic secret",
			req: withBasic(formRequest(url.Values{"grant_type": {GrantTypeClientCredentials}}),
				testutil.ConfidentialClientID, "wrong"),
			want: challenge,
		},
		{
			name: "basic client presenting post credentials",
			req: formRequest(url.Values{
				"grant_type":    {GrantTypeClientCredentials},
				"client_id":     {testutil.ConfidentialClientID},
				"client_secret": {testutil.ClientSecret},
			}),
			want: challenge,
		},
		{
			name: "basic client without a secret",
			req: formRequest(url.Values{
				"grant_type": {GrantTypeClientCredentials},
				"client_id":  {testutil.ConfidentialClientID},
			}),
			want: challenge,
		},
		{
			name: "unknown client with post credentials",
			req: formRequest(url.Values{
				"grant_type":    {GrantTypeClientCredentials},
				"client_id":     {"nobody"},
				"client_secret": {"secret"},
			}),
			want: challenge,
		},
		{
			name: "post client with wrong secret",
			req: formRequest(url.Values{
				"grant_type":    {GrantTypeClientCredentials},
				"client_id":     {"post-client"},
				"client_secret": {"wrong"},
			}),
		},
		{
			name: "public client presenting a secret",
			req: formRequest(url.Values{
				"grant_type":    {GrantTypeAuthorizationCode},
				"client_id":     {testutil.PublicClientID},
				"client_secret": {"secret"},
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.p.Token(ctx, tt.req)
			assertOAuthError(t, resp, http.StatusUnauthorized, ErrorCodeInvalidClient)
			if got := resp.Header.Get("WWW-Authenticate"); got != tt.want {
				t.Errorf("WWW-Authenticate = %q, want %q", got, tt.want)
			}
		})
	}
}
