package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
)

func TestAuthorizationCodeFlow(t *testing.T) {
	ctx := context.Background()
	env := setupProvider(t, nil)

	code, verifier := authorizeCode(t, env, "openid read")
	tr := decodeTokenResponse(t, exchangeCode(env, code, verifier))

	if tr.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", tr.TokenType)
	}
	if tr.RefreshToken == "" {
		t.Error("expected a refresh token")
	}
	if tr.IDToken == "" {
		t.Error("expected an ID token for the openid scope")
	}
	if tr.Scope != "openid read" {
		t.Errorf("scope = %q, want %q", tr.Scope, "openid read")
	}

	claims, err := env.keys.Verify(ctx, tr.AccessToken)
	if err != nil {
		t.Fatalf("Verify(access_token) error = %v", err)
	}
	if claims["sub"] != testutil.UserID {
		t.Errorf("sub = %v, want %s", claims["sub"], testutil.UserID)
	}
	if claims["client_id"] != testutil.PublicClientID {
		t.Errorf("client_id = %v, want %s", claims["client_id"], testutil.PublicClientID)
	}
	if claims["iss"] != testIssuer {
		t.Errorf("iss = %v, want %s", claims["iss"], testIssuer)
	}

	idClaims, err := env.keys.Verify(ctx, tr.IDToken)
	if err != nil {
		t.Fatalf("Verify(id_token) error = %v", err)
	}
	if idClaims["aud"] != testutil.PublicClientID {
		t.Errorf("id_token aud = %v, want %s", idClaims["aud"], testutil.PublicClientID)
	}

	// Replaying the code fails and revokes what it minted.
	assertOAuthError(t, exchangeCode(env, code, verifier), http.StatusBadRequest, ErrorCodeInvalidGrant)

	for _, value := range []string{tr.AccessToken, tr.RefreshToken} {
		tok, err := env.store.GetToken(ctx, value)
		if err != nil {
			t.Fatalf("GetToken() error = %v", err)
		}
		if !tok.Revoked {
			t.Errorf("%s not revoked after code replay", tok.Kind)
		}
	}
}

func TestAuthorizationCodeReplayWithoutRevocation(t *testing.T) {
	ctx := context.Background()
	env := setupProvider(t, func(c *Config) { c.DisableCodeReuseRevocation = true })

	code, verifier := authorizeCode(t, env, "read")
	tr := decodeTokenResponse(t, exchangeCode(env, code, verifier))

	assertOAuthError(t, exchangeCode(env, code, verifier), http.StatusBadRequest, ErrorCodeInvalidGrant)

	tok, err := env.store.GetToken(ctx, tr.AccessToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if tok.Revoked {
		t.Error("access token revoked although code reuse revocation is disabled")
	}
}

func TestAuthorizationCodeExchangeFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(form url.Values)
		// otherCode is set when the request does not present the issued code.
		otherCode bool
	}{
		{
			name:   "wrong verifier",
			mutate: func(f url.Values) { f.Set("code_verifier", testutil.GenerateRandomString(50)) },
		},
		{
			name:   "wrong redirect uri",
			mutate: func(f url.Values) { f.Set("redirect_uri", "http://127.0.0.1:8765/cb") },
		},
		{
			name:   "redirect uri with trailing slash",
			mutate: func(f url.Values) { f.Set("redirect_uri", testutil.RedirectURI+"/") },
		},
		{
			name:      "unknown code",
			mutate:    func(f url.Values) { f.Set("code", testutil.GenerateRandomString(43)) },
			otherCode: true,
		},
		{
			name:   "verifier too short",
			mutate: func(f url.Values) { f.Set("code_verifier", "short") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupProvider(t, nil)
			code, verifier := authorizeCode(t, env, "read")

			form := url.Values{
				"grant_type":    {GrantTypeAuthorizationCode},
				"client_id":     {testutil.PublicClientID},
				"code":          {code},
				"redirect_uri":  {testutil.RedirectURI},
				"code_verifier": {verifier},
			}
			tt.mutate(form)

			resp := env.p.Token(context.Background(), formRequest(form))
			assertOAuthError(t, resp, http.StatusBadRequest, ErrorCodeInvalidGrant)
			if got := decodeError(t, resp).ErrorDescription; got != descInvalidGrant {
				t.Errorf("error_description = %q, want the fixed invalid_grant text", got)
			}

			if tt.otherCode {
				// The issued code was never presented and stays usable.
				decodeTokenResponse(t, exchangeCode(env, code, verifier))
				return
			}
			// A failed exchange burns the code.
			assertOAuthError(t, exchangeCode(env, code, verifier), http.StatusBadRequest, ErrorCodeInvalidGrant)
		})
	}
}

func TestAuthorizationCodeExpired(t *testing.T) {
	env := setupProvider(t, nil)
	code, verifier := authorizeCode(t, env, "read")

	env.clock.Advance(11 * time.Minute)
	assertOAuthError(t, exchangeCode(env, code, verifier), http.StatusBadRequest, ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeOtherClient(t *testing.T) {
	env := setupProvider(t, nil)
	code, verifier := authorizeCode(t, env, "read")

	req := withBasic(formRequest(url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"code_verifier": {verifier},
	}), testutil.ConfidentialClientID, testutil.ClientSecret)

	assertOAuthError(t, env.p.Token(context.Background(), req), http.StatusBadRequest, ErrorCodeInvalidGrant)
}

func TestConcurrentCodeExchange(t *testing.T) {
	env := setupProvider(t, nil)
	code, verifier := authorizeCode(t, env, "read")

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := exchangeCode(env, code, verifier)
			if resp.Status == http.StatusOK {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("successful exchanges = %d, want exactly 1", success)
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	ctx := context.Background()
	env := setupProvider(t, nil)

	req := withBasic(formRequest(url.Values{
		"grant_type": {GrantTypeClientCredentials},
		"scope":      {"read write"},
	}), testutil.ConfidentialClientID, testutil.ClientSecret)

	tr := decodeTokenResponse(t, env.p.Token(ctx, req))
	if tr.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
	if tr.IDToken != "" {
		t.Error("client_credentials must not issue an ID token")
	}

	claims, err := env.keys.Verify(ctx, tr.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims["sub"] != testutil.ConfidentialClientID {
		t.Errorf("sub = %v, want the client ID", claims["sub"])
	}

	tok, err := env.store.GetToken(ctx, tr.AccessToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if tok.UserID != "" {
		t.Errorf("UserID = %q, want empty", tok.UserID)
	}
}

func TestClientCredentialsErrors(t *testing.T) {
	env := setupProvider(t, nil)
	ctx := context.Background()

	t.Run("scope not allowed", func(t *testing.T) {
		req := withBasic(formRequest(url.Values{
			"grant_type": {GrantTypeClientCredentials},
			"scope":      {"admin"},
		}), testutil.ConfidentialClientID, testutil.ClientSecret)
		assertOAuthError(t, env.p.Token(ctx, req), http.StatusBadRequest, ErrorCodeInvalidScope)
	})

	t.Run("public client", func(t *testing.T) {
		req := formRequest(url.Values{
			"grant_type": {GrantTypeClientCredentials},
			"client_id":  {testutil.PublicClientID},
		})
		assertOAuthError(t, env.p.Token(ctx, req), http.StatusBadRequest, ErrorCodeUnauthorizedClient)
	})

	t.Run("wrong secret challenges basic", func(t *testing.T) {
		req := withBasic(formRequest(url.Values{
			"grant_type": {GrantTypeClientCredentials},
		}), testutil.ConfidentialClientID, "wrong")
		resp := env.p.Token(ctx, req)
		assertOAuthError(t, resp, http.StatusUnauthorized, ErrorCodeInvalidClient)
		if got := resp.Header.Get("WWW-Authenticate"); got != `Basic realm="`+testIssuer+`"` {
			t.Errorf("WWW-Authenticate = %q", got)
		}
	})
}

func TestRefreshTokenRotation(t *testing.T) {
	ctx := context.Background()
	env := setupProvider(t, nil)

	code, verifier := authorizeCode(t, env, "openid read")
	first := decodeTokenResponse(t, exchangeCode(env, code, verifier))

	second := decodeTokenResponse(t, refresh(env, first.RefreshToken, ""))
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh must rotate the refresh token")
	}
	if second.Scope != "openid read" {
		t.Errorf("scope = %q, want the original scopes", second.Scope)
	}

	old, err := env.store.GetToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	rotated, err := env.store.GetToken(ctx, second.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if rotated.FamilyID != old.FamilyID {
		t.Error("rotated token must stay in the same family")
	}
	if rotated.ParentID != old.ID {
		t.Errorf("ParentID = %q, want %q", rotated.ParentID, old.ID)
	}

	// Replaying the old token revokes the whole family.
	assertOAuthError(t, refresh(env, first.RefreshToken, ""), http.StatusBadRequest, ErrorCodeInvalidGrant)
	assertOAuthError(t, refresh(env, second.RefreshToken, ""), http.StatusBadRequest, ErrorCodeInvalidGrant)

	access, err := env.store.GetToken(ctx, second.AccessToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !access.Revoked {
		t.Error("access token minted after rotation must be revoked by the replay")
	}
}

func TestRefreshTokenScopeNarrowing(t *testing.T) {
	env := setupProvider(t, nil)
	code, verifier := authorizeCode(t, env, "openid read")
	first := decodeTokenResponse(t, exchangeCode(env, code, verifier))

	// Asking for more than was granted fails without burning the token.
	assertOAuthError(t, refresh(env, first.RefreshToken, "openid read profile"), http.StatusBadRequest, ErrorCodeInvalidScope)

	narrowed := decodeTokenResponse(t, refresh(env, first.RefreshToken, "read"))
	if narrowed.Scope != "read" {
		t.Errorf("scope = %q, want read", narrowed.Scope)
	}
	if narrowed.IDToken != "" {
		t.Error("no ID token without openid")
	}

	// The rotated refresh token keeps the originally granted scope.
	rotated, err := env.store.GetToken(context.Background(), narrowed.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if got := strings.Join(rotated.Scopes, " "); got != "openid read" {
		t.Errorf("rotated refresh token scopes = %q, want %q", got, "openid read")
	}

	widened := decodeTokenResponse(t, refresh(env, narrowed.RefreshToken, "openid read"))
	if widened.Scope != "openid read" {
		t.Errorf("scope = %q, want the original scopes back", widened.Scope)
	}
	if widened.IDToken == "" {
		t.Error("expected an ID token once openid is requested again")
	}
}

func TestRefreshTokenWithoutRotation(t *testing.T) {
	env := setupProvider(t, func(c *Config) { c.DisableRefreshTokenRotation = true })
	code, verifier := authorizeCode(t, env, "read")
	first := decodeTokenResponse(t, exchangeCode(env, code, verifier))

	for i := 0; i < 2; i++ {
		tr := decodeTokenResponse(t, refresh(env, first.RefreshToken, ""))
		if tr.RefreshToken != "" {
			t.Errorf("refresh %d returned a new refresh token without rotation", i)
		}
	}
}

func TestRefreshTokenFailures(t *testing.T) {
	ctx := context.Background()
	env := setupProvider(t, nil)
	code, verifier := authorizeCode(t, env, "read")
	tr := decodeTokenResponse(t, exchangeCode(env, code, verifier))

	t.Run("unknown token", func(t *testing.T) {
		assertOAuthError(t, refresh(env, "nope", ""), http.StatusBadRequest, ErrorCodeInvalidGrant)
	})

	t.Run("access token", func(t *testing.T) {
		assertOAuthError(t, refresh(env, tr.AccessToken, ""), http.StatusBadRequest, ErrorCodeInvalidGrant)
	})

	t.Run("other client", func(t *testing.T) {
		req := withBasic(formRequest(url.Values{
			"grant_type":    {GrantTypeRefreshToken},
			"refresh_token": {tr.RefreshToken},
		}), testutil.ConfidentialClientID, testutil.ClientSecret)
		assertOAuthError(t, env.p.Token(ctx, req), http.StatusBadRequest, ErrorCodeInvalidGrant)

		// The owner can still use it.
		decodeTokenResponse(t, refresh(env, tr.RefreshToken, ""))
	})

	t.Run("expired", func(t *testing.T) {
		value := testutil.GenerateRandomString(43)
		rec := testutil.RefreshToken(value, "family-expired", env.clock.Now().Add(-48*time.Hour))
		if err := env.store.SaveToken(ctx, rec); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
		assertOAuthError(t, refresh(env, value, ""), http.StatusBadRequest, ErrorCodeInvalidGrant)
	})

	t.Run("missing parameter", func(t *testing.T) {
		assertOAuthError(t, refresh(env, "", ""), http.StatusBadRequest, ErrorCodeInvalidRequest)
	})
}

func TestConcurrentRefresh(t *testing.T) {
	env := setupProvider(t, nil)
	code, verifier := authorizeCode(t, env, "read")
	tr := decodeTokenResponse(t, exchangeCode(env, code, verifier))

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if refresh(env, tr.RefreshToken, "").Status == http.StatusOK {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("successful refreshes = %d, want exactly 1", success)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	env := setupProvider(t, func(c *Config) {
		c.Grants = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	})
	ctx := context.Background()

	tests := []struct {
		name       string
		req        *Request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing grant_type",
			req:        formRequest(url.Values{"client_id": {testutil.PublicClientID}}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "disabled grant",
			req:        formRequest(url.Values{"grant_type": {GrantTypeClientCredentials}, "client_id": {testutil.PublicClientID}}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedGrantType,
		},
		{
			name:       "unknown grant",
			req:        formRequest(url.Values{"grant_type": {"password"}, "client_id": {testutil.PublicClientID}}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedGrantType,
		},
		{
			name:       "duplicate grant_type",
			req:        formRequest(url.Values{"grant_type": {GrantTypeRefreshToken, GrantTypeRefreshToken}}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "unknown client",
			req:        formRequest(url.Values{"grant_type": {GrantTypeRefreshToken}, "client_id": {"nobody"}}),
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name: "GET",
			req: &Request{
				Method: http.MethodGet,
				Query:  url.Values{"grant_type": {GrantTypeRefreshToken}},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertOAuthError(t, env.p.Token(ctx, tt.req), tt.wantStatus, tt.wantCode)
		})
	}
}

func TestTokenStorageFailure(t *testing.T) {
	env := setupProvider(t, nil)
	code, verifier := authorizeCode(t, env, "read")

	env.mock.FailOn("SaveToken", errStorageDown)
	resp := exchangeCode(env, code, verifier)
	assertOAuthError(t, resp, http.StatusInternalServerError, ErrorCodeServerError)
	if got := decodeError(t, resp).ErrorDescription; got != descServerError {
		t.Errorf("error_description = %q, internal details must not leak", got)
	}
}

func TestTokenStoreRecordsHashedValues(t *testing.T) {
	env := setupProvider(t, nil)
	code, verifier := authorizeCode(t, env, "read")
	tr := decodeTokenResponse(t, exchangeCode(env, code, verifier))

	tok, err := env.store.GetToken(context.Background(), tr.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if tok.ID != storage.TokenID(tr.RefreshToken) {
		t.Error("token record must be keyed by TokenID")
	}
}
