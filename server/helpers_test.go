package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/keys"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
	"github.com/giantswarm/oauth-provider/storage/mock"
)

const testIssuer = "https://auth.example.com"

var errStorageDown = errors.New("storage unavailable")

type testEnv struct {
	p     *Provider
	store *memory.Store
	mock  *mock.Adapter
	keys  *keys.Provider
	clock *testutil.MockTime
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupProvider returns a Provider over a memory store seeded with the
// testutil clients and user. mutate may adjust the config before New.
func setupProvider(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	for _, c := range []*storage.Client{
		testutil.ConfidentialClient(t),
		testutil.PublicClient(),
		testutil.DeviceClient(),
	} {
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}
	if err := store.SaveUser(ctx, testutil.TestUser()); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	kp, err := keys.New(keys.Config{KIDPrefix: "test", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("keys.New() error = %v", err)
	}

	config := &Config{
		Issuer: testIssuer,
		Grants: []string{
			GrantTypeAuthorizationCode,
			GrantTypeClientCredentials,
			GrantTypeRefreshToken,
			GrantTypeDeviceCode,
		},
	}
	if mutate != nil {
		mutate(config)
	}

	clock := testutil.NewMockTime(time.Now())
	adapter := mock.New(store)
	p, err := New(adapter, kp, config, WithLogger(discardLogger()), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{p: p, store: store, mock: adapter, keys: kp, clock: clock}
}

func formRequest(form url.Values) *Request {
	return &Request{
		Method:   http.MethodPost,
		Header:   http.Header{},
		Form:     form,
		ClientIP: "192.0.2.10",
	}
}

// withBasic adds form-urlencoded HTTP Basic credentials.
func withBasic(req *Request, clientID, secret string) *Request {
	raw := url.QueryEscape(clientID) + ":" + url.QueryEscape(secret)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	return req
}

func authorizeRequest(clientID, redirectURI, scope, challenge string) *Request {
	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {PKCEMethodS256},
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	return &Request{Method: http.MethodGet, Header: http.Header{}, Query: q, ClientIP: "192.0.2.10"}
}

// authorizeCode runs the authorization endpoint for the public client and
// returns the issued code and PKCE verifier.
func authorizeCode(t *testing.T, env *testEnv, scope string) (code, verifier string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	resp := env.p.Authorize(context.Background(),
		authorizeRequest(testutil.PublicClientID, testutil.RedirectURI, scope, challenge),
		&Consent{UserID: testutil.UserID})
	if resp.Status != http.StatusFound {
		t.Fatalf("Authorize() status = %d, body = %s", resp.Status, resp.Body)
	}
	loc := mustParseLocation(t, resp)
	code = loc.Query().Get("code")
	if code == "" {
		t.Fatalf("Authorize() redirect has no code: %s", resp.Header.Get("Location"))
	}
	return code, verifier
}

func exchangeCode(env *testEnv, code, verifier string) *Response {
	return env.p.Token(context.Background(), formRequest(url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"client_id":     {testutil.PublicClientID},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"code_verifier": {verifier},
	}))
}

func refresh(env *testEnv, refreshToken, scope string) *Response {
	form := url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {testutil.PublicClientID},
		"refresh_token": {refreshToken},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return env.p.Token(context.Background(), formRequest(form))
}

func mustParseLocation(t *testing.T, resp *Response) *url.URL {
	t.Helper()
	u, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location header: %v", err)
	}
	return u
}

func decodeTokenResponse(t *testing.T, resp *Response) *TokenResponse {
	t.Helper()
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Status, resp.Body)
	}
	var tr TokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	return &tr
}

func decodeError(t *testing.T, resp *Response) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", resp.Body, err)
	}
	return body
}

func assertOAuthError(t *testing.T, resp *Response, status int, code string) {
	t.Helper()
	if resp.Status != status {
		t.Errorf("status = %d, want %d (body %s)", resp.Status, status, resp.Body)
	}
	if got := decodeError(t, resp).Error; got != code {
		t.Errorf("error = %q, want %q", got, code)
	}
}
