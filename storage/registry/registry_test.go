package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-provider/storage"
)

const validDoc = `
clients:
  - client_id: cli
    redirect_uris: ["http://127.0.0.1:8765/callback"]
    grant_types: [authorization_code, refresh_token]
    scopes: [openid, profile]
  - client_id: backend
    client_secret_hash: "$2a$04$abcdefghijklmnopqrstuuFZ0bGk6lqH7P1d8Wm7r7ZbqWbJx1eW"
    grant_types: [client_credentials]
    scopes: [read]
users:
  - id: user-123
    email: user@example.com
    email_verified: true
    claims:
      groups: [admins]
`

func TestLoad(t *testing.T) {
	r := New(nil)
	if err := r.Load([]byte(validDoc)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ctx := context.Background()

	cli, err := r.GetClient(ctx, "cli")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !cli.IsPublic() || cli.TokenEndpointAuthMethod != "none" {
		t.Errorf("cli client = %+v, want public with auth method none", cli)
	}
	if !slices.Equal(cli.ResponseTypes, []string{"code"}) {
		t.Errorf("default response types = %v", cli.ResponseTypes)
	}

	backend, err := r.GetClient(ctx, "backend")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if backend.IsPublic() || backend.TokenEndpointAuthMethod != "client_secret_basic" {
		t.Errorf("backend client = %+v, want confidential basic", backend)
	}
	if len(backend.ResponseTypes) != 0 {
		t.Errorf("client_credentials client got response types %v", backend.ResponseTypes)
	}

	if _, err := r.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	user, err := r.GetUser(ctx, "user-123")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if !user.EmailVerified || user.Claims["groups"] == nil {
		t.Errorf("user = %+v", user)
	}
	if _, err := r.GetUser(ctx, "nobody"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUser(nobody) error = %v, want ErrUserNotFound", err)
	}

	list, _ := r.ListClients(ctx)
	if len(list) != 2 || list[0].ClientID != "backend" || list[1].ClientID != "cli" {
		t.Errorf("ListClients() order wrong: %v", list)
	}
}

func TestGetClientReturnsCopy(t *testing.T) {
	r := New(nil)
	if err := r.Load([]byte(validDoc)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ctx := context.Background()

	c, _ := r.GetClient(ctx, "cli")
	c.RedirectURIs[0] = "https://evil.example.com"

	again, _ := r.GetClient(ctx, "cli")
	if again.RedirectURIs[0] != "http://127.0.0.1:8765/callback" {
		t.Error("mutating a returned client changed the registry")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing client id",
			doc:     "clients:\n  - grant_types: [client_credentials]\n",
			wantErr: "client_id is required",
		},
		{
			name:    "duplicate client",
			doc:     "clients:\n  - client_id: a\n    grant_types: [client_credentials]\n  - client_id: a\n    grant_types: [client_credentials]\n",
			wantErr: "duplicate client_id",
		},
		{
			name:    "confidential without secret",
			doc:     "clients:\n  - client_id: a\n    token_endpoint_auth_method: client_secret_post\n    grant_types: [client_credentials]\n",
			wantErr: "client_secret_hash is required",
		},
		{
			name:    "public with secret",
			doc:     "clients:\n  - client_id: a\n    token_endpoint_auth_method: none\n    client_secret_hash: x\n    grant_types: [client_credentials]\n",
			wantErr: "must not have a secret",
		},
		{
			name:    "unsupported auth method",
			doc:     "clients:\n  - client_id: a\n    token_endpoint_auth_method: private_key_jwt\n",
			wantErr: "unsupported token_endpoint_auth_method",
		},
		{
			name:    "code grant without redirect",
			doc:     "clients:\n  - client_id: a\n",
			wantErr: "redirect_uris required",
		},
		{
			name:    "relative redirect",
			doc:     "clients:\n  - client_id: a\n    redirect_uris: [/callback]\n",
			wantErr: "must be absolute",
		},
		{
			name:    "fragment",
			doc:     "clients:\n  - client_id: a\n    redirect_uris: [\"https://app.example.com/cb#x\"]\n",
			wantErr: "fragment",
		},
		{
			name:    "plain http non-loopback",
			doc:     "clients:\n  - client_id: a\n    redirect_uris: [\"http://app.example.com/cb\"]\n",
			wantErr: "must use https",
		},
		{
			name:    "user without id",
			doc:     "users:\n  - email: a@example.com\n",
			wantErr: "id is required",
		},
		{
			name:    "malformed yaml",
			doc:     "clients: [",
			wantErr: "failed to parse registry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			err := r.Load([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestInvalidDocumentKeepsSnapshot(t *testing.T) {
	r := New(nil)
	if err := r.Load([]byte(validDoc)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	loadedAt := r.LoadedAt()

	if err := r.Load([]byte("clients:\n  - client_id: ''\n")); err == nil {
		t.Fatal("Load() accepted an invalid document")
	}
	if _, err := r.GetClient(context.Background(), "cli"); err != nil {
		t.Errorf("previous snapshot lost: %v", err)
	}
	if !r.LoadedAt().Equal(loadedAt) {
		t.Error("LoadedAt changed on a failed load")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(validDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	r := New(nil)
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if _, err := r.GetClient(context.Background(), "cli"); err != nil {
		t.Errorf("GetClient() error = %v", err)
	}

	if err := r.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile() accepted a missing file")
	}
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"https://app.example.com/callback", false},
		{"http://localhost:3000/cb", false},
		{"http://127.0.0.1/cb", false},
		{"http://[::1]:8080/cb", false},
		{"com.example.app:/oauth2redirect", false},
		{"https:///nohost", true},
		{"http://example.com/cb", true},
		{"callback", true},
	}
	for _, tt := range tests {
		err := validateRedirectURI(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
		}
	}
}
