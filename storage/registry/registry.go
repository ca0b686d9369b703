package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-provider/storage"
)

// Document is the on-disk registry format.
type Document struct {
	Clients []ClientEntry `yaml:"clients"`
	Users   []UserEntry   `yaml:"users"`
}

// ClientEntry is a client as written in the registry document.
type ClientEntry struct {
	ClientID                string   `yaml:"client_id"`
	ClientSecretHash        string   `yaml:"client_secret_hash,omitempty"`
	ClientName              string   `yaml:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `yaml:"token_endpoint_auth_method,omitempty"`
	RedirectURIs            []string `yaml:"redirect_uris,omitempty"`
	GrantTypes              []string `yaml:"grant_types,omitempty"`
	ResponseTypes           []string `yaml:"response_types,omitempty"`
	Scopes                  []string `yaml:"scopes,omitempty"`
}

// UserEntry is a user as written in the registry document.
type UserEntry struct {
	ID            string         `yaml:"id"`
	Email         string         `yaml:"email,omitempty"`
	EmailVerified bool           `yaml:"email_verified,omitempty"`
	Name          string         `yaml:"name,omitempty"`
	Claims        map[string]any `yaml:"claims,omitempty"`
}

// Token endpoint authentication methods accepted in the registry.
const (
	authMethodBasic = "client_secret_basic"
	authMethodPost  = "client_secret_post"
	authMethodNone  = "none"
)

type snapshot struct {
	clients map[string]*storage.Client
	users   map[string]*storage.User
}

// Registry serves clients and users from the last valid document.
type Registry struct {
	mu       sync.RWMutex
	snap     *snapshot
	loadedAt time.Time
	logger   *slog.Logger
}

var (
	_ storage.ClientStore = (*Registry)(nil)
	_ storage.UserStore   = (*Registry)(nil)
)

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		snap:   &snapshot{clients: map[string]*storage.Client{}, users: map[string]*storage.User{}},
		logger: logger,
	}
}

// Load parses and validates data and, on success, replaces the current
// snapshot.
func (r *Registry) Load(data []byte) error {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse registry: %w", err)
	}
	snap, err := doc.build(time.Now())
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.snap = snap
	r.loadedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("Loaded client registry",
		"clients", len(snap.clients),
		"users", len(snap.users))
	return nil
}

// LoadFile loads the registry from a local file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}
	return r.Load(data)
}

// LoadedAt returns when the current snapshot was loaded.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

// GetClient retrieves a client by ID
func (r *Registry) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	r.mu.RLock()
	c, ok := r.snap.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(c), nil
}

// ListClients returns all clients ordered by ID.
func (r *Registry) ListClients(_ context.Context) ([]*storage.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*storage.Client, 0, len(r.snap.clients))
	for _, c := range r.snap.clients {
		out = append(out, cloneClient(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// GetUser retrieves a user by ID
func (r *Registry) GetUser(_ context.Context, userID string) (*storage.User, error) {
	r.mu.RLock()
	u, ok := r.snap.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (d *Document) build(now time.Time) (*snapshot, error) {
	snap := &snapshot{
		clients: make(map[string]*storage.Client, len(d.Clients)),
		users:   make(map[string]*storage.User, len(d.Users)),
	}

	for i := range d.Clients {
		c, err := d.Clients[i].toClient(now)
		if err != nil {
			return nil, fmt.Errorf("client %d: %w", i, err)
		}
		if _, dup := snap.clients[c.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", c.ClientID)
		}
		snap.clients[c.ClientID] = c
	}

	for i, u := range d.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("user %d: id is required", i)
		}
		if _, dup := snap.users[u.ID]; dup {
			return nil, fmt.Errorf("duplicate user id %q", u.ID)
		}
		snap.users[u.ID] = &storage.User{
			ID:            u.ID,
			Email:         u.Email,
			EmailVerified: u.EmailVerified,
			Name:          u.Name,
			Claims:        u.Claims,
		}
	}

	return snap, nil
}

func (e *ClientEntry) toClient(now time.Time) (*storage.Client, error) {
	if e.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	method := e.TokenEndpointAuthMethod
	if method == "" {
		method = authMethodNone
		if e.ClientSecretHash != "" {
			method = authMethodBasic
		}
	}

	clientType := storage.ClientTypeConfidential
	switch method {
	case authMethodNone:
		clientType = storage.ClientTypePublic
		if e.ClientSecretHash != "" {
			return nil, fmt.Errorf("client %q: public clients must not have a secret", e.ClientID)
		}
	case authMethodBasic, authMethodPost:
		if e.ClientSecretHash == "" {
			return nil, fmt.Errorf("client %q: client_secret_hash is required for %s", e.ClientID, method)
		}
	default:
		return nil, fmt.Errorf("client %q: unsupported token_endpoint_auth_method %q", e.ClientID, method)
	}

	grantTypes := e.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}
	responseTypes := e.ResponseTypes
	if len(responseTypes) == 0 && slices.Contains(grantTypes, "authorization_code") {
		responseTypes = []string{"code"}
	}

	for _, uri := range e.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, fmt.Errorf("client %q: %w", e.ClientID, err)
		}
	}
	if slices.Contains(grantTypes, "authorization_code") && len(e.RedirectURIs) == 0 {
		return nil, fmt.Errorf("client %q: redirect_uris required for authorization_code", e.ClientID)
	}

	return &storage.Client{
		ClientID:                e.ClientID,
		ClientSecretHash:        e.ClientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            slices.Clone(e.RedirectURIs),
		TokenEndpointAuthMethod: method,
		GrantTypes:              slices.Clone(grantTypes),
		ResponseTypes:           slices.Clone(responseTypes),
		ClientName:              e.ClientName,
		Scopes:                  slices.Clone(e.Scopes),
		CreatedAt:               now,
	}, nil
}

// validateRedirectURI requires an absolute URI without a fragment. Plain http
// is only allowed for loopback hosts; private-use schemes pass through.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect_uri %q must be absolute", raw)
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return fmt.Errorf("redirect_uri %q has no host", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}
	if u.Scheme == "http" {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
		default:
			return fmt.Errorf("redirect_uri %q must use https", raw)
		}
	}
	return nil
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}
