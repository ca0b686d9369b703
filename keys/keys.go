// Package keys manages the ES256 signing keys used for access and ID tokens
// and publishes their public halves as a JWK set.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/giantswarm/oauth-provider/instrumentation"
)

// DefaultMaxKeys is how many keys are published after rotation, including
// the active one.
const DefaultMaxKeys = 3

// Config configures a Provider.
type Config struct {
	// Key is an existing ES256 private key. When nil a key is generated.
	Key jwk.Key

	// KIDPrefix prefixes generated key IDs.
	KIDPrefix string

	// MaxKeys bounds the published key set (default: DefaultMaxKeys).
	MaxKeys int

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Provider signs JWTs with the newest key and serves all retained public keys.
type Provider struct {
	mu      sync.RWMutex
	keys    []jwk.Key // private keys, oldest first; the last one signs
	maxKeys int
	prefix  string

	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

// New creates a Provider from cfg.
func New(cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	key := cfg.Key
	if key == nil {
		var err error
		if key, err = GenerateKey(cfg.KIDPrefix); err != nil {
			return nil, err
		}
		logger.Info("Generated ephemeral signing key", "kid", key.KeyID())
	} else if err := validateKey(key); err != nil {
		return nil, err
	}

	return &Provider{
		keys:    []jwk.Key{key},
		maxKeys: maxKeys,
		prefix:  cfg.KIDPrefix,
		logger:  logger,
		inst:    cfg.Instrumentation,
	}, nil
}

// GenerateKey creates a P-256 private key with a fresh key ID.
func GenerateKey(kidPrefix string) (jwk.Key, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap signing key: %w", err)
	}

	kid := fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.NewString()[:8])
	if kidPrefix != "" {
		kid = kidPrefix + "-" + kid
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadKeyFile reads a private key stored as a JWK or PEM document. Keys
// without a "kid" get one derived from their thumbprint.
func LoadKeyFile(path string) (jwk.Key, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	key, err := jwk.ParseKey(b)
	if err != nil {
		if key, err = jwk.ParseKey(b, jwk.WithPEM(true)); err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	if key.KeyID() == "" {
		if err := jwk.AssignKeyID(key); err != nil {
			return nil, fmt.Errorf("failed to assign key ID: %w", err)
		}
	}
	return key, nil
}

func validateKey(key jwk.Key) error {
	var raw ecdsa.PrivateKey
	if err := key.Raw(&raw); err != nil {
		return fmt.Errorf("signing key must be an ECDSA private key: %w", err)
	}
	if raw.Curve != elliptic.P256() {
		return fmt.Errorf("signing key must use the P-256 curve")
	}
	return nil
}

// KeyID returns the ID of the active signing key.
func (p *Provider) KeyID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keys[len(p.keys)-1].KeyID()
}

// Sign serializes claims as an ES256 JWT with the given typ header.
func (p *Provider) Sign(_ context.Context, claims map[string]any, typ string) (string, error) {
	p.mu.RLock()
	key := p.keys[len(p.keys)-1]
	p.mu.RUnlock()

	var raw ecdsa.PrivateKey
	if err := key.Raw(&raw); err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(claims))
	token.Header["kid"] = key.KeyID()
	if typ != "" {
		token.Header["typ"] = typ
	}

	signed, err := token.SignedString(&raw)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// PublicKeys returns the public halves of all retained keys.
func (p *Provider) PublicKeys(_ context.Context) (jwk.Set, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := jwk.NewSet()
	for _, key := range p.keys {
		pub, err := key.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive public key: %w", err)
		}
		if err := pub.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Rotate makes a newly generated key the signing key. The oldest keys are
// dropped once more than MaxKeys are retained, so tokens signed by them no
// longer verify.
func (p *Provider) Rotate(ctx context.Context) (string, error) {
	key, err := GenerateKey(p.prefix)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.keys = append(p.keys, key)
	var pruned []string
	for len(p.keys) > p.maxKeys {
		pruned = append(pruned, p.keys[0].KeyID())
		p.keys = p.keys[1:]
	}
	p.mu.Unlock()

	if p.inst != nil {
		p.inst.Metrics().RecordKeyRotation(ctx)
	}
	p.logger.Info("Rotated signing key",
		"kid", key.KeyID(),
		"pruned", pruned)
	return key.KeyID(), nil
}

// Verify parses a token signed by one of the retained keys and returns its
// claims. Standard time claims are validated.
func (p *Provider) Verify(_ context.Context, tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		p.mu.RLock()
		defer p.mu.RUnlock()
		for _, key := range p.keys {
			if key.KeyID() != kid {
				continue
			}
			var pub ecdsa.PublicKey
			pubKey, err := key.PublicKey()
			if err != nil {
				return nil, err
			}
			if err := pubKey.Raw(&pub); err != nil {
				return nil, err
			}
			return &pub, nil
		}
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
