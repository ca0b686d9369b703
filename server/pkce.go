package server

import (
	"crypto/subtle"
	"regexp"

	"golang.org/x/oauth2"
)

// PKCE constants (RFC 7636)
const (
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

var (
	// An S256 challenge is the unpadded base64url SHA-256 digest.
	codeChallengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

	// RFC 7636 §4.1 unreserved characters.
	codeVerifierPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{43,128}$`)
)

// validateCodeChallenge checks the PKCE parameters of an authorization
// request. Only S256 is accepted.
func validateCodeChallenge(challenge, method string) *OAuthError {
	if challenge == "" {
		return ErrInvalidRequest("code_challenge is required (PKCE)")
	}
	switch method {
	case PKCEMethodS256:
	case "":
		return ErrInvalidRequest("code_challenge_method is required (PKCE)")
	case PKCEMethodPlain:
		return ErrInvalidRequest("code_challenge_method 'plain' is not allowed, use S256")
	default:
		return ErrInvalidRequest("Unsupported code_challenge_method: " + method)
	}
	if !codeChallengePattern.MatchString(challenge) {
		return ErrInvalidRequest("Malformed code_challenge")
	}
	return nil
}

// verifyCodeVerifier reports whether verifier matches the stored S256
// challenge. The comparison is constant-time.
func verifyCodeVerifier(verifier, challenge, method string) bool {
	if method != PKCEMethodS256 || !codeVerifierPattern.MatchString(verifier) {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
