package oauth

import (
	"net/http"

	"github.com/giantswarm/oauth-provider/server"
	"github.com/giantswarm/oauth-provider/storage"
)

// ErrorResponse is the JSON error body written by the HTTP layer
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ConsentRequest describes what the user is asked to approve. Exactly one
// of Authorization and Device is set.
type ConsentRequest struct {
	// Authorization is the validated front-channel request of the
	// authorization code flow.
	Authorization *server.AuthorizationRequest

	// Device is the pending device authorization being verified.
	Device *storage.DeviceAuthorization
}

// ClientID returns the client asking for access.
func (c *ConsentRequest) ClientID() string {
	if c.Authorization != nil {
		return c.Authorization.Client.ClientID
	}
	if c.Device != nil {
		return c.Device.ClientID
	}
	return ""
}

// Scopes returns the requested scopes.
func (c *ConsentRequest) Scopes() []string {
	if c.Authorization != nil {
		return c.Authorization.Scopes
	}
	if c.Device != nil {
		return c.Device.Scopes
	}
	return nil
}

// ConsentResolver is the hook to the login and consent UI.
//
// When proceed is false the resolver has written the response itself, for
// example a login page, and the handler stops. Otherwise the handler
// completes the flow with the returned consent; a nil consent or one
// without a UserID denies the request.
type ConsentResolver interface {
	ResolveConsent(w http.ResponseWriter, r *http.Request, req *ConsentRequest) (consent *server.Consent, proceed bool)
}

// ConsentResolverFunc adapts a function to ConsentResolver.
type ConsentResolverFunc func(w http.ResponseWriter, r *http.Request, req *ConsentRequest) (*server.Consent, bool)

// ResolveConsent calls f.
func (f ConsentResolverFunc) ResolveConsent(w http.ResponseWriter, r *http.Request, req *ConsentRequest) (*server.Consent, bool) {
	return f(w, r, req)
}

// denyAll is used when no resolver is configured.
var denyAll = ConsentResolverFunc(func(http.ResponseWriter, *http.Request, *ConsentRequest) (*server.Consent, bool) {
	return nil, true
})

// DeviceVerificationResponse is returned once a device authorization has
// been approved or denied.
type DeviceVerificationResponse struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}
