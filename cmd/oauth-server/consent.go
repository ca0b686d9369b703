package main

import (
	"log/slog"
	"net/http"
	"strings"

	oauth "github.com/giantswarm/oauth-provider"
	"github.com/giantswarm/oauth-provider/server"
)

// headerConsent trusts an authenticating reverse proxy: the user named in
// header has signed in and approves the request. Without the header the
// request is denied.
type headerConsent struct {
	header string
	logger *slog.Logger
}

func newHeaderConsent(header string, logger *slog.Logger) oauth.ConsentResolver {
	if header == "" {
		return nil
	}
	logger.Warn("⚠️  SECURITY NOTICE: Trusting user identity from a request header",
		"header", header,
		"risk", "Anyone who can reach the server directly can impersonate users",
		"recommendation", "Only expose the server through the authenticating proxy")
	return &headerConsent{header: header, logger: logger}
}

func (c *headerConsent) ResolveConsent(_ http.ResponseWriter, r *http.Request, req *oauth.ConsentRequest) (*server.Consent, bool) {
	userID := strings.TrimSpace(r.Header.Get(c.header))
	if userID == "" {
		c.logger.Info("Consent denied, no authenticated user", "client_id", req.ClientID())
		return nil, true
	}
	return &server.Consent{UserID: userID}, true
}
