package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Request is a transport-agnostic OAuth request. The HTTP adapter fills it
// from an *http.Request.
type Request struct {
	Method   string
	Header   http.Header
	Query    url.Values
	Form     url.Values
	ClientIP string
}

// Response is what an endpoint returns. Body is the encoded payload, empty
// for redirects.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Consent is the outcome of the external login and consent step.
type Consent struct {
	// UserID identifies the authenticated resource owner. Empty means the
	// user did not authenticate or declined.
	UserID string

	// Scopes are the scopes the user approved. Nil approves everything
	// requested.
	Scopes []string

	// AuthTime is when the user authenticated (default: now).
	AuthTime time.Time
}

// param returns a single-valued parameter. The form takes precedence over
// the query string. A parameter given more than once is an error
// (RFC 6749 §3.1).
func (r *Request) param(name string) (string, *OAuthError) {
	values := r.Form[name]
	if len(values) == 0 {
		values = r.Query[name]
	}
	switch len(values) {
	case 0:
		return "", nil
	case 1:
		return values[0], nil
	default:
		return "", ErrInvalidRequest("Parameter included more than once: " + name)
	}
}

// params reads several single-valued parameters at once.
func (r *Request) params(names ...string) (map[string]string, *OAuthError) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, oerr := r.param(name)
		if oerr != nil {
			return nil, oerr
		}
		out[name] = v
	}
	return out, nil
}

func (r *Request) header(name string) string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(name)
}

// jsonResponse encodes v with the no-store headers token responses require.
func jsonResponse(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"error":"server_error"}`)
		status = http.StatusInternalServerError
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	return &Response{Status: status, Header: h, Body: body}
}

// redirectResponse redirects to target.
func redirectResponse(target string) *Response {
	h := http.Header{}
	h.Set("Location", target)
	h.Set("Cache-Control", "no-store")
	return &Response{Status: http.StatusFound, Header: h}
}

// oauthErrorResponse renders err as a JSON error response.
func oauthErrorResponse(err *OAuthError) *Response {
	return jsonResponse(err.Status, errorBody{
		Error:            err.Code,
		ErrorDescription: err.Description,
	})
}
