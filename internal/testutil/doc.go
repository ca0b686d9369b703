// Package testutil provides fixtures, a controllable clock and PKCE helpers
// shared by the authorization server tests.
package testutil
