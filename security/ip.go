package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP extracts the client address of r.
//
// Forwarding headers are only honoured when trustProxy is set. With
// X-Forwarded-For "client, proxy1, proxy2" the rightmost trustedProxyCount
// entries are our own proxies, so the client is the entry just left of them.
// A count of 0 is treated as 1.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseAddr(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := max(len(hops)-trustedProxyCount-1, 0)
	return parseAddr(hops[idx])
}

func parseAddr(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.String()
}
