package authgate

import (
	"net"
	"net/http"
	"strings"

	"github.com/smartly-home/smartly-bridge/internal/config"
)

// SourceIP resolves the address a request is judged by. mode decides
// whether X-Forwarded-For is believed:
//
//	never  - the direct peer, always.
//	always - the first X-Forwarded-For element when present.
//	auto   - the first X-Forwarded-For element only when the direct peer
//	         is a private, loopback, or link-local address AND at least
//	         one allowed network is public. A public peer speaks for
//	         itself; a private allow-list means no proxy is expected.
func SourceIP(r *http.Request, mode string, allowed []*net.IPNet) string {
	peer := peerAddr(r)

	forwarded := firstForwardedFor(r)
	if forwarded == "" {
		return peer
	}

	switch mode {
	case config.TrustProxyAlways:
		return forwarded
	case config.TrustProxyNever:
		return peer
	default: // auto
		ip := net.ParseIP(peer)
		if ip != nil && isPrivateAddr(ip) && hasPublicNetwork(allowed) {
			return forwarded
		}
		return peer
	}
}

// IPAllowed reports whether ip falls inside any allowed network. An
// empty allow-list admits everyone.
func IPAllowed(ip string, allowed []*net.IPNet) bool {
	if len(allowed) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range allowed {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstForwardedFor(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

func isPrivateAddr(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

func hasPublicNetwork(allowed []*net.IPNet) bool {
	for _, n := range allowed {
		if !isPrivateAddr(n.IP) {
			return true
		}
	}
	return false
}
