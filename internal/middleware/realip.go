package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// RealIPMiddleware resolves the client IP behind trusted reverse proxies and
// stores it in X-Real-IP for logging and rate limiting. Forwarding headers are
// only honoured when the direct peer is a configured proxy.
type RealIPMiddleware struct {
	trustedNets []*net.IPNet
	trustedIPs  []net.IP
}

// NewRealIPMiddleware creates a new RealIPMiddleware with the given trusted proxies.
// trustedProxies can be IP addresses (e.g., "192.168.1.1") or CIDRs (e.g., "10.0.0.0/8").
// Entries that parse as neither are logged and ignored.
func NewRealIPMiddleware(trustedProxies []string) *RealIPMiddleware {
	m := &RealIPMiddleware{}

	for _, proxy := range trustedProxies {
		proxy = strings.TrimSpace(proxy)
		if proxy == "" {
			continue
		}

		if strings.Contains(proxy, "/") {
			if _, network, err := net.ParseCIDR(proxy); err == nil {
				m.trustedNets = append(m.trustedNets, network)
				continue
			}
		} else if ip := net.ParseIP(proxy); ip != nil {
			m.trustedIPs = append(m.trustedIPs, ip)
			continue
		}

		slog.Warn("ignoring invalid trusted proxy", slog.String("proxy", proxy))
	}

	return m
}

// Handler returns the middleware handler. Any client-supplied X-Real-IP is
// overwritten.
func (m *RealIPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if realIP := m.extractRealIP(r); realIP != "" {
			r.Header.Set("X-Real-IP", realIP)
		} else {
			r.Header.Del("X-Real-IP")
		}
		next.ServeHTTP(w, r)
	})
}

// extractRealIP returns the direct peer unless it is a trusted proxy. Behind a
// proxy, CF-Connecting-IP wins; otherwise X-Forwarded-For is walked from the
// right and the first hop that is not itself a trusted proxy is the client.
func (m *RealIPMiddleware) extractRealIP(r *http.Request) string {
	remoteIP := parseRemoteAddr(r.RemoteAddr)
	if !m.isTrustedProxy(remoteIP) {
		return remoteIP
	}

	if cfIP := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cfIP != "" {
		return cfIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !m.isTrustedProxy(hop) {
				return hop
			}
		}
		if first := strings.TrimSpace(hops[0]); first != "" {
			return first
		}
	}

	return remoteIP
}

// isTrustedProxy checks if the given IP is in the trusted proxy list
func (m *RealIPMiddleware) isTrustedProxy(ipStr string) bool {
	if len(m.trustedNets) == 0 && len(m.trustedIPs) == 0 {
		return false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, network := range m.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range m.trustedIPs {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// parseRemoteAddr extracts just the IP from RemoteAddr (which may include port)
func parseRemoteAddr(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
