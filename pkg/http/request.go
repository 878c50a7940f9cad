package http

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // addresses or CIDR ranges of trusted proxies
}

// ExtractClientIP extracts the real client IP address from the request
// It validates X-Forwarded-For and X-Real-IP headers only from trusted proxies
// to prevent IP spoofing attacks via header manipulation
//
// Flow:
// 1. If request is from trusted proxy, pick from X-Forwarded-For (see
//    pickForwarded)
// 2. If request is from trusted proxy, check X-Real-IP header
// 3. Fall back to RemoteAddr
//
// Addresses are returned in canonical form so the same client always maps
// to the same counter key.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := getRemoteAddr(r)

	if config == nil || !isTrustedProxy(remoteIP, config.TrustedProxies) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := pickForwarded(strings.Split(xff, ","), config.TrustedProxies); ip != "" {
			return ip
		}
	}

	if xri := CanonicalIP(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return remoteIP
}

// pickForwarded walks the hops left to right. The first public hop that is
// not a trusted proxy wins; otherwise the first untrusted private hop, and
// when every hop is trusted, the left-most one.
func pickForwarded(hops, trustedProxies []string) string {
	var firstValid, firstUntrusted string
	for _, hop := range hops {
		ip := CanonicalIP(hop)
		if ip == "" {
			continue
		}
		if firstValid == "" {
			firstValid = ip
		}
		if isTrustedProxy(ip, trustedProxies) {
			continue
		}
		if !isPrivateIP(ip) {
			return ip
		}
		if firstUntrusted == "" {
			firstUntrusted = ip
		}
	}
	if firstUntrusted != "" {
		return firstUntrusted
	}
	return firstValid
}

// CanonicalIP returns the canonical text form of an IP address, or "" when
// s is not one. IPv4-mapped IPv6 addresses collapse to dotted IPv4.
func CanonicalIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	return ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// getRemoteAddr extracts the IP address from RemoteAddr (removing port if present)
func getRemoteAddr(r *http.Request) string {
	if r.RemoteAddr != "" {
		// RemoteAddr may include port: "ip:port"
		host := r.RemoteAddr
		if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = ip
		}
		if ip := CanonicalIP(host); ip != "" {
			return ip
		}
		return host
	}
	return "unknown"
}

// isTrustedProxy checks if an IP address is within any of the trusted proxy CIDR ranges
func isTrustedProxy(ip string, trustedProxies []string) bool {
	if len(trustedProxies) == 0 {
		return false
	}

	clientIP := net.ParseIP(ip)
	if clientIP == nil {
		return false
	}

	for _, cidr := range trustedProxies {
		if single := net.ParseIP(cidr); single != nil {
			if single.Equal(clientIP) {
				return true
			}
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // Skip invalid CIDR ranges
		}
		if ipNet.Contains(clientIP) {
			return true
		}
	}

	return false
}

type clientIPKey struct{}

// WithClientIP stores the resolved client IP on the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the IP stored by WithClientIP, or "" when none was set.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// ClientIPFromRequest prefers the IP resolved by the gateway and falls back
// to extracting it from the request.
func ClientIPFromRequest(r *http.Request, config *IPConfig) string {
	if ip := ClientIP(r.Context()); ip != "" {
		return ip
	}
	return ExtractClientIP(r, config)
}
