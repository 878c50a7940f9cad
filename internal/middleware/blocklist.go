package middleware

import (
	"fmt"
	"net"
	"strings"
)

// Blocklist rejects clients by address, CIDR range or user agent substring.
// It is built once from configuration and never modified.
type Blocklist struct {
	ips    map[string]struct{}
	nets   []*net.IPNet
	agents []string // lower-cased
}

// NewBlocklist parses ips (addresses or CIDR ranges) and user agent
// substrings.
func NewBlocklist(ips, userAgents []string) (*Blocklist, error) {
	b := &Blocklist{ips: make(map[string]struct{})}

	for _, entry := range ips {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			b.ips[ip.String()] = struct{}{}
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("blocklist entry %q: %w", entry, err)
		}
		b.nets = append(b.nets, ipNet)
	}

	for _, ua := range userAgents {
		if ua = strings.ToLower(strings.TrimSpace(ua)); ua != "" {
			b.agents = append(b.agents, ua)
		}
	}

	return b, nil
}

// Match reports whether the client is blocked and which rule matched.
func (b *Blocklist) Match(ip, userAgent string) (string, bool) {
	if b == nil {
		return "", false
	}

	if parsed := net.ParseIP(ip); parsed != nil {
		if _, ok := b.ips[parsed.String()]; ok {
			return "ip " + parsed.String(), true
		}
		for _, n := range b.nets {
			if n.Contains(parsed) {
				return "range " + n.String(), true
			}
		}
	}

	if len(b.agents) > 0 && userAgent != "" {
		ua := strings.ToLower(userAgent)
		for _, pattern := range b.agents {
			if strings.Contains(ua, pattern) {
				return "user agent " + pattern, true
			}
		}
	}

	return "", false
}
