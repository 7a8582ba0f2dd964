// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the real client address behind reverse proxies and
// derives the privacy-hashed identity used for rate limiting and logging.
// The raw X-Forwarded-For header is never trusted verbatim: entries are
// walked from the proxy-adjacent end and believed only while the hop that
// appended them is inside the trusted-proxy policy.
package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ProxyPolicy decides which peers are trusted to append forwarded-for
// entries. An empty policy trusts no proxies, so the TCP peer address wins.
type ProxyPolicy struct {
	trusted []*net.IPNet
}

// NewProxyPolicy parses trusted-proxy CIDRs (plain IPs are accepted as /32
// or /128).
func NewProxyPolicy(cidrs []string) (*ProxyPolicy, error) {
	p := &ProxyPolicy{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			if ip := net.ParseIP(c); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				c = fmt.Sprintf("%s/%d", c, bits)
			}
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		p.trusted = append(p.trusted, ipnet)
	}
	return p, nil
}

// ClientIP returns the best-effort client address for r.
//
// If the TCP peer is not a trusted proxy its address is authoritative.
// Otherwise the X-Forwarded-For chain is scanned right to left, skipping
// trusted proxies; the first untrusted entry is the client. When every
// entry is trusted the left-most one is used.
func (p *ProxyPolicy) ClientIP(r *http.Request) string {
	remote := hostOnly(r.RemoteAddr)
	if !p.isTrusted(remote) {
		return remote
	}
	chain := forwardedChain(r)
	for i := len(chain) - 1; i >= 0; i-- {
		if !p.isTrusted(chain[i]) {
			return chain[i]
		}
	}
	if len(chain) > 0 {
		return chain[0]
	}
	return remote
}

func (p *ProxyPolicy) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range p.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func forwardedChain(r *http.Request) []string {
	raw := r.Header.Get("X-Forwarded-For")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		addr := hostOnly(strings.TrimSpace(p))
		if net.ParseIP(addr) != nil {
			out = append(out, addr)
		}
	}
	return out
}

// hostOnly strips a :port suffix when present; bare IPs pass through.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

// HashClientIdentity derives the stable, non-reversible identity used as a
// rate-limit key and in logs. The salt keeps the hash space private to this
// deployment; the action scopes counters per operation.
func HashClientIdentity(action, salt, ip string) string {
	sum := sha256.Sum256([]byte(action + "\x00" + salt + "\x00" + ip))
	return hex.EncodeToString(sum[:16])
}
