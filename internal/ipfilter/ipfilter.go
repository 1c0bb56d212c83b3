// Package ipfilter restricts the operator API and metrics endpoint to
// configured networks
package ipfilter

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Filter checks client addresses against allowed networks.
// An empty filter allows everyone.
type Filter struct {
	allowed []*net.IPNet
	proxies []*net.IPNet
	logger  *slog.Logger
}

// ParseNetworks parses IPs and CIDRs. A bare IP becomes a /32 or /128.
func ParseNetworks(entries []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			_, n, err := net.ParseCIDR(s)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
			}
			out = append(out, n)
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", s)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out, nil
}

// New creates a filter. Invalid entries are logged and skipped.
func New(allowed []string, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{logger: logger}
	for _, e := range allowed {
		nets, err := ParseNetworks([]string{e})
		if err != nil {
			logger.Warn("ignoring allowed_ips entry", "entry", e, "error", err)
			continue
		}
		f.allowed = append(f.allowed, nets...)
	}
	return f
}

// TrustProxies makes X-Forwarded-For and X-Real-IP count only for requests
// arriving from these networks. Without trusted proxies the headers are ignored.
func (f *Filter) TrustProxies(entries []string) *Filter {
	for _, e := range entries {
		nets, err := ParseNetworks([]string{e})
		if err != nil {
			f.logger.Warn("ignoring trusted proxy entry", "entry", e, "error", err)
			continue
		}
		f.proxies = append(f.proxies, nets...)
	}
	return f
}

// Enabled reports whether any network restriction is configured
func (f *Filter) Enabled() bool {
	return len(f.allowed) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.allowed)
}

// Allows reports whether ip may pass
func (f *Filter) Allows(ip net.IP) bool {
	if !f.Enabled() {
		return true
	}
	return contains(f.allowed, ip)
}

// AllowsAddr checks a host:port or bare host
func (f *Filter) AllowsAddr(addr string) bool {
	ip := hostIP(addr)
	if ip == nil {
		return false
	}
	return f.Allows(ip)
}

// ClientIP resolves the caller address, honouring forwarding headers only
// behind a trusted proxy
func (f *Filter) ClientIP(r *http.Request) net.IP {
	remote := hostIP(r.RemoteAddr)
	if remote == nil || !contains(f.proxies, remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip
	}
	return remote
}

// Middleware rejects disallowed callers with 403 and a JSON body
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ip := f.ClientIP(r)
		if ip == nil || !f.Allows(ip) {
			f.logger.Warn("access denied by IP filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"forbidden"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func hostIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}
