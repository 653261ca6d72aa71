package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlocked marks a URL refused by the SSRF guard or the domain allowlist.
var ErrBlocked = errors.New("url blocked")

var privateRanges = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"fc00::/7",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// IsPrivateIP reports loopback, link-local, unspecified and private ranges.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsDomainAllowed matches host against the allowlist. Subdomains of an
// allowed domain match. An empty allowlist allows every host.
func IsDomainAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, d := range allowed {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// hostChecker resolves host and returns an error when it must not be contacted.
type hostChecker func(ctx context.Context, host string) error

// CheckHost resolves host and blocks private or internal addresses.
func CheckHost(ctx context.Context, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("%w: %s is a private address", ErrBlocked, host)
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", host, err)
	}
	for _, a := range addrs {
		if IsPrivateIP(a.IP) {
			return fmt.Errorf("%w: %q resolves to private address %s", ErrBlocked, host, a.IP)
		}
	}
	return nil
}

// ValidateURL checks scheme and allowlist without touching the network.
func ValidateURL(raw string, allowed []string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: only http and https are allowed, got %q", ErrBlocked, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", raw)
	}
	if !IsDomainAllowed(u.Hostname(), allowed) {
		return nil, fmt.Errorf("%w: domain %q is not in the allowlist", ErrBlocked, u.Hostname())
	}
	return u, nil
}
