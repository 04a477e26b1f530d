package urlutil

import (
	"context"
	"net"
	"net/url"
	"strings"

	"crawlclean/internal/apperr"
	"crawlclean/internal/metrics"
)

// Resolver is the subset of net.Resolver used by ValidateSSRF,
// extracted so tests can stub DNS.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var defaultResolver Resolver = net.DefaultResolver

var privateBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		privateBlocks = append(privateBlocks, block)
	}
}

// IsPrivateIP reports whether the address falls in a range that must
// never be fetched: RFC1918, loopback, link-local, or unique-local.
func IsPrivateIP(ip net.IP) bool {
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateSSRF rejects URLs that could reach internal infrastructure.
// Literal IP hosts are checked directly; hostnames are resolved and
// every returned address must be public. DNS failure is its own error
// so callers can distinguish a bad hostname from a blocked one.
func ValidateSSRF(ctx context.Context, rawURL string) error {
	return validateSSRF(ctx, rawURL, defaultResolver)
}

// ValidateSSRFWith is ValidateSSRF with an explicit resolver.
func ValidateSSRFWith(ctx context.Context, rawURL string, res Resolver) error {
	return validateSSRF(ctx, rawURL, res)
}

func validateSSRF(ctx context.Context, rawURL string, res Resolver) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return apperr.Newf(apperr.CodeInvalidURL, "invalid url: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		metrics.IncrSSRFBlocked()
		return apperr.Newf(apperr.CodeSSRFBlocked, "scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return apperr.New(apperr.CodeInvalidURL, "url has no hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			metrics.IncrSSRFBlocked()
			return apperr.Newf(apperr.CodeSSRFBlocked, "address %s is not routable", ip)
		}
		return nil
	}

	addrs, err := res.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return apperr.Newf(apperr.CodeDNSFailed, "could not resolve host %q", host)
	}
	for _, addr := range addrs {
		if IsPrivateIP(addr.IP) {
			metrics.IncrSSRFBlocked()
			return apperr.Newf(apperr.CodeSSRFBlocked, "host %q resolves to a private address", host)
		}
	}

	return nil
}
