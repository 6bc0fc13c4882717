package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is returned for webhook targets inside private or
// infrastructure address space.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// Resolver looks up a host's addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata"}

// cgnat is the shared address space of RFC 6598, used by some cloud
// metadata services.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// ValidateEndpointURL rejects alert webhook URLs that would let the
// firewall call into its own network. Hostnames are resolved and every
// returned address must be public.
func ValidateEndpointURL(ctx context.Context, rawURL string) error {
	return ValidateEndpointURLWith(ctx, net.DefaultResolver, rawURL)
}

// ValidateEndpointURLWith is ValidateEndpointURL with an explicit resolver.
func ValidateEndpointURLWith(ctx context.Context, r Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) || strings.HasSuffix(strings.ToLower(host), "."+b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q: %w", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	var kind string
	switch {
	case addr.IsLoopback():
		kind = "loopback"
	case addr.IsPrivate(), cgnat.Contains(addr):
		kind = "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		kind = "link-local"
	case addr.IsUnspecified():
		kind = "unspecified"
	case addr.IsMulticast():
		kind = "multicast"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s address %s", ErrBlockedEndpoint, kind, addr)
}
