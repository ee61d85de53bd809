package peers

import (
	"context"
	"net"
	"strconv"
)

// Resolver maps a host name to IP addresses.
type Resolver func(ctx context.Context, host string) ([]string, error)

// DNSResolver resolves through the system resolver.
func DNSResolver(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// ResolveSeed turns a seed into dialable host:port addresses. A seed is an
// IP address or a host name, optionally with a port; defaultPort applies
// when it has none. Literal IP addresses are returned without a lookup.
func ResolveSeed(ctx context.Context, seed string, defaultPort uint16, resolve Resolver) ([]string, error) {
	host, port := seed, strconv.Itoa(int(defaultPort))
	if h, p, err := net.SplitHostPort(seed); err == nil {
		host, port = h, p
	}

	if ip := net.ParseIP(host); ip != nil {
		return []string{net.JoinHostPort(ip.String(), port)}, nil
	}

	if resolve == nil {
		resolve = DNSResolver
	}
	ips, err := resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	res := make([]string, 0, len(ips))
	for _, ip := range ips {
		res = append(res, net.JoinHostPort(ip, port))
	}
	return res, nil
}
