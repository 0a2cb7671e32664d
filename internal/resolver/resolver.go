package resolver

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// DefaultServers is the public fallback resolver pair.
var DefaultServers = []string{"8.8.8.8:53", "8.8.4.4:53"}

// DNS resolves hostnames against a fixed list of nameservers, trying each in
// turn, so results do not depend on the operator's local resolver
// configuration.
type DNS struct {
	servers []string
	timeout time.Duration
	lookup  func(ctx context.Context, r *net.Resolver, host string) ([]string, error)
}

// New creates a resolver for servers ("host:port"; a bare host gets :53).
// An empty list uses DefaultServers.
func New(servers []string, timeout time.Duration) *DNS {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNS{
		servers: normalized,
		timeout: timeout,
		lookup: func(ctx context.Context, r *net.Resolver, host string) ([]string, error) {
			return r.LookupHost(ctx, host)
		},
	}
}

// Resolve returns the first IPv4 address for host, or the first address of
// any family if it has no IPv4 record.
func (d *DNS) Resolve(ctx context.Context, host string) (string, error) {
	var errs []error
	for _, server := range d.servers {
		addrs, err := d.lookupVia(ctx, server, host)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if addr := pick(addrs); addr != "" {
			log.Printf("resolver: %s is %s (via %s)", host, addr, server)
			return addr, nil
		}
		errs = append(errs, fmt.Errorf("%s: no addresses", server))
	}
	return "", fmt.Errorf("resolve %s: %w", host, multierr.Combine(errs...))
}

func (d *DNS) lookupVia(ctx context.Context, server, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	r := &net.Resolver{
		PreferGo: true,
		// Ignore the system nameserver and always dial server.
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, server)
		},
	}
	return d.lookup(ctx, r, host)
}

func pick(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}
