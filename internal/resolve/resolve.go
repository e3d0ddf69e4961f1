// Package resolve performs reverse DNS lookups for found hosts.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/cidrsweep/internal/logging"
)

const (
	// DefaultTimeout bounds a single PTR exchange.
	DefaultTimeout = 2 * time.Second
	// DefaultWorkers is the number of concurrent lookups in LookupAll.
	DefaultWorkers = 16

	resolvConf = "/etc/resolv.conf"
)

// Resolver sends PTR queries to one DNS server.
type Resolver struct {
	client *dns.Client
	server string
	logger *logging.Logger
}

// New creates a resolver. An empty server selects the first nameserver in
// /etc/resolv.conf.
func New(server string, timeout time.Duration) (*Resolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolvConf, err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no nameservers in %s", resolvConf)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Resolver{
		client: &dns.Client{Net: "udp", Timeout: timeout},
		server: server,
		logger: logging.Default().WithComponent("resolve"),
	}, nil
}

// Server returns the server queries are sent to.
func (r *Resolver) Server() string {
	return r.server
}

// LookupPTR returns the names for addr without the trailing dot. An address
// with no PTR record yields no names and no error.
func (r *Resolver) LookupPTR(ctx context.Context, addr netip.Addr) ([]string, error) {
	name, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypePTR)

	in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("PTR lookup for %s failed: %w", addr, err)
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("PTR lookup for %s failed: %s", addr, dns.RcodeToString[in.Rcode])
	}

	var names []string
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names, nil
}

// LookupAll resolves addrs with up to workers concurrent queries. Failed
// lookups are logged and left out of the result.
func (r *Resolver) LookupAll(ctx context.Context, addrs []netip.Addr, workers int) map[netip.Addr][]string {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var (
		mu    sync.Mutex
		names = make(map[netip.Addr][]string, len(addrs))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, addr := range addrs {
		g.Go(func() error {
			found, err := r.LookupPTR(ctx, addr)
			if err != nil {
				r.logger.Debug("Reverse lookup failed", "addr", addr, "error", err)
				return nil
			}
			if len(found) > 0 {
				mu.Lock()
				names[addr] = found
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return names
}
