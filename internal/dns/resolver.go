package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig configures DNSResolver.
type ResolverConfig struct {
	// Nameservers to query, e.g. "8.8.8.8:53". Empty means the servers in
	// /etc/resolv.conf, falling back to public resolvers.
	Nameservers []string
	// Timeout bounds a single exchange. Default 5s.
	Timeout time.Duration
	// Retries is the number of extra passes over the nameservers. Default 2.
	Retries int
}

// DNSResolver queries nameservers directly with miekg/dns. Each lookup starts
// at the next nameserver in turn.
type DNSResolver struct {
	config    ResolverConfig
	client    *mdns.Client
	tcpClient *mdns.Client
	next      atomic.Uint32
}

func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &DNSResolver{
		config:    config,
		client:    &mdns.Client{Timeout: config.Timeout},
		tcpClient: &mdns.Client{Net: "tcp", Timeout: config.Timeout},
	}
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(ensureAbsolute(name), qtype)
	m.RecursionDesired = true

	servers := r.config.Nameservers
	start := int(r.next.Add(1)-1) % len(servers)

	var lastErr error
	for i := 0; i <= r.config.Retries; i++ {
		for j := range servers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			server := servers[(start+j)%len(servers)]

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					lastErr = fmt.Errorf("%w: %s", ErrDNSTimeout, server)
				} else {
					lastErr = fmt.Errorf("dns query to %s failed: %w", server, err)
				}
				continue
			}
			if resp.Truncated {
				// The answer did not fit in a datagram; ask the same server over TCP.
				resp, _, err = r.tcpClient.ExchangeContext(ctx, m, server)
				if err != nil {
					lastErr = fmt.Errorf("dns tcp query to %s failed: %w", server, err)
					continue
				}
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError:
				return nil, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				lastErr = ErrDNSServFail
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[resp.Rcode])
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrDNSServFail
}

// LookupMX returns the MX answers in wire order.
func (r *DNSResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	resp, err := r.query(ctx, name, mdns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}
	return records, nil
}

func (r *DNSResolver) Config() ResolverConfig {
	cfg := r.config
	cfg.Nameservers = append([]string(nil), r.config.Nameservers...)
	return cfg
}

// StdResolver uses net.Resolver. The standard library sorts MX answers by
// preference.
type StdResolver struct {
	resolver *net.Resolver
}

func NewStdResolver() *StdResolver {
	return &StdResolver{resolver: net.DefaultResolver}
}

func (r *StdResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	records, err := r.resolver.LookupMX(ctx, strings.TrimSuffix(name, "."))
	if err != nil {
		return nil, convertError(err)
	}
	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}
	return records, nil
}

func convertError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return ErrDNSNotFound
		case dnsErr.IsTimeout:
			return ErrDNSTimeout
		case dnsErr.IsTemporary:
			return ErrDNSServFail
		}
	}
	return fmt.Errorf("dns lookup failed: %w", err)
}
