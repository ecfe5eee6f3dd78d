package nodeaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// SystemBackend resolves targets with the operating system resolver. The system resolver does
// not report record lifetimes so every answer is given the same TTL.
type SystemBackend struct {
	resolver    *net.Resolver
	ttl         time.Duration
	defaultPort uint16
	preferIPv6  bool
	logger      Logger
}

// NewSystemBackend creates a backend using net.DefaultResolver
func NewSystemBackend(config *Config) *SystemBackend {
	return &SystemBackend{
		resolver:    net.DefaultResolver,
		ttl:         config.SystemRecordTTL,
		defaultPort: config.DefaultPort,
		preferIPv6:  config.PreferIPv6,
		logger:      config.Logger,
	}
}

func (b *SystemBackend) Name() string {
	return "system"
}

func (b *SystemBackend) Resolve(ctx context.Context, targets []Target) (*Record, error) {
	return resolveTargets(ctx, b.Name(), false, []string{"system"}, targets, b.resolveTarget, b.logger)
}

func (b *SystemBackend) Close() error {
	return nil
}

func (b *SystemBackend) resolveTarget(ctx context.Context, t Target) targetResult {
	if t.IsConcrete() {
		return targetResult{endpoints: []netip.AddrPort{t.Endpoint}, concrete: true}
	}

	if t.Hint == HintSRV {
		return b.lookupSRV(ctx, t.Host)
	}

	port := t.Port
	if !t.HasPort {
		port = b.defaultPort
	}
	if port == 0 {
		return targetResult{err: configError("DefaultPort", "%s has no port and no default port is set", t)}
	}

	ips, err := b.lookupIP(ctx, t.Host, t.Hint)
	if err != nil {
		return targetResult{err: err}
	}
	eps := make([]netip.AddrPort, len(ips))
	for i, ip := range ips {
		eps[i] = netip.AddrPortFrom(ip, port)
	}
	return targetResult{endpoints: eps, ttl: b.ttl, hasTTL: true}
}

func (b *SystemBackend) lookupIP(ctx context.Context, host string, hint RecordHint) ([]netip.Addr, error) {
	network := "ip"
	switch hint {
	case HintIPv4:
		network = "ip4"
	case HintIPv6:
		network = "ip6"
	}

	ips, err := b.resolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, b.lookupError(host, err)
	}
	if len(ips) == 0 {
		return nil, &NegativeResponseError{Name: host, NoData: true}
	}

	out := make([]netip.Addr, 0, len(ips))
	var v6 []netip.Addr
	for _, ip := range ips {
		ip = ip.Unmap()
		if b.preferIPv6 && ip.Is6() {
			v6 = append(v6, ip)
			continue
		}
		out = append(out, ip)
	}
	return append(v6, out...), nil
}

func (b *SystemBackend) lookupSRV(ctx context.Context, name string) targetResult {
	// Empty service and proto looks up the name as given
	_, srvs, err := b.resolver.LookupSRV(ctx, "", "", name)
	if err != nil {
		return targetResult{err: b.lookupError(name, err)}
	}

	// The records come back sorted by priority and randomized by weight
	var (
		eps      []netip.AddrPort
		failures []error
	)
	for _, srv := range srvs {
		if srv.Port == 0 || srv.Target == "." {
			continue
		}
		ips, err := b.lookupIP(ctx, srv.Target, HintAny)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		for _, ip := range ips {
			eps = append(eps, netip.AddrPortFrom(ip, srv.Port))
		}
	}
	if len(eps) == 0 {
		if len(failures) > 0 {
			return targetResult{err: failures[0]}
		}
		return targetResult{err: &NegativeResponseError{Name: name, NoData: true}}
	}
	return targetResult{endpoints: eps, ttl: b.ttl, hasTTL: true}
}

func (b *SystemBackend) lookupError(name string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return &NegativeResponseError{Name: name, NoData: true}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransportError{Name: name, Servers: []string{"system"}, Err: fmt.Errorf("lookup failed: %w", err)}
}
