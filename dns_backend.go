package nodeaddr

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DNSBackend resolves targets against a list of upstream servers over one transport, optionally
// validating answers with DNSSEC.
type DNSBackend struct {
	config    *Config
	name      string
	upstreams []string
	exchanger exchanger
	validator *validator
	runtime   Runtime
	logger    Logger
}

// NewDNSBackend creates a backend from config, config must have been merged with the defaults
func NewDNSBackend(config *Config) (*DNSBackend, error) {
	upstreams := make([]string, 0, len(config.Upstreams))
	for _, u := range config.Upstreams {
		n, err := normalizeUpstream(config.Transport, u)
		if err != nil {
			return nil, err
		}
		upstreams = append(upstreams, n)
	}
	if len(upstreams) == 0 {
		if config.Transport != TransportPlain {
			return nil, configError("Upstreams", "%s transport requires at least one upstream", config.Transport)
		}
		servers, err := loadResolvConf(config.ResolvConf)
		if err != nil {
			return nil, &ConfigurationError{Field: "ResolvConf", Reason: err.Error(), Err: err}
		}
		upstreams = servers
	}

	ex, err := newExchanger(config)
	if err != nil {
		return nil, err
	}

	b := &DNSBackend{
		config:    config,
		name:      "dns-" + config.Transport.String(),
		upstreams: upstreams,
		exchanger: ex,
		runtime:   config.Runtime,
		logger:    config.Logger,
	}

	if config.DNSSEC == DNSSECValidate {
		b.validator, err = newValidator(config, b.fetch, b.runtime.Clock().Now)
		if err != nil {
			_ = ex.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *DNSBackend) Name() string {
	return b.name
}

// Upstreams returns the servers queried, in order
func (b *DNSBackend) Upstreams() []string {
	return append([]string(nil), b.upstreams...)
}

func (b *DNSBackend) Close() error {
	return b.exchanger.Close()
}

type targetResult struct {
	endpoints []netip.AddrPort
	ttl       time.Duration
	hasTTL    bool
	concrete  bool
	validated bool
	err       error
}

// Resolve looks up every target concurrently, see resolveTargets
func (b *DNSBackend) Resolve(ctx context.Context, targets []Target) (*Record, error) {
	return resolveTargets(ctx, b.name, b.validator != nil, b.upstreams, targets, b.resolveTarget, b.logger)
}

// resolveTargets runs resolve for every target concurrently. The record holds the endpoints of
// every target that resolved, in target order. It fails only when no target resolved, with a
// negative answer if every target was negative.
func resolveTargets(ctx context.Context, source string, validating bool, servers []string, targets []Target, resolve func(context.Context, Target) targetResult, logger Logger) (*Record, error) {
	if len(targets) == 0 {
		return nil, &NegativeResponseError{NoData: true}
	}

	results := make([]targetResult, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			results[i] = resolve(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	rec := &Record{Source: source, Validated: validating}
	seen := make(map[netip.AddrPort]struct{})
	var (
		failures    error
		negative    *NegativeResponseError
		fatal       error
		allNegative = true
		resolved    bool
		ttlSet      bool
	)

	for i, res := range results {
		if res.err != nil {
			failures = multierr.Append(failures, fmt.Errorf("%s: %w", targets[i], res.err))
			var neg *NegativeResponseError
			switch {
			case errors.As(res.err, &neg):
				if negative == nil {
					negative = neg
				}
			case errors.Is(res.err, ErrValidationFailed), errors.Is(res.err, ErrConfiguration):
				allNegative = false
				if fatal == nil {
					fatal = res.err
				}
			default:
				allNegative = false
			}
			continue
		}

		resolved = true
		if res.hasTTL && (!ttlSet || res.ttl < rec.TTL) {
			rec.TTL, ttlSet = res.ttl, true
		}
		if !res.concrete {
			rec.Validated = rec.Validated && res.validated
		}
		for _, ep := range res.endpoints {
			if _, ok := seen[ep]; !ok {
				seen[ep] = struct{}{}
				rec.Endpoints = append(rec.Endpoints, ep)
			}
		}
	}

	switch {
	case resolved:
		if failures != nil {
			logger.Err(failures).Field("resolved", len(rec.Endpoints)).Warnf("resolver: Some targets did not resolve")
		}
		return rec, nil
	case allNegative:
		return nil, negative
	case fatal != nil:
		return nil, fatal
	case len(targets) == 1:
		return nil, results[0].err
	}
	return nil, &TransportError{Name: targets[0].String(), Servers: servers, Err: failures}
}

func (b *DNSBackend) resolveTarget(ctx context.Context, t Target) targetResult {
	if t.IsConcrete() {
		return targetResult{endpoints: []netip.AddrPort{t.Endpoint}, concrete: true}
	}

	if t.Hint == HintSRV {
		return b.resolveSRV(ctx, t.Host)
	}

	port := t.Port
	if !t.HasPort {
		port = b.config.DefaultPort
	}
	if port == 0 {
		return targetResult{err: configError("DefaultPort", "%s has no port and no default port is set", t)}
	}

	addrs, ttl, validated, err := b.lookupIP(ctx, t.Host, t.Hint)
	if err != nil {
		return targetResult{err: err}
	}
	eps := make([]netip.AddrPort, len(addrs))
	for i, a := range addrs {
		eps[i] = netip.AddrPortFrom(a, port)
	}
	return targetResult{endpoints: eps, ttl: ttl, hasTTL: true, validated: validated}
}

// lookupIP queries A and AAAA records as the hint allows, ordered by address family preference
func (b *DNSBackend) lookupIP(ctx context.Context, host string, hint RecordHint) ([]netip.Addr, time.Duration, bool, error) {
	var qtypes []uint16
	switch hint {
	case HintIPv4:
		qtypes = []uint16{dns.TypeA}
	case HintIPv6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		if b.config.PreferIPv6 {
			qtypes = []uint16{dns.TypeAAAA, dns.TypeA}
		} else {
			qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
		}
	}

	type answer struct {
		addrs     []netip.Addr
		ttl       time.Duration
		validated bool
		err       error
	}
	answers := make([]answer, len(qtypes))

	var g errgroup.Group
	for i, qt := range qtypes {
		g.Go(func() error {
			a := &answers[i]
			a.addrs, a.ttl, a.validated, a.err = b.queryAddrs(ctx, host, qt)
			return nil
		})
	}
	_ = g.Wait()

	var (
		addrs     []netip.Addr
		ttl       time.Duration
		validated = true
		found     bool
		firstErr  error
		negative  error
	)
	for _, a := range answers {
		if a.err != nil {
			var neg *NegativeResponseError
			if errors.As(a.err, &neg) {
				if negative == nil {
					negative = a.err
				}
			} else if firstErr == nil {
				firstErr = a.err
			}
			continue
		}
		if !found || a.ttl < ttl {
			ttl = a.ttl
		}
		found = true
		validated = validated && a.validated
		addrs = append(addrs, a.addrs...)
	}

	switch {
	case found:
		return addrs, ttl, validated, nil
	case firstErr != nil:
		// A negative answer for one family says nothing about the other
		return nil, 0, false, firstErr
	}
	return nil, 0, false, negative
}

// queryAddrs returns the addresses of one type for host, following CNAMEs within the answer
func (b *DNSBackend) queryAddrs(ctx context.Context, host string, qtype uint16) ([]netip.Addr, time.Duration, bool, error) {
	msg, validated, err := b.query(ctx, host, qtype)
	if err != nil {
		return nil, 0, false, err
	}

	owners := answerChain(host, msg.Answer)
	var addrs []netip.Addr
	ttl := uint32(0)
	first := true
	for _, rr := range msg.Answer {
		if !owners[dns.CanonicalName(rr.Header().Name)] {
			continue
		}
		var ip netip.Addr
		switch t := rr.(type) {
		case *dns.A:
			if qtype != dns.TypeA {
				continue
			}
			ip, _ = netip.AddrFromSlice(t.A.To4())
		case *dns.AAAA:
			if qtype != dns.TypeAAAA {
				continue
			}
			ip, _ = netip.AddrFromSlice(t.AAAA.To16())
		case *dns.CNAME:
			// The chain counts towards the lifetime of the answer
		default:
			continue
		}
		if first || rr.Header().Ttl < ttl {
			ttl, first = rr.Header().Ttl, false
		}
		if ip.IsValid() {
			addrs = append(addrs, ip)
		}
	}

	if len(addrs) == 0 {
		return nil, 0, false, &NegativeResponseError{Name: host, Rcode: msg.Rcode, NoData: true}
	}
	return addrs, time.Duration(ttl) * time.Second, validated, nil
}

// resolveSRV looks up a service record and the addresses of its targets, using glue from the
// additional section where the server provided it
func (b *DNSBackend) resolveSRV(ctx context.Context, name string) targetResult {
	msg, validated, err := b.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return targetResult{err: err}
	}

	owners := answerChain(name, msg.Answer)
	var srvs []*dns.SRV
	ttl := uint32(0)
	first := true
	for _, rr := range msg.Answer {
		if !owners[dns.CanonicalName(rr.Header().Name)] {
			continue
		}
		switch rr.(type) {
		case *dns.SRV, *dns.CNAME:
		default:
			continue
		}
		if first || rr.Header().Ttl < ttl {
			ttl, first = rr.Header().Ttl, false
		}
		if srv, ok := rr.(*dns.SRV); ok && srv.Port != 0 && srv.Target != "." {
			srvs = append(srvs, srv)
		}
	}
	if len(srvs) == 0 {
		return targetResult{err: &NegativeResponseError{Name: name, Rcode: msg.Rcode, NoData: true}}
	}

	// Lowest priority first, heaviest weight first within a priority
	sort.SliceStable(srvs, func(i, j int) bool {
		if srvs[i].Priority != srvs[j].Priority {
			return srvs[i].Priority < srvs[j].Priority
		}
		return srvs[i].Weight > srvs[j].Weight
	})

	glue := make(map[string][]netip.Addr)
	if b.validator == nil {
		for _, rr := range msg.Extra {
			owner := dns.CanonicalName(rr.Header().Name)
			switch t := rr.(type) {
			case *dns.A:
				if ip, ok := netip.AddrFromSlice(t.A.To4()); ok {
					glue[owner] = append(glue[owner], ip)
				}
			case *dns.AAAA:
				if ip, ok := netip.AddrFromSlice(t.AAAA.To16()); ok {
					glue[owner] = append(glue[owner], ip)
				}
			}
		}
	}

	res := targetResult{ttl: time.Duration(ttl) * time.Second, hasTTL: true, validated: validated}
	var failures error
	for _, srv := range srvs {
		target := dns.CanonicalName(srv.Target)
		addrs, ok := glue[target]
		if !ok {
			var (
				addrTTL time.Duration
				addrOK  bool
			)
			addrs, addrTTL, addrOK, err = b.lookupIP(ctx, target, HintAny)
			if err != nil {
				failures = multierr.Append(failures, fmt.Errorf("%s: %w", target, err))
				continue
			}
			if addrTTL < res.ttl {
				res.ttl = addrTTL
			}
			res.validated = res.validated && addrOK
		}
		for _, ip := range addrs {
			res.endpoints = append(res.endpoints, netip.AddrPortFrom(ip, srv.Port))
		}
	}

	if len(res.endpoints) == 0 {
		if failures == nil {
			failures = &NegativeResponseError{Name: name, NoData: true}
		}
		return targetResult{err: firstError(failures)}
	}
	return res
}

// answerChain returns the owner names an answer may use for qname: the name itself and every
// name reached by following CNAME records from it. Records owned by any other name are ignored.
func answerChain(qname string, answer []dns.RR) map[string]bool {
	owners := map[string]bool{dns.CanonicalName(qname): true}
	for grew := true; grew; {
		grew = false
		for _, rr := range answer {
			c, ok := rr.(*dns.CNAME)
			if !ok || !owners[dns.CanonicalName(c.Hdr.Name)] {
				continue
			}
			if target := dns.CanonicalName(c.Target); !owners[target] {
				owners[target] = true
				grew = true
			}
		}
	}
	return owners
}

func firstError(err error) error {
	if errs := multierr.Errors(err); len(errs) > 0 {
		return errs[0]
	}
	return err
}

// newQuery builds a recursive query with EDNS0, asking for signatures when validating
func (b *DNSBackend) newQuery(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	m.SetEdns0(b.config.EDNSBufferSize, b.validator != nil)
	if b.validator != nil {
		// Validation happens here so the upstream must hand back data it considers bogus too
		m.CheckingDisabled = true
	}
	return m
}

// query sends a question to the upstreams in order until one gives a usable answer, then
// validates it when DNSSEC is enabled
func (b *DNSBackend) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, bool, error) {
	resp, err := b.exchange(ctx, name, qtype)
	if err != nil {
		return nil, false, err
	}

	if b.validator != nil {
		if err := b.validator.verifyMsg(ctx, name, resp); err != nil {
			b.logger.Err(err).Field("name", name).Warnf("dns: Validation failed")
			return nil, false, err
		}
	}

	if resp.Rcode == dns.RcodeNameError {
		return nil, false, &NegativeResponseError{Name: name, Rcode: resp.Rcode}
	}
	return resp, b.validator != nil, nil
}

// fetch queries without validation, used to walk the DNSSEC chain
func (b *DNSBackend) fetch(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	resp, err := b.exchange(ctx, name, qtype)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &NegativeResponseError{Name: name, Rcode: resp.Rcode}
	}
	return resp, nil
}

// exchange returns the first answer that is NOERROR or NXDOMAIN, other response codes and
// transport failures move on to the next upstream
func (b *DNSBackend) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := b.newQuery(name, qtype)

	var errs error
	for _, upstream := range b.upstreams {
		var resp *dns.Msg
		err := b.runtime.Timeout(ctx, b.config.ExchangeTimeout, func(ctx context.Context) error {
			var err error
			resp, err = b.exchanger.Exchange(ctx, m, upstream)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Err(err).Field("upstream", upstream).Field("name", name).Debugf("dns: Upstream failed")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", upstream, err))
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			return resp, nil
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: %s", upstream, dns.RcodeToString[resp.Rcode]))
		}
	}

	return nil, &TransportError{Name: name, Servers: b.upstreams, Err: errs}
}
