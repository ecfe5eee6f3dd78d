package nodeaddr

import (
	"net/netip"
	"strconv"
	"strings"
)

// RecordHint selects which records are used when resolving a symbolic address
type RecordHint uint8

const (
	HintAny  RecordHint = iota // A and AAAA records
	HintIPv4                   // A records only
	HintIPv6                   // AAAA records only
	HintSRV                    // SRV records, the port comes from the record
)

func (h RecordHint) String() string {
	switch h {
	case HintAny:
		return "any"
	case HintIPv4:
		return "ip4"
	case HintIPv6:
		return "ip6"
	case HintSRV:
		return "srv"
	default:
		return "unknown"
	}
}

func (h RecordHint) prefix() string {
	switch h {
	case HintIPv4:
		return "ip4+"
	case HintIPv6:
		return "ip6+"
	case HintSRV:
		return "srv+"
	default:
		return ""
	}
}

// Target is one unit of resolution work handed to a Backend.
// Concrete members of a multi-host address carry Endpoint and no Host.
type Target struct {
	Host     string // Fully qualified, lower case, IDNA normalised
	Port     uint16
	HasPort  bool
	Hint     RecordHint
	Endpoint netip.AddrPort
}

// IsConcrete reports whether the target needs no lookup
func (t Target) IsConcrete() bool {
	return t.Endpoint.IsValid()
}

func (t Target) String() string {
	if t.IsConcrete() {
		return t.Endpoint.String()
	}
	host := strings.TrimSuffix(t.Host, ".")
	if t.HasPort {
		return t.Hint.prefix() + host + ":" + strconv.Itoa(int(t.Port))
	}
	return t.Hint.prefix() + host
}

// ResolvableAddress is what the Resolver needs from an address
type ResolvableAddress interface {
	// IsConcrete is true when the address can be used without a lookup
	IsConcrete() bool
	// Endpoints returns the transport endpoints of a concrete address
	Endpoints() []netip.AddrPort
	// Key is the normalised form used to index the cache
	Key() string
	// Targets returns the lookups needed to resolve the address
	Targets() []Target
}

// NodeAddress is the contract for node address types
type NodeAddress[T any] interface {
	ResolvableAddress
	Transformable
	String() string
	Equal(other T) bool
	Compare(other T) int
}

type addressKind uint8

const (
	kindConcrete addressKind = iota + 1
	kindDomain
	kindMulti
)

type addressData struct {
	kind     addressKind
	endpoint netip.AddrPort
	target   Target
	members  []Address
	key      string
}

// Address locates a node, either as a concrete endpoint or symbolically by DNS name, optionally
// as an ordered list of hosts. Addresses are immutable and copying one shares its storage.
//
// e.g. valid formats
//  1. 127.0.0.1:8080
//  2. [::1]:8080
//  3. node-a.internal:8080
//  4. node-a.internal (port supplied by the resolver)
//  5. srv+_gossip._tcp.example.com
//  6. ip6+node-a.internal:8080
//  7. node-a.internal:8080,node-b.internal:8080,10.0.0.3:8080
type Address struct {
	p *addressData
}

// AddressFrom builds a concrete address from an endpoint, any IPv6 zone is dropped
func AddressFrom(ep netip.AddrPort) Address {
	if ep.Addr().Zone() != "" {
		ep = netip.AddrPortFrom(ep.Addr().WithZone(""), ep.Port())
	}
	return Address{p: &addressData{
		kind:     kindConcrete,
		endpoint: ep,
		key:      ep.String(),
	}}
}

// DomainAddress builds a symbolic address, the host is validated and normalised
func DomainAddress(host string, port uint16, hint RecordHint) (Address, error) {
	fqdn, err := normalizeDomain(host)
	if err != nil {
		return Address{}, err
	}
	return newDomainAddress(fqdn, port, port != 0 && hint != HintSRV, hint), nil
}

func newDomainAddress(fqdn string, port uint16, hasPort bool, hint RecordHint) Address {
	t := Target{Host: fqdn, Port: port, HasPort: hasPort, Hint: hint}
	if !hasPort {
		t.Port = 0
	}
	return Address{p: &addressData{
		kind:   kindDomain,
		target: t,
		key:    targetKey(t),
	}}
}

// MultiAddress joins several single addresses into one, the order is kept
func MultiAddress(members ...Address) (Address, error) {
	if len(members) == 0 {
		return Address{}, ErrEmptyAddress
	}
	if len(members) > maxMultiMembers {
		return Address{}, ErrTooManyHosts
	}

	flat := make([]Address, 0, len(members))
	for _, m := range members {
		switch {
		case m.IsZero():
			return Address{}, ErrEmptyAddress
		case m.p.kind == kindMulti:
			return Address{}, ErrNestedMulti
		}
		flat = append(flat, m)
	}
	if len(flat) == 1 {
		return flat[0], nil
	}

	keys := make([]string, len(flat))
	for i, m := range flat {
		keys[i] = m.p.key
	}
	return Address{p: &addressData{
		kind:    kindMulti,
		members: flat,
		key:     strings.Join(keys, ","),
	}}, nil
}

func targetKey(t Target) string {
	key := t.Hint.prefix() + t.Host
	if t.HasPort {
		key += ":" + strconv.Itoa(int(t.Port))
	}
	return key
}

// IsZero reports whether the address was never set
func (a Address) IsZero() bool {
	return a.p == nil
}

func (a Address) IsConcrete() bool {
	if a.p == nil {
		return false
	}
	switch a.p.kind {
	case kindConcrete:
		return true
	case kindMulti:
		for _, m := range a.p.members {
			if m.p.kind != kindConcrete {
				return false
			}
		}
		return true
	}
	return false
}

// IsMulti reports whether the address lists more than one host
func (a Address) IsMulti() bool {
	return a.p != nil && a.p.kind == kindMulti
}

// Endpoint returns the endpoint of a single concrete address
func (a Address) Endpoint() (netip.AddrPort, bool) {
	if a.p == nil || a.p.kind != kindConcrete {
		return netip.AddrPort{}, false
	}
	return a.p.endpoint, true
}

func (a Address) Endpoints() []netip.AddrPort {
	if !a.IsConcrete() {
		return nil
	}
	if a.p.kind == kindConcrete {
		return []netip.AddrPort{a.p.endpoint}
	}
	eps := make([]netip.AddrPort, len(a.p.members))
	for i, m := range a.p.members {
		eps[i] = m.p.endpoint
	}
	return eps
}

// Host returns the domain name of a symbolic address without the trailing dot
func (a Address) Host() (string, bool) {
	if a.p == nil || a.p.kind != kindDomain {
		return "", false
	}
	return strings.TrimSuffix(a.p.target.Host, "."), true
}

// FQDN returns the fully qualified domain name of a symbolic address
func (a Address) FQDN() (string, bool) {
	if a.p == nil || a.p.kind != kindDomain {
		return "", false
	}
	return a.p.target.Host, true
}

// Port returns the port if the address carries one
func (a Address) Port() (uint16, bool) {
	if a.p == nil {
		return 0, false
	}
	switch a.p.kind {
	case kindConcrete:
		return a.p.endpoint.Port(), true
	case kindDomain:
		return a.p.target.Port, a.p.target.HasPort
	}
	return 0, false
}

// Hint returns the record type hint of a symbolic address
func (a Address) Hint() RecordHint {
	if a.p == nil || a.p.kind != kindDomain {
		return HintAny
	}
	return a.p.target.Hint
}

// Members returns the hosts of a multi-host address, or the address itself
func (a Address) Members() []Address {
	if a.p == nil {
		return nil
	}
	if a.p.kind == kindMulti {
		return append([]Address(nil), a.p.members...)
	}
	return []Address{a}
}

// WithPort returns a copy of the address using the given port
func (a Address) WithPort(port uint16) Address {
	if a.p == nil {
		return a
	}
	switch a.p.kind {
	case kindConcrete:
		return AddressFrom(netip.AddrPortFrom(a.p.endpoint.Addr(), port))
	case kindDomain:
		if a.p.target.Hint == HintSRV {
			return a
		}
		return newDomainAddress(a.p.target.Host, port, true, a.p.target.Hint)
	}
	return a
}

func (a Address) Key() string {
	if a.p == nil {
		return ""
	}
	return a.p.key
}

func (a Address) Targets() []Target {
	if a.p == nil {
		return nil
	}
	switch a.p.kind {
	case kindConcrete:
		return []Target{{Endpoint: a.p.endpoint, Port: a.p.endpoint.Port(), HasPort: true}}
	case kindDomain:
		return []Target{a.p.target}
	}
	targets := make([]Target, 0, len(a.p.members))
	for _, m := range a.p.members {
		targets = append(targets, m.Targets()...)
	}
	return targets
}

func (a Address) String() string {
	if a.p == nil {
		return ""
	}
	switch a.p.kind {
	case kindConcrete:
		return a.p.endpoint.String()
	case kindDomain:
		return a.p.target.String()
	}
	parts := make([]string, len(a.p.members))
	for i, m := range a.p.members {
		parts[i] = m.String()
	}
	return strings.Join(parts, ",")
}

func (a Address) Equal(other Address) bool {
	if a.p == other.p {
		return true
	}
	if a.p == nil || other.p == nil {
		return false
	}
	return a.p.key == other.p.key
}

// Compare orders concrete addresses before symbolic ones, concrete addresses by endpoint and
// symbolic addresses by their normalised key.
func (a Address) Compare(other Address) int {
	ac, oc := a.IsConcrete() && !a.IsMulti(), other.IsConcrete() && !other.IsMulti()
	switch {
	case a.p == nil && other.p == nil:
		return 0
	case a.p == nil:
		return -1
	case other.p == nil:
		return 1
	case ac && oc:
		return a.p.endpoint.Compare(other.p.endpoint)
	case ac:
		return -1
	case oc:
		return 1
	}
	return strings.Compare(a.p.key, other.p.key)
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	v, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
