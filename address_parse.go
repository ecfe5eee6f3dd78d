package nodeaddr

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

const (
	maxDomainLength = 253
	maxLabelLength  = 63
	maxMultiMembers = 255
)

var (
	ErrEmptyAddress  = errors.New("address cannot be empty")
	ErrMissingPort   = errors.New("ip address requires a port")
	ErrInvalidPort   = errors.New("invalid port")
	ErrInvalidDomain = errors.New("invalid domain name")
	ErrHintMismatch  = errors.New("record hint does not match address family")
	ErrZonedAddress  = errors.New("zoned ip addresses are not supported")
	ErrNestedMulti   = errors.New("multi-host address cannot contain another multi-host address")
	ErrTooManyHosts  = fmt.Errorf("multi-host address exceeds %d hosts", maxMultiMembers)
)

// Underscores are allowed so SRV owner names such as _http._tcp.example.com pass through.
var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.StrictDomainName(false),
)

// ParseAddress parses an address string, see Address for the accepted forms.
// A bare IP address without a port is rejected, a bare host name is accepted and takes its port at resolution.
func ParseAddress(s string) (Address, error) {
	return parseAddress(s, 0)
}

// ParseAddressDefaultPort parses an address string filling in defaultPort wherever a port is missing
func ParseAddressDefaultPort(s string, defaultPort uint16) (Address, error) {
	return parseAddress(s, defaultPort)
}

// MustParseAddress is like ParseAddress but panics on error
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func parseAddress(s string, defaultPort uint16) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, ErrEmptyAddress
	}

	if !strings.Contains(s, ",") {
		return parseSingle(s, defaultPort)
	}

	parts := strings.Split(s, ",")
	members := make([]Address, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := parseSingle(part, defaultPort)
		if err != nil {
			return Address{}, fmt.Errorf("failed to parse %q: %w", part, err)
		}
		members = append(members, a)
	}
	return MultiAddress(members...)
}

func parseSingle(s string, defaultPort uint16) (Address, error) {
	hint := HintAny
	switch {
	case strings.HasPrefix(s, "srv+"):
		hint = HintSRV
	case strings.HasPrefix(s, "ip4+"):
		hint = HintIPv4
	case strings.HasPrefix(s, "ip6+"):
		hint = HintIPv6
	}
	if hint != HintAny {
		s = s[4:]
		if s == "" {
			return Address{}, ErrEmptyAddress
		}
	}

	// SRV records carry the port so the whole string is the owner name
	if hint == HintSRV {
		fqdn, err := normalizeDomain(s)
		if err != nil {
			return Address{}, err
		}
		return newDomainAddress(fqdn, 0, false, HintSRV), nil
	}

	host, port, hasPort, err := splitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	if !hasPort && defaultPort != 0 {
		port, hasPort = defaultPort, true
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Zone() != "" {
			return Address{}, ErrZonedAddress
		}
		if !hasPort {
			return Address{}, ErrMissingPort
		}
		if (hint == HintIPv4 && !ip.Is4()) || (hint == HintIPv6 && ip.Is4()) {
			return Address{}, ErrHintMismatch
		}
		return AddressFrom(netip.AddrPortFrom(ip, port)), nil
	}

	fqdn, err := normalizeDomain(host)
	if err != nil {
		return Address{}, err
	}
	return newDomainAddress(fqdn, port, hasPort, hint), nil
}

func splitHostPort(s string) (string, uint16, bool, error) {
	// Bracketed IPv6 or host:port, a bare IPv6 address has more than one colon
	if strings.HasPrefix(s, "[") || strings.Count(s, ":") == 1 {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
				return s[1 : len(s)-1], 0, false, nil
			}
			return "", 0, false, fmt.Errorf("%w: %v", ErrInvalidPort, err)
		}
		port, err := parsePort(portStr)
		if err != nil {
			return "", 0, false, err
		}
		return host, port, true, nil
	}
	return s, 0, false, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return uint16(p), nil
}

// normalizeDomain converts a host name to its fully qualified, lower case ASCII form
func normalizeDomain(host string) (string, error) {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", ErrInvalidDomain
	}

	ascii, err := domainProfile.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	ascii = strings.ToLower(ascii)
	if len(ascii) > maxDomainLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDomain, maxDomainLength)
	}

	for _, label := range strings.Split(ascii, ".") {
		if err := validateLabel(label); err != nil {
			return "", err
		}
	}
	return ascii + ".", nil
}

func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidDomain)
	}
	if len(label) > maxLabelLength {
		return fmt.Errorf("%w: label %q exceeds %d characters", ErrInvalidDomain, label, maxLabelLength)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("%w: label %q starts or ends with a hyphen", ErrInvalidDomain, label)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: label %q contains %q", ErrInvalidDomain, label, c)
		}
	}
	return nil
}
