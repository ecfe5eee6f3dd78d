package nodeaddr

import (
	"net/netip"
)

// SocketAddress is an address that is always a concrete endpoint and never needs resolving
type SocketAddress struct {
	netip.AddrPort
}

// ParseSocketAddress parses ip:port or [ip6]:port
func ParseSocketAddress(s string) (SocketAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return SocketAddress{}, err
	}
	if ap.Addr().Zone() != "" {
		return SocketAddress{}, ErrZonedAddress
	}
	return SocketAddress{ap}, nil
}

func (s SocketAddress) IsConcrete() bool {
	return s.AddrPort.IsValid()
}

func (s SocketAddress) Endpoints() []netip.AddrPort {
	if !s.AddrPort.IsValid() {
		return nil
	}
	return []netip.AddrPort{s.AddrPort}
}

func (s SocketAddress) Key() string {
	return s.AddrPort.String()
}

func (s SocketAddress) Targets() []Target {
	return []Target{{Endpoint: s.AddrPort, Port: s.Port(), HasPort: true}}
}

func (s SocketAddress) Equal(other SocketAddress) bool {
	return s.AddrPort == other.AddrPort
}

func (s SocketAddress) Compare(other SocketAddress) int {
	return s.AddrPort.Compare(other.AddrPort)
}

// Address converts to the general Address type
func (s SocketAddress) Address() Address {
	return AddressFrom(s.AddrPort)
}

func (s SocketAddress) EncodedLen() int {
	return s.Address().EncodedLen()
}

func (s SocketAddress) Encode(dst []byte) (int, error) {
	if !s.AddrPort.IsValid() {
		return 0, &TransformError{Op: "encode", Type: "socket address", Err: ErrEmptyAddress}
	}
	if s.Addr().Zone() != "" {
		return 0, &TransformError{Op: "encode", Type: "socket address", Err: ErrZonedAddress}
	}
	return s.Address().Encode(dst)
}

func (s *SocketAddress) Decode(src []byte) (int, error) {
	a, n, err := decodeAddress(src, false)
	if err != nil {
		return 0, err
	}
	ep, ok := a.Endpoint()
	if !ok {
		return 0, corrupted("socket address", "not a concrete address")
	}
	s.AddrPort = ep
	return n, nil
}
