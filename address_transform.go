package nodeaddr

import (
	"encoding/binary"
	"net/netip"
)

// Address wire tags
const (
	addrTagDomain byte = 0
	addrTagMulti  byte = 1
	addrTagIPv4   byte = 4
	addrTagIPv6   byte = 6
)

func (a Address) EncodedLen() int {
	if a.p == nil {
		return 0
	}
	switch a.p.kind {
	case kindConcrete:
		if a.p.endpoint.Addr().Is4() {
			return 1 + 4 + 2
		}
		return 1 + 16 + 2
	case kindDomain:
		// tag, hint, name length, name, has port, port
		return 1 + 1 + 1 + len(a.p.target.Host) + 1 + 2
	}
	n := 1 + 1
	for _, m := range a.p.members {
		n += m.EncodedLen()
	}
	return n
}

func (a Address) Encode(dst []byte) (int, error) {
	if a.p == nil {
		return 0, &TransformError{Op: "encode", Type: "address", Err: ErrEmptyAddress}
	}
	need := a.EncodedLen()
	if len(dst) < need {
		return 0, bufferTooSmall("address", need, len(dst))
	}

	switch a.p.kind {
	case kindConcrete:
		ip := a.p.endpoint.Addr()
		off := 1
		if ip.Is4() {
			dst[0] = addrTagIPv4
			b := ip.As4()
			off += copy(dst[off:], b[:])
		} else {
			dst[0] = addrTagIPv6
			b := ip.As16()
			off += copy(dst[off:], b[:])
		}
		binary.BigEndian.PutUint16(dst[off:], a.p.endpoint.Port())
		return off + 2, nil

	case kindDomain:
		t := a.p.target
		dst[0] = addrTagDomain
		dst[1] = byte(t.Hint)
		dst[2] = byte(len(t.Host))
		off := 3 + copy(dst[3:], t.Host)
		if t.HasPort {
			dst[off] = 1
		} else {
			dst[off] = 0
		}
		binary.BigEndian.PutUint16(dst[off+1:], t.Port)
		return off + 3, nil
	}

	dst[0] = addrTagMulti
	dst[1] = byte(len(a.p.members))
	off := 2
	for _, m := range a.p.members {
		n, err := m.Encode(dst[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

func (a *Address) Decode(src []byte) (int, error) {
	v, n, err := decodeAddress(src, true)
	if err != nil {
		return 0, err
	}
	*a = v
	return n, nil
}

func decodeAddress(src []byte, allowMulti bool) (Address, int, error) {
	if len(src) < 1 {
		return Address{}, 0, corrupted("address", "missing tag")
	}

	switch src[0] {
	case addrTagIPv4:
		if len(src) < 7 {
			return Address{}, 0, corrupted("address", "truncated ipv4")
		}
		ip := netip.AddrFrom4([4]byte(src[1:5]))
		return AddressFrom(netip.AddrPortFrom(ip, binary.BigEndian.Uint16(src[5:7]))), 7, nil

	case addrTagIPv6:
		if len(src) < 19 {
			return Address{}, 0, corrupted("address", "truncated ipv6")
		}
		ip := netip.AddrFrom16([16]byte(src[1:17]))
		return AddressFrom(netip.AddrPortFrom(ip, binary.BigEndian.Uint16(src[17:19]))), 19, nil

	case addrTagDomain:
		if len(src) < 3 {
			return Address{}, 0, corrupted("address", "truncated domain header")
		}
		hint := RecordHint(src[1])
		if hint > HintSRV {
			return Address{}, 0, corrupted("address", "unknown record hint")
		}
		size := int(src[2])
		end := 3 + size
		if len(src) < end+3 {
			return Address{}, 0, corrupted("address", "truncated domain")
		}
		fqdn, err := normalizeDomain(string(src[3:end]))
		if err != nil {
			return Address{}, 0, corrupted("address", err.Error())
		}
		if fqdn != string(src[3:end]) {
			return Address{}, 0, corrupted("address", "domain is not in canonical form")
		}
		var hasPort bool
		switch src[end] {
		case 0:
		case 1:
			hasPort = true
		default:
			return Address{}, 0, corrupted("address", "invalid port flag")
		}
		port := binary.BigEndian.Uint16(src[end+1:])
		if !hasPort && port != 0 {
			return Address{}, 0, corrupted("address", "port set without flag")
		}
		return newDomainAddress(fqdn, port, hasPort, hint), end + 3, nil

	case addrTagMulti:
		if !allowMulti {
			return Address{}, 0, corrupted("address", "nested multi-host address")
		}
		if len(src) < 2 {
			return Address{}, 0, corrupted("address", "truncated host count")
		}
		count := int(src[1])
		if count < 2 {
			return Address{}, 0, corrupted("address", "multi-host address needs at least two hosts")
		}
		off := 2
		members := make([]Address, 0, count)
		for i := 0; i < count; i++ {
			m, n, err := decodeAddress(src[off:], false)
			if err != nil {
				return Address{}, 0, err
			}
			members = append(members, m)
			off += n
		}
		a, err := MultiAddress(members...)
		if err != nil {
			return Address{}, 0, corrupted("address", err.Error())
		}
		return a, off, nil
	}

	return Address{}, 0, corrupted("address", "unknown tag")
}
