package nodeaddr

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		concrete bool
		key      string
		str      string
		hint     RecordHint
		port     uint16
		hasPort  bool
	}{
		{name: "ipv4", input: "127.0.0.1:8080", concrete: true, key: "127.0.0.1:8080", str: "127.0.0.1:8080", port: 8080, hasPort: true},
		{name: "ipv6", input: "[::1]:8080", concrete: true, key: "[::1]:8080", str: "[::1]:8080", port: 8080, hasPort: true},
		{name: "domain with port", input: "Node-A.Internal:8080", key: "node-a.internal.:8080", str: "node-a.internal:8080", port: 8080, hasPort: true},
		{name: "domain without port", input: "node-a.internal", key: "node-a.internal.", str: "node-a.internal"},
		{name: "trailing dot", input: "node-a.internal.:7946", key: "node-a.internal.:7946", str: "node-a.internal:7946", port: 7946, hasPort: true},
		{name: "srv", input: "srv+_gossip._tcp.example.com", key: "srv+_gossip._tcp.example.com.", str: "srv+_gossip._tcp.example.com", hint: HintSRV},
		{name: "ip6 hint", input: "ip6+node-a.internal:8080", key: "ip6+node-a.internal.:8080", str: "ip6+node-a.internal:8080", hint: HintIPv6, port: 8080, hasPort: true},
		{name: "ip4 hint", input: "ip4+node-a.internal:8080", key: "ip4+node-a.internal.:8080", str: "ip4+node-a.internal:8080", hint: HintIPv4, port: 8080, hasPort: true},
		{name: "idna", input: "bücher.example:80", key: "xn--bcher-kva.example.:80", str: "xn--bcher-kva.example:80", port: 80, hasPort: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAddress(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.concrete, a.IsConcrete())
			assert.Equal(t, tt.key, a.Key())
			assert.Equal(t, tt.str, a.String())
			assert.Equal(t, tt.hint, a.Hint())

			port, hasPort := a.Port()
			assert.Equal(t, tt.hasPort, hasPort)
			if tt.hasPort {
				assert.Equal(t, tt.port, port)
			}

			// The string form parses back to the same address
			again, err := ParseAddress(a.String())
			require.NoError(t, err)
			assert.True(t, a.Equal(again))
		})
	}
}

func TestParseAddressErrors(t *testing.T) {
	tests := []struct {
		input string
		err   error
	}{
		{"", ErrEmptyAddress},
		{"   ", ErrEmptyAddress},
		{"10.0.0.1", ErrMissingPort},
		{"::1", ErrMissingPort},
		{"10.0.0.1:0", ErrInvalidPort},
		{"10.0.0.1:70000", ErrInvalidPort},
		{"host:abc", ErrInvalidPort},
		{"-bad-.example:80", ErrInvalidDomain},
		{"a..b:80", ErrInvalidDomain},
		{"ip6+10.0.0.1:80", ErrHintMismatch},
		{"ip4+[::1]:80", ErrHintMismatch},
		{"srv+", ErrEmptyAddress},
		{"[fe80::1%eth0]:80", ErrZonedAddress},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseAddress(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err), "got %v", err)
		})
	}
}

func TestParseAddressDefaultPort(t *testing.T) {
	a, err := ParseAddressDefaultPort("node-a.internal", 7946)
	require.NoError(t, err)
	port, ok := a.Port()
	require.True(t, ok)
	assert.Equal(t, uint16(7946), port)

	ip, err := ParseAddressDefaultPort("10.0.0.1", 7946)
	require.NoError(t, err)
	assert.True(t, ip.IsConcrete())
	assert.Equal(t, "10.0.0.1:7946", ip.String())

	// The default never overrides an explicit port
	b, err := ParseAddressDefaultPort("node-a.internal:80", 7946)
	require.NoError(t, err)
	port, _ = b.Port()
	assert.Equal(t, uint16(80), port)
}

func TestMultiAddress(t *testing.T) {
	a, err := ParseAddress("node-a.internal:8080, node-b.internal:8080,10.0.0.3:8080")
	require.NoError(t, err)

	assert.True(t, a.IsMulti())
	assert.False(t, a.IsConcrete())
	assert.Equal(t, "node-a.internal:8080,node-b.internal:8080,10.0.0.3:8080", a.String())
	require.Len(t, a.Members(), 3)

	targets := a.Targets()
	require.Len(t, targets, 3)
	assert.Equal(t, "node-a.internal.", targets[0].Host)
	assert.True(t, targets[2].IsConcrete())
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.3:8080"), targets[2].Endpoint)

	concrete, err := ParseAddress("10.0.0.1:80,10.0.0.2:80")
	require.NoError(t, err)
	assert.True(t, concrete.IsConcrete())
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:80"),
		netip.MustParseAddrPort("10.0.0.2:80"),
	}, concrete.Endpoints())

	_, err = MultiAddress(a, concrete)
	assert.ErrorIs(t, err, ErrNestedMulti)

	_, err = MultiAddress()
	assert.ErrorIs(t, err, ErrEmptyAddress)

	single, err := MultiAddress(MustParseAddress("10.0.0.1:80"))
	require.NoError(t, err)
	assert.False(t, single.IsMulti())
}

func TestAddressCompare(t *testing.T) {
	ip1 := MustParseAddress("10.0.0.1:80")
	ip2 := MustParseAddress("10.0.0.2:80")
	dom := MustParseAddress("alpha.example:80")
	dom2 := MustParseAddress("beta.example:80")

	assert.Equal(t, -1, ip1.Compare(ip2))
	assert.Equal(t, 1, ip2.Compare(ip1))
	assert.Equal(t, 0, ip1.Compare(MustParseAddress("10.0.0.1:80")))
	assert.Equal(t, -1, ip2.Compare(dom))
	assert.Equal(t, 1, dom.Compare(ip1))
	assert.Equal(t, -1, dom.Compare(dom2))
	assert.Equal(t, -1, Address{}.Compare(ip1))
}

func TestAddressWithPort(t *testing.T) {
	a := MustParseAddress("node-a.internal")
	b := a.WithPort(9000)
	assert.Equal(t, "node-a.internal:9000", b.String())
	assert.Equal(t, "node-a.internal", a.String())

	ip := MustParseAddress("10.0.0.1:80").WithPort(81)
	assert.Equal(t, "10.0.0.1:81", ip.String())

	srv := MustParseAddress("srv+_gossip._tcp.example.com")
	assert.True(t, srv.Equal(srv.WithPort(80)))
}

func TestAddressText(t *testing.T) {
	var a Address
	require.NoError(t, a.UnmarshalText([]byte("node-a.internal:8080")))
	text, err := a.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "node-a.internal:8080", string(text))

	assert.Error(t, a.UnmarshalText([]byte("10.0.0.1")))
}

func TestAddressTransform(t *testing.T) {
	inputs := []string{
		"127.0.0.1:8080",
		"[2001:db8::1]:443",
		"node-a.internal:8080",
		"node-a.internal",
		"srv+_gossip._tcp.example.com",
		"ip6+node-a.internal:8080",
		"node-a.internal:8080,10.0.0.3:8080,[::1]:9",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			a := MustParseAddress(in)
			buf, err := EncodeToBytes(a)
			require.NoError(t, err)
			assert.Len(t, buf, a.EncodedLen())

			got, n, err := Decode[Address](buf)
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			assert.True(t, a.Equal(got))
			assert.Equal(t, a.String(), got.String())
		})
	}
}

func TestAddressEncodeBufferTooSmall(t *testing.T) {
	a := MustParseAddress("node-a.internal:8080")
	_, err := a.Encode(make([]byte, a.EncodedLen()-1))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, err = Address{}.Encode(make([]byte, 10))
	assert.ErrorIs(t, err, ErrEmptyAddress)
}

func TestAddressDecodeCorrupted(t *testing.T) {
	valid, err := EncodeToBytes(MustParseAddress("node-a.internal:8080"))
	require.NoError(t, err)

	upper := append([]byte(nil), valid...)
	upper[3] = 'N'

	badFlag := append([]byte(nil), valid...)
	badFlag[len(badFlag)-3] = 7

	tests := map[string][]byte{
		"empty":          {},
		"unknown tag":    {9},
		"truncated ipv4": {addrTagIPv4, 10, 0, 0},
		"truncated ipv6": {addrTagIPv6, 0, 0},
		"truncated name": valid[:len(valid)-4],
		"not canonical":  upper,
		"bad port flag":  badFlag,
		"bad hint":       {addrTagDomain, 9, 0},
		"single member":  {addrTagMulti, 1, addrTagIPv4, 10, 0, 0, 1, 0, 80},
		"nested multi":   {addrTagMulti, 2, addrTagMulti, 2},
	}

	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			var a Address
			_, err := a.Decode(src)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupted)
		})
	}
}

func TestSocketAddress(t *testing.T) {
	s, err := ParseSocketAddress("10.0.0.1:7946")
	require.NoError(t, err)
	assert.True(t, s.IsConcrete())
	assert.Equal(t, "10.0.0.1:7946", s.Key())
	assert.Equal(t, []netip.AddrPort{s.AddrPort}, s.Endpoints())

	buf, err := EncodeToBytes(s)
	require.NoError(t, err)
	got, _, err := Decode[SocketAddress](buf)
	require.NoError(t, err)
	assert.True(t, s.Equal(got))

	// A symbolic address cannot be read as a socket address
	dom, err := EncodeToBytes(MustParseAddress("node-a.internal:80"))
	require.NoError(t, err)
	_, _, err = Decode[SocketAddress](dom)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = ParseSocketAddress("node-a.internal:80")
	assert.Error(t, err)
}

func TestZonedAddresses(t *testing.T) {
	_, err := ParseSocketAddress("[fe80::1%eth0]:80")
	assert.ErrorIs(t, err, ErrZonedAddress)

	zoned := netip.MustParseAddrPort("[fe80::1%eth0]:80")
	a := AddressFrom(zoned)
	ep, ok := a.Endpoint()
	require.True(t, ok)
	assert.Equal(t, "", ep.Addr().Zone())
	assert.Equal(t, "[fe80::1]:80", a.Key())

	buf, err := EncodeToBytes(a)
	require.NoError(t, err)
	got, _, err := Decode[Address](buf)
	require.NoError(t, err)
	assert.True(t, a.Equal(got))

	// A socket address built directly cannot be encoded without losing its zone
	_, err = EncodeToBytes(SocketAddress{zoned})
	assert.ErrorIs(t, err, ErrZonedAddress)
}
