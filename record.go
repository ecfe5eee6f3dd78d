package nodeaddr

import (
	"net/netip"
	"strings"
	"time"

	"github.com/multiformats/go-varint"
	"github.com/paularlott/nodeaddr/hlc"
)

const recordVersion = 1

// Record is the result of resolving a symbolic address
type Record struct {
	Endpoints  []netip.AddrPort
	TTL        time.Duration // Lifetime granted by the cache policy
	Expires    time.Time     // Absolute expiry, set when cached
	Source     string        // Backend and upstream that answered
	Validated  bool          // True when the DNSSEC chain was verified
	Generation hlc.Timestamp // Cache generation that stored the record
}

// NewRecord creates a record for the given endpoints and upstream TTL
func NewRecord(ttl time.Duration, endpoints ...netip.AddrPort) *Record {
	return &Record{
		Endpoints: endpoints,
		TTL:       ttl,
	}
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Endpoints = append([]netip.AddrPort(nil), r.Endpoints...)
	return &c
}

// Expired reports whether the record has reached its expiry at now
func (r *Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// Remaining returns how much of the TTL is left at now
func (r *Record) Remaining(now time.Time) time.Duration {
	if r.Expires.IsZero() {
		return r.TTL
	}
	if d := r.Expires.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Addresses returns the endpoints as concrete addresses
func (r *Record) Addresses() []Address {
	out := make([]Address, len(r.Endpoints))
	for i, ep := range r.Endpoints {
		out[i] = AddressFrom(ep)
	}
	return out
}

func (r *Record) String() string {
	parts := make([]string, len(r.Endpoints))
	for i, ep := range r.Endpoints {
		parts[i] = ep.String()
	}
	return "[" + strings.Join(parts, " ") + "] ttl=" + r.TTL.String()
}

func (r *Record) ttlSeconds() uint64 {
	if r.TTL <= 0 {
		return 0
	}
	return uint64((r.TTL + time.Second - 1) / time.Second)
}

// EncodedLen is [u8 version][uvarint ttl seconds][u8 count][count x ([u8 len][address])]
func (r *Record) EncodedLen() int {
	n := 1 + varint.UvarintSize(r.ttlSeconds()) + 1
	for _, ep := range r.Endpoints {
		n += 1 + AddressFrom(ep).EncodedLen()
	}
	return n
}

func (r *Record) Encode(dst []byte) (int, error) {
	if len(r.Endpoints) > 255 {
		return 0, &TransformError{Op: "encode", Type: "record", Reason: "more than 255 endpoints", Err: ErrCorrupted}
	}
	need := r.EncodedLen()
	if len(dst) < need {
		return 0, bufferTooSmall("record", need, len(dst))
	}

	dst[0] = recordVersion
	off := 1 + varint.PutUvarint(dst[1:], r.ttlSeconds())
	dst[off] = byte(len(r.Endpoints))
	off++
	for _, ep := range r.Endpoints {
		a := AddressFrom(ep)
		dst[off] = byte(a.EncodedLen())
		n, err := a.Encode(dst[off+1:])
		if err != nil {
			return 0, err
		}
		off += 1 + n
	}
	return off, nil
}

func (r *Record) Decode(src []byte) (int, error) {
	if len(src) < 1 {
		return 0, corrupted("record", "missing version")
	}
	if src[0] != recordVersion {
		return 0, corrupted("record", "unsupported version")
	}

	ttl, n, err := varint.FromUvarint(src[1:])
	if err != nil {
		return 0, corrupted("record", err.Error())
	}
	if ttl > uint64(1<<31) {
		return 0, corrupted("record", "ttl out of range")
	}
	off := 1 + n
	if len(src) <= off {
		return 0, corrupted("record", "missing endpoint count")
	}
	count := int(src[off])
	off++

	endpoints := make([]netip.AddrPort, 0, count)
	for i := 0; i < count; i++ {
		if len(src) <= off {
			return 0, corrupted("record", "truncated endpoint list")
		}
		size := int(src[off])
		off++
		if len(src) < off+size {
			return 0, corrupted("record", "truncated endpoint")
		}
		var s SocketAddress
		used, err := s.Decode(src[off : off+size])
		if err != nil {
			return 0, err
		}
		if used != size {
			return 0, corrupted("record", "endpoint length mismatch")
		}
		endpoints = append(endpoints, s.AddrPort)
		off += size
	}

	*r = Record{
		Endpoints: endpoints,
		TTL:       time.Duration(ttl) * time.Second,
	}
	return off, nil
}
