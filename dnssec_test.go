package nodeaddr

import (
	"context"
	"crypto"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signedZone holds a single combined signing key for a zone
type signedZone struct {
	name string
	key  *dns.DNSKEY
	priv crypto.Signer
	now  time.Time
}

func newSignedZone(t *testing.T, name string, now time.Time) *signedZone {
	t.Helper()
	key := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: name, Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 3600},
		Flags:     257,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}
	priv, err := key.Generate(256)
	require.NoError(t, err)
	return &signedZone{name: name, key: key, priv: priv.(crypto.Signer), now: now}
}

func (z *signedZone) sign(t *testing.T, rrset ...dns.RR) *dns.RRSIG {
	t.Helper()
	sig := &dns.RRSIG{
		Hdr:        dns.RR_Header{Ttl: rrset[0].Header().Ttl},
		Algorithm:  z.key.Algorithm,
		SignerName: z.name,
		KeyTag:     z.key.KeyTag(),
		Inception:  uint32(z.now.Add(-time.Hour).Unix()),
		Expiration: uint32(z.now.Add(time.Hour).Unix()),
	}
	require.NoError(t, sig.Sign(z.priv, rrset))
	return sig
}

// signed returns the rrset followed by its signature
func (z *signedZone) signed(t *testing.T, rrset ...dns.RR) []dns.RR {
	return append(append([]dns.RR(nil), rrset...), z.sign(t, rrset...))
}

func (z *signedZone) ds() *dns.DS {
	return z.key.ToDS(dns.SHA256)
}

func (z *signedZone) anchor() string {
	return z.ds().String()
}

// fakeFetch answers validator queries from prepared messages
type fakeFetch struct {
	answers map[string][]dns.RR
	calls   atomic.Int64
}

func newFakeFetch() *fakeFetch {
	return &fakeFetch{answers: make(map[string][]dns.RR)}
}

func (f *fakeFetch) set(name string, qtype uint16, rrs ...dns.RR) {
	f.answers[zoneKey(name, qtype)] = rrs
}

func (f *fakeFetch) fetch(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	f.calls.Add(1)
	rrs, ok := f.answers[zoneKey(name, qtype)]
	if !ok {
		return nil, &NegativeResponseError{Name: name, Rcode: dns.RcodeNameError}
	}
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Answer = rrs
	return m, nil
}

func newTestValidator(t *testing.T, f *fakeFetch, now time.Time, anchors ...string) *validator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TrustAnchors = anchors
	v, err := newValidator(cfg, f.fetch, func() time.Time { return now })
	require.NoError(t, err)
	return v
}

func answerMsg(rrs ...dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.Answer = rrs
	return m
}

func TestValidatorAcceptsSignedAnswer(t *testing.T) {
	now := time.Now()
	zone := newSignedZone(t, "example.", now)
	f := newFakeFetch()
	f.set("example.", dns.TypeDNSKEY, zone.signed(t, zone.key)...)
	v := newTestValidator(t, f, now, zone.anchor())

	a := mustRR("node.example. 300 IN A 10.0.0.1")
	err := v.verifyMsg(context.Background(), "node.example.", answerMsg(zone.signed(t, a)...))
	require.NoError(t, err)

	// Zone keys are cached after the first lookup
	b := mustRR("other.example. 300 IN A 10.0.0.2")
	require.NoError(t, v.verifyMsg(context.Background(), "other.example.", answerMsg(zone.signed(t, b)...)))
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestValidatorRejectsBadAnswers(t *testing.T) {
	now := time.Now()
	zone := newSignedZone(t, "example.", now)
	other := newSignedZone(t, "example.", now)

	a := mustRR("node.example. 300 IN A 10.0.0.1")
	sig := zone.sign(t, a)
	tampered := mustRR("node.example. 300 IN A 10.6.6.6")

	expiredZone := &signedZone{name: zone.name, key: zone.key, priv: zone.priv, now: now.Add(-48 * time.Hour)}

	tests := []struct {
		name string
		msg  *dns.Msg
		err  error
	}{
		{name: "tampered", msg: answerMsg(tampered, sig)},
		{name: "unsigned", msg: answerMsg(a), err: errMissingSignature},
		{name: "empty", msg: answerMsg()},
		{name: "expired", msg: answerMsg(expiredZone.signed(t, a)...), err: errSignatureExpired},
		{name: "unknown key", msg: answerMsg(other.signed(t, a)...), err: errNoMatchingKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetch()
			f.set("example.", dns.TypeDNSKEY, zone.signed(t, zone.key)...)
			v := newTestValidator(t, f, now, zone.anchor())

			err := v.verifyMsg(context.Background(), "node.example.", tt.msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
			assert.False(t, IsRetryable(err))
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
			}
		})
	}
}

func TestValidatorRejectsUntrustedKeys(t *testing.T) {
	now := time.Now()
	zone := newSignedZone(t, "example.", now)
	impostor := newSignedZone(t, "example.", now)

	// The served key set is signed by a key the anchor does not name
	f := newFakeFetch()
	f.set("example.", dns.TypeDNSKEY, impostor.signed(t, impostor.key)...)
	v := newTestValidator(t, f, now, zone.anchor())

	a := mustRR("node.example. 300 IN A 10.0.0.1")
	err := v.verifyMsg(context.Background(), "node.example.", answerMsg(impostor.signed(t, a)...))
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "matches its DS records")
}

func TestValidatorRejectsForeignSigner(t *testing.T) {
	now := time.Now()
	zone := newSignedZone(t, "example.", now)
	f := newFakeFetch()
	v := newTestValidator(t, f, now, zone.anchor())

	a := mustRR("node.elsewhere. 300 IN A 10.0.0.1")
	err := v.verifyMsg(context.Background(), "node.elsewhere.", answerMsg(zone.signed(t, a)...))
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "not an ancestor")
	assert.Equal(t, int64(0), f.calls.Load())
}

func TestValidatorFollowsDelegation(t *testing.T) {
	now := time.Now()
	parent := newSignedZone(t, "example.", now)
	child := newSignedZone(t, "sub.example.", now)

	f := newFakeFetch()
	f.set("example.", dns.TypeDNSKEY, parent.signed(t, parent.key)...)
	f.set("sub.example.", dns.TypeDNSKEY, child.signed(t, child.key)...)
	ds := child.ds()
	ds.Hdr.Ttl = 3600
	f.set("sub.example.", dns.TypeDS, parent.signed(t, ds)...)
	v := newTestValidator(t, f, now, parent.anchor())

	a := mustRR("node.sub.example. 300 IN A 10.0.0.1")
	require.NoError(t, v.verifyMsg(context.Background(), "node.sub.example.", answerMsg(child.signed(t, a)...)))
}

func TestValidatorRejectsInsecureDelegation(t *testing.T) {
	now := time.Now()
	parent := newSignedZone(t, "example.", now)
	child := newSignedZone(t, "sub.example.", now)

	f := newFakeFetch()
	f.set("example.", dns.TypeDNSKEY, parent.signed(t, parent.key)...)
	f.set("sub.example.", dns.TypeDNSKEY, child.signed(t, child.key)...)
	f.set("sub.example.", dns.TypeDS)
	v := newTestValidator(t, f, now, parent.anchor())

	a := mustRR("node.sub.example. 300 IN A 10.0.0.1")
	err := v.verifyMsg(context.Background(), "node.sub.example.", answerMsg(child.signed(t, a)...))
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.ErrorIs(t, err, errInsecure)
}

func TestValidatorVerifiesNegativeAnswers(t *testing.T) {
	now := time.Now()
	zone := newSignedZone(t, "example.", now)
	f := newFakeFetch()
	f.set("example.", dns.TypeDNSKEY, zone.signed(t, zone.key)...)
	v := newTestValidator(t, f, now, zone.anchor())

	soa := mustRR("example. 300 IN SOA ns.example. admin.example. 1 7200 3600 1209600 300")
	m := new(dns.Msg)
	m.Rcode = dns.RcodeNameError
	m.Ns = zone.signed(t, soa)
	require.NoError(t, v.verifyMsg(context.Background(), "missing.example.", m))

	m.Ns = []dns.RR{soa}
	assert.ErrorIs(t, v.verifyMsg(context.Background(), "missing.example.", m), errMissingSignature)
}

func signedTestZone(t *testing.T) (*testZone, *signedZone) {
	t.Helper()
	zone := newSignedZone(t, "example.", time.Now())
	z := newTestZone()
	z.add(zone.signed(t, zone.key)...)
	z.add(zone.signed(t, mustRR("node.example. 300 IN A 10.0.0.1"))...)
	z.add(mustRR("unsigned.example. 300 IN A 10.0.0.2"))
	z.authority = zone.signed(t, mustRR("example. 300 IN SOA ns.example. admin.example. 1 7200 3600 1209600 300"))
	return z, zone
}

func TestDNSBackendValidatesAnswers(t *testing.T) {
	z, zone := signedTestZone(t)
	addr := startDNSServer(t, z)

	b := newTestBackend(t, func(c *Config) {
		c.Upstreams = []string{addr}
		c.DNSSEC = DNSSECValidate
		c.TrustAnchors = []string{zone.anchor()}
	})

	rec, err := resolveString(t, b, "ip4+node.example:80")
	require.NoError(t, err)
	assert.True(t, rec.Validated)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:80")}, rec.Endpoints)

	_, err = resolveString(t, b, "ip4+unsigned.example:80")
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.False(t, IsRetryable(err))

	_, err = resolveString(t, b, "ip4+missing.example:80")
	assert.ErrorIs(t, err, ErrNegativeResponse)

	// A concrete member does not need validating
	rec, err = resolveString(t, b, "ip4+node.example:80,10.0.0.9:80")
	require.NoError(t, err)
	assert.True(t, rec.Validated)
	assert.Len(t, rec.Endpoints, 2)
}

func TestDNSBackendRejectsSignedForeignOwner(t *testing.T) {
	zone := newSignedZone(t, "example.", time.Now())
	evil := zone.signed(t, mustRR("evil.example. 300 IN A 6.6.6.6"))
	keys := zone.signed(t, zone.key)
	addr := startDNSServer(t, dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Authoritative = true
		m.RecursionAvailable = true
		switch req.Question[0].Qtype {
		case dns.TypeDNSKEY:
			m.Answer = keys
		case dns.TypeA:
			m.Answer = evil
		}
		_ = w.WriteMsg(m)
	}))

	b := newTestBackend(t, func(c *Config) {
		c.Upstreams = []string{addr}
		c.DNSSEC = DNSSECValidate
		c.TrustAnchors = []string{zone.anchor()}
	})

	// Correctly signed, but for a name that was not asked about
	rec, err := resolveString(t, b, "ip4+bank.example:80")
	require.Error(t, err)
	assert.Nil(t, rec)
}

func TestDNSBackendValidationFailsWithWrongAnchor(t *testing.T) {
	z, _ := signedTestZone(t)
	addr := startDNSServer(t, z)
	stranger := newSignedZone(t, "example.", time.Now())

	b := newTestBackend(t, func(c *Config) {
		c.Upstreams = []string{addr}
		c.DNSSEC = DNSSECValidate
		c.TrustAnchors = []string{stranger.anchor()}
	})

	_, err := resolveString(t, b, "ip4+node.example:80")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "node.example.", ve.Name)
}

func TestDNSBackendValidationSetsQueryFlags(t *testing.T) {
	z, zone := signedTestZone(t)
	var flagged atomic.Int64
	addr := startDNSServer(t, dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		if opt := req.IsEdns0(); opt != nil && opt.Do() && req.CheckingDisabled {
			flagged.Add(1)
		}
		z.ServeDNS(w, req)
	}))

	b := newTestBackend(t, func(c *Config) {
		c.Upstreams = []string{addr}
		c.DNSSEC = DNSSECValidate
		c.TrustAnchors = []string{zone.anchor()}
	})

	_, err := resolveString(t, b, "ip4+node.example:80")
	require.NoError(t, err)
	// The A query and the DNSKEY fetch
	assert.Equal(t, int64(2), flagged.Load())
}
