package nodeaddr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

var (
	errMissingSignature = errors.New("rrset is not signed")
	errNoMatchingKey    = errors.New("no zone key matches the signature")
	errSignatureExpired = errors.New("signature outside its validity period")
	errInsecure         = errors.New("insecure delegation")
)

// fetchFunc sends a query upstream without validating the answer
type fetchFunc func(ctx context.Context, name string, qtype uint16) (*dns.Msg, error)

// validator authenticates answers by following signatures up to a trust anchor.
//
// An RRset is accepted when one of its RRSIGs verifies with a DNSKEY of the signing zone. A
// zone's DNSKEY set is trusted when it is signed by a key matching a DS record of the zone,
// and the DS records are trusted when they are a configured anchor or are themselves
// authenticated in the parent zone.
type validator struct {
	anchors map[string][]*dns.DS
	keys    *expirable.LRU[string, []*dns.DNSKEY]
	group   singleflight.Group
	fetch   fetchFunc
	now     func() time.Time
	logger  Logger
}

func newValidator(config *Config, fetch fetchFunc, now func() time.Time) (*validator, error) {
	ds, err := parseTrustAnchors(config.TrustAnchors)
	if err != nil {
		return nil, err
	}
	anchors := make(map[string][]*dns.DS)
	for _, d := range ds {
		zone := dns.CanonicalName(d.Hdr.Name)
		anchors[zone] = append(anchors[zone], d)
	}

	return &validator{
		anchors: anchors,
		keys:    expirable.NewLRU[string, []*dns.DNSKEY](config.ZoneKeyCacheSize, nil, config.ZoneKeyTTL),
		fetch:   fetch,
		now:     now,
		logger:  config.Logger,
	}, nil
}

// verifyMsg authenticates the answer section, or the authority section of a negative answer
func (v *validator) verifyMsg(ctx context.Context, name string, msg *dns.Msg) error {
	section := msg.Answer
	if len(section) == 0 {
		section = msg.Ns
	}
	if len(section) == 0 {
		return &ValidationError{Name: name, Reason: "response has no records to authenticate"}
	}

	sets, sigs := splitRRsets(section)
	for _, key := range sets.order {
		if err := v.verifyRRset(ctx, sets.rrs[key], sigs[key]); err != nil {
			return &ValidationError{Name: name, Reason: "cannot authenticate " + key, Err: err}
		}
	}
	return nil
}

func (v *validator) verifyRRset(ctx context.Context, rrset []dns.RR, sigs []*dns.RRSIG) error {
	if len(sigs) == 0 {
		return errMissingSignature
	}
	owner := dns.CanonicalName(rrset[0].Header().Name)

	var errs error
	for _, sig := range sigs {
		signer := dns.CanonicalName(sig.SignerName)
		if !dns.IsSubDomain(signer, owner) {
			errs = multierr.Append(errs, fmt.Errorf("signer %s is not an ancestor of %s", signer, owner))
			continue
		}
		if !sig.ValidityPeriod(v.now()) {
			errs = multierr.Append(errs, errSignatureExpired)
			continue
		}

		keys, err := v.zoneKeys(ctx, signer)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("zone %s: %w", signer, err))
			continue
		}

		matched := false
		for _, k := range keys {
			if k.KeyTag() != sig.KeyTag || k.Algorithm != sig.Algorithm {
				continue
			}
			matched = true
			err := sig.Verify(k, rrset)
			if err == nil {
				return nil
			}
			errs = multierr.Append(errs, err)
		}
		if !matched {
			errs = multierr.Append(errs, errNoMatchingKey)
		}
	}
	return errs
}

// zoneKeys returns the authenticated DNSKEYs of zone, fetching each zone once however many
// lookups need it at the same time
func (v *validator) zoneKeys(ctx context.Context, zone string) ([]*dns.DNSKEY, error) {
	if keys, ok := v.keys.Get(zone); ok {
		return keys, nil
	}

	res, err, _ := v.group.Do(zone, func() (interface{}, error) {
		return v.loadZoneKeys(ctx, zone)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*dns.DNSKEY), nil
}

func (v *validator) loadZoneKeys(ctx context.Context, zone string) ([]*dns.DNSKEY, error) {
	msg, err := v.fetch(ctx, zone, dns.TypeDNSKEY)
	if err != nil {
		return nil, err
	}

	var (
		keys   []*dns.DNSKEY
		keyRRs []dns.RR
		sigs   []*dns.RRSIG
	)
	for _, rr := range msg.Answer {
		if dns.CanonicalName(rr.Header().Name) != zone {
			continue
		}
		switch t := rr.(type) {
		case *dns.DNSKEY:
			keys = append(keys, t)
			keyRRs = append(keyRRs, t)
		case *dns.RRSIG:
			if t.TypeCovered == dns.TypeDNSKEY {
				sigs = append(sigs, t)
			}
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no DNSKEY records for %s", zone)
	}

	dsSet, err := v.trustedDS(ctx, zone)
	if err != nil {
		return nil, err
	}

	var entry []*dns.DNSKEY
	for _, k := range keys {
		for _, ds := range dsSet {
			if k.KeyTag() != ds.KeyTag || k.Algorithm != ds.Algorithm {
				continue
			}
			if d := k.ToDS(ds.DigestType); d != nil && strings.EqualFold(d.Digest, ds.Digest) {
				entry = append(entry, k)
			}
		}
	}
	if len(entry) == 0 {
		return nil, fmt.Errorf("no DNSKEY of %s matches its DS records", zone)
	}

	now := v.now()
	for _, sig := range sigs {
		if !sig.ValidityPeriod(now) {
			continue
		}
		for _, k := range entry {
			if k.KeyTag() == sig.KeyTag && k.Algorithm == sig.Algorithm && sig.Verify(k, keyRRs) == nil {
				v.keys.Add(zone, keys)
				v.logger.Field("zone", zone).Field("keys", len(keys)).Debugf("dnssec: Zone keys authenticated")
				return keys, nil
			}
		}
	}
	return nil, fmt.Errorf("DNSKEY set of %s is not signed by a trusted key", zone)
}

// trustedDS returns the DS records for zone from the trust anchors or the authenticated parent
func (v *validator) trustedDS(ctx context.Context, zone string) ([]*dns.DS, error) {
	if ds, ok := v.anchors[zone]; ok {
		return ds, nil
	}
	if zone == "." {
		return nil, errors.New("no trust anchor for the root zone")
	}

	msg, err := v.fetch(ctx, zone, dns.TypeDS)
	if err != nil {
		return nil, err
	}

	var (
		ds    []*dns.DS
		dsRRs []dns.RR
		sigs  []*dns.RRSIG
	)
	for _, rr := range msg.Answer {
		if dns.CanonicalName(rr.Header().Name) != zone {
			continue
		}
		switch t := rr.(type) {
		case *dns.DS:
			ds = append(ds, t)
			dsRRs = append(dsRRs, t)
		case *dns.RRSIG:
			// DS records are signed by the parent, a self signature would loop
			if t.TypeCovered == dns.TypeDS && dns.CanonicalName(t.SignerName) != zone {
				sigs = append(sigs, t)
			}
		}
	}
	if len(ds) == 0 {
		return nil, fmt.Errorf("%w: %s has no DS records", errInsecure, zone)
	}
	if err := v.verifyRRset(ctx, dsRRs, sigs); err != nil {
		return nil, fmt.Errorf("DS records of %s: %w", zone, err)
	}
	return ds, nil
}

type rrsetIndex struct {
	order []string
	rrs   map[string][]dns.RR
}

// splitRRsets groups records by owner and type, keeping signatures apart keyed by the type they cover
func splitRRsets(section []dns.RR) (rrsetIndex, map[string][]*dns.RRSIG) {
	sets := rrsetIndex{rrs: make(map[string][]dns.RR)}
	sigs := make(map[string][]*dns.RRSIG)

	for _, rr := range section {
		owner := dns.CanonicalName(rr.Header().Name)
		if sig, ok := rr.(*dns.RRSIG); ok {
			key := owner + "/" + dns.TypeToString[sig.TypeCovered]
			sigs[key] = append(sigs[key], sig)
			continue
		}
		key := owner + "/" + dns.TypeToString[rr.Header().Rrtype]
		if _, ok := sets.rrs[key]; !ok {
			sets.order = append(sets.order, key)
		}
		sets.rrs[key] = append(sets.rrs[key], rr)
	}
	return sets, sigs
}
