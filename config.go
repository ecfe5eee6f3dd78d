package nodeaddr

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paularlott/nodeaddr/codec"
	"github.com/paularlott/nodeaddr/compression"
	"github.com/paularlott/nodeaddr/encryption"
)

// Transport selects how the DNS backend talks to its upstream servers
type Transport uint8

const (
	TransportPlain Transport = iota // UDP with TCP fallback on truncation
	TransportTLS                    // DNS over TLS, RFC 7858
	TransportHTTPS                  // DNS over HTTPS, RFC 8484
	TransportQUIC                   // DNS over QUIC, RFC 9250
	TransportHTTP3                  // DNS over HTTPS carried by HTTP/3
)

func (t Transport) String() string {
	switch t {
	case TransportPlain:
		return "plain"
	case TransportTLS:
		return "tls"
	case TransportHTTPS:
		return "https"
	case TransportQUIC:
		return "quic"
	case TransportHTTP3:
		return "h3"
	default:
		return "unknown"
	}
}

// ParseTransport converts a configuration string to a Transport
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain", "udp", "dns":
		return TransportPlain, nil
	case "tls", "dot":
		return TransportTLS, nil
	case "https", "doh":
		return TransportHTTPS, nil
	case "quic", "doq":
		return TransportQUIC, nil
	case "h3", "http3", "doh3":
		return TransportHTTP3, nil
	}
	return TransportPlain, configError("transport", "unknown transport %q", s)
}

func (t Transport) defaultPort() string {
	if t == TransportPlain {
		return "53"
	}
	return "853"
}

func (t Transport) usesURL() bool {
	return t == TransportHTTPS || t == TransportHTTP3
}

// DNSSECMode selects whether answers are validated
type DNSSECMode uint8

const (
	DNSSECOff      DNSSECMode = iota // Answers are trusted as received
	DNSSECValidate                   // Every answer must chain to a trust anchor
)

func (m DNSSECMode) String() string {
	if m == DNSSECValidate {
		return "validate"
	}
	return "off"
}

// ParseDNSSECMode converts a configuration string to a DNSSECMode
func ParseDNSSECMode(s string) (DNSSECMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none", "false":
		return DNSSECOff, nil
	case "validate", "on", "true":
		return DNSSECValidate, nil
	}
	return DNSSECOff, configError("dnssec", "unknown mode %q", s)
}

// RootTrustAnchor is the DS record of the root zone KSK-2017
const RootTrustAnchor = ". 86400 IN DS 20326 8 2 E06D44B80B8F1D39A95C0B0D7C65D08458E880409BBC683457104237C7F8EC8D"

type Config struct {
	MinTTL      time.Duration // MinTTL is the shortest time a positive answer is cached for, 0 for no floor
	MaxTTL      time.Duration // MaxTTL is the longest time a positive answer is cached for
	NegativeTTL time.Duration // NegativeTTL is how long NXDOMAIN and NODATA answers are cached, 0 to disable

	Transport  Transport  // Transport used to reach the upstream servers
	DNSSEC     DNSSECMode // DNSSEC validation mode
	ResolvConf string     // ResolvConf is read for upstreams when using TransportPlain without Upstreams

	// SystemRecordTTL is the lifetime given to answers from the system resolver, which is used
	// when TransportPlain has no Upstreams and ResolvConf lists no nameservers
	SystemRecordTTL time.Duration
	// Upstreams is the ordered list of servers to query, as host:port for plain, TLS and QUIC
	// transports or as https:// URLs for HTTPS and HTTP/3. Servers are tried in order until one answers.
	Upstreams        []string
	TrustAnchors     []string      // TrustAnchors are DS records in zone file format, defaults to RootTrustAnchor
	TLSConfig        *tls.Config   // TLSConfig for the TLS, HTTPS, QUIC and HTTP/3 transports
	ExchangeTimeout  time.Duration // ExchangeTimeout limits a single query to a single upstream
	DefaultPort      uint16        // DefaultPort is used for symbolic addresses that have no port
	PreferIPv6       bool          // PreferIPv6 orders IPv6 endpoints before IPv4 endpoints
	EDNSBufferSize   uint16        // EDNSBufferSize is the UDP payload size advertised with EDNS0
	ZoneKeyCacheSize int           // ZoneKeyCacheSize is the number of zones whose validated keys are kept
	ZoneKeyTTL       time.Duration // ZoneKeyTTL is the longest time validated zone keys are kept

	SweepInterval time.Duration // SweepInterval between removals of expired cache entries, 0 to keep them until replaced
	Retry         RetryPolicy   // Retry controls retries of transport failures

	SnapshotSerializer codec.Serializer       // SnapshotSerializer encodes cache snapshots
	SnapshotCompressor compression.Compressor // SnapshotCompressor compresses cache snapshots, nil to disable
	SnapshotCipher     encryption.Cipher      // SnapshotCipher encrypts cache snapshots, nil to disable
	SnapshotKey        string                 // SnapshotKey for SnapshotCipher, must be 16, 24 or 32 bytes for AES and 32 bytes for XChaCha20

	Runtime           Runtime              // Runtime to spawn work on, nil for goroutines and the wall clock
	Backend           Backend              // Backend overrides the DNS backend, nil to build one from this config
	Logger            Logger               // Logger, nil for no logging
	MetricsRegisterer prometheus.Registerer // MetricsRegisterer receives the resolver metrics, nil to disable
}

// DefaultConfig returns a configuration with all fields set to their defaults
func DefaultConfig() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		MinTTL:             5 * time.Second,
		MaxTTL:             1 * time.Hour,
		NegativeTTL:        30 * time.Second,
		Transport:          TransportPlain,
		DNSSEC:             DNSSECOff,
		ResolvConf:         "/etc/resolv.conf",
		SystemRecordTTL:    60 * time.Second,
		TrustAnchors:       []string{RootTrustAnchor},
		ExchangeTimeout:    2 * time.Second,
		EDNSBufferSize:     1232,
		ZoneKeyCacheSize:   256,
		ZoneKeyTTL:         1 * time.Hour,
		SweepInterval:      1 * time.Minute,
		Retry:              RetryPolicy{MaxAttempts: 1, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2},
		SnapshotSerializer: codec.NewVmihailencoMsgpackCodec(),
		Logger:             NewNullLogger(),
	}
}

// MergeDefault merges the default config with the given config to ensure all fields are set
func (c *Config) MergeDefault() *Config {
	defaultConfig := defaultConfig()
	if c.MaxTTL == 0 {
		c.MaxTTL = defaultConfig.MaxTTL
	}
	if c.ResolvConf == "" {
		c.ResolvConf = defaultConfig.ResolvConf
	}
	if c.SystemRecordTTL == 0 {
		c.SystemRecordTTL = defaultConfig.SystemRecordTTL
	}
	if len(c.TrustAnchors) == 0 {
		c.TrustAnchors = defaultConfig.TrustAnchors
	}
	if c.ExchangeTimeout == 0 {
		c.ExchangeTimeout = defaultConfig.ExchangeTimeout
	}
	if c.EDNSBufferSize == 0 {
		c.EDNSBufferSize = defaultConfig.EDNSBufferSize
	}
	if c.ZoneKeyCacheSize == 0 {
		c.ZoneKeyCacheSize = defaultConfig.ZoneKeyCacheSize
	}
	if c.ZoneKeyTTL == 0 {
		c.ZoneKeyTTL = defaultConfig.ZoneKeyTTL
	}
	c.Retry = c.Retry.mergeDefault(defaultConfig.Retry)
	if c.SnapshotSerializer == nil {
		c.SnapshotSerializer = defaultConfig.SnapshotSerializer
	}
	if c.Runtime == nil {
		c.Runtime = NewRuntime(nil)
	}
	if c.Logger == nil {
		c.Logger = defaultConfig.Logger
	}
	return c
}

// Validate checks the configuration for invalid values and combinations, it expects MergeDefault to have been called
func (c *Config) Validate() error {
	if c.MinTTL < 0 {
		return configError("MinTTL", "must not be negative")
	}
	if c.MaxTTL < c.MinTTL {
		return configError("MaxTTL", "%s is less than MinTTL %s", c.MaxTTL, c.MinTTL)
	}
	if c.NegativeTTL < 0 {
		return configError("NegativeTTL", "must not be negative")
	}
	if c.SweepInterval < 0 {
		return configError("SweepInterval", "must not be negative")
	}
	if c.ExchangeTimeout < 0 {
		return configError("ExchangeTimeout", "must not be negative")
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}

	if c.SnapshotCipher != nil && c.SnapshotKey == "" {
		return configError("SnapshotKey", "required when SnapshotCipher is set")
	}
	if c.SnapshotCipher == nil && c.SnapshotKey != "" {
		return configError("SnapshotCipher", "required when SnapshotKey is set")
	}
	if c.SnapshotCipher != nil {
		if err := c.SnapshotCipher.ValidateKey([]byte(c.SnapshotKey)); err != nil {
			return configError("SnapshotKey", "%v", err)
		}
	}

	// The remaining options only matter to the DNS backend
	if c.Backend != nil {
		return nil
	}

	if c.Transport > TransportHTTP3 {
		return configError("Transport", "unknown transport %d", c.Transport)
	}
	if c.DNSSEC > DNSSECValidate {
		return configError("DNSSEC", "unknown mode %d", c.DNSSEC)
	}
	if c.EDNSBufferSize < dns.MinMsgSize {
		return configError("EDNSBufferSize", "must be at least %d", dns.MinMsgSize)
	}
	if c.Transport != TransportPlain && len(c.Upstreams) == 0 {
		return configError("Upstreams", "%s transport requires at least one upstream", c.Transport)
	}
	for _, u := range c.Upstreams {
		if _, err := normalizeUpstream(c.Transport, u); err != nil {
			return err
		}
	}
	if c.DNSSEC == DNSSECValidate {
		if _, err := parseTrustAnchors(c.TrustAnchors); err != nil {
			return err
		}
		if c.ZoneKeyCacheSize < 0 {
			return configError("ZoneKeyCacheSize", "must not be negative")
		}
	}
	return nil
}

// normalizeUpstream checks an upstream against the transport and adds a default port
func normalizeUpstream(t Transport, upstream string) (string, error) {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return "", configError("Upstreams", "empty upstream")
	}

	if t.usesURL() {
		u, err := url.Parse(upstream)
		if err != nil {
			return "", configError("Upstreams", "invalid url %q: %v", upstream, err)
		}
		if u.Scheme != "https" || u.Host == "" {
			return "", configError("Upstreams", "%s transport requires an https url, got %q", t, upstream)
		}
		if u.Path == "" {
			u.Path = "/dns-query"
		}
		return u.String(), nil
	}

	if strings.Contains(upstream, "://") {
		return "", configError("Upstreams", "%s transport requires host:port, got %q", t, upstream)
	}
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		host := strings.Trim(upstream, "[]")
		return net.JoinHostPort(host, t.defaultPort()), nil
	}
	return upstream, nil
}

func parseTrustAnchors(anchors []string) ([]*dns.DS, error) {
	out := make([]*dns.DS, 0, len(anchors))
	for _, a := range anchors {
		rr, err := dns.NewRR(a)
		if err != nil {
			return nil, configError("TrustAnchors", "invalid record %q: %v", a, err)
		}
		ds, ok := rr.(*dns.DS)
		if !ok {
			return nil, configError("TrustAnchors", "%q is not a DS record", a)
		}
		out = append(out, ds)
	}
	if len(out) == 0 {
		return nil, configError("TrustAnchors", "at least one trust anchor is required")
	}
	return out, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("transport=%s dnssec=%s upstreams=%v ttl=[%s,%s] negative_ttl=%s",
		c.Transport, c.DNSSEC, c.Upstreams, c.MinTTL, c.MaxTTL, c.NegativeTTL)
}
