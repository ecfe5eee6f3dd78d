package nodeaddr

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/miekg/dns"
)

// exchanger sends one query to one upstream
type exchanger interface {
	Exchange(ctx context.Context, m *dns.Msg, upstream string) (*dns.Msg, error)
	Close() error
}

func newExchanger(config *Config) (exchanger, error) {
	switch config.Transport {
	case TransportPlain:
		return newPlainExchanger(config), nil
	case TransportTLS:
		return newTLSExchanger(config), nil
	case TransportHTTPS:
		return newHTTPSExchanger(config)
	case TransportQUIC:
		return newQUICExchanger(config), nil
	case TransportHTTP3:
		return newHTTP3Exchanger(config), nil
	}
	return nil, configError("Transport", "unknown transport %d", config.Transport)
}

func cloneTLSConfig(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg.Clone()
}

// plainExchanger queries over UDP and repeats the query over TCP when the answer is truncated
type plainExchanger struct {
	udp *dns.Client
	tcp *dns.Client
}

func newPlainExchanger(config *Config) *plainExchanger {
	return &plainExchanger{
		udp: &dns.Client{Net: "udp", Timeout: config.ExchangeTimeout, UDPSize: config.EDNSBufferSize},
		tcp: &dns.Client{Net: "tcp", Timeout: config.ExchangeTimeout},
	}
}

func (e *plainExchanger) Exchange(ctx context.Context, m *dns.Msg, upstream string) (*dns.Msg, error) {
	resp, _, err := e.udp.ExchangeContext(ctx, m, upstream)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, _, err = e.tcp.ExchangeContext(ctx, m, upstream)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (e *plainExchanger) Close() error {
	return nil
}

// tlsExchanger implements DNS over TLS (RFC 7858)
type tlsExchanger struct {
	client *dns.Client
}

func newTLSExchanger(config *Config) *tlsExchanger {
	return &tlsExchanger{
		client: &dns.Client{
			Net:          "tcp-tls",
			TLSConfig:    cloneTLSConfig(config.TLSConfig),
			Timeout:      config.ExchangeTimeout,
			DialTimeout:  config.ExchangeTimeout,
			WriteTimeout: config.ExchangeTimeout,
			ReadTimeout:  config.ExchangeTimeout,
		},
	}
}

func (e *tlsExchanger) Exchange(ctx context.Context, m *dns.Msg, upstream string) (*dns.Msg, error) {
	resp, _, err := e.client.ExchangeContext(ctx, m, upstream)
	return resp, err
}

func (e *tlsExchanger) Close() error {
	return nil
}

// deadline returns the earlier of the context deadline and now plus timeout
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
