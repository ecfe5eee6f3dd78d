package nodeaddr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

const dnsMessageType = "application/dns-message"

// httpsExchanger implements DNS over HTTPS (RFC 8484) using POST, the round tripper decides
// between HTTP/2 and HTTP/3.
type httpsExchanger struct {
	client *http.Client
	closer func() error
}

func newHTTPSExchanger(config *Config) (*httpsExchanger, error) {
	tr := &http.Transport{
		TLSClientConfig:     cloneTLSConfig(config.TLSConfig),
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     config.ExchangeTimeout * 15,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("failed to configure http2: %w", err)
	}

	return &httpsExchanger{
		client: &http.Client{Transport: tr, Timeout: config.ExchangeTimeout},
		closer: func() error {
			tr.CloseIdleConnections()
			return nil
		},
	}, nil
}

func newHTTP3Exchanger(config *Config) *httpsExchanger {
	tr := &http3.Transport{
		TLSClientConfig: cloneTLSConfig(config.TLSConfig),
		QUICConfig: &quic.Config{
			HandshakeIdleTimeout: config.ExchangeTimeout,
			MaxIdleTimeout:       config.ExchangeTimeout * 15,
		},
	}

	return &httpsExchanger{
		client: &http.Client{Transport: tr, Timeout: config.ExchangeTimeout},
		closer: tr.Close,
	}
}

func (e *httpsExchanger) Exchange(ctx context.Context, m *dns.Msg, upstream string) (*dns.Msg, error) {
	// A zero ID keeps responses cacheable by HTTP intermediaries
	q := m.Copy()
	q.Id = 0
	packed, err := q.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	res, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("unexpected http status %s", res.Status)
	}
	if ct := res.Header.Get("Content-Type"); ct != dnsMessageType {
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, fmt.Errorf("failed to unpack response: %w", err)
	}
	resp.Id = m.Id
	return resp, nil
}

func (e *httpsExchanger) Close() error {
	return e.closer()
}
