package nodeaddr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// DoQ error code for closing a connection without error (RFC 9250 section 4.3)
const doqNoError quic.ApplicationErrorCode = 0

// quicExchanger implements DNS over QUIC (RFC 9250), one stream per query over a connection
// kept open per upstream.
type quicExchanger struct {
	config *Config

	mu    sync.Mutex
	conns map[string]*quic.Conn
}

func newQUICExchanger(config *Config) *quicExchanger {
	return &quicExchanger{
		config: config,
		conns:  make(map[string]*quic.Conn),
	}
}

func (e *quicExchanger) Exchange(ctx context.Context, m *dns.Msg, upstream string) (*dns.Msg, error) {
	conn, err := e.conn(ctx, upstream)
	if err != nil {
		return nil, err
	}

	resp, err := e.exchange(ctx, conn, m)
	if err != nil && ctx.Err() == nil {
		// The connection may have idled out, retry once on a fresh one
		e.drop(upstream, conn)
		if conn, err = e.conn(ctx, upstream); err != nil {
			return nil, err
		}
		resp, err = e.exchange(ctx, conn, m)
	}
	return resp, err
}

func (e *quicExchanger) exchange(ctx context.Context, conn *quic.Conn, m *dns.Msg) (*dns.Msg, error) {
	// The message ID must be zero on the wire
	q := m.Copy()
	q.Id = 0
	packed, err := q.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack query: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.CancelRead(0)

	if err := stream.SetDeadline(deadline(ctx, e.config.ExchangeTimeout)); err != nil {
		return nil, err
	}

	buf := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(buf, uint16(len(packed)))
	copy(buf[2:], packed)
	if _, err := stream.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write query: %w", err)
	}
	// Closing the send side tells the server the query is complete
	if err := stream.Close(); err != nil {
		return nil, err
	}

	var size [2]byte
	if _, err := io.ReadFull(stream, size[:]); err != nil {
		return nil, fmt.Errorf("failed to read response length: %w", err)
	}
	body := make([]byte, binary.BigEndian.Uint16(size[:]))
	if _, err := io.ReadFull(stream, body); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, fmt.Errorf("failed to unpack response: %w", err)
	}
	resp.Id = m.Id
	return resp, nil
}

func (e *quicExchanger) conn(ctx context.Context, upstream string) (*quic.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conn, ok := e.conns[upstream]; ok {
		select {
		case <-conn.Context().Done():
			delete(e.conns, upstream)
		default:
			return conn, nil
		}
	}
	if e.conns == nil {
		return nil, errors.New("exchanger closed")
	}

	tlsConf := cloneTLSConfig(e.config.TLSConfig)
	tlsConf.NextProtos = []string{"doq"}

	dialCtx, cancel := context.WithTimeout(ctx, e.config.ExchangeTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, upstream, tlsConf, &quic.Config{
		HandshakeIdleTimeout: e.config.ExchangeTimeout,
		MaxIdleTimeout:       e.config.ExchangeTimeout * 15,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", upstream, err)
	}
	e.conns[upstream] = conn
	return conn, nil
}

func (e *quicExchanger) drop(upstream string, conn *quic.Conn) {
	e.mu.Lock()
	if e.conns[upstream] == conn {
		delete(e.conns, upstream)
	}
	e.mu.Unlock()
	_ = conn.CloseWithError(doqNoError, "")
}

func (e *quicExchanger) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for upstream, conn := range e.conns {
		_ = conn.CloseWithError(doqNoError, "")
		delete(e.conns, upstream)
	}
	e.conns = nil
	return nil
}
