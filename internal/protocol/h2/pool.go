// Package h2 drives HTTP/2 request/response exchange and connection
// reuse over golang.org/x/net/http2, including H1C->H2C negotiation
// (HTTP Upgrade or prior-knowledge preface) with transparent fallback.
package h2

import (
	"net"
	"sync"

	"golang.org/x/net/http2"
)

// cachedConn pairs the raw transport with its negotiated http2 connection,
// so the raw conn can still be closed directly when the http2.ClientConn
// is discarded.
type cachedConn struct {
	raw net.Conn
	cc  *http2.ClientConn
}

// ConnPool caches one *http2.ClientConn per remote key, reusing it across
// requests until the peer sends GOAWAY or the connection otherwise stops
// accepting new streams.
type ConnPool struct {
	transport http2.Transport

	mu    sync.Mutex
	conns map[string]cachedConn
}

// NewConnPool builds an empty pool. allowHTTP enables H2C (cleartext)
// negotiation in the underlying transport.
func NewConnPool(allowHTTP bool) *ConnPool {
	return &ConnPool{transport: http2.Transport{AllowHTTP: allowHTTP}}
}

// Get returns a reusable *http2.ClientConn for key if one is cached and
// can still accept new requests (GOAWAY not yet received, stream budget
// not exhausted).
func (p *ConnPool) Get(key string) (*http2.ClientConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[key]
	if !ok {
		return nil, false
	}
	if !c.cc.CanTakeNewRequest() {
		delete(p.conns, key)
		return nil, false
	}
	return c.cc, true
}

// Promote adopts raw as a new http2.ClientConn for key, writing the client
// preface (prior knowledge) as part of NewClientConn's handshake.
func (p *ConnPool) Promote(key string, raw net.Conn) (*http2.ClientConn, error) {
	cc, err := p.transport.NewClientConn(raw)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.conns == nil {
		p.conns = make(map[string]cachedConn)
	}
	p.conns[key] = cachedConn{raw: raw, cc: cc}
	p.mu.Unlock()
	return cc, nil
}

// Evict drops key from the cache (e.g. after observing GOAWAY or a
// connection error) without closing the underlying connection — the
// caller owns that decision since in-flight streams may still be draining.
func (p *ConnPool) Evict(key string) {
	p.mu.Lock()
	delete(p.conns, key)
	p.mu.Unlock()
}
