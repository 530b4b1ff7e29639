package rpcclient

import (
	"crypto/tls"
	"net"
	"net/netip"

	"github.com/xtls-httpcore/rpcx/internal/endpoint"
	"github.com/xtls-httpcore/rpcx/internal/pool"
	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

// acquireConn resolves ctx.Endpoint, establishes (or reuses pooled) the
// transport connection, and performs a TLS handshake when the session
// protocol requires one. The returned conn is either a fresh dial or a
// pooled idle connection already marked Active.
func (f *ClientFactory) acquireConn(ctx *reqctx.Context) (net.Conn, error) {
	if f.closed.Load() {
		return nil, ErrFactoryClosed
	}

	poolProto := poolProtocolFor(ctx.Scheme)

	ep := ctx.Endpoint
	addrs, err := f.resolveEndpointAddrs(ctx, ep)
	if err != nil {
		return nil, err
	}

	conn, err := f.pool.Acquire(ctx.Ctx, poolProto, ep.Host, ep.Port, addrs)
	if err != nil {
		return nil, err
	}

	if f.proxyHeaderVersion != 0 {
		if err := pool.WriteProxyHeader(conn, f.proxyHeaderVersion); err != nil {
			conn.Close()
			return nil, rpcerr.New(component, "failed writing PROXY protocol header").
				Base(err).WithKind(rpcerr.KindUnprocessedRequest)
		}
	}

	if ctx.Scheme.IsTLS() {
		tlsConn, err := f.handshakeTLS(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, rpcerr.New(component, "tls handshake failed").
				Base(err).WithKind(rpcerr.KindUnprocessedRequest)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// poolProtocolFor maps scheme onto the pool's connection class, defaulting
// ambiguous http/https/proxy schemes to H1(C) until a preprocessor or ALPN
// negotiation narrows them; PreferHttp1 is the only outcome this factory
// implements without wiring a full ALPN protocol-negotiation callback from
// the TLS library.
func poolProtocolFor(scheme reqctx.SessionProtocol) pool.Protocol {
	if proto, ok := scheme.PoolProtocol(); ok {
		return proto
	}
	if scheme.IsTLS() {
		return pool.ProtocolH1
	}
	return pool.ProtocolH1C
}

// resolveEndpointAddrs returns ep's dial candidates: its own pre-resolved
// IP literal when set, otherwise a fresh DNS cache lookup.
func (f *ClientFactory) resolveEndpointAddrs(ctx *reqctx.Context, ep endpoint.Endpoint) ([]netip.Addr, error) {
	if ep.IPAddr != "" {
		addr, err := netip.ParseAddr(ep.IPAddr)
		if err != nil {
			return nil, rpcerr.New(component, "invalid pre-resolved endpoint address").
				Base(err).WithKind(rpcerr.KindInvalidConfig)
		}
		return []netip.Addr{addr}, nil
	}
	addrs, err := f.resolver.LookupIP(ctx.Ctx, ep.Host)
	if err != nil {
		return nil, rpcerr.New(component, "dns resolution failed").
			Base(err).WithKind(rpcerr.KindUnprocessedRequest)
	}
	return addrs, nil
}

func (f *ClientFactory) handshakeTLS(ctx *reqctx.Context, conn net.Conn) (net.Conn, error) {
	cfg := f.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = ctx.Endpoint.Host
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx.Ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
