// Package rpcclient wires the dnsresolver, endpoint, scheduler, pool,
// protocol/h1, protocol/h2, reqctx, and client packages together into
// the public WebClient entry point. A ClientFactory owns every shared
// resource (DNS cache, connection pool, scheduler) that clients built
// from it share. Closing the factory cancels every scheduled DNS
// refresh, drops the DNS cache, and makes subsequent requests fail fast;
// it does not close pooled connections.
package rpcclient

import (
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/dnsresolver"
	"github.com/xtls-httpcore/rpcx/internal/pool"
	"github.com/xtls-httpcore/rpcx/internal/protocol/h2"
	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/internal/rpclog"
	"github.com/xtls-httpcore/rpcx/internal/scheduler"
)

// FactoryOptions configures NewClientFactory. Every field has a
// documented default so a caller can construct a factory with the
// zero value for development use.
type FactoryOptions struct {
	DNS                dnsresolver.Options
	EventLoopGroupSize int
	PerKeyDialLimit    int
	TLSConfig          *tls.Config
	ProxyHeaderVersion byte // 0 disables the outbound PROXY protocol prefix
	PoolListener       pool.Listener
	Logger             rpclog.Logger
	// UseHTTP2Preface sends the H2 prior-knowledge preface on H1C->H2C
	// negotiation instead of an HTTP Upgrade request.
	UseHTTP2Preface bool
	// Dialer overrides the pool's SystemDialer. Defaults to
	// pool.DefaultSystemDialer; tests substitute a fake.
	Dialer pool.SystemDialer
}

// ClientFactory owns the resources every WebClient built from it
// shares: a DNS cache, a connection pool with its event listener, an
// event-loop scheduler, and (optionally) a TLS client configuration.
type ClientFactory struct {
	resolver  *dnsresolver.Resolver
	pool      *pool.Pool
	h2Pool    *h2.ConnPool
	scheduler *scheduler.Scheduler
	tlsConfig *tls.Config
	log       rpclog.Logger

	useHTTP2Preface    bool
	proxyHeaderVersion byte

	closed atomic.Bool
}

const component = "rpcclient"

// ErrFactoryClosed is returned by any request dispatched after Close.
var ErrFactoryClosed = rpcerr.New(component, "client factory is closed").WithKind(rpcerr.KindUnprocessedRequest)

// NewClientFactory builds a ClientFactory from opts.
func NewClientFactory(opts FactoryOptions) *ClientFactory {
	loopSize := opts.EventLoopGroupSize
	if loopSize <= 0 {
		loopSize = 1
	}
	listener := opts.PoolListener
	if listener == nil {
		listener = pool.NewCountingListener(pool.NopListener{})
	}

	f := &ClientFactory{
		resolver:           dnsresolver.New(opts.DNS),
		scheduler:          scheduler.New(loopSize, time.Now().UnixNano()),
		tlsConfig:          opts.TLSConfig,
		log:                rpclog.OrNop(opts.Logger),
		proxyHeaderVersion: opts.ProxyHeaderVersion,
		useHTTP2Preface:    opts.UseHTTP2Preface,
		h2Pool:             h2.NewConnPool(true),
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &pool.DefaultSystemDialer{}
	}
	f.pool = pool.New(dialer, pool.RaceOptions{}, listener)
	if opts.PerKeyDialLimit > 0 {
		f.pool.PerKeyDialLimit = opts.PerKeyDialLimit
	}
	return f
}

// Close stops the DNS cache's scheduled refreshes and drops its entries,
// and marks the factory closed, so new requests fail fast with
// ErrFactoryClosed. It does not close pooled connections: idle HTTP/1
// connections and cached HTTP/2 connections stay open, and a request
// already in flight returns its connection to the pool as usual.
func (f *ClientFactory) Close() error {
	f.closed.Store(true)
	return f.resolver.Close()
}
