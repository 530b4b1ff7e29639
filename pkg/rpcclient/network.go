package rpcclient

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/net/http2"

	"github.com/xtls-httpcore/rpcx/internal/protocol/h1"
	"github.com/xtls-httpcore/rpcx/internal/protocol/h2"
	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/pkg/client"
	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

// NetworkClient returns the innermost client.Client: the one that
// actually dials (or reuses) a pooled connection and performs the wire
// exchange. Every decorator, preprocessor, retry, and circuit-breaker
// layer wraps this delegate.
func (f *ClientFactory) NetworkClient() client.Client {
	return func(ctx *reqctx.Context, req *client.HttpRequest) (*client.HttpResponse, error) {
		conn, err := f.acquireConn(ctx)
		if err != nil {
			return nil, err
		}

		switch ctx.Scheme {
		case reqctx.SessionH2, reqctx.SessionH2C:
			return f.doH2(ctx, conn, req)
		default:
			return f.doH1(ctx, conn, req)
		}
	}
}

func remoteKey(ctx *reqctx.Context) string {
	return net.JoinHostPort(ctx.Endpoint.Host, strconv.Itoa(int(ctx.Endpoint.Port)))
}

func (f *ClientFactory) doH1(ctx *reqctx.Context, conn net.Conn, req *client.HttpRequest) (*client.HttpResponse, error) {
	authority, _ := ctx.ResolveAuthorityFor(req.Header.Get("Authority"))
	proto := poolProtocolFor(ctx.Scheme)
	remote := remoteKey(ctx)
	local := ""
	if la := conn.LocalAddr(); la != nil {
		local = la.String()
	}

	wireReq := &h1.Request{
		Method:    req.Method,
		Authority: authority.Host,
		Path:      ctx.Path,
		Header:    req.Header,
		Body:      req.Body,
		BodyLen:   req.BodyLen,
	}

	eng := h1.New(conn)
	resp, err := eng.Do(ctx.Ctx, wireReq)
	if err != nil {
		f.pool.Close(proto, remote, local)
		return nil, rpcerr.New(component, "http/1.1 exchange failed").
			Base(err).WithKind(rpcerr.KindUnprocessedRequest)
	}

	reusable := !resp.Close && resp.ContentLength >= 0
	f.pool.Release(proto, remote, local, reusable)

	return &client.HttpResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (f *ClientFactory) doH2(ctx *reqctx.Context, conn net.Conn, req *client.HttpRequest) (*client.HttpResponse, error) {
	key := ctx.Endpoint.Authority()
	cc, ok := f.h2Pool.Get(key)
	if !ok {
		mode := h2.HTTPUpgrade
		if f.useHTTP2Preface || ctx.Scheme == reqctx.SessionH2 {
			mode = h2.PriorKnowledge
		}
		upgradeReq := &h1.Request{Method: req.Method, Path: ctx.Path, Header: req.Header, Body: req.Body, BodyLen: req.BodyLen}
		result, err := h2.Negotiate(ctx.Ctx, f.h2Pool, key, conn, mode, upgradeReq)
		if err != nil {
			return nil, rpcerr.New(component, "h2 negotiation failed").
				Base(err).WithKind(rpcerr.KindUnprocessedRequest)
		}
		if result.FellBack {
			if result.FallbackResponse == nil {
				return nil, rpcerr.New(component, "h2 negotiation fell back with no response").
					WithKind(rpcerr.KindUnprocessedRequest)
			}
			r := result.FallbackResponse
			return &client.HttpResponse{StatusCode: r.StatusCode, Header: r.Header, Body: r.Body}, nil
		}
		cc, ok = result.Conn.(*http2.ClientConn)
		if !ok {
			return nil, rpcerr.New(component, "h2 negotiation returned an unusable connection").
				WithKind(rpcerr.KindUnprocessedRequest)
		}
	}

	httpReq, err := buildStdRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := h2.Do(ctx.Ctx, cc, httpReq)
	if err != nil {
		if err == h2.ErrRefusedStream {
			f.h2Pool.Evict(key)
			return nil, rpcerr.New(component, "stream refused by peer").
				Base(err).WithKind(rpcerr.KindUnprocessedRequest)
		}
		return nil, rpcerr.New(component, "http/2 exchange failed").
			Base(err).WithKind(rpcerr.KindProcessedFailure)
	}
	return &client.HttpResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func buildStdRequest(ctx *reqctx.Context, req *client.HttpRequest) (*http.Request, error) {
	var body io.ReadCloser
	if req.Body != nil {
		if rc, ok := req.Body.(io.ReadCloser); ok {
			body = rc
		} else {
			body = io.NopCloser(req.Body)
		}
	}
	authority, _ := ctx.ResolveAuthorityFor(req.Header.Get("Authority"))
	u, err := url.ParseRequestURI(ctx.Path)
	if err != nil {
		u = &url.URL{Path: ctx.Path}
	}
	httpReq := &http.Request{
		Method:        req.Method,
		URL:           u,
		Header:        req.Header,
		Body:          body,
		ContentLength: req.BodyLen,
		Host:          authority.Host,
	}
	return httpReq, nil
}
