// Package client assembles the request pipeline: preprocessors that
// synthesize scheme/endpoint/event-loop, a decorator chain wrapping the
// network delegate, a retry engine, and a circuit breaker, all driven
// by a reqctx.Context.
package client

import (
	"io"
	"net/http"

	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

// HttpRequest is the pipeline's request value: the abstract
// "(ctx, req) -> resp" function operates on this, not on any one wire
// protocol's request shape.
type HttpRequest struct {
	Method  string
	Path    string
	Header  http.Header
	Body    io.Reader
	BodyLen int64 // -1 if unknown
}

// HttpResponse is the pipeline's response value.
type HttpResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client is the abstract "(ctx, req) -> resp" function every decorator,
// preprocessor, and the retry/circuit-breaker engines wrap.
type Client func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error)

// HttpDecorator wraps a Client with another Client, observing or
// rewriting the request/response at the HTTP level.
type HttpDecorator func(delegate Client) Client

// RpcRequest and RpcResponse are opaque payload types for the RPC-level
// decorator tier; WebClient never installs decorators at this tier
// (HTTP-only), but an RpcClient delegate may.
type RpcRequest struct {
	Method string
	Params any
}

type RpcResponse struct {
	Result any
	Err    error
}

// RpcClient is the RPC-level analogue of Client.
type RpcClient func(ctx *reqctx.Context, req *RpcRequest) (*RpcResponse, error)

// RpcDecorator wraps an RpcClient with another RpcClient.
type RpcDecorator func(delegate RpcClient) RpcClient

// Decorate composes decorators in insertion order: the first decorator
// passed is outermost (runs first on the request, last on the
// response); the innermost delegate is the actual network client.
func Decorate(delegate Client, decorators ...HttpDecorator) Client {
	for i := len(decorators) - 1; i >= 0; i-- {
		delegate = decorators[i](delegate)
	}
	return delegate
}

// DecorateRpc is Decorate's RPC-level counterpart.
func DecorateRpc(delegate RpcClient, decorators ...RpcDecorator) RpcClient {
	for i := len(decorators) - 1; i >= 0; i-- {
		delegate = decorators[i](delegate)
	}
	return delegate
}
