package client

import (
	"github.com/xtls-httpcore/rpcx/internal/endpoint"
	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

// Preprocessor runs before any decorator, synthesizing fields a request
// built without an absolute URI needs before dispatch can proceed:
// scheme, endpoint group, and optionally a fixed event-loop affinity
// key. A WebClient with no base URI requires at least one preprocessor
// or an absolute URI on every request.
type Preprocessor func(ctx *reqctx.Context, req *HttpRequest) error

// Of builds a Preprocessor that pins every request to the given
// protocol and endpoint group. loopAffinityKey, if non-empty, is used
// by the scheduler in place of the per-(protocol,endpoint) default key
// so unrelated clients sharing a destination don't contend.
func Of(protocol reqctx.SessionProtocol, group endpoint.Group, loopAffinityKey string) Preprocessor {
	return func(ctx *reqctx.Context, req *HttpRequest) error {
		ctx.Scheme = protocol
		ctx.Group = group
		if loopAffinityKey != "" {
			ctx.SetAttr(attrLoopAffinityKey, loopAffinityKey)
		}
		return nil
	}
}

type contextAttrKey int

const attrLoopAffinityKey contextAttrKey = iota

// LoopAffinityKey returns the scheduler origin key a preprocessor
// assigned to ctx, if any.
func LoopAffinityKey(ctx *reqctx.Context) (string, bool) {
	v, ok := ctx.Attr(attrLoopAffinityKey)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Chain runs preprocessors in order, stopping at the first error.
func Chain(preprocessors ...Preprocessor) Preprocessor {
	return func(ctx *reqctx.Context, req *HttpRequest) error {
		for _, p := range preprocessors {
			if err := p(ctx, req); err != nil {
				return err
			}
		}
		return nil
	}
}
