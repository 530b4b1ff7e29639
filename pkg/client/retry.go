package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/endpoint"
	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

const component = "client"

// RetryDecision is the outcome of a RetryRule evaluation.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// NoRetry is the zero decision: the response or error is final.
var NoRetry = RetryDecision{}

// RetryAfter builds a decision to retry after delay.
func RetryAfter(delay time.Duration) RetryDecision {
	return RetryDecision{Retry: true, Delay: delay}
}

// RetryRule decides, given the completed attempt's response (nil on
// failure) and cause (nil on success), whether to retry and after what
// delay. Rules are evaluated synchronously; a rule needing to suspend
// should do so before returning by blocking internally.
type RetryRule func(ctx *reqctx.Context, resp *HttpResponse, cause error) RetryDecision

// OnUnprocessed retries any failure classified UnprocessedRequest (the
// request never reached a server), up to the engine's attempt limit.
func OnUnprocessed(delay time.Duration) RetryRule {
	return func(_ *reqctx.Context, _ *HttpResponse, cause error) RetryDecision {
		if cause != nil && rpcerr.KindOf(cause) == rpcerr.KindUnprocessedRequest {
			return RetryAfter(delay)
		}
		return NoRetry
	}
}

// OnServerError retries responses with a 5xx status.
func OnServerError(delay time.Duration) RetryRule {
	return func(_ *reqctx.Context, resp *HttpResponse, cause error) RetryDecision {
		if cause == nil && resp != nil && resp.StatusCode >= 500 {
			return RetryAfter(delay)
		}
		return NoRetry
	}
}

// AnyOf retries if any rule votes to retry, using the first such rule's
// delay.
func AnyOf(rules ...RetryRule) RetryRule {
	return func(ctx *reqctx.Context, resp *HttpResponse, cause error) RetryDecision {
		for _, r := range rules {
			if d := r(ctx, resp, cause); d.Retry {
				return d
			}
		}
		return NoRetry
	}
}

// ErrBodyNotReplayable is returned when a retry would need to resend a
// streamed request body that was never buffered for replay.
var ErrBodyNotReplayable = errors.New("client: request body is not replayable for retry")

// RetryOptions configures NewRetrying.
type RetryOptions struct {
	// MaxTotalAttempts bounds total attempts including the first.
	// Zero defaults to 3.
	MaxTotalAttempts int
	Rule             RetryRule
	// StickyKey selects the endpoint-group stickiness key used on every
	// attempt's re-selection; empty means the group's default.
	StickyKey string
	// EndpointRemapper, if set, is consulted after each endpoint
	// selection with the chosen endpoint. When it returns a group and
	// ok, the engine re-selects from that group instead of dispatching
	// to the original pick — virtual grouping (e.g. sharding a logical
	// endpoint across a sub-pool) rather than an authority override.
	EndpointRemapper func(endpoint.Endpoint) (endpoint.Group, bool)
}

// replayableBody marks a request body the engine may seek back to the
// start of on a retry.
type replayableBody interface {
	io.Reader
	io.Seeker
}

// NewRetrying wraps delegate with the retry engine: each attempt
// re-selects an endpoint from ctx.Group, invokes delegate with a fresh
// per-attempt Context, and consults rule on completion. Retries are
// strictly sequential; a retry begins only once the previous attempt's
// response or error is in hand.
func NewRetrying(delegate Client, opts RetryOptions) Client {
	maxAttempts := opts.MaxTotalAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	rule := opts.Rule
	if rule == nil {
		rule = OnUnprocessed(0)
	}

	return func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error) {
		var seeker replayableBody
		if req.Body != nil {
			if s, ok := req.Body.(replayableBody); ok {
				seeker = s
			}
		}

		current := ctx
		for {
			if err := selectEndpoint(current, opts.StickyKey, opts.EndpointRemapper); err != nil {
				decision := rule(current, nil, err)
				if !decision.Retry || current.Attempt >= maxAttempts {
					return nil, err
				}
				if err := sleep(current.Ctx, decision.Delay); err != nil {
					return nil, err
				}
				current = current.NextAttempt()
				continue
			}

			if current.Attempt > 1 && seeker != nil {
				if _, err := seeker.Seek(0, io.SeekStart); err != nil {
					return nil, err
				}
			}
			if current.Attempt > 1 && seeker == nil && req.Body != nil && req.BodyLen != 0 {
				return nil, ErrBodyNotReplayable
			}

			resp, cause := delegate(current, req)
			decision := rule(current, resp, cause)
			if !decision.Retry || current.Attempt >= maxAttempts {
				return resp, cause
			}
			if err := sleep(current.Ctx, decision.Delay); err != nil {
				return resp, cause
			}
			current = current.NextAttempt()
		}
	}
}

// selectEndpoint re-selects from ctx.Group, honoring the endpoint
// selection timeout via ctx.Ctx's deadline. When remap is set, the
// freshly selected endpoint is remapped onto a (possibly different)
// group and re-selected from there, one level deep.
func selectEndpoint(ctx *reqctx.Context, stickyKey string, remap func(endpoint.Endpoint) (endpoint.Group, bool)) error {
	if ctx.Group == nil {
		return nil
	}
	if err := ctx.Group.WhenReady(ctx.Ctx); err != nil {
		return rpcerr.New(component, "endpoint selection timed out").
			Base(err).WithKind(rpcerr.KindUnprocessedRequest)
	}
	ep, err := ctx.Group.Select(stickyKey)
	if err != nil {
		return rpcerr.New(component, "endpoint group is empty").
			Base(err).WithKind(rpcerr.KindUnprocessedRequest)
	}

	if remap != nil {
		if remapped, ok := remap(ep); ok {
			if err := remapped.WhenReady(ctx.Ctx); err != nil {
				return rpcerr.New(component, "remapped endpoint group selection timed out").
					Base(err).WithKind(rpcerr.KindUnprocessedRequest)
			}
			ep, err = remapped.Select(stickyKey)
			if err != nil {
				return rpcerr.New(component, "remapped endpoint group is empty").
					Base(err).WithKind(rpcerr.KindUnprocessedRequest)
			}
		}
	}

	ctx.Endpoint = ep
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
