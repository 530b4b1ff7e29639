package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/endpoint"
	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

func newTestGroup(t *testing.T) endpoint.Group {
	t.Helper()
	ep, err := endpoint.New("example.com", 80)
	if err != nil {
		t.Fatal(err)
	}
	return endpoint.NewStatic(nil, ep)
}

func TestRetryingStopsOnSuccess(t *testing.T) {
	calls := 0
	delegate := func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error) {
		calls++
		return &HttpResponse{StatusCode: 200}, nil
	}
	retrying := NewRetrying(delegate, RetryOptions{Rule: OnUnprocessed(0)})

	ctx := reqctx.New(context.Background(), "GET", "/", reqctx.SessionH1, newTestGroup(t), 0, 0)
	resp, err := retrying(ctx, &HttpRequest{Method: "GET"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("got %d", resp.StatusCode)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryingRetriesUnprocessedUpToMax(t *testing.T) {
	calls := 0
	unprocessed := rpcerr.New("test", "connect failed").WithKind(rpcerr.KindUnprocessedRequest)
	delegate := func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error) {
		calls++
		return nil, unprocessed
	}
	retrying := NewRetrying(delegate, RetryOptions{MaxTotalAttempts: 3, Rule: OnUnprocessed(0)})

	ctx := reqctx.New(context.Background(), "GET", "/", reqctx.SessionH1, newTestGroup(t), 0, 0)
	_, err := retrying(ctx, &HttpRequest{Method: "GET"})
	if !errors.Is(err, unprocessed) && err.Error() != unprocessed.Error() {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryingDoesNotRetryProcessedFailureByDefault(t *testing.T) {
	calls := 0
	delegate := func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error) {
		calls++
		return &HttpResponse{StatusCode: 404}, nil
	}
	retrying := NewRetrying(delegate, RetryOptions{Rule: OnUnprocessed(0)})

	ctx := reqctx.New(context.Background(), "GET", "/", reqctx.SessionH1, newTestGroup(t), 0, 0)
	resp, err := retrying(ctx, &HttpRequest{Method: "GET"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 || calls != 1 {
		t.Fatalf("got status=%d calls=%d", resp.StatusCode, calls)
	}
}

func TestRetryingNonReplayableBodyFailsFatallyOnRetry(t *testing.T) {
	unprocessed := rpcerr.New("test", "connect failed").WithKind(rpcerr.KindUnprocessedRequest)
	delegate := func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error) {
		return nil, unprocessed
	}
	retrying := NewRetrying(delegate, RetryOptions{MaxTotalAttempts: 3, Rule: OnUnprocessed(0)})

	ctx := reqctx.New(context.Background(), "POST", "/", reqctx.SessionH1, newTestGroup(t), 0, 0)
	body := nonSeekableReader{}
	_, err := retrying(ctx, &HttpRequest{Method: "POST", Body: body, BodyLen: 5})
	if !errors.Is(err, ErrBodyNotReplayable) {
		t.Fatalf("expected ErrBodyNotReplayable, got %v", err)
	}
}

func TestRetryingAppliesEndpointRemapper(t *testing.T) {
	remappedEp, err := endpoint.New("remapped.example.com", 443)
	if err != nil {
		t.Fatal(err)
	}
	remappedGroup := endpoint.NewStatic(nil, remappedEp)

	var seen endpoint.Endpoint
	delegate := func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error) {
		seen = ctx.Endpoint
		return &HttpResponse{StatusCode: 200}, nil
	}
	retrying := NewRetrying(delegate, RetryOptions{
		Rule: OnUnprocessed(0),
		EndpointRemapper: func(endpoint.Endpoint) (endpoint.Group, bool) {
			return remappedGroup, true
		},
	})

	ctx := reqctx.New(context.Background(), "GET", "/", reqctx.SessionH1, newTestGroup(t), 0, 0)
	if _, err := retrying(ctx, &HttpRequest{Method: "GET"}); err != nil {
		t.Fatal(err)
	}
	if !seen.Equal(remappedEp) {
		t.Fatalf("got endpoint %+v, want the remapped endpoint", seen)
	}
}

type nonSeekableReader struct{}

func (nonSeekableReader) Read(p []byte) (int, error) { return 0, errors.New("not implemented") }

func TestRetryingEmptyGroupSurfacesUnprocessedAndRetries(t *testing.T) {
	calls := 0
	delegate := func(ctx *reqctx.Context, req *HttpRequest) (*HttpResponse, error) {
		calls++
		return &HttpResponse{StatusCode: 200}, nil
	}
	group := endpoint.NewDynamic(nil, true)
	retrying := NewRetrying(delegate, RetryOptions{MaxTotalAttempts: 2, Rule: OnUnprocessed(0)})

	deadlineCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ctx := reqctx.New(deadlineCtx, "GET", "/", reqctx.SessionH1, group, 0, 0)
	_, err := retrying(ctx, &HttpRequest{Method: "GET"})
	if err == nil {
		t.Fatal("expected endpoint selection to time out or fail on empty group")
	}
	if calls != 0 {
		t.Fatalf("delegate should never run against an empty group, got %d calls", calls)
	}
}
