package rpcclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xtls-httpcore/rpcx/internal/endpoint"
	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/internal/scheduler"
	"github.com/xtls-httpcore/rpcx/pkg/client"
	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

// WebClientOptions configures NewWebClient. BaseURI, when non-empty,
// fixes the scheme/authority/base path every request resolves against;
// Group and Preprocessors are the alternative for callers that need to
// pick a different endpoint group per request (header-routing, A/B
// targets) or whose requests never carry a fixed destination.
type WebClientOptions struct {
	BaseURI       string
	Group         endpoint.Group
	Preprocessors []client.Preprocessor
	Decorators    []client.HttpDecorator

	RetryOptions client.RetryOptions
	Breaker      *client.CircuitBreaker
	// EndpointRemapper is used when RetryOptions.EndpointRemapper is nil;
	// RetryOptions.EndpointRemapper takes precedence if both are set.
	EndpointRemapper func(endpoint.Endpoint) (endpoint.Group, bool)

	MaxResponseLength     int64
	ResponseTimeoutMillis int64
	WriteTimeoutMillis    int64

	DefaultHeaders http.Header
	// RequestIDGenerator mints the X-Request-Id header value for each
	// attempt. Defaults to uuid.NewString.
	RequestIDGenerator func() string

	// PreferHTTP1 is the only ambiguous-scheme resolution this factory
	// implements (see poolProtocolFor); present for config-surface
	// completeness rather than as a live switch.
	PreferHTTP1 bool
}

// WebClient is the public request entry point: Execute resolves a
// method/path/body into a reqctx.Context, runs it through preprocessors,
// decorators, retry, and (optionally) a circuit breaker, and returns the
// network response.
type WebClient struct {
	factory *ClientFactory

	baseScheme    reqctx.SessionProtocol
	baseAuthority string
	basePath      string
	group         endpoint.Group

	preprocess client.Preprocessor
	pipeline   client.Client

	maxResponseLength int64
	responseTimeout   time.Duration
	writeTimeout      time.Duration
	defaultHeaders    http.Header
	genRequestID      func() string
}

// NewWebClient builds a WebClient sharing f's resources (DNS, pool,
// scheduler, TLS config).
func (f *ClientFactory) NewWebClient(opts WebClientOptions) (*WebClient, error) {
	wc := &WebClient{
		factory:           f,
		group:             opts.Group,
		maxResponseLength: opts.MaxResponseLength,
		responseTimeout:   time.Duration(opts.ResponseTimeoutMillis) * time.Millisecond,
		writeTimeout:      time.Duration(opts.WriteTimeoutMillis) * time.Millisecond,
		defaultHeaders:    opts.DefaultHeaders,
		genRequestID:      opts.RequestIDGenerator,
	}
	if wc.genRequestID == nil {
		wc.genRequestID = uuid.NewString
	}

	if opts.BaseURI != "" {
		scheme, authority, path, err := parseBaseURI(opts.BaseURI)
		if err != nil {
			return nil, err
		}
		wc.baseScheme = scheme
		wc.baseAuthority = authority
		wc.basePath = path
		if wc.group == nil {
			host, port, err := splitAuthority(authority, defaultPortFor(scheme))
			if err != nil {
				return nil, rpcerr.New(component, "invalid base URI authority").
					Base(err).WithKind(rpcerr.KindInvalidConfig)
			}
			ep, err := endpoint.New(host, port)
			if err != nil {
				return nil, rpcerr.New(component, "invalid base URI authority").
					Base(err).WithKind(rpcerr.KindInvalidConfig)
			}
			wc.group = endpoint.NewStatic(nil, ep)
		}
	}

	wc.preprocess = client.Chain(opts.Preprocessors...)

	retryOpts := opts.RetryOptions
	if retryOpts.EndpointRemapper == nil {
		retryOpts.EndpointRemapper = opts.EndpointRemapper
	}

	network := schedulerWrap(f.scheduler, f.NetworkClient())
	decorated := client.Decorate(network, opts.Decorators...)
	retrying := client.NewRetrying(decorated, retryOpts)
	pipeline := retrying
	if opts.Breaker != nil {
		pipeline = opts.Breaker.Wrap(retrying)
	}
	wc.pipeline = pipeline

	return wc, nil
}

// schedulerWrap acquires an event-loop lease keyed by the preprocessor's
// loop-affinity key (falling back to the selected endpoint's authority)
// before dispatch, and releases it once the network call returns — the
// lease never outlives a single attempt, matching NextAttempt's discard
// of per-attempt state on retry.
func schedulerWrap(s *scheduler.Scheduler, delegate client.Client) client.Client {
	return func(ctx *reqctx.Context, req *client.HttpRequest) (*client.HttpResponse, error) {
		key, ok := client.LoopAffinityKey(ctx)
		if !ok {
			key = ctx.Endpoint.Authority()
		}
		lease := s.Acquire(key)
		ctx.Lease = lease
		defer lease.Release()
		return delegate(ctx, req)
	}
}

// Execute dispatches a single request. pathParams substitutes "{name}"
// and ":name" placeholders in path; header carries request-level
// headers, which win over WebClientOptions.DefaultHeaders.
func (wc *WebClient) Execute(ctx context.Context, method, path string, pathParams map[string]string, header http.Header, body io.Reader, bodyLen int64) (*client.HttpResponse, error) {
	composed, err := reqctx.ComposePath(wc.basePath, path, pathParams)
	if err != nil {
		return nil, err
	}

	rctx := reqctx.New(ctx, method, composed, wc.baseScheme, wc.group, wc.writeTimeout, wc.responseTimeout)
	rctx.Authority = wc.baseAuthority
	rctx.MaxResponseLen = wc.maxResponseLength

	req := &client.HttpRequest{
		Method:  method,
		Path:    composed,
		Body:    body,
		BodyLen: bodyLen,
	}

	if wc.genRequestID != nil {
		rctx.AdditionalReqH.Set("X-Request-Id", wc.genRequestID())
	}

	if err := wc.preprocess(rctx, req); err != nil {
		return nil, err
	}

	req.Header = reqctx.MergeHeaders(header, rctx.AdditionalReqH.Snapshot(), wc.defaultHeaders)

	return wc.pipeline(rctx, req)
}

// Get is a convenience wrapper over Execute for bodyless GET requests.
func (wc *WebClient) Get(ctx context.Context, path string, pathParams map[string]string, header http.Header) (*client.HttpResponse, error) {
	return wc.Execute(ctx, http.MethodGet, path, pathParams, header, nil, 0)
}

// Post is a convenience wrapper over Execute for requests with a known-length body.
func (wc *WebClient) Post(ctx context.Context, path string, pathParams map[string]string, header http.Header, body io.Reader, bodyLen int64) (*client.HttpResponse, error) {
	return wc.Execute(ctx, http.MethodPost, path, pathParams, header, body, bodyLen)
}

func parseBaseURI(raw string) (reqctx.SessionProtocol, string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return reqctx.SessionUnknown, "", "", rpcerr.New(component, "malformed base URI").
			Base(err).WithKind(rpcerr.KindInvalidConfig)
	}
	scheme, ok := reqctx.ParseSessionProtocol(u.Scheme)
	if !ok {
		return reqctx.SessionUnknown, "", "", rpcerr.New(component, "unrecognized base URI scheme: "+u.Scheme).
			WithKind(rpcerr.KindInvalidConfig)
	}
	return scheme, u.Host, u.Path, nil
}

func defaultPortFor(scheme reqctx.SessionProtocol) uint16 {
	if scheme.IsTLS() {
		return 443
	}
	return 80
}

// splitAuthority splits host:port, defaulting to defaultPort when
// authority carries no explicit port (the common case for a base URI).
func splitAuthority(authority string, defaultPort uint16) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, defaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}
