// Package reqctx holds the per-attempt request context threaded through
// the decorator and retry chains: method, path, authority, protocol,
// endpoint group, timeouts, and the attribute and header bags decorators
// mutate as a request moves through the pipeline.
package reqctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/endpoint"
	"github.com/xtls-httpcore/rpcx/internal/scheduler"
)

// Context is the per-attempt, per-request bag threaded through the
// decorator chain. Request identity fields (Method, Path, Scheme,
// Group) are immutable references set at chain entry; timeouts,
// headers, and attributes carry interior mutability since decorators
// and the retry engine adjust them mid-flight.
type Context struct {
	// Go's cancellation context for this attempt; CancelFunc aborts
	// every downstream suspension point (DNS, dial, write, read).
	Ctx    context.Context
	Cancel context.CancelFunc

	Method    string
	Path      string
	Authority string
	Scheme    SessionProtocol

	Group    endpoint.Group
	Endpoint endpoint.Endpoint // set once selection completes

	Lease *scheduler.Lease

	Attempt        int
	MaxResponseLen int64
	AdditionalReqH AdditionalHeaders

	mu              sync.Mutex
	writeTimeout    time.Duration
	responseTimeout time.Duration
	attrs           map[interface{}]interface{}

	log *LogBuilder
}

// New creates a Context for chain entry. writeTimeout and
// responseTimeout of zero disable the corresponding deadline.
func New(parent context.Context, method, path string, scheme SessionProtocol, group endpoint.Group, writeTimeout, responseTimeout time.Duration) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		Ctx:             ctx,
		Cancel:          cancel,
		Method:          method,
		Path:            path,
		Scheme:          scheme,
		Group:           group,
		Attempt:         1,
		writeTimeout:    writeTimeout,
		responseTimeout: responseTimeout,
		log:             newLogBuilder(),
	}
}

// WriteTimeout returns the currently configured first-byte deadline.
func (c *Context) WriteTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeTimeout
}

// ResponseTimeout returns the currently configured response deadline.
func (c *Context) ResponseTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseTimeout
}

// ClearResponseTimeout disables the response deadline for this attempt,
// the runtime hook a streaming decorator uses once it starts consuming
// a long-lived response body.
func (c *Context) ClearResponseTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseTimeout = 0
}

// SetResponseTimeout overrides the response deadline for this attempt.
func (c *Context) SetResponseTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseTimeout = d
}

// Attr returns the attribute stored under key, if any.
func (c *Context) Attr(key interface{}) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

// SetAttr stores value under key, visible to every later stage sharing
// this Context (same attempt; a retry re-enters with a fresh Context).
func (c *Context) SetAttr(key, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attrs == nil {
		c.attrs = make(map[interface{}]interface{})
	}
	c.attrs[key] = value
}

// Log returns the request's log builder, shared by all its attempts.
func (c *Context) Log() *LogBuilder { return c.log }

// NextAttempt builds a fresh Context for a retry: same request identity
// and parent deadline, an incremented Attempt counter, a cleared
// endpoint selection (forcing re-selection), and fresh headers/attrs so
// a prior attempt's decorator mutations do not leak forward.
func (c *Context) NextAttempt() *Context {
	c.mu.Lock()
	wt, rt := c.writeTimeout, c.responseTimeout
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(c.Ctx)
	return &Context{
		Ctx:             ctx,
		Cancel:          cancel,
		Method:          c.Method,
		Path:            c.Path,
		Authority:       c.Authority,
		Scheme:          c.Scheme,
		Group:           c.Group,
		Attempt:         c.Attempt + 1,
		MaxResponseLen:  c.MaxResponseLen,
		writeTimeout:    wt,
		responseTimeout: rt,
		log:             c.log,
	}
}

// ResolveAuthorityFor computes the effective ":authority" for this
// attempt. A configured base-URI authority (c.Authority) wins over any
// additionalRequestHeaders-supplied authority for a relative request
// path — every path dispatched through this package is relative, base
// paths and request paths are merged by ComposePath before a Context
// ever exists — falling back to the request's own Authority header and
// finally the selected endpoint's host:port. A client that genuinely
// needs to redirect a request to a different destination should use an
// EndpointRemapper, not an additional-headers authority override.
func (c *Context) ResolveAuthorityFor(requestAuthorityHeader string) (Authority, bool) {
	additional := c.AdditionalReqH.Snapshot().Get("Authority")
	return ResolveAuthority(c.Authority, additional, requestAuthorityHeader, c.Endpoint.Authority())
}

// DeadlineDescription renders the active timeouts for diagnostics.
func (c *Context) DeadlineDescription() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("write=%s response=%s", c.writeTimeout, c.responseTimeout)
}
