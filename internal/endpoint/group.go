package endpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/internal/signal"
)

const component = "endpoint"

// Group is a set or ordered list of endpoints with a selection strategy.
// Static groups never change; Dynamic groups are mutable and notify
// listeners whenever their membership changes by more than a permutation.
type Group interface {
	// Endpoints returns the current snapshot. The slice must not be mutated
	// by the caller.
	Endpoints() []Endpoint
	// Select picks one endpoint from the current snapshot via the group's
	// strategy.
	Select(stickyKey string) (Endpoint, error)
	// WhenReady blocks until the group has produced its first non-empty
	// snapshot, or ctx is done.
	WhenReady(ctx context.Context) error
	// Subscribe returns a Subscriber notified on every non-permutation
	// membership change. Close the returned Subscriber to stop listening.
	Subscribe() *signal.Subscriber
	// Close releases the group's subscriptions (DNS refresh, health
	// checks). A closed group's Endpoints/Select keep returning their last
	// snapshot.
	Close() error
}

const changeTopic = "change"

// Static is an EndpointGroup whose membership is fixed at construction.
type Static struct {
	endpoints []Endpoint
	strategy  Strategy
	ready     *signal.Done
}

// NewStatic builds a Static group. An empty endpoints slice is allowed; it
// simply never becomes ready.
func NewStatic(strategy Strategy, endpoints ...Endpoint) *Static {
	if strategy == nil {
		strategy = NewRoundRobin()
	}
	g := &Static{endpoints: append([]Endpoint(nil), endpoints...), strategy: strategy, ready: signal.NewDone()}
	if len(endpoints) > 0 {
		g.ready.Close()
	}
	return g
}

func (g *Static) Endpoints() []Endpoint { return g.endpoints }

func (g *Static) Select(stickyKey string) (Endpoint, error) {
	e, err := g.strategy.Select(g.endpoints, stickyKey)
	if err != nil {
		return Endpoint{}, rpcerr.New(component, "endpoint selection failed").
			Base(err).WithKind(rpcerr.KindUnprocessedRequest)
	}
	return e, nil
}

func (g *Static) WhenReady(ctx context.Context) error {
	select {
	case <-g.ready.Wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe on a Static group returns a Subscriber that never fires, since
// static membership cannot change; Close it like any other.
func (g *Static) Subscribe() *signal.Subscriber {
	return signal.NewService().Subscribe(changeTopic)
}

func (g *Static) Close() error { return nil }

// Dynamic is a mutable EndpointGroup. Update replaces the membership
// snapshot; listeners are notified unless the new set is merely a
// permutation of the old one. AllowEmpty gates whether Update may leave the
// group transiently empty; if false, an empty update is rejected.
type Dynamic struct {
	mu        sync.RWMutex
	endpoints []Endpoint
	strategy  Strategy
	allowEmpty bool

	ready *signal.Done
	pub   *signal.Service
	closed *signal.Done
}

// NewDynamic builds an empty Dynamic group.
func NewDynamic(strategy Strategy, allowEmpty bool) *Dynamic {
	if strategy == nil {
		strategy = NewRoundRobin()
	}
	return &Dynamic{
		strategy:   strategy,
		allowEmpty: allowEmpty,
		ready:      signal.NewDone(),
		pub:        signal.NewService(),
		closed:     signal.NewDone(),
	}
}

// Update replaces the group's membership. Returns an error if endpoints is
// empty and AllowEmpty is false.
func (g *Dynamic) Update(endpoints []Endpoint) error {
	if len(endpoints) == 0 && !g.allowEmpty {
		return rpcerr.New(component, "dynamic group does not allow an empty endpoint set").
			WithKind(rpcerr.KindInvalidConfig)
	}

	next := append([]Endpoint(nil), endpoints...)

	g.mu.Lock()
	prev := g.endpoints
	g.endpoints = next
	becameReady := len(prev) == 0 && len(next) > 0
	changed := !sameMembership(prev, next)
	g.mu.Unlock()

	if becameReady {
		g.ready.Close()
	}
	if changed {
		g.pub.Publish(changeTopic, next)
	}
	return nil
}

func (g *Dynamic) Endpoints() []Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.endpoints
}

func (g *Dynamic) Select(stickyKey string) (Endpoint, error) {
	g.mu.RLock()
	endpoints := g.endpoints
	g.mu.RUnlock()
	e, err := g.strategy.Select(endpoints, stickyKey)
	if err != nil {
		return Endpoint{}, rpcerr.New(component, "endpoint selection failed").
			Base(err).WithKind(rpcerr.KindUnprocessedRequest)
	}
	return e, nil
}

func (g *Dynamic) WhenReady(ctx context.Context) error {
	select {
	case <-g.ready.Wait():
		return nil
	case <-g.closed.Wait():
		return rpcerr.New(component, "endpoint group closed before becoming ready").
			WithKind(rpcerr.KindUnprocessedRequest)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Dynamic) Subscribe() *signal.Subscriber {
	return g.pub.Subscribe(changeTopic)
}

func (g *Dynamic) Close() error {
	g.closed.Close()
	return nil
}

// sameMembership reports whether a and b contain the same endpoints (by
// Equal) with the same multiplicity, in any order.
func sameMembership(a, b []Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	ac := append([]Endpoint(nil), a...)
	bc := append([]Endpoint(nil), b...)
	less := func(s []Endpoint) func(i, j int) bool {
		return func(i, j int) bool { return s[i].Authority() < s[j].Authority() }
	}
	sort.Slice(ac, less(ac))
	sort.Slice(bc, less(bc))
	for i := range ac {
		if !ac[i].Equal(bc[i]) {
			return false
		}
	}
	return true
}
