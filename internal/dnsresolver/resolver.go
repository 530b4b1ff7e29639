// Package dnsresolver implements a refreshing, TTL-aware DNS cache.
// Hot entries are kept fresh in the background at ~90% of their
// TTL; cold entries are left to expire. Negative answers are cached only
// when configured to (default: not at all). Failed refreshes back off and
// eventually evict the entry.
//
// Structured the way a protobuf-configured DNS relay keeps its per-domain
// A/AAAA record map and pubsub-driven wakeups for concurrent lookups of
// the same name, adapted here into a standalone resolving cache
// configured with plain Go options instead.
package dnsresolver

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
	"github.com/xtls-httpcore/rpcx/internal/signal"
	"github.com/xtls-httpcore/rpcx/internal/task"
)

// Resolver is a refreshing DNS cache. Safe for concurrent use.
type Resolver struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	pub    *signal.Service
	closed *signal.Done
}

// New creates a Resolver from opts.
func New(opts Options) *Resolver {
	return &Resolver{
		opts:    opts.withDefaults(),
		entries: make(map[string]*cacheEntry),
		pub:     signal.NewService(),
		closed:  signal.NewDone(),
	}
}

// Close stops every scheduled refresh and releases all cache entries.
// Subsequent lookups still work; they simply start cold.
func (r *Resolver) Close() error {
	r.closed.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.mu.Lock()
		if e.refreshTask != nil {
			e.refreshTask.Close()
		}
		e.mu.Unlock()
	}
	r.entries = make(map[string]*cacheEntry)
	return nil
}

func (r *Resolver) getOrCreate(name string) *cacheEntry {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e
	}
	e = newCacheEntry(name)
	r.entries[name] = e
	return e
}

func (r *Resolver) evict(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// LookupIP resolves host to its addresses, consulting the cache first and
// falling through the ndots/search-domain candidate list on a cache miss.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	candidates := candidateNames(host, r.opts.Ndots, r.opts.SearchDomains)

	var errs []error
	now := time.Now()
	for _, name := range candidates {
		entry := r.getOrCreate(name)
		addrs, negative, fresh := entry.snapshot(now, r.opts.PreferredFamily)
		if fresh {
			entry.markHot()
			r.opts.Metrics.Query("cache-hit", name, "ok")
			if negative {
				continue
			}
			return addrs, nil
		}

		result, negResult, err := r.resolveLive(ctx, entry, name)
		if err != nil {
			if _, isTimeout := err.(*errAllServersFailed); isTimeout {
				return nil, ErrDNSTimeout(host, err)
			}
			errs = append(errs, err)
			continue
		}
		if negResult {
			continue
		}
		// The resolving lookup that just populated entry counts as a
		// consultation, same as a cache hit: without this the very
		// first refresh tick finds the hot flag unset and evicts an
		// entry nothing has had a chance to serve yet. Background
		// refreshes do not mark the entry hot themselves.
		entry.markHot()
		return result, nil
	}

	return nil, ErrUnknownHost(host, rpcerr.Combine(errs...))
}

// resolveLive issues fresh queries for whichever families PreferredFamily
// asks for, writes the results into entry, and arms the background refresh
// if at least one family resolved successfully.
func (r *Resolver) resolveLive(ctx context.Context, entry *cacheEntry, name string) (addrs []netip.Addr, negative bool, err error) {
	wantA := r.opts.PreferredFamily != IPv6Only
	wantAAAA := r.opts.PreferredFamily != IPv4Only

	type outcome struct {
		aaaa bool
		res  queryResult
		err  error
	}
	results := make(chan outcome, 2)
	inflight := 0
	if wantA {
		inflight++
		go func() {
			res, err := r.queryName(ctx, name, dnsTypeA)
			results <- outcome{aaaa: false, res: res, err: err}
		}()
	}
	if wantAAAA {
		inflight++
		go func() {
			res, err := r.queryName(ctx, name, dnsTypeAAAA)
			results <- outcome{aaaa: true, res: res, err: err}
		}()
	}

	var errs []error
	var anySuccess, allNegative bool
	negativeCount := 0
	for i := 0; i < inflight; i++ {
		o := <-results
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		if o.res.negative {
			negativeCount++
			if r.opts.NegativeTTL > 0 {
				entry.store(&ipRecord{negative: true, ttl: r.opts.NegativeTTL, expiresAt: time.Now().Add(r.opts.NegativeTTL)}, o.aaaa)
			}
			continue
		}
		anySuccess = true
		entry.store(&ipRecord{addrs: o.res.addrs, ttl: o.res.ttl, expiresAt: time.Now().Add(o.res.ttl)}, o.aaaa)
		addrs = append(addrs, o.res.addrs...)
	}
	allNegative = negativeCount == inflight && inflight > 0

	if !anySuccess && len(errs) == inflight && inflight > 0 {
		// every family attempt failed outright (transport-level), and none
		// produced even a negative answer: surface as a timeout-shaped
		// failure so the caller does not cache anything.
		return nil, false, &errAllServersFailed{cause: rpcerr.Combine(errs...)}
	}

	if anySuccess {
		r.armRefresh(entry)
		return addrs, false, nil
	}
	if allNegative {
		return nil, true, nil
	}
	return nil, false, rpcerr.Newf(component, "partial failure resolving %s", name).Base(rpcerr.Combine(errs...))
}

const (
	dnsTypeA    = 1
	dnsTypeAAAA = 28
)

// armRefresh (re)starts the background refresh loop for entry at ~90% of
// its shortest TTL.
func (r *Resolver) armRefresh(entry *cacheEntry) {
	entry.mu.Lock()
	alreadyArmed := entry.refreshTask != nil
	entry.mu.Unlock()
	if alreadyArmed {
		return
	}

	interval := refreshInterval(entry.minTTL())
	t := &task.Periodic{Interval: interval, Logger: r.opts.Logger, Execute: func() error {
		return r.runRefresh(entry)
	}}

	entry.mu.Lock()
	entry.refreshTask = t
	entry.mu.Unlock()

	// Deferred by a full interval: the entry was just populated (and
	// marked hot) by the lookup that triggered arming, so its first
	// genuine refresh opportunity is ~90% of its TTL out, not t=0.
	t.StartDelayed(interval)
}

func refreshInterval(ttl time.Duration) time.Duration {
	d := (ttl * 9) / 10
	if d <= 0 {
		d = time.Second
	}
	return d
}

// refreshBackoff grows geometrically with the failed-attempt count, capped
// at one minute.
func refreshBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	const cap = time.Minute
	if d > cap || d <= 0 {
		d = cap
	}
	return d
}

// runRefresh is the Periodic.Execute callback for one cache entry. It only
// refreshes entries still marked hot; a cold entry is evicted instead, so
// an entry only stays alive across refreshes while something keeps
// consulting it between ticks.
func (r *Resolver) runRefresh(entry *cacheEntry) error {
	if r.opts.AutoRefreshTimeout > 0 {
		if since := entry.hotSince(); !since.IsZero() && time.Since(since) > r.opts.AutoRefreshTimeout {
			r.stopAndEvict(entry)
			return nil
		}
	}

	if !entry.hot.ConsumeHot() {
		r.stopAndEvict(entry)
		return nil
	}

	_, _, err := r.resolveLive(context.Background(), entry, entry.domain)

	if err != nil {
		entry.mu.Lock()
		entry.refreshAttempts++
		exceeded := entry.refreshAttempts > r.opts.MaxRefreshAttempts
		if !exceeded {
			entry.refreshTask.Interval = refreshBackoff(entry.refreshAttempts)
		}
		entry.mu.Unlock()
		if exceeded {
			r.stopAndEvict(entry)
		}
		return err
	}

	entry.mu.Lock()
	entry.refreshAttempts = 0
	entry.refreshTask.Interval = refreshInterval(entry.minTTL())
	entry.mu.Unlock()
	return nil
}

func (r *Resolver) stopAndEvict(entry *cacheEntry) {
	entry.mu.Lock()
	if entry.refreshTask != nil {
		entry.refreshTask.Close()
	}
	entry.mu.Unlock()
	r.evict(entry.domain)
}
