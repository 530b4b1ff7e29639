package dnsresolver

import (
	"net/netip"
	"sync"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/signal"
	"github.com/xtls-httpcore/rpcx/internal/task"
)

// ipRecord is one family's (A or AAAA) answer for a domain, split
// per-family so a partial answer (only one family resolved) is still
// representable and independently refreshable.
type ipRecord struct {
	addrs     []netip.Addr
	ttl       time.Duration
	expiresAt time.Time
	negative  bool // true if this is a cached NXDOMAIN/NOTZONE/no-answer
}

func (r *ipRecord) expired(now time.Time) bool {
	return r == nil || now.After(r.expiresAt)
}

// cacheEntry holds one domain's independently-refreshed A/AAAA records,
// the hot-indicator, and the failure-backoff counter that governs
// eviction.
type cacheEntry struct {
	mu sync.Mutex

	domain string
	a      *ipRecord
	aaaa   *ipRecord

	hot             *signal.HotFlag
	createdAt       time.Time
	firstHotAt      time.Time
	refreshAttempts int
	refreshTask     *task.Periodic
}

func newCacheEntry(domain string) *cacheEntry {
	return &cacheEntry{
		domain:    domain,
		hot:       signal.NewHotFlag(),
		createdAt: time.Now(),
	}
}

// snapshot returns the still-valid addresses for the requested family mix,
// whether any consulted family holds a cached negative answer, and whether
// every requested family has an unexpired record (fresh) — mirrors
// CacheController.findIPsForDomain's "merge if both requested" logic.
func (e *cacheEntry) snapshot(now time.Time, family AddressFamily) (addrs []netip.Addr, anyNegative bool, fresh bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wantA := family != IPv6Only
	wantAAAA := family != IPv4Only

	var haveA, haveAAAA bool

	if wantA && !e.a.expired(now) {
		haveA = true
		if e.a.negative {
			anyNegative = true
		} else {
			addrs = append(addrs, e.a.addrs...)
		}
	}
	if wantAAAA && !e.aaaa.expired(now) {
		haveAAAA = true
		if e.aaaa.negative {
			anyNegative = true
		} else {
			addrs = append(addrs, e.aaaa.addrs...)
		}
	}

	switch {
	case wantA && wantAAAA:
		fresh = haveA && haveAAAA
	case wantA:
		fresh = haveA
	default:
		fresh = haveAAAA
	}
	return addrs, anyNegative, fresh
}

func (e *cacheEntry) store(rec *ipRecord, aaaa bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if aaaa {
		e.aaaa = rec
	} else {
		e.a = rec
	}
}

// markHot lifts the hot-indicator and, on the very first lift, records the
// time so AutoRefreshTimeout can be enforced relative to it.
func (e *cacheEntry) markHot() {
	e.mu.Lock()
	if e.firstHotAt.IsZero() {
		e.firstHotAt = time.Now()
	}
	e.mu.Unlock()
	e.hot.Mark()
}

func (e *cacheEntry) hotSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstHotAt
}

// minTTL returns the soonest of the two families' TTLs, used to schedule
// the next refresh at ~90% of TTL.
func (e *cacheEntry) minTTL() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	best := time.Duration(0)
	for _, r := range []*ipRecord{e.a, e.aaaa} {
		if r == nil {
			continue
		}
		if best == 0 || r.ttl < best {
			best = r.ttl
		}
	}
	if best == 0 {
		best = 30 * time.Second
	}
	return best
}
