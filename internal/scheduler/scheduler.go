// Package scheduler assigns requests to a fixed pool of event loops,
// balancing load per origin while pinning a lease to one loop for its
// lifetime. Grounded on common/mux/client.go's IncrementalWorkerPicker,
// whose findAvailable/pickInternal pair scans workers for the first
// least-loaded one and swaps it toward the end of the slice to keep
// scanning cheap; here the search space is a small fixed-size per-origin
// array instead of a growing worker slice, so the selection is a plain
// linear argmin rather than a swap-to-end trick.
package scheduler

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// Lease is a thread-safe handle on one acquired event-loop slot. Release
// must be called exactly once, from any goroutine.
type Lease struct {
	entry *entry
}

// Release decrements the entry's active-request counter.
func (l *Lease) Release() {
	atomic.AddInt64(&l.entry.active, -1)
}

// LoopID returns the physical event-loop index this lease was acquired on.
func (l *Lease) LoopID() int {
	return l.entry.loopID
}

type entry struct {
	id     int // position within the origin's rotated ordering
	loopID int // physical event loop index
	active int64
}

type originEntries struct {
	entries []*entry
}

// Scheduler owns a fixed-size pool of event loops and a least-active
// selection rule per origin.
type Scheduler struct {
	size int

	mu      sync.Mutex
	origins map[string]*originEntries

	// rngMu guards rng, since math/rand.Rand is not safe for concurrent use.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Scheduler over eventLoopGroupSize event loops. seed controls
// the randomized starting offset assigned to each newly-seen origin; pass a
// fixed seed in tests for determinism.
func New(eventLoopGroupSize int, seed int64) *Scheduler {
	if eventLoopGroupSize <= 0 {
		eventLoopGroupSize = 1
	}
	return &Scheduler{
		size:    eventLoopGroupSize,
		origins: make(map[string]*originEntries),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Acquire selects the least-loaded event loop for origin (ties broken by
// the origin's rotated entry id) and returns a lease pinning a reservation
// to it. originKey identifies (protocol, endpoint); callers with no
// endpoint (group-less lookups) should pass a shared synthetic key.
func (s *Scheduler) Acquire(originKey string) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	oe, ok := s.origins[originKey]
	if !ok {
		oe = s.newOriginLocked()
		s.origins[originKey] = oe
	}

	best := oe.entries[0]
	bestActive := atomic.LoadInt64(&best.active)
	for _, e := range oe.entries[1:] {
		if active := atomic.LoadInt64(&e.active); active < bestActive {
			best, bestActive = e, active
		}
	}
	atomic.AddInt64(&best.active, 1)
	return &Lease{entry: best}
}

func (s *Scheduler) newOriginLocked() *originEntries {
	s.rngMu.Lock()
	start := s.rng.Intn(s.size)
	s.rngMu.Unlock()

	entries := make([]*entry, s.size)
	for i := 0; i < s.size; i++ {
		entries[i] = &entry{id: i, loopID: (start + i) % s.size}
	}
	return &originEntries{entries: entries}
}

// ActiveCount reports the current active-request count of every entry for
// originKey, in entry order (nil for an unknown origin); for tests and
// diagnostics.
func (s *Scheduler) ActiveCount(originKey string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	oe, ok := s.origins[originKey]
	if !ok {
		return nil
	}
	out := make([]int64, len(oe.entries))
	for i, e := range oe.entries {
		out[i] = atomic.LoadInt64(&e.active)
	}
	return out
}
