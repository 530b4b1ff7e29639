package pool

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	pending, failed, opened, active, idle, closed int64
}

func (r *recordingListener) ConnectionPending(Protocol, string, string, map[string]string) {
	atomic.AddInt64(&r.pending, 1)
}
func (r *recordingListener) ConnectionFailed(Protocol, string, string, map[string]string, error, bool) {
	atomic.AddInt64(&r.failed, 1)
}
func (r *recordingListener) ConnectionOpened(Protocol, Protocol, string, string, map[string]string) {
	atomic.AddInt64(&r.opened, 1)
}
func (r *recordingListener) ConnectionActive(Protocol, string, string, map[string]string, bool) {
	atomic.AddInt64(&r.active, 1)
}
func (r *recordingListener) ConnectionIdle(Protocol, string, string, map[string]string) {
	atomic.AddInt64(&r.idle, 1)
}
func (r *recordingListener) ConnectionClosed(Protocol, string, string, map[string]string, bool) {
	atomic.AddInt64(&r.closed, 1)
}

func pipeDialer(dialCount *int64) DialFunc {
	return func(ctx context.Context, addr netip.Addr, port uint16) (net.Conn, error) {
		atomic.AddInt64(dialCount, 1)
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 64)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func newTestPool(t *testing.T, listener Listener) (*Pool, *int64) {
	t.Helper()
	var dialCount int64
	p := New(nil, RaceOptions{}, listener)
	p.dial = pipeDialer(&dialCount)
	return p, &dialCount
}

func TestAcquireDialsOnceThenReuseFromIdle(t *testing.T) {
	rec := &recordingListener{}
	p, dialCount := newTestPool(t, rec)

	conn, err := p.Acquire(context.Background(), ProtocolH1, "example.com", 80, nil)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.EqualValues(t, 1, atomic.LoadInt64(dialCount))

	local := conn.LocalAddr().String()
	p.Release(ProtocolH1, "example.com:80", local, true)

	conn2, err := p.Acquire(context.Background(), ProtocolH1, "example.com", 80, nil)
	require.NoError(t, err)
	assert.Same(t, conn, conn2)
	assert.EqualValues(t, 1, atomic.LoadInt64(dialCount), "idle connection must be reused without a second dial")
}

func TestAcquireConcurrentCallersShareOneDial(t *testing.T) {
	rec := &recordingListener{}
	p, dialCount := newTestPool(t, rec)

	const n = 8
	results := make(chan net.Conn, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			conn, err := p.Acquire(context.Background(), ProtocolH1, "example.com", 443, nil)
			results <- conn
			errs <- err
		}()
	}

	seen := make(map[net.Conn]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		seen[<-results] = true
	}
	assert.Len(t, seen, 1, "all concurrent acquirers for the same key should receive the same connection")
	assert.EqualValues(t, 1, atomic.LoadInt64(dialCount))
}

func TestReleaseNotReusableClosesConnection(t *testing.T) {
	rec := &recordingListener{}
	p, _ := newTestPool(t, rec)

	conn, err := p.Acquire(context.Background(), ProtocolH1, "example.com", 80, nil)
	require.NoError(t, err)

	local := conn.LocalAddr().String()
	p.Release(ProtocolH1, "example.com:80", local, false)

	assert.EqualValues(t, 1, atomic.LoadInt64(&rec.closed))

	_, ok := p.takeIdle(ProtocolH1, "example.com:80")
	assert.False(t, ok, "a released non-reusable connection must not be offered as idle")
}

func TestPerKeyDialLimitRejectsBeyondCapForNonMultiplexingProtocol(t *testing.T) {
	rec := &recordingListener{}
	p, _ := newTestPool(t, rec)
	p.PerKeyDialLimit = 1

	conn, err := p.Acquire(context.Background(), ProtocolH1, "example.com", 80, nil)
	require.NoError(t, err)
	require.NotNil(t, conn)

	_, err = p.Acquire(context.Background(), ProtocolH1, "example.com", 80, nil)
	assert.ErrorIs(t, err, ErrPoolSaturated)
}

func TestPerKeyDialLimitDoesNotApplyToMultiplexingProtocol(t *testing.T) {
	rec := &recordingListener{}
	p, _ := newTestPool(t, rec)
	p.PerKeyDialLimit = 1

	_, err := p.Acquire(context.Background(), ProtocolH2, "example.com", 443, nil)
	require.NoError(t, err)

	// A second acquire with an entry already on file for this key would be
	// rejected for H1/H1C at PerKeyDialLimit=1, but H2 multiplexes so the
	// cap never applies.
	_, err = p.Acquire(context.Background(), ProtocolH2, "example.com", 443, nil)
	assert.NoError(t, err)
}

func TestCloseIdleOlderThanEvictsStaleEntriesOnly(t *testing.T) {
	rec := &recordingListener{}
	p, _ := newTestPool(t, rec)

	conn, err := p.Acquire(context.Background(), ProtocolH1, "example.com", 80, nil)
	require.NoError(t, err)
	local := conn.LocalAddr().String()
	p.Release(ProtocolH1, "example.com:80", local, true)

	key := Key{Protocol: ProtocolH1, Local: local, Remote: "example.com:80"}
	p.mu.Lock()
	p.entries[key].idleSince = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	p.CloseIdleOlderThan(time.Minute)

	p.mu.Lock()
	_, stillThere := p.entries[key]
	p.mu.Unlock()
	assert.False(t, stillThere)
	assert.EqualValues(t, 1, atomic.LoadInt64(&rec.closed))
}

func TestCountingListenerTracksGauges(t *testing.T) {
	cl := NewCountingListener(nil)
	cl.ConnectionPending(ProtocolH1, "r:80", "", nil)
	pending, active, idle, opened, closed, failed := cl.Snapshot()
	assert.Equal(t, 1, pending)
	assert.Zero(t, active)
	assert.Zero(t, idle)
	assert.Zero(t, opened)
	assert.Zero(t, closed)
	assert.Zero(t, failed)

	cl.ConnectionOpened(ProtocolH1, ProtocolH1, "r:80", "l:1", nil)
	pending, _, _, opened, _, _ = cl.Snapshot()
	assert.Zero(t, pending, "opening the connection must clear the pending gauge")
	assert.EqualValues(t, 1, opened)

	cl.ConnectionActive(ProtocolH1, "r:80", "l:1", nil, false)
	_, active, _, _, _, _ = cl.Snapshot()
	assert.Equal(t, 1, active)

	cl.ConnectionIdle(ProtocolH1, "r:80", "l:1", nil)
	_, active, idle, _, _, _ = cl.Snapshot()
	assert.Zero(t, active)
	assert.Equal(t, 1, idle)

	cl.ConnectionClosed(ProtocolH1, "r:80", "l:1", nil, true)
	_, _, idle, _, closed, _ = cl.Snapshot()
	assert.Zero(t, idle)
	assert.EqualValues(t, 1, closed)
}

func TestCountingListenerSingleDirectionOpenDecrementsPendingOnce(t *testing.T) {
	cl := NewCountingListener(nil)
	cl.ConnectionPending(ProtocolH1, "r:80", "", nil)
	cl.ConnectionPending(ProtocolH1, "r:80", "", nil)
	cl.ConnectionPending(ProtocolH1, "r:80", "", nil)
	cl.ConnectionFailed(ProtocolH1, "r:80", "", nil, assert.AnError, true)

	pending, _, _, _, _, failed := cl.Snapshot()
	require.Equal(t, 2, pending)
	require.EqualValues(t, 1, failed)

	cl.ConnectionOpened(ProtocolH1, ProtocolH1, "r:80", "l:1", nil)
	pending, _, _, opened, _, _ := cl.Snapshot()
	assert.Equal(t, 1, pending, "a same-protocol open must decrement pending exactly once")
	assert.EqualValues(t, 1, opened)
}

func TestCountingListenerNegotiatedProtocolClearsBothPendingKeys(t *testing.T) {
	cl := NewCountingListener(nil)
	cl.ConnectionPending(ProtocolH1C, "r:80", "", nil)
	cl.ConnectionPending(ProtocolH2C, "r:80", "", nil)

	cl.ConnectionOpened(ProtocolH1C, ProtocolH2C, "r:80", "l:1", nil)
	pending, _, _, _, _, _ := cl.Snapshot()
	assert.Zero(t, pending, "both the desired and negotiated pending entries should clear")
}

func TestSortAddrsInterleavesFamilies(t *testing.T) {
	addrs := []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("2001:db8::2"),
	}
	out := SortAddrs(addrs, false, 1)
	require.Len(t, out, 4)
	assert.True(t, out[0].Is4())
	assert.False(t, out[1].Is4())
}

func TestSortAddrsSingleFamilyUnchanged(t *testing.T) {
	addrs := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}
	out := SortAddrs(addrs, false, 1)
	assert.Equal(t, addrs, out)
}

func TestRaceDialReturnsFirstSuccessAndClosesLosers(t *testing.T) {
	var dials int64
	dial := func(ctx context.Context, addr netip.Addr, port uint16) (net.Conn, error) {
		atomic.AddInt64(&dials, 1)
		client, _ := net.Pipe()
		return client, nil
	}
	addrs := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}
	conn, err := RaceDial(context.Background(), addrs, 80, dial, RaceOptions{TryDelay: time.Millisecond, MaxConcurrentTry: 2})
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestRaceDialSingleCandidateSkipsRacing(t *testing.T) {
	var dials int64
	dial := func(ctx context.Context, addr netip.Addr, port uint16) (net.Conn, error) {
		atomic.AddInt64(&dials, 1)
		client, _ := net.Pipe()
		return client, nil
	}
	addrs := []netip.Addr{netip.MustParseAddr("10.0.0.1")}
	_, err := RaceDial(context.Background(), addrs, 80, dial, RaceOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&dials))
}

func TestRaceDialNoCandidatesErrors(t *testing.T) {
	dial := func(ctx context.Context, addr netip.Addr, port uint16) (net.Conn, error) {
		return nil, nil
	}
	_, err := RaceDial(context.Background(), nil, 80, dial, RaceOptions{})
	assert.Error(t, err)
}
