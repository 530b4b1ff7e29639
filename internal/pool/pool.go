package pool

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
)

const component = "pool"

// state is the lifecycle of a single pool entry.
type state int

const (
	stateFailed state = iota
	statePending
	stateOpened
	stateActive
	stateIdle
	stateClosed
)

// entry tracks one physical connection slot for a Key.
type entry struct {
	key       Key
	state     state
	conn      net.Conn
	idleSince time.Time
}

// Pool dials, tracks, and reuses outbound connections keyed by
// (protocol, local, remote). At most one dial is ever in flight per key;
// later callers join the in-flight attempt instead of dialing again.
type Pool struct {
	listener Listener

	dial     DialFunc
	race     RaceOptions
	sysDialer SystemDialer

	// PerKeyDialLimit caps how many connections may be open at once for a
	// key whose protocol cannot multiplex a single connection across
	// requests (plain HTTP/1.1). Dials still in flight are not counted.
	// Zero means unlimited.
	PerKeyDialLimit int

	// ProxyHeaderVersion, if non-zero, writes a PROXY protocol prefix of
	// that version (1 or 2) immediately after a successful dial.
	ProxyHeaderVersion byte

	mu      sync.Mutex
	entries map[Key]*entry

	sf singleflight.Group
}

// New builds a Pool. listener may be nil (events are dropped). sysDialer
// dials individual candidate addresses; race configures the happy-eyeballs
// fan-out across multiple resolved addresses for the same host.
func New(sysDialer SystemDialer, race RaceOptions, listener Listener) *Pool {
	if listener == nil {
		listener = NopListener{}
	}
	return &Pool{
		listener:  listener,
		sysDialer: sysDialer,
		race:      race,
		entries:   make(map[Key]*entry),
	}
}

// ErrPoolSaturated is returned by Acquire when proto does not multiplex
// (H1/H1C) and PerKeyDialLimit connections for the key are already open,
// with no idle connection available to reuse.
var ErrPoolSaturated = rpcerr.New(component, "connection limit reached for key").WithKind(rpcerr.KindUnprocessedRequest)

// Acquire returns a usable connection for proto/host/port, dialing (racing
// every resolved address) only if no suitable idle connection exists and
// no dial for this key is already in flight; concurrent callers for the
// same key join the single in-flight dial.
func (p *Pool) Acquire(ctx context.Context, proto Protocol, host string, port uint16, addrs []netip.Addr) (net.Conn, error) {
	remote := net.JoinHostPort(host, strconv.Itoa(int(port)))

	if conn, ok := p.takeIdle(proto, remote); ok {
		p.markActive(proto, remote, conn, true)
		return conn, nil
	}

	if !multiplexes(proto) && p.PerKeyDialLimit > 0 && p.entryCount(proto, remote) >= p.PerKeyDialLimit {
		return nil, ErrPoolSaturated
	}

	p.beginPending(proto, remote)

	v, err, _ := p.sf.Do(remote+"|"+proto.String(), func() (interface{}, error) {
		return p.dialAndOpen(ctx, proto, port, remote, addrs)
	})
	if err != nil {
		p.listener.ConnectionFailed(proto, remote, "", nil, err, true)
		return nil, err
	}
	conn := v.(net.Conn)
	p.markActive(proto, remote, conn, false)
	return conn, nil
}

func (p *Pool) beginPending(proto Protocol, remote string) {
	p.listener.ConnectionPending(proto, remote, "", nil)
}

func (p *Pool) dialAndOpen(ctx context.Context, proto Protocol, port uint16, remote string, addrs []netip.Addr) (net.Conn, error) {
	dial := p.dial
	if dial == nil {
		dial = DialFuncFor(p.sysDialer, netip.Addr{})
	}

	var conn net.Conn
	var err error
	if len(addrs) > 1 {
		conn, err = RaceDial(ctx, addrs, port, dial, p.race)
	} else if len(addrs) == 1 {
		conn, err = dial(ctx, addrs[0], port)
	} else {
		conn, err = dial(ctx, netip.Addr{}, port)
	}
	if err != nil {
		return nil, err
	}

	if p.ProxyHeaderVersion == 1 || p.ProxyHeaderVersion == 2 {
		if hdrErr := WriteProxyHeader(conn, p.ProxyHeaderVersion); hdrErr != nil {
			conn.Close()
			return nil, hdrErr
		}
	}

	local := ""
	if la := conn.LocalAddr(); la != nil {
		local = la.String()
	}
	p.listener.ConnectionOpened(proto, proto, remote, local, nil)

	key := Key{Protocol: proto, Local: local, Remote: remote}
	p.mu.Lock()
	p.entries[key] = &entry{key: key, state: stateOpened, conn: conn}
	p.mu.Unlock()

	return conn, nil
}

func (p *Pool) markActive(proto Protocol, remote string, conn net.Conn, wasIdle bool) {
	local := ""
	if la := conn.LocalAddr(); la != nil {
		local = la.String()
	}
	key := Key{Protocol: proto, Local: local, Remote: remote}
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.state = stateActive
	} else {
		p.entries[key] = &entry{key: key, state: stateActive, conn: conn}
	}
	p.mu.Unlock()
	p.listener.ConnectionActive(proto, remote, local, nil, wasIdle)
}

// Release returns conn to the idle pool for reuse, or closes it if reuse
// is not permitted (multiplexed connections are never released here: the
// caller keeps using them and calls Release only when fully done).
func (p *Pool) Release(proto Protocol, remote, local string, reusable bool) {
	key := Key{Protocol: proto, Local: local, Remote: remote}
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	if !reusable {
		p.Close(proto, remote, local)
		return
	}
	p.mu.Lock()
	e.state = stateIdle
	e.idleSince = time.Now()
	p.mu.Unlock()
	p.listener.ConnectionIdle(proto, remote, local, nil)
}

// Close tears down the connection for key and removes it from the pool.
func (p *Pool) Close(proto Protocol, remote, local string) {
	key := Key{Protocol: proto, Local: local, Remote: remote}
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	wasIdle := e.state == stateIdle
	if e.conn != nil {
		e.conn.Close()
	}
	p.listener.ConnectionClosed(proto, remote, local, nil, wasIdle)
}

func (p *Pool) entryCount(proto Protocol, remote string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, e := range p.entries {
		if key.Protocol == proto && key.Remote == remote && e.state != stateClosed && e.state != stateFailed {
			n++
		}
	}
	return n
}

// multiplexes reports whether proto can serve many concurrent requests
// over a single connection, making PerKeyDialLimit inapplicable.
func multiplexes(proto Protocol) bool {
	return proto == ProtocolH2 || proto == ProtocolH2C
}

func (p *Pool) takeIdle(proto Protocol, remote string) (net.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		if key.Protocol != proto || key.Remote != remote || e.state != stateIdle {
			continue
		}
		e.state = stateActive
		return e.conn, true
	}
	return nil, false
}

// CloseIdleOlderThan closes every idle connection that has been idle for
// longer than maxAge. Intended to be driven periodically (e.g. from a
// task.Periodic janitor) rather than called per-request.
func (p *Pool) CloseIdleOlderThan(maxAge time.Duration) {
	now := time.Now()
	var stale []Key
	p.mu.Lock()
	for key, e := range p.entries {
		if e.state == stateIdle && now.Sub(e.idleSince) > maxAge {
			stale = append(stale, key)
		}
	}
	p.mu.Unlock()

	for _, key := range stale {
		p.Close(key.Protocol, key.Remote, key.Local)
	}
}
