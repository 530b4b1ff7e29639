// Package pool implements a connection pool and event listener: a
// (protocol, local, remote)-keyed state machine over PENDING/FAILED/
// OPENED/ACTIVE/IDLE/CLOSED connections, with at-most-one-concurrent-dial
// enforcement and a six-method event listener.
package pool

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/rpclog"
)

// SortAddrs orders candidate addresses per RFC 8305: alternating address
// families starting with IPv4 (or IPv6 if preferIPv6), interleaving every
// interleave consecutive same-family addresses.
func SortAddrs(addrs []netip.Addr, preferIPv6 bool, interleave int) []netip.Addr {
	if len(addrs) == 0 {
		return addrs
	}
	if interleave <= 0 {
		interleave = 1
	}

	var v4, v6 []netip.Addr
	for _, a := range addrs {
		if a.Is4() || a.Is4In6() {
			v4 = append(v4, a)
		} else {
			v6 = append(v6, a)
		}
	}
	if len(v4) == 0 || len(v6) == 0 {
		return addrs
	}

	out := make([]netip.Addr, 0, len(addrs))
	i4, i6, turn := 0, 0, 0
	v4turn := !preferIPv6
	for {
		if v4turn {
			out = append(out, v4[i4])
			i4++
			if i4 == len(v4) {
				out = append(out, v6[i6:]...)
				break
			}
			turn++
			if turn == interleave {
				v4turn = false
				turn = 0
			}
		} else {
			out = append(out, v6[i6])
			i6++
			if i6 == len(v6) {
				out = append(out, v4[i4:]...)
				break
			}
			turn++
			if turn == interleave {
				v4turn = true
				turn = 0
			}
		}
	}
	return out
}

// RaceOptions configures a racing dial.
type RaceOptions struct {
	PreferIPv6       bool
	Interleave       int
	TryDelay         time.Duration
	MaxConcurrentTry int
	Logger           rpclog.Logger
}

func (o RaceOptions) withDefaults() RaceOptions {
	if o.Interleave <= 0 {
		o.Interleave = 1
	}
	if o.TryDelay <= 0 {
		o.TryDelay = 250 * time.Millisecond
	}
	if o.MaxConcurrentTry <= 0 {
		o.MaxConcurrentTry = 4
	}
	o.Logger = rpclog.OrNop(o.Logger)
	return o
}

type raceResult struct {
	err   error
	conn  net.Conn
	index int
}

// DialFunc dials a single candidate address. Implementations typically
// close over a *net.Dialer.
type DialFunc func(ctx context.Context, addr netip.Addr, port uint16) (net.Conn, error)

// RaceDial dials every candidate in addrs (after RFC 8305 ordering),
// staggering attempts by TryDelay and returning the first successful
// connection, closing every loser.
func RaceDial(ctx context.Context, addrs []netip.Addr, port uint16, dial DialFunc, opts RaceOptions) (net.Conn, error) {
	opts = opts.withDefaults()
	if len(addrs) == 1 {
		return dial(ctx, addrs[0], port)
	}
	if len(addrs) == 0 {
		return nil, net.InvalidAddrError("no candidate addresses")
	}

	ordered := SortAddrs(addrs, opts.PreferIPv6, opts.Interleave)

	newCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan *raceResult, len(ordered))
	nextTry := 0
	active := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	var winner net.Conn
	var lastErr error

	for {
		select {
		case r := <-resultCh:
			active--
			select {
			case <-ctx.Done():
				if winner != nil {
					winner.Close()
				}
				if r.conn != nil {
					r.conn.Close()
				}
				if active == 0 {
					return nil, ctx.Err()
				}
				continue
			default:
			}

			if r.conn != nil {
				cancel()
				timer.Stop()
				if winner == nil {
					winner = r.conn
				} else {
					r.conn.Close()
				}
			} else {
				lastErr = r.err
			}

			if winner != nil && active == 0 {
				return winner, nil
			}
			if winner != nil {
				continue
			}
			if nextTry < len(ordered) {
				timer.Reset(0)
				continue
			}
			if active == 0 {
				return nil, lastErr
			}

		case <-timer.C:
			if nextTry == len(ordered) || active == opts.MaxConcurrentTry {
				continue
			}
			idx := nextTry
			go func() {
				conn, err := dial(newCtx, ordered[idx], port)
				select {
				case <-newCtx.Done():
					if conn != nil {
						conn.Close()
					}
					resultCh <- &raceResult{err: newCtx.Err(), index: idx}
				default:
					resultCh <- &raceResult{conn: conn, err: err, index: idx}
				}
			}()
			active++
			nextTry++
			if nextTry == len(ordered) || active == opts.MaxConcurrentTry {
				timer.Stop()
			} else {
				timer.Reset(opts.TryDelay)
			}
		}
	}
}
