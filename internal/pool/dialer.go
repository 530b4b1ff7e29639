package pool

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// SystemDialer opens the underlying TCP connection for a pool entry.
// Trimmed to the portable subset: no platform socket-option plumbing
// (TPROXY/fwmark), since nothing in this module's scope needs it, but
// keeping a "Chrome defaults" keepalive posture and an indirection layer
// so a test dialer can be substituted.
type SystemDialer interface {
	Dial(ctx context.Context, local netip.Addr, addr netip.Addr, port uint16) (net.Conn, error)
}

// DefaultSystemDialer dials plain TCP with a keepalive policy matching
// Chrome's defaults (45s idle, 45s interval); the probe count is left at
// the operating system's default.
type DefaultSystemDialer struct {
	ConnectTimeout time.Duration
}

func (d *DefaultSystemDialer) Dial(ctx context.Context, local netip.Addr, addr netip.Addr, port uint16) (net.Conn, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 16 * time.Second
	}

	dialer := &net.Dialer{
		Timeout: timeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     45 * time.Second,
			Interval: 45 * time.Second,
			Count:    -1,
		},
	}
	if local.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: net.IP(local.AsSlice())}
	}

	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), strconv.Itoa(int(port))))
}

// DialFuncFor adapts a SystemDialer bound to a fixed local address into a
// DialFunc for use with RaceDial.
func DialFuncFor(d SystemDialer, local netip.Addr) DialFunc {
	return func(ctx context.Context, addr netip.Addr, port uint16) (net.Conn, error) {
		return d.Dial(ctx, local, addr, port)
	}
}
