package pool

import (
	"net"

	proxyproto "github.com/pires/go-proxyproto"
)

// WriteProxyHeader writes a PROXY protocol v1 or v2 prefix for a freshly
// dialed outbound connection, carrying conn's local and remote addresses,
// so a downstream HAProxy-aware listener can recover the original socket
// endpoints across the proxied hop.
func WriteProxyHeader(conn net.Conn, version byte) error {
	header := proxyproto.HeaderProxyFromAddrs(version, conn.LocalAddr(), conn.RemoteAddr())
	_, err := header.WriteTo(conn)
	return err
}
