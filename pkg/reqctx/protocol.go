package reqctx

import "github.com/xtls-httpcore/rpcx/internal/pool"

// SessionProtocol tags the wire-protocol intent carried by a URI scheme
// name (http, https, h1, h1c, h2, h2c, proxy). Context records only this
// desired protocol (Context.Scheme); the protocol actually negotiated,
// which may differ (a desired H2C may end up as H1C after a failed
// upgrade), is not recorded on it.
type SessionProtocol int

const (
	SessionUnknown SessionProtocol = iota
	SessionHTTP
	SessionHTTPS
	SessionH1
	SessionH1C
	SessionH2
	SessionH2C
	SessionProxy
)

func (s SessionProtocol) String() string {
	switch s {
	case SessionHTTP:
		return "http"
	case SessionHTTPS:
		return "https"
	case SessionH1:
		return "h1"
	case SessionH1C:
		return "h1c"
	case SessionH2:
		return "h2"
	case SessionH2C:
		return "h2c"
	case SessionProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// ParseSessionProtocol recognizes a URI scheme name, ignoring a leading
// "none+" preprocessing-disable prefix.
func ParseSessionProtocol(scheme string) (SessionProtocol, bool) {
	scheme = trimNonePrefix(scheme)
	switch scheme {
	case "http":
		return SessionHTTP, true
	case "https":
		return SessionHTTPS, true
	case "h1":
		return SessionH1, true
	case "h1c":
		return SessionH1C, true
	case "h2":
		return SessionH2, true
	case "h2c":
		return SessionH2C, true
	case "proxy":
		return SessionProxy, true
	default:
		return SessionUnknown, false
	}
}

func trimNonePrefix(scheme string) string {
	const prefix = "none+"
	if len(scheme) > len(prefix) && scheme[:len(prefix)] == prefix {
		return scheme[len(prefix):]
	}
	return scheme
}

// IsTLS reports whether s implies a TLS handshake before the application
// protocol runs.
func (s SessionProtocol) IsTLS() bool {
	switch s {
	case SessionHTTPS, SessionH1, SessionH2:
		return true
	default:
		return false
	}
}

// PoolProtocol maps a concrete (non-ambiguous) session protocol onto the
// connection pool's Protocol tag. HTTP, HTTPS and PROXY are ambiguous
// until resolved by PreferHTTP1/ALPN negotiation and have no direct
// mapping; ok is false for them.
func (s SessionProtocol) PoolProtocol() (pool.Protocol, bool) {
	switch s {
	case SessionH1:
		return pool.ProtocolH1, true
	case SessionH1C:
		return pool.ProtocolH1C, true
	case SessionH2:
		return pool.ProtocolH2, true
	case SessionH2C:
		return pool.ProtocolH2C, true
	default:
		return pool.ProtocolUnknown, false
	}
}
