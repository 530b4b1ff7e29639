package dnsresolver

import "github.com/xtls-httpcore/rpcx/internal/rpcerr"

const component = "dnsresolver"

// ErrUnknownHost reports that every search-domain/server combination was
// exhausted with a negative answer, or the entry's refresh attempts were
// exceeded.
func ErrUnknownHost(host string, cause error) *rpcerr.Error {
	return rpcerr.Newf(component, "unknown host: %s", host).
		Base(cause).
		WithKind(rpcerr.KindUnprocessedRequest)
}

// ErrDNSTimeout reports that every configured server timed out.
func ErrDNSTimeout(host string, cause error) *rpcerr.Error {
	return rpcerr.Newf(component, "dns timeout resolving %s", host).
		Base(cause).
		WithKind(rpcerr.KindUnprocessedRequest)
}
