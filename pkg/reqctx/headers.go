package reqctx

import (
	"net/http"
	"strings"
	"sync"
)

// HeaderFunc receives the current value of a header (ok is false when
// absent) and returns the value to install. It runs synchronously;
// callers needing to await something build that into the closure
// before calling Add.
type HeaderFunc func(current string, ok bool) string

// AdditionalHeaders is the interior-mutable bag a decorator populates
// via Add. It sits at the second tier of the header precedence chain,
// below headers set directly on the outgoing request and above the
// client builder's defaults.
type AdditionalHeaders struct {
	mu      sync.Mutex
	ordered []string
	values  map[string]string
}

// Add applies fn to the header's current accumulated value and installs
// the result. Composition for a given name is left-to-right: the nth
// call to Add for that name sees the (n-1)th call's result as current.
func (a *AdditionalHeaders) Add(name string, fn HeaderFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.values == nil {
		a.values = make(map[string]string)
	}
	key := http.CanonicalHeaderKey(name)
	current, ok := a.values[key]
	next := fn(current, ok)
	if !ok {
		a.ordered = append(a.ordered, key)
	}
	a.values[key] = next
}

// Set installs value unconditionally, discarding any prior accumulation.
func (a *AdditionalHeaders) Set(name, value string) {
	a.Add(name, func(string, bool) string { return value })
}

// Snapshot returns a copy of the accumulated headers. The result is an
// http.Header map, so the order in which names were added is not kept.
func (a *AdditionalHeaders) Snapshot() http.Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := make(http.Header, len(a.ordered))
	for _, k := range a.ordered {
		h.Set(k, a.values[k])
	}
	return h
}

// pseudoHeaderNames are stripped from any user-supplied header set and
// regenerated from request state.
var pseudoHeaderNames = map[string]bool{
	":scheme": true, ":status": true, ":method": true, ":path": true, ":authority": true,
}

// forbiddenHeaderNames are connection-framing headers the engine owns
// and silently drops from user input.
var forbiddenHeaderNames = map[string]bool{
	"Connection":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Host":              true,
	"Upgrade":           true,
}

// MergeHeaders applies the three-tier header precedence: headers on
// the outgoing request win over additionalRequestHeaders, which win
// over the client builder's configured defaults. Pseudo-headers and
// connection-framing headers are filtered out of all three tiers.
func MergeHeaders(request, additional, defaults http.Header) http.Header {
	out := make(http.Header)
	for _, src := range []http.Header{defaults, additional, request} {
		for name, values := range src {
			if pseudoHeaderNames[strings.ToLower(name)] || forbiddenHeaderNames[name] {
				continue
			}
			if len(values) == 0 {
				continue
			}
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return out
}
