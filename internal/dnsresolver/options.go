package dnsresolver

import (
	"time"

	"github.com/xtls-httpcore/rpcx/internal/rpclog"
)

// AddressFamily selects which record types a lookup is willing to accept.
type AddressFamily int

const (
	// PreferBoth issues A and AAAA in parallel, waits for both, and
	// returns the merged addresses; if only one family resolves, its
	// addresses alone are returned.
	PreferBoth AddressFamily = iota
	IPv4Only
	IPv6Only
)

// Options configures a Resolver. There is no protobuf/codegen config layer
// here (see DESIGN.md) — plain fields with sane zero values, the way
// classmarkets-go-dns-resolver and the pack's other hand-rolled resolvers
// configure themselves.
type Options struct {
	// Servers are "host:port" name server addresses queried in order.
	// No default is applied: if empty, every lookup fails.
	Servers []string

	// Ndots is the minimum number of dots a name must contain to be tried
	// as fully-qualified before the search list is consulted. Default 1.
	Ndots int
	// SearchDomains is appended, in order, to names with fewer than Ndots
	// dots that do not already end in a trailing dot.
	SearchDomains []string

	// NegativeTTL is how long NXDOMAIN/NOTZONE/no-answer responses are
	// cached. Zero (the default) disables negative caching. Timeouts are
	// never cached regardless of this setting.
	NegativeTTL time.Duration

	// MaxRefreshAttempts bounds the per-entry backoff counter. Exceeding it
	// evicts the entry; a subsequent resolution misses the cache entirely.
	// Default 5.
	MaxRefreshAttempts int

	// AutoRefreshTimeout caps how long an entry may be kept refreshed once
	// marked hot, regardless of continued use. Zero disables the cap.
	AutoRefreshTimeout time.Duration

	// QueryTimeout bounds a single query attempt. Default 5s.
	QueryTimeout time.Duration

	// PreferredFamily restricts which record types are queried.
	PreferredFamily AddressFamily

	// Metrics receives the resolver's named counters. Nil disables
	// emission, equivalent to DisableMetrics=true.
	Metrics Metrics
	// DisableMetrics silences emission even if Metrics is set.
	DisableMetrics bool

	Logger rpclog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Ndots <= 0 {
		out.Ndots = 1
	}
	if out.MaxRefreshAttempts <= 0 {
		out.MaxRefreshAttempts = 5
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = 5 * time.Second
	}
	if out.Metrics == nil || out.DisableMetrics {
		out.Metrics = nopMetrics{}
	}
	out.Logger = rpclog.OrNop(out.Logger)
	return out
}
