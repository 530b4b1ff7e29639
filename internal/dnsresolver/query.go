package dnsresolver

import (
	"context"
	"net/netip"
	"strings"
	"time"

	dnslib "github.com/miekg/dns"

	"github.com/xtls-httpcore/rpcx/internal/rpcerr"
)

const maxCNAMEDepth = 8

// queryResult is what a single successful wire exchange yields, before it
// is split per-family and written into the cache.
type queryResult struct {
	addrs    []netip.Addr
	ttl      time.Duration
	negative bool
}

// errAllServersFailed is returned (unwrapped, never cached) when every
// configured server timed out or was unreachable. Timeouts are never
// cached, negative or otherwise.
type errAllServersFailed struct{ cause error }

func (e *errAllServersFailed) Error() string { return "all dns servers failed: " + e.cause.Error() }
func (e *errAllServersFailed) Unwrap() error  { return e.cause }

// queryName resolves name for a single record type (A or AAAA), following
// CNAME chains, trying each configured server in order on a transport
// error or timeout, and falling back to TCP when the UDP answer is
// truncated. A SERVFAIL response re-sends the query, starting again from
// the first server; each such retry counts against maxCNAMEDepth.
func (r *Resolver) queryName(ctx context.Context, name string, qtype uint16) (queryResult, error) {
	servers := r.opts.Servers
	if len(servers) == 0 {
		return queryResult{}, rpcerr.New(component, "no name servers configured").WithKind(rpcerr.KindInvalidConfig)
	}

	current := dnslib.Fqdn(name)
	var errs []error

	for depth := 0; depth <= maxCNAMEDepth; depth++ {
		msg := new(dnslib.Msg)
		msg.SetQuestion(current, qtype)
		msg.RecursionDesired = true

		resp, server, err := r.exchangeAnyServer(ctx, msg, servers)
		if err != nil {
			return queryResult{}, &errAllServersFailed{cause: err}
		}
		r.opts.Metrics.QueryWritten(name, server)

		switch resp.Rcode {
		case dnslib.RcodeNameError:
			r.opts.Metrics.Query("resolve", name, "nxdomain")
			return queryResult{negative: true, ttl: r.opts.NegativeTTL}, nil
		case dnslib.RcodeNotZone:
			r.opts.Metrics.Query("resolve", name, "notzone")
			return queryResult{negative: true, ttl: r.opts.NegativeTTL}, nil
		case dnslib.RcodeServerFailure:
			errs = append(errs, rpcerr.Newf(component, "SERVFAIL from %s", server))
			continue
		case dnslib.RcodeSuccess:
			// fallthrough to record extraction below
		default:
			r.opts.Metrics.NoAnswer(dnslib.RcodeToString[resp.Rcode], name)
			errs = append(errs, rpcerr.Newf(component, "rcode %d from %s", resp.Rcode, server))
			continue
		}

		addrs, ttl, cname, ok := extractAnswers(resp, qtype)
		if cname != "" {
			r.opts.Metrics.Cnamed(cname, name)
			current = dnslib.Fqdn(cname)
			continue
		}
		if !ok || len(addrs) == 0 {
			r.opts.Metrics.NoAnswer("NOERROR", name)
			return queryResult{negative: true, ttl: r.opts.NegativeTTL}, nil
		}

		r.opts.Metrics.Query("resolve", name, "ok")
		return queryResult{addrs: addrs, ttl: ttl}, nil
	}

	return queryResult{}, rpcerr.Newf(component, "cname chain too deep resolving %s", name).
		Base(rpcerr.Combine(errs...)).WithKind(rpcerr.KindProcessedFailure)
}

// exchangeAnyServer tries each server in order, retrying on timeout/SERVFAIL
// transport errors (not on a valid SERVFAIL *response*, which the caller
// handles itself so it can move to the next CNAME-chain-safe retry).
func (r *Resolver) exchangeAnyServer(ctx context.Context, msg *dnslib.Msg, servers []string) (*dnslib.Msg, string, error) {
	client := &dnslib.Client{Timeout: r.opts.QueryTimeout, Net: "udp"}

	var lastErr error
	for _, server := range servers {
		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Truncated {
			tcpClient := &dnslib.Client{Timeout: r.opts.QueryTimeout, Net: "tcp"}
			tcpResp, _, tcpErr := tcpClient.ExchangeContext(ctx, msg, server)
			if tcpErr == nil {
				return tcpResp, server, nil
			}
			lastErr = tcpErr
			continue
		}
		return resp, server, nil
	}
	return nil, "", lastErr
}

// extractAnswers pulls A/AAAA addresses (or the next CNAME target) out of a
// successful response, returning the minimum TTL seen.
func extractAnswers(resp *dnslib.Msg, qtype uint16) (addrs []netip.Addr, ttl time.Duration, cname string, ok bool) {
	minTTL := uint32(0)
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dnslib.A:
			if addr, ok2 := netip.AddrFromSlice(rec.A.To4()); ok2 {
				addrs = append(addrs, addr)
			}
			ok = true
		case *dnslib.AAAA:
			if addr, ok2 := netip.AddrFromSlice(rec.AAAA.To16()); ok2 {
				addrs = append(addrs, addr)
			}
			ok = true
		case *dnslib.CNAME:
			if len(addrs) == 0 {
				cname = strings.TrimSuffix(rec.Target, ".")
			}
			continue
		default:
			continue
		}
		if minTTL == 0 || rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
		}
	}
	if minTTL == 0 {
		minTTL = 30
	}
	return addrs, time.Duration(minTTL) * time.Second, cname, ok
}
