package h2

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/xtls-httpcore/rpcx/internal/protocol/h1"
)

var errUnknownMode = errors.New("h2: unknown negotiation mode")

// Mode selects how an H1C connection attempts to become H2C.
type Mode int

const (
	// PriorKnowledge sends the HTTP/2 client preface immediately, with no
	// prior HTTP/1.1 exchange. Requires the peer to be known (or assumed)
	// to speak H2C already.
	PriorKnowledge Mode = iota
	// HTTPUpgrade sends the original request as HTTP/1.1 with an
	// Upgrade: h2c header, switching protocols on a 101 response.
	HTTPUpgrade
)

// Result reports the outcome of a negotiation attempt.
type Result struct {
	// Conn is set when negotiation produced a usable HTTP/2 connection.
	Conn interface{ Close() error }
	// FellBack is true when the peer rejected the upgrade or preface and
	// the connection must be treated (or redialed) as plain H1C.
	FellBack bool
	// FallbackResponse is the real HTTP/1.1 response to the original
	// request when FellBack is true and mode was HTTPUpgrade: the 501
	// that rejected the upgrade is not the request's answer, so the
	// request is transparently replayed over plain H1 once, and that
	// response is returned here. The caller's decorator chain is never
	// re-entered for this replay.
	FallbackResponse *h1.Response
}

// Negotiate attempts to establish HTTP/2 over conn per mode. pool caches
// the resulting *http2.ClientConn under key for reuse by later requests.
// upgradeReq is the original H1C-shaped request, used both to carry the
// Upgrade header (mode==HTTPUpgrade) and, on fallback, to be replayed as
// plain H1/1.1.
func Negotiate(ctx context.Context, pool *ConnPool, key string, conn net.Conn, mode Mode, upgradeReq *h1.Request) (Result, error) {
	switch mode {
	case PriorKnowledge:
		cc, err := pool.Promote(key, conn)
		if err != nil {
			// A botched preface leaves the byte stream unrecoverable for
			// H1 framing too; the caller must redial before falling back.
			return Result{FellBack: true}, err
		}
		return Result{Conn: cc}, nil

	case HTTPUpgrade:
		return negotiateUpgrade(ctx, pool, key, conn, upgradeReq)

	default:
		return Result{}, errUnknownMode
	}
}

// errBodyNotReplayable is returned when HTTPUpgrade negotiation needs to
// replay upgradeReq's body (because the upgrade probe itself consumed
// it) but the body does not support seeking back to its start. Callers
// with a non-seekable streamed body should use PriorKnowledge instead,
// or buffer the body before attempting an upgrade.
var errBodyNotReplayable = errors.New("h2: request body is not replayable for H1C upgrade fallback")

func negotiateUpgrade(ctx context.Context, pool *ConnPool, key string, conn net.Conn, upgradeReq *h1.Request) (Result, error) {
	var seeker io.Seeker
	if upgradeReq.Body != nil {
		s, ok := upgradeReq.Body.(io.Seeker)
		if !ok {
			return Result{}, errBodyNotReplayable
		}
		seeker = s
	}

	header := upgradeReq.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Connection", "Upgrade, HTTP2-Settings")
	header.Set("Upgrade", "h2c")
	header.Set("HTTP2-Settings", base64.RawURLEncoding.EncodeToString(nil))

	probe := *upgradeReq
	probe.Header = header

	eng := h1.New(conn)
	resp, err := eng.Do(ctx, &probe)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		cc, err := pool.Promote(key, conn)
		if err != nil {
			return Result{FellBack: true}, err
		}
		return Result{Conn: cc}, nil
	}

	if resp.StatusCode == http.StatusNotImplemented {
		resp.Body.Close()
		if seeker != nil {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return Result{}, err
			}
		}
		plain := *upgradeReq
		plainResp, err := eng.Do(ctx, &plain)
		if err != nil {
			return Result{}, err
		}
		return Result{FellBack: true, FallbackResponse: plainResp}, nil
	}

	// Peer answered the upgrade probe directly (ignored the Upgrade
	// header and processed the request as ordinary H1): that response is
	// the real answer, and no replay is needed.
	return Result{FellBack: true, FallbackResponse: resp}, nil
}
