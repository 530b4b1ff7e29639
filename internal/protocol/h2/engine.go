package h2

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/net/http2"
)

// ErrRefusedStream classifies a REFUSED_STREAM reset: the request never
// started processing and is safe to retry on a different connection.
var ErrRefusedStream = errors.New("h2: stream refused by peer")

// Do issues req over cc, attaching ctx so stream-level cancellation (e.g.
// the caller aborting a response-timeout) reaches http2's RoundTrip and
// results in RST_STREAM(CANCEL).
func Do(ctx context.Context, cc *http2.ClientConn, req *http.Request) (*http.Response, error) {
	resp, err := cc.RoundTrip(req.WithContext(ctx))
	if err != nil {
		if isRefusedStream(err) {
			return nil, ErrRefusedStream
		}
		return nil, err
	}
	return resp, nil
}

// isRefusedStream reports whether err represents a REFUSED_STREAM reset
// (RST_STREAM code 7), which the peer sends for streams it never started
// acting on — the request is unconditionally safe to retry elsewhere.
func isRefusedStream(err error) bool {
	var se http2.StreamError
	if errors.As(err, &se) {
		return se.Code == http2.ErrCodeRefusedStream
	}
	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		return goAway.ErrCode == http2.ErrCodeRefusedStream
	}
	return false
}
