package rpcclient

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtls-httpcore/rpcx/internal/endpoint"
	"github.com/xtls-httpcore/rpcx/pkg/client"
	"github.com/xtls-httpcore/rpcx/pkg/reqctx"
)

// pipeDialer hands out one end of a net.Pipe() per Dial call, running
// fn on the other end to play the server role.
type pipeDialer struct {
	fn func(net.Conn)
}

func (d *pipeDialer) Dial(_ context.Context, _ netip.Addr, _ netip.Addr, _ uint16) (net.Conn, error) {
	c, s := net.Pipe()
	go d.fn(s)
	return c, nil
}

func staticEndpointGroup(t *testing.T, port uint16) endpoint.Group {
	t.Helper()
	ep, err := endpoint.New("127.0.0.1", port)
	require.NoError(t, err)
	return endpoint.NewStatic(nil, ep)
}

func serveOneH1(t *testing.T, status string) func(net.Conn) {
	t.Helper()
	return func(conn net.Conn) {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()
		conn.Write([]byte("HTTP/1.1 " + status + "\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	}
}

func TestWebClientExecuteH1RoundTrip(t *testing.T) {
	f := NewClientFactory(FactoryOptions{Dialer: &pipeDialer{fn: serveOneH1(t, "200 OK")}})
	defer f.Close()

	group := staticEndpointGroup(t, 8080)
	wc, err := f.NewWebClient(WebClientOptions{
		Preprocessors: []client.Preprocessor{client.Of(reqctx.SessionH1C, group, "")},
		RetryOptions:  client.RetryOptions{MaxTotalAttempts: 1},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := wc.Get(ctx, "/widgets/{id}", map[string]string{"id": "42"}, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebClientExecuteSurfacesServerErrorWithoutGroupRetry(t *testing.T) {
	f := NewClientFactory(FactoryOptions{Dialer: &pipeDialer{fn: serveOneH1(t, "500 Internal Server Error")}})
	defer f.Close()

	group := staticEndpointGroup(t, 8081)
	wc, err := f.NewWebClient(WebClientOptions{
		Preprocessors: []client.Preprocessor{client.Of(reqctx.SessionH1C, group, "")},
		RetryOptions:  client.RetryOptions{MaxTotalAttempts: 1, Rule: client.OnServerError(0)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := wc.Get(ctx, "/", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWebClientExecuteAppliesEndpointRemapper(t *testing.T) {
	f := NewClientFactory(FactoryOptions{Dialer: &pipeDialer{fn: serveOneH1(t, "200 OK")}})
	defer f.Close()

	realGroup := staticEndpointGroup(t, 8082)
	placeholderGroup := staticEndpointGroup(t, 1) // never dialed: always remapped away

	remapped := false
	wc, err := f.NewWebClient(WebClientOptions{
		Preprocessors: []client.Preprocessor{client.Of(reqctx.SessionH1C, placeholderGroup, "")},
		RetryOptions:  client.RetryOptions{MaxTotalAttempts: 1},
		EndpointRemapper: func(endpoint.Endpoint) (endpoint.Group, bool) {
			remapped = true
			return realGroup, true
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := wc.Get(ctx, "/", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, remapped)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewWebClientRejectsMalformedBaseURI(t *testing.T) {
	f := NewClientFactory(FactoryOptions{})
	defer f.Close()

	_, err := f.NewWebClient(WebClientOptions{BaseURI: "ftp://example.com"})
	assert.Error(t, err)
}

func TestAcquireConnFailsFastAfterClose(t *testing.T) {
	f := NewClientFactory(FactoryOptions{})
	require.NoError(t, f.Close())

	group := staticEndpointGroup(t, 9090)
	ctx := reqctx.New(context.Background(), "GET", "/", reqctx.SessionH1C, group, 0, 0)
	ep, err := group.Select("")
	require.NoError(t, err)
	ctx.Endpoint = ep

	_, err = f.acquireConn(ctx)
	assert.Equal(t, ErrFactoryClosed, err)
}
