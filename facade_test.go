package acmclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bxjs/acm-client/internal/serverlist"
	"github.com/bxjs/acm-client/transport"
)

// fakeTransport is a minimal Transport double shared by this package's
// tests: handlers are looked up by "METHOD path", query string ignored.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]func(transport.Request) (transport.Response, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(transport.Request) (transport.Response, error))}
}

func (f *fakeTransport) handle(method, path string, fn func(transport.Request) (transport.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method+" "+path] = fn
}

func (f *fakeTransport) Do(_ context.Context, req transport.Request) (transport.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return transport.Response{}, err
	}
	f.mu.Lock()
	fn, ok := f.handlers[req.Method+" "+u.Path]
	f.mu.Unlock()
	if !ok {
		return transport.Response{}, fmt.Errorf("fakeTransport: no handler for %s %s", req.Method, u.Path)
	}
	return fn(req)
}

func newTestOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Endpoint:        "disco:8080",
		Namespace:       "tenant1",
		AccessKey:       "ak",
		SecretKey:       "sk",
		RequestTimeout:  time.Second,
		RefreshInterval: time.Hour,
		CacheDir:        t.TempDir(),
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

// newTestClient builds a *Client wired to ft in place of the real
// transport.Default(...): the unit clients' transport and the server list
// manager both use ft, so tests never make a real network call.
func newTestClient(t *testing.T, ft *fakeTransport, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	c.transport = ft
	c.serverList.Close()
	c.serverList = serverlist.New(serverlist.Config{
		Endpoint:        c.opts.Endpoint,
		Transport:       ft,
		Snapshot:        c.snapshot,
		RequestTimeout:  c.opts.RequestTimeout,
		RefreshInterval: c.opts.RefreshInterval,
		Reporter:        c.report,
		Metrics:         c.metrics,
		Logger:          c.log,
	})
	t.Cleanup(c.Close)
	return c
}

func TestUnitClientIsLazyAndMemoized(t *testing.T) {
	ft := newFakeTransport()
	ft.handle("GET", "/diamond-server/diamond", func(transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200, Data: []byte("127.0.0.1:8848\n")}, nil
	})

	c := newTestClient(t, ft, newTestOptions(t))

	assert.Empty(t, c.clients)

	uc1, err := c.UnitClient(context.Background(), "")
	require.NoError(t, err)
	uc2, err := c.UnitClient(context.Background(), "")
	require.NoError(t, err)

	assert.Same(t, uc1, uc2)
	assert.Len(t, c.clients, 1)
}

func TestUnitClientAfterCloseErrors(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft, newTestOptions(t))
	c.Close()

	_, err := c.UnitClient(context.Background(), "")
	assert.Error(t, err)
}

func TestPublishToAllUnitRequiresEverySucceed(t *testing.T) {
	ft := newFakeTransport()
	ft.handle("GET", "/diamond-server/diamond", func(transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200, Data: []byte("127.0.0.1:8848\n")}, nil
	})
	for _, unit := range []string{"cn-hangzhou", "cn-beijing"} {
		ft.handle("GET", "/diamond-server/diamond-unit-"+unit, func(transport.Request) (transport.Response, error) {
			return transport.Response{Status: 200, Data: []byte("127.0.0.1:8848\n")}, nil
		})
	}
	ft.handle("GET", "/diamond-server/unit-list", func(transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200, Data: []byte("cn-hangzhou\ncn-beijing\n")}, nil
	})

	var mu sync.Mutex
	var published []string
	ft.handle("POST", "/diamond-server/basestone.do", func(req transport.Request) (transport.Response, error) {
		mu.Lock()
		published = append(published, req.URL)
		mu.Unlock()
		return transport.Response{Status: 200}, nil
	})

	c := newTestClient(t, ft, newTestOptions(t))

	err := c.PublishToAllUnit(context.Background(), "app.properties", "DEFAULT_GROUP", []byte("v"))
	require.NoError(t, err)
	assert.Len(t, published, 2)
}

func TestPublishToAllUnitFailsIfAnyUnitFails(t *testing.T) {
	ft := newFakeTransport()
	ft.handle("GET", "/diamond-server/diamond-unit-cn-hangzhou", func(transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200, Data: []byte("127.0.0.1:8848\n")}, nil
	})
	ft.handle("GET", "/diamond-server/diamond-unit-cn-beijing", func(transport.Request) (transport.Response, error) {
		return transport.Response{Status: 500}, nil
	})
	ft.handle("GET", "/diamond-server/unit-list", func(transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200, Data: []byte("cn-hangzhou\ncn-beijing\n")}, nil
	})
	ft.handle("POST", "/diamond-server/basestone.do", func(req transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200}, nil
	})

	c := newTestClient(t, ft, newTestOptions(t))

	err := c.PublishToAllUnit(context.Background(), "app.properties", "DEFAULT_GROUP", []byte("v"))
	assert.Error(t, err)
}

func TestErrorsChannelReceivesReportedEvents(t *testing.T) {
	ft := newFakeTransport()
	ft.handle("GET", "/diamond-server/diamond", func(transport.Request) (transport.Response, error) {
		return transport.Response{Status: 500}, nil
	})

	c := newTestClient(t, ft, newTestOptions(t))

	_, err := c.UnitClient(context.Background(), "")
	require.NoError(t, err)
	_, err = c.serverList.GetOne(context.Background(), "")
	require.Error(t, err)

	select {
	case evt := <-c.Errors():
		assert.Error(t, evt)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a reported event")
	}
}

func TestCloseStopsEverythingAndIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	ft.handle("GET", "/diamond-server/diamond", func(transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200, Data: []byte("127.0.0.1:8848\n")}, nil
	})

	c := newTestClient(t, ft, newTestOptions(t))
	_, err := c.UnitClient(context.Background(), "")
	require.NoError(t, err)

	c.Close()
	assert.NotPanics(t, c.Close)
}
