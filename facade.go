package acmclient

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bxjs/acm-client/internal/metrics"
	"github.com/bxjs/acm-client/internal/serverlist"
	"github.com/bxjs/acm-client/internal/snapshot"
	"github.com/bxjs/acm-client/internal/unitclient"
	"github.com/bxjs/acm-client/transport"
)

// Client is the Multi-Unit Façade (§4.6): a lazily populated registry of
// per-unit UnitClients sharing one server list manager, one snapshot store,
// one transport and one set of credentials.
type Client struct {
	opts Options

	transport  transport.Transport
	snapshot   *snapshot.Store
	serverList *serverlist.Manager
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	log        *logrus.Logger

	events chan error

	mu      sync.Mutex
	clients map[string]*unitclient.UnitClient
	closed  bool
}

// New builds a Client. The server list manager's background refresh loop
// starts immediately; no unit client is created until first use.
func New(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = defaultLogger()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	events := make(chan error, 256)
	reporter := func(err error) {
		if err == nil {
			return
		}
		// Deferred to a later goroutine scheduling so a slow or re-entrant
		// consumer of Errors() can never destabilize the reporting
		// component (§6 "Observable events").
		go func() {
			select {
			case events <- err:
			default:
				log.WithError(err).Warn("acmclient: event channel full, dropping error")
			}
		}()
	}

	tp := transport.Default(transport.Options{InsecureSkipVerify: opts.sslEnabled()})

	snap := snapshot.New(filepath.Join(opts.CacheDir, "snapshot"), func(err error) { reporter(err) })

	sl := serverlist.New(serverlist.Config{
		Endpoint:        opts.Endpoint,
		Transport:       tp,
		Snapshot:        snap,
		RequestTimeout:  opts.RequestTimeout,
		RefreshInterval: opts.RefreshInterval,
		Reporter:        func(err error) { reporter(err) },
		Metrics:         m,
		Logger:          log,
	})

	return &Client{
		opts:       opts,
		transport:  tp,
		snapshot:   snap,
		serverList: sl,
		metrics:    m,
		registry:   registry,
		log:        log,
		events:     events,
		clients:    make(map[string]*unitclient.UnitClient),
	}, nil
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Errors returns the single observable event stream (§6): every tagged
// error reported by any sub-component, delivered asynchronously.
func (f *Client) Errors() <-chan error {
	return f.events
}

// Metrics exposes the client's Prometheus collectors for an embedding
// service to merge into its own registry/gatherer.
func (f *Client) Metrics() *prometheus.Registry {
	return f.registry
}

// UnitClient returns (lazily creating, if necessary) the UnitClient for
// unit. unit == "" addresses the caller's own deployment unit, resolved via
// the Server List Manager's current-unit endpoint.
func (f *Client) UnitClient(ctx context.Context, unit string) (*unitclient.UnitClient, error) {
	key := unit
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errClosed
	}
	if existing, ok := f.clients[key]; ok {
		f.mu.Unlock()
		return existing, nil
	}
	f.mu.Unlock()

	uc := unitclient.New(unitclient.Config{
		Unit:           unit,
		Tenant:         f.opts.Namespace,
		AccessKey:      f.opts.AccessKey,
		SecretKey:      f.opts.SecretKey,
		AppName:        f.opts.AppName,
		SSL:            f.opts.sslEnabled(),
		RequestTimeout: f.opts.RequestTimeout,
		Transport:      f.transport,
		ServerList:     f.serverList,
		Snapshot:       f.snapshot,
		Reporter:       func(err error) { f.report(err) },
		Metrics:        f.metrics,
		Logger:         f.log,
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		uc.Close()
		return nil, errClosed
	}
	// Another goroutine may have raced us to create the same unit's client;
	// keep whichever was installed first so callers always observe one
	// UnitClient per unit.
	if existing, ok := f.clients[key]; ok {
		uc.Close()
		return existing, nil
	}
	f.clients[key] = uc
	return uc, nil
}

func (f *Client) report(err error) {
	if err == nil {
		return
	}
	go func() {
		select {
		case f.events <- err:
		default:
		}
	}()
}

// Units enumerates every unit name known to the discovery endpoint.
func (f *Client) Units(ctx context.Context) ([]string, error) {
	return f.serverList.FetchUnitLists(ctx)
}

// PublishToAllUnit fans publishSingle out to every unit enumerated via the
// Server List Manager, in parallel; it only succeeds if every unit's write
// succeeds (§4.4).
func (f *Client) PublishToAllUnit(ctx context.Context, dataID, group string, content []byte) error {
	units, err := f.Units(ctx)
	if err != nil {
		return err
	}
	return f.fanOut(ctx, units, func(ctx context.Context, uc *unitclient.UnitClient) error {
		return uc.PublishSingle(ctx, dataID, group, content)
	})
}

// RemoveToAllUnit fans remove out to every unit enumerated via the Server
// List Manager, in parallel; it only succeeds if every unit's write
// succeeds (§4.4).
func (f *Client) RemoveToAllUnit(ctx context.Context, dataID, group string) error {
	units, err := f.Units(ctx)
	if err != nil {
		return err
	}
	return f.fanOut(ctx, units, func(ctx context.Context, uc *unitclient.UnitClient) error {
		return uc.Remove(ctx, dataID, group)
	})
}

func (f *Client) fanOut(ctx context.Context, units []string, op func(context.Context, *unitclient.UnitClient) error) error {
	type result struct {
		unit string
		err  error
	}
	results := make(chan result, len(units))

	for _, unit := range units {
		unit := unit
		go func() {
			uc, err := f.UnitClient(ctx, unit)
			if err != nil {
				results <- result{unit, err}
				return
			}
			results <- result{unit, op(ctx, uc)}
		}()
	}

	var firstErr error
	for range units {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return firstErr
}

// Close stops the server list manager and every known UnitClient, then
// clears the registry. Destruction proceeds strictly façade-downward: no
// cyclic teardown is required (§9).
func (f *Client) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	clients := make([]*unitclient.UnitClient, 0, len(f.clients))
	for _, uc := range f.clients {
		clients = append(clients, uc)
	}
	f.clients = nil
	f.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(clients))
	for _, uc := range clients {
		uc := uc
		go func() {
			defer wg.Done()
			uc.Close()
		}()
	}
	wg.Wait()

	f.serverList.Close()
	close(f.events)
}
