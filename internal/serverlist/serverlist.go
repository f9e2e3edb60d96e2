// Package serverlist implements the Server List Manager (§4.2): per-unit
// discovery against the clustering endpoint, round-robin host selection,
// a background refresh loop, and snapshot-backed fallback when discovery is
// unreachable.
package serverlist

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	acmerrors "github.com/bxjs/acm-client/errors"
	"github.com/bxjs/acm-client/internal/metrics"
	"github.com/bxjs/acm-client/internal/snapshot"
	"github.com/bxjs/acm-client/transport"
	"github.com/bxjs/acm-client/internal/wire"

	"github.com/sirupsen/logrus"
)

const (
	pathCurrentUnit = "/diamond-server/diamond"
	pathNamedUnitFmt = "/diamond-server/diamond-unit-%s?nofix=1"
	pathUnitList    = "/diamond-server/unit-list?nofix=1"
	pathEnv         = "/env"
)

// Reporter receives tagged errors observed by the manager. It must not block.
type Reporter func(error)

// pool is a ServerPool: an ordered host list plus a round-robin cursor. A
// nil *pool stored under a unit key means "we tried and failed but still
// want this unit refreshed on the next tick" (§3).
type pool struct {
	hosts []string
	index int
}

func newPool(hosts []string) *pool {
	p := &pool{hosts: hosts}
	if len(hosts) > 0 {
		p.index = rand.Intn(len(hosts))
	}
	return p
}

func (p *pool) next() string {
	if p == nil || len(p.hosts) == 0 {
		return ""
	}
	host := p.hosts[p.index%len(p.hosts)]
	p.index = (p.index + 1) % len(p.hosts)
	return host
}

// Manager is the Server List Manager. One Manager is shared by every unit
// client created off the same Facade.
type Manager struct {
	endpoint        string
	transport       transport.Transport
	snapshot        *snapshot.Store
	requestTimeout  time.Duration
	refreshInterval time.Duration
	reporter        Reporter
	metrics         *metrics.Metrics
	log             *logrus.Logger

	mu           sync.Mutex
	cache        map[string]*pool
	currentUnit  *string

	closed   bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config configures a Manager.
type Config struct {
	Endpoint        string
	Transport       transport.Transport
	Snapshot        *snapshot.Store
	RequestTimeout  time.Duration
	RefreshInterval time.Duration
	Reporter        Reporter
	Metrics         *metrics.Metrics
	Logger          *logrus.Logger
}

// New builds a Manager and starts its background refresh loop.
func New(cfg Config) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 6000 * time.Millisecond
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.Reporter == nil {
		cfg.Reporter = func(error) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	m := &Manager{
		endpoint:        cfg.Endpoint,
		transport:       cfg.Transport,
		snapshot:        cfg.Snapshot,
		requestTimeout:  cfg.RequestTimeout,
		refreshInterval: cfg.RefreshInterval,
		reporter:        cfg.Reporter,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		cache:           make(map[string]*pool),
		stopCh:          make(chan struct{}),
	}

	m.wg.Add(1)
	go m.refreshLoop()

	return m
}

// GetOne returns the next host for unit in round-robin order. unit == ""
// addresses the caller's own deployment unit. On the first access for a
// unit it fetches synchronously; if no host can be obtained anywhere, it
// returns an error and keeps the unit on the refresh roster.
func (m *Manager) GetOne(ctx context.Context, unit string) (string, error) {
	m.mu.Lock()
	p, known := m.cache[unit]
	m.mu.Unlock()

	if !known {
		p = m.fetchAndStore(ctx, unit)
	}

	m.mu.Lock()
	host := p.next()
	m.mu.Unlock()
	if host == "" {
		return "", acmerrors.ServerUnavailable(unit)
	}
	return host, nil
}

// fetchAndStore fetches the host list for unit, falling back to the
// snapshot on failure, and always leaves a (possibly nil) entry in cache so
// the unit stays on the refresh roster.
func (m *Manager) fetchAndStore(ctx context.Context, unit string) *pool {
	hosts, err := m.fetchHosts(ctx, unit)
	if err != nil {
		m.reporter(acmerrors.UpdateServers(unit, err))
		if m.metrics != nil {
			m.metrics.ServerRefreshFailures.WithLabelValues(labelUnit(unit)).Inc()
		}
		hosts = m.loadSnapshot(unit)
	} else {
		m.saveSnapshot(unit, hosts)
	}

	var p *pool
	if len(hosts) > 0 {
		p = newPool(hosts)
	}

	m.mu.Lock()
	m.cache[unit] = p
	m.mu.Unlock()

	return p
}

func (m *Manager) fetchHosts(ctx context.Context, unit string) ([]string, error) {
	var path string
	if unit == "" {
		path = pathCurrentUnit
	} else {
		path = fmt.Sprintf(pathNamedUnitFmt, url.PathEscape(unit))
	}
	return m.fetchHostList(ctx, path)
}

func (m *Manager) fetchHostList(ctx context.Context, path string) ([]string, error) {
	reqURL := "http://" + m.endpoint + path
	resp, err := m.transport.Do(ctx, transport.Request{
		Method:  "GET",
		URL:     reqURL,
		Timeout: m.requestTimeout,
	})
	if err != nil {
		return nil, acmerrors.ServerResponse(err, reqURL, nil, nil)
	}
	if resp.Status != 200 {
		return nil, acmerrors.ServerResponse(fmt.Errorf("unexpected status %d", resp.Status), reqURL, resp.Data, nil)
	}

	hosts := parseHostList(resp.Data)
	if len(hosts) == 0 {
		return nil, acmerrors.ServerHostEmpty(path)
	}
	return hosts, nil
}

func parseHostList(body []byte) []string {
	lines := strings.Split(string(body), "\n")
	hosts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts
}

// FetchUnitLists enumerates every known unit name via the discovery endpoint.
func (m *Manager) FetchUnitLists(ctx context.Context) ([]string, error) {
	return m.fetchHostList(ctx, pathUnitList)
}

// GetCurrentUnit returns the caller's own unit name, resolved at most once
// per Manager lifetime.
func (m *Manager) GetCurrentUnit(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.currentUnit != nil {
		unit := *m.currentUnit
		m.mu.Unlock()
		return unit, nil
	}
	m.mu.Unlock()

	reqURL := "http://" + m.endpoint + pathEnv
	resp, err := m.transport.Do(ctx, transport.Request{Method: "GET", URL: reqURL, Timeout: m.requestTimeout})
	if err != nil {
		return "", acmerrors.ServerResponse(err, reqURL, nil, nil)
	}
	if resp.Status != 200 {
		return "", acmerrors.ServerResponse(fmt.Errorf("unexpected status %d", resp.Status), reqURL, resp.Data, nil)
	}

	unit := strings.TrimSpace(string(resp.Data))
	m.mu.Lock()
	m.currentUnit = &unit
	m.mu.Unlock()
	return unit, nil
}

func (m *Manager) loadSnapshot(unit string) []string {
	if m.snapshot == nil {
		return nil
	}
	raw := m.snapshot.Get(wire.ServerListSnapshotKey(unit))
	if raw == nil {
		return nil
	}
	var hosts []string
	if err := json.Unmarshal(raw, &hosts); err != nil {
		m.reporter(acmerrors.ServerListSnapshotParse(unit, err))
		m.snapshot.Delete(wire.ServerListSnapshotKey(unit))
		return nil
	}
	return hosts
}

func (m *Manager) saveSnapshot(unit string, hosts []string) {
	if m.snapshot == nil {
		return
	}
	data, err := json.Marshal(hosts)
	if err != nil {
		return
	}
	m.snapshot.Save(wire.ServerListSnapshotKey(unit), data)
}

// refreshLoop re-fetches every unit that has ever been asked for (including
// null entries) on every tick, in parallel, forever, until Close.
func (m *Manager) refreshLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refreshAllKnownUnits()
		}
	}
}

func (m *Manager) refreshAllKnownUnits() {
	m.mu.Lock()
	units := make([]string, 0, len(m.cache))
	for unit := range m.cache {
		units = append(units, unit)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(units))
	for _, unit := range units {
		unit := unit
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
			defer cancel()
			m.fetchAndStore(ctx, unit)
		}()
	}
	wg.Wait()
}

// Close stops the background refresh loop on its next tick.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func labelUnit(unit string) string {
	if unit == "" {
		return "default"
	}
	return unit
}
