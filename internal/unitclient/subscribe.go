package unitclient

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	acmerrors "github.com/bxjs/acm-client/errors"
	"github.com/bxjs/acm-client/internal/wire"
)

const (
	longPollTimeout       = 40000 * time.Millisecond
	longPollErrorCooldown = 2 * time.Second
	maxConcurrentSyncs    = 5
)

func subKey(dataID, group string) string {
	return dataID + "@" + group
}

// Subscribe registers listener for (dataId, group), per §4.5. A new
// (dataId, group) primes a fresh Subscription and runs its initial sync
// before the long-polling loop is (re)started; re-subscribing to a key that
// already has an accepted value delivers that value to the new listener
// alone, deferred to a later goroutine scheduling. The returned func removes
// exactly this listener.
func (c *UnitClient) Subscribe(dataID, group string, listener Listener) (unsubscribe func()) {
	key := subKey(dataID, group)

	c.mu.Lock()
	sub, exists := c.subs[key]
	if !exists {
		sub = newSubscription(dataID, group)
		c.subs[key] = sub
	}
	closed := c.closed
	c.mu.Unlock()

	id := sub.addListener(listener)

	if closed {
		return func() {}
	}

	if !exists {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.syncConfigs(context.Background(), []*subscription{sub})
			c.ensureLongPolling()
		}()
	} else if hasMD5, _, content := sub.snapshotState(); hasMD5 {
		go func() {
			if l, ok := sub.singleListener(id); ok {
				l(content)
			}
		}()
	}

	return func() { c.unsubscribeOne(key, sub, id) }
}

// UnsubscribeAll removes every listener for (dataId, group) and drops the
// Subscription from the polling set.
func (c *UnitClient) UnsubscribeAll(dataID, group string) {
	key := subKey(dataID, group)
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		sub.removeAllListeners()
	}
}

func (c *UnitClient) unsubscribeOne(key string, sub *subscription, id uint64) {
	if remaining := sub.removeListener(id); remaining == 0 {
		c.mu.Lock()
		// only drop it if nobody re-subscribed to the same key in between
		if cur, ok := c.subs[key]; ok && cur == sub && cur.listenerCount() == 0 {
			delete(c.subs, key)
		}
		c.mu.Unlock()
	}
}

// SubscribedKeys reports the (dataId, group) pairs currently tracked.
func (c *UnitClient) SubscribedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ListenerCount reports how many listeners are registered for (dataId, group).
func (c *UnitClient) ListenerCount(dataID, group string) int {
	c.mu.Lock()
	sub, ok := c.subs[subKey(dataID, group)]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return sub.listenerCount()
}

// ensureLongPolling starts the long-polling loop if it is not already
// running; the re-entrancy guard is the polling bool owned by this client.
func (c *UnitClient) ensureLongPolling() {
	c.mu.Lock()
	if c.polling || c.closed {
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.longPollLoop()
}

func (c *UnitClient) longPollLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.polling = false
		c.mu.Unlock()
	}()

	for {
		if c.isClosed() {
			return
		}
		subs := c.currentSubs()
		if len(subs) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), longPollTimeout)
		changed, err := c.probeUpdate(ctx, subs)
		cancel()

		if err != nil {
			c.reporter(acmerrors.LongPolling(err))
			if c.metrics != nil {
				c.metrics.LongPollErrorsTotal.WithLabelValues(labelUnit(c.unit)).Inc()
			}
			select {
			case <-c.closeCh:
				return
			case <-time.After(longPollErrorCooldown):
			}
			continue
		}

		if len(changed) == 0 {
			continue
		}

		toSync := make([]*subscription, 0, len(changed))
		c.mu.Lock()
		for _, ch := range changed {
			if s, ok := c.subs[subKey(ch.dataID, ch.group)]; ok {
				toSync = append(toSync, s)
			}
		}
		c.mu.Unlock()

		if len(toSync) > 0 {
			c.syncConfigs(context.Background(), toSync)
		}
	}
}

func (c *UnitClient) currentSubs() []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*subscription, 0, len(c.subs))
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, c.subs[k])
	}
	return out
}

func (c *UnitClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// probeKey identifies one changed (dataId, group) pair reported by the server.
type probeKey struct {
	dataID string
	group  string
}

// buildProbeRequest walks subs in order and produces the concatenated
// Probe-Modify-Request body of §4.5.
func buildProbeRequest(subs []*subscription, tenant string) string {
	var b strings.Builder
	for _, s := range subs {
		// The wire value for "no value accepted yet" is simply the empty
		// string; the server treats an empty md5 as always-stale.
		_, md5, _ := s.snapshotState()
		b.WriteString(s.dataID)
		b.WriteString(wire.WordSep)
		b.WriteString(s.group)
		b.WriteString(wire.WordSep)
		b.WriteString(md5)
		if tenant != "" {
			b.WriteString(wire.WordSep)
			b.WriteString(tenant)
		}
		b.WriteString(wire.LineSep)
	}
	return b.String()
}

// parseProbeResponse URL-decodes body, splits on LineSep, and extracts the
// (dataId, group) pair from the first two WordSep-delimited fields of each
// non-empty segment. A decode failure is surfaced to the caller as an error
// rather than panicking (§9 Open Questions).
func parseProbeResponse(body []byte) ([]probeKey, error) {
	decoded, err := url.QueryUnescape(string(body))
	if err != nil {
		return nil, err
	}

	var keys []probeKey
	for _, segment := range strings.Split(decoded, wire.LineSep) {
		if segment == "" {
			continue
		}
		fields := strings.Split(segment, wire.WordSep)
		if len(fields) < 2 {
			continue
		}
		keys = append(keys, probeKey{dataID: fields[0], group: fields[1]})
	}
	return keys, nil
}

// probeUpdate issues the long-poll request itself: POST /config.co with a
// single Probe-Modify-Request form field, a 30s server-side hold advertised
// via longPullingTimeout, and a 40s client-side transport timeout so the
// client never times out before the server replies (§4.5).
func (c *UnitClient) probeUpdate(ctx context.Context, subs []*subscription) ([]probeKey, error) {
	body := buildProbeRequest(subs, c.tenant)
	data := url.Values{wire.ProbeModifyRequestField: {body}}

	raw, err := c.doRequestWithHeaders(ctx, "POST", "/config.co", "", data, true, longPollTimeout,
		map[string]string{wire.LongPollingTimeoutHeader: wire.LongPollingTimeoutValue})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return parseProbeResponse(raw)
}

// syncConfigs refetches each subscription with bounded concurrency (≤5),
// applies the MD5 debounce, and defers listener emission to a later
// goroutine scheduling (§4.5 step 4, §5).
func (c *UnitClient) syncConfigs(ctx context.Context, subs []*subscription) {
	sem := make(chan struct{}, maxConcurrentSyncs)
	var wg sync.WaitGroup
	wg.Add(len(subs))

	for _, s := range subs {
		s := s
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.syncOne(ctx, s)
		}()
	}
	wg.Wait()
}

func (c *UnitClient) syncOne(ctx context.Context, s *subscription) {
	content, err := c.GetConfig(ctx, s.dataID, s.group)
	if err != nil {
		c.reporter(acmerrors.SyncConfig(s.dataID, s.group, err))
		return
	}

	sum := md5Hex(content)
	changed, listeners := s.accept(content, sum)
	if !changed {
		return
	}

	go func() {
		for _, l := range listeners {
			l(content)
		}
		if c.metrics != nil {
			c.metrics.ConfigEmitsTotal.WithLabelValues(labelUnit(c.unit)).Inc()
		}
	}()
}

// Close marks the client closed and waits for its background goroutines
// (the long-polling loop and any initial sync) to return. The loop exits at
// its next iteration; in-flight requests are never aborted (§5), so Close
// blocks until an outstanding long-poll probe returns, and the fetches of
// the keys that probe reports as changed still run. The request layer is
// not gated: operations called on the client after Close still issue
// requests.
func (c *UnitClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeCh)
	c.wg.Wait()
}
