// Package unitclient implements the per-unit signed request layer, the
// read/write operations table, and the subscription / long-polling engine
// of §4.3–§4.5. One UnitClient is created per deployment unit and shares its
// transport, server list manager and snapshot store with its siblings.
package unitclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	acmerrors "github.com/bxjs/acm-client/errors"
	"github.com/bxjs/acm-client/internal/metrics"
	"github.com/bxjs/acm-client/internal/serverlist"
	"github.com/bxjs/acm-client/internal/snapshot"
	"github.com/bxjs/acm-client/transport"
	"github.com/bxjs/acm-client/internal/wire"

	"github.com/sirupsen/logrus"
)

const basePath = "/diamond-server"

// Reporter receives tagged errors observed by the client. It must not block.
type Reporter func(error)

// Config configures a UnitClient.
type Config struct {
	Unit       string
	Tenant     string
	AccessKey  string
	SecretKey  string
	AppName    string
	SSL        bool
	RequestTimeout time.Duration

	Transport  transport.Transport
	ServerList *serverlist.Manager
	Snapshot   *snapshot.Store
	Reporter   Reporter
	Metrics    *metrics.Metrics
	Logger     *logrus.Logger
}

// UnitClient is the signed request layer, the read/write operation table,
// and the subscription engine for one deployment unit.
type UnitClient struct {
	unit       string
	tenant     string
	accessKey  string
	secretKey  string
	appName    string
	ssl        bool
	reqTimeout time.Duration

	transport  transport.Transport
	serverList *serverlist.Manager
	snapshot   *snapshot.Store
	reporter   Reporter
	metrics    *metrics.Metrics
	log        *logrus.Logger

	mu          sync.Mutex
	currentHost string
	subs        map[string]*subscription
	polling     bool
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

// New builds a UnitClient. The background long-polling loop is started
// lazily, only once the first Subscribe call is made.
func New(cfg Config) *UnitClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 6000 * time.Millisecond
	}
	if cfg.Reporter == nil {
		cfg.Reporter = func(error) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &UnitClient{
		unit:       cfg.Unit,
		tenant:     cfg.Tenant,
		accessKey:  cfg.AccessKey,
		secretKey:  cfg.SecretKey,
		appName:    cfg.AppName,
		ssl:        cfg.SSL,
		reqTimeout: cfg.RequestTimeout,
		transport:  cfg.Transport,
		serverList: cfg.ServerList,
		snapshot:   cfg.Snapshot,
		reporter:   cfg.Reporter,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		subs:       make(map[string]*subscription),
		closeCh:    make(chan struct{}),
	}
}

// Unit returns the deployment unit this client targets.
func (c *UnitClient) Unit() string { return c.unit }

// ---------------------------------------------------------------------------
// Signed request layer (§4.3)
// ---------------------------------------------------------------------------

func (c *UnitClient) hostURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	host := c.currentHost
	c.mu.Unlock()
	if host != "" {
		return transport.BuildHostURL(host, c.ssl), nil
	}
	return c.pickHost(ctx)
}

func (c *UnitClient) pickHost(ctx context.Context) (string, error) {
	host, err := c.serverList.GetOne(ctx, c.unit)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.currentHost = host
	c.mu.Unlock()
	return transport.BuildHostURL(host, c.ssl), nil
}

// forceReselect drops the cached currentHost so the next request picks a
// fresh one, per §4.3's "re-select currentHost" on failure.
func (c *UnitClient) forceReselect() {
	c.mu.Lock()
	c.currentHost = ""
	c.mu.Unlock()
}

func (c *UnitClient) signedHeaders(group string) map[string]string {
	ts := time.Now().UnixMilli()
	sig, _ := wire.Sign(c.secretKey, c.tenant, group, ts)
	return map[string]string{
		"Client-Version":   wire.ClientVersion,
		"Content-Type":     "application/x-www-form-urlencoded; charset=UTF-8",
		"Spas-AccessKey":   c.accessKey,
		"timeStamp":        strconv.FormatInt(ts, 10),
		"exConfigInfo":     "true",
		"Spas-Signature":   sig,
	}
}

// doRequest issues one signed request and applies the §4.3 response
// contract: 200 returns the body, 404 returns (nil, nil), 409 returns
// DiamondServerConflictError, and anything else (including transport
// failure) tags the error and forces a host re-selection.
func (c *UnitClient) doRequest(ctx context.Context, method, path, group string, data url.Values, encode bool, timeout time.Duration) ([]byte, error) {
	return c.doRequestWithHeaders(ctx, method, path, group, data, encode, timeout, nil)
}

func (c *UnitClient) doRequestWithHeaders(ctx context.Context, method, path, group string, data url.Values, encode bool, timeout time.Duration, extraHeaders map[string]string) ([]byte, error) {
	base, err := c.hostURL(ctx)
	if err != nil {
		return nil, err
	}
	fullURL := base + basePath + path
	headers := c.signedHeaders(group)
	for k, v := range extraHeaders {
		headers[k] = v
	}

	req := transport.Request{
		Method:  method,
		URL:     fullURL,
		Headers: headers,
		Timeout: timeout,
	}
	if method == "GET" {
		req.Data = data
	} else if encode {
		req.Data = data
	} else {
		req.RawBody = joinFormRaw(data)
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		c.forceReselect()
		return nil, acmerrors.ServerResponse(err, fullURL, nil, headers)
	}

	switch resp.Status {
	case 200:
		return resp.Data, nil
	case 404:
		return nil, nil
	case 409:
		return nil, acmerrors.ServerConflict(fullURL)
	default:
		c.forceReselect()
		return nil, acmerrors.ServerResponse(fmt.Errorf("unexpected status %d", resp.Status), fullURL, resp.Data, headers)
	}
}

// joinFormRaw builds an unescaped key=value&key=value body, used when the
// caller has not asked for value encoding. Values, including content fields
// such as PublishAggr's, are written as given.
func joinFormRaw(data url.Values) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		for _, v := range data[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
		_ = i
	}
	return b.String()
}

func md5Hex(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}
