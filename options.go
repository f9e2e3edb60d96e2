// Package acmclient is the multi-unit façade over a clustered configuration
// service: server discovery, signed requests, local snapshot caching and a
// long-polling subscription engine (see spec.md / SPEC_FULL.md for the full
// protocol this implements).
package acmclient

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
)

// errClosed is returned by Client methods once Close has been called.
var errClosed = errors.New("acmclient: client is closed")

// Options is the client's configuration object (§6).
type Options struct {
	// Endpoint is the discovery host, optionally host:port (default port 8080).
	Endpoint string `env:"ACM_ENDPOINT"`
	// Namespace is the tenant id used on every request.
	Namespace string `env:"ACM_NAMESPACE"`
	AccessKey string `env:"ACM_ACCESS_KEY"`
	SecretKey string `env:"ACM_SECRET_KEY"`

	AppName string `env:"ACM_APP_NAME"`
	AppKey  string `env:"ACM_APP_KEY"`

	// SSL enables TLS on the wire. Default true. §4.3/§9: whenever SSL is
	// enabled, peer certificate verification is disabled — a hard
	// protocol requirement of the server, not a security recommendation.
	SSL *bool `env:"ACM_SSL"`

	RequestTimeout  time.Duration `env:"ACM_REQUEST_TIMEOUT_MS"`
	RefreshInterval time.Duration `env:"ACM_REFRESH_INTERVAL_MS"`
	CacheDir        string        `env:"ACM_CACHE_DIR"`

	// Logger, when set, receives the client's internal diagnostics instead
	// of the default stderr logger.
	Logger *logrus.Logger
}

func (o Options) sslEnabled() bool {
	if o.SSL == nil {
		return true
	}
	return *o.SSL
}

func (o Options) validate() error {
	var missing []string
	if strings.TrimSpace(o.Endpoint) == "" {
		missing = append(missing, "Endpoint")
	}
	if strings.TrimSpace(o.Namespace) == "" {
		missing = append(missing, "Namespace")
	}
	if strings.TrimSpace(o.AccessKey) == "" {
		missing = append(missing, "AccessKey")
	}
	if strings.TrimSpace(o.SecretKey) == "" {
		missing = append(missing, "SecretKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("acmclient: missing required option(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

func (o Options) withDefaults() (Options, error) {
	if o.Endpoint != "" && !strings.Contains(o.Endpoint, ":") {
		o.Endpoint += ":8080"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 6000 * time.Millisecond
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30000 * time.Millisecond
	}
	if o.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return o, fmt.Errorf("acmclient: resolve cache dir: %w", err)
		}
		o.CacheDir = filepath.Join(home, ".node-diamond-client-cache")
	}
	return o, nil
}

// OptionsFromEnv layers the recognized ACM_* environment variables over
// defaulted Options, following the teacher's pkg/config.Load layering of
// envdecode over a defaulted struct. Durations are read in milliseconds.
func OptionsFromEnv() (Options, error) {
	var raw struct {
		Endpoint        string `env:"ACM_ENDPOINT"`
		Namespace       string `env:"ACM_NAMESPACE"`
		AccessKey       string `env:"ACM_ACCESS_KEY"`
		SecretKey       string `env:"ACM_SECRET_KEY"`
		AppName         string `env:"ACM_APP_NAME"`
		AppKey          string `env:"ACM_APP_KEY"`
		SSL             string `env:"ACM_SSL"`
		RequestTimeout  int    `env:"ACM_REQUEST_TIMEOUT_MS"`
		RefreshInterval int    `env:"ACM_REFRESH_INTERVAL_MS"`
		CacheDir        string `env:"ACM_CACHE_DIR"`
	}

	if err := envdecode.Decode(&raw); err != nil && !strings.Contains(err.Error(), "no target field") {
		return Options{}, fmt.Errorf("acmclient: decode env: %w", err)
	}

	opts := Options{
		Endpoint:  raw.Endpoint,
		Namespace: raw.Namespace,
		AccessKey: raw.AccessKey,
		SecretKey: raw.SecretKey,
		AppName:   raw.AppName,
		AppKey:    raw.AppKey,
		CacheDir:  raw.CacheDir,
	}
	if raw.SSL != "" {
		v := strings.EqualFold(raw.SSL, "true") || raw.SSL == "1"
		opts.SSL = &v
	}
	if raw.RequestTimeout > 0 {
		opts.RequestTimeout = time.Duration(raw.RequestTimeout) * time.Millisecond
	}
	if raw.RefreshInterval > 0 {
		opts.RefreshInterval = time.Duration(raw.RefreshInterval) * time.Millisecond
	}
	return opts, nil
}
