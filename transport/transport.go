// Package transport defines the HTTP contract the unit client issues signed
// requests through, plus a net/http-backed default implementation. Callers
// may supply their own Transport (mirroring the injected `httpclient`
// contract of §6) as long as it honors the same semantics.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request describes one outbound call. Data holds form fields; for GET it is
// serialized onto the query string, for POST onto an
// application/x-www-form-urlencoded body.
type Request struct {
	Method  string
	URL     string
	Data    url.Values
	Headers map[string]string
	Timeout time.Duration
	// RawBody, when set, is sent verbatim instead of encoding Data (used by
	// the unit client's non-encoded POST operations, whose form body is
	// joined without escaping).
	RawBody string
}

// Response is the transport-level result of one request.
type Response struct {
	Status int
	Data   []byte
}

// Transport is the contract a unit client issues requests through.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Options configures the default Transport.
type Options struct {
	// InsecureSkipVerify disables peer certificate verification. §4.3/§9
	// require this whenever TLS is in use: it is a hard protocol
	// requirement of the server, not a security recommendation, and is
	// intentionally a loud, explicit field rather than a silent default.
	InsecureSkipVerify bool
}

// Default builds the net/http-backed Transport used when no Transport is
// injected by the caller.
func Default(opts Options) Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	var rt *http.Transport
	if ok {
		rt = base.Clone()
	} else {
		rt = &http.Transport{}
	}
	rt.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // required by the server's protocol, see Options.InsecureSkipVerify
	}
	return &httpTransport{client: &http.Client{Transport: rt}}
}

type httpTransport struct {
	client *http.Client
}

func (t *httpTransport) Do(ctx context.Context, req Request) (Response, error) {
	client := *t.client
	if req.Timeout > 0 {
		client.Timeout = req.Timeout
	}

	fullURL := req.URL
	var bodyReader io.Reader
	switch strings.ToUpper(req.Method) {
	case http.MethodGet:
		if len(req.Data) > 0 {
			sep := "?"
			if strings.Contains(fullURL, "?") {
				sep = "&"
			}
			fullURL = fullURL + sep + req.Data.Encode()
		}
	default:
		if req.RawBody != "" {
			bodyReader = strings.NewReader(req.RawBody)
		} else if len(req.Data) > 0 {
			bodyReader = strings.NewReader(req.Data.Encode())
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bodyReader)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	return Response{Status: resp.StatusCode, Data: data}, nil
}

// BuildHostURL resolves the per-request base URL for a discovered host,
// honoring an explicit port on the host rather than hard-coding :8080/:443
// the way the original client did (see "Port handling" in the design notes).
func BuildHostURL(host string, ssl bool) string {
	scheme := "http"
	defaultPort := "8080"
	if ssl {
		scheme = "https"
		defaultPort = "443"
	}
	if strings.Contains(host, ":") {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, defaultPort)
}
