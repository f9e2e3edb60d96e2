package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHostURLDefaultsPortBySSL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", BuildHostURL("127.0.0.1", false))
	assert.Equal(t, "https://127.0.0.1:443", BuildHostURL("127.0.0.1", true))
}

func TestBuildHostURLHonorsExplicitPort(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9999", BuildHostURL("127.0.0.1:9999", false))
	assert.Equal(t, "https://host.example.com:444", BuildHostURL("host.example.com:444", true))
}

func TestDefaultTransportGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bar", r.URL.Query().Get("foo"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := Default(Options{})
	resp, err := tr.Do(context.Background(), Request{
		Method:  "GET",
		URL:     srv.URL,
		Data:    url.Values{"foo": {"bar"}},
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok", string(resp.Data))
}

func TestDefaultTransportPOSTRawBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := Default(Options{})
	_, err := tr.Do(context.Background(), Request{
		Method:  "POST",
		URL:     srv.URL,
		RawBody: "raw=value",
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "raw=value", gotBody)
}

func TestDefaultTransportSetsHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Spas-AccessKey")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := Default(Options{})
	_, err := tr.Do(context.Background(), Request{
		Method:  "GET",
		URL:     srv.URL,
		Headers: map[string]string{"Spas-AccessKey": "ak"},
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "ak", gotHeader)
}
