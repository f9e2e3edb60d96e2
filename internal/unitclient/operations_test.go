package unitclient

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bxjs/acm-client/internal/wire"
	"github.com/bxjs/acm-client/transport"
)

func TestBatchGetConfigParsesArrayAndSavesSnapshots(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	ft.handle("POST", "/diamond-server/config.co", func(req transport.Request) (transport.Response, error) {
		body := `[{"status":1,"dataId":"a.properties","group":"DEFAULT_GROUP","content":"v1"},` +
			`{"status":3,"dataId":"b.properties","group":"DEFAULT_GROUP","content":""}]`
		return transport.Response{Status: 200, Data: []byte(body)}, nil
	})

	entries, err := c.BatchGetConfig(context.Background(), []string{"a.properties", "b.properties"}, "DEFAULT_GROUP")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Status)
	assert.Equal(t, "a.properties", entries[0].DataID)
	assert.Equal(t, "v1", entries[0].Content)
	assert.Equal(t, 3, entries[1].Status)

	// Only the successfully resolved entry (status 1) is persisted to the snapshot.
	cached := c.snapshot.Get(wire.ConfigSnapshotKey(c.unit, c.tenant, "DEFAULT_GROUP", "a.properties"))
	assert.Equal(t, []byte("v1"), cached)
}

func TestBatchGetConfigRejectsNonArrayBody(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	ft.handle("POST", "/diamond-server/config.co", func(req transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200, Data: []byte(`{"not":"an array"}`)}, nil
	})

	_, err := c.BatchGetConfig(context.Background(), []string{"a.properties"}, "DEFAULT_GROUP")
	assert.Error(t, err)
}

func TestGetAllConfigInfoPagesSequentially(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	const total = 3
	var calls []string
	ft.handle("GET", "/diamond-server/basestone.do", func(req transport.Request) (transport.Response, error) {
		pageNo := req.Data.Get("pageNo")
		pageSize := req.Data.Get("pageSize")
		calls = append(calls, pageNo+"/"+pageSize)

		if pageNo == "1" && pageSize == "1" {
			return transport.Response{Status: 200, Data: []byte(fmt.Sprintf(
				`{"totalCount":%d,"pageItems":[{"dataId":"d1","group":"g","appName":"","content":"c1"}]}`, total))}, nil
		}
		return transport.Response{Status: 200, Data: []byte(fmt.Sprintf(
			`{"totalCount":%d,"pageItems":[{"dataId":"d1","group":"g","appName":"","content":"c1"},`+
				`{"dataId":"d2","group":"g","appName":"","content":"c2"},`+
				`{"dataId":"d3","group":"g","appName":"","content":"c3"}]}`, total))}, nil
	})

	items, err := c.GetAllConfigInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, items, total)
	assert.Equal(t, "d1", items[0].DataID)
	assert.Equal(t, []string{"1/1", "1/200"}, calls)
}

func TestGetAllConfigInfoEmpty(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	ft.handle("GET", "/diamond-server/basestone.do", func(req transport.Request) (transport.Response, error) {
		return transport.Response{Status: 200, Data: []byte(`{"totalCount":0,"pageItems":[]}`)}, nil
	})

	items, err := c.GetAllConfigInfo(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPublishAndRemoveAggr(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	var lastPublishDatumID, lastRemoveDatumID string
	ft.handle("POST", "/diamond-server/datum.do", func(req transport.Request) (transport.Response, error) {
		form, err := url.ParseQuery(req.RawBody)
		if err != nil {
			return transport.Response{}, err
		}
		if form.Get("content") != "" {
			lastPublishDatumID = form.Get("datumId")
		} else {
			lastRemoveDatumID = form.Get("datumId")
		}
		return transport.Response{Status: 200}, nil
	})

	require.NoError(t, c.PublishAggr(context.Background(), "app.properties", "DEFAULT_GROUP", "d1", []byte("v")))
	assert.Equal(t, "d1", lastPublishDatumID)

	require.NoError(t, c.RemoveAggr(context.Background(), "app.properties", "DEFAULT_GROUP", "d1"))
	assert.Equal(t, "d1", lastRemoveDatumID)
}
