package unitclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	acmerrors "github.com/bxjs/acm-client/errors"
	"github.com/bxjs/acm-client/internal/wire"

	"github.com/tidwall/gjson"
)

// GetConfig implements the read path of §4.4: try HTTP, persist on success,
// and on failure fall back to the snapshot, reporting the original error as
// an event. It returns (nil, nil) when the config does not exist (HTTP 404).
func (c *UnitClient) GetConfig(ctx context.Context, dataID, group string) ([]byte, error) {
	key := wire.ConfigSnapshotKey(c.unit, c.tenant, group, dataID)

	data := url.Values{"dataId": {dataID}, "group": {group}, "tenant": {c.tenant}}
	content, err := c.doRequest(ctx, "GET", "/config.co", group, data, false, c.reqTimeout)
	if err == nil {
		if content != nil {
			c.snapshot.Save(key, content)
		}
		return content, nil
	}

	cached := c.snapshot.Get(key)
	if cached != nil {
		c.reporter(err)
		if c.metrics != nil {
			c.metrics.SnapshotFallbackTotal.WithLabelValues(labelUnit(c.unit)).Inc()
		}
		return cached, nil
	}
	return nil, err
}

// PublishSingle implements publishSingle: POST (encoded) /basestone.do?method=syncUpdateAll.
func (c *UnitClient) PublishSingle(ctx context.Context, dataID, group string, content []byte) error {
	data := url.Values{
		"dataId":  {dataID},
		"group":   {group},
		"content": {string(content)},
		"tenant":  {c.tenant},
	}
	_, err := c.doRequest(ctx, "POST", "/basestone.do?method=syncUpdateAll", group, data, true, c.reqTimeout)
	return err
}

// Remove implements remove: POST /datum.do?method=deleteAllDatums.
func (c *UnitClient) Remove(ctx context.Context, dataID, group string) error {
	data := url.Values{"dataId": {dataID}, "group": {group}, "tenant": {c.tenant}}
	_, err := c.doRequest(ctx, "POST", "/datum.do?method=deleteAllDatums", group, data, false, c.reqTimeout)
	return err
}

// PublishAggr implements publishAggr: POST /datum.do?method=addDatum.
func (c *UnitClient) PublishAggr(ctx context.Context, dataID, group, datumID string, content []byte) error {
	data := url.Values{
		"dataId":  {dataID},
		"group":   {group},
		"datumId": {datumID},
		"content": {string(content)},
		"appName": {c.appName},
		"tenant":  {c.tenant},
	}
	_, err := c.doRequest(ctx, "POST", "/datum.do?method=addDatum", group, data, false, c.reqTimeout)
	return err
}

// RemoveAggr implements removeAggr: POST /datum.do?method=deleteDatum.
func (c *UnitClient) RemoveAggr(ctx context.Context, dataID, group, datumID string) error {
	data := url.Values{"dataId": {dataID}, "group": {group}, "datumId": {datumID}, "tenant": {c.tenant}}
	_, err := c.doRequest(ctx, "POST", "/datum.do?method=deleteDatum", group, data, false, c.reqTimeout)
	return err
}

// BatchConfigEntry is one row of a batchGetConfig / batchQuery response.
type BatchConfigEntry struct {
	Status  int
	DataID  string
	Group   string
	Content string
}

func (c *UnitClient) batchParse(body []byte, group string) ([]BatchConfigEntry, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, acmerrors.BatchDeserialize(body, fmt.Errorf("top-level JSON value is not an array"))
	}

	var entries []BatchConfigEntry
	var parseErr error
	parsed.ForEach(func(_, item gjson.Result) bool {
		entry := BatchConfigEntry{
			Status:  int(item.Get("status").Int()),
			DataID:  item.Get("dataId").String(),
			Group:   item.Get("group").String(),
			Content: item.Get("content").String(),
		}
		entries = append(entries, entry)
		if entry.Status == 1 {
			key := wire.ConfigSnapshotKey(c.unit, c.tenant, entry.Group, entry.DataID)
			c.snapshot.Save(key, []byte(entry.Content))
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return entries, nil
}

// BatchGetConfig implements batchGetConfig: POST /config.co?method=batchGetConfig.
func (c *UnitClient) BatchGetConfig(ctx context.Context, dataIDs []string, group string) ([]BatchConfigEntry, error) {
	data := url.Values{
		"dataIds": {joinWordSep(dataIDs)},
		"group":   {group},
		"tenant":  {c.tenant},
	}
	body, err := c.doRequest(ctx, "POST", "/config.co?method=batchGetConfig", group, data, false, c.reqTimeout)
	if err != nil {
		return nil, err
	}
	return c.batchParse(body, group)
}

// BatchQuery implements batchQuery: POST /admin.do?method=batchQuery.
func (c *UnitClient) BatchQuery(ctx context.Context, dataIDs []string, group string) ([]BatchConfigEntry, error) {
	data := url.Values{
		"dataIds": {joinWordSep(dataIDs)},
		"group":   {group},
		"tenant":  {c.tenant},
	}
	body, err := c.doRequest(ctx, "POST", "/admin.do?method=batchQuery", group, data, false, c.reqTimeout)
	if err != nil {
		return nil, err
	}
	return c.batchParse(body, group)
}

// ConfigInfo is one row of a getAllConfigInfo page.
type ConfigInfo struct {
	DataID  string
	Group   string
	AppName string
	Content string
}

// GetAllConfigInfo implements the listAll paging protocol of §4.4: a
// (pageNo=1, pageSize=1) probe to learn totalCount, then pageSize=200 pages
// fetched sequentially (no parallelism between pages) until exhausted.
func (c *UnitClient) GetAllConfigInfo(ctx context.Context) ([]ConfigInfo, error) {
	_, total, err := c.getConfigInfoPage(ctx, 1, 1)
	if err != nil {
		return nil, err
	}
	if total <= 0 {
		return nil, nil
	}

	const pageSize = 200
	all := make([]ConfigInfo, 0, total)

	for page := 1; len(all) < total; page++ {
		items, _, err := c.getConfigInfoPage(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		all = append(all, items...)
	}
	if len(all) > total {
		all = all[:total]
	}
	return all, nil
}

func (c *UnitClient) getConfigInfoPage(ctx context.Context, pageNo, pageSize int) ([]ConfigInfo, int, error) {
	data := url.Values{
		"pageNo":   {strconv.Itoa(pageNo)},
		"pageSize": {strconv.Itoa(pageSize)},
		"method":   {"getAllConfigInfoByTenant"},
		"tenant":   {c.tenant},
	}
	body, err := c.doRequest(ctx, "GET", "/basestone.do", "", data, false, c.reqTimeout)
	if err != nil {
		return nil, 0, err
	}
	if body == nil {
		return nil, 0, nil
	}

	parsed := gjson.ParseBytes(body)
	total := int(parsed.Get("totalCount").Int())
	var items []ConfigInfo
	parsed.Get("pageItems").ForEach(func(_, item gjson.Result) bool {
		items = append(items, ConfigInfo{
			DataID:  item.Get("dataId").String(),
			Group:   item.Get("group").String(),
			AppName: item.Get("appName").String(),
			Content: item.Get("content").String(),
		})
		return true
	})
	return items, total, nil
}

func joinWordSep(values []string) string {
	out := make([]byte, 0, len(values)*8)
	for i, v := range values {
		if i > 0 {
			out = append(out, wire.WordSep...)
		}
		out = append(out, v...)
	}
	return string(out)
}

func labelUnit(unit string) string {
	if unit == "" {
		return "default"
	}
	return unit
}
