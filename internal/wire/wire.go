// Package wire holds the protocol-level constants, key layout and request
// signing helpers shared by the server list manager and the unit client.
// Nothing here is specific to one unit or one HTTP round trip; it is the
// vocabulary both speak.
package wire

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"path"
	"strconv"
)

const (
	// WordSep separates fields within one probe-request segment.
	WordSep = ""
	// LineSep separates segments (one per subscription) within a probe request.
	LineSep = ""

	// DefaultTenant is substituted into the snapshot key layout when no
	// tenant is configured.
	DefaultTenant = "default_tenant"

	// ClientVersion is advertised on every signed request.
	ClientVersion = "golang-acm-client:1.0.0"

	LongPollingTimeoutHeader = "longPullingTimeout"
	LongPollingTimeoutValue  = "30000"

	ProbeModifyRequestField = "Probe-Modify-Request"
)

// ConfigSnapshotKey builds the on-disk snapshot key for one config, per §6:
// snapshot/config/<unit>/<tenant|"default_tenant">/<group>/<dataId>.
func ConfigSnapshotKey(unit, tenant, group, dataID string) string {
	if tenant == "" {
		tenant = DefaultTenant
	}
	return path.Join("config", unit, tenant, group, dataID)
}

// ServerListSnapshotKey builds the on-disk snapshot key for one unit's host
// list: snapshot/server_list/<unit>.
func ServerListSnapshotKey(unit string) string {
	return path.Join("server_list", unit)
}

// SubscriptionKey builds the key <dataId>@<group>@<unit> for one
// subscription. UnitClient does not use it: each UnitClient holds the
// subscriptions of a single unit and keys them by <dataId>@<group>.
func SubscriptionKey(dataID, group, unit string) string {
	return dataID + "@" + group + "@" + unit
}

// SignBody computes the signBody per §4.3: tenant+"+"+group when both are
// present, group alone, or tenant alone.
func SignBody(tenant, group string) string {
	switch {
	case tenant != "" && group != "":
		return tenant + "+" + group
	case group != "":
		return group
	default:
		return tenant
	}
}

// Sign computes Spas-Signature = base64(HMAC-SHA1(secretKey, signBody+"+"+timestamp)).
// timestampMillis is the same value sent in the timeStamp header.
func Sign(secretKey, tenant, group string, timestampMillis int64) (signature string, signBody string) {
	signBody = SignBody(tenant, group)
	ts := strconv.FormatInt(timestampMillis, 10)
	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(signBody + "+" + ts))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), signBody
}
