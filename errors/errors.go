// Package errors implements the tagged error taxonomy that every
// sub-component of the acm client reports through. Every constructor
// returns an *Error so callers can use errors.As to recover the Code,
// Details and wrapped cause.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies one of the error tags the client can surface.
type Code string

const (
	CodeServerUnavailable  Code = "DiamondServerUnavailableError"
	CodeServerResponse     Code = "DiamondServerResponseError"
	CodeServerConflict     Code = "DiamondServerConflictError"
	CodeServerHostEmpty    Code = "DiamondServerHostEmptyError"
	CodeUpdateServers      Code = "DiamondUpdateServersError"
	CodeSyncConfig         Code = "DiamondSyncConfigError"
	CodeLongPolling        Code = "DiamondLongPullingError"
	CodeBatchDeserialize   Code = "DiamondBatchDeserializeError"
	CodeSnapshotRead       Code = "SnapshotReadError"
	CodeSnapshotWrite      Code = "SnapshotWriteError"
	CodeSnapshotDelete     Code = "SnapshotDeleteError"
	CodeServerListSnapshot Code = "ServerListSnapShotJSONParseError"
)

// Error is a structured, tagged error carrying an optional wrapped cause
// and a free-form bag of diagnostic details (url, data, headers, key, ...).
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a diagnostic field and returns the receiver.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds an unwrapped tagged error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a tagged error around an existing cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// As recovers a *Error from any error chain, the same way
// infrastructure/errors.GetServiceError does in the teacher codebase.
func As(err error) (*Error, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged, true
	}
	return nil, false
}

// Is reports whether err carries the given Code anywhere in its chain.
func Is(err error, code Code) bool {
	tagged, ok := As(err)
	return ok && tagged.Code == code
}

// ServerUnavailable reports that no host could be chosen for a unit.
func ServerUnavailable(unit string) *Error {
	return New(CodeServerUnavailable, "no server host available").WithDetail("unit", unit)
}

// ServerResponse tags a transport-level failure or unexpected HTTP status.
func ServerResponse(err error, url string, data []byte, headers map[string]string) *Error {
	e := Wrap(CodeServerResponse, "server request failed", err).
		WithDetail("url", url).
		WithDetail("headers", headers)
	if data != nil {
		e.WithDetail("data", string(data))
	}
	return e
}

// ServerConflict reports an HTTP 409 from a write operation.
func ServerConflict(url string) *Error {
	return New(CodeServerConflict, "concurrent modification").WithDetail("url", url)
}

// ServerHostEmpty reports that discovery returned zero hosts for a unit.
func ServerHostEmpty(unit string) *Error {
	return New(CodeServerHostEmpty, "discovery returned an empty host list").WithDetail("unit", unit)
}

// UpdateServers reports a failed server-list fetch for a unit, on first
// access or during background refresh.
func UpdateServers(unit string, err error) *Error {
	return Wrap(CodeUpdateServers, "server list refresh failed", err).WithDetail("unit", unit)
}

// SyncConfig reports a single-subscription resync failure.
func SyncConfig(dataID, group string, err error) *Error {
	return Wrap(CodeSyncConfig, "config resync failed", err).
		WithDetail("dataId", dataID).
		WithDetail("group", group)
}

// LongPolling reports a probe-request failure.
func LongPolling(err error) *Error {
	return Wrap(CodeLongPolling, "long-polling request failed", err)
}

// BatchDeserialize reports an unparseable batch response, carrying the raw body.
func BatchDeserialize(body []byte, err error) *Error {
	return Wrap(CodeBatchDeserialize, "batch response was not valid JSON", err).
		WithDetail("body", string(body))
}

// SnapshotRead reports a local read failure. The read path still returns nil.
func SnapshotRead(key string, err error) *Error {
	return Wrap(CodeSnapshotRead, "snapshot read failed", err).WithDetail("key", key)
}

// SnapshotWrite reports a local write failure. The write is never retried by the store.
func SnapshotWrite(key string, err error) *Error {
	return Wrap(CodeSnapshotWrite, "snapshot write failed", err).WithDetail("key", key)
}

// SnapshotDelete reports a local delete failure.
func SnapshotDelete(key string, err error) *Error {
	return Wrap(CodeSnapshotDelete, "snapshot delete failed", err).WithDetail("key", key)
}

// ServerListSnapshotParse reports a corrupt local server-list cache entry.
// The caller deletes the offending snapshot after reporting this.
func ServerListSnapshotParse(unit string, err error) *Error {
	return Wrap(CodeServerListSnapshot, "server list snapshot was not valid JSON", err).WithDetail("unit", unit)
}
