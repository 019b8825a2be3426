package zrshare

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCode is the closed set of integer status codes that cross zone
// boundaries. Errors never travel as strings or structured exceptions; a
// failing RPC surfaces one of these codes to the invoker.
type ErrCode int64

const (
	// CodeOK is success; it is never wrapped in an error value
	CodeOK ErrCode = 0

	// CodeInvalidData indicates a payload that could not be decoded or an
	// internally inconsistent descriptor
	CodeInvalidData ErrCode = 1

	// CodeInvalidVersion indicates the peer does not speak the requested
	// protocol version; recovered by the version-probing loop
	CodeInvalidVersion ErrCode = 2

	// CodeIncompatibleService indicates the peer runtime cannot interoperate
	// at any shared version
	CodeIncompatibleService ErrCode = 3

	// CodeZoneNotInitialised indicates an operation on a zone whose service
	// has not been brought up
	CodeZoneNotInitialised ErrCode = 4

	// CodeZoneNotFound indicates no route to the destination zone
	CodeZoneNotFound ErrCode = 5

	// CodeZoneNotSupported indicates the zone cannot be reached over this
	// kind of channel
	CodeZoneNotSupported ErrCode = 6

	// CodeObjectNotFound indicates the destination zone has no stub for the
	// object id
	CodeObjectNotFound ErrCode = 7

	// CodeInvalidInterfaceID indicates the object does not expose the
	// requested interface
	CodeInvalidInterfaceID ErrCode = 8

	// CodeInvalidMethodID indicates the interface has no such method
	CodeInvalidMethodID ErrCode = 9

	// CodeReferenceCountError indicates the distributed ref-count ledger has
	// been corrupted; assertion-grade but must not crash in release builds
	CodeReferenceCountError ErrCode = 10

	// CodeTransportError indicates the channel to the peer failed
	CodeTransportError ErrCode = 11

	// CodeServiceProxyLostConnection indicates the service proxy's channel
	// is gone and the proxy is tearing itself down
	CodeServiceProxyLostConnection ErrCode = 12

	// CodeNeedMoreMemory indicates a fixed reply buffer was too small; the
	// caller regrows to the reported size and retries exactly once
	CodeNeedMoreMemory ErrCode = 13

	// CodeCallCancelled indicates a pending call was abandoned because its
	// channel closed
	CodeCallCancelled ErrCode = 14

	// CodeUnableToCreateServiceProxy indicates service proxy construction
	// failed during connect or attach
	CodeUnableToCreateServiceProxy ErrCode = 15

	// CodeException indicates an unclassified failure inside an
	// implementation
	CodeException ErrCode = 16
)

var errCodeNames = map[ErrCode]string{
	CodeOK:                         "ok",
	CodeInvalidData:                "invalid_data",
	CodeInvalidVersion:             "invalid_version",
	CodeIncompatibleService:        "incompatible_service",
	CodeZoneNotInitialised:         "zone_not_initialised",
	CodeZoneNotFound:               "zone_not_found",
	CodeZoneNotSupported:           "zone_not_supported",
	CodeObjectNotFound:             "object_not_found",
	CodeInvalidInterfaceID:         "invalid_interface_id",
	CodeInvalidMethodID:            "invalid_method_id",
	CodeReferenceCountError:        "reference_count_error",
	CodeTransportError:             "transport_error",
	CodeServiceProxyLostConnection: "service_proxy_lost_connection",
	CodeNeedMoreMemory:             "need_more_memory",
	CodeCallCancelled:              "call_cancelled",
	CodeUnableToCreateServiceProxy: "unable_to_create_service_proxy",
	CodeException:                  "exception",
}

func (c ErrCode) String() string {
	if name, ok := errCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("err_code(%d)", int64(c))
}

// StatusError is an error carrying a wire status code. All protocol-level
// failures in this package are StatusErrors, possibly wrapped with context
// by callers.
type StatusError struct {
	Code ErrCode
}

func (e *StatusError) Error() string {
	return e.Code.String()
}

// Canonical status errors. Compare with IsCode or CodeOf, not ==, since
// call sites may wrap them with context.
var (
	ErrInvalidData                = &StatusError{Code: CodeInvalidData}
	ErrInvalidVersion             = &StatusError{Code: CodeInvalidVersion}
	ErrIncompatibleService        = &StatusError{Code: CodeIncompatibleService}
	ErrZoneNotInitialised         = &StatusError{Code: CodeZoneNotInitialised}
	ErrZoneNotFound               = &StatusError{Code: CodeZoneNotFound}
	ErrZoneNotSupported           = &StatusError{Code: CodeZoneNotSupported}
	ErrObjectNotFound             = &StatusError{Code: CodeObjectNotFound}
	ErrInvalidInterfaceID         = &StatusError{Code: CodeInvalidInterfaceID}
	ErrInvalidMethodID            = &StatusError{Code: CodeInvalidMethodID}
	ErrReferenceCountError        = &StatusError{Code: CodeReferenceCountError}
	ErrTransportError             = &StatusError{Code: CodeTransportError}
	ErrServiceProxyLostConnection = &StatusError{Code: CodeServiceProxyLostConnection}
	ErrCallCancelled              = &StatusError{Code: CodeCallCancelled}
	ErrUnableToCreateServiceProxy = &StatusError{Code: CodeUnableToCreateServiceProxy}
	ErrException                  = &StatusError{Code: CodeException}
)

// NeedMoreMemoryError reports that a serialized reply exceeded the caller's
// fixed output buffer. RequiredSize is the capacity the caller must regrow
// to before retrying the call exactly once.
type NeedMoreMemoryError struct {
	RequiredSize uint64
}

func (e *NeedMoreMemoryError) Error() string {
	return fmt.Sprintf("%s: required_size=%d", CodeNeedMoreMemory, e.RequiredSize)
}

// StatusFromCode converts a wire code back into an error value; CodeOK maps
// to nil.
func StatusFromCode(code ErrCode) error {
	if code == CodeOK {
		return nil
	}
	return &StatusError{Code: code}
}

// CodeOf extracts the wire status code from an error, unwrapping any context
// added with pkg/errors. A nil error is CodeOK; an error that carries no
// status code is reported as CodeException.
func CodeOf(err error) ErrCode {
	if err == nil {
		return CodeOK
	}
	cause := errors.Cause(err)
	if se, ok := cause.(*StatusError); ok {
		return se.Code
	}
	if _, ok := cause.(*NeedMoreMemoryError); ok {
		return CodeNeedMoreMemory
	}
	return CodeException
}

// IsCode reports whether err carries the given wire status code.
func IsCode(err error, code ErrCode) bool {
	return CodeOf(err) == code
}
