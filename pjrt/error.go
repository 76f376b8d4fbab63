package pjrt

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
)

// ErrorCode is the canonical error code reported by PJRT plugins (PJRT_Error_Code).
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeCancelled
	CodeUnknown
	CodeInvalidArgument
	CodeDeadlineExceeded
	CodeNotFound
	CodeAlreadyExists
	CodePermissionDenied
	CodeResourceExhausted
	CodeFailedPrecondition
	CodeAborted
	CodeOutOfRange
	CodeUnimplemented
	CodeInternal
	CodeUnavailable
	CodeDataLoss
	CodeUnauthenticated
)

var errorCodeNames = [...]string{
	"OK", "CANCELLED", "UNKNOWN", "INVALID_ARGUMENT", "DEADLINE_EXCEEDED", "NOT_FOUND", "ALREADY_EXISTS",
	"PERMISSION_DENIED", "RESOURCE_EXHAUSTED", "FAILED_PRECONDITION", "ABORTED", "OUT_OF_RANGE", "UNIMPLEMENTED",
	"INTERNAL", "UNAVAILABLE", "DATA_LOSS", "UNAUTHENTICATED",
}

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ErrorKind classifies where an error originated.
type ErrorKind int

const (
	// KindLoad is a failure to open a plugin library or to find its entry point.
	KindLoad ErrorKind = iota

	// KindABI is a plugin whose ABI version or function table doesn't support the requested operation.
	KindABI

	// KindPlugin is an error returned by the plugin itself.
	KindPlugin

	// KindCoordination is a failure of the plugin cache.
	KindCoordination

	// KindResource is a failure to read or allocate host resources (e.g.: program files).
	KindResource

	// KindInvalidArgument is a host-side validation failure, before the plugin is called.
	KindInvalidArgument

	// KindUnknown is reported by KindOf for errors not created by this package (e.g.: context.Canceled).
	KindUnknown
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindLoad:
		return "Load"
	case KindABI:
		return "ABI"
	case KindPlugin:
		return "Plugin"
	case KindCoordination:
		return "Coordination"
	case KindResource:
		return "Resource"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindUnknown:
		return "Unknown"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the error type returned by the package.
// Use errors.As to retrieve it from a returned error, or the helpers CodeOf, KindOf and IsCode.
type Error struct {
	Kind     ErrorKind
	Code     ErrorCode
	Function string
	Message  string

	// cause is set for wrapped sentinels, so errors.Is works.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("PJRT error (code=%d %s) in %s: %s", int(e.Code), e.Code, e.Function, e.Message)
}

// Unwrap returns the sentinel error, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

var (
	// ErrPluginCachePoisoned is returned by every load once a plugin load panicked.
	ErrPluginCachePoisoned = errors.New("PJRT plugin cache is poisoned by a previous panic")

	// ErrDestroyed is returned when using an object after Destroy was called.
	ErrDestroyed = errors.New("object is nil, or its plugin or wrapped C representation is nil -- has it been destroyed already?")

	// ErrFunctionNotAvailable is returned when calling a function the plugin doesn't provide.
	ErrFunctionNotAvailable = errors.New("function not available in PJRT plugin")

	// ErrChunkConsumed is returned when a Chunk is used after its ownership was passed to the plugin.
	ErrChunkConsumed = errors.New("chunk already consumed")

	// ErrStreamOverflow is returned when adding a chunk would exceed the stream's total bytes.
	ErrStreamOverflow = errors.New("chunk exceeds CopyToDeviceStream total bytes")
)

// newError creates a new *Error with a stack trace.
func newError(kind ErrorKind, code ErrorCode, function string, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Code: code, Function: function, Message: fmt.Sprintf(format, args...)})
}

// wrapSentinel creates a new *Error that unwraps to the given sentinel.
func wrapSentinel(sentinel error, kind ErrorKind, code ErrorCode, function string, format string, args ...any) error {
	msg := sentinel.Error()
	if format != "" {
		msg = fmt.Sprintf(format, args...) + ": " + msg
	}
	return errors.WithStack(&Error{Kind: kind, Code: code, Function: function, Message: msg, cause: sentinel})
}

// errInvalidArgument is returned by host-side validations, before anything reaches the plugin.
func errInvalidArgument(function string, format string, args ...any) error {
	return newError(KindInvalidArgument, CodeInvalidArgument, function, format, args...)
}

// errDestroyed is returned by methods of objects already destroyed.
func errDestroyed(function, objName string) error {
	return wrapSentinel(ErrDestroyed, KindInvalidArgument, CodeFailedPrecondition, function, "%s", objName)
}

// asError extracts the *Error from err, if any.
func asError(err error) (*Error, bool) {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr, true
	}
	return nil, false
}

// CodeOf returns the ErrorCode of err. Errors that are not an *Error, including nil, report CodeInternal.
func CodeOf(err error) ErrorCode {
	if pErr, ok := asError(err); ok {
		return pErr.Code
	}
	return CodeInternal
}

// KindOf returns the ErrorKind of err. Errors that are not an *Error, including nil, report KindUnknown.
func KindOf(err error) ErrorKind {
	if pErr, ok := asError(err); ok {
		return pErr.Kind
	}
	return KindUnknown
}

// IsCode returns whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	pErr, ok := asError(err)
	return ok && pErr.Code == code
}

// pjrtErrorDestroy calls PJRT_Error_Destroy.
func pjrtErrorDestroy(plugin *Plugin, pErr uintptr) {
	args := capi.New[capi.ErrorDestroyArgs]()
	args.Error = pErr
	_ = rawCall(plugin, unsafe.Offsetof(plugin.api.ErrorDestroy), unsafe.Pointer(args))
}

// pjrtErrorMessage calls PJRT_Error_Message and returns a copy of the message.
// The message memory is owned by the PJRT_Error.
func pjrtErrorMessage(plugin *Plugin, pErr uintptr) string {
	args := capi.New[capi.ErrorMessageArgs]()
	args.Error = pErr
	_ = rawCall(plugin, unsafe.Offsetof(plugin.api.ErrorMessage), unsafe.Pointer(args))
	return cString(args.Message, args.MessageSize)
}

// pjrtErrorGetCode calls PJRT_Error_GetCode.
func pjrtErrorGetCode(plugin *Plugin, pErr uintptr) ErrorCode {
	args := capi.New[capi.ErrorGetCodeArgs]()
	args.Error = pErr
	r := rawCall(plugin, unsafe.Offsetof(plugin.api.ErrorGetCode), unsafe.Pointer(args))
	if r != 0 {
		// GetCode itself failed: don't recurse, the returned error is leaked.
		return CodeUnknown
	}
	return ErrorCode(args.Code)
}

// toError converts a PJRT_Error* returned by the plugin function named `function` to a Go error,
// with a stack trace (see github.com/pkg/errors package).
// If pErr is 0, it returns nil. Otherwise, the PJRT_Error is destroyed before returning.
func toError(plugin *Plugin, function string, pErr uintptr) error {
	if pErr == 0 {
		return nil
	}
	msg := pjrtErrorMessage(plugin, pErr)
	code := pjrtErrorGetCode(plugin, pErr)
	pjrtErrorDestroy(plugin, pErr)
	return errors.WithStack(&Error{Kind: KindPlugin, Code: code, Function: function, Message: msg})
}
