package fakeplugin

import (
	"fmt"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// fakeError is the object behind a PJRT_Error handle. A nil *fakeError is success.
type fakeError struct {
	code    int32
	message []byte
}

func errorf(code int32, format string, args ...any) *fakeError {
	return &fakeError{code: code, message: []byte(fmt.Sprintf(format, args...))}
}

// handle returns a new PJRT_Error handle for e, or 0 if e is nil. The caller owns it.
func (e *fakeError) handle() uintptr {
	if e == nil {
		return 0
	}
	liveErrors.Add(1)
	return newHandle(e)
}

func errorDestroy(args *capi.ErrorDestroyArgs) *fakeError {
	if _, found := release(args.Error); found {
		liveErrors.Add(-1)
	}
	return nil
}

func errorMessage(args *capi.ErrorMessageArgs) *fakeError {
	e, found := lookup[*fakeError](args.Error)
	if !found {
		args.Message, args.MessageSize = cString("unknown PJRT_Error")
		return nil
	}
	args.Message, args.MessageSize = addr(e.message), uintptr(len(e.message))
	return nil
}

func errorGetCode(args *capi.ErrorGetCodeArgs) *fakeError {
	e, found := lookup[*fakeError](args.Error)
	if !found {
		args.Code = capi.CodeUnknown
		return nil
	}
	args.Code = e.code
	return nil
}

// Errors for bad handles.

func errBadHandle(kind string, h uintptr) *fakeError {
	return errorf(capi.CodeInvalidArgument, "invalid %s handle 0x%x", kind, h)
}
