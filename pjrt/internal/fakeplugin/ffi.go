package fakeplugin

import (
	"maps"
	"sync"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// FFIHandler is a handler registered with PJRT_FFI_Register_Handler.
type FFIHandler struct {
	Platform string
	Handler  uintptr
	Traits   uint32
}

// firstFFITypeID is the first id assigned to user types, so assigned ids are easy to tell apart.
const firstFFITypeID = 1000

var (
	muFFI       sync.Mutex
	ffiTypes    = make(map[string]int64)
	nextFFIType = int64(firstFFITypeID)
	ffiHandlers = make(map[string]FFIHandler)
)

// FFIHandlers returns the registered FFI handlers, by target name.
func FFIHandlers() map[string]FFIHandler {
	muFFI.Lock()
	defer muFFI.Unlock()
	return maps.Clone(ffiHandlers)
}

// ExecuteContextUserData returns the user data added to the PJRT_ExecuteContext, by type id.
func ExecuteContextUserData(context uintptr) map[int64]uintptr {
	ctx, found := lookup[*fakeExecuteContext](context)
	if !found {
		return nil
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return maps.Clone(ctx.userData)
}

func ffiTypeRegister(args *capi.FFITypeRegisterArgs) *fakeError {
	name := goString(args.TypeName, args.TypeNameSize)
	if name == "" {
		return errorf(capi.CodeInvalidArgument, "FFI type registered with an empty name")
	}
	muFFI.Lock()
	defer muFFI.Unlock()
	if id, found := ffiTypes[name]; found {
		if args.TypeID != 0 && args.TypeID != id {
			return errorf(capi.CodeAlreadyExists, "FFI type %q already registered with id %d", name, id)
		}
		args.TypeID = id
		return nil
	}
	if args.TypeID == 0 {
		args.TypeID = nextFFIType
		nextFFIType++
	}
	ffiTypes[name] = args.TypeID
	return nil
}

func ffiUserDataAdd(args *capi.FFIUserDataAddArgs) *fakeError {
	ctx, found := lookup[*fakeExecuteContext](args.Context)
	if !found {
		return errBadHandle("PJRT_ExecuteContext", args.Context)
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, found := ctx.userData[args.UserDataType]; found {
		return errorf(capi.CodeAlreadyExists, "user data of type %d already added", args.UserDataType)
	}
	if ctx.userData == nil {
		ctx.userData = make(map[int64]uintptr)
	}
	ctx.userData[args.UserDataType] = args.UserData
	return nil
}

func ffiRegisterHandler(args *capi.FFIRegisterHandlerArgs) *fakeError {
	target := goString(args.TargetName, args.TargetNameSize)
	platform := goString(args.PlatformName, args.PlatformNameSize)
	switch {
	case target == "":
		return errorf(capi.CodeInvalidArgument, "FFI handler registered with an empty target name")
	case platform == "":
		return errorf(capi.CodeInvalidArgument, "FFI handler %q registered without a platform", target)
	case args.Handler == 0:
		return errorf(capi.CodeInvalidArgument, "FFI handler %q is null", target)
	}
	muFFI.Lock()
	defer muFFI.Unlock()
	if _, found := ffiHandlers[target]; found {
		return errorf(capi.CodeAlreadyExists, "FFI handler %q already registered", target)
	}
	ffiHandlers[target] = FFIHandler{Platform: platform, Handler: args.Handler, Traits: args.Traits}
	return nil
}
