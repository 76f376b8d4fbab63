package pjrt

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// FFIExtension is the typed view of the plugin's FFI extension: it registers XLA FFI handlers and user data types,
// and attaches user data to an ExecuteContext for the handlers to read.
//
// Handlers and type callbacks are raw native function pointers: this is inherently unsafe.
type FFIExtension struct {
	plugin *Plugin
	ext    *capi.FFIExtension
}

func (*FFIExtension) extensionType() ExtensionType { return ExtensionFFI }

func (*FFIExtension) minStructSize() uintptr { return unsafe.Sizeof(capi.FFIExtension{}) }

func (*FFIExtension) withNode(p *Plugin, node *capi.ExtensionBase) ExtensionView {
	return &FFIExtension{plugin: p, ext: (*capi.FFIExtension)(unsafe.Pointer(node))}
}

// FFITypeInfo holds the optional native callbacks of a user data type.
type FFITypeInfo struct {
	Deleter, Serialize, Deserialize uintptr
}

// FFIHandlerTraits is a bit set of properties of an FFI handler.
type FFIHandlerTraits uint32

// FFIHandlerCommandBufferCompatible marks handlers that can be captured in command buffers (e.g. CUDA graphs).
const FFIHandlerCommandBufferCompatible = FFIHandlerTraits(capi.FFIHandlerTraitCommandBufferCompatible)

// RegisterType registers a user data type by name, and returns its type id. If typeID is 0 the plugin assigns
// one. Registering the same name again returns the id it already has.
func (e *FFIExtension) RegisterType(name string, typeID int64, info FFITypeInfo) (int64, error) {
	const fnName = "PJRT_FFI_Type_Register"
	if name == "" {
		return 0, errInvalidArgument(fnName, "type name cannot be empty")
	}
	nameBytes := []byte(name)
	cInfo := &capi.FFITypeInfo{Deleter: info.Deleter, Serialize: info.Serialize, Deserialize: info.Deserialize}
	args := capi.New[capi.FFITypeRegisterArgs]()
	args.TypeName = sliceAddr(nameBytes)
	args.TypeNameSize = uintptr(len(nameBytes))
	args.TypeID = typeID
	args.TypeInfo = uintptr(unsafe.Pointer(cInfo))
	err := callFn(e.plugin, e.ext.TypeRegister, fnName, args)
	runtime.KeepAlive(nameBytes)
	runtime.KeepAlive(cInfo)
	if err != nil {
		return 0, err
	}
	return args.TypeID, nil
}

// RegisterHandler registers a native XLA FFI handler for the custom call target on the given platform (e.g.
// "CUDA", "Host").
func (e *FFIExtension) RegisterHandler(target, platform string, handler uintptr, traits FFIHandlerTraits) error {
	const fnName = "PJRT_FFI_Register_Handler"
	switch {
	case target == "":
		return errInvalidArgument(fnName, "target name cannot be empty")
	case platform == "":
		return errInvalidArgument(fnName, "platform name cannot be empty for target %q", target)
	case handler == 0:
		return errInvalidArgument(fnName, "null handler for target %q", target)
	}
	targetBytes, platformBytes := []byte(target), []byte(platform)
	args := capi.New[capi.FFIRegisterHandlerArgs]()
	args.TargetName = sliceAddr(targetBytes)
	args.TargetNameSize = uintptr(len(targetBytes))
	args.Handler = handler
	args.PlatformName = sliceAddr(platformBytes)
	args.PlatformNameSize = uintptr(len(platformBytes))
	args.Traits = uint32(traits)
	err := callFn(e.plugin, e.ext.RegisterHandler, fnName, args)
	runtime.KeepAlive(targetBytes)
	runtime.KeepAlive(platformBytes)
	return err
}

// AddUserData attaches native user data of a registered type to the execute context. The data must stay valid
// while executions use the context.
func (e *FFIExtension) AddUserData(ec *ExecuteContext, typeID int64, data uintptr) error {
	const fnName = "PJRT_FFI_UserData_Add"
	if ec == nil || ec.plugin == nil {
		return errDestroyed(fnName, "ExecuteContext")
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.cContext == 0 {
		return errDestroyed(fnName, "ExecuteContext")
	}
	args := capi.New[capi.FFIUserDataAddArgs]()
	args.Context = ec.cContext
	args.UserDataType = typeID
	args.UserData = data
	return callFn(e.plugin, e.ext.UserDataAdd, fnName, args)
}
