// Package capi mirrors the C memory layout of the PJRT C API (pjrt_c_api.h) as Go structs.
//
// All structs are laid out field by field as their C counterparts on 64-bit platforms: pointers, size_t and
// function pointers are uintptr, C enums and int are int32, and C bool is bool. Go's alignment rules produce
// the same padding as the C compiler for these types.
//
// The package is internal: it is shared by the pjrt package and by the in-process test plugin.
package capi

import "unsafe"

// APIMajor and APIMinor are the PJRT C API version this layout mirrors.
// A plugin with a different major version is rejected; minor version skew is tolerated by checking
// struct sizes before reading any field.
const (
	APIMajor = 0
	APIMinor = 67
)

// PtrSize is the size of a pointer (and of each function table entry).
const PtrSize = unsafe.Sizeof(uintptr(0))

// ExtensionBase is the header of every extension struct, chained from Api.ExtensionStart.
type ExtensionBase struct {
	StructSize uintptr
	Type       ExtensionType
	Next       uintptr // *ExtensionBase, or 0 at the end of the chain.
}

// ApiVersion is the PJRT_Api_Version struct.
type ApiVersion struct {
	StructSize     uintptr
	ExtensionStart uintptr
	MajorVersion   int32
	MinorVersion   int32
}

// Api is the PJRT_Api function table. Each function field holds a C function pointer taking a pointer to its
// Args struct and returning a PJRT_Error* (0 on success).
//
// New entries are only ever appended: a plugin built against an older minor version reports a smaller
// StructSize, and the entries beyond it must be treated as absent (see Api.Has).
type Api struct {
	StructSize     uintptr
	ExtensionStart uintptr
	Version        ApiVersion

	ErrorDestroy uintptr
	ErrorMessage uintptr
	ErrorGetCode uintptr

	PluginInitialize uintptr
	PluginAttributes uintptr

	EventDestroy uintptr
	EventIsReady uintptr
	EventError   uintptr
	EventAwait   uintptr
	EventOnReady uintptr

	ClientCreate                  uintptr
	ClientDestroy                 uintptr
	ClientPlatformName            uintptr
	ClientProcessIndex            uintptr
	ClientPlatformVersion         uintptr
	ClientDevices                 uintptr
	ClientAddressableDevices      uintptr
	ClientLookupDevice            uintptr
	ClientLookupAddressableDevice uintptr
	ClientAddressableMemories     uintptr
	ClientCompile                 uintptr
	ClientDefaultDeviceAssignment uintptr
	ClientBufferFromHostBuffer    uintptr

	DeviceDescriptionID           uintptr
	DeviceDescriptionProcessIndex uintptr
	DeviceDescriptionAttributes   uintptr
	DeviceDescriptionKind         uintptr
	DeviceDescriptionDebugString  uintptr
	DeviceDescriptionToString     uintptr

	DeviceGetDescription      uintptr
	DeviceIsAddressable       uintptr
	DeviceLocalHardwareID     uintptr
	DeviceAddressableMemories uintptr
	DeviceDefaultMemory       uintptr
	DeviceMemoryStats         uintptr

	MemoryID                   uintptr
	MemoryKind                 uintptr
	MemoryDebugString          uintptr
	MemoryToString             uintptr
	MemoryAddressableByDevices uintptr

	ExecutableDestroy                    uintptr
	ExecutableName                       uintptr
	ExecutableNumReplicas                uintptr
	ExecutableNumPartitions              uintptr
	ExecutableNumOutputs                 uintptr
	ExecutableSizeOfGeneratedCodeInBytes uintptr
	ExecutableGetCostAnalysis            uintptr
	ExecutableOutputMemoryKinds          uintptr
	ExecutableOptimizedProgram           uintptr
	ExecutableSerialize                  uintptr

	LoadedExecutableDestroy            uintptr
	LoadedExecutableGetExecutable      uintptr
	LoadedExecutableAddressableDevices uintptr
	LoadedExecutableDelete             uintptr
	LoadedExecutableIsDeleted          uintptr
	LoadedExecutableExecute            uintptr
	ExecutableDeserializeAndLoad       uintptr
	LoadedExecutableFingerprint        uintptr

	BufferDestroy                        uintptr
	BufferElementType                    uintptr
	BufferDimensions                     uintptr
	BufferUnpaddedDimensions             uintptr
	BufferDynamicDimensionIndices        uintptr
	BufferGetMemoryLayout                uintptr
	BufferOnDeviceSizeInBytes            uintptr
	BufferDevice                         uintptr
	BufferMemory                         uintptr
	BufferDelete                         uintptr
	BufferIsDeleted                      uintptr
	BufferCopyToDevice                   uintptr
	BufferToHostBuffer                   uintptr
	BufferIsOnCPU                        uintptr
	BufferReadyEvent                     uintptr
	BufferUnsafePointer                  uintptr
	BufferIncreaseExternalReferenceCount uintptr
	BufferDecreaseExternalReferenceCount uintptr
	BufferOpaqueDeviceMemoryDataPointer  uintptr

	CopyToDeviceStreamDestroy      uintptr
	CopyToDeviceStreamAddChunk     uintptr
	CopyToDeviceStreamTotalBytes   uintptr
	CopyToDeviceStreamGranuleSize  uintptr
	CopyToDeviceStreamCurrentBytes uintptr

	TopologyDescriptionCreate                uintptr
	TopologyDescriptionDestroy               uintptr
	TopologyDescriptionPlatformName          uintptr
	TopologyDescriptionPlatformVersion       uintptr
	TopologyDescriptionGetDeviceDescriptions uintptr
	TopologyDescriptionSerialize             uintptr
	TopologyDescriptionAttributes            uintptr

	Compile uintptr

	ExecutableOutputElementTypes uintptr
	ExecutableOutputDimensions   uintptr

	BufferCopyToMemory uintptr

	ClientCreateViewOfDeviceBuffer uintptr

	ExecutableFingerprint uintptr

	ClientTopologyDescription uintptr

	ExecutableGetCompiledMemoryStats uintptr

	MemoryKindID uintptr

	ExecuteContextCreate  uintptr
	ExecuteContextDestroy uintptr

	BufferCopyRawToHost uintptr

	AsyncHostToDeviceTransferManagerDestroy         uintptr
	AsyncHostToDeviceTransferManagerTransferData    uintptr
	ClientCreateBuffersForAsyncHostToDevice         uintptr
	AsyncHostToDeviceTransferManagerRetrieveBuffer  uintptr
	AsyncHostToDeviceTransferManagerDevice          uintptr
	AsyncHostToDeviceTransferManagerBufferCount     uintptr
	AsyncHostToDeviceTransferManagerBufferSize      uintptr
	AsyncHostToDeviceTransferManagerSetBufferError  uintptr
	AsyncHostToDeviceTransferManagerAddMetadata     uintptr
	ClientDmaMap                                    uintptr
	ClientDmaUnmap                                  uintptr
	ClientCreateUninitializedBuffer                 uintptr
	ClientUpdateGlobalProcessInfo                   uintptr
	TopologyDescriptionDeserialize                  uintptr
	ClientCreateAliasBuffer                         uintptr
	ClientFulfillAliasBuffer                        uintptr
	LoadedExecutableGetDeviceAssignment             uintptr
	ClientCreateErrorBuffer                         uintptr
	AsyncHostToDeviceTransferManagerTransferLiteral uintptr
	BufferCopyRawToHostFuture                       uintptr
	DevicePoisonExecution                           uintptr
	DeviceCreateAsyncTrackingEvent                  uintptr
	AsyncTrackingEventDestroy                       uintptr
	ExecutableGetCompileOptions                     uintptr
	BufferDonateWithControlDependency               uintptr

	EventCreate uintptr
	EventSet    uintptr

	// Entries appended after this point are not mirrored: plugins advertising a larger StructSize are still
	// accepted.
}

// Has reports whether the function table entry at the given offset (from unsafe.Offsetof on an Api field)
// is within the size advertised by the plugin and is not null.
func (api *Api) Has(offset uintptr) bool {
	if api == nil || offset+PtrSize > api.StructSize {
		return false
	}
	return api.At(offset) != 0
}

// At returns the function pointer at the given offset, without checking StructSize. Use Has first.
func (api *Api) At(offset uintptr) uintptr {
	return *(*uintptr)(unsafe.Add(unsafe.Pointer(api), offset))
}

// StructSizeOf returns the struct_size value to fill in for an Args struct: its Go (and C) size.
func StructSizeOf[T any]() uintptr {
	var t T
	return unsafe.Sizeof(t)
}

// Pointer converts an address received from, or handed to, the other side of the C ABI back into an
// unsafe.Pointer. The memory at addr must be owned by the plugin, or kept alive by its Go owner for the
// duration of the use.
//
// The conversion goes through memory rather than a uintptr conversion expression, so the checkptr
// instrumentation (enabled by -race) does not reject addresses that only the plugin knows how to derive.
func Pointer(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}
