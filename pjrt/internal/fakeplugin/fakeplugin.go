// Package fakeplugin implements an in-process PJRT plugin, to test the pjrt package without a real backend.
//
// The API tables are Go structs whose function pointers are purego callbacks, so every call goes through the same
// C ABI path a real plugin uses. Objects handed to the caller are opaque integer handles, and arrays live in Go
// memory. Programs use a small text format, see parseProgram.
package fakeplugin

import (
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// Options configure the API table returned by NewAPI.
type Options struct {
	// Version overrides the reported PJRT C API version. Defaults to capi.APIMajor and capi.APIMinor.
	Version *capi.ApiVersion

	// StructSize overrides the advertised size of the API table, to emulate older plugins. Entries beyond it are
	// zeroed.
	StructSize uintptr

	// Stream, Profiler, MemoryDescriptions, CustomCall, Layouts, FFI and RawBuffer add the corresponding
	// extension to the chain, in this order.
	Stream, Profiler, MemoryDescriptions, CustomCall, Layouts, FFI, RawBuffer bool

	// Extensions are appended to the end of the chain, as given.
	Extensions []*capi.ExtensionBase

	// NoEventOnReady removes PJRT_Event_OnReady from the table: completion can only be observed with the
	// blocking PJRT_Event_Await.
	NoEventOnReady bool
}

// table is an API table and the extension nodes it points to.
type table struct {
	api   capi.Api
	nodes []any
}

var (
	muTables sync.Mutex
	tables   []*table
)

// NewAPI returns the address of a new PJRT_Api table, as GetPjrtApi would. Tables are never freed.
func NewAPI(opts Options) uintptr {
	t := &table{api: *functions()}
	t.api.StructSize = unsafe.Sizeof(t.api)
	t.api.Version = capi.ApiVersion{MajorVersion: capi.APIMajor, MinorVersion: capi.APIMinor}
	if opts.Version != nil {
		t.api.Version = *opts.Version
	}
	t.api.Version.StructSize = unsafe.Sizeof(t.api.Version)
	if opts.StructSize > 0 && opts.StructSize < unsafe.Sizeof(t.api) {
		// Older plugins: entries past struct_size are not there.
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&t.api)), unsafe.Sizeof(t.api))
		clear(raw[opts.StructSize:])
		t.api.StructSize = opts.StructSize
	}
	if opts.NoEventOnReady {
		t.api.EventOnReady = 0
	}

	var chain []*capi.ExtensionBase
	if opts.Stream {
		ext := &capi.StreamExtension{
			Base:       capi.ExtensionBase{StructSize: unsafe.Sizeof(capi.StreamExtension{}), Type: capi.ExtensionTypeStream},
			GetStream:  callbacks().getStream,
			WaitStream: callbacks().waitStream,
		}
		t.nodes = append(t.nodes, ext)
		chain = append(chain, &ext.Base)
	}
	if opts.Profiler {
		ext := &capi.ProfilerExtension{
			Base:             capi.ExtensionBase{StructSize: unsafe.Sizeof(capi.ProfilerExtension{}), Type: capi.ExtensionTypeProfiler},
			TracemeContextID: TracemeContextID,
		}
		t.nodes = append(t.nodes, ext)
		chain = append(chain, &ext.Base)
	}
	if opts.MemoryDescriptions {
		ext := &capi.MemoryDescriptionsExtension{
			Base: capi.ExtensionBase{StructSize: unsafe.Sizeof(capi.MemoryDescriptionsExtension{}),
				Type: capi.ExtensionTypeMemoryDescriptions},
			DeviceDescriptionMemoryDescriptions: callbacks().memoryDescriptions,
			MemoryDescriptionKind:               callbacks().memoryDescriptionKind,
		}
		t.nodes = append(t.nodes, ext)
		chain = append(chain, &ext.Base)
	}
	if opts.CustomCall {
		ext := &capi.GpuCustomCallExtension{
			Base:       capi.ExtensionBase{StructSize: unsafe.Sizeof(capi.GpuCustomCallExtension{}), Type: capi.ExtensionTypeGpuCustomCall},
			CustomCall: callbacks().registerCustomCall,
		}
		t.nodes = append(t.nodes, ext)
		chain = append(chain, &ext.Base)
	}
	if opts.Layouts {
		ext := &capi.LayoutsExtension{
			Base:                       capi.ExtensionBase{StructSize: unsafe.Sizeof(capi.LayoutsExtension{}), Type: capi.ExtensionTypeLayouts},
			MemoryLayoutDestroy:        callbacks().memoryLayoutDestroy,
			MemoryLayoutSerialize:      callbacks().memoryLayoutSerialize,
			ClientGetDefaultLayout:     callbacks().clientGetDefaultLayout,
			BufferMemoryLayout:         callbacks().bufferMemoryLayout,
			TopologyGetDefaultLayout:   callbacks().topologyGetDefaultLayout,
			ExecutableGetOutputLayouts: callbacks().executableGetOutputLayouts,
		}
		t.nodes = append(t.nodes, ext)
		chain = append(chain, &ext.Base)
	}
	if opts.FFI {
		ext := &capi.FFIExtension{
			Base:            capi.ExtensionBase{StructSize: unsafe.Sizeof(capi.FFIExtension{}), Type: capi.ExtensionTypeFFI},
			TypeRegister:    callbacks().ffiTypeRegister,
			UserDataAdd:     callbacks().ffiUserDataAdd,
			RegisterHandler: callbacks().ffiRegisterHandler,
		}
		t.nodes = append(t.nodes, ext)
		chain = append(chain, &ext.Base)
	}
	if opts.RawBuffer {
		ext := &capi.RawBufferExtension{
			Base:                   capi.ExtensionBase{StructSize: unsafe.Sizeof(capi.RawBufferExtension{}), Type: capi.ExtensionTypeRawBuffer},
			CreateRawAliasOfBuffer: callbacks().rawBufferCreateAlias,
			Destroy:                callbacks().rawBufferDestroy,
			GetOnDeviceSizeInBytes: callbacks().rawBufferOnDeviceSize,
			GetMemorySpace:         callbacks().rawBufferMemorySpace,
			CopyRawHostToDevice:    callbacks().rawBufferHostToDevice,
			CopyRawDeviceToHost:    callbacks().rawBufferDeviceToHost,
			GetHostPointer:         callbacks().rawBufferHostPointer,
		}
		t.nodes = append(t.nodes, ext)
		chain = append(chain, &ext.Base)
	}
	for _, node := range opts.Extensions {
		t.nodes = append(t.nodes, node)
		chain = append(chain, node)
	}
	for ii := len(chain) - 1; ii >= 0; ii-- {
		if ii+1 < len(chain) {
			chain[ii].Next = uintptr(unsafe.Pointer(chain[ii+1]))
		} else {
			chain[ii].Next = 0
		}
	}
	if len(chain) > 0 {
		t.api.ExtensionStart = uintptr(unsafe.Pointer(chain[0]))
	}

	muTables.Lock()
	tables = append(tables, t)
	muTables.Unlock()
	return uintptr(unsafe.Pointer(&t.api))
}

// TracemeContextID is reported by the Profiler extension.
const TracemeContextID = 0x7ace

// Handles.

var (
	nextHandle atomic.Uintptr
	objects    sync.Map
)

func init() {
	nextHandle.Store(0x10000)
}

// newHandle registers obj and returns its opaque handle. Handles are never 0 and never reused.
func newHandle(obj any) uintptr {
	h := nextHandle.Add(16)
	objects.Store(h, obj)
	return h
}

// lookup returns the object of the handle, if it exists and has type T.
func lookup[T any](h uintptr) (T, bool) {
	v, found := objects.Load(h)
	if !found {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// release removes the handle, and returns whether it existed.
func release(h uintptr) (any, bool) {
	return objects.LoadAndDelete(h)
}

// Counters of live objects, so tests can check for leaks.
var liveErrors, liveEvents, liveBuffers atomic.Int64

// LiveErrors returns the number of PJRT_Error handles not yet destroyed.
func LiveErrors() int64 { return liveErrors.Load() }

// LiveEvents returns the number of PJRT_Event handles not yet destroyed.
func LiveEvents() int64 { return liveEvents.Load() }

// LiveBuffers returns the number of PJRT_Buffer handles not yet destroyed.
func LiveBuffers() int64 { return liveBuffers.Load() }

// Strings handed to the caller are interned, so their memory outlives any object.

var interned sync.Map // string -> []byte

func cString(s string) (data, size uintptr) {
	if s == "" {
		return 0, 0
	}
	v, _ := interned.LoadOrStore(s, []byte(s))
	b := v.([]byte)
	return uintptr(unsafe.Pointer(unsafe.SliceData(b))), uintptr(len(b))
}

// goString copies a C string.
func goString(data, size uintptr) string {
	if data == 0 || size == 0 {
		return ""
	}
	return strings.Clone(unsafe.String((*byte)(capi.Pointer(data)), int(size)))
}

// view returns a slice over C memory, without copying.
func view[T any](data, n uintptr) []T {
	if data == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(capi.Pointer(data)), int(n))
}

// addr returns the address of the first element of s, or 0 if empty. s must be kept alive by the object owning it.
func addr[T any](s []T) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(s)))
}

// fn adapts the implementation of an API function to the native signature PJRT_Error* (*)(Args*).
// The Args pointer is received typed, so purego hands it over without any uintptr round trip.
func fn[T any](impl func(args *T) *fakeError) func(*T) uintptr {
	return func(args *T) uintptr {
		return impl(args).handle()
	}
}

// functions is the API table shared by all NewAPI tables, built once: purego callbacks are a limited resource.
var functions = sync.OnceValue(func() *capi.Api {
	cb := purego.NewCallback
	return &capi.Api{
		ErrorDestroy: cb(fn(errorDestroy)),
		ErrorMessage: cb(fn(errorMessage)),
		ErrorGetCode: cb(fn(errorGetCode)),

		PluginInitialize: cb(fn(pluginInitialize)),
		PluginAttributes: cb(fn(pluginAttributes)),

		EventDestroy: cb(fn(eventDestroy)),
		EventIsReady: cb(fn(eventIsReady)),
		EventError:   cb(fn(eventError)),
		EventAwait:   cb(fn(eventAwait)),
		EventOnReady: cb(fn(eventOnReady)),
		EventCreate:  cb(fn(eventCreate)),
		EventSet:     cb(fn(eventSet)),

		ClientCreate:                   cb(fn(clientCreate)),
		ClientDestroy:                  cb(fn(clientDestroy)),
		ClientPlatformName:             cb(fn(clientPlatformName)),
		ClientProcessIndex:             cb(fn(clientProcessIndex)),
		ClientPlatformVersion:          cb(fn(clientPlatformVersion)),
		ClientDevices:                  cb(fn(clientDevices)),
		ClientAddressableDevices:       cb(fn(clientAddressableDevices)),
		ClientLookupDevice:             cb(fn(clientLookupDevice)),
		ClientLookupAddressableDevice:  cb(fn(clientLookupAddressableDevice)),
		ClientAddressableMemories:      cb(fn(clientAddressableMemories)),
		ClientCompile:                  cb(fn(clientCompile)),
		ClientDefaultDeviceAssignment:  cb(fn(clientDefaultDeviceAssignment)),
		ClientBufferFromHostBuffer:     cb(fn(clientBufferFromHostBuffer)),
		ClientCreateViewOfDeviceBuffer: cb(fn(clientCreateViewOfDeviceBuffer)),
		ClientTopologyDescription:      cb(fn(clientTopologyDescription)),

		DeviceDescriptionID:           cb(fn(deviceDescriptionID)),
		DeviceDescriptionProcessIndex: cb(fn(deviceDescriptionProcessIndex)),
		DeviceDescriptionAttributes:   cb(fn(deviceDescriptionAttributes)),
		DeviceDescriptionKind:         cb(fn(deviceDescriptionKind)),
		DeviceDescriptionDebugString:  cb(fn(deviceDescriptionDebugString)),
		DeviceDescriptionToString:     cb(fn(deviceDescriptionToString)),

		DeviceGetDescription:      cb(fn(deviceGetDescription)),
		DeviceIsAddressable:       cb(fn(deviceIsAddressable)),
		DeviceLocalHardwareID:     cb(fn(deviceLocalHardwareID)),
		DeviceAddressableMemories: cb(fn(deviceAddressableMemories)),
		DeviceDefaultMemory:       cb(fn(deviceDefaultMemory)),
		DeviceMemoryStats:         cb(fn(deviceMemoryStats)),

		MemoryID:                   cb(fn(memoryID)),
		MemoryKind:                 cb(fn(memoryKind)),
		MemoryKindID:               cb(fn(memoryKindID)),
		MemoryDebugString:          cb(fn(memoryDebugString)),
		MemoryToString:             cb(fn(memoryToString)),
		MemoryAddressableByDevices: cb(fn(memoryAddressableByDevices)),

		ExecutableDestroy:                    cb(fn(executableDestroy)),
		ExecutableName:                       cb(fn(executableName)),
		ExecutableNumReplicas:                cb(fn(executableNumReplicas)),
		ExecutableNumPartitions:              cb(fn(executableNumPartitions)),
		ExecutableNumOutputs:                 cb(fn(executableNumOutputs)),
		ExecutableSizeOfGeneratedCodeInBytes: cb(fn(executableSizeOfGeneratedCode)),
		ExecutableGetCostAnalysis:            cb(fn(executableGetCostAnalysis)),
		ExecutableOutputMemoryKinds:          cb(fn(executableOutputMemoryKinds)),
		ExecutableOptimizedProgram:           cb(fn(executableOptimizedProgram)),
		ExecutableSerialize:                  cb(fn(executableSerialize)),
		ExecutableOutputElementTypes:         cb(fn(executableOutputElementTypes)),
		ExecutableOutputDimensions:           cb(fn(executableOutputDimensions)),
		ExecutableFingerprint:                cb(fn(executableFingerprint)),
		ExecutableGetCompiledMemoryStats:     cb(fn(executableGetCompiledMemoryStats)),
		ExecutableDeserializeAndLoad:         cb(fn(executableDeserializeAndLoad)),
		Compile:                              cb(fn(compileForTopology)),

		LoadedExecutableDestroy:            cb(fn(loadedExecutableDestroy)),
		LoadedExecutableGetExecutable:      cb(fn(loadedExecutableGetExecutable)),
		LoadedExecutableAddressableDevices: cb(fn(loadedExecutableAddressableDevices)),
		LoadedExecutableDelete:             cb(fn(loadedExecutableDelete)),
		LoadedExecutableIsDeleted:          cb(fn(loadedExecutableIsDeleted)),
		LoadedExecutableExecute:            cb(fn(loadedExecutableExecute)),
		LoadedExecutableFingerprint:        cb(fn(loadedExecutableFingerprint)),

		ExecuteContextCreate:  cb(fn(executeContextCreate)),
		ExecuteContextDestroy: cb(fn(executeContextDestroy)),

		BufferDestroy:                        cb(fn(bufferDestroy)),
		BufferElementType:                    cb(fn(bufferElementType)),
		BufferDimensions:                     cb(fn(bufferDimensions)),
		BufferUnpaddedDimensions:             cb(fn(bufferUnpaddedDimensions)),
		BufferDynamicDimensionIndices:        cb(fn(bufferDynamicDimensionIndices)),
		BufferGetMemoryLayout:                cb(fn(bufferGetMemoryLayout)),
		BufferOnDeviceSizeInBytes:            cb(fn(bufferOnDeviceSizeInBytes)),
		BufferDevice:                         cb(fn(bufferDevice)),
		BufferMemory:                         cb(fn(bufferMemory)),
		BufferDelete:                         cb(fn(bufferDelete)),
		BufferIsDeleted:                      cb(fn(bufferIsDeleted)),
		BufferCopyToDevice:                   cb(fn(bufferCopyToDevice)),
		BufferCopyToMemory:                   cb(fn(bufferCopyToMemory)),
		BufferToHostBuffer:                   cb(fn(bufferToHostBuffer)),
		BufferIsOnCPU:                        cb(fn(bufferIsOnCPU)),
		BufferReadyEvent:                     cb(fn(bufferReadyEvent)),
		BufferUnsafePointer:                  cb(fn(bufferUnsafePointer)),
		BufferIncreaseExternalReferenceCount: cb(fn(bufferIncreaseExternalReferenceCount)),
		BufferDecreaseExternalReferenceCount: cb(fn(bufferDecreaseExternalReferenceCount)),
		BufferOpaqueDeviceMemoryDataPointer:  cb(fn(bufferOpaqueDeviceMemoryDataPointer)),
		BufferCopyRawToHost:                  cb(fn(bufferCopyRawToHost)),

		CopyToDeviceStreamDestroy:      cb(fn(streamDestroy)),
		CopyToDeviceStreamAddChunk:     cb(fn(streamAddChunk)),
		CopyToDeviceStreamTotalBytes:   cb(fn(streamTotalBytes)),
		CopyToDeviceStreamGranuleSize:  cb(fn(streamGranuleSize)),
		CopyToDeviceStreamCurrentBytes: cb(fn(streamCurrentBytes)),

		TopologyDescriptionCreate:                cb(fn(topologyCreate)),
		TopologyDescriptionDestroy:               cb(fn(topologyDestroy)),
		TopologyDescriptionPlatformName:          cb(fn(topologyPlatformName)),
		TopologyDescriptionPlatformVersion:       cb(fn(topologyPlatformVersion)),
		TopologyDescriptionGetDeviceDescriptions: cb(fn(topologyGetDeviceDescriptions)),
		TopologyDescriptionAttributes:            cb(fn(topologyAttributes)),

		ClientCreateBuffersForAsyncHostToDevice:        cb(fn(clientCreateBuffersForAsyncHostToDevice)),
		AsyncHostToDeviceTransferManagerDestroy:        cb(fn(transferManagerDestroy)),
		AsyncHostToDeviceTransferManagerTransferData:   cb(fn(transferManagerTransferData)),
		AsyncHostToDeviceTransferManagerRetrieveBuffer: cb(fn(transferManagerRetrieveBuffer)),
		AsyncHostToDeviceTransferManagerDevice:         cb(fn(transferManagerDevice)),
		AsyncHostToDeviceTransferManagerBufferCount:    cb(fn(transferManagerBufferCount)),
		AsyncHostToDeviceTransferManagerBufferSize:     cb(fn(transferManagerBufferSize)),
		AsyncHostToDeviceTransferManagerSetBufferError: cb(fn(transferManagerSetBufferError)),
		AsyncHostToDeviceTransferManagerAddMetadata:    cb(fn(transferManagerAddMetadata)),
	}
})

// extensionCallbacks are the function pointers of the extensions, shared by all tables.
type extensionCallbacks struct {
	getStream, waitStream                     uintptr
	memoryDescriptions, memoryDescriptionKind uintptr
	registerCustomCall                        uintptr
	serializedExecutableDeleter               uintptr

	memoryLayoutDestroy, memoryLayoutSerialize, serializedLayoutDeleter uintptr
	clientGetDefaultLayout, bufferMemoryLayout                          uintptr
	topologyGetDefaultLayout, executableGetOutputLayouts                uintptr

	ffiTypeRegister, ffiUserDataAdd, ffiRegisterHandler uintptr

	rawBufferCreateAlias, rawBufferDestroy, rawBufferOnDeviceSize, rawBufferMemorySpace uintptr
	rawBufferHostToDevice, rawBufferDeviceToHost, rawBufferHostPointer                  uintptr

	callbackError uintptr
}

var callbacks func() *extensionCallbacks

func init() {
	callbacks = sync.OnceValue(func() *extensionCallbacks {
		return &extensionCallbacks{
			getStream:                   purego.NewCallback(fn(getStreamForExternalReadyEvents)),
			waitStream:                  purego.NewCallback(fn(waitUntilBufferReadyOnStream)),
			memoryDescriptions:          purego.NewCallback(fn(deviceDescriptionMemoryDescriptions)),
			memoryDescriptionKind:       purego.NewCallback(fn(memoryDescriptionKind)),
			registerCustomCall:          purego.NewCallback(fn(registerCustomCall)),
			serializedExecutableDeleter: purego.NewCallback(serializedExecutableDeleter),

			memoryLayoutDestroy:        purego.NewCallback(fn(memoryLayoutDestroy)),
			memoryLayoutSerialize:      purego.NewCallback(fn(memoryLayoutSerialize)),
			serializedLayoutDeleter:    purego.NewCallback(serializedLayoutDeleter),
			clientGetDefaultLayout:     purego.NewCallback(fn(clientGetDefaultLayout)),
			bufferMemoryLayout:         purego.NewCallback(fn(bufferMemoryLayout)),
			topologyGetDefaultLayout:   purego.NewCallback(fn(topologyGetDefaultLayout)),
			executableGetOutputLayouts: purego.NewCallback(fn(executableGetOutputLayouts)),

			ffiTypeRegister:    purego.NewCallback(fn(ffiTypeRegister)),
			ffiUserDataAdd:     purego.NewCallback(fn(ffiUserDataAdd)),
			ffiRegisterHandler: purego.NewCallback(fn(ffiRegisterHandler)),

			rawBufferCreateAlias:  purego.NewCallback(fn(rawBufferCreateRawAliasOfBuffer)),
			rawBufferDestroy:      purego.NewCallback(fn(rawBufferDestroy)),
			rawBufferOnDeviceSize: purego.NewCallback(fn(rawBufferGetOnDeviceSizeInBytes)),
			rawBufferMemorySpace:  purego.NewCallback(fn(rawBufferGetMemorySpace)),
			rawBufferHostToDevice: purego.NewCallback(fn(rawBufferCopyRawHostToDevice)),
			rawBufferDeviceToHost: purego.NewCallback(fn(rawBufferCopyRawDeviceToHost)),
			rawBufferHostPointer:  purego.NewCallback(fn(rawBufferGetHostPointer)),

			callbackError: purego.NewCallback(callbackError),
		}
	})
}
