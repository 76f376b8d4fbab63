package pjrt

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// ProfilerExtension is the typed view of the plugin's Profiler extension.
type ProfilerExtension struct {
	ext *capi.ProfilerExtension
}

func (*ProfilerExtension) extensionType() ExtensionType { return ExtensionProfiler }

func (*ProfilerExtension) minStructSize() uintptr { return unsafe.Sizeof(capi.ProfilerExtension{}) }

func (*ProfilerExtension) withNode(_ *Plugin, node *capi.ExtensionBase) ExtensionView {
	return &ProfilerExtension{ext: (*capi.ProfilerExtension)(unsafe.Pointer(node))}
}

// ProfilerAPI returns the pointer to the plugin's PLUGIN_Profiler_Api table, to be used by profiler integrations.
func (e *ProfilerExtension) ProfilerAPI() uintptr {
	return e.ext.ProfilerAPI
}

// HasProfilerAPI returns whether the plugin provides a profiler API table.
func (e *ProfilerExtension) HasProfilerAPI() bool {
	return e.ext.ProfilerAPI != 0
}

// TracemeContextID returns the id used to correlate host traces with the plugin's traces.
func (e *ProfilerExtension) TracemeContextID() int64 {
	return e.ext.TracemeContextID
}

// MemoryDescriptionsExtension is the typed view of the plugin's MemoryDescriptions extension: it describes the
// kinds of memory a device has, without requiring an addressable device (e.g.: from a TopologyDescription).
type MemoryDescriptionsExtension struct {
	plugin *Plugin
	ext    *capi.MemoryDescriptionsExtension
}

func (*MemoryDescriptionsExtension) extensionType() ExtensionType { return ExtensionMemoryDescriptions }

func (*MemoryDescriptionsExtension) minStructSize() uintptr {
	return unsafe.Sizeof(capi.MemoryDescriptionsExtension{})
}

func (*MemoryDescriptionsExtension) withNode(p *Plugin, node *capi.ExtensionBase) ExtensionView {
	return &MemoryDescriptionsExtension{plugin: p, ext: (*capi.MemoryDescriptionsExtension)(unsafe.Pointer(node))}
}

// MemoryDescription describes one kind of memory of a device. It is owned by the plugin.
type MemoryDescription struct {
	ext  *MemoryDescriptionsExtension
	desc uintptr
}

// MemoryDescriptions returns the memory descriptions of the device description, and the index of the default one.
// If there is no default memory, defaultIndex is -1.
func (e *MemoryDescriptionsExtension) MemoryDescriptions(dd *DeviceDescription) (descriptions []MemoryDescription, defaultIndex int, err error) {
	const name = "PJRT_DeviceDescription_MemoryDescriptions"
	if dd == nil || dd.cDesc == 0 {
		return nil, -1, errDestroyed(name, "DeviceDescription")
	}
	args := capi.New[capi.DeviceDescriptionMemoryDescriptionsArgs]()
	args.DeviceDescription = dd.cDesc
	err = callFn(e.plugin, e.ext.DeviceDescriptionMemoryDescriptions, name, args)
	runtime.KeepAlive(dd)
	if err != nil {
		return nil, -1, err
	}
	ptrs := cSlice[uintptr](args.MemoryDescriptions, args.NumMemoryDescriptions)
	descriptions = make([]MemoryDescription, len(ptrs))
	for ii, ptr := range ptrs {
		descriptions[ii] = MemoryDescription{ext: e, desc: ptr}
	}
	defaultIndex = int(int64(args.DefaultMemoryIndex))
	if defaultIndex >= len(descriptions) {
		defaultIndex = -1
	}
	return descriptions, defaultIndex, nil
}

// Kind returns the kind of the memory (e.g.: "device", "pinned_host") and the kind id.
func (md MemoryDescription) Kind() (kind string, kindID int, err error) {
	args := capi.New[capi.MemoryDescriptionKindArgs]()
	args.MemoryDescription = md.desc
	err = callFn(md.ext.plugin, md.ext.ext.MemoryDescriptionKind, "PJRT_MemoryDescription_Kind", args)
	if err != nil {
		return "", 0, err
	}
	return cString(args.Kind, args.KindSize), int(args.KindID), nil
}

// GPUCustomCallExtension is the typed view of the plugin's GpuCustomCall extension.
type GPUCustomCallExtension struct {
	plugin *Plugin
	ext    *capi.GpuCustomCallExtension
}

func (*GPUCustomCallExtension) extensionType() ExtensionType { return ExtensionGpuCustomCall }

func (*GPUCustomCallExtension) minStructSize() uintptr { return unsafe.Sizeof(capi.GpuCustomCallExtension{}) }

func (*GPUCustomCallExtension) withNode(p *Plugin, node *capi.ExtensionBase) ExtensionView {
	return &GPUCustomCallExtension{plugin: p, ext: (*capi.GpuCustomCallExtension)(unsafe.Pointer(node))}
}

// CustomCallHandlers are the C function pointers of a custom call implementation. For api version 0 only
// Execute is used (the legacy custom call signature), for version 1 (XLA FFI) all the handlers may be given.
//
// They are raw native function pointers: this is inherently unsafe.
type CustomCallHandlers struct {
	Instantiate, Prepare, Initialize, Execute uintptr
}

// RegisterCustomCall registers a native custom call target with the given name in the plugin.
func (e *GPUCustomCallExtension) RegisterCustomCall(name string, apiVersion int, handlers CustomCallHandlers) error {
	const fnName = "PJRT_Gpu_Register_Custom_Call"
	if name == "" {
		return newError(KindInvalidArgument, CodeInvalidArgument, fnName, "custom call name cannot be empty")
	}
	nameBytes := []byte(name)
	args := capi.New[capi.GpuRegisterCustomCallArgs]()
	args.FunctionName = sliceAddr(nameBytes)
	args.FunctionNameSize = uintptr(len(nameBytes))
	args.APIVersion = int32(apiVersion)
	args.HandlerInstantiate = handlers.Instantiate
	args.HandlerPrepare = handlers.Prepare
	args.HandlerInitialize = handlers.Initialize
	args.HandlerExecute = handlers.Execute
	err := callFn(e.plugin, e.ext.CustomCall, fnName, args)
	runtime.KeepAlive(nameBytes)
	return err
}
