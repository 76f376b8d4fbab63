package capi

// StreamExtension is PJRT_Stream_Extension.
type StreamExtension struct {
	Base       ExtensionBase
	GetStream  uintptr // PJRT_Get_Stream_For_External_Ready_Events
	WaitStream uintptr // PJRT_Wait_Until_Buffer_Ready_On_Stream
}

type GetStreamForExternalReadyEventsArgs struct {
	Header
	Device uintptr
	Stream uintptr // intptr_t, platform specific stream handle.
}

type WaitUntilBufferReadyOnStreamArgs struct {
	Header
	Stream uintptr
	Buffer uintptr
}

// ProfilerExtension is PJRT_Profiler_Extension.
type ProfilerExtension struct {
	Base             ExtensionBase
	ProfilerAPI      uintptr // PLUGIN_Profiler_Api*
	TracemeContextID int64
}

// MemoryDescriptionsExtension is PJRT_MemoryDescriptions_Extension.
type MemoryDescriptionsExtension struct {
	Base                                ExtensionBase
	DeviceDescriptionMemoryDescriptions uintptr
	MemoryDescriptionKind               uintptr
}

type DeviceDescriptionMemoryDescriptionsArgs struct {
	Header
	DeviceDescription     uintptr
	MemoryDescriptions    uintptr // const PJRT_MemoryDescription* const*
	NumMemoryDescriptions uintptr
	DefaultMemoryIndex    uintptr
}

type MemoryDescriptionKindArgs struct {
	Header
	MemoryDescription uintptr
	Kind              uintptr
	KindSize          uintptr
	KindID            int32
}

// GpuCustomCallExtension is PJRT_Gpu_Custom_Call.
type GpuCustomCallExtension struct {
	Base       ExtensionBase
	CustomCall uintptr // PJRT_Gpu_Register_Custom_Call
}

// GpuRegisterCustomCallArgs is PJRT_Gpu_Register_Custom_Call_Args. It has no extension_start.
type GpuRegisterCustomCallArgs struct {
	StructSize         uintptr
	FunctionName       uintptr
	FunctionNameSize   uintptr
	APIVersion         int32
	HandlerInstantiate uintptr
	HandlerPrepare     uintptr
	HandlerInitialize  uintptr
	HandlerExecute     uintptr
}

// LayoutsExtension is PJRT_Layouts_Extension.
type LayoutsExtension struct {
	Base                       ExtensionBase
	MemoryLayoutDestroy        uintptr // PJRT_Layouts_MemoryLayout_Destroy
	MemoryLayoutSerialize      uintptr // PJRT_Layouts_MemoryLayout_Serialize
	ClientGetDefaultLayout     uintptr // PJRT_Layouts_PJRT_Client_GetDefaultLayout
	BufferMemoryLayout         uintptr // PJRT_Layouts_PJRT_Buffer_MemoryLayout
	TopologyGetDefaultLayout   uintptr // PJRT_Layouts_PJRT_Topology_GetDefaultLayout
	ExecutableGetOutputLayouts uintptr // PJRT_Layouts_PJRT_Executable_GetOutputLayouts
}

type LayoutsMemoryLayoutDestroyArgs struct {
	Header
	Layout uintptr
}

type LayoutsMemoryLayoutSerializeArgs struct {
	Header
	Layout                  uintptr
	SerializedBytes         uintptr // out
	SerializedBytesSize     uintptr // out
	SerializedLayout        uintptr // out, freed with SerializedLayoutDeleter.
	SerializedLayoutDeleter uintptr // out, C signature void (*)(PJRT_Layouts_SerializedLayout*).
}

type LayoutsClientGetDefaultLayoutArgs struct {
	Header
	Client  uintptr
	Type    int32
	Dims    uintptr
	NumDims uintptr
	Layout  uintptr // out
}

type LayoutsBufferMemoryLayoutArgs struct {
	Header
	Buffer uintptr
	Layout uintptr // out
}

type LayoutsTopologyGetDefaultLayoutArgs struct {
	Header
	TopologyDescription uintptr
	Type                int32
	Dims                uintptr
	NumDims             uintptr
	Layout              uintptr // out
}

type LayoutsExecutableGetOutputLayoutsArgs struct {
	Header
	Executable uintptr
	NumOutputs uintptr // out
	Layouts    uintptr // out, PJRT_Layouts_MemoryLayout**: each one must be destroyed.
}

// FFIExtension is PJRT_FFI_Extension.
type FFIExtension struct {
	Base            ExtensionBase
	TypeRegister    uintptr // PJRT_FFI_Type_Register
	UserDataAdd     uintptr // PJRT_FFI_UserData_Add
	RegisterHandler uintptr // PJRT_FFI_Register_Handler
}

// FFIHandlerTraitCommandBufferCompatible is PJRT_FFI_HANDLER_TRAITS_COMMAND_BUFFER_COMPATIBLE.
const FFIHandlerTraitCommandBufferCompatible = 1 << 0

// FFITypeInfo is PJRT_FFI_Type_Info. It has no struct_size.
type FFITypeInfo struct {
	Deleter     uintptr // void (*)(void*)
	Serialize   uintptr
	Deserialize uintptr
}

type FFITypeRegisterArgs struct {
	Header
	TypeName     uintptr
	TypeNameSize uintptr
	TypeID       int64   // in-out: 0 asks the plugin to assign one.
	TypeInfo     uintptr // PJRT_FFI_Type_Info*
}

type FFIUserDataAddArgs struct {
	Header
	Context      uintptr // PJRT_ExecuteContext*
	UserDataType int64   // PJRT_FFI_UserData.type_id
	UserData     uintptr // PJRT_FFI_UserData.data
}

// FFIRegisterHandlerArgs is PJRT_FFI_Register_Handler_Args. It has no extension_start.
type FFIRegisterHandlerArgs struct {
	StructSize       uintptr
	TargetName       uintptr
	TargetNameSize   uintptr
	Handler          uintptr
	PlatformName     uintptr
	PlatformNameSize uintptr
	Traits           uint32
}

// RawBufferExtension is PJRT_RawBuffer_Extension.
type RawBufferExtension struct {
	Base                   ExtensionBase
	CreateRawAliasOfBuffer uintptr
	Destroy                uintptr
	GetOnDeviceSizeInBytes uintptr
	GetMemorySpace         uintptr
	CopyRawHostToDevice    uintptr
	CopyRawDeviceToHost    uintptr
	GetHostPointer         uintptr
}

type RawBufferCreateRawAliasOfBufferArgs struct {
	Header
	Buffer    uintptr
	RawBuffer uintptr // out
}

type RawBufferDestroyArgs struct {
	Header
	RawBuffer uintptr
}

type RawBufferGetOnDeviceSizeInBytesArgs struct {
	Header
	RawBuffer           uintptr
	OnDeviceSizeInBytes uintptr // out
}

type RawBufferGetMemorySpaceArgs struct {
	Header
	RawBuffer   uintptr
	MemorySpace uintptr // out
}

type RawBufferCopyRawHostToDeviceArgs struct {
	Header
	RawBuffer    uintptr
	Src          uintptr
	Offset       int64
	TransferSize int64
	Event        uintptr // out
}

type RawBufferCopyRawDeviceToHostArgs struct {
	Header
	RawBuffer    uintptr
	Dst          uintptr
	Offset       int64
	TransferSize int64
	Event        uintptr // out
}

type RawBufferGetHostPointerArgs struct {
	Header
	RawBuffer   uintptr
	HostPointer uintptr // out, 0 if the memory is not visible to the host.
}
