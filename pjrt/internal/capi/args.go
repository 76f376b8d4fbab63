package capi

import "unsafe"

// Header is the common prefix of every Args struct: struct_size and extension_start.
type Header struct {
	StructSize     uintptr
	ExtensionStart uintptr
}

// New allocates a zeroed T and sets its leading struct_size field to the size of T.
// T must be a struct whose first field is a uintptr struct_size (all Args structs are).
func New[T any]() *T {
	t := new(T)
	*(*uintptr)(unsafe.Pointer(t)) = unsafe.Sizeof(*t)
	return t
}

// Errors.

type ErrorDestroyArgs struct {
	Header
	Error uintptr
}

type ErrorMessageArgs struct {
	Header
	Error       uintptr
	Message     uintptr
	MessageSize uintptr
}

type ErrorGetCodeArgs struct {
	Header
	Error uintptr
	Code  int32
}

// NamedValue is PJRT_NamedValue. Value holds the raw bits of the C union:
// a const char* (string), int64_t, const int64_t* (list), float or bool.
type NamedValue struct {
	Header
	Name      uintptr
	NameSize  uintptr
	Type      NamedValueType
	Value     uint64
	ValueSize uintptr
}

// Plugin.

type PluginInitializeArgs struct {
	Header
}

type PluginAttributesArgs struct {
	Header
	Attributes    uintptr
	NumAttributes uintptr
}

// Events.

type EventDestroyArgs struct {
	Header
	Event uintptr
}

type EventIsReadyArgs struct {
	Header
	Event   uintptr
	IsReady bool
}

type EventErrorArgs struct {
	Header
	Event uintptr
}

type EventAwaitArgs struct {
	Header
	Event uintptr
}

type EventOnReadyArgs struct {
	Header
	Event    uintptr
	Callback uintptr // void (*)(PJRT_Error* error, void* user_arg)
	UserArg  uintptr
}

type EventCreateArgs struct {
	Header
	Event uintptr
}

type EventSetArgs struct {
	Header
	Event            uintptr
	ErrorCode        int32
	ErrorMessage     uintptr
	ErrorMessageSize uintptr
}

// Client.

type ClientCreateArgs struct {
	Header
	CreateOptions    uintptr
	NumOptions       uintptr
	KVGetCallback    uintptr
	KVGetUserArg     uintptr
	KVPutCallback    uintptr
	KVPutUserArg     uintptr
	Client           uintptr
	KVTryGetCallback uintptr
	KVTryGetUserArg  uintptr
}

type ClientDestroyArgs struct {
	Header
	Client uintptr
}

type ClientPlatformNameArgs struct {
	Header
	Client           uintptr
	PlatformName     uintptr
	PlatformNameSize uintptr
}

type ClientProcessIndexArgs struct {
	Header
	Client       uintptr
	ProcessIndex int32
}

type ClientPlatformVersionArgs struct {
	Header
	Client              uintptr
	PlatformVersion     uintptr
	PlatformVersionSize uintptr
}

type ClientTopologyDescriptionArgs struct {
	Header
	Client   uintptr
	Topology uintptr
}

type ClientDevicesArgs struct {
	Header
	Client     uintptr
	Devices    uintptr
	NumDevices uintptr
}

type ClientAddressableDevicesArgs struct {
	Header
	Client                uintptr
	AddressableDevices    uintptr
	NumAddressableDevices uintptr
}

type ClientLookupDeviceArgs struct {
	Header
	Client uintptr
	ID     int32
	Device uintptr
}

type ClientLookupAddressableDeviceArgs struct {
	Header
	Client            uintptr
	LocalHardwareID   int32
	AddressableDevice uintptr
}

type ClientAddressableMemoriesArgs struct {
	Header
	Client                 uintptr
	AddressableMemories    uintptr
	NumAddressableMemories uintptr
}

type Program struct {
	Header
	Code       uintptr
	CodeSize   uintptr
	Format     uintptr
	FormatSize uintptr
}

type ClientCompileArgs struct {
	Header
	Client             uintptr
	Program            uintptr
	CompileOptions     uintptr
	CompileOptionsSize uintptr
	Executable         uintptr
}

type ClientDefaultDeviceAssignmentArgs struct {
	Header
	Client                uintptr
	NumReplicas           int32
	NumPartitions         int32
	DefaultAssignmentSize uintptr
	DefaultAssignment     uintptr // int* filled by the plugin, allocated by the caller.
}

type ClientBufferFromHostBufferArgs struct {
	Header
	Client              uintptr
	Data                uintptr
	Type                int32
	Dims                uintptr
	NumDims             uintptr
	ByteStrides         uintptr
	NumByteStrides      uintptr
	HostBufferSemantics HostBufferSemantics
	Device              uintptr
	Memory              uintptr
	DeviceLayout        uintptr
	DoneWithHostBuffer  uintptr
	Buffer              uintptr
}

type ClientCreateViewOfDeviceBufferArgs struct {
	Header
	Client              uintptr
	DeviceBufferPtr     uintptr
	Dims                uintptr
	NumDims             uintptr
	ElementType         int32
	Layout              uintptr
	Device              uintptr
	OnDeleteCallback    uintptr // void (*)(void* device_buffer_ptr, void* user_arg)
	OnDeleteCallbackArg uintptr
	Stream              uintptr
	Buffer              uintptr
	Memory              uintptr
}

// Device descriptions.

type DeviceDescriptionIDArgs struct {
	Header
	DeviceDescription uintptr
	ID                int32
}

type DeviceDescriptionProcessIndexArgs struct {
	Header
	DeviceDescription uintptr
	ProcessIndex      int32
}

type DeviceDescriptionAttributesArgs struct {
	Header
	DeviceDescription uintptr
	NumAttributes     uintptr
	Attributes        uintptr
}

type DeviceDescriptionKindArgs struct {
	Header
	DeviceDescription uintptr
	DeviceKind        uintptr
	DeviceKindSize    uintptr
}

type DeviceDescriptionDebugStringArgs struct {
	Header
	DeviceDescription uintptr
	DebugString       uintptr
	DebugStringSize   uintptr
}

type DeviceDescriptionToStringArgs struct {
	Header
	DeviceDescription uintptr
	ToString          uintptr
	ToStringSize      uintptr
}

// Devices.

type DeviceGetDescriptionArgs struct {
	Header
	Device            uintptr
	DeviceDescription uintptr
}

type DeviceIsAddressableArgs struct {
	Header
	Device        uintptr
	IsAddressable bool
}

type DeviceLocalHardwareIDArgs struct {
	Header
	Device          uintptr
	LocalHardwareID int32
}

type DeviceAddressableMemoriesArgs struct {
	Header
	Device      uintptr
	Memories    uintptr
	NumMemories uintptr
}

type DeviceDefaultMemoryArgs struct {
	Header
	Device uintptr
	Memory uintptr
}

type DeviceMemoryStatsArgs struct {
	Header
	Device uintptr

	BytesInUse int64

	PeakBytesInUse             int64
	PeakBytesInUseIsSet        bool
	NumAllocs                  int64
	NumAllocsIsSet             bool
	LargestAllocSize           int64
	LargestAllocSizeIsSet      bool
	BytesLimit                 int64
	BytesLimitIsSet            bool
	BytesReserved              int64
	BytesReservedIsSet         bool
	PeakBytesReserved          int64
	PeakBytesReservedIsSet     bool
	BytesReservableLimit       int64
	BytesReservableLimitIsSet  bool
	LargestFreeBlockBytes      int64
	LargestFreeBlockBytesIsSet bool
	PoolBytes                  int64
	PoolBytesIsSet             bool
	PeakPoolBytes              int64
	PeakPoolBytesIsSet         bool
}

// Memories.

type MemoryIDArgs struct {
	Header
	Memory uintptr
	ID     int32
}

type MemoryKindArgs struct {
	Header
	Memory   uintptr
	Kind     uintptr
	KindSize uintptr
}

type MemoryKindIDArgs struct {
	Header
	Memory uintptr
	KindID int32
}

type MemoryDebugStringArgs struct {
	Header
	Memory          uintptr
	DebugString     uintptr
	DebugStringSize uintptr
}

type MemoryToStringArgs struct {
	Header
	Memory       uintptr
	ToString     uintptr
	ToStringSize uintptr
}

type MemoryAddressableByDevicesArgs struct {
	Header
	Memory     uintptr
	Devices    uintptr
	NumDevices uintptr
}

// Execute contexts.

type ExecuteContextCreateArgs struct {
	Header
	Context uintptr
}

type ExecuteContextDestroyArgs struct {
	Header
	Context uintptr
}

// Executables.

type ExecutableDestroyArgs struct {
	Header
	Executable uintptr
}

type ExecutableNameArgs struct {
	Header
	Executable         uintptr
	ExecutableName     uintptr
	ExecutableNameSize uintptr
}

type ExecutableNumReplicasArgs struct {
	Header
	Executable  uintptr
	NumReplicas uintptr
}

type ExecutableNumPartitionsArgs struct {
	Header
	Executable    uintptr
	NumPartitions uintptr
}

type ExecutableNumOutputsArgs struct {
	Header
	Executable uintptr
	NumOutputs uintptr
}

type ExecutableSizeOfGeneratedCodeInBytesArgs struct {
	Header
	Executable  uintptr
	SizeInBytes int64
}

type ExecutableFingerprintArgs struct {
	Header
	Executable                uintptr
	ExecutableFingerprint     uintptr
	ExecutableFingerprintSize uintptr
}

type ExecutableGetCostAnalysisArgs struct {
	Header
	Executable    uintptr
	NumProperties uintptr
	Properties    uintptr
}

type ExecutableGetCompiledMemoryStatsArgs struct {
	Header
	Executable uintptr

	GeneratedCodeSizeInBytes int64
	ArgumentSizeInBytes      int64
	OutputSizeInBytes        int64
	AliasSizeInBytes         int64
	TempSizeInBytes          int64

	HostGeneratedCodeSizeInBytes int64
	HostArgumentSizeInBytes      int64
	HostOutputSizeInBytes        int64
	HostAliasSizeInBytes         int64
	HostTempSizeInBytes          int64
}

type ExecutableOutputElementTypesArgs struct {
	Header
	Executable     uintptr
	OutputTypes    uintptr // *int32
	NumOutputTypes uintptr
}

type ExecutableOutputDimensionsArgs struct {
	Header
	Executable uintptr
	NumOutputs uintptr
	Dims       uintptr // *int64, all outputs concatenated.
	DimSizes   uintptr // *size_t, rank of each output.
}

type ExecutableOutputMemoryKindsArgs struct {
	Header
	Executable      uintptr
	NumOutputs      uintptr
	MemoryKinds     uintptr // const char* const*
	MemoryKindSizes uintptr // const size_t*
}

type ExecutableOptimizedProgramArgs struct {
	Header
	Executable uintptr
	Program    uintptr // *Program, allocated by the caller; Code may be 0 to query CodeSize.
}

type ExecutableSerializeArgs struct {
	Header
	Executable                  uintptr
	SerializedBytes             uintptr
	SerializedBytesSize         uintptr
	SerializedExecutable        uintptr
	SerializedExecutableDeleter uintptr // void (*)(PJRT_SerializedExecutable*)
}

type ExecutableDeserializeAndLoadArgs struct {
	Header
	Client                                 uintptr
	SerializedExecutable                   uintptr
	SerializedExecutableSize               uintptr
	LoadedExecutable                       uintptr
	OverriddenSerializedCompileOptions     uintptr
	OverriddenSerializedCompileOptionsSize uintptr
}

// Loaded executables.

type LoadedExecutableDestroyArgs struct {
	Header
	Executable uintptr
}

type LoadedExecutableGetExecutableArgs struct {
	Header
	LoadedExecutable uintptr
	Executable       uintptr
}

type LoadedExecutableAddressableDevicesArgs struct {
	Header
	Executable            uintptr
	AddressableDevices    uintptr
	NumAddressableDevices uintptr
}

type LoadedExecutableDeleteArgs struct {
	Header
	Executable uintptr
}

type LoadedExecutableIsDeletedArgs struct {
	Header
	Executable uintptr
	IsDeleted  bool
}

type LoadedExecutableFingerprintArgs struct {
	Header
	Executable                uintptr
	ExecutableFingerprint     uintptr
	ExecutableFingerprintSize uintptr
}

// RecvCallbackInfo is PJRT_RecvCallbackInfo. RecvCallback has the C signature
// void (*)(PJRT_CopyToDeviceStream* stream, void* user_arg).
type RecvCallbackInfo struct {
	ChannelID    int64
	UserArg      uintptr
	RecvCallback uintptr
}

// SendCallbackInfo is PJRT_SendCallbackInfo.
type SendCallbackInfo struct {
	ChannelID    int64
	UserArg      uintptr
	SendCallback uintptr
}

type ExecuteOptions struct {
	Header
	SendCallbacks               uintptr // PJRT_SendCallbackInfo** (per device)
	RecvCallbacks               uintptr // PJRT_RecvCallbackInfo** (per device)
	NumSendOps                  uintptr
	NumRecvOps                  uintptr
	LaunchID                    int32
	NonDonatableInputIndices    uintptr
	NumNonDonatableInputIndices uintptr
	Context                     uintptr
}

type LoadedExecutableExecuteArgs struct {
	Header
	Executable           uintptr
	Options              uintptr
	ArgumentLists        uintptr // PJRT_Buffer* const* const*
	NumDevices           uintptr
	NumArgs              uintptr
	OutputLists          uintptr // PJRT_Buffer** const*
	DeviceCompleteEvents uintptr // PJRT_Event**
	ExecuteDevice        uintptr
}

// Buffers.

// BufferMemoryLayoutTiled is the tiled variant of the PJRT_Buffer_MemoryLayout union.
type BufferMemoryLayoutTiled struct {
	Header
	MinorToMajor     uintptr // const int64_t*
	MinorToMajorSize uintptr
	TileDims         uintptr // const int64_t*
	TileDimSizes     uintptr // const size_t*
	NumTiles         uintptr
}

// BufferMemoryLayoutStrides is the strides variant of the PJRT_Buffer_MemoryLayout union.
type BufferMemoryLayoutStrides struct {
	Header
	ByteStrides    uintptr // const int64_t*
	NumByteStrides uintptr
}

// BufferMemoryLayout is PJRT_Buffer_MemoryLayout: a union of the tiled and strides layouts, selected by Type.
type BufferMemoryLayout struct {
	Header
	Union [7]uintptr
	Type  MemoryLayoutType
}

// Tiled returns the union interpreted as the tiled layout.
func (l *BufferMemoryLayout) Tiled() *BufferMemoryLayoutTiled {
	return (*BufferMemoryLayoutTiled)(unsafe.Pointer(&l.Union))
}

// Strides returns the union interpreted as the strides layout.
func (l *BufferMemoryLayout) Strides() *BufferMemoryLayoutStrides {
	return (*BufferMemoryLayoutStrides)(unsafe.Pointer(&l.Union))
}

type BufferDestroyArgs struct {
	Header
	Buffer uintptr
}

type BufferElementTypeArgs struct {
	Header
	Buffer uintptr
	Type   int32
}

type BufferDimensionsArgs struct {
	Header
	Buffer  uintptr
	Dims    uintptr
	NumDims uintptr
}

type BufferUnpaddedDimensionsArgs struct {
	Header
	Buffer       uintptr
	UnpaddedDims uintptr
	NumDims      uintptr
}

type BufferDynamicDimensionIndicesArgs struct {
	Header
	Buffer            uintptr
	DynamicDimIndices uintptr // const size_t*
	NumDynamicDims    uintptr
}

type BufferGetMemoryLayoutArgs struct {
	Header
	Buffer uintptr
	Layout BufferMemoryLayout
}

type BufferOnDeviceSizeInBytesArgs struct {
	Header
	Buffer              uintptr
	OnDeviceSizeInBytes uintptr
}

type BufferDeviceArgs struct {
	Header
	Buffer uintptr
	Device uintptr
}

type BufferMemoryArgs struct {
	Header
	Buffer uintptr
	Memory uintptr
}

type BufferDeleteArgs struct {
	Header
	Buffer uintptr
}

type BufferIsDeletedArgs struct {
	Header
	Buffer    uintptr
	IsDeleted bool
}

type BufferCopyToDeviceArgs struct {
	Header
	Buffer    uintptr
	DstDevice uintptr
	DstBuffer uintptr
}

type BufferCopyToMemoryArgs struct {
	Header
	Buffer    uintptr
	DstMemory uintptr
	DstBuffer uintptr
}

type BufferToHostBufferArgs struct {
	Header
	Src        uintptr
	HostLayout uintptr // *BufferMemoryLayout
	Dst        uintptr
	DstSize    uintptr
	Event      uintptr
}

type BufferIsOnCPUArgs struct {
	Header
	Buffer  uintptr
	IsOnCPU bool
}

type BufferReadyEventArgs struct {
	Header
	Buffer uintptr
	Event  uintptr
}

type BufferUnsafePointerArgs struct {
	Header
	Buffer        uintptr
	BufferPointer uintptr
}

type BufferIncreaseExternalReferenceCountArgs struct {
	Header
	Buffer uintptr
}

type BufferDecreaseExternalReferenceCountArgs struct {
	Header
	Buffer uintptr
}

type BufferOpaqueDeviceMemoryDataPointerArgs struct {
	Header
	Buffer          uintptr
	DeviceMemoryPtr uintptr
}

type BufferCopyRawToHostArgs struct {
	Header
	Buffer       uintptr
	Dst          uintptr
	Offset       int64
	TransferSize int64
	Event        uintptr
}

// Copy-to-device streams.

// Chunk is PJRT_Chunk. It has no struct_size. Deleter has the C signature void (*)(void* data, void* deleter_arg).
type Chunk struct {
	Data       uintptr
	Size       uintptr
	Deleter    uintptr
	DeleterArg uintptr
}

type CopyToDeviceStreamDestroyArgs struct {
	Header
	Stream uintptr
}

type CopyToDeviceStreamAddChunkArgs struct {
	Header
	Stream           uintptr
	Chunk            uintptr // *Chunk
	TransferComplete uintptr
}

type CopyToDeviceStreamTotalBytesArgs struct {
	Header
	Stream     uintptr
	TotalBytes int64
}

type CopyToDeviceStreamGranuleSizeArgs struct {
	Header
	Stream      uintptr
	GranuleSize int64
}

type CopyToDeviceStreamCurrentBytesArgs struct {
	Header
	Stream       uintptr
	CurrentBytes int64
}

// Topology descriptions.

type TopologyDescriptionCreateArgs struct {
	Header
	TopologyName     uintptr
	TopologyNameSize uintptr
	CreateOptions    uintptr
	NumOptions       uintptr
	Topology         uintptr
}

type TopologyDescriptionDestroyArgs struct {
	Header
	Topology uintptr
}

type TopologyDescriptionPlatformNameArgs struct {
	Header
	Topology         uintptr
	PlatformName     uintptr
	PlatformNameSize uintptr
}

type TopologyDescriptionPlatformVersionArgs struct {
	Header
	Topology            uintptr
	PlatformVersion     uintptr
	PlatformVersionSize uintptr
}

type TopologyDescriptionGetDeviceDescriptionsArgs struct {
	Header
	Topology        uintptr
	Descriptions    uintptr
	NumDescriptions uintptr
}

type TopologyDescriptionAttributesArgs struct {
	Header
	Topology      uintptr
	Attributes    uintptr
	NumAttributes uintptr
}

type CompileArgs struct {
	Header
	Topology           uintptr
	Program            uintptr
	CompileOptions     uintptr
	CompileOptionsSize uintptr
	Client             uintptr
	Executable         uintptr
}

// Key-value store callbacks of PJRT_Client_Create, used by multi-process clients to exchange topology information.
// CallbackError is a PJRT_CallbackError*, with C signature PJRT_Error* (*)(PJRT_Error_Code, const char*, size_t).

type KeyValueGetCallbackArgs struct {
	Header
	Key                  uintptr
	KeySize              uintptr
	TimeoutInMs          int32
	CallbackError        uintptr
	UserArg              uintptr
	Value                uintptr // out, freed by the plugin with ValueDeleterCallback.
	ValueSize            uintptr // out
	ValueDeleterCallback uintptr // out, C signature void (*)(char* value).
}

type KeyValueTryGetCallbackArgs struct {
	Header
	Key                  uintptr
	KeySize              uintptr
	CallbackError        uintptr
	UserArg              uintptr
	Value                uintptr // out
	ValueSize            uintptr // out
	ValueDeleterCallback uintptr // out
}

type KeyValuePutCallbackArgs struct {
	Header
	Key           uintptr
	KeySize       uintptr
	Value         uintptr // Only valid during the call.
	ValueSize     uintptr
	CallbackError uintptr
	UserArg       uintptr
}

// Asynchronous host-to-device transfers.

// ShapeSpec is PJRT_ShapeSpec.
type ShapeSpec struct {
	Header
	Dims        uintptr
	NumDims     uintptr
	ElementType int32
}

type ClientCreateBuffersForAsyncHostToDeviceArgs struct {
	Header
	Client           uintptr
	ShapeSpecs       uintptr // PJRT_ShapeSpec*
	NumShapeSpecs    uintptr
	DeviceLayouts    uintptr // PJRT_Buffer_MemoryLayout**, optional: one per shape spec.
	NumDeviceLayouts uintptr
	Memory           uintptr
	TransferManager  uintptr // out
}

type AsyncHostToDeviceTransferManagerDestroyArgs struct {
	Header
	TransferManager uintptr
}

type AsyncHostToDeviceTransferManagerTransferDataArgs struct {
	Header
	TransferManager     uintptr
	BufferIndex         int32
	Data                uintptr
	Offset              int64
	TransferSize        int64
	IsLastTransfer      bool
	DoneWithH2DTransfer uintptr // out
}

type AsyncHostToDeviceTransferManagerRetrieveBufferArgs struct {
	Header
	TransferManager uintptr
	BufferIndex     int32
	BufferOut       uintptr // out
}

type AsyncHostToDeviceTransferManagerDeviceArgs struct {
	Header
	TransferManager uintptr
	DeviceOut       uintptr // out
}

type AsyncHostToDeviceTransferManagerBufferCountArgs struct {
	Header
	TransferManager uintptr
	BufferCount     uintptr // out
}

type AsyncHostToDeviceTransferManagerBufferSizeArgs struct {
	Header
	TransferManager uintptr
	BufferIndex     int32
	BufferSize      uintptr // out
}

type AsyncHostToDeviceTransferManagerSetBufferErrorArgs struct {
	Header
	TransferManager  uintptr
	BufferIndex      int32
	ErrorCode        int32
	ErrorMessage     uintptr
	ErrorMessageSize uintptr
}

type AsyncHostToDeviceTransferManagerAddMetadataArgs struct {
	Header
	TransferManager  uintptr
	TransferMetadata uintptr // const PJRT_NamedValue*
	NumMetadata      uintptr
}
