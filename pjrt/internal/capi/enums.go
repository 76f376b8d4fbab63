package capi

// ExtensionType is the PJRT_Extension_Type tag of an extension struct.
type ExtensionType int32

const (
	ExtensionTypeGpuCustomCall ExtensionType = iota
	ExtensionTypeProfiler
	ExtensionTypeCustomPartitioner
	ExtensionTypeStream
	ExtensionTypeLayouts
	ExtensionTypeFFI
	ExtensionTypeMemoryDescriptions
	ExtensionTypeTriton
	ExtensionTypeRawBuffer
	ExtensionTypePhaseCompile
	ExtensionTypeExample
	ExtensionTypeUnknown
	ExtensionTypeCrossHostTransfers
	ExtensionTypeExecutableMetadata
	ExtensionTypeCallback
	ExtensionTypeHostAllocator
	ExtensionTypeTpuTopology
	ExtensionTypeTpuExecutable
	ExtensionTypeMegascale
)

// NamedValueType is the PJRT_NamedValue_Type enum.
type NamedValueType int32

const (
	NamedValueString NamedValueType = iota
	NamedValueInt64
	NamedValueInt64List
	NamedValueFloat
	NamedValueBool
)

// MemoryLayoutType is the PJRT_Buffer_MemoryLayout_Type enum.
type MemoryLayoutType int32

const (
	MemoryLayoutTiled MemoryLayoutType = iota
	MemoryLayoutStrides
)

// HostBufferSemantics is the PJRT_HostBufferSemantics enum.
type HostBufferSemantics int32

const (
	HostBufferImmutableOnlyDuringCall HostBufferSemantics = iota
	HostBufferImmutableUntilTransferCompletes
	HostBufferImmutableZeroCopy
	HostBufferMutableZeroCopy
)

// Canonical PJRT_Error_Code values used by the in-process test plugin.
const (
	CodeCancelled          int32 = 1
	CodeUnknown            int32 = 2
	CodeInvalidArgument    int32 = 3
	CodeNotFound           int32 = 5
	CodeAlreadyExists      int32 = 6
	CodeFailedPrecondition int32 = 9
	CodeOutOfRange         int32 = 11
	CodeUnimplemented      int32 = 12
	CodeInternal           int32 = 13
)
