package pjrt

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CompileOptions configures a compilation. It is encoded (see Encode) to the xla.CompileOptionsProto wire format
// before being handed to the plugin, which is its only interpreter.
//
// The zero value is valid, but NewCompileOptions sets the build options most plugins expect.
type CompileOptions struct {
	// ParameterIsTupledArguments means the program takes its arguments as one tuple.
	ParameterIsTupledArguments bool

	// CompilePortableExecutable asks for an executable that can run on any device of the same kind: it requires
	// ExecutableBuildOptions.DeviceOrdinal to be unset (-1).
	CompilePortableExecutable bool

	// ProfileVersion of the profile guided optimization data, if any.
	ProfileVersion int64

	// ExecutableBuildOptions is not encoded if nil.
	ExecutableBuildOptions *ExecutableBuildOptions
}

// NewCompileOptions returns CompileOptions with the default ExecutableBuildOptions.
func NewCompileOptions() *CompileOptions {
	return &CompileOptions{ExecutableBuildOptions: NewExecutableBuildOptions()}
}

// ExecutableBuildOptions is the xla.ExecutableBuildOptionsProto part of the CompileOptions.
type ExecutableBuildOptions struct {
	// DeviceOrdinal is the device to build for, or -1 if not set.
	DeviceOrdinal int64

	NumReplicas   int64
	NumPartitions int64

	UseSPMDPartitioning     bool
	UseAutoSPMDPartitioning bool

	DeduplicateHLO         bool
	AliasPassthroughParams bool
	RunBackendOnly         bool

	// AllowSPMDShardingPropagationToParameters and AllowSPMDShardingPropagationToOutput hold one value per
	// parameter (or output), or a single value applied to all of them.
	AllowSPMDShardingPropagationToParameters []bool
	AllowSPMDShardingPropagationToOutput     []bool

	// DeviceMemorySize in bytes, if > 0.
	DeviceMemorySize int64

	AutoSPMDPartitioningMeshShape []int64
	AutoSPMDPartitioningMeshIDs   []int64

	UseShardyPartitioner bool

	// DeviceAssignment is not encoded if nil.
	DeviceAssignment *DeviceAssignment
}

// NewExecutableBuildOptions returns the default build options: no device ordinal, one replica and one partition.
func NewExecutableBuildOptions() *ExecutableBuildOptions {
	return &ExecutableBuildOptions{
		DeviceOrdinal: -1,
		NumReplicas:   1,
		NumPartitions: 1,
	}
}

// DeviceAssignment maps each (replica, computation) pair to a device id.
type DeviceAssignment struct {
	// Devices is indexed by [computation][replica].
	Devices [][]int64
}

// NewDeviceAssignment creates a DeviceAssignment from the flat list of device ids as returned by
// Client.DefaultDeviceAssignment: ids are ordered replica major, computation (partition) minor.
func NewDeviceAssignment(numReplicas, numComputations int, deviceIDs []int) (*DeviceAssignment, error) {
	if numReplicas <= 0 || numComputations <= 0 {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, "NewDeviceAssignment",
			"numReplicas (%d) and numComputations (%d) must be > 0", numReplicas, numComputations)
	}
	if len(deviceIDs) != numReplicas*numComputations {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, "NewDeviceAssignment",
			"%d device ids given, %d replicas x %d computations expected", len(deviceIDs), numReplicas, numComputations)
	}
	da := &DeviceAssignment{Devices: make([][]int64, numComputations)}
	for computation := range numComputations {
		da.Devices[computation] = make([]int64, numReplicas)
		for replica := range numReplicas {
			da.Devices[computation][replica] = int64(deviceIDs[replica*numComputations+computation])
		}
	}
	return da, nil
}

// NumComputations returns the number of computations (partitions) of the assignment.
func (da *DeviceAssignment) NumComputations() int {
	return len(da.Devices)
}

// NumReplicas returns the number of replicas of the assignment.
func (da *DeviceAssignment) NumReplicas() int {
	if len(da.Devices) == 0 {
		return 0
	}
	return len(da.Devices[0])
}

// Field numbers of xla/pjrt/compile_options.proto and xla/xla_data.proto.
const (
	fieldCompileParameterIsTupledArguments = 2
	fieldCompileExecutableBuildOptions     = 3
	fieldCompilePortableExecutable         = 4
	fieldCompileProfileVersion             = 5

	fieldBuildDeviceOrdinal                            = 1
	fieldBuildNumReplicas                              = 4
	fieldBuildNumPartitions                            = 5
	fieldBuildUseSPMDPartitioning                      = 6
	fieldBuildUseAutoSPMDPartitioning                  = 7
	fieldBuildDeduplicateHLO                           = 8
	fieldBuildDeviceAssignment                         = 9
	fieldBuildAliasPassthroughParams                   = 10
	fieldBuildRunBackendOnly                           = 11
	fieldBuildAllowSPMDShardingPropagationToOutput     = 12
	fieldBuildDeviceMemorySize                         = 15
	fieldBuildAutoSPMDPartitioningMeshShape            = 16
	fieldBuildAutoSPMDPartitioningMeshIDs              = 17
	fieldBuildAllowSPMDShardingPropagationToParameters = 18
	fieldBuildUseShardyPartitioner                     = 19

	fieldAssignmentReplicaCount       = 1
	fieldAssignmentComputationCount   = 2
	fieldAssignmentComputationDevices = 3
	fieldComputationDeviceReplicaIDs  = 1
)

// Encode returns the options serialized as a xla.CompileOptionsProto. The returned bytes don't change if the
// options are later modified.
func (o *CompileOptions) Encode() []byte {
	var b []byte
	b = appendBool(b, fieldCompileParameterIsTupledArguments, o.ParameterIsTupledArguments)
	if o.ExecutableBuildOptions != nil {
		b = protowire.AppendTag(b, fieldCompileExecutableBuildOptions, protowire.BytesType)
		b = protowire.AppendBytes(b, o.ExecutableBuildOptions.Encode())
	}
	b = appendBool(b, fieldCompilePortableExecutable, o.CompilePortableExecutable)
	b = appendInt64(b, fieldCompileProfileVersion, o.ProfileVersion)
	return b
}

// String implements fmt.Stringer.
func (o *CompileOptions) String() string {
	return fmt.Sprintf("CompileOptions{tupled=%v, portable=%v, profile=%d, build=%v}",
		o.ParameterIsTupledArguments, o.CompilePortableExecutable, o.ProfileVersion, o.ExecutableBuildOptions)
}

// Encode returns the build options serialized as a xla.ExecutableBuildOptionsProto.
func (o *ExecutableBuildOptions) Encode() []byte {
	var b []byte
	b = appendInt64(b, fieldBuildDeviceOrdinal, o.DeviceOrdinal)
	b = appendInt64(b, fieldBuildNumReplicas, o.NumReplicas)
	b = appendInt64(b, fieldBuildNumPartitions, o.NumPartitions)
	b = appendBool(b, fieldBuildUseSPMDPartitioning, o.UseSPMDPartitioning)
	b = appendBool(b, fieldBuildUseAutoSPMDPartitioning, o.UseAutoSPMDPartitioning)
	b = appendBool(b, fieldBuildDeduplicateHLO, o.DeduplicateHLO)
	if o.DeviceAssignment != nil {
		b = protowire.AppendTag(b, fieldBuildDeviceAssignment, protowire.BytesType)
		b = protowire.AppendBytes(b, o.DeviceAssignment.encode())
	}
	b = appendBool(b, fieldBuildAliasPassthroughParams, o.AliasPassthroughParams)
	b = appendBool(b, fieldBuildRunBackendOnly, o.RunBackendOnly)
	b = appendPackedBools(b, fieldBuildAllowSPMDShardingPropagationToOutput, o.AllowSPMDShardingPropagationToOutput)
	b = appendInt64(b, fieldBuildDeviceMemorySize, o.DeviceMemorySize)
	b = appendPackedInt64s(b, fieldBuildAutoSPMDPartitioningMeshShape, o.AutoSPMDPartitioningMeshShape)
	b = appendPackedInt64s(b, fieldBuildAutoSPMDPartitioningMeshIDs, o.AutoSPMDPartitioningMeshIDs)
	b = appendPackedBools(b, fieldBuildAllowSPMDShardingPropagationToParameters, o.AllowSPMDShardingPropagationToParameters)
	b = appendBool(b, fieldBuildUseShardyPartitioner, o.UseShardyPartitioner)
	return b
}

// String implements fmt.Stringer.
func (o *ExecutableBuildOptions) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{device=%d, replicas=%d, partitions=%d, spmd=%v, shardy=%v}",
		o.DeviceOrdinal, o.NumReplicas, o.NumPartitions, o.UseSPMDPartitioning, o.UseShardyPartitioner)
}

// encode serializes it as a xla.DeviceAssignmentProto.
func (da *DeviceAssignment) encode() []byte {
	var b []byte
	b = appendInt64(b, fieldAssignmentReplicaCount, int64(da.NumReplicas()))
	b = appendInt64(b, fieldAssignmentComputationCount, int64(da.NumComputations()))
	for _, replicaIDs := range da.Devices {
		computation := appendPackedInt64s(nil, fieldComputationDeviceReplicaIDs, replicaIDs)
		b = protowire.AppendTag(b, fieldAssignmentComputationDevices, protowire.BytesType)
		b = protowire.AppendBytes(b, computation)
	}
	return b
}

// appendBool appends a proto3 bool field, omitted if false.
func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// appendInt64 appends a proto3 int64 field, omitted if 0.
func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// appendPackedBools appends a packed repeated bool field, omitted if empty.
func appendPackedBools(b []byte, num protowire.Number, values []bool) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, protowire.EncodeBool(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// appendPackedInt64s appends a packed repeated int64 field, omitted if empty.
func appendPackedInt64s(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}
