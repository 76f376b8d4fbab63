package pjrt

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// protoFields decodes one level of a protobuf message, into the varint values and the bytes values of each field.
func protoFields(t *testing.T, b []byte) (varints map[protowire.Number]uint64, bytes map[protowire.Number][][]byte) {
	varints = make(map[protowire.Number]uint64)
	bytes = make(map[protowire.Number][][]byte)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0, "malformed tag")
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			require.GreaterOrEqual(t, n, 0, "malformed varint")
			varints[num] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			require.GreaterOrEqual(t, n, 0, "malformed bytes")
			bytes[num] = append(bytes[num], v)
			b = b[n:]
		default:
			t.Fatalf("unexpected wire type %d for field %d", typ, num)
		}
	}
	return
}

// packedVarints decodes a packed repeated varint field.
func packedVarints(t *testing.T, b []byte) []uint64 {
	var values []uint64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		require.GreaterOrEqual(t, n, 0)
		values = append(values, v)
		b = b[n:]
	}
	return values
}

func TestCompileOptionsEncode(t *testing.T) {
	// Zero values are omitted.
	require.Empty(t, (&CompileOptions{}).Encode())

	options := NewCompileOptions()
	varints, bytes := protoFields(t, options.Encode())
	require.Empty(t, varints)
	require.Len(t, bytes[fieldCompileExecutableBuildOptions], 1)
	build, _ := protoFields(t, bytes[fieldCompileExecutableBuildOptions][0])
	require.Equal(t, map[protowire.Number]uint64{
		fieldBuildDeviceOrdinal: uint64(1<<64 - 1), // -1
		fieldBuildNumReplicas:   1,
		fieldBuildNumPartitions: 1,
	}, build)

	options.ParameterIsTupledArguments = true
	options.CompilePortableExecutable = true
	options.ProfileVersion = 3
	buildOptions := options.ExecutableBuildOptions
	buildOptions.DeviceOrdinal = 0
	buildOptions.NumReplicas = 2
	buildOptions.NumPartitions = 4
	buildOptions.UseSPMDPartitioning = true
	buildOptions.UseShardyPartitioner = true
	buildOptions.DeviceMemorySize = 1 << 30
	buildOptions.AllowSPMDShardingPropagationToOutput = []bool{true, false}
	buildOptions.AutoSPMDPartitioningMeshShape = []int64{2, 4}
	buildOptions.AutoSPMDPartitioningMeshIDs = []int64{0, 1, 2, 3, 4, 5, 6, 7}
	buildOptions.DeviceAssignment = capture(NewDeviceAssignment(2, 4, []int{0, 1, 2, 3, 4, 5, 6, 7})).Test(t)
	encoded := options.Encode()
	require.Contains(t, options.String(), "replicas=2, partitions=4")

	varints, bytes = protoFields(t, encoded)
	require.Equal(t, map[protowire.Number]uint64{
		fieldCompileParameterIsTupledArguments: 1,
		fieldCompilePortableExecutable:         1,
		fieldCompileProfileVersion:             3,
	}, varints)
	build, buildBytes := protoFields(t, bytes[fieldCompileExecutableBuildOptions][0])
	require.NotContains(t, build, protowire.Number(fieldBuildDeviceOrdinal))
	require.Equal(t, uint64(2), build[fieldBuildNumReplicas])
	require.Equal(t, uint64(4), build[fieldBuildNumPartitions])
	require.Equal(t, uint64(1), build[fieldBuildUseSPMDPartitioning])
	require.Equal(t, uint64(1), build[fieldBuildUseShardyPartitioner])
	require.Equal(t, uint64(1<<30), build[fieldBuildDeviceMemorySize])
	require.NotContains(t, build, protowire.Number(fieldBuildUseAutoSPMDPartitioning))
	require.Equal(t, []uint64{1, 0}, packedVarints(t, buildBytes[fieldBuildAllowSPMDShardingPropagationToOutput][0]))
	require.Equal(t, []uint64{2, 4}, packedVarints(t, buildBytes[fieldBuildAutoSPMDPartitioningMeshShape][0]))
	require.Len(t, packedVarints(t, buildBytes[fieldBuildAutoSPMDPartitioningMeshIDs][0]), 8)

	// Device assignment: one list of replica devices per computation.
	assignment, assignmentBytes := protoFields(t, buildBytes[fieldBuildDeviceAssignment][0])
	require.Equal(t, uint64(2), assignment[fieldAssignmentReplicaCount])
	require.Equal(t, uint64(4), assignment[fieldAssignmentComputationCount])
	computations := assignmentBytes[fieldAssignmentComputationDevices]
	require.Len(t, computations, 4)
	for computation, computationBytes := range computations {
		_, replicaBytes := protoFields(t, computationBytes)
		replicaIDs := packedVarints(t, replicaBytes[fieldComputationDeviceReplicaIDs][0])
		require.Equal(t, []uint64{uint64(computation), uint64(4 + computation)}, replicaIDs)
	}

	// CompileConfig keeps a snapshot of the options.
	cc := (&Client{}).Compile().WithOptions(options)
	buildOptions.NumReplicas = 8
	require.Equal(t, encoded, cc.options)
	require.NotEqual(t, encoded, options.Encode())
	raw := []byte{1, 2, 3}
	require.Equal(t, raw, (&Client{}).Compile().WithEncodedOptions(raw).options)
}

func TestNewDeviceAssignment(t *testing.T) {
	da := capture(NewDeviceAssignment(2, 3, []int{0, 1, 2, 3, 4, 5})).Test(t)
	require.Equal(t, 2, da.NumReplicas())
	require.Equal(t, 3, da.NumComputations())
	require.Equal(t, [][]int64{{0, 3}, {1, 4}, {2, 5}}, da.Devices)

	_, err := NewDeviceAssignment(2, 3, []int{0, 1, 2})
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = NewDeviceAssignment(0, 1, nil)
	require.Equal(t, KindInvalidArgument, KindOf(err))
	require.Zero(t, (&DeviceAssignment{}).NumReplicas())
}
