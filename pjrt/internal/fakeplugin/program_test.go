package fakeplugin

import (
	"testing"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestParseShape(t *testing.T) {
	s, err := parseShape("f32[2,3]")
	require.Nil(t, err)
	require.Equal(t, dtypes.Float32, s.dtype)
	require.Equal(t, []int64{2, 3}, s.dims)
	require.Equal(t, 24, s.size())
	require.Equal(t, "float32[2,3]", s.String())
	require.True(t, s.matches(dtypes.Float32, []int64{2, 3}))
	require.False(t, s.matches(dtypes.Float32, []int64{3, 2}))
	require.False(t, s.matches(dtypes.Int32, []int64{2, 3}))

	s, err = parseShape("s32[]")
	require.Nil(t, err)
	require.Empty(t, s.dims)
	require.Equal(t, 4, s.size())

	s, err = parseShape("s4[3]")
	require.Nil(t, err)
	require.Equal(t, 2, s.size())

	for _, text := range []string{"f32", "[2]", "f32[2", "x99[2]", "f32[a]", "f32[-1]"} {
		_, err = parseShape(text)
		require.NotNilf(t, err, "parseShape(%q) should have failed", text)
		require.Equal(t, capi.CodeInvalidArgument, err.code)
	}
}

func TestParseProgram(t *testing.T) {
	p, err := parseProgram("mlir", []byte("identity f32[2] s8[]"))
	require.Nil(t, err)
	require.Equal(t, "identity", p.op)
	require.Len(t, p.params, 2)
	require.Equal(t, p.params, p.outputs)

	p, err = parseProgram("fake", []byte(" recv 7\n u8[16] "))
	require.Nil(t, err)
	require.Equal(t, "recv", p.op)
	require.Equal(t, int64(7), p.channel)
	require.Empty(t, p.params)
	require.Len(t, p.outputs, 1)

	for _, code := range []string{"", "tanh f32[]", "recv f32[]", "recv x f32[]", "identity f32"} {
		_, err = parseProgram("hlo", []byte(code))
		require.NotNilf(t, err, "parseProgram(%q) should have failed", code)
	}
	_, err = parseProgram("tflite", []byte("identity f32[]"))
	require.NotNil(t, err)
}

func TestDecodeCompileOptions(t *testing.T) {
	opts, err := decodeCompileOptions(nil)
	require.Nil(t, err)
	require.Equal(t, 1, opts.numReplicas)
	require.Equal(t, 1, opts.numPartitions)

	// 2 replicas, 1 partition, devices {1, 0}.
	var replicaIDs []byte
	replicaIDs = protowire.AppendVarint(replicaIDs, 1)
	replicaIDs = protowire.AppendVarint(replicaIDs, 0)
	var computation []byte
	computation = protowire.AppendTag(computation, fieldComputationReplicaDeviceIDs, protowire.BytesType)
	computation = protowire.AppendBytes(computation, replicaIDs)
	var assignment []byte
	assignment = protowire.AppendTag(assignment, fieldAssignmentComputationDevices, protowire.BytesType)
	assignment = protowire.AppendBytes(assignment, computation)
	var build []byte
	build = protowire.AppendTag(build, 1, protowire.VarintType) // device_ordinal, ignored.
	build = protowire.AppendVarint(build, 1<<64-1)
	build = protowire.AppendTag(build, fieldBuildNumReplicas, protowire.VarintType)
	build = protowire.AppendVarint(build, 2)
	build = protowire.AppendTag(build, fieldBuildDeviceAssignment, protowire.BytesType)
	build = protowire.AppendBytes(build, assignment)
	var options []byte
	options = protowire.AppendTag(options, 2, protowire.VarintType) // parameter_is_tupled_arguments, ignored.
	options = protowire.AppendVarint(options, 1)
	options = protowire.AppendTag(options, fieldCompileExecutableBuildOptions, protowire.BytesType)
	options = protowire.AppendBytes(options, build)

	opts, err = decodeCompileOptions(options)
	require.Nil(t, err)
	require.Equal(t, 2, opts.numReplicas)
	require.Equal(t, 1, opts.numPartitions)
	require.Equal(t, [][]int64{{1, 0}}, opts.deviceAssignment)

	e := &fakeExecutable{opts: opts}
	ids, err := e.deviceIDs(2)
	require.Nil(t, err)
	require.Equal(t, []int{1, 0}, ids)
	_, err = e.deviceIDs(1)
	require.NotNil(t, err)

	_, err = decodeCompileOptions([]byte{0xff})
	require.NotNil(t, err)
	require.Equal(t, capi.CodeInvalidArgument, err.code)
}
