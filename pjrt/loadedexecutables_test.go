package pjrt

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/fakeplugin"
	"github.com/stretchr/testify/require"
)

func TestDonatableConfig(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "identity f32[] f32[] f32[]")

	fmt.Println("Memory usage:")
	fmt.Printf("OnDevice: %+v\n", exec.OnDeviceMemoryUsageStats)
	fmt.Printf("OnHost: %+v\n", exec.OnHostMemoryUsageStats)

	// Test the ExecutionConfig:
	c := exec.Execute(nil, nil, nil)                       // nil values, we are not going to actually execute it.
	require.Equal(t, []int{0, 1, 2}, c.nonDonatableInputs) // None of the inputs to be donated by default.
	c = c.Donate(1)                                        // Donate 1.
	require.Equal(t, []int{0, 2}, c.nonDonatableInputs)
	c = c.Donate(0) // Donate 0.
	require.Equal(t, []int{2}, c.nonDonatableInputs)
	c = c.Donate(0) // Donate 0 again.
	require.Equal(t, []int{2}, c.nonDonatableInputs)
	c = c.SetDonate([]bool{true, false, true})
	require.Equal(t, []int{1}, c.nonDonatableInputs)
	c = c.DonateAll()
	require.Empty(t, c.nonDonatableInputs)

	// Configuration errors are reported by Done.
	_, err := exec.Execute(nil, nil, nil).SetDonate([]bool{true}).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = exec.Execute(nil, nil, nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = exec.Execute().OnDevicesByNum(17).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = exec.Execute().OnDevices(nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = exec.Execute().WithRecvCallback(1, nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestExecuteIdentity(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "identity f32[2,3]")
	require.Equal(t, "identity", exec.Name)
	require.Equal(t, 1, exec.NumOutputs)
	require.Equal(t, int64(24), exec.OnDeviceMemoryUsageStats.Inputs)
	require.Equal(t, int64(24), exec.OnDeviceMemoryUsageStats.Outputs)

	flat, dims := execWithSlices(t, client, exec, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)
	require.Equal(t, []int{2, 3}, dims)

	// Wrong shapes and number of arguments.
	x := capture(ScalarToBuffer(client, float32(1))).Test(t)
	defer func() { require.NoError(t, x.Destroy()) }()
	_, err := exec.Execute(x).Done()
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeInvalidArgument))
	_, err = exec.Execute().Done()
	require.True(t, IsCode(err, CodeInvalidArgument))

	// Programs with several outputs.
	exec2 := compileFake(t, client, "identity s32[] f64[2]")
	require.Equal(t, 2, exec2.NumOutputs)
	a := capture(ScalarToBuffer(client, int32(7))).Test(t)
	defer func() { require.NoError(t, a.Destroy()) }()
	b := capture(ArrayToBuffer(client, []float64{0.5, 1.5}, 2)).Test(t)
	defer func() { require.NoError(t, b.Destroy()) }()
	outputs := capture(exec2.Execute(a, b).Done()).Test(t)
	require.Len(t, outputs, 2)
	require.Equal(t, int32(7), capture(BufferToScalar[int32](outputs[0])).Test(t))
	gotB, _ := toFlat[float64](t, outputs[1])
	require.Equal(t, []float64{0.5, 1.5}, gotB)
	for _, output := range outputs {
		require.NoError(t, output.Destroy())
	}
}

func TestExecuteDonation(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "identity f32[]")

	x := capture(ScalarToBuffer(client, float32(3))).Test(t)
	defer func() { require.NoError(t, x.Destroy()) }()
	outputs := capture(exec.Execute(x).DonateAll().Done()).Test(t)
	require.Equal(t, float32(3), capture(BufferToScalar[float32](outputs[0])).Test(t))
	require.NoError(t, outputs[0].Destroy())
	require.True(t, capture(x.IsDeleted()).Test(t))

	// Donated buffers can't be used again.
	_, err := exec.Execute(x).Done()
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeFailedPrecondition))

	// Buffers with external references can't be donated.
	y := capture(ScalarToBuffer(client, float32(5))).Test(t)
	defer func() { require.NoError(t, y.Destroy()) }()
	ref := y.UnsafeExternalReference()
	require.NoError(t, ref.Increase())
	_, err = exec.Execute(y).Donate(0).Done()
	require.True(t, IsCode(err, CodeFailedPrecondition))
	require.NoError(t, ref.Decrease())
	require.False(t, capture(y.IsDeleted()).Test(t))

	// Shared buffers can't be donated.
	shared, flat, err := client.NewSharedBuffer(dtypes.Float32, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, shared.Destroy()) }()
	flat.([]float32)[0] = 11
	_, err = exec.Execute(shared).DonateAll().Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	outputs = capture(exec.Execute(shared).Done()).Test(t)
	require.Equal(t, float32(11), capture(BufferToScalar[float32](outputs[0])).Test(t))
	require.NoError(t, outputs[0].Destroy())
}

func TestExecuteFailure(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "fail f32[2]")
	x := capture(ArrayToBuffer(client, []float32{1, 2}, 2)).Test(t)
	defer func() { require.NoError(t, x.Destroy()) }()

	// DoneAsync returns right away, the failure is reported by the event.
	perDevice, events, err := exec.Execute(x).DoneAsync()
	require.NoError(t, err)
	require.Len(t, perDevice, 1)
	require.Len(t, events, 1)
	err = events[0].AwaitContext(context.Background())
	require.True(t, IsCode(err, CodeInternal))
	_, err = perDevice[0][0].ToHostBuffer()
	require.Error(t, err)
	require.NoError(t, perDevice[0][0].Destroy())

	// Done wraps the error.
	_, err = exec.Execute(x).Done()
	require.ErrorContains(t, err, "execution failed")
}

func TestLoadedExecutableDelete(t *testing.T) {
	client := getFakeClient(t)
	alive := LoadedExecutablesAlive()
	exec := capture(client.Compile().WithProgram(NewProgram("fake", []byte("identity s8[4]"))).Done()).Test(t)
	require.Equal(t, alive+1, LoadedExecutablesAlive())
	require.False(t, capture(exec.IsDeleted()).Test(t))

	require.NoError(t, exec.Delete())
	require.True(t, capture(exec.IsDeleted()).Test(t))
	x := capture(ArrayToBuffer(client, []int8{1, 2, 3, 4}, 4)).Test(t)
	defer func() { require.NoError(t, x.Destroy()) }()
	_, err := exec.Execute(x).Done()
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeFailedPrecondition))

	// Still can be queried.
	executable := capture(exec.GetExecutable()).Test(t)
	require.Equal(t, "identity", capture(executable.Name()).Test(t))

	require.NoError(t, exec.Destroy())
	require.NoError(t, exec.Destroy())
	require.Equal(t, alive, LoadedExecutablesAlive())
	_, err = exec.GetExecutable()
	require.ErrorIs(t, err, ErrDestroyed)
	_, err = exec.Execute(x).Done()
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestExecutableIntrospection(t *testing.T) {
	client := getFakeClient(t)
	loaded := compileFake(t, client, "identity f32[2,3] s32[]")
	exec := capture(loaded.GetExecutable()).Test(t)

	require.Equal(t, "identity", capture(exec.Name()).Test(t))
	require.Equal(t, 1, capture(exec.NumReplicas()).Test(t))
	require.Equal(t, 1, capture(exec.NumPartitions()).Test(t))
	require.Equal(t, 2, capture(exec.NumOutputs()).Test(t))
	require.Equal(t, []dtypes.DType{dtypes.Float32, dtypes.Int32}, capture(exec.OutputElementTypes()).Test(t))
	require.Equal(t, [][]int{{2, 3}, {}}, capture(exec.OutputDimensions()).Test(t))
	require.Equal(t, []string{"device", "device"}, capture(exec.OutputMemoryKinds()).Test(t))

	fingerprint := capture(exec.Fingerprint()).Test(t)
	require.Len(t, fingerprint, 16)
	other := compileFake(t, client, "identity f32[2,3]")
	otherExec := capture(other.GetExecutable()).Test(t)
	require.NotEqual(t, fingerprint, capture(otherExec.Fingerprint()).Test(t))
	same := compileFake(t, client, "identity f32[2,3] s32[]")
	sameExec := capture(same.GetExecutable()).Test(t)
	require.Equal(t, fingerprint, capture(sameExec.Fingerprint()).Test(t))

	cost := capture(exec.GetCostAnalysis()).Test(t)
	fmt.Printf("Cost analysis: %v\n", cost)
	require.Equal(t, float32(7), cost["flops"])
	require.Equal(t, float32(2*(24+4)), cost["bytes accessed"])

	optimized := capture(exec.OptimizedProgram()).Test(t)
	require.Equal(t, ProgramFormatHLO, optimized.Format)
	require.Equal(t, "optimized identity f32[2,3] s32[]", string(optimized.Code))
	require.Equal(t, int64(len(optimized.Code)), capture(exec.SizeOfGeneratedCodeInBytes()).Test(t))

	stats := capture(exec.GetCompiledMemoryStats()).Test(t)
	fmt.Printf("Compiled memory stats: %s\n", stats)
	require.Equal(t, int64(28), stats.OnDevice.Inputs)
	require.Equal(t, int64(28), stats.OnDevice.Outputs)
	require.Equal(t, int64(len(optimized.Code)), stats.OnDevice.GeneratedCode)
	require.Equal(t, stats.OnDevice, loaded.OnDeviceMemoryUsageStats)

	devices := capture(loaded.AddressableDevices()).Test(t)
	require.Len(t, devices, 1)
	require.Same(t, client.AddressableDevices()[0], devices[0])
}

func TestExecutableSerialize(t *testing.T) {
	client := getFakeClient(t)
	loaded := compileFake(t, client, "identity s32[2]")
	exec := capture(loaded.GetExecutable()).Test(t)
	liveBefore := fakeplugin.LiveSerializedExecutables()
	serialized := capture(exec.Serialize()).Test(t)
	require.NotEmpty(t, serialized)
	require.Equal(t, liveBefore, fakeplugin.LiveSerializedExecutables(), "serialized executable not released")

	reloaded := capture(client.DeserializeAndLoad(serialized)).Test(t)
	defer func() { require.NoError(t, reloaded.Destroy()) }()
	require.Equal(t, loaded.Name, reloaded.Name)
	reloadedExec := capture(reloaded.GetExecutable()).Test(t)
	require.Equal(t, capture(exec.Fingerprint()).Test(t), capture(reloadedExec.Fingerprint()).Test(t))
	flat, dims := execWithSlices(t, client, reloaded, []int32{3, 5}, 2)
	require.Equal(t, []int32{3, 5}, flat)
	require.Equal(t, []int{2}, dims)

	_, err := client.DeserializeAndLoad([]byte("not an executable"))
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeInvalidArgument))
	_, err = client.DeserializeAndLoad(nil)
	require.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestCompileForTopology(t *testing.T) {
	client := getFakeClient(t)
	plugin := client.Plugin()
	topology := capture(plugin.CreateTopology(fakeplugin.PlatformName, nil)).Test(t)
	defer func() { require.NoError(t, topology.Destroy()) }()

	exec := capture(plugin.CompileForTopology(topology, NewProgram(ProgramFormatMLIR, []byte("identity u8[3]")), nil, nil)).Test(t)
	defer func() { require.NoError(t, exec.Destroy()) }()
	require.Equal(t, "identity", capture(exec.Name()).Test(t))
	serialized := capture(exec.Serialize()).Test(t)

	loaded := capture(client.DeserializeAndLoad(serialized)).Test(t)
	defer func() { require.NoError(t, loaded.Destroy()) }()
	flat, _ := execWithSlices(t, client, loaded, []uint8{1, 2, 3}, 3)
	require.Equal(t, []uint8{1, 2, 3}, flat)

	// With a client.
	exec2 := capture(plugin.CompileForTopology(topology, NewProgram("fake", []byte("identity f32[]")), NewCompileOptions(), client)).Test(t)
	require.NoError(t, exec2.Destroy())

	_, err := plugin.CompileForTopology(topology, Program{Format: ProgramFormatMLIR}, nil, nil)
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = plugin.CompileForTopology(topology, NewProgram(ProgramFormatMLIR, []byte("tanh f32[]")), nil, nil)
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestCompileErrors(t *testing.T) {
	client := getFakeClient(t)

	_, err := client.Compile().WithMLIR([]byte("tanh f32[]")).Done()
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeInvalidArgument))
	require.ErrorContains(t, err, "unknown operation")

	_, err = client.Compile().Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.Compile().WithHLO(nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.Compile().WithProgram(NewProgram("tflite", []byte("identity f32[]"))).Done()
	require.True(t, IsCode(err, CodeInvalidArgument))
	_, err = client.Compile().WithMLIR([]byte("identity f32[]")).WithHLO([]byte("identity f32[]")).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.Compile().WithMLIR([]byte("identity f32[]")).WithOptions(nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))

	// A CompileConfig can only be used once.
	cc := client.Compile().WithProgram(NewProgram(ProgramFormatHLOWithConfig, []byte("identity f32[]")))
	exec := capture(cc.Done()).Test(t)
	require.NoError(t, exec.Destroy())
	_, err = cc.Done()
	require.Error(t, err)

	// Options that aren't a valid proto.
	_, err = client.Compile().WithMLIR([]byte("identity f32[]")).WithEncodedOptions([]byte{0xff}).Done()
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestExecuteReplicated(t *testing.T) {
	client := getFakeClient(t)
	devices := client.AddressableDevices()
	require.Len(t, devices, fakeplugin.DefaultNumDevices)

	options := NewCompileOptions()
	options.ExecutableBuildOptions.NumReplicas = 2
	exec := capture(client.Compile().WithMLIR([]byte("identity f32[]")).WithOptions(options).Done()).Test(t)
	defer func() { require.NoError(t, exec.Destroy()) }()
	executable := capture(exec.GetExecutable()).Test(t)
	require.Equal(t, 2, capture(executable.NumReplicas()).Test(t))
	require.Equal(t, devices, capture(exec.AddressableDevices()).Test(t))

	x0 := capture(ScalarToBufferOnDeviceNum(client, 0, float32(1))).Test(t)
	defer func() { require.NoError(t, x0.Destroy()) }()
	x1 := capture(ScalarToBufferOnDeviceNum(client, 1, float32(2))).Test(t)
	defer func() { require.NoError(t, x1.Destroy()) }()
	outputs := capture(exec.Execute(x0, x1).OnDevicesByNum(0, 1).Done()).Test(t)
	require.Len(t, outputs, 2)
	for ii, output := range outputs {
		require.Equal(t, float32(ii+1), capture(BufferToScalar[float32](output)).Test(t))
		require.Same(t, devices[ii], capture(output.Device()).Test(t))
		require.NoError(t, output.Destroy())
	}

	// Running on one device only.
	outputs = capture(exec.Execute(x1).OnDevices(devices[1]).Done()).Test(t)
	require.Len(t, outputs, 1)
	require.Same(t, devices[1], capture(outputs[0].Device()).Test(t))
	require.NoError(t, outputs[0].Destroy())

	// Inputs must be given for every device.
	_, err := exec.Execute(x0).OnDevicesByNum(0, 1).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))

	// More replicas than devices.
	options.ExecutableBuildOptions.NumReplicas = 3
	_, err = client.Compile().WithMLIR([]byte("identity f32[]")).WithOptions(options).Done()
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestExecuteWithDeviceAssignment(t *testing.T) {
	client := getFakeClient(t)
	devices := client.AddressableDevices()
	ids := capture(client.DefaultDeviceAssignment(2, 1)).Test(t)
	require.Len(t, ids, 2)

	// Reversed assignment.
	assignment := capture(NewDeviceAssignment(2, 1, []int{ids[1], ids[0]})).Test(t)
	require.Equal(t, 2, assignment.NumReplicas())
	require.Equal(t, 1, assignment.NumComputations())
	options := NewCompileOptions()
	options.ExecutableBuildOptions.NumReplicas = 2
	options.ExecutableBuildOptions.DeviceAssignment = assignment
	exec := capture(client.Compile().WithMLIR([]byte("identity s64[]")).WithOptions(options).Done()).Test(t)
	defer func() { require.NoError(t, exec.Destroy()) }()
	require.Equal(t, []*Device{devices[1], devices[0]}, capture(exec.AddressableDevices()).Test(t))

	x := capture(ScalarToBufferOnDeviceNum(client, 1, int64(42))).Test(t)
	defer func() { require.NoError(t, x.Destroy()) }()
	y := capture(ScalarToBufferOnDeviceNum(client, 0, int64(43))).Test(t)
	defer func() { require.NoError(t, y.Destroy()) }()
	outputs := capture(exec.Execute(x, y).OnDevicesByNum(1, 0).Done()).Test(t)
	require.Equal(t, int64(42), capture(BufferToScalar[int64](outputs[0])).Test(t))
	require.Equal(t, int64(43), capture(BufferToScalar[int64](outputs[1])).Test(t))
	for _, output := range outputs {
		require.NoError(t, output.Destroy())
	}

	// Assignment that doesn't match the number of replicas.
	options.ExecutableBuildOptions.NumReplicas = 1
	_, err := client.Compile().WithMLIR([]byte("identity s64[]")).WithOptions(options).Done()
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestExecuteContext(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "identity f32[]")
	ctx := capture(client.Plugin().NewExecuteContext()).Test(t)
	x := capture(ScalarToBuffer(client, float32(13))).Test(t)
	defer func() { require.NoError(t, x.Destroy()) }()
	outputs := capture(exec.Execute(x).WithContext(ctx).WithLaunchID(3).Done()).Test(t)
	require.Equal(t, float32(13), capture(BufferToScalar[float32](outputs[0])).Test(t))
	require.NoError(t, outputs[0].Destroy())

	require.NoError(t, ctx.Destroy())
	require.NoError(t, ctx.Destroy())
	_, err := exec.Execute(x).WithContext(ctx).Done()
	require.ErrorIs(t, err, ErrDestroyed)

	// Plugins built before execute contexts existed.
	oldPlugin := capture(GetPlugin(fakeOldPluginName)).Test(t)
	_, err = oldPlugin.NewExecuteContext()
	fmt.Printf("Received expected error: %s\n", err)
	require.ErrorIs(t, err, ErrFunctionNotAvailable)
}

func TestProgram(t *testing.T) {
	code := []byte("identity f32[]")
	program := NewProgram(ProgramFormatMLIR, code)
	code[0] = 'X'
	require.Equal(t, "identity f32[]", string(program.Code))
	require.Equal(t, "Program(mlir, 14 B)", program.String())

	path := t.TempDir() + "/program.mlir"
	_, err := ProgramFromFile(ProgramFormatMLIR, path)
	require.Equal(t, KindResource, KindOf(err))
	require.True(t, IsCode(err, CodeNotFound))

	require.NoError(t, os.WriteFile(path, []byte("identity s32[2]"), 0o644))
	program = capture(ProgramFromFile(ProgramFormatMLIR, path)).Test(t)
	client := getFakeClient(t)
	exec := capture(client.Compile().WithProgram(program).Done()).Test(t)
	require.NoError(t, exec.Destroy())
}
