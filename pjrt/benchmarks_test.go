package pjrt

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/janpfeifer/must"
)

var benchmarkDims = [][]int{
	{1, 1},
	{10, 10},
	{100, 100},
	{1000, 1000},
}

func benchmarkName(dims []int) string {
	return fmt.Sprintf("f32%v", dims)
}

func benchmarkInput(dims []int) []float32 {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(ii)
	}
	return data
}

// BenchmarkClient_Call measures a minimal call into the plugin.
func BenchmarkClient_Call(b *testing.B) {
	plugin := must.M1(GetPlugin(*flagPluginName))
	client := must.M1(plugin.NewClient(nil))
	defer func() { must.M(client.Destroy()) }()
	device := client.AddressableDevices()[0]
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = must.M1(device.IsAddressable())
	}
}

func BenchmarkClient_BufferFromHost(b *testing.B) {
	plugin := must.M1(GetPlugin(*flagPluginName))
	client := must.M1(plugin.NewClient(nil))
	defer func() { must.M(client.Destroy()) }()

	inputData := make([][]float32, len(benchmarkDims))
	for shapeIdx, dims := range benchmarkDims {
		inputData[shapeIdx] = benchmarkInput(dims)
	}
	benchShape := func(shapeIdx int) {
		buf := must.M1(ArrayToBuffer(client, inputData[shapeIdx], benchmarkDims[shapeIdx]...))
		must.M(buf.Destroy())
	}

	// Warmup for each shape.
	for shapeIdx := range benchmarkDims {
		for range 10 {
			benchShape(shapeIdx)
		}
	}
	b.ResetTimer()

	for shapeIdx, dims := range benchmarkDims {
		b.Run(benchmarkName(dims), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				benchShape(shapeIdx)
			}
		})
	}
}

func BenchmarkClient_BufferToHost(b *testing.B) {
	plugin := must.M1(GetPlugin(*flagPluginName))
	client := must.M1(plugin.NewClient(nil))
	defer func() { must.M(client.Destroy()) }()

	buffers := make([]*Buffer, len(benchmarkDims))
	hostBuffers := make([]*HostBuffer, len(benchmarkDims))
	for shapeIdx, dims := range benchmarkDims {
		buffers[shapeIdx] = must.M1(ArrayToBuffer(client, benchmarkInput(dims), dims...))
		hostBuffers[shapeIdx] = must.M1(buffers[shapeIdx].ToHostBuffer())
	}
	defer func() {
		for _, buf := range buffers {
			must.M(buf.Destroy())
		}
	}()
	benchShape := func(shapeIdx int) {
		must.M(buffers[shapeIdx].ToHost(hostBuffers[shapeIdx].Bytes()))
	}

	// Warmup for each shape.
	for shapeIdx := range benchmarkDims {
		for range 10 {
			benchShape(shapeIdx)
		}
	}
	b.ResetTimer()

	for shapeIdx, dims := range benchmarkDims {
		b.Run(benchmarkName(dims), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				benchShape(shapeIdx)
			}
		})
	}
}

// BenchmarkExecute measures an execution of an identity program of the fake plugin, including the transfer of the
// results back to the host.
func BenchmarkExecute(b *testing.B) {
	plugin := must.M1(GetPlugin(fakePluginName))
	client := must.M1(plugin.NewClient(nil))
	defer func() { must.M(client.Destroy()) }()

	for _, dims := range benchmarkDims {
		code := fmt.Sprintf("identity f32[%d,%d]", dims[0], dims[1])
		exec := must.M1(client.Compile().WithProgram(NewProgram("fake", []byte(code))).Done())
		input := must.M1(ArrayToBuffer(client, benchmarkInput(dims), dims...))
		output := make([]byte, must.M1(input.Size()))
		b.Run(benchmarkName(dims), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				outputs := must.M1(exec.Execute(input).Done())
				must.M(outputs[0].ToHost(output))
				must.M(outputs[0].Destroy())
			}
		})
		must.M(input.Destroy())
		must.M(exec.Destroy())
		runtime.KeepAlive(output)
	}
}
