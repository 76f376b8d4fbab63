package pjrt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestScalarDataToRaw(t *testing.T) {
	rawData, dtype, dimensions := ScalarToRaw(uint32(3))
	require.Equal(t, dtype, dtypes.Uint32)
	require.Empty(t, dimensions)
	require.Equal(t, uint32(3), *(*uint32)(unsafe.Pointer(unsafe.SliceData(rawData))))
}

func testTransfersImpl[T interface {
	float64 | float32 | int64 | int8
}](t *testing.T, client *Client) {
	input := []T{1, 2, 3, 4, 5, 6}
	fmt.Printf("From %#v\n", input)
	buffer, err := ArrayToBuffer(client, input, 2, 3)
	require.NoError(t, err)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	var zero T
	size, err := buffer.Size()
	require.NoError(t, err)
	fmt.Printf("\t> buffer.size=%d\n", size)
	require.Equal(t, len(input)*int(unsafe.Sizeof(zero)), size, "Wrong buffer size in bytes")

	output := make([]T, len(input))
	outputBytes := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(output))), size)
	require.NoError(t, buffer.ToHost(outputBytes))
	fmt.Printf("\t> output=%#v\n", output)
	require.Equal(t, input, output)

	flat, dims, err := BufferToArray[T](buffer)
	require.NoError(t, err)
	require.Equal(t, input, flat)
	require.Equal(t, []int{2, 3}, dims)

	flatAny, dims, err := buffer.ToFlatDataAndDimensions()
	require.NoError(t, err)
	require.Equal(t, input, flatAny.([]T))
	require.Equal(t, []int{2, 3}, dims)

	// Wrong type requested.
	_, _, err = BufferToArray[complex128](buffer)
	require.Error(t, err)
}

func TestTransfers(t *testing.T) {
	client := getPJRTClient(t)
	testTransfersImpl[float64](t, client)
	testTransfersImpl[float32](t, client)
	testTransfersImpl[int64](t, client)
	testTransfersImpl[int8](t, client)

	// Scalars.
	scalar := capture(ScalarToBuffer(client, float32(7))).Test(t)
	require.Equal(t, float32(7), capture(BufferToScalar[float32](scalar)).Test(t))
	require.Empty(t, capture(scalar.Dimensions()).Test(t))
	require.NoError(t, scalar.Destroy())

	scalar = capture(ScalarToBufferOnDeviceNum(client, len(client.AddressableDevices())-1, int16(-3))).Test(t)
	require.Equal(t, int16(-3), capture(BufferToScalar[int16](scalar)).Test(t))
	require.NoError(t, scalar.Destroy())
	_, err := ScalarToBufferOnDeviceNum(client, 1000, int16(-3))
	require.Error(t, err)
}

// testHostBufferRoundTrip transfers hb to device 0 of the client and back, and checks the contents didn't change.
func testHostBufferRoundTrip(t *testing.T, client *Client, hb *HostBuffer) {
	buffer := capture(client.BufferFromHost().FromHostBuffer(hb).ToDeviceNum(0).Done()).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()
	require.Same(t, client.AddressableDevices()[0], capture(buffer.Device()).Test(t))
	back := capture(buffer.ToHostBuffer()).Test(t)
	fmt.Printf("\t%s -> %s\n", hb, back)
	require.Truef(t, hb.Equal(back), "round trip of %s returned %s", hb, back)
}

func TestHostBufferRoundTrip(t *testing.T) {
	client := getPJRTClient(t)
	testHostBufferRoundTrip(t, client, ScalarHostBuffer(float32(3)))
	testHostBufferRoundTrip(t, client, ScalarHostBuffer(int32(-3)))
	testHostBufferRoundTrip(t, client, ScalarHostBuffer(float16.Fromfloat32(0.5)))
	testHostBufferRoundTrip(t, client, capture(HostBufferFromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)).Test(t))
	testHostBufferRoundTrip(t, client, capture(HostBufferFromFlat([]int32{1, -2, 3, -4, 5, -6}, 3, 2)).Test(t))
	f16 := []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(-2.5), float16.Fromfloat32(1024), float16.Fromfloat32(0.25)}
	testHostBufferRoundTrip(t, client, capture(HostBufferFromFlat(f16, 2, 2)).Test(t))

	// The float32 2x2 [1,2,3,4] scenario, on device 0.
	hb := capture(HostBufferFromFlat([]float32{1, 2, 3, 4}, 2, 2)).Test(t)
	buffer := capture(client.BufferFromHost().FromHostBuffer(hb).ToDeviceNum(0).Done()).Test(t)
	require.Equal(t, dtypes.Float32, capture(buffer.DType()).Test(t))
	require.Equal(t, []int{2, 2}, capture(buffer.Dimensions()).Test(t))
	require.Equal(t, 16, capture(buffer.Size()).Test(t))
	flat, dims := toFloat32s(t, buffer)
	require.Equal(t, []float32{1, 2, 3, 4}, flat)
	require.Equal(t, []int{2, 2}, dims)
	require.NoError(t, buffer.Destroy())
}

func TestBufferFromHostSemantics(t *testing.T) {
	client := getFakeClient(t)

	// Zero-copy: the buffer aliases the host data.
	data := []float32{1, 2, 3}
	aliased := capture(client.BufferFromHost().
		FromFlatDataWithDimensions(data, []int{3}).
		WithSemantics(HostBufferMutableZeroCopy).
		Done()).Test(t)
	data[1] = 20
	flat, _ := toFloat32s(t, aliased)
	require.Equal(t, []float32{1, 20, 3}, flat)
	require.NoError(t, aliased.Destroy())

	// Copied during the call: later changes are not visible.
	data = []float32{1, 2, 3}
	copied := capture(client.BufferFromHost().
		FromFlatDataWithDimensions(data, []int{3}).
		WithSemantics(HostBufferImmutableOnlyDuringCall).
		Done()).Test(t)
	data[1] = 20
	flat, _ = toFloat32s(t, copied)
	require.Equal(t, []float32{1, 2, 3}, flat)
	require.NoError(t, copied.Destroy())

	_, err := client.BufferFromHost().FromFlatDataWithDimensions(data, []int{3}).WithSemantics(HostBufferSemantics(17)).Done()
	require.Error(t, err)

	// Asynchronous transfer with the default semantics.
	pending := capture(client.BufferFromHost().FromFlatDataWithDimensions([]int32{5, 6}, []int{2}).DoneAsync()).Test(t)
	require.NotNil(t, pending.Event())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	buffer := capture(pending.AwaitContext(ctx)).Test(t)
	flatInt, dims := toFlat[int32](t, buffer)
	require.Equal(t, []int32{5, 6}, flatInt)
	require.Equal(t, []int{2}, dims)
	require.NoError(t, buffer.Destroy())
}

// toFloat32s transfers a float32 buffer to host, failing the test on errors.
func toFloat32s(t *testing.T, buffer *Buffer) ([]float32, []int) {
	return toFlat[float32](t, buffer)
}

func toFlat[T dtypes.Supported](t *testing.T, buffer *Buffer) ([]T, []int) {
	flat, dims, err := BufferToArray[T](buffer)
	require.NoError(t, err)
	return flat, dims
}

func TestBufferFromHostErrors(t *testing.T) {
	client := getFakeClient(t)

	_, err := client.BufferFromHost().Done()
	require.Error(t, err, "no data configured")
	require.Equal(t, KindInvalidArgument, KindOf(err))
	require.True(t, IsCode(err, CodeInvalidArgument))

	_, err = client.BufferFromHost().FromRawData(make([]byte, 3), dtypes.Float32, nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	fmt.Printf("Expected error: %v\n", err)

	_, err = client.BufferFromHost().FromRawData([]byte{}, dtypes.Float32, []int{-1}).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))

	_, err = client.BufferFromHost().FromFlatDataWithDimensions([]float32{1, 2}, []int{3}).Done()
	fmt.Printf("Expected error: %v\n", err)
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.BufferFromHost().FromFlatDataWithDimensions([]float32{}, []int{0}).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.BufferFromHost().FromFlatDataWithDimensions(float32(1), nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.BufferFromHost().FromFlatDataWithDimensions([]string{"a"}, nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.BufferFromHost().FromHostBuffer(nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.BufferFromHost().FromFlatDataWithDimensions([]float32{1}, nil).ToDevice(nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.BufferFromHost().FromFlatDataWithDimensions([]float32{1}, nil).ToDeviceNum(100).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.BufferFromHost().FromFlatDataWithDimensions([]float32{1}, nil).ToMemory(nil).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = client.BufferFromHost().FromFlatDataWithDimensions([]float32{1}, nil).WithSemantics(HostBufferSemantics(42)).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestBufferMetadata(t *testing.T) {
	client := getFakeClient(t)
	buffer := capture(ArrayToBuffer(client, []float64{1, 2, 3, 4, 5, 6}, 2, 3)).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	require.Equal(t, dtypes.Float64, capture(buffer.DType()).Test(t))
	require.Equal(t, []int{2, 3}, capture(buffer.Dimensions()).Test(t))
	require.Equal(t, []int{2, 3}, capture(buffer.UnpaddedDimensions()).Test(t))
	require.Empty(t, capture(buffer.DynamicDimensionIndices()).Test(t))
	require.Equal(t, 6*8, capture(buffer.OnDeviceSizeInBytes()).Test(t))
	layout := capture(buffer.Layout()).Test(t)
	fmt.Printf("Layout: %s\n", layout)
	require.True(t, layout.Equal(MajorToMinorLayout(2)), "got layout %s", layout)
	require.Same(t, client.AddressableDevices()[0], capture(buffer.Device()).Test(t))
	memory := capture(buffer.Memory()).Test(t)
	require.Equal(t, "device", capture(memory.Kind()).Test(t))
	require.False(t, capture(buffer.IsOnCPU()).Test(t))
	require.False(t, buffer.IsShared())
	require.Same(t, client, buffer.Client())

	ready := capture(buffer.ReadyEvent()).Test(t)
	require.NoError(t, ready.Await())
}

func TestBufferHostLayouts(t *testing.T) {
	client := getFakeClient(t)
	columnMajor := &MemoryLayout{Type: MemoryLayoutTiled, MinorToMajor: []int64{0, 1}}
	for _, layout := range []*MemoryLayout{columnMajor, StridesLayout(4, 8)} {
		hb := capture(HostBufferFromFlat([]int32{1, 4, 2, 5, 3, 6}, 2, 3)).Test(t).WithLayout(layout)
		buffer := capture(client.BufferFromHost().FromHostBuffer(hb).Done()).Test(t)
		flat, dims := toFlat[int32](t, buffer)
		fmt.Printf("\tfrom host with %s: %v\n", layout, flat)
		require.Equal(t, []int32{1, 2, 3, 4, 5, 6}, flat)
		require.Equal(t, []int{2, 3}, dims)

		back := capture(buffer.ToHostBufferWithLayout(layout)).Test(t)
		require.True(t, back.Equal(hb), "got %s, wanted %s", back, hb)
		require.NoError(t, buffer.Destroy())
	}

	// Tiled host layouts can't be expressed as byte strides.
	hb := capture(HostBufferFromFlat([]int32{1, 2, 3, 4}, 2, 2)).Test(t)
	hb.WithLayout(&MemoryLayout{Type: MemoryLayoutTiled, MinorToMajor: []int64{1, 0}, Tiles: [][]int64{{2, 2}}})
	_, err := client.BufferFromHost().FromHostBuffer(hb).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))
	fmt.Printf("Expected error: %v\n", err)

	// Invalid layouts are rejected before reaching the plugin.
	hb.WithLayout(StridesLayout(4))
	_, err = client.BufferFromHost().FromHostBuffer(hb).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))

	// The fake plugin only accepts tiled device layouts.
	_, err = client.BufferFromHost().
		FromFlatDataWithDimensions([]int32{1, 2, 3, 4}, []int{2, 2}).
		WithDeviceLayout(StridesLayout(8, 4)).
		Done()
	require.True(t, IsCode(err, CodeUnimplemented))
	require.Equal(t, KindPlugin, KindOf(err))
	buffer := capture(client.BufferFromHost().
		FromFlatDataWithDimensions([]int32{1, 2, 3, 4}, []int{2, 2}).
		WithDeviceLayout(MajorToMinorLayout(2)).
		Done()).Test(t)
	require.NoError(t, buffer.Destroy())
}

func TestBufferSubByte(t *testing.T) {
	client := getFakeClient(t)
	// Three 4-bit values are packed in 2 bytes.
	raw := []byte{0x21, 0x03}
	buffer := capture(client.BufferFromHost().FromRawData(raw, dtypes.S4, []int{3}).Done()).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()
	require.Equal(t, 2, capture(buffer.Size()).Test(t))
	hb := capture(buffer.ToHostBuffer()).Test(t)
	require.Equal(t, dtypes.S4, hb.DType())
	require.Equal(t, raw, hb.Bytes())

	_, err := client.BufferFromHost().FromRawData(raw, dtypes.S4, []int{5}).Done()
	require.Equal(t, KindInvalidArgument, KindOf(err))

	// Non-dense strides can't address sub-byte elements.
	strided := capture(NewHostBuffer(dtypes.S4, []int{3}, raw)).Test(t).WithLayout(StridesLayout(2))
	_, err = client.BufferFromHost().FromHostBuffer(strided).Done()
	require.True(t, IsCode(err, CodeUnimplemented))
}

func TestBufferZeroSize(t *testing.T) {
	client := getPJRTClient(t)
	for _, dims := range [][]int{{0}, {0, 3}, {2, 0, 4}} {
		buffer := capture(client.BufferFromHost().FromRawData([]byte{}, dtypes.Float32, dims).Done()).Test(t)
		require.Equal(t, dims, capture(buffer.Dimensions()).Test(t))
		require.Equal(t, 0, capture(buffer.Size()).Test(t))
		flat, gotDims, err := BufferToArray[float32](buffer)
		require.NoError(t, err)
		require.Nil(t, flat)
		require.Equal(t, dims, gotDims)
		hb := capture(buffer.ToHostBuffer()).Test(t)
		require.Empty(t, hb.Bytes())
		require.NoError(t, buffer.Destroy())

		hb = capture(NewEmptyHostBuffer(dtypes.Int32, dims...)).Test(t)
		buffer = capture(client.BufferFromHost().FromHostBuffer(hb).Done()).Test(t)
		require.Equal(t, dtypes.Int32, capture(buffer.DType()).Test(t))
		require.NoError(t, buffer.Destroy())
	}
}

func TestBufferToHost(t *testing.T) {
	client := getFakeClient(t)
	buffer := capture(ArrayToBuffer(client, []uint16{1, 2, 3}, 3)).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	// Destination too small.
	err := buffer.ToHost(make([]byte, 2))
	require.True(t, IsCode(err, CodeInvalidArgument))
	fmt.Printf("Expected error: %v\n", err)

	dst := make([]uint16, 3)
	event := capture(buffer.ToHostAsync(unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(dst))), 6))).Test(t)
	require.NoError(t, event.Await())
	require.Equal(t, []uint16{1, 2, 3}, dst)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hb := capture(buffer.ToHostBufferContext(ctx)).Test(t)
	require.Equal(t, []int{3}, hb.Dimensions())
	require.Equal(t, []uint16{1, 2, 3}, capture(HostBufferFlat[uint16](hb)).Test(t))
	require.Nil(t, hb.Layout())
}

func TestBufferCopies(t *testing.T) {
	client := getFakeClient(t)
	devices := client.AddressableDevices()
	require.GreaterOrEqual(t, len(devices), 2)
	buffer := capture(ArrayToBuffer(client, []float32{1, 2, 3}, 3)).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	onDevice1 := capture(buffer.CopyToDevice(devices[1])).Test(t)
	require.Same(t, devices[1], capture(onDevice1.Device()).Test(t))
	flat, dims := toFloat32s(t, onDevice1)
	require.Equal(t, []float32{1, 2, 3}, flat)
	require.Equal(t, []int{3}, dims)
	require.NoError(t, onDevice1.Destroy())

	memories := capture(devices[0].AddressableMemories()).Test(t)
	pinned := memories[1]
	require.Equal(t, "pinned_host", capture(pinned.Kind()).Test(t))
	pending := capture(buffer.CopyToMemoryAsync(pinned)).Test(t)
	onHost := capture(pending.Await()).Test(t)
	require.True(t, capture(onHost.IsOnCPU()).Test(t))
	require.Same(t, pinned, capture(onHost.Memory()).Test(t))
	flat, _ = toFloat32s(t, onHost)
	require.Equal(t, []float32{1, 2, 3}, flat)
	require.NoError(t, onHost.Destroy())

	// Transfers directly to a memory.
	onHost = capture(client.BufferFromHost().FromFlatDataWithDimensions([]float32{4}, nil).ToMemory(pinned).Done()).Test(t)
	require.True(t, capture(onHost.IsOnCPU()).Test(t))
	require.NoError(t, onHost.Destroy())

	_, err := buffer.CopyToDevice(nil)
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestBufferDelete(t *testing.T) {
	client := getFakeClient(t)
	buffer := capture(ArrayToBuffer(client, []float32{1, 2, 3}, 3)).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()
	require.False(t, capture(buffer.IsDeleted()).Test(t))
	require.NoError(t, buffer.Delete())
	require.True(t, capture(buffer.IsDeleted()).Test(t))
	_, _, err := BufferToArray[float32](buffer)
	require.True(t, IsCode(err, CodeFailedPrecondition))
	fmt.Printf("Expected error: %v\n", err)

	// The handle is still valid, and so is its metadata.
	require.Equal(t, []int{3}, capture(buffer.Dimensions()).Test(t))
}

func TestBufferCopyRawToHost(t *testing.T) {
	client := getFakeClient(t)
	buffer := capture(ArrayToBuffer(client, []int32{1, 2, 3, 4}, 4)).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	le := binary.LittleEndian
	dst := make([]byte, 8)
	require.NoError(t, buffer.CopyRawToHost(dst, 4))
	require.Equal(t, le.AppendUint32(le.AppendUint32(nil, 2), 3), dst)

	event := capture(buffer.CopyRawToHostAsync(dst[:4], 12)).Test(t)
	require.NoError(t, event.Await())
	require.Equal(t, uint32(4), le.Uint32(dst))

	// Out of the buffer's 16 bytes: rejected by the plugin.
	err := buffer.CopyRawToHost(make([]byte, 8), 12)
	fmt.Printf("Expected error: %v\n", err)
	require.Equal(t, KindPlugin, KindOf(err))
	require.True(t, IsCode(err, CodeInvalidArgument))

	err = buffer.CopyRawToHost(dst, -1)
	require.Equal(t, KindInvalidArgument, KindOf(err))

	oldClient := getClientFor(t, fakeOldPluginName)
	oldBuffer := capture(ArrayToBuffer(oldClient, []int32{1}, 1)).Test(t)
	err = oldBuffer.CopyRawToHost(dst[:4], 0)
	require.ErrorIs(t, err, ErrFunctionNotAvailable)
	require.NoError(t, oldBuffer.Destroy())
	require.ErrorIs(t, oldBuffer.CopyRawToHost(dst[:4], 0), ErrDestroyed)
}

func TestBufferDestroyConcurrentWithReaders(t *testing.T) {
	client := getFakeClient(t)
	buffer := capture(ArrayToBuffer(client, []float32{1, 2, 3}, 3)).Test(t)

	const numReaders = 4
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range numReaders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 100 {
				if c := buffer.Client(); c != nil {
					assert.Same(t, client, c)
				}
				if _, err := buffer.Dimensions(); err != nil {
					assert.ErrorIs(t, err, ErrDestroyed)
				}
			}
		}()
	}
	close(start)
	require.NoError(t, buffer.Destroy())
	wg.Wait()

	require.Nil(t, buffer.Client())
	_, err := buffer.Dimensions()
	require.ErrorIs(t, err, ErrDestroyed)
	_, err = buffer.Device()
	require.ErrorIs(t, err, ErrDestroyed)
	require.NoError(t, buffer.Destroy())
}

func TestExternalReference(t *testing.T) {
	client := getFakeClient(t)
	buffer := capture(ArrayToBuffer(client, []float32{1, 2, 3}, 3)).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	ref := buffer.UnsafeExternalReference()
	require.Zero(t, ref.Count())
	require.NoError(t, ref.Increase())
	require.Equal(t, int64(1), ref.Count())
	require.NotZero(t, capture(ref.OpaqueDeviceMemoryPointer()).Test(t))
	ptr := capture(ref.UnsafePointer()).Test(t)
	require.NotZero(t, ptr)
	require.Equal(t, []float32{1, 2, 3}, unsafe.Slice((*float32)(capi.Pointer(ptr)), 3))

	// The external reference keeps the memory while the buffer is deleted.
	require.NoError(t, buffer.Delete())
	require.NoError(t, ref.Decrease())
	require.Zero(t, ref.Count())

	// Unbalanced decrease: reported by the plugin, and the count is unchanged.
	err := ref.Decrease()
	require.True(t, IsCode(err, CodeFailedPrecondition))
	require.Zero(t, ref.Count())

	require.NoError(t, buffer.Destroy())
	require.ErrorIs(t, ref.Increase(), ErrDestroyed)
	require.Zero(t, ref.Count())
}

func TestCreateViewOfDeviceBuffer(t *testing.T) {
	client := getFakeClient(t)
	rawData := AlignedAlloc(3*4, BufferAlignment)
	defer AlignedFree(rawData)
	values := unsafe.Slice((*float32)(rawData), 3)
	copy(values, []float32{1, 2, 3})

	var deletedPtr atomic.Uintptr
	buffer, err := client.CreateViewOfDeviceBufferWithOnDelete(func(devicePtr uintptr) {
		deletedPtr.Store(devicePtr)
	}, rawData, dtypes.Float32, []int{3}, client.AddressableDevices()[1])
	require.NoError(t, err)
	require.True(t, buffer.IsShared())
	require.Same(t, client.AddressableDevices()[1], capture(buffer.Device()).Test(t))

	// Changes to the memory are visible by the buffer.
	values[2] = 30
	flat, _ := toFloat32s(t, buffer)
	require.Equal(t, []float32{1, 2, 30}, flat)
	require.Zero(t, deletedPtr.Load())

	require.NoError(t, buffer.Destroy())
	require.Equal(t, uintptr(rawData), deletedPtr.Load())

	// Without on-delete callback.
	buffer = capture(client.CreateViewOfDeviceBuffer(rawData, dtypes.Float32, []int{3})).Test(t)
	require.NoError(t, buffer.Destroy())

	_, err = client.CreateViewOfDeviceBuffer(rawData, dtypes.Float32, []int{3}, client.AddressableDevices()...)
	require.Error(t, err)
	_, err = client.CreateViewOfDeviceBuffer(rawData, dtypes.InvalidDType, []int{3})
	require.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestNewSharedBuffer(t *testing.T) {
	client := getFakeClient(t)
	buffer, flatAny, err := client.NewSharedBuffer(dtypes.Float32, []int{2, 2})
	require.NoError(t, err)
	require.True(t, buffer.IsShared())
	flat := flatAny.([]float32)
	require.Len(t, flat, 4)
	require.Zero(t, uintptr(unsafe.Pointer(unsafe.SliceData(flat)))%BufferAlignment)
	copy(flat, []float32{1, 2, 3, 4})

	got, dims := toFloat32s(t, buffer)
	require.Equal(t, []float32{1, 2, 3, 4}, got)
	require.Equal(t, []int{2, 2}, dims)

	data := capture(buffer.Data()).Test(t).([]float32)
	require.Equal(t, unsafe.SliceData(flat), unsafe.SliceData(data))
	require.Len(t, data, 4)

	aliveBefore := BuffersAlive()
	require.NoError(t, buffer.Destroy())
	require.Less(t, BuffersAlive(), aliveBefore)

	_, _, err = client.NewSharedBuffer(dtypes.InvalidDType, []int{2})
	require.Error(t, err)
}
