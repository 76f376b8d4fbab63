package pjrt

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/fakeplugin"
	"github.com/stretchr/testify/require"
)

func TestAsyncHostToDeviceTransferManager(t *testing.T) {
	client := getFakeClient(t)
	device := client.AddressableDevices()[0]
	memory := capture(device.DefaultMemory()).Test(t)
	liveManagers := fakeplugin.LiveTransferManagers()

	manager := capture(client.CreateBuffersForAsyncHostToDevice(memory,
		ShapeSpec{DType: dtypes.Float32, Dimensions: []int{2, 2}},
		ShapeSpec{DType: dtypes.Int32, Dimensions: []int{3}},
	)).Test(t)
	require.Equal(t, liveManagers+1, fakeplugin.LiveTransferManagers())
	require.Equal(t, 2, capture(manager.BufferCount()).Test(t))
	require.Equal(t, 16, capture(manager.BufferSize(0)).Test(t))
	require.Equal(t, 12, capture(manager.BufferSize(1)).Test(t))
	require.Same(t, device, capture(manager.Device()).Test(t))

	require.NoError(t, manager.AddMetadata(NamedValuesMap{"trace_id": int64(7)}))
	require.Equal(t, map[string]any{"trace_id": int64(7)}, fakeplugin.LastTransferMetadata())

	// Buffer 0 in two pieces, retrieved before the last one.
	data := float32Bytes(1, 2, 3, 4)
	first := capture(manager.TransferData(0, data[:8], 0, false)).Test(t)
	buffer0 := capture(manager.RetrieveBuffer(0)).Test(t)
	defer func() { require.NoError(t, buffer0.Destroy()) }()
	second := capture(manager.TransferData(0, data[8:], 8, true)).Test(t)
	require.NoError(t, first.Await())
	require.NoError(t, second.Await())
	flat, dims, err := BufferToArray[float32](buffer0)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, dims)
	require.Equal(t, []float32{1, 2, 3, 4}, flat)

	le := binary.LittleEndian
	require.NoError(t, manager.TransferAll(1, le.AppendUint32(le.AppendUint32(le.AppendUint32(nil, 7), 8), 9)))
	buffer1 := capture(manager.RetrieveBuffer(1)).Test(t)
	defer func() { require.NoError(t, buffer1.Destroy()) }()
	ints, _, err := BufferToArray[int32](buffer1)
	require.NoError(t, err)
	require.Equal(t, []int32{7, 8, 9}, ints)

	// Each buffer is handed over only once.
	_, err = manager.RetrieveBuffer(1)
	fmt.Printf("Expected error: %v\n", err)
	require.True(t, IsCode(err, CodeFailedPrecondition))

	require.NoError(t, manager.Destroy())
	require.NoError(t, manager.Destroy())
	require.Equal(t, liveManagers, fakeplugin.LiveTransferManagers())
	_, err = manager.BufferCount()
	require.ErrorIs(t, err, ErrDestroyed)

	// Retrieved buffers outlive the manager.
	flat, _, err = BufferToArray[float32](buffer0)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, flat)
}

func TestAsyncHostToDeviceTransferManagerErrors(t *testing.T) {
	client := getFakeClient(t)
	memory := capture(client.AddressableDevices()[0].DefaultMemory()).Test(t)
	spec := ShapeSpec{DType: dtypes.Float32, Dimensions: []int{4}}

	t.Run("Validation", func(t *testing.T) {
		for name, create := range map[string]func() error{
			"NoMemory": func() error { _, err := client.CreateBuffersForAsyncHostToDevice(nil, spec); return err },
			"NoSpecs":  func() error { _, err := client.CreateBuffersForAsyncHostToDevice(memory); return err },
			"NegativeDimension": func() error {
				_, err := client.CreateBuffersForAsyncHostToDevice(memory, ShapeSpec{DType: dtypes.Float32, Dimensions: []int{-1}})
				return err
			},
			"SomeLayouts": func() error {
				_, err := client.CreateBuffersForAsyncHostToDevice(memory,
					ShapeSpec{DType: dtypes.Float32, Dimensions: []int{4}, Layout: MajorToMinorLayout(1)}, spec)
				return err
			},
		} {
			err := create()
			fmt.Printf("%s: expected error: %v\n", name, err)
			require.Equal(t, KindInvalidArgument, KindOf(err), name)
		}
	})

	t.Run("Layouts", func(t *testing.T) {
		manager := capture(client.CreateBuffersForAsyncHostToDevice(memory,
			ShapeSpec{DType: dtypes.Float32, Dimensions: []int{2, 2}, Layout: MajorToMinorLayout(2)},
			ShapeSpec{DType: dtypes.Float32, Dimensions: []int{4}, Layout: MajorToMinorLayout(1)},
		)).Test(t)
		require.NoError(t, manager.Destroy())
	})

	t.Run("Transfers", func(t *testing.T) {
		manager := capture(client.CreateBuffersForAsyncHostToDevice(memory, spec)).Test(t)
		defer func() { require.NoError(t, manager.Destroy()) }()

		_, err := manager.TransferData(1, float32Bytes(1), 0, false)
		require.Equal(t, KindInvalidArgument, KindOf(err))
		_, err = manager.TransferData(0, float32Bytes(1), -4, false)
		require.Equal(t, KindInvalidArgument, KindOf(err))

		// Past the 16 bytes of the buffer: rejected by the plugin.
		_, err = manager.TransferData(0, float32Bytes(1, 2), 12, false)
		fmt.Printf("Expected error: %v\n", err)
		require.Equal(t, KindPlugin, KindOf(err))
		require.True(t, IsCode(err, CodeInvalidArgument))

		require.NoError(t, manager.TransferAll(0, float32Bytes(1, 2, 3, 4)))
		_, err = manager.TransferData(0, float32Bytes(1), 0, true)
		require.True(t, IsCode(err, CodeFailedPrecondition))
	})

	t.Run("SetBufferError", func(t *testing.T) {
		manager := capture(client.CreateBuffersForAsyncHostToDevice(memory, spec)).Test(t)
		defer func() { require.NoError(t, manager.Destroy()) }()
		buffer := capture(manager.RetrieveBuffer(0)).Test(t)
		defer func() { require.NoError(t, buffer.Destroy()) }()

		require.NoError(t, manager.SetBufferError(0, CodeDataLoss, "host data corrupted"))
		ready := capture(buffer.ReadyEvent()).Test(t)
		defer func() { require.NoError(t, ready.Destroy()) }()
		err := ready.Await()
		fmt.Printf("Expected error: %v\n", err)
		require.True(t, IsCode(err, CodeDataLoss))
		require.ErrorContains(t, err, "host data corrupted")
	})

	t.Run("DestroyFreesUnretrieved", func(t *testing.T) {
		// Collected buffers of other tests can only lower the count.
		liveBuffers := fakeplugin.LiveBuffers()
		manager := capture(client.CreateBuffersForAsyncHostToDevice(memory, spec, spec)).Test(t)
		buffer := capture(manager.RetrieveBuffer(0)).Test(t)
		require.NoError(t, manager.Destroy())
		require.LessOrEqual(t, fakeplugin.LiveBuffers(), liveBuffers+1)
		require.NoError(t, buffer.Destroy())
		require.LessOrEqual(t, fakeplugin.LiveBuffers(), liveBuffers)
	})

	t.Run("NotAvailable", func(t *testing.T) {
		oldClient := getClientFor(t, fakeOldPluginName)
		oldMemory := capture(oldClient.AddressableDevices()[0].DefaultMemory()).Test(t)
		_, err := oldClient.CreateBuffersForAsyncHostToDevice(oldMemory, spec)
		require.ErrorIs(t, err, ErrFunctionNotAvailable)
	})
}
