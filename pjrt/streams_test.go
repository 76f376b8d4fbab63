package pjrt

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/purepjrt/pjrt/internal/fakeplugin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// float32Bytes returns the little-endian encoding of values.
func float32Bytes(values ...float32) []byte {
	var b []byte
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func TestRecvStream(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "recv 7 f32[3]")
	require.Equal(t, "recv", exec.Name)
	chunksBefore := ChunksInFlight()

	called := make(chan struct{})
	outputs, err := exec.Execute().WithRecvCallback(7, func(stream *CopyToDeviceStream) {
		defer close(called)
		defer func() { assert.NoError(t, stream.Destroy()) }()
		total, err := stream.TotalBytes()
		assert.NoError(t, err)
		assert.Equal(t, int64(12), total)
		granule, err := stream.GranuleSize()
		assert.NoError(t, err)
		assert.Equal(t, int64(fakeplugin.StreamGranuleSize), granule)

		// Only the last chunk may not be a multiple of the granule. The chunk is consumed anyway.
		unaligned := NewChunk([]byte{1, 2, 3})
		err = stream.AddChunk(unaligned)
		fmt.Printf("Received expected error: %s\n", err)
		assert.True(t, IsCode(err, CodeInvalidArgument))
		assert.True(t, unaligned.IsConsumed())
		err = stream.AddChunk(unaligned)
		assert.ErrorIs(t, err, ErrChunkConsumed)
		assert.Equal(t, CodeFailedPrecondition, CodeOf(err))

		first := NewChunk(float32Bytes(1, 2))
		assert.Equal(t, 8, first.Len())
		assert.NoError(t, stream.AddChunk(first))
		current, err := stream.CurrentBytes()
		assert.NoError(t, err)
		assert.Equal(t, int64(8), current)

		// Chunks that overflow are rejected before reaching the plugin.
		tooLarge := NewChunk(float32Bytes(3, 4))
		err = stream.AddChunk(tooLarge)
		fmt.Printf("Received expected error: %s\n", err)
		assert.ErrorIs(t, err, ErrStreamOverflow)
		assert.Equal(t, CodeOutOfRange, CodeOf(err))
		assert.False(t, tooLarge.IsConsumed())

		event, err := stream.AddChunkAsync(NewChunk(float32Bytes(3)))
		if assert.NoError(t, err) {
			assert.NoError(t, event.Await())
		}
	}).Done()
	require.NoError(t, err)
	<-called
	require.Len(t, outputs, 1)
	got, dims := toFloat32s(t, outputs[0])
	require.Equal(t, []float32{1, 2, 3}, got)
	require.Equal(t, []int{3}, dims)
	require.NoError(t, outputs[0].Destroy())
	require.Equal(t, chunksBefore, ChunksInFlight())
}

func TestRecvStreamConcurrentChunks(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "recv 7 f32[4]")

	const numAdders = 8
	var added, overflowed atomic.Int32
	outputs, err := exec.Execute().WithRecvCallback(7, func(stream *CopyToDeviceStream) {
		defer func() { assert.NoError(t, stream.Destroy()) }()
		var wg sync.WaitGroup
		for range numAdders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				chunk := NewChunk(float32Bytes(5))
				err := stream.AddChunk(chunk)
				if errors.Is(err, ErrStreamOverflow) {
					overflowed.Add(1)
					assert.False(t, chunk.IsConsumed())
					return
				}
				if assert.NoError(t, err) {
					added.Add(1)
				}
			}()
		}
		wg.Wait()
	}).Done()
	require.NoError(t, err)

	// Only as many chunks as fit in the stream are added, regardless of the interleaving.
	require.Equal(t, int32(4), added.Load())
	require.Equal(t, int32(numAdders-4), overflowed.Load())
	got, _ := toFloat32s(t, outputs[0])
	require.Equal(t, []float32{5, 5, 5, 5}, got)
	require.NoError(t, outputs[0].Destroy())
}

func TestRecvStreamErrors(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "recv 7 s32[2]")

	// Missing callbacks.
	_, err := exec.Execute().Done()
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeInvalidArgument))
	_, err = exec.Execute().WithRecvCallback(8, func(stream *CopyToDeviceStream) { _ = stream.Destroy() }).Done()
	require.True(t, IsCode(err, CodeInvalidArgument))

	// Same channel twice.
	noop := func(stream *CopyToDeviceStream) { _ = stream.Destroy() }
	_, err = exec.Execute().WithRecvCallback(7, noop).WithRecvCallback(7, noop).Done()
	require.Error(t, err)

	// The receiver gives up before filling the stream.
	called := make(chan struct{})
	_, err = exec.Execute().WithRecvCallback(7, func(stream *CopyToDeviceStream) {
		defer close(called)
		assert.NoError(t, stream.AddChunk(NewChunk([]byte{1, 0, 0, 0})))
		assert.NoError(t, stream.Destroy())
		assert.NoError(t, stream.Destroy())
		_, err := stream.TotalBytes()
		assert.ErrorIs(t, err, ErrDestroyed)
		_, err = stream.AddChunkAsync(NewChunk([]byte{2, 0, 0, 0}))
		assert.ErrorIs(t, err, ErrDestroyed)
	}).Done()
	<-called
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeCancelled))

	// Nil chunks.
	_, err = (&CopyToDeviceStream{}).AddChunkAsync(nil)
	require.Equal(t, KindInvalidArgument, KindOf(err))
}
