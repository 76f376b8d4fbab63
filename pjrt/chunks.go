package pjrt

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"k8s.io/klog/v2"
)

// Chunk is a block of host bytes to be handed to the plugin, e.g. with CopyToDeviceStream.AddChunk.
//
// Once added, the plugin owns the chunk: it calls the chunk's deleter when done with the bytes, and the Chunk can't
// be used again (ErrChunkConsumed).
type Chunk struct {
	mu       sync.Mutex
	data     []byte
	consumed bool
}

// NewChunk creates a Chunk with a copy of data, in storage aligned to BufferAlignment.
func NewChunk(data []byte) *Chunk {
	c := &Chunk{data: alignedBytes(len(data))}
	copy(c.data, data)
	return c
}

// Len returns the number of bytes in the chunk.
func (c *Chunk) Len() int {
	return len(c.data)
}

// IsConsumed returns whether the chunk was already handed to the plugin.
func (c *Chunk) IsConsumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed
}

// chunkStorage is the host storage of a chunk owned by the plugin, pinned until its deleter is called.
type chunkStorage struct {
	data   []byte
	pinner *runtime.Pinner
}

func (s *chunkStorage) release() {
	s.pinner.Unpin()
	s.data = nil
}

var (
	// chunksInFlight holds the storage of chunks handed to the plugin, by id (the chunk's deleter_arg).
	chunksInFlight callbackRegistry[*chunkStorage]

	// chunkDeleterCallback is the native deleter of every chunk handed to the plugin.
	chunkDeleterCallback = sync.OnceValue(func() uintptr {
		return purego.NewCallback(chunkDeleterTrampoline)
	})
)

// chunkDeleterTrampoline is called by the plugin when it no longer needs the chunk's bytes.
func chunkDeleterTrampoline(_, deleterArg uintptr) uintptr {
	storage, found := chunksInFlight.take(deleterArg)
	if !found {
		klog.Errorf("PJRT_Chunk deleter called with unknown id %d, ignoring", deleterArg)
		return 0
	}
	storage.release()
	return 0
}

// ChunksInFlight returns the number of chunks handed to the plugin whose deleter wasn't called yet.
func ChunksInFlight() int {
	return chunksInFlight.len()
}

// toC marks the chunk consumed and returns its C representation, with the storage pinned and registered for the
// deleter. If the plugin never got the chunk, the returned cancel function must be called to release it.
func (c *Chunk) toC(function string) (cChunk *capi.Chunk, cancel func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return nil, nil, wrapSentinel(ErrChunkConsumed, KindInvalidArgument, CodeFailedPrecondition, function, "")
	}
	c.consumed = true
	storage := &chunkStorage{data: c.data, pinner: new(runtime.Pinner)}
	c.data = nil
	if len(storage.data) > 0 {
		storage.pinner.Pin(unsafe.SliceData(storage.data))
	}
	id := chunksInFlight.register(storage)
	cChunk = &capi.Chunk{
		Data:       sliceAddr(storage.data),
		Size:       uintptr(len(storage.data)),
		Deleter:    chunkDeleterCallback(),
		DeleterArg: id,
	}
	cancel = func() {
		if s, found := chunksInFlight.take(id); found {
			s.release()
		}
	}
	return cChunk, cancel, nil
}
