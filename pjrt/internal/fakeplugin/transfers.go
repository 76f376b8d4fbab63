package fakeplugin

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// fakeTransferManager owns a set of buffers filled by PJRT_AsyncHostToDeviceTransferManager_TransferData calls.
type fakeTransferManager struct {
	mu       sync.Mutex
	memory   *fakeMemory
	buffers  []*fakeTransfer
	metadata map[string]any
}

// fakeTransfer is the state of one of the manager's buffers.
type fakeTransfer struct {
	buffer    *fakeBuffer
	handle    uintptr
	size      int
	retrieved bool
	lastSeen  bool
	pending   sync.WaitGroup
}

var (
	liveTransferManagers atomic.Int64
	lastTransferMetadata atomic.Pointer[map[string]any]
)

// LiveTransferManagers returns the number of PJRT_AsyncHostToDeviceTransferManager handles not yet destroyed.
func LiveTransferManagers() int64 { return liveTransferManagers.Load() }

// LastTransferMetadata returns the metadata last added to any transfer manager.
func LastTransferMetadata() map[string]any {
	if m := lastTransferMetadata.Load(); m != nil {
		return maps.Clone(*m)
	}
	return nil
}

func lookupTransferManager(h uintptr) (*fakeTransferManager, *fakeError) {
	m, found := lookup[*fakeTransferManager](h)
	if !found {
		return nil, errBadHandle("PJRT_AsyncHostToDeviceTransferManager", h)
	}
	return m, nil
}

// transfer returns the state of buffer index. m.mu must be held.
func (m *fakeTransferManager) transfer(index int32) (*fakeTransfer, *fakeError) {
	if index < 0 || int(index) >= len(m.buffers) {
		return nil, errorf(capi.CodeInvalidArgument, "buffer index %d out of range [0, %d)", index, len(m.buffers))
	}
	return m.buffers[index], nil
}

func clientCreateBuffersForAsyncHostToDevice(args *capi.ClientCreateBuffersForAsyncHostToDeviceArgs) *fakeError {
	if _, err := lookupClient(args.Client); err != nil {
		return err
	}
	if args.Memory == 0 {
		return errorf(capi.CodeInvalidArgument, "null memory")
	}
	memory, err := lookupMemory(args.Memory)
	if err != nil {
		return err
	}
	specs := view[capi.ShapeSpec](args.ShapeSpecs, args.NumShapeSpecs)
	if len(specs) == 0 {
		return errorf(capi.CodeInvalidArgument, "no shape specs")
	}
	if args.NumDeviceLayouts != 0 && args.NumDeviceLayouts != args.NumShapeSpecs {
		return errorf(capi.CodeInvalidArgument, "%d device layouts given for %d shape specs",
			args.NumDeviceLayouts, args.NumShapeSpecs)
	}
	for _, layoutPtr := range view[uintptr](args.DeviceLayouts, args.NumDeviceLayouts) {
		if layoutPtr == 0 {
			continue
		}
		if (*capi.BufferMemoryLayout)(capi.Pointer(layoutPtr)).Type != capi.MemoryLayoutTiled {
			return errorf(capi.CodeUnimplemented, "only tiled device layouts are supported")
		}
	}
	type shape struct {
		dtype dtypes.DType
		dims  []int64
		size  int
	}
	shapes := make([]shape, len(specs))
	for ii, spec := range specs {
		dtype := dtypes.DType(spec.ElementType)
		dims := slices.Clone(view[int64](spec.Dims, spec.NumDims))
		size, err := checkShape(dtype, dims)
		if err != nil {
			return err
		}
		shapes[ii] = shape{dtype, dims, size}
	}

	m := &fakeTransferManager{memory: memory, buffers: make([]*fakeTransfer, len(shapes))}
	for ii, s := range shapes {
		b, h := newBuffer(s.dtype, s.dims, make([]byte, s.size), memory, newFakeEvent())
		m.buffers[ii] = &fakeTransfer{buffer: b, handle: h, size: s.size}
	}
	liveTransferManagers.Add(1)
	args.TransferManager = newHandle(m)
	return nil
}

func transferManagerDestroy(args *capi.AsyncHostToDeviceTransferManagerDestroyArgs) *fakeError {
	obj, found := release(args.TransferManager)
	if !found {
		return errBadHandle("PJRT_AsyncHostToDeviceTransferManager", args.TransferManager)
	}
	m := obj.(*fakeTransferManager)
	liveTransferManagers.Add(-1)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.buffers {
		if t.retrieved {
			continue
		}
		// Never handed out: the manager still owns the buffer.
		if _, found := release(t.handle); found {
			liveBuffers.Add(-1)
		}
		t.buffer.ready.set(errorf(capi.CodeCancelled, "transfer manager destroyed"))
		t.buffer.mu.Lock()
		t.buffer.dropData()
		t.buffer.mu.Unlock()
	}
	return nil
}

func transferManagerTransferData(args *capi.AsyncHostToDeviceTransferManagerTransferDataArgs) *fakeError {
	m, err := lookupTransferManager(args.TransferManager)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(args.BufferIndex)
	if err != nil {
		return err
	}
	if t.lastSeen {
		return errorf(capi.CodeFailedPrecondition, "buffer %d already received its last transfer", args.BufferIndex)
	}
	if args.Offset < 0 || args.TransferSize < 0 || args.Offset+args.TransferSize > int64(t.size) {
		return errorf(capi.CodeInvalidArgument, "transfer of %d bytes at offset %d out of range for buffer of %d bytes",
			args.TransferSize, args.Offset, t.size)
	}
	if args.Data == 0 && args.TransferSize > 0 {
		return errorf(capi.CodeInvalidArgument, "null data")
	}
	t.lastSeen = args.IsLastTransfer
	done := newFakeEvent()
	args.DoneWithH2DTransfer = done.newHandle()
	b := t.buffer
	src, offset, size := args.Data, int(args.Offset), int(args.TransferSize)
	t.pending.Add(1)
	go func() {
		b.mu.Lock()
		if b.data != nil && size > 0 {
			copy(b.data[offset:offset+size], unsafe.Slice((*byte)(capi.Pointer(src)), size))
		}
		b.mu.Unlock()
		t.pending.Done()
		done.set(nil)
	}()
	if args.IsLastTransfer {
		go func() {
			t.pending.Wait()
			b.ready.set(nil)
		}()
	}
	return nil
}

func transferManagerRetrieveBuffer(args *capi.AsyncHostToDeviceTransferManagerRetrieveBufferArgs) *fakeError {
	m, err := lookupTransferManager(args.TransferManager)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(args.BufferIndex)
	if err != nil {
		return err
	}
	if t.retrieved {
		return errorf(capi.CodeFailedPrecondition, "buffer %d already retrieved", args.BufferIndex)
	}
	t.retrieved = true
	args.BufferOut = t.handle
	return nil
}

func transferManagerDevice(args *capi.AsyncHostToDeviceTransferManagerDeviceArgs) *fakeError {
	m, err := lookupTransferManager(args.TransferManager)
	if err != nil {
		return err
	}
	args.DeviceOut = m.memory.device.handle
	return nil
}

func transferManagerBufferCount(args *capi.AsyncHostToDeviceTransferManagerBufferCountArgs) *fakeError {
	m, err := lookupTransferManager(args.TransferManager)
	if err != nil {
		return err
	}
	args.BufferCount = uintptr(len(m.buffers))
	return nil
}

func transferManagerBufferSize(args *capi.AsyncHostToDeviceTransferManagerBufferSizeArgs) *fakeError {
	m, err := lookupTransferManager(args.TransferManager)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(args.BufferIndex)
	if err != nil {
		return err
	}
	args.BufferSize = uintptr(t.size)
	return nil
}

func transferManagerSetBufferError(args *capi.AsyncHostToDeviceTransferManagerSetBufferErrorArgs) *fakeError {
	m, err := lookupTransferManager(args.TransferManager)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(args.BufferIndex)
	if err != nil {
		return err
	}
	if t.lastSeen {
		return errorf(capi.CodeFailedPrecondition, "buffer %d already received its last transfer", args.BufferIndex)
	}
	t.lastSeen = true
	t.buffer.ready.set(&fakeError{code: args.ErrorCode, message: []byte(goString(args.ErrorMessage, args.ErrorMessageSize))})
	return nil
}

func transferManagerAddMetadata(args *capi.AsyncHostToDeviceTransferManagerAddMetadataArgs) *fakeError {
	m, err := lookupTransferManager(args.TransferManager)
	if err != nil {
		return err
	}
	values := readNamedValues(args.TransferMetadata, args.NumMetadata)
	m.mu.Lock()
	if m.metadata == nil {
		m.metadata = make(map[string]any)
	}
	maps.Copy(m.metadata, values)
	snapshot := maps.Clone(m.metadata)
	m.mu.Unlock()
	lastTransferMetadata.Store(&snapshot)
	return nil
}
