package pjrt

import (
	"runtime"
	"slices"
	"sync"
	"unsafe"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShapeSpec describes one of the buffers created by Client.CreateBuffersForAsyncHostToDevice.
type ShapeSpec struct {
	DType      dtypes.DType
	Dimensions []int

	// Layout is the on-device layout of the buffer. Optional, but if given it must be given for every ShapeSpec.
	Layout *MemoryLayout
}

// AsyncHostToDeviceTransferManager owns a set of uninitialized buffers on a memory, and fills them with data
// transferred from the host in any number of pieces.
//
// Buffers can be retrieved (and used as inputs of executions) before their transfers are done: they become ready
// once their last transfer completes, or fail with the error given to SetBufferError.
//
// Buffers not retrieved are freed when the manager is destroyed. Retrieved buffers are independent of it.
type AsyncHostToDeviceTransferManager struct {
	client *Client
	plugin *Plugin
	specs  []ShapeSpec

	mu       sync.Mutex
	cManager uintptr
}

// CreateBuffersForAsyncHostToDevice creates one uninitialized buffer per spec on the given memory, and returns the
// manager that fills them.
func (c *Client) CreateBuffersForAsyncHostToDevice(memory *Memory, specs ...ShapeSpec) (*AsyncHostToDeviceTransferManager, error) {
	const function = "PJRT_Client_CreateBuffersForAsyncHostToDevice"
	if err := c.checkValid(function); err != nil {
		return nil, err
	}
	if memory == nil || memory.cMemory == 0 {
		return nil, errInvalidArgument(function, "a memory is required")
	}
	if len(specs) == 0 {
		return nil, errInvalidArgument(function, "at least one ShapeSpec is required")
	}
	cSpecs := make([]capi.ShapeSpec, len(specs))
	cDims := make([][]int64, len(specs))
	var cLayouts []*cMemoryLayout
	for ii, spec := range specs {
		if !spec.DType.IsValid() {
			return nil, errInvalidArgument(function, "ShapeSpec #%d: invalid dtype %s", ii, spec.DType)
		}
		cDims[ii] = make([]int64, len(spec.Dimensions))
		for axis, dim := range spec.Dimensions {
			if dim < 0 {
				return nil, errInvalidArgument(function, "ShapeSpec #%d: negative dimensions %v", ii, spec.Dimensions)
			}
			cDims[ii][axis] = int64(dim)
		}
		if spec.Layout != nil {
			if err := spec.Layout.validate(len(spec.Dimensions)); err != nil {
				return nil, errInvalidArgument(function, "ShapeSpec #%d: %v", ii, err)
			}
			cLayouts = append(cLayouts, spec.Layout.toC())
		}
		cSpecs[ii] = *capi.New[capi.ShapeSpec]()
		cSpecs[ii].Dims = sliceAddr(cDims[ii])
		cSpecs[ii].NumDims = uintptr(len(cDims[ii]))
		cSpecs[ii].ElementType = int32(spec.DType)
	}
	if len(cLayouts) != 0 && len(cLayouts) != len(specs) {
		return nil, errInvalidArgument(function, "%d of %d ShapeSpecs have a Layout: give it for all or none",
			len(cLayouts), len(specs))
	}
	layoutPtrs := make([]uintptr, len(cLayouts))
	for ii, cLayout := range cLayouts {
		layoutPtrs[ii] = uintptr(unsafe.Pointer(&cLayout.layout))
	}

	args := capi.New[capi.ClientCreateBuffersForAsyncHostToDeviceArgs]()
	args.Client = c.client
	args.ShapeSpecs = sliceAddr(cSpecs)
	args.NumShapeSpecs = uintptr(len(cSpecs))
	args.DeviceLayouts = sliceAddr(layoutPtrs)
	args.NumDeviceLayouts = uintptr(len(layoutPtrs))
	args.Memory = memory.cMemory
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ClientCreateBuffersForAsyncHostToDevice), args)
	runtime.KeepAlive(cSpecs)
	runtime.KeepAlive(cDims)
	runtime.KeepAlive(cLayouts)
	runtime.KeepAlive(layoutPtrs)
	if err != nil {
		return nil, err
	}
	m := &AsyncHostToDeviceTransferManager{
		client:   c,
		plugin:   c.plugin,
		specs:    slices.Clone(specs),
		cManager: args.TransferManager,
	}
	runtime.SetFinalizer(m, func(m *AsyncHostToDeviceTransferManager) {
		if err := m.Destroy(); err != nil {
			klog.Errorf("AsyncHostToDeviceTransferManager.Destroy failed: %v", err)
		}
	})
	return m, nil
}

// withHandle calls fn with the native handle, holding the manager's lock.
func (m *AsyncHostToDeviceTransferManager) withHandle(function string, fn func(cManager uintptr) error) error {
	if m == nil || m.plugin == nil {
		return errDestroyed(function, "AsyncHostToDeviceTransferManager")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cManager == 0 {
		return errDestroyed(function, "AsyncHostToDeviceTransferManager")
	}
	return fn(m.cManager)
}

// Destroy the manager, and the buffers not yet retrieved. It is idempotent.
func (m *AsyncHostToDeviceTransferManager) Destroy() error {
	if m == nil || m.plugin == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cManager == 0 {
		return nil
	}
	args := capi.New[capi.AsyncHostToDeviceTransferManagerDestroyArgs]()
	args.TransferManager = m.cManager
	m.cManager = 0
	return call(m.plugin, unsafe.Offsetof(m.plugin.api.AsyncHostToDeviceTransferManagerDestroy), args)
}

// checkIndex validates a buffer index against the specs the manager was created with.
func (m *AsyncHostToDeviceTransferManager) checkIndex(function string, index int) error {
	if index < 0 || index >= len(m.specs) {
		return errInvalidArgument(function, "buffer index %d out of range [0, %d)", index, len(m.specs))
	}
	return nil
}

// Device returns the device of the memory holding the buffers.
func (m *AsyncHostToDeviceTransferManager) Device() (device *Device, err error) {
	err = m.withHandle("PJRT_AsyncHostToDeviceTransferManager_Device", func(cManager uintptr) error {
		args := capi.New[capi.AsyncHostToDeviceTransferManagerDeviceArgs]()
		args.TransferManager = cManager
		if err := call(m.plugin, unsafe.Offsetof(m.plugin.api.AsyncHostToDeviceTransferManagerDevice), args); err != nil {
			return err
		}
		device = m.client.deviceFor(args.DeviceOut)
		return nil
	})
	return
}

// BufferCount returns the number of buffers owned by the manager.
func (m *AsyncHostToDeviceTransferManager) BufferCount() (count int, err error) {
	err = m.withHandle("PJRT_AsyncHostToDeviceTransferManager_BufferCount", func(cManager uintptr) error {
		args := capi.New[capi.AsyncHostToDeviceTransferManagerBufferCountArgs]()
		args.TransferManager = cManager
		if err := call(m.plugin, unsafe.Offsetof(m.plugin.api.AsyncHostToDeviceTransferManagerBufferCount), args); err != nil {
			return err
		}
		count = int(args.BufferCount)
		return nil
	})
	return
}

// BufferSize returns the on-device size in bytes of buffer index: the total a sequence of transfers must cover.
func (m *AsyncHostToDeviceTransferManager) BufferSize(index int) (size int, err error) {
	const function = "PJRT_AsyncHostToDeviceTransferManager_BufferSize"
	err = m.withHandle(function, func(cManager uintptr) error {
		if err := m.checkIndex(function, index); err != nil {
			return err
		}
		args := capi.New[capi.AsyncHostToDeviceTransferManagerBufferSizeArgs]()
		args.TransferManager = cManager
		args.BufferIndex = int32(index)
		if err := call(m.plugin, unsafe.Offsetof(m.plugin.api.AsyncHostToDeviceTransferManagerBufferSize), args); err != nil {
			return err
		}
		size = int(args.BufferSize)
		return nil
	})
	return
}

// TransferData copies data into buffer index, starting at byte offset. isLast marks the last transfer of the
// buffer, after which it becomes ready.
//
// The returned event is ready when data is no longer needed: data must not be modified until then.
func (m *AsyncHostToDeviceTransferManager) TransferData(index int, data []byte, offset int, isLast bool) (event *Event, err error) {
	const function = "PJRT_AsyncHostToDeviceTransferManager_TransferData"
	err = m.withHandle(function, func(cManager uintptr) error {
		if err := m.checkIndex(function, index); err != nil {
			return err
		}
		if offset < 0 {
			return errInvalidArgument(function, "negative offset %d", offset)
		}
		pinner := new(runtime.Pinner)
		if len(data) > 0 {
			pinner.Pin(unsafe.SliceData(data))
		}
		args := capi.New[capi.AsyncHostToDeviceTransferManagerTransferDataArgs]()
		args.TransferManager = cManager
		args.BufferIndex = int32(index)
		args.Data = sliceAddr(data)
		args.Offset = int64(offset)
		args.TransferSize = int64(len(data))
		args.IsLastTransfer = isLast
		if err := call(m.plugin, unsafe.Offsetof(m.plugin.api.AsyncHostToDeviceTransferManagerTransferData), args); err != nil {
			pinner.Unpin()
			return err
		}
		if args.DoneWithH2DTransfer == 0 {
			pinner.Unpin()
			event = newCompletedEvent(m.plugin, nil)
			return nil
		}
		event = newEvent(m.plugin, args.DoneWithH2DTransfer)
		event.OnReady(func(error) {
			pinner.Unpin()
			runtime.KeepAlive(data)
		})
		return nil
	})
	return
}

// TransferAll copies the whole contents of buffer index in one transfer, and waits until data is no longer needed.
func (m *AsyncHostToDeviceTransferManager) TransferAll(index int, data []byte) error {
	event, err := m.TransferData(index, data, 0, true)
	if err != nil {
		return err
	}
	defer func() { _ = event.Destroy() }()
	return event.Await()
}

// RetrieveBuffer hands over buffer index to the caller, who owns it from then on. Each buffer can be retrieved
// only once.
func (m *AsyncHostToDeviceTransferManager) RetrieveBuffer(index int) (buffer *Buffer, err error) {
	const function = "PJRT_AsyncHostToDeviceTransferManager_RetrieveBuffer"
	err = m.withHandle(function, func(cManager uintptr) error {
		if err := m.checkIndex(function, index); err != nil {
			return err
		}
		args := capi.New[capi.AsyncHostToDeviceTransferManagerRetrieveBufferArgs]()
		args.TransferManager = cManager
		args.BufferIndex = int32(index)
		if err := call(m.plugin, unsafe.Offsetof(m.plugin.api.AsyncHostToDeviceTransferManagerRetrieveBuffer), args); err != nil {
			return err
		}
		spec := m.specs[index]
		buffer = newBufferWithShape(m.client, args.BufferOut, spec.DType, spec.Dimensions)
		return nil
	})
	return
}

// RetrieveAllBuffers retrieves every buffer, in the order of the specs. On error, the buffers already retrieved are
// destroyed.
func (m *AsyncHostToDeviceTransferManager) RetrieveAllBuffers() ([]*Buffer, error) {
	buffers := make([]*Buffer, 0, len(m.specs))
	for ii := range m.specs {
		buffer, err := m.RetrieveBuffer(ii)
		if err != nil {
			for _, b := range buffers {
				_ = b.Destroy()
			}
			return nil, err
		}
		buffers = append(buffers, buffer)
	}
	return buffers, nil
}

// SetBufferError fails buffer index with the given error instead of transferring the rest of its data: anything
// waiting on the buffer receives it.
func (m *AsyncHostToDeviceTransferManager) SetBufferError(index int, code ErrorCode, message string) error {
	const function = "PJRT_AsyncHostToDeviceTransferManager_SetBufferError"
	return m.withHandle(function, func(cManager uintptr) error {
		if err := m.checkIndex(function, index); err != nil {
			return err
		}
		msg := []byte(message)
		args := capi.New[capi.AsyncHostToDeviceTransferManagerSetBufferErrorArgs]()
		args.TransferManager = cManager
		args.BufferIndex = int32(index)
		args.ErrorCode = int32(code)
		args.ErrorMessage = sliceAddr(msg)
		args.ErrorMessageSize = uintptr(len(msg))
		err := call(m.plugin, unsafe.Offsetof(m.plugin.api.AsyncHostToDeviceTransferManagerSetBufferError), args)
		runtime.KeepAlive(msg)
		return err
	})
}

// AddMetadata attaches key/value metadata to the transfers, for plugins that use it (e.g. for tracing).
func (m *AsyncHostToDeviceTransferManager) AddMetadata(metadata NamedValuesMap) error {
	const function = "PJRT_AsyncHostToDeviceTransferManager_AddMetadata"
	return m.withHandle(function, func(cManager uintptr) error {
		cMetadata, err := metadata.toC()
		if err != nil {
			return errors.WithMessagef(err, "invalid transfer metadata")
		}
		args := capi.New[capi.AsyncHostToDeviceTransferManagerAddMetadataArgs]()
		args.TransferManager = cManager
		args.TransferMetadata = cMetadata.Addr()
		args.NumMetadata = cMetadata.Len()
		err = call(m.plugin, unsafe.Offsetof(m.plugin.api.AsyncHostToDeviceTransferManagerAddMetadata), args)
		runtime.KeepAlive(cMetadata)
		return err
	})
}
