package pjrt

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"k8s.io/klog/v2"
)

// LayoutsExtension is the typed view of the plugin's Layouts extension: it exposes the plugin's own (opaque)
// layouts of buffers, executable outputs and default layouts of shapes.
type LayoutsExtension struct {
	plugin *Plugin
	ext    *capi.LayoutsExtension
}

func (*LayoutsExtension) extensionType() ExtensionType { return ExtensionLayouts }

func (*LayoutsExtension) minStructSize() uintptr { return unsafe.Sizeof(capi.LayoutsExtension{}) }

func (*LayoutsExtension) withNode(p *Plugin, node *capi.ExtensionBase) ExtensionView {
	return &LayoutsExtension{plugin: p, ext: (*capi.LayoutsExtension)(unsafe.Pointer(node))}
}

// PluginLayout is a layout owned by the plugin (PJRT_Layouts_MemoryLayout). Its only portable representation is
// the serialized one, see Serialize.
//
// It must be destroyed (it is also destroyed when garbage collected).
type PluginLayout struct {
	ext *LayoutsExtension

	mu      sync.Mutex
	cLayout uintptr
}

func (e *LayoutsExtension) newLayout(cLayout uintptr) *PluginLayout {
	l := &PluginLayout{ext: e, cLayout: cLayout}
	runtime.SetFinalizer(l, func(l *PluginLayout) {
		if err := l.Destroy(); err != nil {
			klog.Errorf("PluginLayout.Destroy failed: %v", err)
		}
	})
	return l
}

// Destroy the layout. It is idempotent.
func (l *PluginLayout) Destroy() error {
	if l == nil || l.ext == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cLayout == 0 {
		return nil
	}
	args := capi.New[capi.LayoutsMemoryLayoutDestroyArgs]()
	args.Layout = l.cLayout
	l.cLayout = 0
	return callFn(l.ext.plugin, l.ext.ext.MemoryLayoutDestroy, "PJRT_Layouts_MemoryLayout_Destroy", args)
}

// Serialize returns the plugin's serialized representation of the layout. For XLA plugins it is the text format,
// e.g. "{1,0}".
func (l *PluginLayout) Serialize() ([]byte, error) {
	const name = "PJRT_Layouts_MemoryLayout_Serialize"
	if l == nil || l.ext == nil {
		return nil, errDestroyed(name, "PluginLayout")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cLayout == 0 {
		return nil, errDestroyed(name, "PluginLayout")
	}
	args := capi.New[capi.LayoutsMemoryLayoutSerializeArgs]()
	args.Layout = l.cLayout
	if err := callFn(l.ext.plugin, l.ext.ext.MemoryLayoutSerialize, name, args); err != nil {
		return nil, err
	}
	serialized := cSlice[byte](args.SerializedBytes, args.SerializedBytesSize)
	if args.SerializedLayout != 0 && args.SerializedLayoutDeleter != 0 {
		purego.SyscallN(args.SerializedLayoutDeleter, args.SerializedLayout)
	}
	return serialized, nil
}

// String implements fmt.Stringer, with the serialized layout.
func (l *PluginLayout) String() string {
	serialized, err := l.Serialize()
	if err != nil {
		return "Invalid PluginLayout"
	}
	return string(serialized)
}

// BufferLayout returns the layout of the buffer.
func (e *LayoutsExtension) BufferLayout(buffer *Buffer) (*PluginLayout, error) {
	const name = "PJRT_Layouts_PJRT_Buffer_MemoryLayout"
	_, cBuffer, err := buffer.checkValid(name)
	if err != nil {
		return nil, err
	}
	args := capi.New[capi.LayoutsBufferMemoryLayoutArgs]()
	args.Buffer = cBuffer
	err = callFn(e.plugin, e.ext.BufferMemoryLayout, name, args)
	runtime.KeepAlive(buffer)
	if err != nil {
		return nil, err
	}
	return e.newLayout(args.Layout), nil
}

// shapeToC validates and converts a shape for the default layout queries.
func shapeToC(name string, dtype dtypes.DType, dimensions []int) ([]int64, error) {
	if !dtype.IsValid() {
		return nil, errInvalidArgument(name, "invalid dtype %s", dtype)
	}
	dims := make([]int64, len(dimensions))
	for axis, dim := range dimensions {
		if dim < 0 {
			return nil, errInvalidArgument(name, "negative dimensions %v", dimensions)
		}
		dims[axis] = int64(dim)
	}
	return dims, nil
}

// ClientDefaultLayout returns the layout the client uses by default for arrays of the given shape.
func (e *LayoutsExtension) ClientDefaultLayout(client *Client, dtype dtypes.DType, dimensions ...int) (*PluginLayout, error) {
	const name = "PJRT_Layouts_PJRT_Client_GetDefaultLayout"
	if err := client.checkValid(name); err != nil {
		return nil, err
	}
	dims, err := shapeToC(name, dtype, dimensions)
	if err != nil {
		return nil, err
	}
	args := capi.New[capi.LayoutsClientGetDefaultLayoutArgs]()
	args.Client = client.client
	args.Type = int32(dtype)
	args.Dims = sliceAddr(dims)
	args.NumDims = uintptr(len(dims))
	err = callFn(e.plugin, e.ext.ClientGetDefaultLayout, name, args)
	runtime.KeepAlive(dims)
	if err != nil {
		return nil, err
	}
	return e.newLayout(args.Layout), nil
}

// TopologyDefaultLayout returns the default layout of arrays of the given shape on the topology's devices.
func (e *LayoutsExtension) TopologyDefaultLayout(topology *TopologyDescription, dtype dtypes.DType, dimensions ...int) (*PluginLayout, error) {
	const name = "PJRT_Layouts_PJRT_Topology_GetDefaultLayout"
	if topology == nil || topology.cTopology == 0 {
		return nil, errDestroyed(name, "TopologyDescription")
	}
	dims, err := shapeToC(name, dtype, dimensions)
	if err != nil {
		return nil, err
	}
	args := capi.New[capi.LayoutsTopologyGetDefaultLayoutArgs]()
	args.TopologyDescription = topology.cTopology
	args.Type = int32(dtype)
	args.Dims = sliceAddr(dims)
	args.NumDims = uintptr(len(dims))
	err = callFn(e.plugin, e.ext.TopologyGetDefaultLayout, name, args)
	runtime.KeepAlive(dims)
	runtime.KeepAlive(topology)
	if err != nil {
		return nil, err
	}
	return e.newLayout(args.Layout), nil
}

// ExecutableOutputLayouts returns the layouts of the outputs of the executable, one per output.
func (e *LayoutsExtension) ExecutableOutputLayouts(executable *Executable) ([]*PluginLayout, error) {
	const name = "PJRT_Layouts_PJRT_Executable_GetOutputLayouts"
	cExecutable, err := executable.handle(name)
	if err != nil {
		return nil, err
	}
	args := capi.New[capi.LayoutsExecutableGetOutputLayoutsArgs]()
	args.Executable = cExecutable
	err = callFn(e.plugin, e.ext.ExecutableGetOutputLayouts, name, args)
	runtime.KeepAlive(executable)
	if err != nil {
		return nil, err
	}
	cLayouts := cSlice[uintptr](args.Layouts, args.NumOutputs)
	layouts := make([]*PluginLayout, len(cLayouts))
	for ii, cLayout := range cLayouts {
		layouts[ii] = e.newLayout(cLayout)
	}
	return layouts, nil
}
