package fakeplugin

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// fakeLayout is a PJRT_Layouts_MemoryLayout: only the minor-to-major order, no tiling.
type fakeLayout struct {
	minorToMajor []int64
}

// serializedLayout owns the bytes handed out by PJRT_Layouts_MemoryLayout_Serialize.
type serializedLayout struct {
	data []byte
}

var liveLayouts, liveSerializedLayouts atomic.Int64

// LiveLayouts returns the number of PJRT_Layouts_MemoryLayout handles not yet destroyed.
func LiveLayouts() int64 { return liveLayouts.Load() }

// LiveSerializedLayouts returns the number of serialized layouts whose deleter wasn't called yet.
func LiveSerializedLayouts() int64 { return liveSerializedLayouts.Load() }

func newLayout(minorToMajor []int64) uintptr {
	liveLayouts.Add(1)
	return newHandle(&fakeLayout{minorToMajor: slices.Clone(minorToMajor)})
}

// defaultLayout returns the major-to-minor layout of a rank.
func defaultLayout(rank int) uintptr {
	minorToMajor := make([]int64, rank)
	for axis := range rank {
		minorToMajor[axis] = int64(rank - axis - 1)
	}
	return newLayout(minorToMajor)
}

// String formats the layout the way XLA does, e.g. "{1,0}".
func (l *fakeLayout) String() string {
	parts := make([]string, len(l.minorToMajor))
	for ii, axis := range l.minorToMajor {
		parts[ii] = fmt.Sprint(axis)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func memoryLayoutDestroy(args *capi.LayoutsMemoryLayoutDestroyArgs) *fakeError {
	obj, found := release(args.Layout)
	if !found {
		return errBadHandle("PJRT_Layouts_MemoryLayout", args.Layout)
	}
	if _, ok := obj.(*fakeLayout); !ok {
		return errBadHandle("PJRT_Layouts_MemoryLayout", args.Layout)
	}
	liveLayouts.Add(-1)
	return nil
}

func memoryLayoutSerialize(args *capi.LayoutsMemoryLayoutSerializeArgs) *fakeError {
	l, found := lookup[*fakeLayout](args.Layout)
	if !found {
		return errBadHandle("PJRT_Layouts_MemoryLayout", args.Layout)
	}
	s := &serializedLayout{data: []byte(l.String())}
	liveSerializedLayouts.Add(1)
	args.SerializedLayout = newHandle(s)
	args.SerializedBytes, args.SerializedBytesSize = addr(s.data), uintptr(len(s.data))
	args.SerializedLayoutDeleter = callbacks().serializedLayoutDeleter
	return nil
}

// serializedLayoutDeleter is the native PJRT_Layouts_SerializedLayout deleter.
func serializedLayoutDeleter(h uintptr) uintptr {
	if _, found := release(h); found {
		liveSerializedLayouts.Add(-1)
	}
	return 0
}

func clientGetDefaultLayout(args *capi.LayoutsClientGetDefaultLayoutArgs) *fakeError {
	if _, err := lookupClient(args.Client); err != nil {
		return err
	}
	dims := view[int64](args.Dims, args.NumDims)
	if _, err := checkShape(dtypes.DType(args.Type), dims); err != nil {
		return err
	}
	args.Layout = defaultLayout(len(dims))
	return nil
}

func topologyGetDefaultLayout(args *capi.LayoutsTopologyGetDefaultLayoutArgs) *fakeError {
	if _, err := lookupTopology(args.TopologyDescription); err != nil {
		return err
	}
	dims := view[int64](args.Dims, args.NumDims)
	if _, err := checkShape(dtypes.DType(args.Type), dims); err != nil {
		return err
	}
	args.Layout = defaultLayout(len(dims))
	return nil
}

func bufferMemoryLayout(args *capi.LayoutsBufferMemoryLayoutArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.Layout = newLayout(b.minorToMajor)
	return nil
}

// outputLayouts holds the array of layouts returned by PJRT_Layouts_PJRT_Executable_GetOutputLayouts, owned by
// the executable.
type outputLayouts struct {
	handles []uintptr
}

func executableGetOutputLayouts(args *capi.LayoutsExecutableGetOutputLayoutsArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	layouts := &outputLayouts{handles: make([]uintptr, len(e.outputRanks))}
	for ii, rank := range e.outputRanks {
		layouts.handles[ii] = defaultLayout(int(rank))
	}
	e.muLayouts.Lock()
	e.outputLayouts = append(e.outputLayouts, layouts)
	e.muLayouts.Unlock()
	args.NumOutputs = uintptr(len(layouts.handles))
	args.Layouts = addr(layouts.handles)
	return nil
}
