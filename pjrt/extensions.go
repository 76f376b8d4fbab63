package pjrt

import (
	"fmt"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// ExtensionType identifies an optional extension struct chained from the plugin's API table.
type ExtensionType int32

const (
	ExtensionGpuCustomCall      = ExtensionType(capi.ExtensionTypeGpuCustomCall)
	ExtensionProfiler           = ExtensionType(capi.ExtensionTypeProfiler)
	ExtensionCustomPartitioner  = ExtensionType(capi.ExtensionTypeCustomPartitioner)
	ExtensionStream             = ExtensionType(capi.ExtensionTypeStream)
	ExtensionLayouts            = ExtensionType(capi.ExtensionTypeLayouts)
	ExtensionFFI                = ExtensionType(capi.ExtensionTypeFFI)
	ExtensionMemoryDescriptions = ExtensionType(capi.ExtensionTypeMemoryDescriptions)
	ExtensionTriton             = ExtensionType(capi.ExtensionTypeTriton)
	ExtensionRawBuffer          = ExtensionType(capi.ExtensionTypeRawBuffer)
	ExtensionPhaseCompile       = ExtensionType(capi.ExtensionTypePhaseCompile)
	ExtensionExample            = ExtensionType(capi.ExtensionTypeExample)
	ExtensionUnknown            = ExtensionType(capi.ExtensionTypeUnknown)
	ExtensionCrossHostTransfers = ExtensionType(capi.ExtensionTypeCrossHostTransfers)
	ExtensionExecutableMetadata = ExtensionType(capi.ExtensionTypeExecutableMetadata)
	ExtensionCallback           = ExtensionType(capi.ExtensionTypeCallback)
	ExtensionHostAllocator      = ExtensionType(capi.ExtensionTypeHostAllocator)
	ExtensionTpuTopology        = ExtensionType(capi.ExtensionTypeTpuTopology)
	ExtensionTpuExecutable      = ExtensionType(capi.ExtensionTypeTpuExecutable)
	ExtensionMegascale          = ExtensionType(capi.ExtensionTypeMegascale)
)

var extensionTypeNames = map[ExtensionType]string{
	ExtensionGpuCustomCall:      "GpuCustomCall",
	ExtensionProfiler:           "Profiler",
	ExtensionCustomPartitioner:  "CustomPartitioner",
	ExtensionStream:             "Stream",
	ExtensionLayouts:            "Layouts",
	ExtensionFFI:                "FFI",
	ExtensionMemoryDescriptions: "MemoryDescriptions",
	ExtensionTriton:             "Triton",
	ExtensionRawBuffer:          "RawBuffer",
	ExtensionPhaseCompile:       "PhaseCompile",
	ExtensionExample:            "Example",
	ExtensionUnknown:            "Unknown",
	ExtensionCrossHostTransfers: "CrossHostTransfers",
	ExtensionExecutableMetadata: "ExecutableMetadata",
	ExtensionCallback:           "Callback",
	ExtensionHostAllocator:      "HostAllocator",
	ExtensionTpuTopology:        "TpuTopology",
	ExtensionTpuExecutable:      "TpuExecutable",
	ExtensionMegascale:          "Megascale",
}

// String implements fmt.Stringer.
func (t ExtensionType) String() string {
	if name, found := extensionTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("ExtensionType(%d)", int32(t))
}

// extensionNodes returns the nodes of the plugin's extension chain, in order.
// It stops at the first null next pointer.
func extensionNodes(p *Plugin) []*capi.ExtensionBase {
	if p == nil || p.api == nil || p.api.ExtensionStart == 0 {
		return nil
	}
	var nodes []*capi.ExtensionBase
	for ptr := p.api.ExtensionStart; ptr != 0; {
		node := (*capi.ExtensionBase)(capi.Pointer(ptr))
		nodes = append(nodes, node)
		ptr = node.Next
	}
	return nodes
}

// Extensions returns the types of the extensions chained from the plugin's API table, in chain order.
func (p *Plugin) Extensions() []ExtensionType {
	nodes := extensionNodes(p)
	types := make([]ExtensionType, len(nodes))
	for ii, node := range nodes {
		types[ii] = ExtensionType(node.Type)
	}
	return types
}

// FindExtension returns the first extension in the plugin's chain with the given type.
// Later extensions with the same type are shadowed. It never modifies the chain.
func FindExtension(p *Plugin, extType ExtensionType) (*capi.ExtensionBase, bool) {
	if p == nil || p.api == nil {
		return nil, false
	}
	for ptr := p.api.ExtensionStart; ptr != 0; {
		node := (*capi.ExtensionBase)(capi.Pointer(ptr))
		if ExtensionType(node.Type) == extType {
			return node, true
		}
		ptr = node.Next
	}
	return nil, false
}

// ExtensionView is implemented by the typed read-only views of extensions, see LookupExtension.
type ExtensionView interface {
	extensionType() ExtensionType

	// minStructSize is the smallest struct_size of an extension node that holds all fields the view reads.
	minStructSize() uintptr

	// withNode returns a new view over the given node, from plugin p.
	withNode(p *Plugin, node *capi.ExtensionBase) ExtensionView
}

// LookupExtension finds the extension of the type handled by V (e.g.: *StreamExtension) in the plugin's chain,
// and returns a typed view of it.
//
// It returns the zero value and false if the plugin doesn't have it, or if the extension's struct_size is too small
// to hold the fields used by the view.
func LookupExtension[V ExtensionView](p *Plugin) (V, bool) {
	var zero V
	node, found := FindExtension(p, zero.extensionType())
	if !found || node.StructSize < zero.minStructSize() {
		return zero, false
	}
	return zero.withNode(p, node).(V), true
}
