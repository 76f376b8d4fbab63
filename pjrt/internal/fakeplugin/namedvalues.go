package fakeplugin

import (
	"maps"
	"math"
	"slices"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// namedValues is a PJRT_NamedValue array in Go memory. Its owner keeps it alive.
type namedValues struct {
	values []capi.NamedValue
	lists  [][]int64
}

// newNamedValues converts values (string, int64, []int64, float32 or bool) to PJRT_NamedValue, sorted by name.
func newNamedValues(values map[string]any) *namedValues {
	nv := &namedValues{values: make([]capi.NamedValue, 0, len(values))}
	for _, name := range slices.Sorted(maps.Keys(values)) {
		v := capi.NamedValue{ValueSize: 1}
		v.StructSize = unsafe.Sizeof(v)
		v.Name, v.NameSize = cString(name)
		switch value := values[name].(type) {
		case string:
			v.Type = capi.NamedValueString
			data, size := cString(value)
			v.Value, v.ValueSize = uint64(data), size
		case int64:
			v.Type = capi.NamedValueInt64
			v.Value = uint64(value)
		case []int64:
			v.Type = capi.NamedValueInt64List
			list := slices.Clone(value)
			nv.lists = append(nv.lists, list)
			v.Value, v.ValueSize = uint64(addr(list)), uintptr(len(list))
		case float32:
			v.Type = capi.NamedValueFloat
			v.Value = uint64(math.Float32bits(value))
		case bool:
			v.Type = capi.NamedValueBool
			if value {
				v.Value = 1
			}
		default:
			continue
		}
		nv.values = append(nv.values, v)
	}
	return nv
}

// readNamedValues copies a PJRT_NamedValue array given by the caller.
func readNamedValues(data, n uintptr) map[string]any {
	values := make(map[string]any)
	for _, v := range view[capi.NamedValue](data, n) {
		name := goString(v.Name, v.NameSize)
		switch v.Type {
		case capi.NamedValueString:
			values[name] = goString(uintptr(v.Value), v.ValueSize)
		case capi.NamedValueInt64:
			values[name] = int64(v.Value)
		case capi.NamedValueInt64List:
			values[name] = slices.Clone(view[int64](uintptr(v.Value), v.ValueSize))
		case capi.NamedValueFloat:
			values[name] = math.Float32frombits(uint32(v.Value))
		case capi.NamedValueBool:
			values[name] = uint8(v.Value) != 0
		}
	}
	return values
}
