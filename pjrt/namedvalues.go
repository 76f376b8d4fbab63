package pjrt

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
)

// NamedValuesMap map names to any of the supported named values types defined by PJRT_NamedValue_Type:
// string, int64, []int64, float32 and bool.
type NamedValuesMap map[string]any

// pjrtNamedValuesToMap converts a C array of PJRT_NamedValue to a Go map of the name to the values (any).
// All values are copied.
func pjrtNamedValuesToMap(data, numValues uintptr) NamedValuesMap {
	m := make(NamedValuesMap)
	if data == 0 || numValues == 0 {
		return m
	}
	namedValues := unsafe.Slice((*capi.NamedValue)(capi.Pointer(data)), int(numValues))
	for _, pair := range namedValues {
		name := cString(pair.Name, pair.NameSize)
		switch pair.Type {
		case capi.NamedValueString:
			m[name] = cString(uintptr(pair.Value), pair.ValueSize)
		case capi.NamedValueInt64:
			m[name] = int64(pair.Value)
		case capi.NamedValueInt64List:
			list := cSlice[int64](uintptr(pair.Value), pair.ValueSize)
			if list == nil {
				list = []int64{}
			}
			m[name] = list
		case capi.NamedValueFloat:
			m[name] = math.Float32frombits(uint32(pair.Value))
		case capi.NamedValueBool:
			m[name] = uint8(pair.Value) != 0
		default:
			m[name] = fmt.Sprintf("uknown_type_%d", int(pair.Type))
		}
	}
	return m
}

// cNamedValues holds an array of PJRT_NamedValue in Go memory, along with the strings and arrays it points to.
// It must be kept alive (runtime.KeepAlive) while the plugin uses it.
type cNamedValues struct {
	values []capi.NamedValue
	keep   [][]byte
	lists  [][]int64
}

// Addr returns the address of the first PJRT_NamedValue, or 0 if empty.
func (c *cNamedValues) Addr() uintptr {
	return sliceAddr(c.values)
}

// Len returns the number of named values.
func (c *cNamedValues) Len() uintptr {
	return uintptr(len(c.values))
}

// bytesAddr keeps a copy of s and returns its address.
func (c *cNamedValues) bytesAddr(s string) uintptr {
	if len(s) == 0 {
		return 0
	}
	b := []byte(s)
	c.keep = append(c.keep, b)
	return sliceAddr(b)
}

// toC converts the map to an array of PJRT_NamedValue, sorted by name.
//
// It returns an error if a value has an unsupported type.
func (m NamedValuesMap) toC() (*cNamedValues, error) {
	c := &cNamedValues{}
	if len(m) == 0 {
		return c, nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	c.values = make([]capi.NamedValue, len(names))
	for ii, name := range names {
		cValue := &c.values[ii]
		cValue.StructSize = unsafe.Sizeof(*cValue)
		cValue.Name, cValue.NameSize = c.bytesAddr(name), uintptr(len(name))
		switch value := m[name].(type) {
		case string:
			cValue.Type = capi.NamedValueString
			cValue.Value = uint64(c.bytesAddr(value))
			cValue.ValueSize = uintptr(len(value))
		case int64:
			cValue.Type = capi.NamedValueInt64
			cValue.Value = uint64(value)
			cValue.ValueSize = 1
		case []int64:
			cValue.Type = capi.NamedValueInt64List
			list := slices.Clone(value)
			c.lists = append(c.lists, list)
			cValue.Value = uint64(sliceAddr(list))
			cValue.ValueSize = uintptr(len(list))
		case float32:
			cValue.Type = capi.NamedValueFloat
			cValue.Value = uint64(math.Float32bits(value))
			cValue.ValueSize = 1
		case bool:
			cValue.Type = capi.NamedValueBool
			if value {
				cValue.Value = 1
			}
			cValue.ValueSize = 1
		default:
			return nil, errors.WithStack(&Error{
				Kind: KindInvalidArgument, Code: CodeInvalidArgument, Function: "NamedValuesMap",
				Message: fmt.Sprintf("option %q was set to unsupported type %T (value=%v). "+
					"Only values of type string, int64, []int64, float32 and bool are supported", name, value, value),
			})
		}
	}
	return c, nil
}
