package pjrt

// This file holds the helpers used to call the plugin's API table and to marshal values to and from the C ABI.

import (
	"reflect"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

var (
	// apiFunctionNames maps offsets in capi.Api to the PJRT function name, e.g.: "PJRT_ClientCreate".
	apiFunctionNames = make(map[uintptr]string)

	// apiFunctionOffsets maps the Go field names of capi.Api (e.g.: "ClientCreate") to their offsets.
	apiFunctionOffsets = make(map[string]uintptr)
)

func init() {
	apiType := reflect.TypeOf(capi.Api{})
	for ii := range apiType.NumField() {
		field := apiType.Field(ii)
		if field.Type.Kind() != reflect.Uintptr || field.Name == "StructSize" || field.Name == "ExtensionStart" {
			continue
		}
		apiFunctionNames[field.Offset] = "PJRT_" + field.Name
		apiFunctionOffsets[field.Name] = field.Offset
	}
}

// functionName returns the name of the API function at the given capi.Api offset.
func functionName(offset uintptr) string {
	if name, found := apiFunctionNames[offset]; found {
		return name
	}
	return "PJRT_<unknown>"
}

// errFunctionNotAvailable is returned when the plugin doesn't provide the function at the given offset.
func errFunctionNotAvailable(plugin *Plugin, offset uintptr) error {
	major, minor := plugin.Version()
	return wrapSentinel(ErrFunctionNotAvailable, KindABI, CodeUnimplemented, functionName(offset),
		"plugin %q (PJRT C API v%d.%d) doesn't provide it", plugin.name, major, minor)
}

// rawCall calls the API function at the given offset and returns the raw PJRT_Error* it returned.
// It returns 0 without calling anything if the function is not available.
func rawCall(plugin *Plugin, offset uintptr, args unsafe.Pointer) uintptr {
	if !plugin.api.Has(offset) {
		return 0
	}
	r1, _, _ := purego.SyscallN(plugin.api.At(offset), uintptr(args))
	runtime.KeepAlive(args)
	return r1
}

// call calls the API function at the given offset (see unsafe.Offsetof of a capi.Api field) with the given args,
// and converts the returned PJRT_Error* to a Go error.
//
// Functions not provided by the plugin (beyond the advertised table size, or null) return an ErrFunctionNotAvailable
// error without calling anything.
func call[T any](plugin *Plugin, offset uintptr, args *T) error {
	if plugin == nil || plugin.api == nil {
		return errDestroyed(functionName(offset), "Plugin")
	}
	if !plugin.api.Has(offset) {
		return errFunctionNotAvailable(plugin, offset)
	}
	r1, _, _ := purego.SyscallN(plugin.api.At(offset), uintptr(unsafe.Pointer(args)))
	runtime.KeepAlive(args)
	return toError(plugin, functionName(offset), r1)
}

// callFn calls a C function pointer not in the API table (e.g.: from an extension) with the given args.
// The name is used for error messages.
func callFn[T any](plugin *Plugin, fn uintptr, name string, args *T) error {
	if fn == 0 {
		return newError(KindABI, CodeUnimplemented, name, "function pointer is null")
	}
	r1, _, _ := purego.SyscallN(fn, uintptr(unsafe.Pointer(args)))
	runtime.KeepAlive(args)
	return toError(plugin, name, r1)
}

// cString returns a Go copy of the C char array with the given size.
func cString(data, size uintptr) string {
	if data == 0 || size == 0 {
		return ""
	}
	return strings.Clone(unsafe.String((*byte)(capi.Pointer(data)), int(size)))
}

// cSlice returns a Go copy of the C array with n elements of type T.
func cSlice[T any](data uintptr, n uintptr) []T {
	if data == 0 || n == 0 {
		return nil
	}
	return slices.Clone(unsafe.Slice((*T)(capi.Pointer(data)), int(n)))
}

// cSliceConvert returns a Go copy of the C array of n elements of type T, converted to type G.
func cSliceConvert[T, G int32 | int64 | uint64 | uintptr | int](data uintptr, n uintptr) []G {
	if data == 0 || n == 0 {
		return nil
	}
	cValues := unsafe.Slice((*T)(capi.Pointer(data)), int(n))
	values := make([]G, n)
	for ii, v := range cValues {
		values[ii] = G(v)
	}
	return values
}

// sliceAddr returns the address of the first element of s, or 0 if it is empty.
// The caller must keep s alive (and pinned, if used across an asynchronous window) while the address is in use.
func sliceAddr[T any](s []T) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(s)))
}

// stringAddr returns the address of the bytes of a string, and its length.
func stringAddr(s string) (uintptr, uintptr) {
	if len(s) == 0 {
		return 0, 0
	}
	return uintptr(unsafe.Pointer(unsafe.StringData(s))), uintptr(len(s))
}

// callbackRegistry maps integer ids to Go values, so native callbacks can carry them as user_arg.
// Go pointers are never handed to the plugin as user_arg.
type callbackRegistry[T any] struct {
	nextID  atomic.Uintptr
	entries sync.Map
}

// register stores value and returns its id. Ids are never 0.
func (r *callbackRegistry[T]) register(value T) uintptr {
	id := r.nextID.Add(1)
	r.entries.Store(id, value)
	return id
}

// get returns the value registered with id.
func (r *callbackRegistry[T]) get(id uintptr) (value T, found bool) {
	v, found := r.entries.Load(id)
	if !found {
		return
	}
	return v.(T), true
}

// take returns the value registered with id and removes it from the registry.
func (r *callbackRegistry[T]) take(id uintptr) (value T, found bool) {
	v, found := r.entries.LoadAndDelete(id)
	if !found {
		return
	}
	return v.(T), true
}

// forget removes id from the registry.
func (r *callbackRegistry[T]) forget(id uintptr) {
	r.entries.Delete(id)
}

// len returns the number of registered entries. It is O(n) and meant for tests.
func (r *callbackRegistry[T]) len() int {
	count := 0
	r.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
