package capi

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// TestPointer converts addresses of Go-heap objects kept only as uintptr, the way the API table and the Args
// structs carry them. Run with -race, which enables the checkptr instrumentation.
func TestPointer(t *testing.T) {
	api := &Api{StructSize: StructSizeOf[Api](), ExtensionStart: 0x1234}
	addr := uintptr(unsafe.Pointer(api))
	got := (*Api)(Pointer(addr))
	require.Same(t, api, got)
	require.Equal(t, uintptr(0x1234), got.ExtensionStart)

	// Interior address, as when walking the function table.
	fieldAddr := addr + unsafe.Offsetof(api.ExtensionStart)
	require.Equal(t, uintptr(0x1234), *(*uintptr)(Pointer(fieldAddr)))
	require.Equal(t, uintptr(0x1234), api.At(unsafe.Offsetof(api.ExtensionStart)))

	values := []float32{1, 2, 3}
	dataAddr := uintptr(unsafe.Pointer(unsafe.SliceData(values)))
	require.Equal(t, values, unsafe.Slice((*float32)(Pointer(dataAddr)), len(values)))
	runtime.KeepAlive(api)
	runtime.KeepAlive(values)

	require.Nil(t, Pointer(0))
}
