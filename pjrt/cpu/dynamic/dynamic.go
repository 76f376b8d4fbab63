//go:build linux || darwin

// Package dynamic preloads the library `libpjrt_c_api_cpu_dynamic` (searched by the system's dynamic loader, e.g.
// in LD_LIBRARY_PATH), and registers it as the "cpu" plugin.
//
// To use it simply import with:
//
//	import _ "github.com/gomlx/purepjrt/pjrt/cpu/dynamic"
//
// And calls to pjrt.GetPlugin("cpu") will return the preloaded one.
//
// It still can load in runtime other plugins if needed.
package dynamic

import (
	"runtime"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt"
	"k8s.io/klog/v2"
)

// libraryName returns the file name of the CPU plugin library for the current OS.
func libraryName() string {
	if runtime.GOOS == "darwin" {
		return "libpjrt_c_api_cpu_dynamic.dylib"
	}
	return "libpjrt_c_api_cpu_dynamic.so"
}

func init() {
	name := libraryName()
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		klog.Fatalf("Failed to dlopen %s when initializing preloaded PJRT (github.com/gomlx/purepjrt/pjrt/cpu/dynamic): %v", name, err)
	}
	getPjrtApi, err := purego.Dlsym(handle, pjrt.GetPJRTApiFunctionName)
	if err != nil {
		klog.Fatalf("Failed to find %s in %s (github.com/gomlx/purepjrt/pjrt/cpu/dynamic): %v", pjrt.GetPJRTApiFunctionName, name, err)
	}
	pjrtAPI, _, _ := purego.SyscallN(getPjrtApi)
	if pjrtAPI == 0 {
		klog.Fatal("Failed to get PJRT API pointer when initializing preloaded PJRT (github.com/gomlx/purepjrt/pjrt/cpu/dynamic).")
	}
	err = pjrt.RegisterPreloadedPlugin("cpu", pjrtAPI)
	if err != nil {
		klog.Fatalf("Failed to register preloaded PJRT plugin for CPU (github.com/gomlx/purepjrt/pjrt/cpu/dynamic): %+v", err)
	}
}
