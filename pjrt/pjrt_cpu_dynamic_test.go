//go:build pjrt_cpu_dynamic && (linux || darwin)

package pjrt

import (
	"runtime"

	"github.com/ebitengine/purego"
	"k8s.io/klog/v2"
)

// Same as pjrt/cpu/dynamic, which can't be imported here without an import cycle.
// Run the tests against the CPU plugin with: go test -tags pjrt_cpu_dynamic -plugin=cpu
func init() {
	name := "libpjrt_c_api_cpu_dynamic.so"
	if runtime.GOOS == "darwin" {
		name = "libpjrt_c_api_cpu_dynamic.dylib"
	}
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		klog.Fatalf("Failed to dlopen %s for the tests: %v", name, err)
	}
	getPjrtApi, err := purego.Dlsym(handle, GetPJRTApiFunctionName)
	if err != nil {
		klog.Fatalf("Failed to find %s in %s: %v", GetPJRTApiFunctionName, name, err)
	}
	pjrtAPI, _, _ := purego.SyscallN(getPjrtApi)
	if pjrtAPI == 0 {
		klog.Fatal("Failed to get PJRT API pointer of the CPU plugin for the tests.")
	}
	if err := RegisterPreloadedPlugin("cpu", pjrtAPI); err != nil {
		klog.Fatalf("Failed to register the CPU plugin for the tests: %+v", err)
	}
}
