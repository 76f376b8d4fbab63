//go:build linux

package pjrt

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// This file includes the required hacks to support Nvidia's CUDA based PJRT plugins.

// CUDAChecksEnv disables the checks of CUDA plugins installation if set to "0", "false" or "no".
const CUDAChecksEnv = "PJRT_CUDA_CHECKS"

// isCuda tries to guess that the plugin named is associated with Nvidia Cuda, to apply the corresponding hacks.
func isCuda(name string) bool {
	upper := strings.ToUpper(name)
	return strings.Contains(upper, "CUDA") || strings.Contains(upper, "NVIDIA")
}

// hasNvidiaGPU tries to guess if there is an actual Nvidia GPU installed (as opposed to only the drivers/PJRT
// file installed, but no actual hardware), by looking for /dev/nvidia* devices or a working nvidia-smi.
// The result is computed once.
var hasNvidiaGPU = sync.OnceValue(func() bool {
	matches, err := filepath.Glob("/dev/nvidia*")
	if err != nil {
		klog.Errorf("Failed to search for files matching \"/dev/nvidia*\": %v", err)
	}
	if len(matches) > 0 {
		return true
	}
	klog.V(1).Infof("No NVidia devices found matching \"/dev/nvidia*\", checking nvidia-smi command instead.")
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		output, err := exec.Command("nvidia-smi").CombinedOutput()
		if err == nil && strings.Contains(string(output), "NVIDIA-SMI") {
			return true
		}
	}
	klog.V(1).Infof("nvidia-smi command did not succeed, assuming there are no GPU cards installed in the system. " +
		"To force the attempt to use the \"cuda\" PJRT, use its absolute path.")
	return false
})

// cudaPluginCheckDrivers issues a warning on cuda plugins if it cannot find the nvidia libraries next to the plugin,
// and otherwise points XLA to them. It is called after a plugin is loaded.
//
// To disable this check set PJRT_CUDA_CHECKS=no or PJRT_CUDA_CHECKS=0.
func cudaPluginCheckDrivers(plugin *Plugin) {
	switch strings.ToLower(os.Getenv(CUDAChecksEnv)) {
	case "0", "false", "no":
		return
	}
	if !isCuda(plugin.Name()) {
		return
	}
	nvidiaPath := filepath.Join(filepath.Dir(filepath.Dir(plugin.Path())), "nvidia")
	if fi, err := os.Stat(nvidiaPath); err != nil || !fi.IsDir() {
		klog.Warningf("Can't find nvidia/ subdirectory next to the cuda plugin (%q) in %q: the plugin will likely fail "+
			"to find NVidia's libraries, usually searched in $ORIGIN/../nvidia/ (check RPATH with `readelf -d %q`). "+
			"Set %s=0 to disable this warning.", plugin.Path(), nvidiaPath, plugin.Path(), CUDAChecksEnv)
		return
	}
	cudaSetCUDADir(nvidiaPath)
}

// cudaSetCUDADir adds the --xla_gpu_cuda_data_dir flag to the XLA_FLAGS environment variable, if not yet set.
func cudaSetCUDADir(nvidiaPath string) {
	const xlaFlagsEnv = "XLA_FLAGS"
	existing := os.Getenv(xlaFlagsEnv)
	if strings.Contains(existing, "--xla_gpu_cuda_data_dir") {
		return
	}
	newValue := strings.TrimSpace(fmt.Sprintf("%s --xla_gpu_cuda_data_dir=%s", existing, nvidiaPath))
	if err := os.Setenv(xlaFlagsEnv, newValue); err != nil {
		klog.Warningf("Failed to set %q environment variable to %q: %v", xlaFlagsEnv, newValue, err)
	}
}
