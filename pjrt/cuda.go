//go:build !linux

package pjrt

// isCuda is only implemented for linux.
func isCuda(name string) bool { return false }

// hasNvidiaGPU is only implemented for linux.
func hasNvidiaGPU() bool { return false }

// cudaPluginCheckDrivers is only implemented for linux.
func cudaPluginCheckDrivers(plugin *Plugin) {}
