//go:build !linux && !darwin

package pjrt

// osDefaultLibraryPaths has no defaults outside linux and darwin.
func osDefaultLibraryPaths() []string { return nil }

// loadPlugin is not supported: use RegisterPreloadedPlugin.
func loadPlugin(pluginPath string) (dllHandleWrapper, error) {
	return nil, newError(KindLoad, CodeUnimplemented, "dlopen",
		"loading PJRT plugins from %q not supported in this OS, use RegisterPreloadedPlugin", pluginPath)
}

// SuppressAbseilLoggingHack simply calls fn in this OS.
func SuppressAbseilLoggingHack(fn func()) { fn() }
