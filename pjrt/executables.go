package pjrt

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executable is a reference that describes a compiled program -- it cannot be executed, only introspected and
// serialized.
//
// It is obtained with LoadedExecutable.GetExecutable or Plugin.CompileForTopology.
type Executable struct {
	plugin *Plugin

	mu          sync.Mutex
	cExecutable uintptr
}

// ExecutableMemoryUsageStats reports the static memory usage for a compiled program, in bytes.
// The on-device memory needed to run an executable is at least:
// GeneratedCode + Inputs + Outputs - Aliases + Temporary. See ExecutableMemoryUsageStats.Requirements.
//
// Aliases is how much memory of the input is reused as output.
//
// The documentation is sparse in XLA, here are the links:
//
//   - xla::CompiledMemoryStats: https://github.com/openxla/xla/blob/2fff53249ed49930de14b235f50ed2235e69df8b/xla/pjrt/pjrt_executable.h#L284
//   - PJRT C API:https://github.com/openxla/xla/blob/main/xla/pjrt/c/pjrt_c_api.h#L1668
type ExecutableMemoryUsageStats struct {
	GeneratedCode, Inputs, Outputs, Aliases, Temporary int64
}

// Requirements returns an estimate of memory requirements for the executable.
func (m ExecutableMemoryUsageStats) Requirements() int64 {
	return m.GeneratedCode + m.Inputs + m.Outputs - m.Aliases + m.Temporary
}

// String implements fmt.Stringer.
func (m ExecutableMemoryUsageStats) String() string {
	return fmt.Sprintf("{code=%s, inputs=%s, outputs=%s, aliases=%s, temp=%s, total=%s}",
		humanize.IBytes(uint64(m.GeneratedCode)), humanize.IBytes(uint64(m.Inputs)),
		humanize.IBytes(uint64(m.Outputs)), humanize.IBytes(uint64(m.Aliases)),
		humanize.IBytes(uint64(m.Temporary)), humanize.IBytes(uint64(max(m.Requirements(), 0))))
}

// CompiledMemoryStats holds the memory usage of a compiled program on device and on host.
type CompiledMemoryStats struct {
	OnDevice, OnHost ExecutableMemoryUsageStats
}

// String implements fmt.Stringer.
func (s CompiledMemoryStats) String() string {
	return fmt.Sprintf("CompiledMemoryStats{device=%s, host=%s}", s.OnDevice, s.OnHost)
}

// newExecutable creates Executable and registers it for freeing.
func newExecutable(plugin *Plugin, cExecutable uintptr) *Executable {
	e := &Executable{
		plugin:      plugin,
		cExecutable: cExecutable,
	}
	runtime.SetFinalizer(e, func(e *Executable) { e.destroyOrLog() })
	return e
}

// Destroy the Executable, release resources, and Executable is no longer valid.
// This is automatically called if Executable is garbage collected.
func (e *Executable) Destroy() error {
	if e == nil || e.plugin == nil {
		// Already destroyed, no-op.
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cExecutable == 0 {
		return nil
	}
	args := capi.New[capi.ExecutableDestroyArgs]()
	args.Executable = e.cExecutable
	e.cExecutable = 0
	return call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableDestroy), args)
}

// destroyOrLog destroys the Executable and log any errors.
func (e *Executable) destroyOrLog() {
	err := e.Destroy()
	if err != nil {
		klog.Errorf("Executable.Destroy failed: %v", err)
	}
}

// handle returns the PJRT_Executable*, or an error if it has been destroyed.
func (e *Executable) handle(function string) (uintptr, error) {
	if e == nil || e.plugin == nil {
		return 0, errDestroyed(function, "Executable")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cExecutable == 0 {
		return 0, errDestroyed(function, "Executable")
	}
	return e.cExecutable, nil
}

// Name returns the name of the executable.
func (e *Executable) Name() (string, error) {
	cExecutable, err := e.handle("PJRT_Executable_Name")
	if err != nil {
		return "", err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableNameArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableName), args)
	if err != nil {
		return "", err
	}
	return cString(args.ExecutableName, args.ExecutableNameSize), nil
}

// NumReplicas returns the number of replicas the executable was compiled for.
func (e *Executable) NumReplicas() (int, error) {
	cExecutable, err := e.handle("PJRT_Executable_NumReplicas")
	if err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableNumReplicasArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableNumReplicas), args)
	if err != nil {
		return 0, err
	}
	return int(args.NumReplicas), nil
}

// NumPartitions returns the number of partitions the executable was compiled for.
func (e *Executable) NumPartitions() (int, error) {
	cExecutable, err := e.handle("PJRT_Executable_NumPartitions")
	if err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableNumPartitionsArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableNumPartitions), args)
	if err != nil {
		return 0, err
	}
	return int(args.NumPartitions), nil
}

// NumOutputs returns the number of outputs for the given executable.
func (e *Executable) NumOutputs() (int, error) {
	cExecutable, err := e.handle("PJRT_Executable_NumOutputs")
	if err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableNumOutputsArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableNumOutputs), args)
	if err != nil {
		return 0, err
	}
	return int(args.NumOutputs), nil
}

// SizeOfGeneratedCodeInBytes returns the size of the generated code, or -1 if the plugin doesn't know it.
func (e *Executable) SizeOfGeneratedCodeInBytes() (int64, error) {
	cExecutable, err := e.handle("PJRT_Executable_SizeOfGeneratedCodeInBytes")
	if err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableSizeOfGeneratedCodeInBytesArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableSizeOfGeneratedCodeInBytes), args)
	if err != nil {
		return 0, err
	}
	return args.SizeInBytes, nil
}

// Fingerprint returns a unique fingerprint of the executable, or "" if the plugin doesn't support fingerprints.
func (e *Executable) Fingerprint() (string, error) {
	cExecutable, err := e.handle("PJRT_Executable_Fingerprint")
	if err != nil {
		return "", err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableFingerprintArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableFingerprint), args)
	if err != nil {
		return "", err
	}
	return cString(args.ExecutableFingerprint, args.ExecutableFingerprintSize), nil
}

// OutputElementTypes returns the dtype of each output.
func (e *Executable) OutputElementTypes() ([]dtypes.DType, error) {
	cExecutable, err := e.handle("PJRT_Executable_OutputElementTypes")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableOutputElementTypesArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableOutputElementTypes), args)
	if err != nil {
		return nil, err
	}
	cTypes := cSlice[int32](args.OutputTypes, args.NumOutputTypes)
	types := make([]dtypes.DType, len(cTypes))
	for ii, t := range cTypes {
		types[ii] = dtypes.DType(t)
	}
	return types, nil
}

// OutputDimensions returns the dimensions of each output.
func (e *Executable) OutputDimensions() ([][]int, error) {
	cExecutable, err := e.handle("PJRT_Executable_OutputDimensions")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableOutputDimensionsArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableOutputDimensions), args)
	if err != nil {
		return nil, err
	}
	ranks := cSliceConvert[uintptr, int](args.DimSizes, args.NumOutputs)
	total := 0
	for _, rank := range ranks {
		total += rank
	}
	allDims := cSliceConvert[int64, int](args.Dims, uintptr(total))
	dims := make([][]int, len(ranks))
	pos := 0
	for ii, rank := range ranks {
		dims[ii] = allDims[pos : pos+rank : pos+rank]
		pos += rank
	}
	return dims, nil
}

// OutputMemoryKinds returns the kind of memory (e.g.: "device", "pinned_host") each output is placed in.
func (e *Executable) OutputMemoryKinds() ([]string, error) {
	cExecutable, err := e.handle("PJRT_Executable_OutputMemoryKinds")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableOutputMemoryKindsArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableOutputMemoryKinds), args)
	if err != nil {
		return nil, err
	}
	kindPtrs := cSlice[uintptr](args.MemoryKinds, args.NumOutputs)
	kindSizes := cSlice[uintptr](args.MemoryKindSizes, args.NumOutputs)
	kinds := make([]string, len(kindPtrs))
	for ii := range kinds {
		kinds[ii] = cString(kindPtrs[ii], kindSizes[ii])
	}
	return kinds, nil
}

// GetCostAnalysis returns the plugin's estimate of the cost of the executable (e.g.: "flops", "bytes accessed").
func (e *Executable) GetCostAnalysis() (NamedValuesMap, error) {
	cExecutable, err := e.handle("PJRT_Executable_GetCostAnalysis")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableGetCostAnalysisArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableGetCostAnalysis), args)
	if err != nil {
		return nil, err
	}
	return pjrtNamedValuesToMap(args.Properties, args.NumProperties), nil
}

// OptimizedProgram returns the program after the plugin's optimizations, usually in ProgramFormatHLO.
func (e *Executable) OptimizedProgram() (Program, error) {
	const name = "PJRT_Executable_OptimizedProgram"
	cExecutable, err := e.handle(name)
	if err != nil {
		return Program{}, err
	}
	defer runtime.KeepAlive(e)

	// First call only inquires the size of the code.
	cProgram := capi.New[capi.Program]()
	args := capi.New[capi.ExecutableOptimizedProgramArgs]()
	args.Executable = cExecutable
	args.Program = uintptr(unsafe.Pointer(cProgram))
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableOptimizedProgram), args)
	if err != nil {
		return Program{}, errors.WithMessage(err, "failed to inquire the size of the optimized program")
	}
	code := make([]byte, cProgram.CodeSize)
	cProgram.Code = sliceAddr(code)
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableOptimizedProgram), args)
	runtime.KeepAlive(cProgram)
	runtime.KeepAlive(code)
	if err != nil {
		return Program{}, err
	}
	return Program{Format: cString(cProgram.Format, cProgram.FormatSize), Code: code[:cProgram.CodeSize]}, nil
}

// GetCompiledMemoryStats returns the sizes (in bytes) for the compiled code, inputs, outputs, aliases and temporary
// memory used both in host and on device.
//
// This can be used to estimate memory requirements for the program.
func (e *Executable) GetCompiledMemoryStats() (stats CompiledMemoryStats, err error) {
	cExecutable, err := e.handle("PJRT_Executable_GetCompiledMemoryStats")
	if err != nil {
		return
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableGetCompiledMemoryStatsArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableGetCompiledMemoryStats), args)
	if err != nil {
		return
	}
	stats.OnDevice = ExecutableMemoryUsageStats{
		GeneratedCode: args.GeneratedCodeSizeInBytes,
		Inputs:        args.ArgumentSizeInBytes,
		Outputs:       args.OutputSizeInBytes,
		Aliases:       args.AliasSizeInBytes,
		Temporary:     args.TempSizeInBytes,
	}
	stats.OnHost = ExecutableMemoryUsageStats{
		GeneratedCode: args.HostGeneratedCodeSizeInBytes,
		Inputs:        args.HostArgumentSizeInBytes,
		Outputs:       args.HostOutputSizeInBytes,
		Aliases:       args.HostAliasSizeInBytes,
		Temporary:     args.HostTempSizeInBytes,
	}
	return
}

// Serialize the executable, so it can later be loaded with Client.DeserializeAndLoad. The format is plugin
// specific, and it is only guaranteed to be loadable by the same plugin version.
func (e *Executable) Serialize() ([]byte, error) {
	cExecutable, err := e.handle("PJRT_Executable_Serialize")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.ExecutableSerializeArgs]()
	args.Executable = cExecutable
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.ExecutableSerialize), args)
	if err != nil {
		return nil, err
	}
	serialized := cSlice[byte](args.SerializedBytes, args.SerializedBytesSize)
	if args.SerializedExecutable != 0 && args.SerializedExecutableDeleter != 0 {
		purego.SyscallN(args.SerializedExecutableDeleter, args.SerializedExecutable)
	}
	return serialized, nil
}

// DeserializeAndLoad loads an executable serialized with Executable.Serialize (possibly by another process using the
// same plugin) into the client, ready to be executed.
func (c *Client) DeserializeAndLoad(serialized []byte) (*LoadedExecutable, error) {
	const name = "PJRT_Executable_DeserializeAndLoad"
	if err := c.checkValid(name); err != nil {
		return nil, err
	}
	if len(serialized) == 0 {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, name, "empty serialized executable")
	}
	defer runtime.KeepAlive(c)
	args := capi.New[capi.ExecutableDeserializeAndLoadArgs]()
	args.Client = c.client
	args.SerializedExecutable = sliceAddr(serialized)
	args.SerializedExecutableSize = uintptr(len(serialized))
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ExecutableDeserializeAndLoad), args)
	runtime.KeepAlive(serialized)
	if err != nil {
		return nil, err
	}
	return newLoadedExecutable(c, args.LoadedExecutable)
}
