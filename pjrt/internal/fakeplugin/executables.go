package fakeplugin

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"google.golang.org/protobuf/encoding/protowire"
)

// Compile options.

// Field numbers of the parts of xla.CompileOptionsProto the fake compiler reads.
const (
	fieldCompileExecutableBuildOptions = 3
	fieldBuildNumReplicas              = 4
	fieldBuildNumPartitions            = 5
	fieldBuildDeviceAssignment         = 9
	fieldAssignmentComputationDevices  = 3
	fieldComputationReplicaDeviceIDs   = 1
)

// compileOptions are the options that shape the fake executables.
type compileOptions struct {
	numReplicas, numPartitions int

	// deviceAssignment is indexed by computation (partition), then replica. It may be empty.
	deviceAssignment [][]int64
}

// decodeCompileOptions decodes a serialized xla.CompileOptionsProto, skipping the fields it doesn't use.
func decodeCompileOptions(b []byte) (compileOptions, *fakeError) {
	opts := compileOptions{numReplicas: 1, numPartitions: 1}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) *fakeError {
		if num != fieldCompileExecutableBuildOptions || typ != protowire.BytesType {
			return nil
		}
		return forEachField(value, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) *fakeError {
			switch {
			case num == fieldBuildNumReplicas && typ == protowire.VarintType:
				opts.numReplicas = max(int(varint), 1)
			case num == fieldBuildNumPartitions && typ == protowire.VarintType:
				opts.numPartitions = max(int(varint), 1)
			case num == fieldBuildDeviceAssignment && typ == protowire.BytesType:
				return decodeDeviceAssignment(value, &opts)
			}
			return nil
		})
	})
	return opts, err
}

func decodeDeviceAssignment(b []byte, opts *compileOptions) *fakeError {
	return forEachField(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) *fakeError {
		if num != fieldAssignmentComputationDevices || typ != protowire.BytesType {
			return nil
		}
		var ids []int64
		err := forEachField(value, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) *fakeError {
			if num != fieldComputationReplicaDeviceIDs {
				return nil
			}
			switch typ {
			case protowire.VarintType:
				ids = append(ids, int64(varint))
			case protowire.BytesType:
				for len(value) > 0 {
					v, n := protowire.ConsumeVarint(value)
					if n < 0 {
						return errorf(capi.CodeInvalidArgument, "malformed device assignment: %v", protowire.ParseError(n))
					}
					ids = append(ids, int64(v))
					value = value[n:]
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		opts.deviceAssignment = append(opts.deviceAssignment, ids)
		return nil
	})
}

// forEachField calls fn for each field of the serialized message b. For varint fields the value is in varint,
// for length-delimited fields it is in value.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) *fakeError) *fakeError {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errorf(capi.CodeInvalidArgument, "malformed compile options: %v", protowire.ParseError(n))
		}
		b = b[n:]
		var value []byte
		var varint uint64
		switch typ {
		case protowire.VarintType:
			varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errorf(capi.CodeInvalidArgument, "malformed compile options: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, value, varint); err != nil {
			return err
		}
	}
	return nil
}

// Executables.

// fakeExecutable is a compiled (but not loaded) program. Every field is immutable.
type fakeExecutable struct {
	prog        *program
	format      string
	code        []byte
	options     []byte
	opts        compileOptions
	fingerprint string

	outputTypes         []int32
	outputDims          []int64
	outputRanks         []uintptr
	kindPtrs, kindSizes []uintptr
	cost                *namedValues
	optimized           []byte

	// Arrays handed out by PJRT_Layouts_PJRT_Executable_GetOutputLayouts live as long as the executable.
	muLayouts     sync.Mutex
	outputLayouts []*outputLayouts
}

func newFakeExecutable(format string, code, options []byte) (*fakeExecutable, *fakeError) {
	prog, err := parseProgram(format, code)
	if err != nil {
		return nil, err
	}
	opts, err := decodeCompileOptions(options)
	if err != nil {
		return nil, err
	}
	e := &fakeExecutable{
		prog:      prog,
		format:    format,
		code:      slices.Clone(code),
		options:   slices.Clone(options),
		opts:      opts,
		optimized: append([]byte("optimized "), code...),
	}
	sum := sha256.Sum256(slices.Concat([]byte(format), []byte{0}, code, []byte{0}, options))
	e.fingerprint = hex.EncodeToString(sum[:8])
	var flops, bytesAccessed int64
	for _, s := range prog.params {
		bytesAccessed += int64(s.size())
	}
	kindPtr, kindSize := cString(memoryKinds[0])
	for _, s := range prog.outputs {
		e.outputTypes = append(e.outputTypes, int32(s.dtype))
		e.outputDims = append(e.outputDims, s.dims...)
		e.outputRanks = append(e.outputRanks, uintptr(len(s.dims)))
		e.kindPtrs = append(e.kindPtrs, kindPtr)
		e.kindSizes = append(e.kindSizes, kindSize)
		numElements := int64(1)
		for _, dim := range s.dims {
			numElements *= dim
		}
		flops += numElements
		bytesAccessed += int64(s.size())
	}
	e.cost = newNamedValues(map[string]any{
		"flops":          float32(flops),
		"bytes accessed": float32(bytesAccessed),
	})
	return e, nil
}

// deviceIDs returns the ids of the devices the executable runs on, in replica-major order.
func (e *fakeExecutable) deviceIDs(numDevices int) ([]int, *fakeError) {
	total := e.opts.numReplicas * e.opts.numPartitions
	ids := make([]int, 0, total)
	if len(e.opts.deviceAssignment) == 0 {
		if total > numDevices {
			return nil, errorf(capi.CodeInvalidArgument, "%d replicas x %d partitions need more than the %d devices available",
				e.opts.numReplicas, e.opts.numPartitions, numDevices)
		}
		for id := range total {
			ids = append(ids, id)
		}
		return ids, nil
	}
	if len(e.opts.deviceAssignment) != e.opts.numPartitions {
		return nil, errorf(capi.CodeInvalidArgument, "device assignment has %d computations, but there are %d partitions",
			len(e.opts.deviceAssignment), e.opts.numPartitions)
	}
	for replica := range e.opts.numReplicas {
		for partition := range e.opts.numPartitions {
			computation := e.opts.deviceAssignment[partition]
			if len(computation) != e.opts.numReplicas {
				return nil, errorf(capi.CodeInvalidArgument, "device assignment has %d replicas, but %d are compiled",
					len(computation), e.opts.numReplicas)
			}
			id := int(computation[replica])
			if id < 0 || id >= numDevices || slices.Contains(ids, id) {
				return nil, errorf(capi.CodeInvalidArgument, "invalid device id %d in the device assignment", id)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func lookupExecutable(h uintptr) (*fakeExecutable, *fakeError) {
	e, found := lookup[*fakeExecutable](h)
	if !found {
		return nil, errBadHandle("PJRT_Executable", h)
	}
	return e, nil
}

// readProgram copies the PJRT_Program given by the caller.
func readProgram(programPtr uintptr) (format string, code []byte, err *fakeError) {
	if programPtr == 0 {
		return "", nil, errorf(capi.CodeInvalidArgument, "null program")
	}
	p := (*capi.Program)(capi.Pointer(programPtr))
	return goString(p.Format, p.FormatSize), slices.Clone(view[byte](p.Code, p.CodeSize)), nil
}

func clientCompile(args *capi.ClientCompileArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	format, code, err := readProgram(args.Program)
	if err != nil {
		return err
	}
	e, err := newFakeExecutable(format, code, view[byte](args.CompileOptions, args.CompileOptionsSize))
	if err != nil {
		return err
	}
	args.Executable, err = load(c, e)
	return err
}

func compileForTopology(args *capi.CompileArgs) *fakeError {
	if _, err := lookupTopology(args.Topology); err != nil {
		return err
	}
	if args.Client != 0 {
		if _, err := lookupClient(args.Client); err != nil {
			return err
		}
	}
	format, code, err := readProgram(args.Program)
	if err != nil {
		return err
	}
	e, err := newFakeExecutable(format, code, view[byte](args.CompileOptions, args.CompileOptionsSize))
	if err != nil {
		return err
	}
	args.Executable = newHandle(e)
	return nil
}

func executableDestroy(args *capi.ExecutableDestroyArgs) *fakeError {
	if _, found := release(args.Executable); !found {
		return errBadHandle("PJRT_Executable", args.Executable)
	}
	return nil
}

func executableName(args *capi.ExecutableNameArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.ExecutableName, args.ExecutableNameSize = cString(e.prog.op)
	return nil
}

func executableNumReplicas(args *capi.ExecutableNumReplicasArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.NumReplicas = uintptr(e.opts.numReplicas)
	return nil
}

func executableNumPartitions(args *capi.ExecutableNumPartitionsArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.NumPartitions = uintptr(e.opts.numPartitions)
	return nil
}

func executableNumOutputs(args *capi.ExecutableNumOutputsArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.NumOutputs = uintptr(len(e.prog.outputs))
	return nil
}

func executableSizeOfGeneratedCode(args *capi.ExecutableSizeOfGeneratedCodeInBytesArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.SizeInBytes = int64(len(e.optimized))
	return nil
}

func executableFingerprint(args *capi.ExecutableFingerprintArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.ExecutableFingerprint, args.ExecutableFingerprintSize = cString(e.fingerprint)
	return nil
}

func executableGetCostAnalysis(args *capi.ExecutableGetCostAnalysisArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.Properties, args.NumProperties = addr(e.cost.values), uintptr(len(e.cost.values))
	return nil
}

func executableOutputElementTypes(args *capi.ExecutableOutputElementTypesArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.OutputTypes, args.NumOutputTypes = addr(e.outputTypes), uintptr(len(e.outputTypes))
	return nil
}

func executableOutputDimensions(args *capi.ExecutableOutputDimensionsArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.NumOutputs = uintptr(len(e.outputRanks))
	args.Dims, args.DimSizes = addr(e.outputDims), addr(e.outputRanks)
	return nil
}

func executableOutputMemoryKinds(args *capi.ExecutableOutputMemoryKindsArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.NumOutputs = uintptr(len(e.kindPtrs))
	args.MemoryKinds, args.MemoryKindSizes = addr(e.kindPtrs), addr(e.kindSizes)
	return nil
}

func executableOptimizedProgram(args *capi.ExecutableOptimizedProgramArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	if args.Program == 0 {
		return errorf(capi.CodeInvalidArgument, "null program")
	}
	p := (*capi.Program)(capi.Pointer(args.Program))
	p.Format, p.FormatSize = cString("hlo")
	if p.Code == 0 {
		p.CodeSize = uintptr(len(e.optimized))
		return nil
	}
	if int(p.CodeSize) < len(e.optimized) {
		return errorf(capi.CodeInvalidArgument, "code_size=%d is too small for the optimized program of %d bytes",
			p.CodeSize, len(e.optimized))
	}
	copy(view[byte](p.Code, p.CodeSize), e.optimized)
	p.CodeSize = uintptr(len(e.optimized))
	return nil
}

func executableGetCompiledMemoryStats(args *capi.ExecutableGetCompiledMemoryStatsArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.GeneratedCodeSizeInBytes = int64(len(e.optimized))
	for _, s := range e.prog.params {
		args.ArgumentSizeInBytes += int64(s.size())
	}
	for _, s := range e.prog.outputs {
		args.OutputSizeInBytes += int64(s.size())
	}
	args.AliasSizeInBytes, args.TempSizeInBytes = 0, 0
	return nil
}

// Serialization.

// serializedMagic prefixes every serialized fake executable.
var serializedMagic = []byte("fakeexec:")

const (
	fieldSerializedFormat  = 1
	fieldSerializedCode    = 2
	fieldSerializedOptions = 3
)

var liveSerialized atomic.Int64

// LiveSerializedExecutables returns the number of serialized executables whose deleter wasn't called yet.
func LiveSerializedExecutables() int64 { return liveSerialized.Load() }

// serializedExecutableDeleter is the native PJRT_SerializedExecutable deleter.
func serializedExecutableDeleter(h uintptr) uintptr {
	if _, found := release(h); found {
		liveSerialized.Add(-1)
	}
	return 0
}

type serializedExecutable struct {
	data []byte
}

func executableSerialize(args *capi.ExecutableSerializeArgs) *fakeError {
	e, err := lookupExecutable(args.Executable)
	if err != nil {
		return err
	}
	b := slices.Clone(serializedMagic)
	b = protowire.AppendTag(b, fieldSerializedFormat, protowire.BytesType)
	b = protowire.AppendString(b, e.format)
	b = protowire.AppendTag(b, fieldSerializedCode, protowire.BytesType)
	b = protowire.AppendBytes(b, e.code)
	b = protowire.AppendTag(b, fieldSerializedOptions, protowire.BytesType)
	b = protowire.AppendBytes(b, e.options)
	s := &serializedExecutable{data: b}
	liveSerialized.Add(1)
	args.SerializedExecutable = newHandle(s)
	args.SerializedExecutableDeleter = callbacks().serializedExecutableDeleter
	args.SerializedBytes, args.SerializedBytesSize = addr(s.data), uintptr(len(s.data))
	return nil
}

func executableDeserializeAndLoad(args *capi.ExecutableDeserializeAndLoadArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	data := view[byte](args.SerializedExecutable, args.SerializedExecutableSize)
	if !bytes.HasPrefix(data, serializedMagic) {
		return errorf(capi.CodeInvalidArgument, "not a serialized fake executable")
	}
	var format string
	var code, options []byte
	err = forEachField(data[len(serializedMagic):], func(num protowire.Number, typ protowire.Type, value []byte, _ uint64) *fakeError {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldSerializedFormat:
			format = string(value)
		case fieldSerializedCode:
			code = slices.Clone(value)
		case fieldSerializedOptions:
			options = slices.Clone(value)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if args.OverriddenSerializedCompileOptions != 0 {
		options = slices.Clone(view[byte](args.OverriddenSerializedCompileOptions, args.OverriddenSerializedCompileOptionsSize))
	}
	e, err := newFakeExecutable(format, code, options)
	if err != nil {
		return err
	}
	args.LoadedExecutable, err = load(c, e)
	return err
}

// Loaded executables.

type fakeLoadedExecutable struct {
	mu            sync.Mutex
	exec          *fakeExecutable
	client        *fakeClient
	devices       []*fakeDevice
	deviceHandles []uintptr
	deleted       bool
}

// load places e on the devices of client, and returns the PJRT_LoadedExecutable handle.
func load(c *fakeClient, e *fakeExecutable) (uintptr, *fakeError) {
	ids, err := e.deviceIDs(len(c.devices))
	if err != nil {
		return 0, err
	}
	le := &fakeLoadedExecutable{exec: e, client: c}
	for _, id := range ids {
		le.devices = append(le.devices, c.devices[id])
		le.deviceHandles = append(le.deviceHandles, c.devices[id].handle)
	}
	return newHandle(le), nil
}

func lookupLoadedExecutable(h uintptr) (*fakeLoadedExecutable, *fakeError) {
	le, found := lookup[*fakeLoadedExecutable](h)
	if !found {
		return nil, errBadHandle("PJRT_LoadedExecutable", h)
	}
	return le, nil
}

func loadedExecutableDestroy(args *capi.LoadedExecutableDestroyArgs) *fakeError {
	if _, found := release(args.Executable); !found {
		return errBadHandle("PJRT_LoadedExecutable", args.Executable)
	}
	return nil
}

func loadedExecutableGetExecutable(args *capi.LoadedExecutableGetExecutableArgs) *fakeError {
	le, err := lookupLoadedExecutable(args.LoadedExecutable)
	if err != nil {
		return err
	}
	args.Executable = newHandle(le.exec)
	return nil
}

func loadedExecutableAddressableDevices(args *capi.LoadedExecutableAddressableDevicesArgs) *fakeError {
	le, err := lookupLoadedExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.AddressableDevices, args.NumAddressableDevices = addr(le.deviceHandles), uintptr(len(le.deviceHandles))
	return nil
}

func loadedExecutableDelete(args *capi.LoadedExecutableDeleteArgs) *fakeError {
	le, err := lookupLoadedExecutable(args.Executable)
	if err != nil {
		return err
	}
	le.mu.Lock()
	defer le.mu.Unlock()
	le.deleted = true
	return nil
}

func loadedExecutableIsDeleted(args *capi.LoadedExecutableIsDeletedArgs) *fakeError {
	le, err := lookupLoadedExecutable(args.Executable)
	if err != nil {
		return err
	}
	le.mu.Lock()
	defer le.mu.Unlock()
	args.IsDeleted = le.deleted
	return nil
}

func loadedExecutableFingerprint(args *capi.LoadedExecutableFingerprintArgs) *fakeError {
	le, err := lookupLoadedExecutable(args.Executable)
	if err != nil {
		return err
	}
	args.ExecutableFingerprint, args.ExecutableFingerprintSize = cString(le.exec.fingerprint)
	return nil
}

// execution is the work of one device in a LoadedExecutable_Execute call.
type execution struct {
	prog     *program
	inputs   []*fakeBuffer
	srcs     [][]byte
	donated  []*fakeBuffer
	dsts     [][]byte
	recv     *capi.RecvCallbackInfo
	complete *fakeEvent
}

func loadedExecutableExecute(args *capi.LoadedExecutableExecuteArgs) *fakeError {
	le, err := lookupLoadedExecutable(args.Executable)
	if err != nil {
		return err
	}
	le.mu.Lock()
	deleted := le.deleted
	le.mu.Unlock()
	if deleted {
		return errorf(capi.CodeFailedPrecondition, "executable has been deleted")
	}
	if args.Options == 0 {
		return errorf(capi.CodeInvalidArgument, "null execute options")
	}
	options := (*capi.ExecuteOptions)(capi.Pointer(args.Options))
	if options.Context != 0 {
		if _, found := lookup[*fakeExecuteContext](options.Context); !found {
			return errBadHandle("PJRT_ExecuteContext", options.Context)
		}
	}

	numDevices := int(args.NumDevices)
	devices := le.devices
	if args.ExecuteDevice != 0 {
		if numDevices != 1 {
			return errorf(capi.CodeInvalidArgument, "execute_device given with num_devices=%d", numDevices)
		}
		d, err := lookupDevice(args.ExecuteDevice)
		if err != nil {
			return err
		}
		devices = []*fakeDevice{d}
	} else if numDevices != len(devices) {
		return errorf(capi.CodeInvalidArgument, "executable is loaded on %d devices, but num_devices=%d",
			len(devices), numDevices)
	}
	prog := le.exec.prog
	if int(args.NumArgs) != len(prog.params) {
		return errorf(capi.CodeInvalidArgument, "executable %q takes %d arguments, %d given",
			prog.op, len(prog.params), args.NumArgs)
	}
	nonDonatable := view[int64](options.NonDonatableInputIndices, options.NumNonDonatableInputIndices)
	isDonated := func(argIdx int) bool { return !slices.Contains(nonDonatable, int64(argIdx)) }

	// Validate everything before any side effect.
	argLists := view[uintptr](args.ArgumentLists, args.NumDevices)
	inputs := make([][]*fakeBuffer, numDevices)
	for deviceIdx := range numDevices {
		for argIdx, h := range view[uintptr](argLists[deviceIdx], args.NumArgs) {
			b, err := lookupBuffer(h)
			if err != nil {
				return err
			}
			if param := prog.params[argIdx]; !param.matches(b.dtype, b.dims) {
				return errorf(capi.CodeInvalidArgument, "argument #%d of device #%d has shape %s, expected %s",
					argIdx, deviceIdx, shape{dtype: b.dtype, dims: b.dims}, param)
			}
			b.mu.Lock()
			bDeleted, refs := b.deleted, b.externalRefs
			b.mu.Unlock()
			if bDeleted {
				return errorf(capi.CodeFailedPrecondition, "argument #%d of device #%d has been deleted or donated",
					argIdx, deviceIdx)
			}
			if refs > 0 && isDonated(argIdx) {
				return errorf(capi.CodeFailedPrecondition, "argument #%d of device #%d has external references and can't be donated",
					argIdx, deviceIdx)
			}
			inputs[deviceIdx] = append(inputs[deviceIdx], b)
		}
	}
	recvs := make([]*capi.RecvCallbackInfo, numDevices)
	if prog.op == "recv" {
		if options.RecvCallbacks == 0 {
			return errorf(capi.CodeInvalidArgument, "executable receives on channel %d, but no recv callbacks were given",
				prog.channel)
		}
		for deviceIdx, list := range view[uintptr](options.RecvCallbacks, args.NumDevices) {
			infos := view[capi.RecvCallbackInfo](list, options.NumRecvOps)
			for ii := range infos {
				if infos[ii].ChannelID == prog.channel {
					info := infos[ii]
					recvs[deviceIdx] = &info
				}
			}
			if recvs[deviceIdx] == nil {
				return errorf(capi.CodeInvalidArgument, "no recv callback for channel %d on device #%d",
					prog.channel, deviceIdx)
			}
		}
	}

	outLists := view[uintptr](args.OutputLists, args.NumDevices)
	completeEvents := view[uintptr](args.DeviceCompleteEvents, args.NumDevices)
	for deviceIdx, device := range devices {
		ex := &execution{prog: prog, inputs: inputs[deviceIdx], recv: recvs[deviceIdx], complete: newFakeEvent()}
		outputs := view[uintptr](outLists[deviceIdx], uintptr(len(prog.outputs)))
		for outputIdx, s := range prog.outputs {
			data := make([]byte, s.size())
			ex.dsts = append(ex.dsts, data)
			_, outputs[outputIdx] = newBuffer(s.dtype, s.dims, data, device.memories[0], ex.complete)
		}
		for argIdx, b := range ex.inputs {
			src, _ := b.contents()
			ex.srcs = append(ex.srcs, src)
			if isDonated(argIdx) {
				b.donate()
				ex.donated = append(ex.donated, b)
			}
		}
		if completeEvents != nil {
			completeEvents[deviceIdx] = ex.complete.newHandle()
		}
		go ex.run()
	}
	return nil
}

// run executes the program once its inputs are ready, and sets the complete event.
func (ex *execution) run() {
	defer func() {
		for _, b := range ex.donated {
			b.releaseDonated()
		}
	}()
	for _, b := range ex.inputs {
		if err := b.ready.wait(); err != nil {
			ex.complete.set(err)
			return
		}
	}
	switch ex.prog.op {
	case "identity":
		for ii, dst := range ex.dsts {
			copy(dst, ex.srcs[ii])
		}
	case "fail":
		ex.complete.set(errorf(capi.CodeInternal, "execution of %q failed", ex.prog.op))
		return
	case "recv":
		stream := newFakeStream(len(ex.dsts[0]))
		purego.SyscallN(ex.recv.RecvCallback, newHandle(stream), ex.recv.UserArg)
		data, err := stream.wait()
		if err != nil {
			ex.complete.set(err)
			return
		}
		copy(ex.dsts[0], data)
	}
	ex.complete.set(nil)
}

// donate marks the buffer as deleted. Its data is kept until the execution using it calls releaseDonated.
func (b *fakeBuffer) donate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = true
}

func (b *fakeBuffer) releaseDonated() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.externalRefs == 0 {
		b.dropData()
	}
}

// Execute contexts.

type fakeExecuteContext struct {
	mu       sync.Mutex
	userData map[int64]uintptr
}

func executeContextCreate(args *capi.ExecuteContextCreateArgs) *fakeError {
	args.Context = newHandle(&fakeExecuteContext{})
	return nil
}

func executeContextDestroy(args *capi.ExecuteContextDestroyArgs) *fakeError {
	if _, found := release(args.Context); !found {
		return errBadHandle("PJRT_ExecuteContext", args.Context)
	}
	return nil
}
