package pjrt

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoadedExecutable is a reference to a compiled program ready to be executed.
//
// All public attributes are read-only.
type LoadedExecutable struct {
	plugin *Plugin
	client *Client

	mu                sync.Mutex
	cLoadedExecutable uintptr

	// executable is extracted as soon as LoadedExecutable is created, and with it all its fields.
	executable *Executable

	// Name of the executable.
	Name string

	// NumOutputs of the executable.
	NumOutputs int

	// OnDeviceMemoryUsageStats, OnHostMemoryUsageStats can be used to estimate the required memory usage for the
	// executable on device (and on host). They are zero if the plugin doesn't report them.
	OnDeviceMemoryUsageStats, OnHostMemoryUsageStats ExecutableMemoryUsageStats
}

var numLoadedExecutables atomic.Int64

// LoadedExecutablesAlive returns a count of the numbers of LoadedExecutables currently in memory and tracked by
// purepjrt.
func LoadedExecutablesAlive() int64 {
	return numLoadedExecutables.Load()
}

// newLoadedExecutable creates LoadedExecutable and registers it for freeing.
func newLoadedExecutable(client *Client, cLoadedExecutable uintptr) (*LoadedExecutable, error) {
	e := &LoadedExecutable{
		plugin:            client.plugin,
		client:            client,
		cLoadedExecutable: cLoadedExecutable,
	}
	numLoadedExecutables.Add(1)
	runtime.SetFinalizer(e, func(e *LoadedExecutable) { e.destroyOrLog() })

	// Gather information about executable:
	var err error
	e.executable, err = e.getExecutable()
	if err != nil {
		e.destroyOrLog()
		return nil, errors.WithMessagef(err, "failed to GetExecutable from compiled LoadedExecutable")
	}
	e.Name, err = e.executable.Name()
	if err != nil {
		e.destroyOrLog()
		return nil, errors.WithMessagef(err, "failed to get Executable.Name from compiled LoadedExecutable")
	}
	e.NumOutputs, err = e.executable.NumOutputs()
	if err != nil {
		e.destroyOrLog()
		return nil, errors.WithMessagef(err, "failed to Executable.NumOutputs from compiled LoadedExecutable")
	}
	stats, err := e.executable.GetCompiledMemoryStats()
	switch {
	case err == nil:
		e.OnDeviceMemoryUsageStats, e.OnHostMemoryUsageStats = stats.OnDevice, stats.OnHost
	case errors.Is(err, ErrFunctionNotAvailable) || IsCode(err, CodeUnimplemented):
		klog.V(1).Infof("Plugin %s doesn't report compiled memory stats: %v", e.plugin, err)
	default:
		e.destroyOrLog()
		return nil, errors.WithMessagef(err, "failed to Executable.GetCompiledMemoryStats from compiled LoadedExecutable")
	}
	return e, nil
}

// Destroy the LoadedExecutable, release resources, and LoadedExecutable is no longer valid.
// This is automatically called if LoadedExecutable is garbage collected.
func (e *LoadedExecutable) Destroy() error {
	if e == nil || e.plugin == nil {
		// Already destroyed, no-op.
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cLoadedExecutable == 0 {
		return nil
	}
	if e.executable != nil {
		e.executable.destroyOrLog()
		e.executable = nil
	}
	args := capi.New[capi.LoadedExecutableDestroyArgs]()
	args.Executable = e.cLoadedExecutable
	e.cLoadedExecutable = 0
	err := call(e.plugin, unsafe.Offsetof(e.plugin.api.LoadedExecutableDestroy), args)
	numLoadedExecutables.Add(-1)
	return err
}

// destroyOrLog destroys the LoadedExecutable and log any errors.
func (e *LoadedExecutable) destroyOrLog() {
	err := e.Destroy()
	if err != nil {
		klog.Errorf("LoadedExecutable.Destroy failed: %v", err)
	}
}

// handle returns the PJRT_LoadedExecutable*, or an error if it has been destroyed.
func (e *LoadedExecutable) handle(function string) (uintptr, error) {
	if e == nil || e.plugin == nil {
		return 0, errDestroyed(function, "LoadedExecutable")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cLoadedExecutable == 0 {
		return 0, errDestroyed(function, "LoadedExecutable")
	}
	return e.cLoadedExecutable, nil
}

// getExecutable returns a new Executable associated with the LoadedExecutable.
func (e *LoadedExecutable) getExecutable() (*Executable, error) {
	cLoaded, err := e.handle("PJRT_LoadedExecutable_GetExecutable")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.LoadedExecutableGetExecutableArgs]()
	args.LoadedExecutable = cLoaded
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.LoadedExecutableGetExecutable), args)
	if err != nil {
		return nil, err
	}
	return newExecutable(e.plugin, args.Executable), nil
}

// GetExecutable returns the Executable of the LoadedExecutable, to introspect or serialize it.
// It is owned by the LoadedExecutable, and it is destroyed with it.
func (e *LoadedExecutable) GetExecutable() (*Executable, error) {
	if _, err := e.handle("PJRT_LoadedExecutable_GetExecutable"); err != nil {
		return nil, err
	}
	return e.executable, nil
}

// AddressableDevices returns the devices the executable will run on.
func (e *LoadedExecutable) AddressableDevices() ([]*Device, error) {
	cLoaded, err := e.handle("PJRT_LoadedExecutable_AddressableDevices")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.LoadedExecutableAddressableDevicesArgs]()
	args.Executable = cLoaded
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.LoadedExecutableAddressableDevices), args)
	if err != nil {
		return nil, err
	}
	return e.client.devicesFromC(args.AddressableDevices, args.NumAddressableDevices), nil
}

// Delete the executable's runtime resources, without destroying the LoadedExecutable object: it can no longer be
// executed, but it can still be queried, and it still must be destroyed.
func (e *LoadedExecutable) Delete() error {
	cLoaded, err := e.handle("PJRT_LoadedExecutable_Delete")
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.LoadedExecutableDeleteArgs]()
	args.Executable = cLoaded
	return call(e.plugin, unsafe.Offsetof(e.plugin.api.LoadedExecutableDelete), args)
}

// IsDeleted returns whether Delete was called on the executable.
func (e *LoadedExecutable) IsDeleted() (bool, error) {
	cLoaded, err := e.handle("PJRT_LoadedExecutable_IsDeleted")
	if err != nil {
		return false, err
	}
	defer runtime.KeepAlive(e)
	args := capi.New[capi.LoadedExecutableIsDeletedArgs]()
	args.Executable = cLoaded
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.LoadedExecutableIsDeleted), args)
	if err != nil {
		return false, err
	}
	return args.IsDeleted, nil
}

// Execute the compiled computation. It returns an ExecutionConfig for further configuration.
// Call ExecutionConfig.Done and the computation is executed.
//
// It provides good defaults, so in the common case nothing else is needed:
//
// - Using the first addressable device.
// - All input buffers marked as not-donated (see discussion in https://jax.readthedocs.io/en/latest/faq.html#buffer-donation) input buffers.
//
// When executing on more than one device (see ExecutionConfig.OnDevices), inputs are given in device order: the
// inputs of the first device, followed by the inputs of the second device, etc.
//
// See ExecutionConfig for more details and options.
//
// Example:
//
//	outputBuffers, err := loadedExec.Execute(inputBuffer).Done()
func (e *LoadedExecutable) Execute(inputs ...*Buffer) *ExecutionConfig {
	c := &ExecutionConfig{
		executable: e,
		inputs:     inputs,
	}
	c.DonateNone()
	return c
}

// RecvCallback is called when an execution receives data from the host on a channel: it must fill the stream
// (see CopyToDeviceStream.AddChunk), and it owns it. It is called in its own goroutine.
type RecvCallback func(stream *CopyToDeviceStream)

// ExecutionConfig holds the configuration for executing a LoadedExecutable.
// It is created with LoadedExecutable.Execute.
//
// After configuring it, call Done (or DoneAsync) to actually trigger the execution.
type ExecutionConfig struct {
	executable         *LoadedExecutable
	devices            []*Device
	inputs             []*Buffer
	nonDonatableInputs []int
	launchID           int32
	context            *ExecuteContext
	recvChannels       []int64
	recvCallbacks      []RecvCallback

	// err saves an error during the configuration.
	err error
}

// OnDevices selects which devices to execute.
// Usually only 1, but more than one can be configured.
//
// The default is to use the first addressable device.
// See also OnDevicesByNum.
func (c *ExecutionConfig) OnDevices(devices ...*Device) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	if len(devices) == 0 {
		// Trivial case.
		c.devices = nil
		return c
	}
	c.devices = make([]*Device, len(devices))
	for ii, device := range devices {
		if device == nil {
			c.err = errInvalidArgument("PJRT_LoadedExecutable_Execute", "LoadedExecutable.Execute().OnDevices() given a nil device")
			return c
		}
		addressable, err := device.IsAddressable()
		if err != nil {
			c.err = errors.WithMessagef(err, "LoadedExecutable.Execute().OnDevices() failed to check whether device is addressable")
			return c
		}
		if !addressable {
			c.err = errInvalidArgument("PJRT_LoadedExecutable_Execute", "LoadedExecutable.Execute().OnDevices() given a non addressable device")
			return c
		}
		c.devices[ii] = device
	}
	return c
}

// OnDevicesByNum selects which devices to execute.
// The devicesNum point to the device in the list returned by Client.AddressableDevices.
// Usually only 1, but more than one can be configured.
//
// The default is to use the first addressable device.
// See also OnDevices.
func (c *ExecutionConfig) OnDevicesByNum(devicesNum ...int) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	if len(devicesNum) == 0 {
		c.devices = nil
		return c
	}
	addressableDevices := c.executable.client.AddressableDevices()
	devices := make([]*Device, len(devicesNum))
	for ii, deviceNum := range devicesNum {
		if deviceNum < 0 || deviceNum >= len(addressableDevices) {
			c.err = errInvalidArgument("PJRT_LoadedExecutable_Execute", "LoadedExecutable.Execute().OnDevices() invalid deviceNum=%d, only %d addressable devices available", deviceNum, len(addressableDevices))
			return c
		}
		devices[ii] = addressableDevices[deviceNum]
	}
	return c.OnDevices(devices...)
}

// DonateAll marks all inputs to be "donated".
//
// Donated inputs become invalid after the execution. Often donated arguments are also the output of a computation
// and are updated in place. See discussion in https://jax.readthedocs.io/en/latest/faq.html#buffer-donation
func (c *ExecutionConfig) DonateAll() *ExecutionConfig {
	c.nonDonatableInputs = nil
	return c
}

// DonateNone makes all inputs to be marked as non-donatable. This is the default.
func (c *ExecutionConfig) DonateNone() *ExecutionConfig {
	c.nonDonatableInputs = make([]int, len(c.inputs))
	for ii := range c.inputs {
		c.nonDonatableInputs[ii] = ii
	}
	return c
}

// Donate marks the inputs (referred to its indices) to be donated.
//
// This can be called more than once for different inputsIndices.
func (c *ExecutionConfig) Donate(inputsIndices ...int) *ExecutionConfig {
	c.nonDonatableInputs = slices.DeleteFunc(c.nonDonatableInputs, func(i int) bool {
		return slices.Index(inputsIndices, i) != -1
	})
	return c
}

// SetDonate set the donate status of all inputs in one call. The default is no input is donated.
func (c *ExecutionConfig) SetDonate(donate []bool) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	if len(donate) != len(c.inputs) {
		c.err = errInvalidArgument("PJRT_LoadedExecutable_Execute", "LoadedExecutable.Execute().SetDonate() requires one value for each input, but there are %d inputs, and %d donate values given", len(c.inputs), len(donate))
		return c
	}
	c.nonDonatableInputs = make([]int, 0, len(c.inputs))
	for idx, donateIdx := range donate {
		if !donateIdx {
			c.nonDonatableInputs = append(c.nonDonatableInputs, idx)
		}
	}
	return c
}

// WithLaunchID sets the launch id, used by multi-process executions to match the executions of the processes.
func (c *ExecutionConfig) WithLaunchID(launchID int32) *ExecutionConfig {
	c.launchID = launchID
	return c
}

// WithContext sets the ExecuteContext of the execution. It must stay alive until the execution is done.
func (c *ExecutionConfig) WithContext(ctx *ExecuteContext) *ExecutionConfig {
	c.context = ctx
	return c
}

// WithRecvCallback registers fn to be called when the program receives data from the host on the given channel.
// It can be called once per channel.
func (c *ExecutionConfig) WithRecvCallback(channelID int64, fn RecvCallback) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	if fn == nil {
		c.err = errInvalidArgument("PJRT_LoadedExecutable_Execute", "LoadedExecutable.Execute().WithRecvCallback(%d) given a nil callback", channelID)
		return c
	}
	if slices.Contains(c.recvChannels, channelID) {
		c.err = errInvalidArgument("PJRT_LoadedExecutable_Execute", "LoadedExecutable.Execute().WithRecvCallback(%d) called twice for the same channel", channelID)
		return c
	}
	c.recvChannels = append(c.recvChannels, channelID)
	c.recvCallbacks = append(c.recvCallbacks, fn)
	return c
}

// recvCallbackEntry is what a recv callback id refers to.
type recvCallbackEntry struct {
	plugin *Plugin
	fn     RecvCallback
}

var (
	// recvCallbacks holds the recv callbacks of the executions in flight, by id (the callback's user_arg).
	recvCallbacks callbackRegistry[recvCallbackEntry]

	// recvCallback is the native PJRT_RecvCallback of every execution.
	recvCallback = sync.OnceValue(func() uintptr {
		return purego.NewCallback(recvTrampoline)
	})
)

// recvTrampoline is called by the plugin with a new stream to fill, which the receiver owns.
func recvTrampoline(cStream, userArg uintptr) uintptr {
	entry, found := recvCallbacks.get(userArg)
	if !found {
		klog.Errorf("PJRT recv callback called with unknown id %d, ignoring", userArg)
		return 0
	}
	stream := newCopyToDeviceStream(entry.plugin, cStream)
	go entry.fn(stream)
	return 0
}

// Done executes the program and waits for it to complete. It returns the outputs of all devices, in device order.
//
// If the execution fails, the outputs are destroyed and the error is returned.
func (c *ExecutionConfig) Done() ([]*Buffer, error) {
	perDevice, events, err := c.DoneAsync()
	if err != nil {
		return nil, err
	}
	if err = AwaitAll(context.Background(), events...); err != nil {
		for _, outputs := range perDevice {
			for _, output := range outputs {
				output.destroyOrLog()
			}
		}
		return nil, errors.WithMessage(err, "execution failed")
	}
	return slices.Concat(perDevice...), nil
}

// DoneAsync starts the execution of the program, and returns the outputs for each device, along with the events
// that signal the completion of the execution on each device.
//
// The outputs can be used right away: operations on them wait for the execution to complete. But if the
// execution fails, it is only reported by the events.
func (c *ExecutionConfig) DoneAsync() (perDeviceOutputs [][]*Buffer, events []*Event, err error) {
	const name = "PJRT_LoadedExecutable_Execute"
	if c.err != nil {
		return nil, nil, c.err
	}
	e := c.executable
	cLoaded, err := e.handle(name)
	if err != nil {
		return nil, nil, err
	}
	defer runtime.KeepAlive(e)

	// If no devices were given, use the first addressable one.
	devices := c.devices
	if len(devices) == 0 {
		addressable := e.client.AddressableDevices()
		if len(addressable) == 0 {
			return nil, nil, errInvalidArgument("PJRT_LoadedExecutable_Execute", "LoadedExecutable.Execute can't find addressable device to execute")
		}
		devices = addressable[:1]
	}
	numDevices := len(devices)
	if len(c.inputs)%numDevices != 0 {
		return nil, nil, newError(KindInvalidArgument, CodeInvalidArgument, name,
			"%d inputs given for %d devices: inputs must be given for each device", len(c.inputs), numDevices)
	}
	numArgs := len(c.inputs) / numDevices
	numOutputs := e.NumOutputs

	// Argument lists: [numDevices][numArgs]PJRT_Buffer*.
	argumentLists := make([][]uintptr, numDevices)
	argumentListsAddrs := make([]uintptr, numDevices)
	for deviceIdx := range numDevices {
		argumentLists[deviceIdx] = make([]uintptr, numArgs)
		for argIdx := range numArgs {
			inputIdx := deviceIdx*numArgs + argIdx
			input := c.inputs[inputIdx]
			if input == nil {
				return nil, nil, newError(KindInvalidArgument, CodeInvalidArgument, name, "input #%d is nil", inputIdx)
			}
			if _, _, err := input.checkValid(name); err != nil {
				return nil, nil, errors.WithMessagef(err, "input #%d", inputIdx)
			}
			if input.IsShared() && !slices.Contains(c.nonDonatableInputs, inputIdx) {
				return nil, nil, newError(KindInvalidArgument, CodeInvalidArgument, name,
					"input #%d is a shared buffer, and it can't be donated", inputIdx)
			}
			argumentLists[deviceIdx][argIdx] = input.cHandle()
		}
		argumentListsAddrs[deviceIdx] = sliceAddr(argumentLists[deviceIdx])
	}

	// Output lists: [numDevices][numOutputs]PJRT_Buffer*, filled by the plugin.
	outputLists := make([][]uintptr, numDevices)
	outputListsAddrs := make([]uintptr, numDevices)
	for deviceIdx := range numDevices {
		outputLists[deviceIdx] = make([]uintptr, max(numOutputs, 1))
		outputListsAddrs[deviceIdx] = sliceAddr(outputLists[deviceIdx])
	}
	completeEvents := make([]uintptr, numDevices)

	options := capi.New[capi.ExecuteOptions]()
	// Donation is per argument: an argument is donated only if its inputs on every device are.
	var nonDonatable []int64
	for _, idx := range c.nonDonatableInputs {
		if numArgs == 0 {
			break
		}
		argIdx := int64(idx % numArgs)
		if !slices.Contains(nonDonatable, argIdx) {
			nonDonatable = append(nonDonatable, argIdx)
		}
	}
	slices.Sort(nonDonatable)
	options.NonDonatableInputIndices = sliceAddr(nonDonatable)
	options.NumNonDonatableInputIndices = uintptr(len(nonDonatable))
	options.LaunchID = c.launchID
	if c.context != nil {
		options.Context, err = c.context.handle(name)
		if err != nil {
			return nil, nil, err
		}
	}

	// Recv callbacks: the same for every device, registered until the execution completes.
	var recvIDs []uintptr
	var recvInfos []capi.RecvCallbackInfo
	var recvInfosAddrs []uintptr
	if len(c.recvCallbacks) > 0 {
		recvInfos = make([]capi.RecvCallbackInfo, len(c.recvCallbacks))
		for ii, fn := range c.recvCallbacks {
			id := recvCallbacks.register(recvCallbackEntry{plugin: e.plugin, fn: fn})
			recvIDs = append(recvIDs, id)
			recvInfos[ii] = capi.RecvCallbackInfo{
				ChannelID:    c.recvChannels[ii],
				UserArg:      id,
				RecvCallback: recvCallback(),
			}
		}
		recvInfosAddrs = make([]uintptr, numDevices)
		for deviceIdx := range recvInfosAddrs {
			recvInfosAddrs[deviceIdx] = sliceAddr(recvInfos)
		}
		options.RecvCallbacks = sliceAddr(recvInfosAddrs)
		options.NumRecvOps = uintptr(len(recvInfos))
	}
	forgetRecvCallbacks := func() {
		for _, id := range recvIDs {
			recvCallbacks.forget(id)
		}
	}

	args := capi.New[capi.LoadedExecutableExecuteArgs]()
	args.Executable = cLoaded
	args.Options = uintptr(unsafe.Pointer(options))
	args.NumDevices = uintptr(numDevices)
	args.NumArgs = uintptr(numArgs)
	args.ArgumentLists = sliceAddr(argumentListsAddrs)
	args.OutputLists = sliceAddr(outputListsAddrs)
	args.DeviceCompleteEvents = sliceAddr(completeEvents)
	if numDevices == 1 {
		args.ExecuteDevice = devices[0].cDevice
	}
	err = call(e.plugin, unsafe.Offsetof(e.plugin.api.LoadedExecutableExecute), args)
	runtime.KeepAlive(options)
	runtime.KeepAlive(argumentLists)
	runtime.KeepAlive(argumentListsAddrs)
	runtime.KeepAlive(outputLists)
	runtime.KeepAlive(outputListsAddrs)
	runtime.KeepAlive(nonDonatable)
	runtime.KeepAlive(c.inputs)
	runtime.KeepAlive(c.context)
	if err != nil {
		forgetRecvCallbacks()
		return nil, nil, err
	}

	perDeviceOutputs = make([][]*Buffer, numDevices)
	for deviceIdx := range numDevices {
		perDeviceOutputs[deviceIdx] = make([]*Buffer, numOutputs)
		for outputIdx := range numOutputs {
			perDeviceOutputs[deviceIdx][outputIdx] = newBuffer(e.client, outputLists[deviceIdx][outputIdx])
		}
	}
	events = make([]*Event, numDevices)
	for deviceIdx, cEvent := range completeEvents {
		if cEvent == 0 {
			events[deviceIdx] = newCompletedEvent(e.plugin, nil)
		} else {
			events[deviceIdx] = newEvent(e.plugin, cEvent)
		}
	}
	if len(recvIDs) > 0 {
		// The recv callbacks (and their native descriptions) are needed until every device is done.
		go func() {
			_ = AwaitAll(context.Background(), events...)
			forgetRecvCallbacks()
			runtime.KeepAlive(recvInfos)
			runtime.KeepAlive(recvInfosAddrs)
		}()
	}
	return perDeviceOutputs, events, nil
}
