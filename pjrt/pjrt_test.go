package pjrt

// Common initialization and testing tools for all test files.

import (
	"flag"
	"fmt"
	"testing"
	"unsafe"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/gomlx/purepjrt/pjrt/internal/fakeplugin"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var flagPluginName = flag.String("plugin", "fake", "plugin name")

// Names of the in-process plugins registered for the tests.
const (
	// fakePluginName has every extension the fake plugin implements.
	fakePluginName = "fake"

	// fakeNoExtensionsPluginName has no extensions.
	fakeNoExtensionsPluginName = "fake_noextensions"

	// fakeOldPluginName advertises an API table that ends right before PJRT_ExecuteContext_Create, like plugins
	// built for older minor versions.
	fakeOldPluginName = "fake_old"

	// fakeNoOnReadyPluginName lacks PJRT_Event_OnReady, so events are awaited with the blocking PJRT_Event_Await.
	fakeNoOnReadyPluginName = "fake_noonready"
)

// oldAPIStructSize is the struct_size advertised by the fakeOldPluginName plugin.
func oldAPIStructSize() uintptr {
	return unsafe.Offsetof(capi.Api{}.ExecuteContextCreate)
}

func init() {
	klog.InitFlags(nil)
	must.M(RegisterPreloadedPlugin(fakePluginName, fakeplugin.NewAPI(fakeplugin.Options{
		Stream: true, Profiler: true, MemoryDescriptions: true, CustomCall: true, Layouts: true, FFI: true, RawBuffer: true,
	})))
	must.M(RegisterPreloadedPlugin(fakeNoExtensionsPluginName, fakeplugin.NewAPI(fakeplugin.Options{})))
	must.M(RegisterPreloadedPlugin(fakeOldPluginName, fakeplugin.NewAPI(fakeplugin.Options{
		StructSize: oldAPIStructSize(),
	})))
	must.M(RegisterPreloadedPlugin(fakeNoOnReadyPluginName, fakeplugin.NewAPI(fakeplugin.Options{
		NoEventOnReady: true,
	})))
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// getPJRTClient loads the plugin selected by --plugin and creates a client to run tests on.
// It exits the test if anything goes wrong.
func getPJRTClient(t *testing.T) *Client {
	return getClientFor(t, *flagPluginName)
}

// getFakeClient creates a client of the fake plugin, for tests that depend on its programs or behavior.
func getFakeClient(t *testing.T) *Client {
	return getClientFor(t, fakePluginName)
}

func getClientFor(t *testing.T, pluginName string) *Client {
	plugin, err := GetPlugin(pluginName)
	require.NoError(t, err, "Failed to get plugin %q", pluginName)
	attributes := plugin.Attributes()
	fmt.Printf("Loaded PJRT plugin %s with %d attributes:\n", plugin, len(attributes))
	for key, value := range attributes {
		fmt.Printf("\t%s: %+v\n", key, value)
	}
	client, err := plugin.NewClient(nil)
	require.NoErrorf(t, err, "Failed to create a client on %s", plugin)
	t.Cleanup(func() { require.NoError(t, client.Destroy()) })
	return client
}

// compileFake compiles a program of the fake plugin, see fakeplugin.ProgramFormats.
// It exits the test if anything goes wrong.
func compileFake(t *testing.T, client *Client, code string) *LoadedExecutable {
	exec, err := client.Compile().WithProgram(NewProgram("fake", []byte(code))).Done()
	require.NoErrorf(t, err, "Failed to compile program %q", code)
	t.Cleanup(func() { require.NoError(t, exec.Destroy()) })
	return exec
}

// execWithSlices executes the program on the given input, and returns its only output.
// Any errors fail the test.
func execWithSlices[T dtypes.Supported](t *testing.T, client *Client, exec *LoadedExecutable, input []T, dims ...int) (flat []T, outputDims []int) {
	inputBuffer, err := ArrayToBuffer(client, input, dims...)
	require.NoErrorf(t, err, "Failed to create on-device buffer for input %v", input)
	defer func() { require.NoError(t, inputBuffer.Destroy()) }()

	outputBuffers, err := exec.Execute(inputBuffer).Done()
	require.NoErrorf(t, err, "Failed to execute on input %v", input)
	require.Len(t, outputBuffers, 1, "Expected only one output")
	defer func() { require.NoError(t, outputBuffers[0].Destroy()) }()

	flat, outputDims, err = BufferToArray[T](outputBuffers[0])
	require.NoErrorf(t, err, "Failed to transfer results of %q execution on input %v", exec.Name, input)
	fmt.Printf("  > f(%v)=%v %v\n", input, outputDims, flat)
	return
}
