package pjrt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamedValuesConversion(t *testing.T) {
	options := NamedValuesMap{
		"str":            "blah",
		"int64Value":     int64(7),
		"int64Array":     []int64{11, 13, 17},
		"emptyArray":     []int64{},
		"float32":        float32(19),
		"bool":           true,
		"false":          false,
		"invalidTypeKey": complex64(1), // Type not supported.
	}

	// Check that types not-supported return error.
	_, err := options.toC()
	require.ErrorContains(t, err, "invalidTypeKey")
	require.Equal(t, KindInvalidArgument, KindOf(err))

	// Remove invalid type, and get proper conversion:
	delete(options, "invalidTypeKey")
	cOptions, err := options.toC()
	require.NoError(t, err)
	require.Equal(t, uintptr(len(options)), cOptions.Len())

	// Convert back and check values.
	fmt.Printf("options=%+v\n", options)
	convertedValues := pjrtNamedValuesToMap(cOptions.Addr(), cOptions.Len())
	for key, option := range options {
		fmt.Printf("\tconverted[%q]=%T(%#v)\n", key, convertedValues[key], convertedValues[key])
		assert.Equalf(t, option, convertedValues[key], "conversion failed for key %q: original value %#v, got value %#v", key, option, convertedValues[key])
	}

	// Empty maps.
	cOptions, err = NamedValuesMap(nil).toC()
	require.NoError(t, err)
	require.Zero(t, cOptions.Len())
	require.Empty(t, pjrtNamedValuesToMap(cOptions.Addr(), cOptions.Len()))
}

func TestPluginAttributes(t *testing.T) {
	plugin := capture(GetPlugin(fakePluginName)).Test(t)
	attributes := plugin.Attributes()
	fmt.Printf("Attributes: %v\n", attributes)
	require.Equal(t, "fake", attributes["platform"])
	require.Equal(t, int64(2), attributes["xla_version"])
	require.Equal(t, []int64{1, 9, 3}, attributes["stablehlo_current_version"])
	require.Equal(t, false, attributes["supports_cross_host"])
	require.Equal(t, true, attributes["fake"])
	require.Equal(t, float32(1.5), attributes["clock_ghz"])
}
