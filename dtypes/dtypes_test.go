package dtypes

import (
	"math"
	"reflect"
	"testing"

	"github.com/gomlx/purepjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDType_HighestLowestSmallestValues(t *testing.T) {
	require.True(t, math.IsInf(Float64.HighestValue().(float64), 1))
	require.True(t, math.IsInf(float64(Float32.LowestValue().(float32)), -1))
	_, ok := Float16.SmallestNonZeroValueForDType().(float16.Float16)
	require.True(t, ok)
	_, ok = BFloat16.SmallestNonZeroValueForDType().(bfloat16.BFloat16)
	require.True(t, ok)

	// Complex numbers don't define Highest of Lowest, and instead return 0
	require.Equal(t, complex64(0), Complex64.HighestValue().(complex64))
	require.Equal(t, complex128(0), Complex128.LowestValue().(complex128))
	require.Equal(t, complex64(0), Complex64.SmallestNonZeroValueForDType().(complex64))
}

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["f16"])

	require.Equal(t, BFloat16, MapOfNames["BFloat16"])
	require.Equal(t, BFloat16, MapOfNames["bfloat16"])
	require.Equal(t, BFloat16, MapOfNames["BF16"])
	require.Equal(t, BFloat16, MapOfNames["bf16"])
}

func TestSizes(t *testing.T) {
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 16, Complex128.Size())
	require.Equal(t, 16, Float32.SizeForDimensions(2, 2))
	require.Equal(t, 4, Float32.SizeForDimensions()) // Scalar.
	require.Equal(t, 2, Int4.SizeForDimensions(3))
	require.Equal(t, 0, TOKEN.Size())
}

// Int4 is only used in tests, to check packing of sub-byte types.
const Int4 = S4

func TestGoTypes(t *testing.T) {
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, BFloat16, FromGenericsType[bfloat16.BFloat16]())
	require.Equal(t, Int64, FromAny(int64(7)))
	require.Equal(t, InvalidDType, FromAny("not a number"))
	for _, dtype := range []DType{Bool, Int8, Int32, Uint64, Float16, BFloat16, Float64, Complex64} {
		goType := dtype.GoType()
		require.NotNil(t, goType, "dtype %s", dtype)
		require.Equal(t, dtype, FromGoType(goType))
		require.Equal(t, uintptr(dtype.Size()), goType.Size(), "dtype %s", dtype)
	}
	require.Nil(t, TOKEN.GoType())
	require.Equal(t, reflect.Float32, Float32.GoType().Kind())
}

func TestBFloat16(t *testing.T) {
	for _, v := range []float32{0, 1, -2.5, 3.140625, 65280} {
		require.Equal(t, v, bfloat16.FromFloat32(v).Float32())
	}
	require.Equal(t, "1.5", bfloat16.FromFloat32(1.5).String())
}
