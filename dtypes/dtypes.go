// Package dtypes defines the element types of PJRT buffers, with the same numeric values as the PJRT_Buffer_Type
// enum of the PJRT C API, and their mapping to Go types.
package dtypes

import (
	"math"
	"reflect"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/purepjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a buffer. The values match PJRT_Buffer_Type.
type DType int32

const (
	INVALID DType = iota
	PRED
	S8
	S16
	S32
	S64
	U8
	U16
	U32
	U64
	F16
	F32
	F64
	BF16
	C64
	C128
	F8E5M2
	F8E4M3FN
	F8E4M3B11FNUZ
	F8E5M2FNUZ
	F8E4M3FNUZ
	S4
	U4
	TOKEN
	S2
	U2
)

// Aliases to the names used in PJRT, with more descriptive Go-like names.
const (
	// InvalidDType (an alias for INVALID) represents an invalid (or not set) dtype.
	InvalidDType = INVALID

	// Bool (an alias for PRED) is used as the output and input of logic operations.
	Bool = PRED

	Int8  = S8
	Int16 = S16
	Int32 = S32
	Int64 = S64

	Uint8  = U8
	Uint16 = U16
	Uint32 = U32
	Uint64 = U64

	Float16  = F16
	Float32  = F32
	Float64  = F64
	BFloat16 = BF16

	Complex64  = C64
	Complex128 = C128
)

var dtypeNames = map[DType]string{
	INVALID:       "InvalidDType",
	PRED:          "Bool",
	S8:            "Int8",
	S16:           "Int16",
	S32:           "Int32",
	S64:           "Int64",
	U8:            "Uint8",
	U16:           "Uint16",
	U32:           "Uint32",
	U64:           "Uint64",
	F16:           "Float16",
	F32:           "Float32",
	F64:           "Float64",
	BF16:          "BFloat16",
	C64:           "Complex64",
	C128:          "Complex128",
	F8E5M2:        "F8E5M2",
	F8E4M3FN:      "F8E4M3FN",
	F8E4M3B11FNUZ: "F8E4M3B11FNUZ",
	F8E5M2FNUZ:    "F8E5M2FNUZ",
	F8E4M3FNUZ:    "F8E4M3FNUZ",
	S4:            "Int4",
	U4:            "Uint4",
	TOKEN:         "Token",
	S2:            "Int2",
	U2:            "Uint2",
}

var pjrtNames = map[DType]string{
	PRED: "PRED", S8: "S8", S16: "S16", S32: "S32", S64: "S64",
	U8: "U8", U16: "U16", U32: "U32", U64: "U64",
	F16: "F16", F32: "F32", F64: "F64", BF16: "BF16", C64: "C64", C128: "C128",
	S4: "S4", U4: "U4", S2: "S2", U2: "U2",
}

// MapOfNames maps the Go-like names, the PJRT names and their lower-case versions to the DType.
var MapOfNames = make(map[string]DType)

func init() {
	for dtype, name := range dtypeNames {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
	for dtype, name := range pjrtNames {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "UnknownDType"
}

// IsValid returns whether dtype is a known, non-INVALID dtype.
func (dtype DType) IsValid() bool {
	_, found := dtypeNames[dtype]
	return found && dtype != INVALID
}

// Bits returns the number of bits used by one element of the dtype.
// It returns 0 for INVALID and TOKEN.
func (dtype DType) Bits() int {
	switch dtype {
	case PRED, S8, U8, F8E5M2, F8E4M3FN, F8E4M3B11FNUZ, F8E5M2FNUZ, F8E4M3FNUZ:
		return 8
	case S16, U16, F16, BF16:
		return 16
	case S32, U32, F32:
		return 32
	case S64, U64, F64, C64:
		return 64
	case C128:
		return 128
	case S4, U4:
		return 4
	case S2, U2:
		return 2
	}
	return 0
}

// Size returns the number of bytes for one element of the dtype. Sub-byte dtypes return 1.
func (dtype DType) Size() int {
	bits := dtype.Bits()
	if bits == 0 {
		return 0
	}
	return (bits + 7) / 8
}

// SizeForDimensions returns the number of bytes needed to store a dense array of the dtype with the given
// dimensions. Sub-byte dtypes are packed.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		numElements *= dim
	}
	return (numElements*dtype.Bits() + 7) / 8
}

// Supported lists the Go types that map to a DType.
type Supported interface {
	bool | float16.Float16 | bfloat16.BFloat16 |
		float32 | float64 | int | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 | complex64 | complex128
}

// FromGenericsType returns the DType for the given Go type.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromGoType(reflect.TypeOf(t))
}

// FromAny returns the DType of the given value, or InvalidDType if it is not a supported type.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

var (
	float16Type  = reflect.TypeOf(float16.Float16(0))
	bfloat16Type = reflect.TypeOf(bfloat16.BFloat16(0))
)

// FromGoType returns the DType for the given Go reflect.Type, or InvalidDType if there is none.
func FromGoType(t reflect.Type) DType {
	if t == nil {
		return InvalidDType
	}
	switch t {
	case float16Type:
		return Float16
	case bfloat16Type:
		return BFloat16
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool
	case reflect.Int:
		if t.Size() == 4 {
			return Int32
		}
		return Int64
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Complex64:
		return Complex64
	case reflect.Complex128:
		return Complex128
	}
	return InvalidDType
}

// GoType returns the Go reflect.Type that holds one element of the dtype, or nil if there is none.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeOf(false)
	case Int8:
		return reflect.TypeOf(int8(0))
	case Int16:
		return reflect.TypeOf(int16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Uint16:
		return reflect.TypeOf(uint16(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Uint64:
		return reflect.TypeOf(uint64(0))
	case Float16:
		return float16Type
	case BFloat16:
		return bfloat16Type
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	case Complex64:
		return reflect.TypeOf(complex64(0))
	case Complex128:
		return reflect.TypeOf(complex128(0))
	}
	return nil
}

// HighestValue returns the highest value for the dtype, as the Go type of the dtype.
// Floating point types return +Inf. Complex numbers don't define it and return 0.
func (dtype DType) HighestValue() any {
	switch dtype {
	case Bool:
		return true
	case Int8:
		return int8(math.MaxInt8)
	case Int16:
		return int16(math.MaxInt16)
	case Int32:
		return int32(math.MaxInt32)
	case Int64:
		return int64(math.MaxInt64)
	case Uint8:
		return uint8(math.MaxUint8)
	case Uint16:
		return uint16(math.MaxUint16)
	case Uint32:
		return uint32(math.MaxUint32)
	case Uint64:
		return uint64(math.MaxUint64)
	case Float16:
		return float16.Inf(1)
	case BFloat16:
		return bfloat16.FromFloat32(math32.Inf(1))
	case Float32:
		return math32.Inf(1)
	case Float64:
		return math.Inf(1)
	case Complex64:
		return complex64(0)
	case Complex128:
		return complex128(0)
	}
	return nil
}

// LowestValue returns the lowest value for the dtype, as the Go type of the dtype.
// Floating point types return -Inf. Complex numbers don't define it and return 0.
func (dtype DType) LowestValue() any {
	switch dtype {
	case Bool:
		return false
	case Int8:
		return int8(math.MinInt8)
	case Int16:
		return int16(math.MinInt16)
	case Int32:
		return int32(math.MinInt32)
	case Int64:
		return int64(math.MinInt64)
	case Uint8:
		return uint8(0)
	case Uint16:
		return uint16(0)
	case Uint32:
		return uint32(0)
	case Uint64:
		return uint64(0)
	case Float16:
		return float16.Inf(-1)
	case BFloat16:
		return bfloat16.FromFloat32(math32.Inf(-1))
	case Float32:
		return math32.Inf(-1)
	case Float64:
		return math.Inf(-1)
	case Complex64:
		return complex64(0)
	case Complex128:
		return complex128(0)
	}
	return nil
}

// SmallestNonZeroValueForDType is the smallest non-zero positive value that can be represented by the dtype.
func (dtype DType) SmallestNonZeroValueForDType() any {
	switch dtype {
	case Bool:
		return true
	case Int8:
		return int8(1)
	case Int16:
		return int16(1)
	case Int32:
		return int32(1)
	case Int64:
		return int64(1)
	case Uint8:
		return uint8(1)
	case Uint16:
		return uint16(1)
	case Uint32:
		return uint32(1)
	case Uint64:
		return uint64(1)
	case Float16:
		return float16.Frombits(0x0001)
	case BFloat16:
		return bfloat16.FromBits(0x0001)
	case Float32:
		return float32(math.SmallestNonzeroFloat32)
	case Float64:
		return math.SmallestNonzeroFloat64
	case Complex64:
		return complex64(0)
	case Complex128:
		return complex128(0)
	}
	return nil
}
