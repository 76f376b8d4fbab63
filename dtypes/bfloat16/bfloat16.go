// Package bfloat16 defines the BFloat16 ("brain floating point") type: the upper 16 bits of a float32.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 holds the bits of a bfloat16 number.
type BFloat16 uint16

// FromFloat32 converts a float32 to BFloat16, rounding to the nearest even.
func FromFloat32(f float32) BFloat16 {
	bits := math.Float32bits(f)
	if f != f { // NaN: keep it a quiet NaN.
		return BFloat16((bits >> 16) | 0x0040)
	}
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return BFloat16((bits + rounding) >> 16)
}

// FromFloat64 converts a float64 to BFloat16.
func FromFloat64(f float64) BFloat16 {
	return FromFloat32(float32(f))
}

// FromBits returns the BFloat16 with the given bits.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits returns the raw bits.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// Float32 converts the BFloat16 to float32, which is exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// Float64 converts the BFloat16 to float64.
func (f BFloat16) Float64() float64 {
	return float64(f.Float32())
}

// String implements fmt.Stringer.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'g', -1, 32)
}
