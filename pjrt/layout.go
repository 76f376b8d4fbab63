package pjrt

import (
	"fmt"
	"slices"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
)

// MemoryLayoutType selects which of the MemoryLayout fields is used.
type MemoryLayoutType int

const (
	// MemoryLayoutTiled describes the layout by the order of the axes (MinorToMajor) and optional tiles.
	MemoryLayoutTiled MemoryLayoutType = MemoryLayoutType(capi.MemoryLayoutTiled)

	// MemoryLayoutStrides describes the layout by the number of bytes between consecutive elements of each axis.
	MemoryLayoutStrides MemoryLayoutType = MemoryLayoutType(capi.MemoryLayoutStrides)
)

// MemoryLayout describes how the elements of an array are laid out in memory (PJRT_Buffer_MemoryLayout).
type MemoryLayout struct {
	Type MemoryLayoutType

	// MinorToMajor lists the axes from the fastest varying to the slowest. Used by MemoryLayoutTiled.
	MinorToMajor []int64

	// Tiles are the dimensions of each tile, from the outermost tiling to the innermost. Used by MemoryLayoutTiled.
	Tiles [][]int64

	// ByteStrides has the number of bytes between consecutive elements of each axis. Used by MemoryLayoutStrides.
	ByteStrides []int64
}

// MajorToMinorLayout returns the tiled "row-major" layout for the given rank, the layout Go arrays are assumed to
// have in host memory.
func MajorToMinorLayout(rank int) *MemoryLayout {
	minorToMajor := make([]int64, rank)
	for axis := range rank {
		minorToMajor[axis] = int64(rank - axis - 1)
	}
	return &MemoryLayout{Type: MemoryLayoutTiled, MinorToMajor: minorToMajor}
}

// StridesLayout returns a layout given by the byte strides of each axis.
func StridesLayout(byteStrides ...int64) *MemoryLayout {
	return &MemoryLayout{Type: MemoryLayoutStrides, ByteStrides: slices.Clone(byteStrides)}
}

// Equal returns whether both layouts are the same. A nil layout is only equal to another nil layout.
func (l *MemoryLayout) Equal(other *MemoryLayout) bool {
	if l == nil || other == nil {
		return l == other
	}
	if l.Type != other.Type {
		return false
	}
	if l.Type == MemoryLayoutStrides {
		return slices.Equal(l.ByteStrides, other.ByteStrides)
	}
	return slices.Equal(l.MinorToMajor, other.MinorToMajor) &&
		slices.EqualFunc(l.Tiles, other.Tiles, func(a, b []int64) bool { return slices.Equal(a, b) })
}

// String implements fmt.Stringer.
func (l *MemoryLayout) String() string {
	if l == nil {
		return "default layout"
	}
	if l.Type == MemoryLayoutStrides {
		return fmt.Sprintf("strides%v", l.ByteStrides)
	}
	if len(l.Tiles) == 0 {
		return fmt.Sprintf("minor-to-major%v", l.MinorToMajor)
	}
	return fmt.Sprintf("minor-to-major%v tiles%v", l.MinorToMajor, l.Tiles)
}

// validate checks the layout against the rank of the array.
func (l *MemoryLayout) validate(rank int) error {
	switch l.Type {
	case MemoryLayoutTiled:
		if len(l.MinorToMajor) != rank {
			return errors.Errorf("tiled layout has %d axes in MinorToMajor, but the array has rank %d", len(l.MinorToMajor), rank)
		}
		seen := make([]bool, rank)
		for _, axis := range l.MinorToMajor {
			if axis < 0 || int(axis) >= rank || seen[axis] {
				return errors.Errorf("tiled layout MinorToMajor=%v is not a permutation of the axes", l.MinorToMajor)
			}
			seen[axis] = true
		}
	case MemoryLayoutStrides:
		if len(l.ByteStrides) != rank {
			return errors.Errorf("strides layout has %d strides, but the array has rank %d", len(l.ByteStrides), rank)
		}
	default:
		return errors.Errorf("unknown memory layout type %d", l.Type)
	}
	return nil
}

// byteStridesFor returns the byte strides of each axis for an array with this layout, as required by
// PJRT_Client_BufferFromHostBuffer. Tiled layouts with tiles can't be expressed as strides.
func (l *MemoryLayout) byteStridesFor(dtype dtypes.DType, dimensions []int) ([]int64, error) {
	if err := l.validate(len(dimensions)); err != nil {
		return nil, err
	}
	if l.Type == MemoryLayoutStrides {
		return slices.Clone(l.ByteStrides), nil
	}
	if len(l.Tiles) > 0 {
		return nil, errors.Errorf("tiled host layouts (%s) are not supported for host data", l)
	}
	if dtype.Bits()%8 != 0 {
		return nil, errors.Errorf("host layouts are not supported for sub-byte dtype %s", dtype)
	}
	strides := make([]int64, len(dimensions))
	stride := int64(dtype.Size())
	for _, axis := range l.MinorToMajor {
		strides[axis] = stride
		stride *= int64(dimensions[axis])
	}
	return strides, nil
}

// cMemoryLayout is the C representation of a MemoryLayout, along with the Go storage its pointers refer to.
type cMemoryLayout struct {
	layout       capi.BufferMemoryLayout
	minorToMajor []int64
	tileDims     []int64
	tileDimSizes []uintptr
	byteStrides  []int64
}

// toC converts the layout to its C representation. The returned value must be kept alive while in use.
func (l *MemoryLayout) toC() *cMemoryLayout {
	c := &cMemoryLayout{}
	c.layout.StructSize = capi.StructSizeOf[capi.BufferMemoryLayout]()
	c.layout.Type = capi.MemoryLayoutType(l.Type)
	if l.Type == MemoryLayoutStrides {
		c.byteStrides = slices.Clone(l.ByteStrides)
		strides := c.layout.Strides()
		strides.StructSize = capi.StructSizeOf[capi.BufferMemoryLayoutStrides]()
		strides.ByteStrides = sliceAddr(c.byteStrides)
		strides.NumByteStrides = uintptr(len(c.byteStrides))
		return c
	}
	c.minorToMajor = slices.Clone(l.MinorToMajor)
	for _, tile := range l.Tiles {
		c.tileDims = append(c.tileDims, tile...)
		c.tileDimSizes = append(c.tileDimSizes, uintptr(len(tile)))
	}
	tiled := c.layout.Tiled()
	tiled.StructSize = capi.StructSizeOf[capi.BufferMemoryLayoutTiled]()
	tiled.MinorToMajor = sliceAddr(c.minorToMajor)
	tiled.MinorToMajorSize = uintptr(len(c.minorToMajor))
	tiled.TileDims = sliceAddr(c.tileDims)
	tiled.TileDimSizes = sliceAddr(c.tileDimSizes)
	tiled.NumTiles = uintptr(len(c.tileDimSizes))
	return c
}

// memoryLayoutFromC copies a C layout into a Go MemoryLayout.
func memoryLayoutFromC(cLayout *capi.BufferMemoryLayout) *MemoryLayout {
	l := &MemoryLayout{Type: MemoryLayoutType(cLayout.Type)}
	if l.Type == MemoryLayoutStrides {
		strides := cLayout.Strides()
		l.ByteStrides = cSlice[int64](strides.ByteStrides, strides.NumByteStrides)
		return l
	}
	tiled := cLayout.Tiled()
	l.MinorToMajor = cSlice[int64](tiled.MinorToMajor, tiled.MinorToMajorSize)
	tileDimSizes := cSlice[uintptr](tiled.TileDimSizes, tiled.NumTiles)
	var totalTileDims uintptr
	for _, size := range tileDimSizes {
		totalTileDims += size
	}
	tileDims := cSlice[int64](tiled.TileDims, totalTileDims)
	for _, size := range tileDimSizes {
		l.Tiles = append(l.Tiles, tileDims[:size:size])
		tileDims = tileDims[size:]
	}
	return l
}
