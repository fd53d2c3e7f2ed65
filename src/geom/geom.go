// Package geom implements the geometry library: pure functions for
// bytes-per-pixel, stride rounding, container-view stride constants, and
// pixel-format/parameter validation. Nothing here blocks or touches the
// kernel; page-size arithmetic and rounding stay free of any device or
// registry dependency.
package geom

import (
	"github.com/ti-dmm/tilermgr/src/config"
	"github.com/ti-dmm/tilermgr/src/tilererr"
)

// PixelFormat selects the TILER view a buffer is accessed through.
type PixelFormat int

const (
	// PAGE selects the page-mode (1D linear) view.
	PAGE PixelFormat = iota
	// P8 selects the 8-bit tiled view.
	P8
	// P16 selects the 16-bit tiled view.
	P16
	// P32 selects the 32-bit tiled view.
	P32
)

func (f PixelFormat) String() string {
	switch f {
	case PAGE:
		return "PAGE"
	case P8:
		return "P8"
	case P16:
		return "P16"
	case P32:
		return "P32"
	default:
		return "invalid"
	}
}

func (f PixelFormat) valid() bool {
	return f >= PAGE && f <= P32
}

// Tiled reports whether f selects one of the bit-size-aware 2D views.
func (f PixelFormat) Tiled() bool {
	return f == P8 || f == P16 || f == P32
}

// Bpp returns the bytes-per-pixel for f; PAGE has no pixel size.
func Bpp(f PixelFormat) int {
	switch f {
	case P8:
		return 1
	case P16:
		return 2
	case P32:
		return 4
	default:
		return 0
	}
}

// Roundup aligns v up to the nearest multiple of b (0 stays 0).
func Roundup(v, b int) int {
	if b <= 0 {
		panic("geom: Roundup with non-positive alignment")
	}
	return ((v + b - 1) / b) * b
}

// DefStride computes the implicit stride for a client that supplied
// stride = 0: the smallest page multiple at least as large as widthBytes.
func DefStride(widthBytes int, g config.Geometry) int {
	return Roundup(widthBytes, g.PageSize)
}

// ViewStride returns the container-view stride constant for f: S8/S16/S32
// for the tiled views, page size for PAGE.
func ViewStride(f PixelFormat, g config.Geometry) int {
	switch f {
	case P8:
		return g.S8
	case P16:
		return g.S16
	case P32:
		return g.S32
	default:
		return g.PageSize
	}
}

// Block is the geometry half of a MemBlock request/response record. Ptr
// and Reserved are filled in by the allocator/mapper; geom only reasons
// about the rest.
type Block struct {
	Format PixelFormat

	// PAGE-only.
	Length int

	// Tiled-only.
	Width  int
	Height int

	// Common. Zero means "compute it for me" and is filled by Canonicalize.
	Stride int
}

// Validate checks b against the geometry rules and returns a *tilererr.Err
// tagged CodeValidation on the first violation found.
func Validate(b Block, g config.Geometry) error {
	const op = "Validate"
	if !b.Format.valid() {
		return tilererr.New(tilererr.CodeValidation, op, "pixel format out of range")
	}
	if b.Format == PAGE {
		if b.Length <= 0 {
			return tilererr.New(tilererr.CodeValidation, op, "PAGE length must be > 0")
		}
		if b.Stride != 0 && (b.Stride <= 0 || b.Stride%g.PageSize != 0) {
			return tilererr.New(tilererr.CodeValidation, op, "PAGE stride must be a positive multiple of page size")
		}
		return nil
	}
	if b.Width <= 0 || b.Height <= 0 {
		return tilererr.New(tilererr.CodeValidation, op, "tiled width/height must be > 0")
	}
	if b.Stride != 0 {
		need := b.Width * Bpp(b.Format)
		if b.Stride < need {
			return tilererr.New(tilererr.CodeValidation, op, "tiled stride smaller than width*bpp")
		}
		if b.Stride%g.PageSize != 0 {
			return tilererr.New(tilererr.CodeValidation, op, "tiled stride not a multiple of page size")
		}
	}
	return nil
}

// Canonicalize fills a zero stride with its implicit value: DefStride for
// tiled formats, page size for PAGE. Callers must have already validated b.
func Canonicalize(b Block, g config.Geometry) Block {
	if b.Stride != 0 {
		return b
	}
	out := b
	if b.Format == PAGE {
		out.Stride = g.PageSize
		return out
	}
	out.Stride = DefStride(b.Width*Bpp(b.Format), g)
	return out
}
