// Package ktrans is the kernel transport: the thin request/reply layer to
// the TILER driver. It hides the device handle, serializes requests with a
// single mutex (total ordering of kernel RPCs), and translates the
// driver's replies into the Go-native (Ptr, Phys, error) shapes the rest of
// the module uses.
//
// The Driver interface below is a narrow, swappable contract between a
// concrete device and the rest of the core, with the real implementation
// in driver_linux.go and a fake one in src/fakedriver for tests.
package ktrans

import (
	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
)

// Driver is the narrow contract to the TILER kernel driver: four RPCs plus
// a version probe. Every method is expected to either complete or fail
// terminally — the core does not retry or time out.
type Driver interface {
	// Open acquires the device channel. Called at most once before first
	// use; subsequent calls after Close must reopen cleanly.
	Open() error
	// Close releases the device channel.
	Close() error

	// AllocTiled services a single- or multi-block composite 2D
	// allocation. For N==1 it is a plain k_alloc_2d; for N>1 the kernel
	// returns one base ptr plus one stride and reservation per block,
	// with block i's ptr computed by the caller as
	// block[i-1].ptr + block[i-1].stride*block[i-1].height.
	AllocTiled(blocks []geom.Block, secZone int16) (base tileraddr.Ptr, strides []int, reserved []tileraddr.Phys, err error)

	// AllocPage services k_alloc_1d.
	AllocPage(length int, secZone int16) (ptr tileraddr.Ptr, reserved tileraddr.Phys, err error)

	// MapPage services k_map_1d: binds an externally supplied physical
	// page list into a new tiler-container mapping.
	MapPage(physPages []uintptr, length int) (ptr tileraddr.Ptr, reserved tileraddr.Phys, err error)

	// Free services k_free for an ALLOC_1D/ALLOC_2D sub-block.
	Free(ptr tileraddr.Ptr) error
	// Unmap services k_unmap for a MAP_1D buffer.
	Unmap(ptr tileraddr.Ptr) error

	// VirtToPhys is the host's best-effort virtual-to-physical lookup for
	// a pointer the core doesn't itself track. Returning tileraddr.PhysNil
	// is a defined, non-error answer.
	VirtToPhys(ptr tileraddr.Ptr) tileraddr.Phys

	// ABIVersion reports the driver's protocol version string, checked at
	// Open against the semver constraint the module ships with.
	ABIVersion() (string, error)
}
