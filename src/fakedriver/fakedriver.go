// Package fakedriver implements ktrans.Driver entirely in memory, standing
// in for a real TILER character device in tests: backed by plain Go byte
// slices instead of a file, but obeying the same contract (and the same
// failure modes) as the real driver.
package fakedriver

import (
	"fmt"
	"sync"

	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
)

// Driver is an in-process fake TILER driver. It hands out buffers backed by
// real Go memory so a fill-then-read-back round trip actually exercises
// real bytes, and tracks reservations/container ranges well enough to make
// VirtToPhys and double-free/double-unmap behave like the real thing.
type Driver struct {
	mu      sync.Mutex
	opened  bool
	nextRes uint64
	bufs    map[tileraddr.Ptr]*buffer
	nextPtr uintptr

	// AllocErr, MapErr, while set, make every corresponding call fail
	// (AllocErr covers both AllocTiled and AllocPage);
	// used to exercise KernelError / partial-teardown paths without
	// needing a real misbehaving driver.
	AllocErr error
	MapErr   error
}

type buffer struct {
	data     []byte
	reserved tileraddr.Phys
	stride   int
	isPage   bool
}

// New returns a ready-to-use fake driver.
func New() *Driver {
	return &Driver{
		bufs:    make(map[tileraddr.Ptr]*buffer),
		nextPtr: 0x1000_0000, // arbitrary, page-aligned base
	}
}

func (d *Driver) Open() error  { d.mu.Lock(); defer d.mu.Unlock(); d.opened = true; return nil }
func (d *Driver) Close() error { d.mu.Lock(); defer d.mu.Unlock(); d.opened = false; return nil }

func (d *Driver) ABIVersion() (string, error) { return "1.0.0", nil }

// allocPtr hands out a fresh page-aligned fake address; callers hold d.mu.
func (d *Driver) allocPtr(length int) tileraddr.Ptr {
	const pageSize = 4096
	p := tileraddr.Ptr(d.nextPtr)
	advance := ((length + pageSize - 1) / pageSize) * pageSize
	if advance == 0 {
		advance = pageSize
	}
	d.nextPtr += uintptr(advance)
	return p
}

func (d *Driver) AllocTiled(blocks []geom.Block, secZone int16) (tileraddr.Ptr, []int, []tileraddr.Phys, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AllocErr != nil {
		return tileraddr.Nil, nil, nil, d.AllocErr
	}
	strides := make([]int, len(blocks))
	reserved := make([]tileraddr.Phys, len(blocks))
	var base tileraddr.Ptr
	cur := tileraddr.Nil
	for i, b := range blocks {
		stride := b.Stride
		if stride == 0 {
			stride = geom.Roundup(b.Width*geom.Bpp(b.Format), 4096)
		}
		size := stride * b.Height
		buf := &buffer{data: make([]byte, size), stride: stride}
		d.nextRes++
		buf.reserved = tileraddr.Phys(d.nextRes)

		var ptr tileraddr.Ptr
		if i == 0 {
			ptr = d.allocPtr(size)
			base = ptr
		} else {
			ptr = cur
		}
		d.bufs[ptr] = buf
		strides[i] = stride
		reserved[i] = buf.reserved
		cur = ptr.Add(size)
	}
	// Reserve the whole group's range, not just block 0's, so a later
	// allocation never lands on a sub-block of this one.
	if end := uintptr(cur); end > d.nextPtr {
		d.nextPtr = uintptr(geom.Roundup(int(end), 4096))
	}
	return base, strides, reserved, nil
}

func (d *Driver) AllocPage(length int, secZone int16) (tileraddr.Ptr, tileraddr.Phys, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AllocErr != nil {
		return tileraddr.Nil, tileraddr.PhysNil, d.AllocErr
	}
	ptr := d.allocPtr(length)
	d.nextRes++
	buf := &buffer{data: make([]byte, length), stride: 4096, isPage: true, reserved: tileraddr.Phys(d.nextRes)}
	d.bufs[ptr] = buf
	return ptr, buf.reserved, nil
}

func (d *Driver) MapPage(physPages []uintptr, length int) (tileraddr.Ptr, tileraddr.Phys, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MapErr != nil {
		return tileraddr.Nil, tileraddr.PhysNil, d.MapErr
	}
	ptr := d.allocPtr(length)
	d.nextRes++
	buf := &buffer{data: make([]byte, length), stride: 4096, isPage: true, reserved: tileraddr.Phys(d.nextRes)}
	d.bufs[ptr] = buf
	return ptr, buf.reserved, nil
}

func (d *Driver) Free(ptr tileraddr.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.bufs[ptr]; !ok {
		return fmt.Errorf("fakedriver: free of unknown ptr %#x", uintptr(ptr))
	}
	delete(d.bufs, ptr)
	return nil
}

func (d *Driver) Unmap(ptr tileraddr.Ptr) error {
	return d.Free(ptr)
}

func (d *Driver) VirtToPhys(ptr tileraddr.Ptr) tileraddr.Phys {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.bufs[ptr]; ok {
		return buf.reserved
	}
	return tileraddr.PhysNil
}

// CopyBytes implements ktrans.Copier: fake pointers are synthetic counters,
// not real addresses, so Transport.CopyBytes delegates here instead of
// dereferencing them directly.
func (d *Driver) CopyBytes(dst, src tileraddr.Ptr, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.bufs[src]
	if !ok {
		return
	}
	dd, ok := d.bufs[dst]
	if !ok {
		return
	}
	if n > len(s.data) {
		n = len(s.data)
	}
	if n > len(dd.data) {
		n = len(dd.data)
	}
	copy(dd.data, s.data[:n])
}

// Bytes exposes the backing storage for ptr so tests can fill/read-back
// real data without going through unsafe pointer tricks. Only meaningful
// against *this* fake driver; the real unixDriver backs Ptr with an actual
// mmap'd region instead.
func (d *Driver) Bytes(ptr tileraddr.Ptr) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.bufs[ptr]
	if !ok {
		return nil, false
	}
	return buf.data, true
}
