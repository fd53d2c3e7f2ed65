package ktrans

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/Masterminds/semver/v3"

	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
	"github.com/ti-dmm/tilermgr/src/tilererr"
)

// Copier is an optional capability a Driver implements when its Ptr values
// are not real, directly dereferenceable addresses — fakedriver's synthetic
// identifiers, for instance — so Transport.CopyBytes has a safe way to move
// bytes for Realloc/ReallocPage's content-preservation step instead of
// assuming every Ptr is a live mmap'd address.
type Copier interface {
	CopyBytes(dst, src tileraddr.Ptr, n int)
}

// SupportedABI is the range of driver ABI versions this transport knows how
// to drive. Checked once at Open; see SPEC_FULL's note on wiring semver in
// the same spot SeleniaProject-Orizon's package registry uses it to gate
// incompatible fetches before doing any real work.
var SupportedABI = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic("ktrans: bad built-in ABI constraint: " + err.Error())
	}
	return c
}

// Transport wraps a Driver and, via its embedded sync.Mutex, *is* the single
// global lock every public operation serializes on: validation, kernel RPC,
// and registry update all happen under one hold. Callers (tiler.Manager,
// query.Query) hold Transport.Lock for the whole span of a public
// operation; the RPC methods below assume the lock is already held and do
// not take it themselves, so that the kernel call and the registry insert
// that follows it are one atomic section rather than two separately-locked
// ones. Promoting the embedded mutex's Lock/Unlock lets the allocator and
// the registry share the exact same lock instance instead of coordinating
// two.
type Transport struct {
	sync.Mutex
	drv    Driver
	opened bool
	watch  *deviceWatcher
}

// New wraps drv. devicePath, if non-empty, is watched via fsnotify so that a
// hot-unplugged/re-created device node invalidates the cached open state
// instead of leaving future RPCs wedged against a stale handle — the same
// watcher-invalidates-a-cached-handle shape
// internal/runtime/vfs/watch_fsnotify.go uses for its VFS layer. Pass "" to
// disable watching (the fake driver used in tests has no device node).
func New(drv Driver, devicePath string) *Transport {
	t := &Transport{drv: drv}
	if devicePath != "" {
		if w, err := newDeviceWatcher(devicePath, t.invalidate); err == nil {
			t.watch = w
		}
	}
	return t
}

// Close releases the device channel and stops watching the device node. It
// is its own top-level operation and locks for its own duration rather than
// relying on a caller to hold the lock first.
func (t *Transport) Close() error {
	t.Lock()
	defer t.Unlock()
	if t.watch != nil {
		t.watch.close()
	}
	if !t.opened {
		return nil
	}
	t.opened = false
	return t.drv.Close()
}

// invalidate runs on the fsnotify watcher goroutine, independently of any
// client call, so it locks for itself.
func (t *Transport) invalidate() {
	t.Lock()
	defer t.Unlock()
	if t.opened {
		_ = t.drv.Close()
		t.opened = false
	}
}

// EnsureOpen lazily opens the device channel and checks its ABI version.
// Callers must already hold t.Lock.
func (t *Transport) EnsureOpen() error {
	if t.opened {
		return nil
	}
	if err := t.drv.Open(); err != nil {
		return tilererr.Wrap(tilererr.CodeKernel, "Open", "driver refused to open", err)
	}
	ver, err := t.drv.ABIVersion()
	if err != nil {
		_ = t.drv.Close()
		return tilererr.Wrap(tilererr.CodeKernel, "Open", "could not read driver ABI version", err)
	}
	v, err := semver.NewVersion(ver)
	if err != nil {
		_ = t.drv.Close()
		return tilererr.Wrap(tilererr.CodeKernel, "Open", fmt.Sprintf("unparseable driver ABI version %q", ver), err)
	}
	if !SupportedABI.Check(v) {
		_ = t.drv.Close()
		return tilererr.New(tilererr.CodeKernel, "Open", fmt.Sprintf("driver ABI %s not in supported range %s", ver, SupportedABI))
	}
	t.opened = true
	return nil
}

// AllocTiled opens the channel lazily and dispatches a single- or
// multi-block composite 2D allocation. Caller must hold t.Lock.
func (t *Transport) AllocTiled(blocks []geom.Block, secZone int16) (tileraddr.Ptr, []int, []tileraddr.Phys, error) {
	if err := t.EnsureOpen(); err != nil {
		return tileraddr.Nil, nil, nil, err
	}
	base, strides, reserved, err := t.drv.AllocTiled(blocks, secZone)
	if err != nil {
		return tileraddr.Nil, nil, nil, tilererr.Wrap(tilererr.CodeKernel, "AllocTiled", "driver refused allocation", err)
	}
	return base, strides, reserved, nil
}

// AllocPage dispatches a 1D page allocation. Caller must hold t.Lock.
func (t *Transport) AllocPage(length int, secZone int16) (tileraddr.Ptr, tileraddr.Phys, error) {
	if err := t.EnsureOpen(); err != nil {
		return tileraddr.Nil, tileraddr.PhysNil, err
	}
	ptr, reserved, err := t.drv.AllocPage(length, secZone)
	if err != nil {
		return tileraddr.Nil, tileraddr.PhysNil, tilererr.Wrap(tilererr.CodeKernel, "AllocPage", "driver refused allocation", err)
	}
	return ptr, reserved, nil
}

// MapPage dispatches binding an externally supplied page list. Caller must
// hold t.Lock.
func (t *Transport) MapPage(physPages []uintptr, length int) (tileraddr.Ptr, tileraddr.Phys, error) {
	if err := t.EnsureOpen(); err != nil {
		return tileraddr.Nil, tileraddr.PhysNil, err
	}
	ptr, reserved, err := t.drv.MapPage(physPages, length)
	if err != nil {
		return tileraddr.Nil, tileraddr.PhysNil, tilererr.Wrap(tilererr.CodeKernel, "MapPage", "driver refused map", err)
	}
	return ptr, reserved, nil
}

// Free dispatches releasing an allocated sub-block. Caller must hold t.Lock.
func (t *Transport) Free(ptr tileraddr.Ptr) error {
	if err := t.EnsureOpen(); err != nil {
		return err
	}
	if err := t.drv.Free(ptr); err != nil {
		return tilererr.Wrap(tilererr.CodeKernel, "Free", "driver refused free", err)
	}
	return nil
}

// Unmap dispatches releasing a mapped buffer. Caller must hold t.Lock.
func (t *Transport) Unmap(ptr tileraddr.Ptr) error {
	if err := t.EnsureOpen(); err != nil {
		return err
	}
	if err := t.drv.Unmap(ptr); err != nil {
		return tilererr.Wrap(tilererr.CodeKernel, "Unmap", "driver refused unmap", err)
	}
	return nil
}

// VirtToPhys delegates to the driver's best-effort lookup. Unlike the other
// RPCs this never fails: an unopened or uncooperative driver just answers
// tileraddr.PhysNil. Caller must hold t.Lock.
func (t *Transport) VirtToPhys(ptr tileraddr.Ptr) tileraddr.Phys {
	if err := t.EnsureOpen(); err != nil {
		return tileraddr.PhysNil
	}
	return t.drv.VirtToPhys(ptr)
}

// CopyBytes copies n bytes from src to dst for Realloc/ReallocPage's
// content-preservation step. Caller must hold t.Lock. If the driver
// implements Copier that implementation is used (fakedriver does, since its
// Ptr values are synthetic); otherwise Ptr is assumed to be a real mapped
// virtual address, true of the Linux ioctl+mmap driver, and the copy is
// done directly.
func (t *Transport) CopyBytes(dst, src tileraddr.Ptr, n int) {
	if n <= 0 {
		return
	}
	if c, ok := t.drv.(Copier); ok {
		c.CopyBytes(dst, src, n)
		return
	}
	s := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(src))), n)
	d := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dst))), n)
	copy(d, s)
}
