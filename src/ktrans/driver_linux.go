//go:build linux

package ktrans

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
)

// Standard Linux ioctl command encoding (see
// include/uapi/asm-generic/ioctl.h); golang.org/x/sys/unix exposes the
// syscall numbers but, like most custom char-device clients, this package
// builds its own command words the way the kernel's _IOW/_IOR/_IOWR macros
// do.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func iowr(typ, nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, typ, nr, size) }
func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }

// tilerMagic is this driver's ioctl type byte ('T'), matching the
// magic-number convention the kernel documents for out-of-tree char devices.
const tilerMagic = uintptr('T')

// wireBlock is the fixed descriptor the driver expects per sub-block:
// PixelFormat/width/height/stride for tiled, length/stride for PAGE, plus
// the ptr/reserved output fields.
type wireBlock struct {
	PixelFormat uint32
	Width       uint32
	Height      uint32
	Length      uint64
	Stride      uint64
	SecZone     int16
	_           [6]byte // pad to 8-byte alignment
	Ptr         uint64
	Reserved    uint64
}

// wireAllocReq is the ioctl(2) argument for a (possibly multi-block)
// allocation; Count blocks are laid out contiguously starting at Blocks[0].
type wireAllocReq struct {
	Count  uint32
	_      [4]byte
	Blocks [8]wireBlock // spec's multi-block groups are small (NV12 == 2)
}

// wireMapReq is the ioctl(2) argument for k_map_1d: PageCount physical page
// addresses, out-of-line behind Pages (a pointer the kernel copies from,
// the same indirection wireAllocReq avoids only because its Blocks array is
// small and fixed-size), plus the Ptr/Reserved output fields.
type wireMapReq struct {
	Length    uint64
	PageCount uint32
	_         [4]byte
	Pages     uint64 // *uint64 to a PageCount-length array of physical addresses
	Ptr       uint64
	Reserved  uint64
}

var (
	cmdAllocTiled = iowr(tilerMagic, 1, unsafe.Sizeof(wireAllocReq{}))
	cmdAllocPage  = iowr(tilerMagic, 2, unsafe.Sizeof(wireBlock{}))
	cmdMapPage    = iowr(tilerMagic, 3, unsafe.Sizeof(wireMapReq{}))
	cmdFree       = iowr(tilerMagic, 4, unsafe.Sizeof(uint64(0)))
	cmdUnmap      = iowr(tilerMagic, 5, unsafe.Sizeof(uint64(0)))
	cmdVirtToPhys = iowr(tilerMagic, 6, unsafe.Sizeof(uint64(0)))
	cmdVersion    = ior(tilerMagic, 7, 64)
)

// unixDriver implements Driver against a real /dev/tiler character device
// using ioctl(2) and mmap(2), the real-hardware counterpart to fakedriver's
// in-memory stand-in.
type unixDriver struct {
	path string

	mu  sync.Mutex
	fd  int
	len map[tileraddr.Ptr]int // mapping length, needed to munmap on Free/Unmap
}

// NewLinuxDriver returns a Driver backed by the TILER character device at
// path (conventionally "/dev/tiler").
func NewLinuxDriver(path string) Driver {
	return &unixDriver{path: path, fd: -1, len: make(map[tileraddr.Ptr]int)}
}

func (d *unixDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd >= 0 {
		return nil
	}
	fd, err := unix.Open(d.path, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}
	d.fd = fd
	return nil
}

func (d *unixDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *unixDriver) ioctl(cmd uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), cmd, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func toWire(b geom.Block) wireBlock {
	return wireBlock{
		PixelFormat: uint32(b.Format),
		Width:       uint32(b.Width),
		Height:      uint32(b.Height),
		Length:      uint64(b.Length),
		Stride:      uint64(b.Stride),
	}
}

// mmapOffset maps the container offset the ioctl returned in wb.Ptr, the way
// the real driver's mmap file op turns a granted reservation into a
// CPU-visible mapping.
func (d *unixDriver) mmapOffset(offset uint64, length int) (tileraddr.Ptr, error) {
	data, err := unix.Mmap(d.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return tileraddr.Nil, fmt.Errorf("mmap offset %#x len %d: %w", offset, length, err)
	}
	ptr := tileraddr.Ptr(uintptr(unsafe.Pointer(&data[0])))
	d.mu.Lock()
	d.len[ptr] = length
	d.mu.Unlock()
	return ptr, nil
}

func (d *unixDriver) munmap(ptr tileraddr.Ptr) error {
	d.mu.Lock()
	length, ok := d.len[ptr]
	delete(d.len, ptr)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	var sl []byte
	hdr := (*[1 << 30]byte)(unsafe.Pointer(uintptr(ptr)))
	sl = hdr[:length:length]
	return unix.Munmap(sl)
}

func (d *unixDriver) AllocTiled(blocks []geom.Block, secZone int16) (tileraddr.Ptr, []int, []tileraddr.Phys, error) {
	if len(blocks) == 0 || len(blocks) > len(wireAllocReq{}.Blocks) {
		return tileraddr.Nil, nil, nil, fmt.Errorf("AllocTiled: unsupported block count %d", len(blocks))
	}
	var req wireAllocReq
	req.Count = uint32(len(blocks))
	for i, b := range blocks {
		wb := toWire(b)
		wb.SecZone = secZone
		req.Blocks[i] = wb
	}
	if err := d.ioctl(cmdAllocTiled, unsafe.Pointer(&req)); err != nil {
		return tileraddr.Nil, nil, nil, err
	}
	strides := make([]int, len(blocks))
	reserved := make([]tileraddr.Phys, len(blocks))
	for i := range blocks {
		strides[i] = int(req.Blocks[i].Stride)
		reserved[i] = tileraddr.Phys(req.Blocks[i].Reserved)
	}
	// Map the whole group: sub-blocks follow block 0 contiguously.
	total := 0
	for i := range blocks {
		total += strides[i] * blocks[i].Height
	}
	base, err := d.mmapOffset(req.Blocks[0].Ptr, total)
	if err != nil {
		return tileraddr.Nil, nil, nil, err
	}
	return base, strides, reserved, nil
}

func (d *unixDriver) AllocPage(length int, secZone int16) (tileraddr.Ptr, tileraddr.Phys, error) {
	wb := wireBlock{Length: uint64(length), SecZone: secZone}
	if err := d.ioctl(cmdAllocPage, unsafe.Pointer(&wb)); err != nil {
		return tileraddr.Nil, tileraddr.PhysNil, err
	}
	ptr, err := d.mmapOffset(wb.Ptr, length)
	if err != nil {
		return tileraddr.Nil, tileraddr.PhysNil, err
	}
	return ptr, tileraddr.Phys(wb.Reserved), nil
}

func (d *unixDriver) MapPage(physPages []uintptr, length int) (tileraddr.Ptr, tileraddr.Phys, error) {
	if len(physPages) == 0 {
		return tileraddr.Nil, tileraddr.PhysNil, fmt.Errorf("MapPage: empty page list")
	}
	pages := make([]uint64, len(physPages))
	for i, p := range physPages {
		pages[i] = uint64(p)
	}
	req := wireMapReq{
		Length:    uint64(length),
		PageCount: uint32(len(pages)),
		Pages:     uint64(uintptr(unsafe.Pointer(&pages[0]))),
	}
	err := d.ioctl(cmdMapPage, unsafe.Pointer(&req))
	runtime.KeepAlive(pages)
	if err != nil {
		return tileraddr.Nil, tileraddr.PhysNil, err
	}
	ptr, err := d.mmapOffset(req.Ptr, length)
	if err != nil {
		return tileraddr.Nil, tileraddr.PhysNil, err
	}
	return ptr, tileraddr.Phys(req.Reserved), nil
}

func (d *unixDriver) Free(ptr tileraddr.Ptr) error {
	arg := uint64(ptr)
	if err := d.ioctl(cmdFree, unsafe.Pointer(&arg)); err != nil {
		return err
	}
	return d.munmap(ptr)
}

func (d *unixDriver) Unmap(ptr tileraddr.Ptr) error {
	arg := uint64(ptr)
	if err := d.ioctl(cmdUnmap, unsafe.Pointer(&arg)); err != nil {
		return err
	}
	return d.munmap(ptr)
}

func (d *unixDriver) VirtToPhys(ptr tileraddr.Ptr) tileraddr.Phys {
	arg := uint64(ptr)
	if err := d.ioctl(cmdVirtToPhys, unsafe.Pointer(&arg)); err != nil {
		return tileraddr.PhysNil
	}
	return tileraddr.Phys(arg)
}

func (d *unixDriver) ABIVersion() (string, error) {
	buf := make([]byte, 64)
	if err := d.ioctl(cmdVersion, unsafe.Pointer(&buf[0])); err != nil {
		return "", err
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), nil
}
