package tiler

import (
	"testing"

	"github.com/ti-dmm/tilermgr/src/config"
	"github.com/ti-dmm/tilermgr/src/fakedriver"
	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/ktrans"
	"github.com/ti-dmm/tilermgr/src/pagelist"
	"github.com/ti-dmm/tilermgr/src/registry"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
)

func newTestManager() (*Manager, *registry.Registry, *fakedriver.Driver) {
	drv := fakedriver.New()
	t := ktrans.New(drv, "")
	reg := registry.New()
	return New(t, reg, config.Default()), reg, drv
}

func TestAllocPage(t *testing.T) {
	m, reg, _ := newTestManager()
	filled, ptr, err := m.Alloc([]geom.Block{{Format: geom.PAGE, Length: 4096}}, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if filled[0].Block.Stride != 4096 {
		t.Fatalf("stride = %d, want 4096", filled[0].Block.Stride)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry has %d records, want 1", reg.Len())
	}
	if err := m.Free(ptr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry not empty after Free")
	}
}

func TestAllocMultiBlockNV12(t *testing.T) {
	m, reg, _ := newTestManager()
	filled, p, err := m.Alloc([]geom.Block{
		{Format: geom.P8, Width: 640, Height: 480},
		{Format: geom.P16, Width: 320, Height: 240},
	}, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	want := p.Add(filled[0].Block.Stride * 480)
	if filled[1].Ptr != want {
		t.Fatalf("block1.ptr = %#x, want %#x", uintptr(filled[1].Ptr), uintptr(want))
	}
	if err := m.Free(filled[1].Ptr); err == nil {
		t.Fatalf("Free on sub-block ptr unexpectedly succeeded")
	}
	if err := m.Free(p); err != nil {
		t.Fatalf("Free group head: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry not empty after group Free")
	}
}

func TestFreeRejectsUnknownAndWrongKind(t *testing.T) {
	m, _, _ := newTestManager()
	if err := m.Free(tileraddr.Nil); err == nil {
		t.Fatalf("Free(nil) unexpectedly succeeded")
	}
	if err := m.Free(0xdeadbeef); err == nil {
		t.Fatalf("Free on unknown ptr unexpectedly succeeded")
	}

	clientDrv := fakedriver.New()
	clientBuf, _, _ := clientDrv.AllocPage(4096, 0)
	it := pagelist.NewContiguous(uintptr(clientBuf), 4096, 4096, nil)
	q, err := m.Map(clientBuf, 4096, it)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Free(q); err == nil {
		t.Fatalf("Free on a MAP_1D ptr unexpectedly succeeded")
	}
	if err := m.UnMap(q); err != nil {
		t.Fatalf("UnMap: %v", err)
	}
}

func TestMapValidation(t *testing.T) {
	m, _, _ := newTestManager()
	it := pagelist.NewContiguous(0x1001, 4096, 4096, nil)
	if _, err := m.Map(0x1001, 4096, it); err == nil {
		t.Fatalf("Map accepted a non-page-aligned client ptr")
	}
	if _, err := m.Map(0x1000, 100, it); err == nil {
		t.Fatalf("Map accepted a length that isn't a page multiple")
	}
}

func TestReallocPreservesContent(t *testing.T) {
	m, reg, drv := newTestManager()
	_, ptr, err := m.Alloc([]geom.Block{{Format: geom.P8, Width: 64, Height: 64}}, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	data, ok := drv.Bytes(ptr)
	if !ok {
		t.Fatalf("no backing storage for ptr")
	}
	for i := range data {
		data[i] = byte(i)
	}

	newPtr, err := m.Realloc(ptr, 128, 128)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if newPtr == ptr {
		t.Fatalf("Realloc returned the same ptr")
	}
	if _, ok := reg.Lookup(ptr); ok {
		t.Fatalf("old ptr still registered after Realloc")
	}
	newData, ok := drv.Bytes(newPtr)
	if !ok {
		t.Fatalf("no backing storage for new ptr")
	}
	for i := 0; i < len(data) && i < len(newData); i++ {
		if newData[i] != data[i] {
			t.Fatalf("Realloc lost content at offset %d: got %d, want %d", i, newData[i], data[i])
		}
	}
}

func TestReallocOnWrongKindFails(t *testing.T) {
	m, _, _ := newTestManager()
	_, ptr, _ := m.Alloc([]geom.Block{{Format: geom.PAGE, Length: 4096}}, 0)
	if _, err := m.Realloc(ptr, 64, 64); err == nil {
		t.Fatalf("Realloc on an ALLOC_1D ptr unexpectedly succeeded")
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	m, _, _ := newTestManager()
	_, ptr, _ := m.Alloc([]geom.Block{{Format: geom.PAGE, Length: 4096}}, 0)
	if err := m.Free(ptr); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := m.Free(ptr); err == nil {
		t.Fatalf("second Free unexpectedly succeeded")
	}
}
