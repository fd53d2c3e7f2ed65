package query

import (
	"testing"

	"github.com/ti-dmm/tilermgr/src/config"
	"github.com/ti-dmm/tilermgr/src/fakedriver"
	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/ktrans"
	"github.com/ti-dmm/tilermgr/src/registry"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
	"github.com/ti-dmm/tilermgr/src/tiler"
)

func newTestPair() (*tiler.Manager, *Query) {
	drv := fakedriver.New()
	t := ktrans.New(drv, "")
	reg := registry.New()
	geo := config.Default()
	return tiler.New(t, reg, geo), New(t, reg, geo)
}

func TestTotalityOnForeignPointers(t *testing.T) {
	_, q := newTestPair()
	for _, p := range []tileraddr.Ptr{tileraddr.Nil, 1, 0xdeadbeef} {
		_ = q.IsMapped(p)
		_ = q.Is1DBlock(p)
		_ = q.Is2DBlock(p)
		_ = q.GetStride(p)
		_ = q.VirtToPhys(p)
	}
	if q.GetStride(tileraddr.Nil) != 0 {
		t.Fatalf("GetStride(nil) = %d, want 0", q.GetStride(tileraddr.Nil))
	}
	if q.GetStride(0xdeadbeef) != config.Default().PageSize {
		t.Fatalf("GetStride on foreign non-null ptr must default to page size")
	}
}

func TestExclusiveKindAfterAlloc(t *testing.T) {
	m, q := newTestPair()
	_, p, err := m.Alloc([]geom.Block{{Format: geom.P16, Width: 176, Height: 144}}, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if !q.Is2DBlock(p) || q.Is1DBlock(p) {
		t.Fatalf("P16 alloc should report Is2DBlock only")
	}
	if !q.IsMapped(p) {
		t.Fatalf("IsMapped should be true for a live ptr")
	}
}

func TestStrideConsistency(t *testing.T) {
	m, q := newTestPair()
	filled, p, err := m.Alloc([]geom.Block{{Format: geom.P16, Width: 176, Height: 144}}, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if q.GetStride(p) != filled[0].Block.Stride {
		t.Fatalf("GetStride = %d, want %d", q.GetStride(p), filled[0].Block.Stride)
	}
	phys := q.VirtToPhys(p)
	if got := q.TilerMem_GetStride(phys); got != config.Default().S16 {
		t.Fatalf("TilerMem_GetStride = %d, want S16 = %d", got, config.Default().S16)
	}
}

func TestVirtToPhysSubBlockOffset(t *testing.T) {
	m, q := newTestPair()
	filled, p, err := m.Alloc([]geom.Block{
		{Format: geom.P8, Width: 640, Height: 480},
		{Format: geom.P16, Width: 320, Height: 240},
	}, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	basePhys := q.VirtToPhys(p)
	subPhys := q.VirtToPhys(filled[1].Ptr)
	if subPhys == basePhys {
		t.Fatalf("second sub-block should resolve to a distinct physical reservation")
	}
}
