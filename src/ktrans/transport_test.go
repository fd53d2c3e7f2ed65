package ktrans

import (
	"testing"

	"github.com/ti-dmm/tilermgr/src/fakedriver"
	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
)

func TestAllocPageRoundTrip(t *testing.T) {
	tr := New(fakedriver.New(), "")
	tr.Lock()
	defer tr.Unlock()

	ptr, reserved, err := tr.AllocPage(4096, 0)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if ptr == tileraddr.Nil {
		t.Fatalf("AllocPage returned nil ptr")
	}
	if reserved == tileraddr.PhysNil {
		t.Fatalf("AllocPage returned nil reservation")
	}
	if err := tr.Free(ptr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := tr.Free(ptr); err == nil {
		t.Fatalf("second Free unexpectedly succeeded")
	}
}

func TestAllocTiledMultiBlock(t *testing.T) {
	tr := New(fakedriver.New(), "")
	tr.Lock()
	defer tr.Unlock()

	blocks := []geom.Block{
		{Format: geom.P8, Width: 64, Height: 64, Stride: 4096},
		{Format: geom.P16, Width: 32, Height: 32, Stride: 4096},
	}
	base, strides, reserved, err := tr.AllocTiled(blocks, 0)
	if err != nil {
		t.Fatalf("AllocTiled: %v", err)
	}
	if len(strides) != 2 || len(reserved) != 2 {
		t.Fatalf("expected per-block strides/reservations, got %d/%d", len(strides), len(reserved))
	}
	if base == tileraddr.Nil {
		t.Fatalf("AllocTiled returned nil base ptr")
	}
	if reserved[0] == reserved[1] {
		t.Fatalf("sub-blocks must not share a reservation")
	}
}

func TestABIVersionGate(t *testing.T) {
	drv := &incompatibleDriver{fakedriver.New()}
	tr := New(drv, "")
	tr.Lock()
	defer tr.Unlock()
	if err := tr.EnsureOpen(); err == nil {
		t.Fatalf("EnsureOpen should reject an incompatible driver ABI")
	}
}

type incompatibleDriver struct {
	*fakedriver.Driver
}

func (d *incompatibleDriver) ABIVersion() (string, error) { return "9.9.9", nil }
