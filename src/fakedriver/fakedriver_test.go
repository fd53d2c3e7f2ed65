package fakedriver

import (
	"testing"

	"github.com/ti-dmm/tilermgr/src/geom"
)

func TestAllocPageBytesRoundTrip(t *testing.T) {
	d := New()
	if err := d.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ptr, _, err := d.AllocPage(4096, 0)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	data, ok := d.Bytes(ptr)
	if !ok || len(data) != 4096 {
		t.Fatalf("Bytes returned ok=%v len=%d, want true/4096", ok, len(data))
	}
	data[0] = 0x42
	if again, _ := d.Bytes(ptr); again[0] != 0x42 {
		t.Fatalf("Bytes did not return a live view of the backing storage")
	}
	if err := d.Free(ptr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, ok := d.Bytes(ptr); ok {
		t.Fatalf("Bytes still resolves a freed ptr")
	}
}

func TestCopyBytes(t *testing.T) {
	d := New()
	src, _, _ := d.AllocPage(4096, 0)
	dst, _, _ := d.AllocPage(4096, 0)
	s, _ := d.Bytes(src)
	for i := range s {
		s[i] = byte(i)
	}
	d.CopyBytes(dst, src, 4096)
	dd, _ := d.Bytes(dst)
	for i := 0; i < 4096; i++ {
		if dd[i] != byte(i) {
			t.Fatalf("CopyBytes mismatch at offset %d", i)
		}
	}
}

func TestAllocTiledDistinctReservations(t *testing.T) {
	d := New()
	base, strides, reserved, err := d.AllocTiled([]geom.Block{
		{Format: geom.P8, Width: 64, Height: 64, Stride: 4096},
		{Format: geom.P16, Width: 32, Height: 32, Stride: 4096},
	}, 0)
	if err != nil {
		t.Fatalf("AllocTiled: %v", err)
	}
	if base == 0 {
		t.Fatalf("AllocTiled returned nil base")
	}
	if reserved[0] == reserved[1] {
		t.Fatalf("sub-blocks must get distinct reservations")
	}
	if strides[0] != 4096 || strides[1] != 4096 {
		t.Fatalf("unexpected strides: %v", strides)
	}
}

func TestAllocErrInjection(t *testing.T) {
	d := New()
	d.AllocErr = errPlaceholder
	if _, _, err := d.AllocPage(4096, 0); err != errPlaceholder {
		t.Fatalf("AllocErr was not surfaced")
	}
}

var errPlaceholder = &fakeErr{"injected failure"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }
