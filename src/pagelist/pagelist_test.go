package pagelist

import "testing"

func TestContiguousCollect(t *testing.T) {
	const pageSize = 4096
	const pages = 4
	c := NewContiguous(0x10000, pages*pageSize, pageSize, nil)
	got := Collect(c)
	if len(got) != pages {
		t.Fatalf("Collect returned %d pages, want %d", len(got), pages)
	}
	for i, addr := range got {
		want := uintptr(0x10000 + i*pageSize)
		if addr != want {
			t.Errorf("page %d addr = %#x, want %#x", i, addr, want)
		}
	}
}

func TestContiguousPhysOf(t *testing.T) {
	c := NewContiguous(0x10000, 4096, 4096, func(v uintptr) uintptr { return v + 0x1000_0000 })
	got := Collect(c)
	if len(got) != 1 || got[0] != 0x10000+0x1000_0000 {
		t.Fatalf("physOf translation not applied: %v", got)
	}
}

func TestContiguousEmpty(t *testing.T) {
	c := NewContiguous(0x10000, 0, 4096, nil)
	if got := Collect(c); len(got) != 0 {
		t.Fatalf("expected no pages for zero length, got %v", got)
	}
}
