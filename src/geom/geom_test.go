package geom

import (
	"testing"

	"github.com/ti-dmm/tilermgr/src/config"
)

func TestValidatePage(t *testing.T) {
	g := config.Default()
	if err := Validate(Block{Format: PAGE, Length: 4096}, g); err != nil {
		t.Fatalf("valid PAGE block rejected: %v", err)
	}
	if err := Validate(Block{Format: PAGE, Length: 0}, g); err == nil {
		t.Fatalf("zero-length PAGE block accepted")
	}
	if err := Validate(Block{Format: PAGE, Length: 4096, Stride: 100}, g); err == nil {
		t.Fatalf("non-page-multiple PAGE stride accepted")
	}
}

func TestValidateTiled(t *testing.T) {
	g := config.Default()
	if err := Validate(Block{Format: P8, Width: 640, Height: 480}, g); err != nil {
		t.Fatalf("valid P8 block rejected: %v", err)
	}
	if err := Validate(Block{Format: P8, Width: 0, Height: 480}, g); err == nil {
		t.Fatalf("zero width accepted")
	}
	if err := Validate(Block{Format: P8, Width: 4095, Height: 16, Stride: 4095}, g); err == nil {
		t.Fatalf("misaligned stride accepted")
	}
	if err := Validate(Block{Format: PixelFormat(99), Width: 1, Height: 1}, g); err == nil {
		t.Fatalf("out-of-range format accepted")
	}
}

func TestCanonicalize(t *testing.T) {
	g := config.Default()
	b := Canonicalize(Block{Format: P16, Width: 176, Height: 144}, g)
	if b.Stride != DefStride(176*2, g) {
		t.Fatalf("stride = %d, want %d", b.Stride, DefStride(176*2, g))
	}
	page := Canonicalize(Block{Format: PAGE, Length: 4096}, g)
	if page.Stride != g.PageSize {
		t.Fatalf("PAGE stride = %d, want %d", page.Stride, g.PageSize)
	}
	explicit := Canonicalize(Block{Format: P8, Width: 64, Height: 64, Stride: 8192}, g)
	if explicit.Stride != 8192 {
		t.Fatalf("explicit stride overwritten: got %d", explicit.Stride)
	}
}

func TestRoundup(t *testing.T) {
	cases := map[[2]int]int{
		{0, 4096}:    0,
		{1, 4096}:    4096,
		{4096, 4096}: 4096,
		{4097, 4096}: 8192,
	}
	for in, want := range cases {
		if got := Roundup(in[0], in[1]); got != want {
			t.Errorf("Roundup(%d,%d) = %d, want %d", in[0], in[1], got, want)
		}
	}
}

func TestViewStride(t *testing.T) {
	g := config.Default()
	if ViewStride(P8, g) != g.S8 || ViewStride(P16, g) != g.S16 || ViewStride(P32, g) != g.S32 {
		t.Fatalf("tiled view strides don't match geometry")
	}
	if ViewStride(PAGE, g) != g.PageSize {
		t.Fatalf("PAGE view stride should be page size")
	}
}

func TestRefCorner(t *testing.T) {
	if Corner(Rotate0, MirrorNone) != TopLeft {
		t.Fatalf("identity rotation/mirror should address TopLeft")
	}
	if Corner(Rotate0, MirrorHorizontal|MirrorVertical) != Corner(Rotate180, MirrorNone) {
		t.Fatalf("180-degree rotation should equal horizontal+vertical mirror")
	}
}
