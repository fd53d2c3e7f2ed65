// Command tilerctl is the user-space CLI test harness: it wires a fake
// driver in for the kernel, runs a scenario battery against it, and prints
// a pass/fail report.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ti-dmm/tilermgr/src/config"
	"github.com/ti-dmm/tilermgr/src/fakedriver"
	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/ktrans"
	"github.com/ti-dmm/tilermgr/src/pagelist"
	"github.com/ti-dmm/tilermgr/src/query"
	"github.com/ti-dmm/tilermgr/src/registry"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
	"github.com/ti-dmm/tilermgr/src/tiler"
)

type harness struct {
	drv *fakedriver.Driver
	t   *ktrans.Transport
	reg *registry.Registry
	m   *tiler.Manager
	q   *query.Query
	geo config.Geometry
}

func newHarness() *harness {
	drv := fakedriver.New()
	t := ktrans.New(drv, "")
	reg := registry.New()
	geo := config.Default()
	return &harness{
		drv: drv,
		t:   t,
		reg: reg,
		m:   tiler.New(t, reg, geo),
		q:   query.New(t, reg, geo),
		geo: geo,
	}
}

// fillAndCheck writes a deterministic per-offset byte sequence into p's
// backing storage and reads it back, the round-trip property required of
// every successful Alloc/Map.
func fillAndCheck(h *harness, p tileraddr.Ptr, length int) error {
	data, ok := h.drv.Bytes(p)
	if !ok {
		return fmt.Errorf("no backing storage for ptr %#x", uintptr(p))
	}
	if len(data) < length {
		length = len(data)
	}
	for i := 0; i < length; i++ {
		data[i] = byte(i)
	}
	for i := 0; i < length; i++ {
		if data[i] != byte(i) {
			return fmt.Errorf("readback mismatch at offset %d: got %d, want %d", i, data[i], byte(i))
		}
	}
	return nil
}

type namedScenario struct {
	name string
	run  func(h *harness) error
}

func scenarios() []namedScenario {
	return []namedScenario{
		{"page alloc round trip", scenario1},
		{"P16 tiled alloc", scenario2},
		{"NV12 composite alloc", scenario3},
		{"map client buffer", scenario4},
		{"validation rejects bad blocks", scenario5},
	}
}

func scenario1(h *harness) error {
	filled, p, err := h.m.Alloc([]geom.Block{{Format: geom.PAGE, Length: 4096}}, 0)
	if err != nil {
		return fmt.Errorf("alloc: %w", err)
	}
	if h.q.GetStride(p) != 4096 {
		return fmt.Errorf("stride = %d, want 4096", h.q.GetStride(p))
	}
	if !h.q.Is1DBlock(p) || h.q.Is2DBlock(p) {
		return fmt.Errorf("kind mismatch: Is1DBlock=%v Is2DBlock=%v", h.q.Is1DBlock(p), h.q.Is2DBlock(p))
	}
	if err := fillAndCheck(h, p, filled[0].Block.Length); err != nil {
		return err
	}
	if err := h.m.Free(p); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	return nil
}

func scenario2(h *harness) error {
	_, p, err := h.m.Alloc([]geom.Block{{Format: geom.P16, Width: 176, Height: 144}}, 0)
	if err != nil {
		return fmt.Errorf("alloc: %w", err)
	}
	stride := h.q.GetStride(p)
	if stride%4096 != 0 || stride < 176*2 {
		return fmt.Errorf("stride %d fails validity check", stride)
	}
	if !h.q.Is2DBlock(p) {
		return fmt.Errorf("expected Is2DBlock")
	}
	if got := h.q.TilerMem_GetStride(h.q.VirtToPhys(p)); got != h.geo.S16 {
		return fmt.Errorf("TilerMem_GetStride = %d, want S16 = %d", got, h.geo.S16)
	}
	return h.m.Free(p)
}

func scenario3(h *harness) error {
	filled, p, err := h.m.Alloc([]geom.Block{
		{Format: geom.P8, Width: 640, Height: 480},
		{Format: geom.P16, Width: 320, Height: 240},
	}, 0)
	if err != nil {
		return fmt.Errorf("alloc: %w", err)
	}
	want := p.Add(filled[0].Block.Stride * 480)
	if filled[1].Ptr != want {
		return fmt.Errorf("block1.ptr = %#x, want %#x", uintptr(filled[1].Ptr), uintptr(want))
	}
	if !h.q.Is2DBlock(p) || !h.q.Is2DBlock(filled[1].Ptr) {
		return fmt.Errorf("expected both sub-blocks to report Is2DBlock")
	}
	if err := h.m.Free(p); err != nil {
		return fmt.Errorf("free group: %w", err)
	}
	if err := h.m.Free(filled[1].Ptr); err == nil {
		return fmt.Errorf("free of sub-block ptr after group free unexpectedly succeeded")
	}
	return nil
}

func scenario4(h *harness) error {
	const length = 4096
	clientDrv := fakedriver.New()
	clientBuf, _, err := clientDrv.AllocPage(length, 0)
	if err != nil {
		return fmt.Errorf("client buffer setup: %w", err)
	}
	it := pagelist.NewContiguous(uintptr(clientBuf), length, h.geo.PageSize, nil)
	q, err := h.m.Map(clientBuf, length, it)
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	if q == clientBuf {
		return fmt.Errorf("mapped ptr must differ from client ptr")
	}
	if !h.q.IsMapped(q) || !h.q.Is1DBlock(q) {
		return fmt.Errorf("expected IsMapped && Is1DBlock")
	}
	if err := h.m.Free(q); err == nil {
		return fmt.Errorf("free of mapped ptr unexpectedly succeeded")
	}
	if err := h.m.UnMap(q); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	if err := h.m.UnMap(q); err == nil {
		return fmt.Errorf("second unmap unexpectedly succeeded")
	}
	return nil
}

func scenario5(h *harness) error {
	if _, p, err := h.m.Alloc([]geom.Block{{Format: geom.PAGE, Length: 0}}, 0); err == nil {
		return fmt.Errorf("zero-length PAGE alloc unexpectedly returned ptr %#x", uintptr(p))
	}
	if _, p, err := h.m.Alloc([]geom.Block{{Format: geom.P8, Width: 4095, Height: 16, Stride: 4095}}, 0); err == nil {
		return fmt.Errorf("misaligned-stride alloc unexpectedly returned ptr %#x", uintptr(p))
	}
	return nil
}

func main() {
	p := message.NewPrinter(language.English)

	failures := 0
	for _, sc := range scenarios() {
		h := newHarness()
		if err := sc.run(h); err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", sc.name, err)
			continue
		}
		if h.reg.Len() != 0 {
			failures++
			fmt.Fprintf(os.Stderr, "FAIL %s: registry not empty after teardown (%d live)\n", sc.name, h.reg.Len())
			continue
		}
		p.Printf("PASS %s\n", sc.name)
	}

	const ops = 1000
	const slots = 10
	stressFailures := runStarScenario(ops, slots)
	failures += stressFailures
	p.Printf("star scenario: %d ops across %d slots, %d failures\n", ops, slots, stressFailures)

	if failures > 0 {
		p.Printf("%d scenario(s) failed\n", failures)
		os.Exit(1)
	}
	p.Printf("all scenarios passed\n")
}

// slot tracks one of the ten concurrently-live buffers the star scenario
// cycles through. pending marks a slot claimed by a goroutine that is
// mid-Alloc/Free, so a second goroutine picking the same index backs off
// instead of racing the same slot.
type slot struct {
	ptr     tileraddr.Ptr
	live    bool
	pending bool
}

// runStarScenario drives ops randomized operations over slotCount
// concurrently-live slots, uniformly choosing among a 1D page alloc of
// varied length, a P8 2D alloc of varied width, an NV12 (P8+P16) alloc, and
// a 16x16 P32 alloc. It performs no 1D map and no single-block P16 alloc.
// Every alloc's fill/readback round trip is checked right after the alloc;
// at the end the registry must be empty.
func runStarScenario(ops, slotCount int) (failures int) {
	h := newHarness()
	rng := rand.New(rand.NewSource(1))

	var mu sync.Mutex
	slots := make([]slot, slotCount)
	sem := make(chan struct{}, slotCount)

	g := new(errgroup.Group)
	var failCount int
	var failMu sync.Mutex
	recordFailure := func() {
		failMu.Lock()
		failCount++
		failMu.Unlock()
	}

	for i := 0; i < ops; i++ {
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()

			mu.Lock()
			slotIdx := rng.Intn(slotCount)
			kind := rng.Intn(4)
			sizeFactor := rng.Intn(4)
			widthFactor := rng.Intn(8)
			s := slots[slotIdx]
			if s.pending {
				mu.Unlock()
				return nil
			}
			slots[slotIdx].pending = true
			mu.Unlock()

			if s.live {
				if err := h.m.Free(s.ptr); err != nil {
					if err := h.m.UnMap(s.ptr); err != nil {
						recordFailure()
					}
				}
				mu.Lock()
				slots[slotIdx] = slot{}
				mu.Unlock()
				return nil
			}

			var blocks []geom.Block
			switch kind {
			case 0:
				blocks = []geom.Block{{Format: geom.PAGE, Length: 4096 * (1 + sizeFactor)}}
			case 1:
				blocks = []geom.Block{{Format: geom.P8, Width: 64 * (1 + widthFactor), Height: 64}}
			case 2:
				blocks = []geom.Block{
					{Format: geom.P8, Width: 64, Height: 64},
					{Format: geom.P16, Width: 32, Height: 32},
				}
			default:
				blocks = []geom.Block{{Format: geom.P32, Width: 16, Height: 16}}
			}
			filled, ptr, err := h.m.Alloc(blocks, 0)
			if err != nil {
				recordFailure()
				mu.Lock()
				slots[slotIdx] = slot{}
				mu.Unlock()
				return nil
			}
			if err := fillAndCheck(h, ptr, filled[0].Block.Length); err != nil {
				recordFailure()
			}
			mu.Lock()
			slots[slotIdx] = slot{ptr: ptr, live: true}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range slots {
		if s.live {
			_ = h.m.Free(s.ptr)
		}
	}
	if h.reg.Len() != 0 {
		failCount++
	}
	return failCount
}
