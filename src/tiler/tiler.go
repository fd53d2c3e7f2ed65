// Package tiler implements the allocator/mapper: the public contract
// clients call. It validates requests against the geometry library,
// composes multi-block allocations, dispatches through the kernel
// transport, and populates the buffer registry, guaranteeing that a failure
// at any step leaves no partial state behind.
package tiler

import (
	"github.com/ti-dmm/tilermgr/src/config"
	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/ktrans"
	"github.com/ti-dmm/tilermgr/src/pagelist"
	"github.com/ti-dmm/tilermgr/src/registry"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
	"github.com/ti-dmm/tilermgr/src/tilererr"
)

// Manager is the Allocator/Mapper. The zero value is not usable; use New.
type Manager struct {
	t   *ktrans.Transport
	reg *registry.Registry
	geo config.Geometry
}

// New builds a Manager over an already-constructed Transport and Registry.
// Both are shared with query.Query, which consults the same Registry under
// the same Transport lock.
func New(t *ktrans.Transport, reg *registry.Registry, geo config.Geometry) *Manager {
	return &Manager{t: t, reg: reg, geo: geo}
}

// Filled is one sub-block's geometry plus the identity the kernel assigned
// it: pointer, physical reservation, and stride filled in after a
// successful allocation.
type Filled struct {
	Block    geom.Block
	Ptr      tileraddr.Ptr
	Reserved tileraddr.Phys
}

// Alloc validates and canonicalizes every block, then dispatches a single
// page allocation, a single tiled allocation, or — for two or more blocks —
// one composite multi-block allocation. It returns the filled-in per-block
// results and the group identifier (Filled[0].Ptr).
func (m *Manager) Alloc(blocks []geom.Block, secZone int16) ([]Filled, tileraddr.Ptr, error) {
	const op = "Alloc"
	if len(blocks) == 0 {
		return nil, tileraddr.Nil, tilererr.New(tilererr.CodeValidation, op, "Alloc requires at least one block")
	}
	canon := make([]geom.Block, len(blocks))
	for i, b := range blocks {
		if err := geom.Validate(b, m.geo); err != nil {
			return nil, tileraddr.Nil, err
		}
		canon[i] = geom.Canonicalize(b, m.geo)
	}
	if len(canon) >= 2 {
		for _, b := range canon {
			if !b.Format.Tiled() {
				return nil, tileraddr.Nil, tilererr.New(tilererr.CodeValidation, op, "multi-block groups must be entirely tiled formats")
			}
		}
	}

	m.t.Lock()
	defer m.t.Unlock()

	if len(canon) == 1 && canon[0].Format == geom.PAGE {
		return m.allocPageLocked(op, canon[0], secZone)
	}
	return m.allocTiledLocked(op, canon, secZone)
}

func (m *Manager) allocPageLocked(op string, b geom.Block, secZone int16) ([]Filled, tileraddr.Ptr, error) {
	ptr, reserved, err := m.t.AllocPage(b.Length, secZone)
	if err != nil {
		return nil, tileraddr.Nil, err
	}
	b.Stride = m.geo.PageSize
	sub := registry.SubBlock{Ptr: ptr, Format: geom.PAGE, Stride: b.Stride, Length: b.Length, Reserved: reserved}
	rec := registry.Record{Kind: registry.Alloc1D, Sub: []registry.SubBlock{sub}, SecZone: secZone}
	if !m.reg.Insert(rec) {
		_ = m.t.Free(ptr)
		return nil, tileraddr.Nil, tilererr.New(tilererr.CodeRegistry, op, "registry insert failed, kernel allocation rolled back")
	}
	return []Filled{{Block: b, Ptr: ptr, Reserved: reserved}}, ptr, nil
}

func (m *Manager) allocTiledLocked(op string, blocks []geom.Block, secZone int16) ([]Filled, tileraddr.Ptr, error) {
	base, strides, reserved, err := m.t.AllocTiled(blocks, secZone)
	if err != nil {
		return nil, tileraddr.Nil, err
	}
	filled := make([]Filled, len(blocks))
	sub := make([]registry.SubBlock, len(blocks))
	cur := base
	for i, b := range blocks {
		b.Stride = strides[i]
		b.Length = b.Stride * b.Height
		filled[i] = Filled{Block: b, Ptr: cur, Reserved: reserved[i]}
		sub[i] = registry.SubBlock{
			Ptr:      cur,
			Format:   b.Format,
			Width:    b.Width,
			Height:   b.Height,
			Stride:   b.Stride,
			Length:   b.Stride * b.Height,
			Reserved: reserved[i],
		}
		cur = cur.Add(b.Stride * b.Height)
	}
	rec := registry.Record{Kind: registry.Alloc2D, Sub: sub, SecZone: secZone}
	if !m.reg.Insert(rec) {
		for _, s := range sub {
			_ = m.t.Free(s.Ptr)
		}
		return nil, tileraddr.Nil, tilererr.New(tilererr.CodeRegistry, op, "registry insert failed, kernel allocation rolled back")
	}
	return filled, base, nil
}

// Map binds the physical pages backing clientPtr/length (walked through it)
// into a new tiler-container 1D mapping. clientPtr must be page-aligned and
// length a positive multiple of page size; the returned pointer is distinct
// from clientPtr, which remains valid and owned by the caller.
func (m *Manager) Map(clientPtr tileraddr.Ptr, length int, it pagelist.Iterator) (tileraddr.Ptr, error) {
	const op = "Map"
	if clientPtr == tileraddr.Nil {
		return tileraddr.Nil, tilererr.New(tilererr.CodeValidation, op, "map ptr must not be null")
	}
	if uintptr(clientPtr)%uintptr(m.geo.PageSize) != 0 {
		return tileraddr.Nil, tilererr.New(tilererr.CodeValidation, op, "map ptr must be page-aligned")
	}
	if length <= 0 || length%m.geo.PageSize != 0 {
		return tileraddr.Nil, tilererr.New(tilererr.CodeValidation, op, "map length must be a positive multiple of page size")
	}

	pages := pagelist.Collect(it)

	m.t.Lock()
	defer m.t.Unlock()

	ptr, reserved, err := m.t.MapPage(pages, length)
	if err != nil {
		return tileraddr.Nil, err
	}
	sub := registry.SubBlock{Ptr: ptr, Format: geom.PAGE, Stride: m.geo.PageSize, Length: length, Reserved: reserved}
	rec := registry.Record{Kind: registry.Map1D, Sub: []registry.SubBlock{sub}, Pages: it}
	if !m.reg.Insert(rec) {
		_ = m.t.Unmap(ptr)
		return tileraddr.Nil, tilererr.New(tilererr.CodeRegistry, op, "registry insert failed, kernel mapping rolled back")
	}
	return ptr, nil
}

// Free releases an ALLOC_1D or ALLOC_2D group. Unknown ptrs, sub-block
// ptrs, and MAP_1D ptrs all fail without side effects; otherwise every
// sub-block is freed in insertion order and the record is removed even if
// a sub-block free fails, so the registry never strands an entry the
// kernel already forgot.
func (m *Manager) Free(ptr tileraddr.Ptr) error {
	return m.teardown("Free", ptr, registry.Alloc1D, registry.Alloc2D)
}

// UnMap releases a MAP_1D buffer. Symmetrical to Free but only accepts
// MAP_1D records.
func (m *Manager) UnMap(ptr tileraddr.Ptr) error {
	return m.teardown("UnMap", ptr, registry.Map1D)
}

func (m *Manager) teardown(op string, ptr tileraddr.Ptr, allowed ...registry.Kind) error {
	m.t.Lock()
	defer m.t.Unlock()

	if ptr == tileraddr.Nil {
		return tilererr.New(tilererr.CodeIdentity, op, "null ptr")
	}
	rec, ok := m.reg.Lookup(ptr)
	if !ok {
		if _, sub := m.reg.IsSubBlock(ptr); sub {
			return tilererr.New(tilererr.CodeIdentity, op, "ptr identifies a sub-block, not a group head")
		}
		return tilererr.New(tilererr.CodeIdentity, op, "unknown ptr")
	}
	if !kindAllowed(rec.Kind, allowed) {
		return tilererr.New(tilererr.CodeIdentity, op, "ptr is of the wrong kind for "+op)
	}

	var release func(tileraddr.Ptr) error
	if op == "UnMap" {
		release = m.t.Unmap
	} else {
		release = m.t.Free
	}

	var firstErr error
	for _, sb := range rec.Sub {
		if err := release(sb.Ptr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.reg.Remove(ptr)
	return firstErr
}

func kindAllowed(k registry.Kind, allowed []registry.Kind) bool {
	for _, a := range allowed {
		if k == a {
			return true
		}
	}
	return false
}

// Realloc resizes a single-block ALLOC_2D buffer in place from the client's
// point of view: allocate new-sized storage with the same pixel format,
// copy the overlapping region, and only then retire the old buffer, so a
// failed realloc leaves the original untouched.
func (m *Manager) Realloc(ptr tileraddr.Ptr, newWidth, newHeight int) (tileraddr.Ptr, error) {
	const op = "Realloc"
	m.t.Lock()
	defer m.t.Unlock()

	rec, ok := m.reg.Lookup(ptr)
	if !ok {
		return tileraddr.Nil, tilererr.New(tilererr.CodeIdentity, op, "unknown ptr")
	}
	if rec.Kind != registry.Alloc2D || len(rec.Sub) != 1 {
		return tileraddr.Nil, tilererr.New(tilererr.CodeValidation, op, "realloc only supports a single-block ALLOC_2D buffer")
	}
	old := rec.Sub[0]

	newBlock := geom.Block{Format: old.Format, Width: newWidth, Height: newHeight}
	if err := geom.Validate(newBlock, m.geo); err != nil {
		return tileraddr.Nil, err
	}
	newBlock = geom.Canonicalize(newBlock, m.geo)

	newPtr, strides, reserved, err := m.t.AllocTiled([]geom.Block{newBlock}, rec.SecZone)
	if err != nil {
		return tileraddr.Nil, err
	}
	newLen := strides[0] * newHeight
	m.t.CopyBytes(newPtr, old.Ptr, minInt(old.Length, newLen))

	newSub := registry.SubBlock{Ptr: newPtr, Format: old.Format, Width: newWidth, Height: newHeight, Stride: strides[0], Length: newLen, Reserved: reserved[0]}
	newRec := registry.Record{Kind: registry.Alloc2D, Sub: []registry.SubBlock{newSub}, SecZone: rec.SecZone}
	if !m.reg.Insert(newRec) {
		_ = m.t.Free(newPtr)
		return tileraddr.Nil, tilererr.New(tilererr.CodeRegistry, op, "registry insert failed, new kernel allocation rolled back")
	}
	m.reg.Remove(ptr)
	_ = m.t.Free(old.Ptr)
	return newPtr, nil
}

// ReallocPage resizes a single-block ALLOC_1D buffer, the PAGE-mode
// counterpart to Realloc.
func (m *Manager) ReallocPage(ptr tileraddr.Ptr, newLength int) (tileraddr.Ptr, error) {
	const op = "ReallocPage"
	m.t.Lock()
	defer m.t.Unlock()

	rec, ok := m.reg.Lookup(ptr)
	if !ok {
		return tileraddr.Nil, tilererr.New(tilererr.CodeIdentity, op, "unknown ptr")
	}
	if rec.Kind != registry.Alloc1D || len(rec.Sub) != 1 {
		return tileraddr.Nil, tilererr.New(tilererr.CodeValidation, op, "realloc_page only supports a single-block ALLOC_1D buffer")
	}
	old := rec.Sub[0]

	newBlock := geom.Block{Format: geom.PAGE, Length: newLength}
	if err := geom.Validate(newBlock, m.geo); err != nil {
		return tileraddr.Nil, err
	}

	newPtr, reserved, err := m.t.AllocPage(newLength, rec.SecZone)
	if err != nil {
		return tileraddr.Nil, err
	}
	m.t.CopyBytes(newPtr, old.Ptr, minInt(old.Length, newLength))

	newSub := registry.SubBlock{Ptr: newPtr, Format: geom.PAGE, Stride: m.geo.PageSize, Length: newLength, Reserved: reserved}
	newRec := registry.Record{Kind: registry.Alloc1D, Sub: []registry.SubBlock{newSub}, SecZone: rec.SecZone}
	if !m.reg.Insert(newRec) {
		_ = m.t.Free(newPtr)
		return tileraddr.Nil, tilererr.New(tilererr.CodeRegistry, op, "registry insert failed, new kernel allocation rolled back")
	}
	m.reg.Remove(ptr)
	_ = m.t.Free(old.Ptr)
	return newPtr, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
