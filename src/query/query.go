// Package query implements total identity and translation answers over
// arbitrary pointers, including foreign ones. It consults only the
// registry, under the same transport lock tiler.Manager uses, except for
// VirtToPhys's foreign-pointer fallback which delegates to the kernel
// transport.
package query

import (
	"github.com/ti-dmm/tilermgr/src/config"
	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/ktrans"
	"github.com/ti-dmm/tilermgr/src/registry"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
)

// Query answers identity and translation questions against a shared
// Registry. The zero value is not usable; use New.
type Query struct {
	t   *ktrans.Transport
	reg *registry.Registry
	geo config.Geometry
}

// New builds a Query over the same Transport/Registry pair a tiler.Manager
// uses, so completed Allocs are immediately visible here.
func New(t *ktrans.Transport, reg *registry.Registry, geo config.Geometry) *Query {
	return &Query{t: t, reg: reg, geo: geo}
}

// IsMapped reports whether ptr identifies a live buffer of any kind.
func (q *Query) IsMapped(ptr tileraddr.Ptr) bool {
	q.t.Lock()
	defer q.t.Unlock()
	_, ok := q.reg.Lookup(ptr)
	return ok
}

// Is1DBlock reports whether ptr is a live ALLOC_1D or MAP_1D buffer.
func (q *Query) Is1DBlock(ptr tileraddr.Ptr) bool {
	q.t.Lock()
	defer q.t.Unlock()
	rec, ok := q.reg.Lookup(ptr)
	return ok && (rec.Kind == registry.Alloc1D || rec.Kind == registry.Map1D)
}

// Is2DBlock reports whether ptr is a live ALLOC_2D buffer.
func (q *Query) Is2DBlock(ptr tileraddr.Ptr) bool {
	q.t.Lock()
	defer q.t.Unlock()
	rec, ok := q.reg.Lookup(ptr)
	return ok && rec.Kind == registry.Alloc2D
}

// GetStride returns sub-block 0's stride if ptr is registered; page size if
// ptr is non-null but unregistered (a compatibility rule for clients that
// treat ordinary host memory as 1D-strided); 0 if ptr is null.
func (q *Query) GetStride(ptr tileraddr.Ptr) int {
	q.t.Lock()
	defer q.t.Unlock()
	if ptr == tileraddr.Nil {
		return 0
	}
	if rec, ok := q.reg.Lookup(ptr); ok {
		return rec.Sub[0].Stride
	}
	return q.geo.PageSize
}

// VirtToPhys resolves ptr to its physical reservation. If ptr falls within a
// registered sub-block, it returns that sub-block's reservation offset by
// ptr's distance from the sub-block's own pointer. If ptr is null, it
// returns PhysNil. Otherwise it delegates to the kernel transport's
// best-effort host translation.
func (q *Query) VirtToPhys(ptr tileraddr.Ptr) tileraddr.Phys {
	q.t.Lock()
	defer q.t.Unlock()
	if ptr == tileraddr.Nil {
		return tileraddr.PhysNil
	}
	if rec, ok := q.lookupContaining(ptr); ok {
		return rec.Reserved + tileraddr.Phys(ptr.Sub(rec.Ptr))
	}
	return q.t.VirtToPhys(ptr)
}

// lookupContaining scans every live record's sub-blocks for the one whose
// byte range contains ptr, including the common case of ptr being exactly a
// group's head pointer.
func (q *Query) lookupContaining(ptr tileraddr.Ptr) (registry.SubBlock, bool) {
	if head, ok := q.reg.IsSubBlock(ptr); ok {
		if rec, ok := q.reg.Lookup(head); ok {
			if sb, ok := containing(rec, ptr); ok {
				return sb, true
			}
		}
	}
	var found registry.SubBlock
	var ok bool
	q.reg.ForEach(func(_ tileraddr.Ptr, rec registry.Record) {
		if ok {
			return
		}
		if sb, hit := containing(rec, ptr); hit {
			found, ok = sb, true
		}
	})
	return found, ok
}

func containing(rec registry.Record, ptr tileraddr.Ptr) (registry.SubBlock, bool) {
	for _, sb := range rec.Sub {
		if ptr >= sb.Ptr && int(ptr-sb.Ptr) < sb.Length {
			return sb, true
		}
	}
	return registry.SubBlock{}, false
}

// TilerMem_GetStride returns the view-stride constant for the format of the
// live sub-block whose reservation equals phys, or 0 if none does. This
// design has no separate aperture map, so only exact reservation values
// match: an address offset into a buffer (as VirtToPhys returns for a
// pointer past a sub-block's start) is not resolved by range and answers 0.
//
//nolint:revive // name matches the client API table verbatim
func (q *Query) TilerMem_GetStride(phys tileraddr.Phys) int {
	q.t.Lock()
	defer q.t.Unlock()
	var stride int
	q.reg.ForEach(func(_ tileraddr.Ptr, rec registry.Record) {
		if stride != 0 {
			return
		}
		for _, sb := range rec.Sub {
			if phys == sb.Reserved {
				stride = geom.ViewStride(sb.Format, q.geo)
				return
			}
		}
	})
	return stride
}

// TilerSpaceAddr reports which reference corner a tiler-space address is
// anchored to for a given rotation/mirroring setting. See geom.Corner.
func (q *Query) TilerSpaceAddr(r geom.Rotation, m geom.Mirror) geom.RefCorner {
	return geom.Corner(r, m)
}
