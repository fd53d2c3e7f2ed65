// Package registry implements the buffer registry: the process-wide table
// of live buffers, keyed by the user-facing pointer returned from
// Alloc/Map.
//
// The key space here is a single concrete, comparable type
// (tileraddr.Ptr), so a plain Go map suffices, and there is exactly one
// registry per process. Registry intentionally does not embed its own
// lock: all registry operations are serialized by the same mutex as the
// transport, so every method here assumes the caller already holds that
// lock (ktrans.Transport.Lock) for the whole span of validation, kernel RPC
// and registry update.
package registry

import (
	"github.com/ti-dmm/tilermgr/src/geom"
	"github.com/ti-dmm/tilermgr/src/tileraddr"
)

// Kind distinguishes the three buffer lifecycles: a 2D tiled allocation, a
// 1D page allocation, and an externally-backed 1D mapping. Free only
// accepts Alloc1D/Alloc2D; UnMap only accepts Map1D — cross-operation
// mixing must fail.
type Kind int

const (
	Alloc1D Kind = iota
	Alloc2D
	Map1D
)

func (k Kind) String() string {
	switch k {
	case Alloc1D:
		return "ALLOC_1D"
	case Alloc2D:
		return "ALLOC_2D"
	case Map1D:
		return "MAP_1D"
	default:
		return "invalid"
	}
}

// SubBlock is one physically-reserved piece of a (possibly multi-block)
// buffer: its own absolute system-space pointer, its stride, and
// its kernel reservation handle. A single-block buffer has exactly one
// SubBlock; an NV12-style composite has one per plane.
type SubBlock struct {
	Ptr    tileraddr.Ptr
	Format geom.PixelFormat
	Width  int // tiled only, informational
	Height int // tiled only, informational
	Stride int
	Length int // byte length spanned by this sub-block, stride*height for tiled
	Reserved tileraddr.Phys
}

// PageList is the borrowed identity of a client-supplied physical page
// list. The registry stores it only to hand back out on lookup; it never
// reads or releases the pages themselves — ownership stays with the client
// until UnMap returns.
type PageList interface{}

// Record describes one live buffer: what kind it is, the sub-block(s) that
// make it up, and, for Map1D, the borrowed page list identity.
type Record struct {
	Kind     Kind
	Sub      []SubBlock
	Pages    PageList // non-nil only for Map1D
	SecZone  int16
}

// HeadPtr is the buffer's own identifier: Sub[0].Ptr, which is also the key
// this record is stored under.
func (r Record) HeadPtr() tileraddr.Ptr { return r.Sub[0].Ptr }

// Registry is the live-buffer table. The zero value is not usable; use New.
type Registry struct {
	byPtr map[tileraddr.Ptr]Record
	// subPtrs marks every pointer that belongs to a record without being
	// its head: sub-block i>0 of a composite allocation. Free/UnMap must
	// reject these — only a head pointer is a valid handle — even though
	// the kernel technically reserved memory there too.
	subPtrs map[tileraddr.Ptr]tileraddr.Ptr // sub ptr -> owning head ptr
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byPtr:   make(map[tileraddr.Ptr]Record),
		subPtrs: make(map[tileraddr.Ptr]tileraddr.Ptr),
	}
}

// Insert records rec under its head pointer. It fails (returns false) only
// when a live record already uses that head pointer; a Go map allocation
// failure is not a recoverable condition the way a fixed-capacity kernel
// table's would be. tiler.Manager rolls back the kernel allocation when it
// returns false.
func (r *Registry) Insert(rec Record) (ok bool) {
	head := rec.HeadPtr()
	if _, exists := r.byPtr[head]; exists {
		return false
	}
	r.byPtr[head] = rec
	for _, sb := range rec.Sub[1:] {
		r.subPtrs[sb.Ptr] = head
	}
	return true
}

// Lookup returns the record whose head pointer is ptr.
func (r *Registry) Lookup(ptr tileraddr.Ptr) (Record, bool) {
	rec, ok := r.byPtr[ptr]
	return rec, ok
}

// IsSubBlock reports whether ptr is a non-head sub-block of some live
// record, and if so which head owns it. Free/UnMap use this to produce a
// CodeIdentity error instead of silently accepting a sub-block pointer.
func (r *Registry) IsSubBlock(ptr tileraddr.Ptr) (head tileraddr.Ptr, ok bool) {
	head, ok = r.subPtrs[ptr]
	return head, ok
}

// Remove deletes the record at ptr and its sub-block entries. It is a no-op
// if ptr is not a live head pointer.
func (r *Registry) Remove(ptr tileraddr.Ptr) {
	rec, ok := r.byPtr[ptr]
	if !ok {
		return
	}
	for _, sb := range rec.Sub[1:] {
		delete(r.subPtrs, sb.Ptr)
	}
	delete(r.byPtr, ptr)
}

// Len returns the number of live records, used by the empty-registry audit
// required after every test case.
func (r *Registry) Len() int {
	return len(r.byPtr)
}

// ForEach calls f for every live record in unspecified order. f must not
// call back into the Registry.
func (r *Registry) ForEach(f func(tileraddr.Ptr, Record)) {
	for ptr, rec := range r.byPtr {
		f(ptr, rec)
	}
}
