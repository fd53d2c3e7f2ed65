// Package tilererr defines the small, closed error taxonomy shared by every
// public operation of the tiler memory manager: a handful of named codes
// rather than ad hoc error strings, implementing the error interface
// directly so callers can use the standard errors.Is/errors.As machinery
// instead of comparing ints.
package tilererr

import "fmt"

// Code identifies which taxonomy bucket a failure belongs to.
type Code int

const (
	// CodeValidation covers malformed MemBlock requests: bad pixel format,
	// zero/misaligned stride or length, zero width/height, multi-block
	// PAGE, unaligned map pointer.
	CodeValidation Code = iota + 1
	// CodeRegistry covers buffer registry insertion failure (OOM).
	CodeRegistry
	// CodeKernel covers driver refusal or RPC failure.
	CodeKernel
	// CodeIdentity covers Free/UnMap on an unknown, null, sub-block, or
	// wrong-kind pointer.
	CodeIdentity
)

func (c Code) String() string {
	switch c {
	case CodeValidation:
		return "validation"
	case CodeRegistry:
		return "registry"
	case CodeKernel:
		return "kernel"
	case CodeIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

// Err is the concrete error type returned by every public operation that can
// fail. Op names the failing operation (e.g. "Alloc", "Free") the way the
// teacher's panic messages name the failing function.
type Err struct {
	Code Code
	Op   string
	Msg  string
	err  error // wrapped cause, optional
}

func (e *Err) Error() string {
	if e.err != nil {
		return fmt.Sprintf("tiler: %s: %s: %s: %v", e.Op, e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("tiler: %s: %s: %s", e.Op, e.Code, e.Msg)
}

func (e *Err) Unwrap() error { return e.err }

// Is reports whether target is an *Err with the same Code and an empty Op
// (the form of the sentinels below), letting callers write
// errors.Is(err, tilererr.Validation). A target with a non-empty Op never
// matches.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == ""
}

// New constructs an *Err for op with a human-readable message.
func New(code Code, op, msg string) *Err {
	return &Err{Code: code, Op: op, Msg: msg}
}

// Wrap constructs an *Err for op, chaining cause for errors.Unwrap.
func Wrap(code Code, op, msg string, cause error) *Err {
	return &Err{Code: code, Op: op, Msg: msg, err: cause}
}

// Sentinels usable with errors.Is(err, tilererr.Validation), matching solely
// on Code regardless of Op/Msg.
var (
	Validation = &Err{Code: CodeValidation}
	Registry   = &Err{Code: CodeRegistry}
	Kernel     = &Err{Code: CodeKernel}
	Identity   = &Err{Code: CodeIdentity}
)
