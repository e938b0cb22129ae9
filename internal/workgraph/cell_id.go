package workgraph

import (
	"fmt"
	"weak"
)

// CellID represents an opaque but comparable unique identifier for a cell,
// whose resolver may or may not still be live.
//
// CellID values are used in some error types returned by this package when
// reporting situations that could cause deadlock. Callers can therefore
// maintain a lookup table from CellID to some higher-level representation of
// the meaning of a cell to allow including more relevant context in
// externally-facing error results.
//
// Use [Resolver.CellID] to find the identity of the cell that a particular
// resolver is associated with.
type CellID struct {
	// We use a weak pointer here because we only care about pointer identity
	// and not about the pointee itself. Internally this creates an extra
	// indirection through a heap-allocated pointer value where the pointer
	// to that allocation is actually what we're comparing when using a
	// CellID as a comparable identifier, whereas the underlying cellInner
	// remains eligible for garbage collection.
	ptr weak.Pointer[cellInner]
}

// Equal returns true if other is the same [CellID] as the receiver.
//
// This is equivalent to using the "==" operator to compare two values, but
// is implemented here to work better with libraries like Google's "go-cmp"
// which try to perform deep comparison when no Equal method is present.
func (cid CellID) Equal(other CellID) bool {
	return cid == other
}

// String returns a human-oriented string representation of the cell ID.
//
// This is intended for debug messages only. Do not use the result as a
// unique key for a [CellID]; this type is comparable so it can act as its
// own unique key.
func (cid CellID) String() string {
	return fmt.Sprintf("%p", cid.ptr.Value())
}

func (cid CellID) GoString() string {
	return fmt.Sprintf("workgraph.CellID(%s)", cid.String())
}
