package store

// DataType is the ADLB scalar/compound type tag (spec.md §4.4; grounded on
// original_source/lb/code/src/adlb-defs.h's adlb_data_type).
type DataType int

const (
	TypeNull DataType = iota
	TypeInteger
	TypeFloat
	TypeString
	TypeBlob
	TypeContainer
	TypeMultiset
	TypeStruct
	TypeRef
)

func (t DataType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeString:
		return "STRING"
	case TypeBlob:
		return "BLOB"
	case TypeContainer:
		return "CONTAINER"
	case TypeMultiset:
		return "MULTISET"
	case TypeStruct:
		return "STRUCT"
	case TypeRef:
		return "REF"
	default:
		return "UNKNOWN_TYPE"
	}
}

// IsCompound reports whether values of this type are addressed by
// subscript rather than stored as a flat byte string.
func (t DataType) IsCompound() bool {
	switch t {
	case TypeContainer, TypeMultiset, TypeStruct:
		return true
	default:
		return false
	}
}

// TypeExtra carries the element type(s) of a compound type, when known
// (spec.md §4.4; grounded on adlb-defs.h's adlb_type_extra). It is advisory:
// Store does not reject a mismatched element type, matching the original's
// loose, best-effort validation of container/multiset element types.
type TypeExtra struct {
	KeyType DataType // meaningful for TypeContainer
	ValType DataType // meaningful for TypeContainer and TypeMultiset
	Valid   bool
}

// Refc is a (read, write) refcount pair, used both as a current-count
// snapshot and as a delta to apply.
type Refc struct {
	Read  int
	Write int
}

// IsZero reports whether both components are zero.
func (r Refc) IsZero() bool { return r.Read == 0 && r.Write == 0 }

// Negate returns the pair with both components negated, used to express
// "decrement by this amount" from a "this many refs" count.
func (r Refc) Negate() Refc { return Refc{Read: -r.Read, Write: -r.Write} }

// CreateProps are the caller-supplied properties for create (spec.md §4.4;
// grounded on adlb-defs.h's adlb_create_props).
type CreateProps struct {
	ReadRefcount  int
	WriteRefcount int
	Permanent     bool
	Symbol        uint32 // ADLB_DSYM_NULL (0) if none
}

// DefaultCreateProps matches the original's DEFAULT_CREATE_PROPS: one read
// ref, one write ref, not permanent.
var DefaultCreateProps = CreateProps{ReadRefcount: 1, WriteRefcount: 1}

// RetrieveRefc describes how retrieve should adjust refcounts on success:
// DecrSelf is debited from the retrieved datum, IncrReferand is credited to
// anything the retrieved value references (spec.md §4.4's retrieve row;
// grounded on adlb-defs.h's adlb_retrieve_refc).
type RetrieveRefc struct {
	DecrSelf     Refc
	IncrReferand Refc
}

// RetrieveNoRefc leaves refcounts untouched.
var RetrieveNoRefc = RetrieveRefc{}

// RetrieveReadRefc debits one read ref from the retrieved datum, the
// default behavior of a plain retrieve.
var RetrieveReadRefc = RetrieveRefc{DecrSelf: Refc{Read: 1}}
