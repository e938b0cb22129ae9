package store

// Datum is a single-assignment, refcounted shared variable (spec.md §4.4).
// Only the root of its value tree carries refcounts and listeners; nested
// compound values (container entries, struct fields, multiset members) are
// addressed through Datum via subscript but have no refcounts of their own
// unless they are themselves REF-typed, in which case the referenced id's
// own Datum carries the refcount.
type Datum struct {
	ID        int64
	Type      DataType
	TypeExtra TypeExtra
	Permanent bool
	Symbol    uint32 // ADLB_DSYM_NULL (0) if none; debug-only, copied from CreateProps and not read by Store

	ReadRefcount  int
	WriteRefcount int

	subscriptNotifs bool // fast-path: has any subscript-level listener ever been registered
	root            *node
	listeners       []listener

	closed    bool // write refcount reached 0: whole-datum listeners have fired
	destroyed bool // both refcounts reached 0 and not permanent: gone
}

func newDatum(id int64, typ DataType, extra TypeExtra, props CreateProps) *Datum {
	d := &Datum{
		ID:            id,
		Type:          typ,
		TypeExtra:     extra,
		Permanent:     props.Permanent,
		Symbol:        props.Symbol,
		ReadRefcount:  props.ReadRefcount,
		WriteRefcount: props.WriteRefcount,
	}
	if typ.IsCompound() {
		d.root = newCompound(typ)
	} else {
		d.root = newLeaf()
	}
	return d
}

// wholeDatumSet reports whether the datum's root has been assigned (a
// scalar value written, or - for compound types - the root created, which
// for ADLB's purposes counts as "exists" but not necessarily "closed").
func (d *Datum) wholeDatumSet() bool {
	if d.Type.IsCompound() {
		return true // existence of a compound datum is its creation, not a single write
	}
	return d.root.set
}
