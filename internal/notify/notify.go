// Package notify defines the notification set produced by a data store
// mutation (spec.md component C5): the {notify[], references[], refc_changes[]}
// triple that a create/store/retrieve/refcount_incr call hands back to its
// caller so the caller (client or server, depending on ADLB_CLIENT_NOTIFIES)
// can deliver it.
//
// Processing a Set to completion is itself recursive - setting a reference
// can itself produce more notifications and refcount changes - so the
// fixpoint loop lives next to the store that can satisfy references
// (internal/store.Store.Drain), not here. This package only owns the set's
// shape and the three invariants every caller of Drain relies on: preacquire
// ordering, append-only accumulation, and a correct emptiness check.
package notify

// RankNotify is a (rank, work_type) pair to be delivered as a priority-1
// work unit carrying a canonical "close <id> [<sub>]" payload once id (and
// optionally subscript) is set.
type RankNotify struct {
	Rank       int
	Subscript  []byte
	WorkType   int
}

// RefDatum is a pending reference-set: value must be stored to ID (at Sub,
// if non-empty) once this notification is processed.
type RefDatum struct {
	ID    int64
	Sub   []byte
	Type  int
	Value []byte
}

// RefcChange is a refcount delta that must be applied to ID. MustPreacquire
// forces the change to be applied before any other notification in the same
// Set that might decrement ID's refcount first, closing a race where a
// referand could be freed before this Set finishes acquiring its reference
// to it (spec.md §4.4, "Processing order").
type RefcChange struct {
	ID              int64
	ReadDelta       int
	WriteDelta      int
	MustPreacquire  bool
}

// Set is the accumulated effect of one datum mutation (and everything it
// recursively triggers): ranks to notify, references to set, and refcount
// deltas to apply.
type Set struct {
	Notify     []RankNotify
	References []RefDatum
	RefcChanges []RefcChange
}

// AppendNotify records that rank should be told id[subscript] closed.
func (s *Set) AppendNotify(rank int, subscript []byte, workType int) {
	s.Notify = append(s.Notify, RankNotify{Rank: rank, Subscript: subscript, WorkType: workType})
}

// AppendReference records that id (at sub, if non-empty) should be set to
// value once this Set is drained.
func (s *Set) AppendReference(id int64, sub []byte, typ int, value []byte) {
	s.References = append(s.References, RefDatum{ID: id, Sub: sub, Type: typ, Value: value})
}

// AppendRefcChange records a refcount delta to apply to id.
func (s *Set) AppendRefcChange(id int64, readDelta, writeDelta int, mustPreacquire bool) {
	s.RefcChanges = append(s.RefcChanges, RefcChange{ID: id, ReadDelta: readDelta, WriteDelta: writeDelta, MustPreacquire: mustPreacquire})
}

// Merge appends other's contents onto s in place.
func (s *Set) Merge(other Set) {
	s.Notify = append(s.Notify, other.Notify...)
	s.References = append(s.References, other.References...)
	s.RefcChanges = append(s.RefcChanges, other.RefcChanges...)
}

// Empty reports whether the set has nothing left to deliver.
//
// original_source/code/src/notifications.h's xlb_notif_empty checks
// "notify.count == 0 && references.count != 0 && rc_changes.count == 0" -
// the middle clause is inverted, so the original function returns false
// whenever there happen to be zero pending references, even with an
// otherwise-empty set. We implement the condition it was clearly meant to
// express: empty iff all three lists are empty.
func (s Set) Empty() bool {
	return len(s.Notify) == 0 && len(s.References) == 0 && len(s.RefcChanges) == 0
}
