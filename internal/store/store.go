// Package store implements the distributed single-assignment data store of
// spec.md component C4: single-assignment datums, compound types
// (container/multiset/struct), subscripts, reference counting, and the
// listener tree that turns an assignment into a notification set.
//
// A Store holds only the datums homed on one server (spec.md §4.1's
// layout.DatumHome decides which server that is); cross-server references
// are surfaced from Drain as unhandled entries for the caller - the server
// loop (component C10) paired with the sync protocol (component C3) - to
// forward.
//
// Grounded on original_source/lb/code/src/data.c, data (adlb-defs.h), and
// refcount.h's refcount-application rules.
package store

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/swift-lang/swift-t-sub000/internal/notify"
)

// Store is the per-server authoritative datum table.
type Store struct {
	mu sync.Mutex

	datums             map[int64]*Datum
	readRefcountEnable bool
	debugNames         map[int64]string // supplemented feature #2: id -> name, logging/leak-report only
	locked             map[int64]struct{}

	log *logrus.Entry
}

// Option configures a new Store.
type Option func(*Store)

// WithReadRefcountEnable toggles whether read-refcount deltas are applied
// at all (spec.md §4.4's "Read delta applied only if read-refcounting is
// globally enabled"; supplemented feature #6, grounded on
// original_source/lb/code/src/adlb.c's read_refcount_enable).
func WithReadRefcountEnable(enable bool) Option {
	return func(s *Store) { s.readRefcountEnable = enable }
}

// WithDebugNames seeds the optional id -> human name table consulted only
// by logging and leak reports (supplemented feature #2), never on a
// correctness path.
func WithDebugNames(names map[int64]string) Option {
	return func(s *Store) {
		for id, name := range names {
			s.debugNames[id] = name
		}
	}
}

// WithLogger attaches a logrus entry used for refcount-invariant violations
// and leak reporting. The logrus standard logger is used if omitted.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Store) { s.log = log }
}

// New creates an empty Store. Read-refcounting is enabled by default,
// matching ADLB_CLIENT_NOTIFIES's usual companion default.
func New(opts ...Option) *Store {
	s := &Store{
		datums:             make(map[int64]*Datum),
		readRefcountEnable: true,
		debugNames:         make(map[int64]string),
		locked:             make(map[int64]struct{}),
		log:                logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ReadRefcountEnabled reports whether read-refcount deltas are applied.
func (s *Store) ReadRefcountEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRefcountEnable
}

// SetReadRefcountEnable toggles read-refcount application at runtime, for
// the read_refcount_enable client operation (spec.md §6.1), which unlike
// WithReadRefcountEnable can be called after the store already holds data.
func (s *Store) SetReadRefcountEnable(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readRefcountEnable = enable
}

func (s *Store) nameOf(id int64) string {
	if name, ok := s.debugNames[id]; ok {
		return name
	}
	return ""
}

// Create declares a new datum (spec.md §4.4's create row). It fails with
// CodeDoubleDeclare if id is already present.
func (s *Store) Create(id int64, typ DataType, extra TypeExtra, props CreateProps) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == 0 {
		return newErr(CodeNull, "Create", "id 0 is ADLB_DATA_ID_NULL")
	}
	if _, exists := s.datums[id]; exists {
		return newErr(CodeDoubleDeclare, "Create", "id %d already declared", id)
	}
	s.datums[id] = newDatum(id, typ, extra, props)
	return nil
}

func (s *Store) lookup(op string, id int64) (*Datum, error) {
	d, ok := s.datums[id]
	if !ok {
		return nil, newErr(CodeNotFound, op, "id %d not found on this store", id)
	}
	if d.destroyed {
		return nil, newErr(CodeNotFound, op, "id %d already destroyed", id)
	}
	return d, nil
}

// Exists reports whether id (optionally at subscript sub) has been
// assigned, applying decr atomically on a true result.
func (s *Store) Exists(id int64, sub Subscript, decr Refc) (bool, notify.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("Exists", id)
	if err != nil {
		return false, notify.Set{}, err
	}
	n, nerr := navigate(d.root, sub, false)
	set := false
	if nerr == nil {
		if len(sub) == 0 {
			set = d.wholeDatumSet()
		} else {
			set = (n.set && n.scalarType != reservedMarker) || n.kind != TypeNull
		}
	}
	if !set {
		return false, notify.Set{}, nil
	}
	var out notify.Set
	if !decr.IsZero() {
		more, err := s.applyRefcLocked(d, decr, false)
		if err != nil {
			return true, notify.Set{}, err
		}
		out.Merge(more)
	}
	return true, out, nil
}

// StoreValue implements the store(...) operation: writes a scalar, or
// assigns a subscript of a compound datum. decr is applied to id's own
// refcounts after the write (the common "store consumes my write ref"
// convention); storeRefs is credited to the referand's refcounts when typ
// is TypeRef (spec.md §4.4's incr_referand rule).
func (s *Store) StoreValue(id int64, sub Subscript, typ DataType, value []byte, decr Refc, storeRefs Refc) (notify.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeValueLocked(id, sub, typ, value, decr, storeRefs)
}

func (s *Store) storeValueLocked(id int64, sub Subscript, typ DataType, value []byte, decr Refc, storeRefs Refc) (notify.Set, error) {
	d, err := s.lookup("StoreValue", id)
	if err != nil {
		return notify.Set{}, err
	}

	n, err := navigate(d.root, sub, true)
	if err != nil {
		return notify.Set{}, err
	}
	if n.kind != TypeNull {
		return notify.Set{}, newErr(CodeType, "StoreValue", "subscript addresses a compound value, not a leaf")
	}
	if n.set && n.scalarType != reservedMarker {
		return notify.Set{}, newErr(CodeDoubleWrite, "StoreValue", "id %d%s already set", id, subSuffix(sub))
	}
	n.set = true
	n.scalarType = typ
	n.scalar = value

	var out notify.Set
	for _, l := range d.fireMatching(sub) {
		switch l.kind {
		case listenerNotify:
			out.AppendNotify(l.rank, l.subscript, l.workType)
		case listenerReference:
			out.AppendReference(l.refID, l.refSub, int(typ), value)
			if !l.transferRefs.IsZero() {
				out.AppendRefcChange(idOrSelf(typ, value, l.refID), l.transferRefs.Read, l.transferRefs.Write, true)
			}
			if l.refWriteDecr != 0 {
				out.AppendRefcChange(l.refID, 0, -l.refWriteDecr, false)
			}
		}
	}

	if typ == TypeRef && !storeRefs.IsZero() {
		if refID, derr := DecodeRefID(value); derr == nil {
			out.AppendRefcChange(refID, storeRefs.Read, storeRefs.Write, true)
		}
	}

	if !decr.IsZero() {
		more, err := s.applyRefcLocked(d, decr, false)
		if err != nil {
			return out, err
		}
		out.Merge(more)
	}
	return out, nil
}

// idOrSelf resolves which id a transferred refcount change applies to: if
// the stored value is itself a ref, the transfer targets the referand, not
// the reference's own container.
func idOrSelf(typ DataType, value []byte, fallback int64) int64 {
	if typ == TypeRef {
		if id, err := DecodeRefID(value); err == nil {
			return id
		}
	}
	return fallback
}

func subSuffix(sub Subscript) string {
	if len(sub) == 0 {
		return ""
	}
	return "[" + sub.String() + "]"
}

// Retrieve reads id (optionally at subscript sub), applying refcounts
// reads decr/incr as described by refc.
func (s *Store) Retrieve(id int64, sub Subscript, refc RetrieveRefc) (DataType, []byte, notify.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("Retrieve", id)
	if err != nil {
		return TypeNull, nil, notify.Set{}, err
	}
	n, err := navigate(d.root, sub, false)
	if err != nil {
		return TypeNull, nil, notify.Set{}, err
	}
	if n.kind != TypeNull {
		return TypeNull, nil, notify.Set{}, newErr(CodeType, "Retrieve", "id %d%s addresses a compound value; use Enumerate", id, subSuffix(sub))
	}
	if !n.set || n.scalarType == reservedMarker {
		// spec.md §4.4: "Reading a subscript that was reserved but not set
		// returns SUBSCRIPT_NOT_FOUND"; for the whole datum (no subscript)
		// the equivalent condition is ERROR_UNSET.
		if len(sub) == 0 {
			return TypeNull, nil, notify.Set{}, newErr(CodeUnset, "Retrieve", "id %d not yet assigned", id)
		}
		return TypeNull, nil, notify.Set{}, newErr(CodeSubscriptNotFound, "Retrieve", "id %d%s not set", id, subSuffix(sub))
	}

	var out notify.Set
	if !refc.DecrSelf.IsZero() {
		more, err := s.applyRefcLocked(d, refc.DecrSelf, false)
		if err != nil {
			return TypeNull, nil, out, err
		}
		out.Merge(more)
	}
	if n.scalarType == TypeRef && !refc.IncrReferand.IsZero() {
		if refID, derr := DecodeRefID(n.scalar); derr == nil {
			out.AppendRefcChange(refID, refc.IncrReferand.Read, refc.IncrReferand.Write, true)
		}
	}
	return n.scalarType, n.scalar, out, nil
}

// Enumerate produces a packed key/value stream from a container or
// multiset (spec.md §4.4's enumerate row). count < 0 means "no limit".
func (s *Store) Enumerate(id int64, count, offset int, wantKeys, wantVals bool, decr Refc) (keys, vals [][]byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("Enumerate", id)
	if err != nil {
		return nil, nil, err
	}
	if !d.Type.IsCompound() {
		return nil, nil, newErr(CodeType, "Enumerate", "id %d is not a container/multiset/struct", id)
	}

	order := append([]string(nil), d.root.order...)
	if d.Type == TypeContainer {
		sort.Strings(order)
	}
	if offset > 0 && offset < len(order) {
		order = order[offset:]
	} else if offset >= len(order) {
		order = nil
	}
	if count >= 0 && count < len(order) {
		order = order[:count]
	}

	for _, key := range order {
		child := d.root.children[key]
		if wantKeys {
			keys = append(keys, []byte(key))
		}
		if wantVals {
			vals = append(vals, child.scalar)
		}
	}

	if !decr.IsZero() {
		if _, err := s.applyRefcLocked(d, decr, false); err != nil {
			return keys, vals, err
		}
	}
	return keys, vals, nil
}

// MarkPermanent exempts id from refcount-driven destruction from this point
// on (spec.md §6.1's permanent), the same flag CreateProps.Permanent sets
// at creation time, applied to an already-declared datum.
func (s *Store) MarkPermanent(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("MarkPermanent", id)
	if err != nil {
		return err
	}
	d.Permanent = true
	return nil
}

// TypeOf reports the type of the datum (or, for a compound datum with a
// non-empty sub, the type of the value at that subscript if it has been
// set). It applies no refcount changes: callers pair it with retrieve or
// exists when a refcount effect is also wanted.
func (s *Store) TypeOf(id int64, sub Subscript) (DataType, TypeExtra, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("TypeOf", id)
	if err != nil {
		return TypeNull, TypeExtra{}, err
	}
	if len(sub) == 0 {
		return d.Type, d.TypeExtra, nil
	}
	n, err := navigate(d.root, sub, false)
	if err != nil {
		return TypeNull, TypeExtra{}, err
	}
	if n.kind != TypeNull {
		return n.kind, TypeExtra{}, nil
	}
	if !n.set {
		return TypeNull, TypeExtra{}, newErr(CodeSubscriptNotFound, "TypeOf", "id %d%s not set", id, subSuffix(sub))
	}
	return n.scalarType, TypeExtra{}, nil
}

// ContainerSize reports the number of entries in a container or multiset.
func (s *Store) ContainerSize(id int64, sub Subscript) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("ContainerSize", id)
	if err != nil {
		return 0, err
	}
	n := d.root
	if len(sub) > 0 {
		n, err = navigate(n, sub, false)
		if err != nil {
			return 0, err
		}
	}
	if n.kind != TypeContainer && n.kind != TypeMultiset {
		return 0, newErr(CodeType, "ContainerSize", "id %d%s is not a container/multiset", id, subSuffix(sub))
	}
	return len(n.order), nil
}

// InsertAtomicResult is the outcome of InsertAtomic.
type InsertAtomicResult struct {
	Created bool
	Present bool // true if the subscript already existed (set or reserved)
	Value   []byte
	ValueType DataType
}

// InsertAtomic reserves sub on id if absent (spec.md §4.4's insert_atomic
// row; testable property #8, "at-most-one"). Because Store serializes
// every operation behind s.mu, the reservation itself is trivially
// atomic across concurrent callers: exactly one caller observes
// Created==true for a given (id, sub).
func (s *Store) InsertAtomic(id int64, sub Subscript, refcounts Refc) (InsertAtomicResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("InsertAtomic", id)
	if err != nil {
		return InsertAtomicResult{}, err
	}
	n, err := navigate(d.root, sub, true)
	if err != nil {
		return InsertAtomicResult{}, err
	}
	if n.kind != TypeNull {
		return InsertAtomicResult{}, newErr(CodeType, "InsertAtomic", "subscript addresses a compound value")
	}
	if n.set {
		return InsertAtomicResult{Created: false, Present: true, Value: n.scalar, ValueType: n.scalarType}, nil
	}

	// Reservation marker: set with a nil scalar; the caller follows up with
	// StoreValue at the same subscript to actually assign it. A second
	// InsertAtomic or StoreValue sees n.set == true and loses the race.
	n.set = true
	n.scalarType = reservedMarker

	if !refcounts.IsZero() {
		if _, err := s.applyRefcLocked(d, refcounts, false); err != nil {
			return InsertAtomicResult{}, err
		}
	}
	return InsertAtomicResult{Created: true, Present: false}, nil
}

// reservedMarker tags a leaf reserved by InsertAtomic but not yet given a
// real value by a follow-up StoreValue.
const reservedMarker DataType = -1

// Subscribe registers a notify listener for id[sub], or reports that it is
// already set so the caller can fire immediately without waiting (spec.md
// §4.4's subscribe row).
func (s *Store) Subscribe(id int64, sub Subscript, rank, workType int) (alreadySet bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("Subscribe", id)
	if err != nil {
		return false, err
	}
	n, nerr := navigate(d.root, sub, false)
	if nerr == nil && ((n.set && n.scalarType != reservedMarker) || n.kind != TypeNull) {
		return true, nil
	}
	// Not set (or not yet created at this path): register for later,
	// auto-creating the path so the eventual write has somewhere to land
	// its listener-firing walk.
	if _, err := navigate(d.root, sub, true); err != nil {
		return false, err
	}
	d.addListener(listener{subscript: sub, kind: listenerNotify, rank: rank, workType: workType})
	return false, nil
}

// ContainerReference registers that ref_id[ref_sub] shall be assigned the
// value of id[sub] once it is assigned, firing immediately if id[sub] is
// already set (spec.md §4.4's container_reference row).
func (s *Store) ContainerReference(id int64, sub Subscript, refID int64, refSub Subscript, refType DataType, transferRefs Refc, refWriteDecr int) (notify.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("ContainerReference", id)
	if err != nil {
		return notify.Set{}, err
	}
	n, nerr := navigate(d.root, sub, false)
	if nerr == nil && n.set && n.scalarType != reservedMarker {
		var out notify.Set
		out.AppendReference(refID, refSub, int(refType), n.scalar)
		if !transferRefs.IsZero() {
			out.AppendRefcChange(idOrSelf(refType, n.scalar, refID), transferRefs.Read, transferRefs.Write, true)
		}
		if refWriteDecr != 0 {
			out.AppendRefcChange(refID, 0, -refWriteDecr, false)
		}
		return out, nil
	}

	if _, err := navigate(d.root, sub, true); err != nil {
		return notify.Set{}, err
	}
	d.addListener(listener{
		subscript:    sub,
		kind:         listenerReference,
		refID:        refID,
		refSub:       refSub,
		refType:      refType,
		transferRefs: transferRefs,
		refWriteDecr: refWriteDecr,
	})
	return notify.Set{}, nil
}

// RefcountIncr applies delta to id's refcounts, possibly closing and/or
// destroying it (spec.md §4.4's refcount_incr row and §4.4's "Refcounts and
// lifecycle" rules).
func (s *Store) RefcountIncr(id int64, delta Refc) (notify.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("RefcountIncr", id)
	if err != nil {
		return notify.Set{}, err
	}
	return s.applyRefcLocked(d, delta, false)
}

// RefcountGet returns id's current refcounts after applying decr.
func (s *Store) RefcountGet(id int64, decr Refc) (Refc, notify.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup("RefcountGet", id)
	if err != nil {
		return Refc{}, notify.Set{}, err
	}
	var out notify.Set
	if !decr.IsZero() {
		more, err := s.applyRefcLocked(d, decr, false)
		if err != nil {
			return Refc{}, out, err
		}
		out.Merge(more)
	}
	return Refc{Read: d.ReadRefcount, Write: d.WriteRefcount}, out, nil
}

// Lock attempts to acquire id's advisory lock (supplemented feature #5,
// grounded on original_source/lb/code/src/data.c's lock/unlock). It is
// advisory: Store does not itself serialize any operation on whether the
// lock is held.
func (s *Store) Lock(id int64) (acquired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup("Lock", id); err != nil {
		return false, err
	}
	if _, held := s.locked[id]; held {
		return false, nil
	}
	s.locked[id] = struct{}{}
	return true, nil
}

// Unlock releases id's advisory lock.
func (s *Store) Unlock(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup("Unlock", id); err != nil {
		return err
	}
	delete(s.locked, id)
	return nil
}

// applyRefcLocked applies delta to d, handling the gating rule (read deltas
// only apply when enabled and not permanent), the negative-refcount
// invariant, closing on write-refcount reaching zero, and destruction when
// both reach zero. mu must already be held.
func (s *Store) applyRefcLocked(d *Datum, delta Refc, mustPreacquire bool) (notify.Set, error) {
	var out notify.Set

	newRead := d.ReadRefcount
	if s.readRefcountEnable && !d.Permanent {
		newRead += delta.Read
	}
	newWrite := d.WriteRefcount + delta.Write

	if newRead < 0 || newWrite < 0 {
		s.log.WithFields(logrus.Fields{
			"id":    d.ID,
			"name":  s.nameOf(d.ID),
			"read":  newRead,
			"write": newWrite,
		}).Error("refcount fell below zero")
		return out, newErr(CodeRefcountNegative, "applyRefc", "id %d refcount went negative (read=%d write=%d)", d.ID, newRead, newWrite)
	}
	d.ReadRefcount, d.WriteRefcount = newRead, newWrite

	if d.WriteRefcount == 0 && !d.closed {
		d.closed = true
		for _, l := range d.fireMatching(NoSubscript) {
			if l.kind == listenerNotify {
				out.AppendNotify(l.rank, l.subscript, l.workType)
			}
		}
	}

	if d.ReadRefcount == 0 && d.WriteRefcount == 0 && !d.Permanent && !d.destroyed {
		d.destroyed = true
		for _, refID := range collectReferands(d.root) {
			out.AppendRefcChange(refID, -1, 0, false)
		}
		// A listener still attached here can never fire: its subscript was
		// never assigned before the datum's refcounts both hit zero. The
		// original's datum_gc (data.c) asserts this case can't happen; we
		// keep the datum (and its dangling listeners) out of s.datums'
		// normal lookup path but in the map itself, so UnresolvedListeners
		// can report it at finalize instead of silently losing it.
		if len(d.listeners) == 0 {
			delete(s.datums, d.ID)
		}
	}

	return out, nil
}

// applyRefcByIDLocked looks id up and applies delta, returning
// CodeNotFound if it isn't homed on this store (the caller should then
// forward the change cross-server).
func (s *Store) applyRefcByIDLocked(id int64, delta Refc) (notify.Set, error) {
	d, err := s.lookup("Drain", id)
	if err != nil {
		return notify.Set{}, err
	}
	return s.applyRefcLocked(d, delta, false)
}

// collectReferands walks n for every TypeRef leaf and returns the
// referenced ids, used when a compound (or ref-typed) datum is destroyed
// and must release its referands (spec.md §4.4: "Compound destruction
// recursively decrements read refcounts of referands").
func collectReferands(n *node) []int64 {
	var out []int64
	if n.kind == TypeNull {
		if n.set && n.scalarType == TypeRef {
			if id, err := DecodeRefID(n.scalar); err == nil {
				out = append(out, id)
			}
		}
		return out
	}
	for _, key := range n.order {
		out = append(out, collectReferands(n.children[key])...)
	}
	return out
}

// Drain makes one pass over a notification set against this store's own
// datums (spec.md §4.4's "Processing order": preacquire refcount
// increments first, then reference-setting, then remaining refcount
// changes). It does not loop to a fixpoint: any new work a step produces
// is returned in the remainder, together with the entries whose id is not
// homed here, and the caller feeds it back in or forwards it across the
// sync protocol (component C3) to the owning server.
func (s *Store) Drain(set notify.Set) (remainder notify.Set, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked(set)
}

func (s *Store) drainLocked(set notify.Set) (notify.Set, error) {
	var out notify.Set
	out.Notify = append(out.Notify, set.Notify...)

	var deferredRC []notify.RefcChange
	for _, rc := range set.RefcChanges {
		if !rc.MustPreacquire {
			deferredRC = append(deferredRC, rc)
			continue
		}
		more, err := s.applyRefcByIDLocked(rc.ID, Refc{Read: rc.ReadDelta, Write: rc.WriteDelta})
		if err != nil {
			if CodeOf(err) == CodeNotFound {
				out.RefcChanges = append(out.RefcChanges, rc)
				continue
			}
			return out, err
		}
		out.Merge(more)
	}

	for _, ref := range set.References {
		more, handled, err := s.tryStoreReferenceLocked(ref)
		if err != nil {
			return out, err
		}
		if !handled {
			out.References = append(out.References, ref)
			continue
		}
		out.Merge(more)
	}

	for _, rc := range deferredRC {
		more, err := s.applyRefcByIDLocked(rc.ID, Refc{Read: rc.ReadDelta, Write: rc.WriteDelta})
		if err != nil {
			if CodeOf(err) == CodeNotFound {
				out.RefcChanges = append(out.RefcChanges, rc)
				continue
			}
			return out, err
		}
		out.Merge(more)
	}

	return out, nil
}

func (s *Store) tryStoreReferenceLocked(ref notify.RefDatum) (notify.Set, bool, error) {
	if _, ok := s.datums[ref.ID]; !ok {
		return notify.Set{}, false, nil
	}
	set, err := s.storeValueLocked(ref.ID, Subscript(ref.Sub), DataType(ref.Type), ref.Value, Refc{}, Refc{})
	if err != nil {
		return notify.Set{}, false, err
	}
	return set, true, nil
}

// Leak is one undestroyed, non-permanent datum still present at shutdown
// (supplemented feature #3, grounded on original_source/lb/code/src/
// server.c's report_leaks / data.c's xlb_data_leak_report).
type Leak struct {
	ID     int64
	Name   string
	Type   DataType
	ReadRC int
	WriteRC int
}

// ReportLeaks lists every datum this store still holds, for
// ADLB_REPORT_LEAKS diagnostics at finalize. Permanent datums are excluded:
// they are expected to outlive the run. Destroyed datums are also excluded:
// their refcounts reached zero correctly and they are reported (if at all)
// by UnresolvedListeners instead.
func (s *Store) ReportLeaks() []Leak {
	s.mu.Lock()
	defer s.mu.Unlock()

	var leaks []Leak
	for id, d := range s.datums {
		if d.Permanent || d.destroyed {
			continue
		}
		leaks = append(leaks, Leak{
			ID:      id,
			Name:    s.nameOf(id),
			Type:    d.Type,
			ReadRC:  d.ReadRefcount,
			WriteRC: d.WriteRefcount,
		})
	}
	return leaks
}

// Diagnostic kinds for UnresolvedListener, named after spec.md §7's
// finalize-time messages (testable property #4: every container_reference
// either fires or is reported this way; the analogous rule holds for
// subscribe).
const (
	KindUnfilledSubscribe          = "UNFILLED SUBSCRIBE"
	KindUnfilledContainerReference = "UNFILLED CONTAINER REFERENCE"
)

// UnresolvedListener is one listener - a pending subscribe or
// container_reference - still attached to a datum at finalize. Its
// subscript was never assigned, so it will never fire (grounded on
// original_source/lb/code/src/data.c's free_td_entry, which walks each
// remaining datum's listener tree at shutdown for the same report).
type UnresolvedListener struct {
	ID        int64
	Name      string
	Subscript Subscript
	Kind      string // KindUnfilledSubscribe or KindUnfilledContainerReference

	Rank     int // listenerNotify only
	WorkType int // listenerNotify only

	RefID  int64     // listenerReference only
	RefSub Subscript // listenerReference only
}

// UnresolvedListeners walks every datum this store still holds - including
// ones whose refcounts reached zero while a listener was still pending,
// which applyRefcLocked keeps out of the normal lookup path but leaves in
// s.datums for exactly this report - and returns one entry per listener
// that will now never fire.
func (s *Store) UnresolvedListeners() []UnresolvedListener {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []UnresolvedListener
	for id, d := range s.datums {
		for _, l := range d.listeners {
			u := UnresolvedListener{ID: id, Name: s.nameOf(id), Subscript: l.subscript}
			switch l.kind {
			case listenerNotify:
				u.Kind = KindUnfilledSubscribe
				u.Rank = l.rank
				u.WorkType = l.workType
			case listenerReference:
				u.Kind = KindUnfilledContainerReference
				u.RefID = l.refID
				u.RefSub = l.refSub
			}
			out = append(out, u)
		}
	}
	return out
}

// FinalizeCheck reports every outstanding listener alongside a
// CodeUnresolved error when any remain, for the caller to log and
// propagate as a non-zero exit (spec.md §7: "every outstanding listener...
// is printed and the process exits non-zero").
func (s *Store) FinalizeCheck() ([]UnresolvedListener, error) {
	unresolved := s.UnresolvedListeners()
	if len(unresolved) == 0 {
		return nil, nil
	}
	return unresolved, newErr(CodeUnresolved, "Finalize", "%d listener(s) never fired", len(unresolved))
}
