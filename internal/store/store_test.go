package store_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swift-lang/swift-t-sub000/internal/store"
)

func mustCreate(t *testing.T, s *store.Store, id int64, typ store.DataType, props store.CreateProps) {
	t.Helper()
	require.NoError(t, s.Create(id, typ, store.TypeExtra{}, props))
}

// TestSingleAssignment is testable property #1: for every datum and
// subscript, at most one store succeeds; the rest return DOUBLE_WRITE.
func TestSingleAssignment(t *testing.T) {
	s := store.New()
	mustCreate(t, s, 1, store.TypeInteger, store.DefaultCreateProps)

	_, err := s.StoreValue(1, store.NoSubscript, store.TypeInteger, []byte("1"), store.Refc{}, store.Refc{})
	require.NoError(t, err)

	_, err = s.StoreValue(1, store.NoSubscript, store.TypeInteger, []byte("2"), store.Refc{}, store.Refc{})
	require.Error(t, err)
	assert.Equal(t, store.CodeDoubleWrite, store.CodeOf(err))
}

func TestStoreUnknownID(t *testing.T) {
	s := store.New()
	_, err := s.StoreValue(99, store.NoSubscript, store.TypeInteger, []byte("1"), store.Refc{}, store.Refc{})
	require.Error(t, err)
	assert.Equal(t, store.CodeNotFound, store.CodeOf(err))
}

// TestRefcountNonNegativity is testable property #2: no datum's refcount is
// ever observed negative; decrementing past zero is rejected.
func TestRefcountNonNegativity(t *testing.T) {
	s := store.New()
	mustCreate(t, s, 1, store.TypeInteger, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1})

	_, err := s.RefcountIncr(1, store.Refc{Read: -2})
	require.Error(t, err)
	assert.Equal(t, store.CodeRefcountNegative, store.CodeOf(err))
}

func TestRefcountCloseAndDestroy(t *testing.T) {
	s := store.New()
	mustCreate(t, s, 1, store.TypeInteger, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1})

	rc, _, err := s.RefcountGet(1, store.Refc{})
	require.NoError(t, err)
	assert.Equal(t, store.Refc{Read: 1, Write: 1}, rc)

	_, err = s.RefcountIncr(1, store.Refc{Write: -1})
	require.NoError(t, err)

	// Write hit zero, read still 1: datum should still be retrievable by id
	// (not yet destroyed) though closed.
	_, _, err = s.RefcountGet(1, store.Refc{})
	require.NoError(t, err)

	_, err = s.RefcountIncr(1, store.Refc{Read: -1})
	require.NoError(t, err)

	// Both refcounts at zero and not permanent: destroyed, so a further
	// query reports not found.
	_, _, err = s.RefcountGet(1, store.Refc{})
	require.Error(t, err)
	assert.Equal(t, store.CodeNotFound, store.CodeOf(err))
}

func TestPermanentDatumSurvivesZeroRefcount(t *testing.T) {
	s := store.New()
	mustCreate(t, s, 1, store.TypeInteger, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1, Permanent: true})

	_, err := s.RefcountIncr(1, store.Refc{Read: -1, Write: -1})
	require.NoError(t, err)

	rc, _, err := s.RefcountGet(1, store.Refc{})
	require.NoError(t, err)
	assert.Equal(t, store.Refc{Read: 1, Write: 0}, rc, "permanent datum's read refcount is never decremented")
}

func TestExistsAppliesDecr(t *testing.T) {
	s := store.New()
	mustCreate(t, s, 1, store.TypeInteger, store.CreateProps{ReadRefcount: 2, WriteRefcount: 1})
	_, err := s.StoreValue(1, store.NoSubscript, store.TypeInteger, []byte("42"), store.Refc{}, store.Refc{})
	require.NoError(t, err)

	ok, _, err := s.Exists(1, store.NoSubscript, store.Refc{Read: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	rc, _, err := s.RefcountGet(1, store.Refc{})
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Read)
}

func TestSubscribeFiresOnStore(t *testing.T) {
	s := store.New()
	mustCreate(t, s, 1, store.TypeInteger, store.DefaultCreateProps)

	alreadySet, err := s.Subscribe(1, store.NoSubscript, 7, 3)
	require.NoError(t, err)
	assert.False(t, alreadySet)

	set, err := s.StoreValue(1, store.NoSubscript, store.TypeInteger, []byte("5"), store.Refc{}, store.Refc{})
	require.NoError(t, err)
	require.Len(t, set.Notify, 1)
	assert.Equal(t, 7, set.Notify[0].Rank)
	assert.Equal(t, 3, set.Notify[0].WorkType)
}

func TestSubscribeAlreadySet(t *testing.T) {
	s := store.New()
	mustCreate(t, s, 1, store.TypeInteger, store.DefaultCreateProps)
	_, err := s.StoreValue(1, store.NoSubscript, store.TypeInteger, []byte("5"), store.Refc{}, store.Refc{})
	require.NoError(t, err)

	alreadySet, err := s.Subscribe(1, store.NoSubscript, 7, 3)
	require.NoError(t, err)
	assert.True(t, alreadySet)
}

func TestContainerStoreAndEnumerate(t *testing.T) {
	s := store.New()
	extra := store.TypeExtra{KeyType: store.TypeString, ValType: store.TypeInteger, Valid: true}
	require.NoError(t, s.Create(1, store.TypeContainer, extra, store.DefaultCreateProps))

	for _, k := range []string{"b", "a", "c"} {
		_, err := s.StoreValue(1, store.Subscript(k), store.TypeInteger, []byte(k), store.Refc{}, store.Refc{})
		require.NoError(t, err)
	}

	keys, vals, err := s.Enumerate(1, -1, 0, true, true, store.Refc{})
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.Len(t, vals, 3)

	typ, val, _, err := s.Retrieve(1, store.Subscript("a"), store.RetrieveNoRefc)
	require.NoError(t, err)
	assert.Equal(t, store.TypeInteger, typ)
	assert.Equal(t, []byte("a"), val)
}

func TestStructDottedSubscript(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Create(1, store.TypeStruct, store.TypeExtra{}, store.DefaultCreateProps))

	_, err := s.StoreValue(1, store.Subscript("3.1"), store.TypeInteger, []byte("99"), store.Refc{}, store.Refc{})
	require.NoError(t, err)

	typ, val, _, err := s.Retrieve(1, store.Subscript("3.1"), store.RetrieveNoRefc)
	require.NoError(t, err)
	assert.Equal(t, store.TypeInteger, typ)
	assert.Equal(t, []byte("99"), val)

	// Field 3's other sub-fields remain unset.
	_, _, _, err = s.Retrieve(1, store.Subscript("3.2"), store.RetrieveNoRefc)
	require.Error(t, err)
	assert.Equal(t, store.CodeSubscriptNotFound, store.CodeOf(err))
}

// TestInsertAtomicAtMostOne is testable property #8: across any number of
// concurrent callers, exactly one InsertAtomic on a given (id, sub) returns
// Created=true.
func TestInsertAtomicAtMostOne(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Create(1, store.TypeContainer, store.TypeExtra{}, store.DefaultCreateProps))

	const n = 64
	results := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := s.InsertAtomic(1, store.Subscript("k"), store.Refc{})
			require.NoError(t, err)
			results[i] = res.Created
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		if r {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestInsertAtomicThenStoreFillsReservation(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Create(1, store.TypeContainer, store.TypeExtra{}, store.DefaultCreateProps))

	res, err := s.InsertAtomic(1, store.Subscript("k"), store.Refc{})
	require.NoError(t, err)
	require.True(t, res.Created)

	// Not yet retrievable: reserved but not filled.
	_, _, _, err = s.Retrieve(1, store.Subscript("k"), store.RetrieveNoRefc)
	require.Error(t, err)
	assert.Equal(t, store.CodeSubscriptNotFound, store.CodeOf(err))

	_, err = s.StoreValue(1, store.Subscript("k"), store.TypeInteger, []byte("7"), store.Refc{}, store.Refc{})
	require.NoError(t, err)

	typ, val, _, err := s.Retrieve(1, store.Subscript("k"), store.RetrieveNoRefc)
	require.NoError(t, err)
	assert.Equal(t, store.TypeInteger, typ)
	assert.Equal(t, []byte("7"), val)

	// A second insert_atomic on the now-filled slot reports present, not created.
	res, err = s.InsertAtomic(1, store.Subscript("k"), store.Refc{})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, res.Present)
}

// TestReferenceCompleteness is testable property #4 / scenario E4: a
// container_reference registered before the source is assigned must fire
// once the source is stored, producing a reference the caller drains into
// the target datum.
func TestReferenceCompleteness(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Create(30, store.TypeInteger, store.TypeExtra{}, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1}))
	require.NoError(t, s.Create(40, store.TypeContainer, store.TypeExtra{}, store.DefaultCreateProps))

	set, err := s.ContainerReference(40, store.Subscript("k"), 30, store.NoSubscript, store.TypeInteger, store.Refc{}, 1)
	require.NoError(t, err)
	assert.True(t, set.Empty())

	set, err = s.StoreValue(40, store.Subscript("k"), store.TypeInteger, intBytes(99), store.Refc{}, store.Refc{})
	require.NoError(t, err)
	require.Len(t, set.References, 1)
	assert.Equal(t, int64(30), set.References[0].ID)
	assert.Equal(t, intBytes(99), set.References[0].Value)

	remainder, err := s.Drain(set)
	require.NoError(t, err)
	assert.True(t, remainder.Empty())

	typ, val, _, err := s.Retrieve(30, store.NoSubscript, store.RetrieveNoRefc)
	require.NoError(t, err)
	assert.Equal(t, store.TypeInteger, typ)
	assert.Equal(t, intBytes(99), val)

	rc, _, err := s.RefcountGet(30, store.Refc{})
	require.NoError(t, err)
	assert.Equal(t, 0, rc.Write, "write count on 30 must be 0 after the reference transfer's decr")
}

// TestUnresolvedContainerReference is the unfilled half of testable
// property #4: a container_reference whose source never gets assigned is
// still attached when the container's own refcounts hit zero, and must be
// reported rather than silently dropped from the store.
func TestUnresolvedContainerReference(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Create(30, store.TypeInteger, store.TypeExtra{}, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1}))
	require.NoError(t, s.Create(40, store.TypeContainer, store.TypeExtra{}, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1}))

	set, err := s.ContainerReference(40, store.Subscript("never-written"), 30, store.NoSubscript, store.TypeInteger, store.Refc{}, 1)
	require.NoError(t, err)
	assert.True(t, set.Empty())

	// 40 never gets its "never-written" slot stored, so the reference
	// listener is still pending when 40's refcounts are dropped to zero.
	set, err = s.RefcountIncr(40, store.Refc{Read: -1, Write: -1})
	require.NoError(t, err)
	remainder, err := s.Drain(set)
	require.NoError(t, err)
	assert.True(t, remainder.Empty())

	unresolved := s.UnresolvedListeners()
	require.Len(t, unresolved, 1)
	assert.Equal(t, int64(40), unresolved[0].ID)
	assert.Equal(t, store.KindUnfilledContainerReference, unresolved[0].Kind)
	assert.Equal(t, int64(30), unresolved[0].RefID)

	_, err = s.FinalizeCheck()
	require.Error(t, err)
	assert.Equal(t, store.CodeUnresolved, store.CodeOf(err))

	// 30's write refcount was never released by the (never-fired)
	// reference transfer, so it shows up as a leak rather than destroyed.
	leaks := s.ReportLeaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, int64(30), leaks[0].ID)
}

func TestContainerReferenceImmediateFire(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Create(30, store.TypeInteger, store.TypeExtra{}, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1}))
	require.NoError(t, s.Create(40, store.TypeContainer, store.TypeExtra{}, store.DefaultCreateProps))

	_, err := s.StoreValue(40, store.Subscript("k"), store.TypeInteger, intBytes(7), store.Refc{}, store.Refc{})
	require.NoError(t, err)

	set, err := s.ContainerReference(40, store.Subscript("k"), 30, store.NoSubscript, store.TypeInteger, store.Refc{}, 0)
	require.NoError(t, err)
	require.Len(t, set.References, 1)
	assert.Equal(t, intBytes(7), set.References[0].Value)
}

func TestRefTypeDestroyReleasesReferand(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Create(1, store.TypeInteger, store.TypeExtra{}, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1}))
	require.NoError(t, s.Create(2, store.TypeRef, store.TypeExtra{}, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1}))

	_, err := s.StoreValue(2, store.NoSubscript, store.TypeRef, store.EncodeRefID(1), store.Refc{}, store.Refc{})
	require.NoError(t, err)

	// Close 1 so that only its read refcount keeps it alive.
	_, err = s.RefcountIncr(1, store.Refc{Write: -1})
	require.NoError(t, err)

	set, err := s.RefcountIncr(2, store.Refc{Read: -1, Write: -1})
	require.NoError(t, err)
	require.Len(t, set.RefcChanges, 1)
	assert.Equal(t, int64(1), set.RefcChanges[0].ID)
	assert.Equal(t, -1, set.RefcChanges[0].ReadDelta)

	remainder, err := s.Drain(set)
	require.NoError(t, err)
	assert.True(t, remainder.Empty())

	_, _, err = s.RefcountGet(1, store.Refc{})
	require.Error(t, err)
	assert.Equal(t, store.CodeNotFound, store.CodeOf(err), "referand's own refcount hit zero and it should be destroyed too")
}

func TestReportLeaksExcludesPermanent(t *testing.T) {
	s := store.New(store.WithDebugNames(map[int64]string{1: "x"}))
	mustCreate(t, s, 1, store.TypeInteger, store.DefaultCreateProps)
	mustCreate(t, s, 2, store.TypeInteger, store.CreateProps{Permanent: true, ReadRefcount: 1, WriteRefcount: 1})

	leaks := s.ReportLeaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, int64(1), leaks[0].ID)
	assert.Equal(t, "x", leaks[0].Name)
}

func TestReadRefcountDisabled(t *testing.T) {
	s := store.New(store.WithReadRefcountEnable(false))
	mustCreate(t, s, 1, store.TypeInteger, store.CreateProps{ReadRefcount: 1, WriteRefcount: 1})

	_, err := s.RefcountIncr(1, store.Refc{Read: -5})
	require.NoError(t, err, "read deltas are ignored entirely when read-refcounting is disabled")

	rc, _, err := s.RefcountGet(1, store.Refc{})
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Read)
}

func TestLockUnlock(t *testing.T) {
	s := store.New()
	mustCreate(t, s, 1, store.TypeInteger, store.DefaultCreateProps)

	acquired, err := s.Lock(1)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = s.Lock(1)
	require.NoError(t, err)
	assert.False(t, acquired, "already held")

	require.NoError(t, s.Unlock(1))

	acquired, err = s.Lock(1)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func intBytes(n int64) []byte { return store.EncodeRefID(n) }
