package queue_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swift-lang/swift-t-sub000/internal/queue"
)

func wu(id int64, typ, priority, target int) *queue.WorkUnit {
	return &queue.WorkUnit{ID: id, Type: typ, Priority: priority, Parallelism: 1, Target: target}
}

func TestUntargetedPriorityOrder(t *testing.T) {
	q := queue.New(1)
	require.NoError(t, q.Add(wu(1, 0, 5, queue.NoTarget), 0))
	require.NoError(t, q.Add(wu(2, 0, 10, queue.NoTarget), 0))
	require.NoError(t, q.Add(wu(3, 0, 1, queue.NoTarget), 0))

	got := q.Get(0, 99, 0)
	require.NotNil(t, got)
	assert.EqualValues(t, 2, got.ID)

	got = q.Get(0, 99, 0)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.ID)

	got = q.Get(0, 99, 0)
	require.NotNil(t, got)
	assert.EqualValues(t, 3, got.ID)

	assert.Nil(t, q.Get(0, 99, 0))
}

func TestRankTargetedBeatsUntargeted(t *testing.T) {
	q := queue.New(1)
	u := wu(1, 0, 1, queue.NoTarget)
	require.NoError(t, q.Add(u, 0))

	targeted := wu(2, 0, 0, 7)
	targeted.Strictness = queue.TargetHard
	require.NoError(t, q.Add(targeted, 0))

	got := q.Get(0, 7, 0)
	require.NotNil(t, got)
	assert.EqualValues(t, 2, got.ID, "rank-targeted task must win over untargeted for its own rank")

	got = q.Get(0, 7, 0)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.ID, "falls through to untargeted once the targeted heap is empty")
}

func TestHardTargetedNeverMatchesOtherRank(t *testing.T) {
	q := queue.New(1)
	targeted := wu(1, 0, 5, 7)
	targeted.Strictness = queue.TargetHard
	require.NoError(t, q.Add(targeted, 0))

	assert.Nil(t, q.Get(0, 8, 0), "hard-targeted work must not be visible to any other rank")
	got := q.Get(0, 7, 0)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.ID)
}

func TestSoftTargetedReachableByAnyoneAtReducedPriority(t *testing.T) {
	q := queue.New(1)
	soft := wu(1, 0, 100, 7) // TargetSoft is the zero value
	require.NoError(t, q.Add(soft, 0))

	other := wu(2, 0, 5, queue.NoTarget)
	require.NoError(t, q.Add(other, 0))

	// Rank 7 sees its own targeted task first.
	got := q.Get(0, 7, 0)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.ID)

	// Re-add so a different rank can observe the soft-target's reduced
	// priority placement in the untargeted heap.
	require.NoError(t, q.Add(wu(3, 0, 100, 7), 0))
	got = q.Get(0, 99, 0)
	require.NotNil(t, got)
	assert.EqualValues(t, 2, got.ID, "higher-priority untargeted task should beat a penalized soft target")
}

func TestNodeTargetedMatchesByHostKey(t *testing.T) {
	q := queue.New(1)
	targeted := wu(1, 0, 5, 7)
	targeted.Accuracy = queue.TargetNode
	targeted.Strictness = queue.TargetHard
	require.NoError(t, q.Add(targeted, 42))

	assert.Nil(t, q.Get(0, 7, 1))
	got := q.Get(0, 9, 42) // different rank, same host key
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.ID)
}

func TestPopParallelSkipsAlreadyFailedSizes(t *testing.T) {
	q := queue.New(1)
	big := &queue.WorkUnit{ID: 1, Type: 0, Priority: 10, Parallelism: 4, Target: queue.NoTarget}
	small := &queue.WorkUnit{ID: 2, Type: 0, Priority: 5, Parallelism: 2, Target: queue.NoTarget}
	require.NoError(t, q.Add(big, 0))
	require.NoError(t, q.Add(small, 0))

	calls := 0
	matchWU, ranks := q.PopParallel(0, func(parallelism int) ([]int, bool) {
		calls++
		if parallelism == 4 {
			return nil, false
		}
		return []int{0, 1}, true
	})
	require.NotNil(t, matchWU)
	assert.EqualValues(t, 2, matchWU.ID)
	assert.Equal(t, []int{0, 1}, ranks)
	assert.Equal(t, 2, calls, "should try the size-4 task once then the size-2 task once")
}

func TestStealSingleRespectsFraction(t *testing.T) {
	q := queue.New(1)
	for i := int64(1); i <= 20; i++ {
		require.NoError(t, q.Add(wu(i, 0, int(i), queue.NoTarget), 0))
	}
	rng := rand.New(rand.NewSource(1))
	stolen, err := q.StealSingle(0, 1.0, rng, func(*queue.WorkUnit) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 20, stolen, "p=1.0 should steal everything")
	assert.Equal(t, 0, q.TypeCounts()[0])
}

func TestFinalizeDrainsEverything(t *testing.T) {
	q := queue.New(2)
	require.NoError(t, q.Add(wu(1, 0, 1, queue.NoTarget), 0))
	require.NoError(t, q.Add(&queue.WorkUnit{ID: 2, Type: 1, Priority: 1, Parallelism: 3, Target: queue.NoTarget}, 0))

	leaked := q.Finalize()
	assert.Len(t, leaked, 2)
	assert.Nil(t, q.Get(0, 0, 0))
}

func TestDuplicateIDRejected(t *testing.T) {
	q := queue.New(1)
	require.NoError(t, q.Add(wu(1, 0, 1, queue.NoTarget), 0))
	err := q.Add(wu(1, 0, 2, queue.NoTarget), 0)
	assert.Error(t, err)
}
