package reqqueue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swift-lang/swift-t-sub000/internal/reqqueue"
)

func TestAddAndMatchesType(t *testing.T) {
	q := reqqueue.New(1, 1)
	require.NoError(t, q.Add(3, 0, 1, false))
	require.NoError(t, q.Add(4, 0, 1, false))

	rank, ok := q.MatchesType(0)
	require.True(t, ok)
	assert.Equal(t, 3, rank, "FIFO order: rank 3 requested first")

	rank, ok = q.MatchesType(0)
	require.True(t, ok)
	assert.Equal(t, 4, rank)

	_, ok = q.MatchesType(0)
	assert.False(t, ok)
}

func TestAddCoalescesSameRank(t *testing.T) {
	q := reqqueue.New(1, 1)
	require.NoError(t, q.Add(3, 0, 1, false))
	require.NoError(t, q.Add(3, 0, 2, true))
	assert.Equal(t, 1, q.Size(), "same rank's repeated request coalesces into one entry")
	assert.Equal(t, 1, q.NumBlocked())

	assert.True(t, q.MatchesTarget(3, 0))
	assert.Equal(t, 1, q.Size(), "count 3 decremented to 2, entry still present")
	assert.True(t, q.MatchesTarget(3, 0))
	assert.True(t, q.MatchesTarget(3, 0))
	assert.Equal(t, 0, q.Size())
}

func TestAddRejectsTypeMismatchForSameRank(t *testing.T) {
	q := reqqueue.New(2, 1)
	require.NoError(t, q.Add(3, 0, 1, false))
	err := q.Add(3, 1, 1, false)
	assert.Error(t, err)
}

func TestMatchesTargetOnlyMatchesOwnRank(t *testing.T) {
	q := reqqueue.New(1, 1)
	require.NoError(t, q.Add(3, 0, 1, false))
	assert.False(t, q.MatchesTarget(4, 0))
	assert.True(t, q.MatchesTarget(3, 0))
}

func TestParallelWorkersUnordered(t *testing.T) {
	q := reqqueue.New(1, 1)
	for _, r := range []int{5, 2, 9} {
		require.NoError(t, q.Add(r, 0, 1, false))
	}
	ranks, ok := q.ParallelWorkers(0, 3, false)
	require.True(t, ok)
	assert.ElementsMatch(t, []int{5, 2, 9}, ranks)
	assert.Equal(t, 0, q.Size())
}

func TestParallelWorkersUnorderedInsufficientCount(t *testing.T) {
	q := reqqueue.New(1, 1)
	require.NoError(t, q.Add(5, 0, 1, false))
	_, ok := q.ParallelWorkers(0, 2, false)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Size(), "failed match must not consume any request")
}

func TestParallelWorkersOrderedFindsContiguousBlock(t *testing.T) {
	q := reqqueue.New(1, 1)
	for _, r := range []int{0, 1, 5, 6, 7, 10} {
		require.NoError(t, q.Add(r, 0, 1, false))
	}
	ranks, ok := q.ParallelWorkers(0, 3, true)
	require.True(t, ok)
	assert.Equal(t, []int{5, 6, 7}, ranks)
	assert.Equal(t, 3, q.Size(), "only the matched block's 3 requests are consumed")
}

func TestParallelWorkersOrderedRespectsParMod(t *testing.T) {
	q := reqqueue.New(1, 4) // par_mod=4: contiguous block must start on a multiple of 4
	for _, r := range []int{1, 2, 3, 4, 5} {
		require.NoError(t, q.Add(r, 0, 1, false))
	}
	// [1,2,3] is contiguous but doesn't start on a multiple of 4; [4,5,...]
	// would need a 3rd rank (6) which isn't present, so no match.
	_, ok := q.ParallelWorkers(0, 3, true)
	assert.False(t, ok)

	require.NoError(t, q.Add(6, 0, 1, false))
	ranks, ok := q.ParallelWorkers(0, 3, true)
	require.True(t, ok)
	assert.Equal(t, []int{4, 5, 6}, ranks)
}

func TestBlockedCounters(t *testing.T) {
	q := reqqueue.New(1, 1)
	require.NoError(t, q.Add(1, 0, 1, true))
	require.NoError(t, q.Add(2, 0, 1, false))
	assert.Equal(t, 1, q.NumBlocked())

	q.IncrBlocked()
	assert.Equal(t, 2, q.NumBlocked())
	q.DecrBlocked()
	assert.Equal(t, 1, q.NumBlocked())
}

func TestShutdownDrainsAndReturnsRanks(t *testing.T) {
	q := reqqueue.New(2, 1)
	require.NoError(t, q.Add(1, 0, 1, false))
	require.NoError(t, q.Add(2, 1, 1, false))

	ranks := q.Shutdown()
	assert.ElementsMatch(t, []int{1, 2}, ranks)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, q.NumBlocked())
}
