package layout_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swift-lang/swift-t-sub000/internal/layout"
)

func hostmap(workersPerHost int) func(int) string {
	return func(rank int) string {
		return fmt.Sprintf("host%d", rank/workersPerHost)
	}
}

func TestWorkerServerPartition(t *testing.T) {
	l, err := layout.New(10, 3, hostmap(5))
	require.NoError(t, err)

	assert.True(t, l.IsWorker(0))
	assert.True(t, l.IsWorker(9))
	assert.False(t, l.IsWorker(10))
	assert.True(t, l.IsServer(10))
	assert.True(t, l.IsServer(12))
	assert.False(t, l.IsServer(13))

	// chunk = ceil(10/3) = 4, so server 0 owns [0,4), server 1 owns [4,8),
	// server 2 owns [8,10).
	lo, hi := l.WorkersOf(10)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 4, hi)
	lo, hi = l.WorkersOf(11)
	assert.Equal(t, 4, lo)
	assert.Equal(t, 8, hi)
	lo, hi = l.WorkersOf(12)
	assert.Equal(t, 8, lo)
	assert.Equal(t, 10, hi)

	for w := 0; w < 10; w++ {
		home := l.HomeServer(w)
		lo, hi := l.WorkersOf(home)
		assert.True(t, w >= lo && w < hi, "worker %d not in its home server's range", w)
	}
}

func TestHostWorkers(t *testing.T) {
	l, err := layout.New(6, 2, hostmap(3))
	require.NoError(t, err)

	got := l.HostWorkers(1)
	assert.ElementsMatch(t, []int{0, 1, 2}, got)
	got = l.HostWorkers(5)
	assert.ElementsMatch(t, []int{3, 4, 5}, got)
}

// TestLocateDeterministic is testable property #7: locate(id) returns the
// same server on every rank. Since DatumHome is a pure function of id and
// the frozen layout, any two Layout instances built identically agree.
func TestLocateDeterministic(t *testing.T) {
	l1, err := layout.New(20, 4, hostmap(5))
	require.NoError(t, err)
	l2, err := layout.New(20, 4, hostmap(5))
	require.NoError(t, err)

	for _, id := range []int64{0, 1, 2, -7, 1000000, -1000000} {
		assert.Equal(t, l1.DatumHome(id), l2.DatumHome(id))
	}
}

func TestIDSpaceDisjointAcrossServers(t *testing.T) {
	servers := 4
	spaces := make([]*layout.IDSpace, servers)
	for i := range spaces {
		spaces[i] = layout.NewIDSpace(i, servers)
	}

	seen := make(map[int64]int)
	for i, sp := range spaces {
		for n := 0; n < 50; n++ {
			id := sp.Unique()
			if owner, ok := seen[id]; ok {
				t.Fatalf("id %d minted by both server %d and server %d", id, owner, i)
			}
			seen[id] = i
			assert.Equal(t, int64(i), id%int64(servers))
		}
	}
}

func TestAllocGlobalBatchIsContiguousInStripe(t *testing.T) {
	sp := layout.NewIDSpace(1, 3)
	first := sp.AllocGlobal(5)
	next := sp.Unique()
	assert.Equal(t, first+5*3, next)
}
