// Package reqqueue implements the per-server request queue of spec.md
// component C7: a FIFO of pending Get requests per work type, plus a direct
// (rank, type) index so a newly queued task can be matched to a specific
// worker in O(1) instead of scanning the FIFO.
//
// Grounded on original_source/lb/code/src/requestqueue.c. The original pools
// its intrusive list nodes to avoid malloc/free on the hot path; Go's
// allocator and GC make that pool unnecessary here, so container/list is
// used directly (see DESIGN.md).
package reqqueue

import (
	"container/list"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// request is one pending Get, coalescing repeated (rank, type) requests
// into a single count.
type request struct {
	rank     int
	typ      int
	count    int
	blocking bool
}

// Queue is one server's request queue.
type Queue struct {
	mu sync.Mutex

	types int
	// parMod aligns contiguous parallel-worker blocks to a modulus
	// (spec.md §4.8's ADLB_PAR_MOD), defaulting to 1 (no alignment).
	parMod int

	byType []*list.List          // one FIFO per work type
	byRank map[int]*list.Element // rank -> its element in byType[typ], if any

	size     int
	nblocked int
}

// New creates an empty Queue for the given number of work types. parMod is
// the contiguous-block alignment modulus for parallel matching; pass 1 for
// no alignment.
func New(types, parMod int) *Queue {
	if types < 1 {
		types = 1
	}
	if parMod < 1 {
		parMod = 1
	}
	q := &Queue{
		types:  types,
		parMod: parMod,
		byType: make([]*list.List, types),
		byRank: make(map[int]*list.Element),
	}
	for i := range q.byType {
		q.byType[i] = list.New()
	}
	return q
}

// Add records that rank wants count units of type typ, merging into an
// existing pending request from the same rank. A rank may not have two
// simultaneous requests for different types outstanding (spec.md §3.4's
// assumption, carried from the original's "do not yet support simultaneous
// requests for different work types from same rank").
func (q *Queue) Add(rank, typ, count int, blocking bool) error {
	if count < 1 {
		return errors.Errorf("reqqueue: count must be >= 1, got %d", count)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := q.byRank[rank]; ok {
		r := el.Value.(*request)
		if r.typ != typ {
			return errors.Errorf("reqqueue: rank %d already waiting on type %d, cannot also request type %d", rank, r.typ, typ)
		}
		r.count += count
		if blocking && !r.blocking {
			r.blocking = true
			q.nblocked++
		}
		return nil
	}

	r := &request{rank: rank, typ: typ, count: count, blocking: blocking}
	el := q.byType[typ].PushBack(r)
	q.byRank[rank] = el
	q.size++
	if blocking {
		q.nblocked++
	}
	return nil
}

// removeOne decrements r's count by one, fully removing it once the count
// reaches zero.
func (q *Queue) removeOne(typ int, el *list.Element) int {
	r := el.Value.(*request)
	rank := r.rank
	if r.blocking {
		q.nblocked--
	}
	if r.count <= 1 {
		q.byType[typ].Remove(el)
		delete(q.byRank, rank)
		q.size--
	} else {
		r.count--
		r.blocking = false
	}
	return rank
}

// MatchesTarget reports whether rank has a pending request of type typ; if
// so it is matched (count decremented by one) and true is returned.
func (q *Queue) MatchesTarget(rank, typ int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.byRank[rank]
	if !ok || el.Value.(*request).typ != typ {
		return false
	}
	q.removeOne(typ, el)
	return true
}

// MatchesType pops the oldest pending request of type typ regardless of
// rank, returning its rank, or ok=false if none pending.
func (q *Queue) MatchesType(typ int) (rank int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el := q.byType[typ].Front()
	if el == nil {
		return 0, false
	}
	return q.removeOne(typ, el), true
}

// ParallelWorkers tries to find parallelism distinct ranks requesting type
// typ, returning a contiguous block when ordered is true (aligned to
// parMod), or any parallelism ranks when ordered is false.
func (q *Queue) ParallelWorkers(typ, parallelism int, ordered bool) ([]int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	L := q.byType[typ]
	if L.Len() < parallelism {
		return nil, false
	}
	if !ordered {
		ranks := make([]int, 0, parallelism)
		for el := L.Front(); el != nil && len(ranks) < parallelism; {
			next := el.Next()
			ranks = append(ranks, q.removeOne(typ, el))
			el = next
		}
		return ranks, true
	}
	return q.parallelWorkersOrdered(typ, parallelism)
}

func (q *Queue) parallelWorkersOrdered(typ, parallelism int) ([]int, bool) {
	L := q.byType[typ]
	flat := make([]int, 0, L.Len())
	for el := L.Front(); el != nil; el = el.Next() {
		flat = append(flat, el.Value.(*request).rank)
	}
	sort.Ints(flat)

	start, ok := findContig(flat, parallelism, q.parMod)
	if !ok {
		return nil, false
	}
	ranks := make([]int, parallelism)
	for i := 0; i < parallelism; i++ {
		ranks[i] = flat[start] + i
	}

	want := make(map[int]bool, parallelism)
	for _, r := range ranks {
		want[r] = true
	}
	for el := L.Front(); el != nil && len(want) > 0; {
		next := el.Next()
		rank := el.Value.(*request).rank
		if want[rank] {
			q.removeOne(typ, el)
			delete(want, rank)
		}
		el = next
	}
	return ranks, true
}

// findContig finds k contiguous values in sorted A, where the run's start
// value is a multiple of m (spec.md §4.8's par_mod alignment).
func findContig(a []int, k, m int) (start int, ok bool) {
	n := len(a)
	for p := 0; p+k <= n; p++ {
		if a[p]%m != 0 {
			continue
		}
		contig := true
		for q := 1; q < k; q++ {
			if a[p+q] != a[p]+q {
				contig = false
				break
			}
		}
		if contig {
			return p, true
		}
	}
	return 0, false
}

// Size returns the total number of distinct pending requests (a coalesced
// multi-count request still counts once).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// NumBlocked returns how many pending requests are marked blocking.
func (q *Queue) NumBlocked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nblocked
}

// IncrBlocked/DecrBlocked track blocked-worker count outside of Add/removeOne,
// for the idle-detection bookkeeping in spec.md §4.10.
func (q *Queue) IncrBlocked() { q.mu.Lock(); q.nblocked++; q.mu.Unlock() }
func (q *Queue) DecrBlocked() { q.mu.Lock(); q.nblocked--; q.mu.Unlock() }

// TypeCounts returns, per work type, the number of distinct pending
// requests.
func (q *Queue) TypeCounts() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make([]int, q.types)
	for t, L := range q.byType {
		counts[t] = L.Len()
	}
	return counts
}

// Shutdown drains every pending request and returns the distinct ranks that
// were waiting, so the caller can notify each of shutdown (spec.md §4.10).
func (q *Queue) Shutdown() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ranks []int
	for _, L := range q.byType {
		for el := L.Front(); el != nil; {
			next := el.Next()
			ranks = append(ranks, el.Value.(*request).rank)
			el = next
		}
		L.Init()
	}
	q.byRank = make(map[int]*list.Element)
	q.size = 0
	q.nblocked = 0
	return ranks
}
