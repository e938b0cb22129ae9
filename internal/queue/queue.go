package queue

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// targetKey indexes a rank- or host-targeted heap.
type targetKey struct {
	target int
	typ    int
}

// Queue is one server's work queue: per work-type untargeted, rank-targeted,
// node-targeted, and parallel indices over a shared arena of work units
// (spec.md §4.6). All indices may reference the same unit; removing it from
// one index leaves the others stale, validated against the arena on pop.
type Queue struct {
	mu sync.Mutex

	types int
	arena map[int64]*WorkUnit

	untargeted   map[int]*prioHeap
	targetedRank map[targetKey]*prioHeap
	targetedHost map[targetKey]*prioHeap

	// parallel holds ids awaiting a contiguous worker block, per type, in
	// no particular order; PopParallel sorts a scratch copy by priority
	// descending on each call, matching the original's rbtree-iterator
	// traversal order (highest priority considered first).
	parallel map[int][]int64
}

// New creates an empty Queue for the given number of work types.
func New(types int) *Queue {
	if types < 1 {
		types = 1
	}
	return &Queue{
		types:        types,
		arena:        make(map[int64]*WorkUnit),
		untargeted:   make(map[int]*prioHeap),
		targetedRank: make(map[targetKey]*prioHeap),
		targetedHost: make(map[targetKey]*prioHeap),
		parallel:     make(map[int][]int64),
	}
}

func (q *Queue) untargetedHeap(typ int) *prioHeap {
	h, ok := q.untargeted[typ]
	if !ok {
		h = &prioHeap{}
		q.untargeted[typ] = h
	}
	return h
}

// Add inserts wu. hostKey is the caller-resolved host index used only for
// node-accuracy targeting (ignored when wu.Target < 0 or wu.Accuracy is
// TargetRank); the caller's layout is the authority on rank<->host mapping,
// so Queue stays agnostic of it (spec.md component C1).
func (q *Queue) Add(wu *WorkUnit, hostKey int) error {
	if wu.ID == 0 {
		return errors.New("queue: work unit must have a non-zero id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.arena[wu.ID]; dup {
		return errors.Errorf("queue: work unit %d already queued", wu.ID)
	}
	q.arena[wu.ID] = wu

	if wu.Parallelism > 1 {
		q.parallel[wu.Type] = append(q.parallel[wu.Type], wu.ID)
		return nil
	}

	if wu.Target < 0 {
		q.untargetedHeap(wu.Type).push(wu.ID, wu.Priority)
		return nil
	}

	var key targetKey
	if wu.Accuracy == TargetNode {
		key = targetKey{target: hostKey, typ: wu.Type}
		h, ok := q.targetedHost[key]
		if !ok {
			h = &prioHeap{}
			q.targetedHost[key] = h
		}
		h.push(wu.ID, wu.Priority)
	} else {
		key = targetKey{target: wu.Target, typ: wu.Type}
		h, ok := q.targetedRank[key]
		if !ok {
			h = &prioHeap{}
			q.targetedRank[key] = h
		}
		h.push(wu.ID, wu.Priority)
	}

	if wu.Strictness != TargetHard {
		q.untargetedHeap(wu.Type).push(wu.ID, softTargetPriority(wu.Priority))
	}
	return nil
}

// popValid repeatedly pops h's root until it finds an entry still present
// in the arena with the expected type and priority (soft targets compare
// against their reduced priority), or the heap empties.
func (q *Queue) popValid(h *prioHeap, typ int, wantPriority func(*WorkUnit) int, remove bool) *WorkUnit {
	for {
		e, ok := h.popRoot()
		if !ok {
			return nil
		}
		wu, present := q.arena[e.id]
		if !present || wu.Type != typ || wantPriority(wu) != e.priority {
			continue
		}
		if remove {
			delete(q.arena, e.id)
		}
		return wu
	}
}

func actualPriority(wu *WorkUnit) int { return wu.Priority }

// Get matches a Get(type) request from the given worker rank/host key,
// checking rank-targeted, then host-targeted, then untargeted, in that
// order (spec.md §4.6). Returns nil if nothing matches.
func (q *Queue) Get(typ, rank, hostKey int) *WorkUnit {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h, ok := q.targetedRank[targetKey{target: rank, typ: typ}]; ok {
		if wu := q.popValid(h, typ, actualPriority, true); wu != nil {
			return wu
		}
	}
	if h, ok := q.targetedHost[targetKey{target: hostKey, typ: typ}]; ok {
		if wu := q.popValid(h, typ, actualPriority, true); wu != nil {
			return wu
		}
	}
	if h, ok := q.untargeted[typ]; ok {
		wantPriority := func(wu *WorkUnit) int {
			if wu.Target >= 0 && wu.Strictness != TargetHard {
				return softTargetPriority(wu.Priority)
			}
			return wu.Priority
		}
		if wu := q.popValid(h, typ, wantPriority, true); wu != nil {
			return wu
		}
	}
	return nil
}

// PopParallel looks for a parallel task of the given type that match can
// satisfy (match is given the task's parallelism and returns the worker
// ranks to run it on, or ok=false). It tries the highest-priority task
// first and, once a parallelism size fails to match, skips any later task
// with parallelism >= that size (no point retrying a size already known to
// be unsatisfiable), mirroring the original's smallest-parallelism-first
// short-circuit.
func (q *Queue) PopParallel(typ int, match func(parallelism int) ([]int, bool)) (*WorkUnit, []int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.parallel[typ]
	if len(ids) == 0 {
		return nil, nil
	}
	type cand struct {
		id  int64
		wu  *WorkUnit
		idx int
	}
	cands := make([]cand, 0, len(ids))
	for i, id := range ids {
		wu, ok := q.arena[id]
		if !ok {
			continue
		}
		cands = append(cands, cand{id: id, wu: wu, idx: i})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].wu.Priority > cands[j].wu.Priority })

	smallest := math.MaxInt
	for _, c := range cands {
		if c.wu.Parallelism >= smallest {
			continue
		}
		ranks, ok := match(c.wu.Parallelism)
		if !ok {
			if c.wu.Parallelism < smallest {
				smallest = c.wu.Parallelism
			}
			continue
		}
		q.removeParallel(typ, c.id)
		delete(q.arena, c.id)
		return c.wu, ranks
	}
	return nil, nil
}

func (q *Queue) removeParallel(typ int, id int64) {
	ids := q.parallel[typ]
	for i, cur := range ids {
		if cur == id {
			ids[i] = ids[len(ids)-1]
			q.parallel[typ] = ids[:len(ids)-1]
			return
		}
	}
}

// TypeCounts returns, per work type, the number of untargeted-or-parallel
// tasks available to be stolen (spec.md §4.8's STEAL_PROBE_RESP payload).
func (q *Queue) TypeCounts() []int {
	single, parallel := q.TypeCountsDetailed()
	counts := make([]int, q.types)
	for t := range counts {
		counts[t] = single[t] + parallel[t]
	}
	return counts
}

// TypeCountsDetailed is TypeCounts split into its untargeted and parallel
// components, needed by the steal-fraction decision (spec.md §4.8, the
// original's xlb_workq_steal computes total/single/par counts separately).
func (q *Queue) TypeCountsDetailed() (single, parallel []int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	single = make([]int, q.types)
	parallel = make([]int, q.types)
	for typ, h := range q.untargeted {
		single[typ] = h.Len()
	}
	for typ, ids := range q.parallel {
		parallel[typ] = len(ids)
	}
	return single, parallel
}

// StealSingle removes a pseudo-random fraction p (0..1) of typ's untargeted
// work, invoking cb for each and returning the count actually removed.
// Stops and returns the error from the first failing cb, unwrapped.
func (q *Queue) StealSingle(typ int, p float64, rng *rand.Rand, cb func(*WorkUnit) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.untargeted[typ]
	if !ok {
		return 0, nil
	}
	// Iterate a snapshot; soft-targeted entries are allowed to be stolen
	// (spec.md §4.8 note), identified purely by arena membership.
	snapshot := append(prioHeap(nil), (*h)...)
	stolen := 0
	kept := (*h)[:0]
	for _, e := range snapshot {
		wu, present := q.arena[e.id]
		if !present || wu.Type != typ {
			continue
		}
		if rng.Float64() < p {
			if err := cb(wu); err != nil {
				return stolen, err
			}
			delete(q.arena, e.id)
			stolen++
			continue
		}
		kept = append(kept, e)
	}
	*h = kept
	rebuildHeap(h)
	return stolen, nil
}

// StealParallel removes up to n parallel tasks of typ chosen at random,
// invoking cb for each.
func (q *Queue) StealParallel(typ int, n int, rng *rand.Rand, cb func(*WorkUnit) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.parallel[typ]
	stolen := 0
	for stolen < n && len(ids) > 0 {
		i := rng.Intn(len(ids))
		id := ids[i]
		ids[i] = ids[len(ids)-1]
		ids = ids[:len(ids)-1]
		q.parallel[typ] = ids

		wu, present := q.arena[id]
		if !present {
			continue
		}
		if err := cb(wu); err != nil {
			return stolen, err
		}
		delete(q.arena, id)
		stolen++
	}
	return stolen, nil
}

func rebuildHeap(h *prioHeap) {
	cp := append(prioHeap(nil), (*h)...)
	*h = cp[:0]
	for _, e := range cp {
		h.push(e.id, e.priority)
	}
}

// Finalize drains and returns every work unit still queued (serial and
// parallel), for leak reporting at shutdown (spec.md §4.10, mirroring
// original_source/lb/code/src/workqueue.c's wu_array_finalize).
func (q *Queue) Finalize() []*WorkUnit {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*WorkUnit, 0, len(q.arena))
	for _, wu := range q.arena {
		out = append(out, wu)
	}
	q.arena = make(map[int64]*WorkUnit)
	q.untargeted = make(map[int]*prioHeap)
	q.targetedRank = make(map[targetKey]*prioHeap)
	q.targetedHost = make(map[targetKey]*prioHeap)
	q.parallel = make(map[int][]int64)
	return out
}
