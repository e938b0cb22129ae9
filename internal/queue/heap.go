package queue

import "container/heap"

// prioEntry is one heap slot: the work unit id plus the priority key it was
// inserted with (soft-targeted entries in the untargeted heap carry a
// reduced priority, distinct from the work unit's own Priority field).
type prioEntry struct {
	id       int64
	priority int
}

// prioHeap is a max-heap (highest priority first) over prioEntry, backing
// every per-type/per-target index in Queue. Stale entries - work units
// already removed by a different index - are tolerated: the caller
// validates against the arena before trusting a popped entry (spec.md §4.6,
// "stale entries are tolerated and validated").
type prioHeap []prioEntry

func (h prioHeap) Len() int            { return len(h) }
func (h prioHeap) Less(i, j int) bool  { return h[i].priority > h[j].priority }
func (h prioHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *prioHeap) Push(x interface{}) { *h = append(*h, x.(prioEntry)) }
func (h *prioHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h *prioHeap) push(id int64, priority int) {
	heap.Push(h, prioEntry{id: id, priority: priority})
}

// popRoot pops the highest-priority entry, or ok=false if empty.
func (h *prioHeap) popRoot() (prioEntry, bool) {
	if h.Len() == 0 {
		return prioEntry{}, false
	}
	return heap.Pop(h).(prioEntry), true
}
