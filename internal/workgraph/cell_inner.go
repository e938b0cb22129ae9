package workgraph

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"
)

// cellInner is the internal part of a cell that is shared between its
// resolver and its waiters.
//
// This inner part intentionally has the compile-time-chosen value type
// erased, to allow [AnyResolver] to be implemented by all instantiations of
// the generic [Resolver] type.
type cellInner struct {
	// responsible is the primary representation of the directed graph edge
	// between a cell and the caller that's currently responsible for
	// resolving it. This is never nil but it can change over time as
	// responsibility is delegated between callers.
	//
	// This is an atomic pointer so we can perform the first pass of
	// self-dependency checking without acquiring any locks.
	responsible atomic.Pointer[callerInner]

	mu     sync.Mutex
	cond   *sync.Cond
	result atomic.Pointer[cellResult]
}

func (ci *cellInner) CellID() CellID {
	return CellID{
		ptr: weak.Make(ci),
	}
}

func (ci *cellInner) await(requestingCaller *Caller) *cellResult {
	// This function deals with the "slow-path" await, after [Waiter.Await]
	// dealt with some fast-path situations. However, we haven't been
	// holding any locks so far and so we'll need to recheck some things in
	// case the situation has changed due to the actions of another
	// concurrent goroutine.
	//
	// The overall idea of this is based on the ideas in
	// "An Ownership Policy and Deadlock Detector for Promises" by Caleb Voss
	// and Vivek Sarkar at Georgia Institute of Technology, arXiv:2101.01312v1.
	// The following is essentially the logic from their "Algorithm 2" ported
	// to Go. We use atomic memory accesses to avoid acquring broadly-scoped
	// locks that would likely cause contention between callers.

	swapped := requestingCaller.inner.awaiting.CompareAndSwap(nil, ci)
	if !swapped {
		// Apparently another goroutine has begun waiting with this caller
		// in the meantime since [Waiter.Await] did its initial check.
		panic(fmt.Sprintf("caller %p awaits multiple cells", requestingCaller.inner))
	}
	defer func() {
		// Before we return we need to set "awaiting" back to nil again to
		// let the requesting caller await other cells, but since we might
		// return before we aquire locks we could again be racing with
		// another goroutine trying to use the same caller object, so we'll
		// detect that here.
		// (This corresponds to the "try/finally" pseudocode at the end of
		// the algorithm from the paper, since Go does not have exceptions.)
		swappedBack := requestingCaller.inner.awaiting.CompareAndSwap(ci, nil)
		if !swappedBack {
			panic(fmt.Sprintf("caller %p awaits multiple cells", requestingCaller.inner))
		}
	}()

	// Before we begin waiting we'll check whether our change to the
	// "awaiting" field above has caused a cycle in the caller-cell graph.
	// Because each caller awaits zero or one cells and each cell has
	// exactly one responsible caller we can check this using only a linear
	// walk along those edges.
	selfDependency, _ := detectSelfDependency(ci, requestingCaller.inner, false)
	if selfDependency {
		// We've found a self-dependency but we want to be able to report
		// which cells were affected by it and so we'll repeat the same
		// work again but this time collect up all of the cell nodes we
		// encounter along the way. This redundancy allows us to avoid
		// allocating the cell slice on the happy path. We could potentially
		// get a slightly different result this time but nonetheless we'll
		// still be reporting at least some of the cells that were affected
		// by the cycle.
		_, failedCells := detectSelfDependency(ci, requestingCaller.inner, true)
		cellIDs := make([]CellID, 0, len(failedCells))
		for _, cell := range failedCells {
			cellIDs = append(cellIDs, cell.CellID())
		}
		err := ErrSelfDependency{CellIDs: cellIDs}
		for _, cell := range failedCells {
			cell.resolveUsageFault(err)
		}
		// Note that we've now resolved "ci" as a side-effect of the above,
		// since it will always be one of the failed cells. Therefore we can
		// fall through here and detect below that the cell is now resolved.
	}

	// We'll now finally actually aquire the lock, since we know it's now
	// safe for us to block without causing a deadlock.
	ci.mu.Lock()
	for {
		if result := ci.result.Load(); result != nil {
			ci.mu.Unlock()
			return result
		}
		ci.cond.Wait() // ci.mu is automatically unlocked while waiting, and then relocked before this returns
	}
}

// detectSelfDependency is the main loop for self-dependency detection in
// [cellInner.await], factored out so that we can run it a second time in a
// more expensive mode (with collectFailedCells set) to collect context when
// we're going to report an error.
func detectSelfDependency(currentCell *cellInner, requestingCaller *callerInner, collectFailedCells bool) (bool, []*cellInner) {
	// We populate this only if collectFailedCells is true. Otherwise we
	// just ignore it to avoid allocating.
	var failedCells []*cellInner

	currentCaller := currentCell.responsible.Load()
	if collectFailedCells {
		failedCells = append(failedCells, currentCell)
	}
	for currentCaller != requestingCaller {
		if currentCell == nil {
			break
		}
		nextCell := currentCaller.awaiting.Load()
		if nextCell == nil {
			break
		}
		if currentCell.responsible.Load() != currentCaller {
			break
		}
		currentCell = nextCell
		currentCaller = currentCell.responsible.Load()
		if collectFailedCells {
			failedCells = append(failedCells, currentCell)
		}
	}

	// If we've ended up back where we started then we've detected self-dependency.
	return currentCaller == requestingCaller, failedCells
}

// resolveExplicit is the main resolution function for an "explicit" result,
// meaning that the cell is being resolved by the caller that's responsible
// for doing so.
func (ci *cellInner) resolveExplicit(resolvingCaller *Caller, val any, err error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if got, want := resolvingCaller.inner, ci.responsible.Load(); got != want {
		panic(fmt.Sprintf("cell was resolved by caller %p, but %p was responsible", got, want))
	}
	if result := ci.result.Load(); result != nil {
		// This is already resolved. If it was resolved with a usage error
		// then we'll just silently ignore this call to avoid changing the
		// previously-reported outcome, but if the previous resolution was
		// also explicit then that suggests a bug in the caller and so we'll
		// panic.
		if result.IsExplicit() {
			panic("cell resolved multiple times")
		}
		return
	}

	ci.result.Store(newExplicitResult(val, err))
	ci.cond.Broadcast()

	// We'll make sure that Caller can't get collected until we're ready to
	// return just to avoid any oddities that might arise if we have the
	// last remaining pointer to this Caller object. (If we let it become
	// dead too soon then all of the cells it's responsible for --
	// presumably including this one -- could get force-resolved with
	// [ErrUnresolved].
	runtime.KeepAlive(resolvingCaller)
}

// resolveUsageFault is a variant resolution function for situations where we
// force an errored resolution from inside this library to report that the
// library has been used incorrectly.
func (ci *cellInner) resolveUsageFault(err error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if result := ci.result.Load(); result != nil {
		// This is already resolved, so we'll leave the existing resolution
		// in place because some consumers might already have observed the
		// previous resolution.
		return
	}
	ci.result.Store(newUsageFaultResult(err))
	ci.cond.Broadcast()
}

func newCellInner(responsibleCaller *callerInner) *cellInner {
	ret := &cellInner{}
	ret.cond = sync.NewCond(&ret.mu)
	ret.setResponsibleCaller(responsibleCaller)
	return ret
}

func (ci *cellInner) setResponsibleCaller(new *callerInner) {
	old := ci.responsible.Swap(new)
	if old != nil {
		old.mu.Lock()
		delete(old.responsibleFor, ci)
		old.mu.Unlock()
	}
	new.mu.Lock()
	new.responsibleFor[ci] = struct{}{}
	new.mu.Unlock()
}

type cellResult struct {
	value any
	err   error
}

func newExplicitResult(value any, err error) *cellResult {
	if value == nil {
		// Should not be possible because we should always get here through
		// a generic function that enforces value always being a valid value
		// of the cell type. (Even if the cell type is something that can be
		// nil, the interface value containing it would not be nil.)
		panic("explicit resolution with nil value")
	}
	return &cellResult{
		value: value,
		err:   err,
	}
}

func newUsageFaultResult(err error) *cellResult {
	return &cellResult{
		value: nil, // indicates a usage fault resolution
		err:   err,
	}
}

func (cr *cellResult) IsExplicit() bool {
	// Explicit resolutions always have a non-nil value, even though what's
	// stored in the interface might be a typed nil pointer itself.
	return cr.value != nil
}

func resultRet[T any](result *cellResult) (T, error) {
	// The type assertion below should fail only if value is nil to
	// represent a usage error, in which case we'll just return the zero
	// value of T.
	// (Even if T is a type that can be "nil" itself, a non-usage error will
	// always be saved as a non-nil interface which might contain a nil
	// value of T.)
	value, _ := result.value.(T)
	return value, result.err
}
