package workgraph

import (
	"sync"
	"sync/atomic"
)

// callerInner is the real representation of a caller, which participates in
// the caller/cell graph.
//
// The exported representation [Caller] is separated so that the only
// pointers to it are from outside of this package and we can use its
// finalizer as a signal that the cells the caller is responsible for can
// never be provided.
type callerInner struct {
	// awaiting is the primary representation of the directed graph edge
	// between a caller and the cell it's currently awaiting, if any.
	//
	// This is an atomic pointer so we can perform the first pass of
	// self-dependency checking without acquiring any locks.
	awaiting atomic.Pointer[cellInner]

	responsibleFor map[*cellInner]struct{}
	mu             sync.Mutex
}

func newCallerInner() *callerInner {
	return &callerInner{
		responsibleFor: make(map[*cellInner]struct{}),
	}
}

func (ci *callerInner) handleDropped() {
	// If the caller-facing handle to this caller is dropped then any cells
	// this caller was responsible for cannot be resolved, so we'll force
	// them to fail here.
	ci.mu.Lock()
	for cell := range ci.responsibleFor {
		cell.resolveUsageFault(ErrUnresolved{CellID: cell.CellID()})
	}
	ci.mu.Unlock()
}
