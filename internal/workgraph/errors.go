package workgraph

// ErrUnresolved is returned by [Waiter.Await] if the [Caller] responsible
// for resolving the cell is garbage-collected before the cell is resolved.
//
// This suggests a bug in the implementation of the responsible caller, since
// it should ensure that all cells it is responsible for are either resolved
// or delegated to another caller before its [Caller] object goes out of
// scope.
type ErrUnresolved struct {
	// CellID is the cell that was unresolved. This is always the ID of the
	// cell whose [Waiter] the Await method was called on.
	CellID CellID
}

func (err ErrUnresolved) Error() string {
	return "responsible caller was dropped before cell was resolved"
}

// ErrSelfDependency is returned by [Waiter.Await] if a direct or indirect
// self-dependency is created in the caller-and-cell graph by this or some
// other call to [Waiter.Await].
//
// All Await calls blocking on any cell in the detected dependency cycle
// immediately fail with this error.
type ErrSelfDependency struct {
	// CellIDs are the identifiers of the cells included in the dependency
	// cycle. Callers may use this in conjunction with their own records of
	// the meaning of each cell id to return a higher-level error describing
	// the set of requested operations that together caused the problem.
	CellIDs []CellID
}

func (err ErrSelfDependency) Error() string {
	return "self-dependency detected"
}
