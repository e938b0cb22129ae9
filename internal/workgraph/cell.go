package workgraph

import (
	"iter"
	"runtime"
)

// NewCell begins a new fire-once cell and returns both its resolver and its
// waiter.
//
// The given caller is initially responsible for resolving the cell.
func NewCell[T any](responsibleCaller *Caller) (Resolver[T], Waiter[T]) {
	newInner := newCellInner(responsibleCaller.inner)

	resolver := Resolver[T]{
		inner: newInner,
	}
	waiter := Waiter[T]{
		inner: newInner,
	}

	// The following ensures that the Caller can't get garbage collected
	// during the statements above, in case the caller has given us its last
	// remaining pointer to this Caller. If this _is_ the last remaining
	// pointer then the new cell might become resolved as failed immediately
	// after this statement, before we even return.
	runtime.KeepAlive(responsibleCaller)
	return resolver, waiter
}

// ResolverContainer is implemented by types that in some sense "contain"
// [Resolver] objects, allowing responsibility for all of those cells to be
// passed in aggregate to a new caller when calling [NewCaller].
//
// [Resolver] itself implements this interface, so callers with no need for
// any higher-level aggregation can pass individual [Resolver] values
// directly instead of implementing this interface themselves.
type ResolverContainer interface {
	ContainedResolvers() iter.Seq[AnyResolver]
}
