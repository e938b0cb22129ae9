package workgraph

import (
	"fmt"
)

// Waiter is a handle through which many different callers can wait for the
// value of a cell to become available.
type Waiter[T any] struct {
	inner *cellInner
}

// Await blocks until the associated cell has been resolved, or until a
// problem forces it to resolve with a usage error to avoid deadlocking.
func (w Waiter[T]) Await(requestingCaller *Caller) (T, error) {
	if waitingFor := requestingCaller.inner.awaiting.Load(); waitingFor != nil {
		// Each caller can be awaiting only one cell at a time, so this is
		// always a bug in the caller.
		panic(fmt.Sprintf("caller %p awaits multiple cells", requestingCaller.inner))
	}
	if result := w.inner.result.Load(); result != nil {
		// If the cell was already resolved then we'll return as quickly as
		// possible to minimize overhead.
		return resultRet[T](result)
	}

	// If we get here then we need to do the slow-path await.
	result := w.inner.await(requestingCaller)
	return resultRet[T](result)
}

func (w Waiter[T]) isNil() bool {
	return w.inner == nil
}
