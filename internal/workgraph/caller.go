package workgraph

import (
	"runtime"
)

// A Caller represents a specific linear codepath that will ultimately
// resolve zero or more cells.
//
// It's ultimately up to the caller of this package to decide what exactly
// "linear codepath" means. The simplest mental model is for each Caller to
// belong to one goroutine and for that caller to go out of scope once the
// goroutine exits, with no other goroutine interacting with it. In package
// client this is one goroutine issuing pipelined async Get calls against a
// single worker rank.
//
// However, the only hard constraint is that each caller can only be waiting
// on zero or one cells at a time, and so two goroutines can potentially
// share a single caller as long as they somehow arrange for at most one of
// them to interact with the caller at a time.
//
// A [Caller] object must be kept live (i.e. not garbage collected) until it
// has either resolved or delegated all of the cells that it's responsible
// for, or else those cells will all fail with an error. This is a
// best-effort mechanism to reclaim other callers that could otherwise be
// blocked indefinitely, but should not be relied on in any "happy path"
// because the Go garbage collection details are intentionally
// underspecified to allow for future improvements.
type Caller struct {
	// We separate the object held by the external caller from the object we
	// use internally so that this outer object can be garbage collected once
	// the caller is finished with it while allowing the inner object to
	// also be referred to by other objects.
	//
	// [NewCaller] uses a cleanup function associated with the Caller pointer
	// it returns to notify the inner object once the outer object has been
	// collected.
	inner *callerInner
}

// NewCaller allocates a new [Caller], optionally transferring responsibility
// for resolving some cells.
//
// Callers of this function are responsible for ensuring that the caller
// passing cells to this function was previously considered to be
// responsible for those cells. Although there are no immediate checks that
// the caller was already responsible for the given cells (the relationship
// between codepaths and callers is the caller's concern), incorrect use of
// this can potentially be detected later if the previous responsible caller
// subsequently attempts to resolve the same cell.
func NewCaller(delegated ...ResolverContainer) *Caller {
	// The new "inner" is initially not awaiting any cell.
	newInner := newCallerInner()

	// We can safely transfer responsibility for all of the given resolvers
	// here without any self-dependency checking, because the new caller is
	// initially not waiting for any cells itself and so it cannot possibly
	// participate in a self-dependency cycle.
	for _, container := range delegated {
		for resolver := range container.ContainedResolvers() {
			inner := resolver.cellInner()
			inner.setResponsibleCaller(newInner)
		}
	}

	ret := &Caller{
		inner: newInner,
	}
	// The object we return has a cleanup function that notifies its
	// associated inner once it gets collected, so we can force-unblock
	// anything that's waiting on any cells this caller was responsible for.
	runtime.AddCleanup(ret, (*callerInner).handleDropped, newInner)
	return ret
}

// WithNewAsyncCaller spawns a goroutine running f with a fresh [Caller],
// optionally transferring responsibility for resolving some cells to it
// first.
func WithNewAsyncCaller(f func(*Caller), delegated ...ResolverContainer) {
	caller := NewCaller(delegated...)
	go f(caller)
}
