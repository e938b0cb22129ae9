package workgraph

import (
	"iter"
)

// A Resolver is used by the [Caller] that is responsible for resolving a
// cell to report its value, thereby unblocking any other callers that are
// waiting for its resolution.
type Resolver[T any] struct {
	inner *cellInner
}

var _ ResolverContainer = Resolver[int]{}

// Report resolves the cell with both a value and an error, both of which
// will be returned from any [Waiter.Await] calls for the associated cell.
func (r Resolver[T]) Report(resolvingCaller *Caller, val T, err error) {
	r.inner.resolveExplicit(resolvingCaller, val, err)
}

// ReportSuccess is a helper for [Resolver.Report] which automatically sets
// the error to nil, suggesting a successful value.
func (r Resolver[T]) ReportSuccess(resolvingCaller *Caller, val T) {
	r.Report(resolvingCaller, val, nil)
}

// ReportError is a helper for [Resolver.Report] which automatically sets
// the value part of the result to the zero value of T, suggesting an error
// result without any useful accompanying value.
func (r Resolver[T]) ReportError(resolvingCaller *Caller, err error) {
	var zero T
	r.Report(resolvingCaller, zero, err)
}

// CellID returns a unique identifier for the cell that this resolver
// belongs to.
//
// This can be compared with [CellID] values in errors returned by this
// library in situations that would otherwise cause a deadlock.
func (r Resolver[T]) CellID() CellID {
	return r.inner.CellID()
}

// ContainedResolvers implements [ResolverContainer], reporting the receiver
// itself as the only resolver in the container.
func (r Resolver[T]) ContainedResolvers() iter.Seq[AnyResolver] {
	return func(yield func(AnyResolver) bool) {
		yield(r)
	}
}

// cellInner implements AnyResolver.
func (r Resolver[T]) cellInner() *cellInner {
	return r.inner
}

// AnyResolver is an interface implemented by all instantiations of the
// generic type [Resolver], regardless of their value type.
//
// This is used along with [ResolverContainer] to delegate resolvers from
// one caller to another, where it doesn't matter what specific value type
// each resolver has.
type AnyResolver interface {
	cellInner() *cellInner
}

var _ AnyResolver = Resolver[int]{}
