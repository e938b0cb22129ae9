package workgraph_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/swift-lang/swift-t-sub000/internal/workgraph"
)

func TestHappyPath(t *testing.T) {
	mainCaller := workgraph.NewCaller()
	greetingResolver, greetingWaiter := workgraph.NewCell[string](mainCaller)
	greeteeResolver, greeteeWaiter := workgraph.NewCell[string](mainCaller)
	workgraph.WithNewAsyncCaller(func(c *workgraph.Caller) {
		greetingResolver.ReportSuccess(c, "Hello")
	}, greetingResolver)
	workgraph.WithNewAsyncCaller(func(c *workgraph.Caller) {
		// This nested caller is unnecessary and just here to make this test
		// a little more interesting.
		workgraph.WithNewAsyncCaller(func(c *workgraph.Caller) {
			greeteeResolver.ReportSuccess(c, "world")
		}, greeteeResolver)
	}, greeteeResolver)

	// mainCaller is now allowed to await both waiters because it has
	// delegated their resolution to the other callers.
	greeting, err := greetingWaiter.Await(mainCaller)
	if err != nil {
		t.Errorf("unexpected error awaiting greeting: %s", err)
	}
	greetee, err := greeteeWaiter.Await(mainCaller)
	if err != nil {
		t.Errorf("unexpected error awaiting greetee: %s", err)
	}

	gotMessage := fmt.Sprintf("%s, %s!", greeting, greetee)
	wantMessage := "Hello, world!"
	if gotMessage != wantMessage {
		t.Errorf("unexpected result\ngot:  %s\nwant: %s", gotMessage, wantMessage)
	}
}

func TestSelfDependencyDirect(t *testing.T) {
	mainCaller := workgraph.NewCaller()
	resolver, waiter := workgraph.NewCell[string](mainCaller)
	value, err := waiter.Await(mainCaller)
	if err == nil {
		t.Fatalf("unexpected success with value %#v; want self-dependency error", value)
	}
	selfDepErr, ok := err.(workgraph.ErrSelfDependency)
	if !ok {
		t.Fatalf("wrong error type %T; want %T", err, selfDepErr)
	}
	wantCellIDs := []workgraph.CellID{resolver.CellID()}
	if diff := cmp.Diff(wantCellIDs, selfDepErr.CellIDs); diff != "" {
		t.Error("wrong cell ids\n" + diff)
	}
}

func TestSelfDependencyIndirect(t *testing.T) {
	mainCaller := workgraph.NewCaller()
	resolver1, waiter1 := workgraph.NewCell[string](mainCaller)
	resolver2, waiter2 := workgraph.NewCell[string](mainCaller)
	workgraph.WithNewAsyncCaller(func(c *workgraph.Caller) {
		val, err := waiter2.Await(c)
		resolver1.Report(c, val, err)
	}, resolver1)
	workgraph.WithNewAsyncCaller(func(c *workgraph.Caller) {
		val, err := waiter1.Await(c)
		resolver2.Report(c, val, err)
	}, resolver2)

	value, err := waiter1.Await(mainCaller)
	if err == nil {
		t.Fatalf("unexpected success with value %#v; want self-dependency error", value)
	}
	selfDepErr, ok := err.(workgraph.ErrSelfDependency)
	if !ok {
		t.Fatalf("wrong error type %T; want %T", err, selfDepErr)
	}

	// The reported CellIDs are not guaranteed to be any particular order
	// but we expect both to be present.
	if got, want := len(selfDepErr.CellIDs), 2; got != want {
		t.Fatalf("wrong number of failed cell ids %d; want %d", got, want)
	}
	if !slices.Contains(selfDepErr.CellIDs, resolver1.CellID()) {
		t.Errorf("resolver1's CellID is not mentioned in the error")
	}
	if !slices.Contains(selfDepErr.CellIDs, resolver2.CellID()) {
		t.Errorf("resolver2's CellID is not mentioned in the error")
	}
}
