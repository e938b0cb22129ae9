package notify_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/swift-lang/swift-t-sub000/internal/notify"
)

func TestAppendBuildsSet(t *testing.T) {
	var s notify.Set
	s.AppendNotify(1, []byte("k"), 2)
	s.AppendReference(10, []byte("sub"), 3, []byte("v"))
	s.AppendRefcChange(10, -1, 0, true)

	want := notify.Set{
		Notify:      []notify.RankNotify{{Rank: 1, Subscript: []byte("k"), WorkType: 2}},
		References:  []notify.RefDatum{{ID: 10, Sub: []byte("sub"), Type: 3, Value: []byte("v")}},
		RefcChanges: []notify.RefcChange{{ID: 10, ReadDelta: -1, MustPreacquire: true}},
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("Set built by Append* methods differs (-want +got):\n%s", diff)
	}
}

func TestMergeAppendsInPlace(t *testing.T) {
	a := notify.Set{Notify: []notify.RankNotify{{Rank: 1, WorkType: 1}}}
	b := notify.Set{
		Notify:      []notify.RankNotify{{Rank: 2, WorkType: 2}},
		References:  []notify.RefDatum{{ID: 5}},
		RefcChanges: []notify.RefcChange{{ID: 5, ReadDelta: 1}},
	}
	a.Merge(b)

	want := notify.Set{
		Notify:      []notify.RankNotify{{Rank: 1, WorkType: 1}, {Rank: 2, WorkType: 2}},
		References:  []notify.RefDatum{{ID: 5}},
		RefcChanges: []notify.RefcChange{{ID: 5, ReadDelta: 1}},
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("Merge result differs (-want +got):\n%s", diff)
	}

	// b must be untouched by merging it into a.
	wantB := notify.Set{
		Notify:      []notify.RankNotify{{Rank: 2, WorkType: 2}},
		References:  []notify.RefDatum{{ID: 5}},
		RefcChanges: []notify.RefcChange{{ID: 5, ReadDelta: 1}},
	}
	if diff := cmp.Diff(wantB, b); diff != "" {
		t.Errorf("Merge mutated its argument (-want +got):\n%s", diff)
	}
}

func TestEmpty(t *testing.T) {
	cases := []struct {
		name string
		set  notify.Set
		want bool
	}{
		{"zero value", notify.Set{}, true},
		{"pending notify", notify.Set{Notify: []notify.RankNotify{{Rank: 1}}}, false},
		{"pending reference", notify.Set{References: []notify.RefDatum{{ID: 1}}}, false},
		{"pending refc change", notify.Set{RefcChanges: []notify.RefcChange{{ID: 1}}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.set.Empty(); got != c.want {
				t.Errorf("Empty() = %v, want %v", got, c.want)
			}
		})
	}
}
