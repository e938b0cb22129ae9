package store

import "bytes"

// listenerKind distinguishes the two effects a fired listener can have
// (spec.md §4.4, "Listeners and the subscript-prefix rule").
type listenerKind int

const (
	listenerNotify listenerKind = iota
	listenerReference
)

// listener is either a notify (rank + work type) or a reference (dest
// id/sub + transfer refcounts), attached to a datum at a given subscript
// and fired once when something assigns a path that the subscript is a
// prefix of.
//
// The original keeps these in a balanced tree keyed by subscript bytes;
// here a datum's listeners are a small slice scanned linearly. Correctness
// (fire-once, prefix match, removal) doesn't depend on the backing
// structure, and per-datum listener counts in this runtime are small enough
// that a tree buys nothing a slice doesn't already give for free.
type listener struct {
	subscript Subscript
	kind      listenerKind

	// listenerNotify fields.
	rank     int
	workType int

	// listenerReference fields.
	refID        int64
	refSub       Subscript
	refType      DataType
	transferRefs Refc
	refWriteDecr int
}

// addListener attaches l to d, keeping subscriptNotifs in sync so callers
// can fast-path "no subscript-level listener has ever been registered".
func (d *Datum) addListener(l listener) {
	d.listeners = append(d.listeners, l)
	if len(l.subscript) > 0 {
		d.subscriptNotifs = true
	}
}

// fireMatching removes and returns every listener whose subscript is a
// prefix of path (spec.md §4.4: "the runtime walks all listeners whose keys
// are prefixes of the assigned path... each matched listener is removed").
func (d *Datum) fireMatching(path Subscript) []listener {
	if len(d.listeners) == 0 {
		return nil
	}
	var fired []listener
	remaining := d.listeners[:0]
	for _, l := range d.listeners {
		if bytes.HasPrefix(path, l.subscript) {
			fired = append(fired, l)
		} else {
			remaining = append(remaining, l)
		}
	}
	d.listeners = remaining
	return fired
}
