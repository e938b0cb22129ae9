package store

import (
	"strconv"
	"strings"
)

// Subscript is an opaque byte string addressing into a compound datum
// (spec.md §4.4). Container levels consume the whole remaining subscript as
// a raw key; struct levels consume one dotted integer component at a time
// ("3.1" = field 3 of the outer struct, then field 1 of its inner struct).
type Subscript []byte

// NoSubscript addresses the whole datum.
var NoSubscript = Subscript(nil)

func (s Subscript) String() string { return string(s) }

// structField splits a dotted-index subscript into its leading integer
// component and the remaining dotted path, e.g. "3.1" -> (3, "1", true).
func structField(s Subscript) (index int, rest Subscript, ok bool) {
	str := string(s)
	head, tail, hasTail := strings.Cut(str, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, nil, false
	}
	if !hasTail {
		return n, nil, true
	}
	return n, Subscript(tail), true
}

// levelKey renders the subscript component used as this level's map key: a
// struct's dotted-integer head rendered back to its canonical decimal
// string, or a container/multiset's raw bytes.
func levelKey(kind DataType, s Subscript) (mapKey string, rest Subscript, ok bool) {
	switch kind {
	case TypeStruct:
		idx, tail, ok := structField(s)
		if !ok {
			return "", nil, false
		}
		return strconv.Itoa(idx), tail, true
	case TypeContainer, TypeMultiset:
		return string(s), nil, true
	default:
		return "", nil, false
	}
}
