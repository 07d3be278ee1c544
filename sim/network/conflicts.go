package network

// ConflictTable is the static pairwise table of turns that must not be
// granted together. It is built once from the map and never mutated.
type ConflictTable struct {
	pairs map[[2]TurnID]struct{}
}

func newConflictTable(pairs [][2]TurnID) ConflictTable {
	t := ConflictTable{pairs: make(map[[2]TurnID]struct{}, len(pairs))}
	for _, p := range pairs {
		t.pairs[orderedPair(p[0], p[1])] = struct{}{}
	}
	return t
}

func orderedPair(a, b TurnID) [2]TurnID {
	if a > b {
		a, b = b, a
	}
	return [2]TurnID{a, b}
}

// Conflicts reports whether turns a and b may not be granted at the same
// time. A turn never conflicts with itself: vehicles following each other
// through the same movement are separated by following distance instead.
func (t ConflictTable) Conflicts(a, b TurnID) bool {
	if a == b {
		return false
	}
	_, ok := t.pairs[orderedPair(a, b)]
	return ok
}

// Len is the number of conflicting pairs.
func (t ConflictTable) Len() int { return len(t.pairs) }
