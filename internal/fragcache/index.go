package fragcache

import "sort"

// keyIndex maintains arena indices sorted by Key. Insert/delete are O(n);
// lookup is O(log n). No ordered-map or tree library appears anywhere in
// the retrieved corpus, so this is a hand-rolled sorted index rather than a
// borrowed dependency — acceptable here because per-source fragment counts
// are bounded by cache purge (archival/real-time), not by stream length.
type keyIndex struct {
	a    *arena
	keys []int32 // arena indices, sorted by a.get(idx).key
}

func newKeyIndex(a *arena) *keyIndex {
	return &keyIndex{a: a}
}

func (ki *keyIndex) len() int { return len(ki.keys) }

// search returns the position of the first entry whose key is >= k, and
// whether that entry's key equals k exactly.
func (ki *keyIndex) search(k Key) (pos int, exact bool) {
	pos = sort.Search(len(ki.keys), func(i int) bool {
		return !ki.a.get(ki.keys[i]).key.Less(k)
	})
	exact = pos < len(ki.keys) && ki.a.get(ki.keys[pos]).key.Equal(k)
	return pos, exact
}

// insert adds idx (whose record's key must not already be present).
func (ki *keyIndex) insert(idx int32) {
	k := ki.a.get(idx).key
	pos, _ := ki.search(k)
	ki.keys = append(ki.keys, 0)
	copy(ki.keys[pos+1:], ki.keys[pos:])
	ki.keys[pos] = idx
}

// remove deletes the entry for key k, if present.
func (ki *keyIndex) remove(k Key) {
	pos, exact := ki.search(k)
	if !exact {
		return
	}
	copy(ki.keys[pos:], ki.keys[pos+1:])
	ki.keys = ki.keys[:len(ki.keys)-1]
}

// get returns the arena index for an exact key match, or noIndex.
func (ki *keyIndex) get(k Key) int32 {
	pos, exact := ki.search(k)
	if !exact {
		return noIndex
	}
	return ki.keys[pos]
}

// floor returns the arena index of the highest entry with key <= k, or
// noIndex if none exists.
func (ki *keyIndex) floor(k Key) int32 {
	pos, exact := ki.search(k)
	if exact {
		return ki.keys[pos]
	}
	if pos == 0 {
		return noIndex
	}
	return ki.keys[pos-1]
}

// strictFloor returns the arena index of the highest entry with key < k
// (unlike floor, never returns an exact match), or noIndex if none exists.
func (ki *keyIndex) strictFloor(k Key) int32 {
	pos, _ := ki.search(k)
	if pos == 0 {
		return noIndex
	}
	return ki.keys[pos-1]
}

// ceil returns the arena index of the lowest entry with key >= k, or
// noIndex if none exists.
func (ki *keyIndex) ceil(k Key) int32 {
	pos, _ := ki.search(k)
	if pos >= len(ki.keys) {
		return noIndex
	}
	return ki.keys[pos]
}

// removeBefore deletes every entry with key strictly less than k and
// returns their arena indices for release by the caller.
func (ki *keyIndex) removeBefore(k Key) []int32 {
	pos, _ := ki.search(k)
	removed := append([]int32(nil), ki.keys[:pos]...)
	ki.keys = ki.keys[pos:]
	return removed
}
