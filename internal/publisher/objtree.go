package publisher

// objectKey identifies a (group, object) pair in a reader's per-object send
// tree (spec.md §4.4, §9 "Per-object publisher tree" — one tree per reader,
// not per cache, so each reader prunes independently).
type objectKey struct {
	GroupID  uint64
	ObjectID uint64
}

type objectState struct {
	key                    objectKey
	bytesSent              uint64
	finalOffset            uint64
	hasFinalOffset         bool
	isDropped              bool
	isSent                 bool
	nbObjectsPreviousGroup uint64
}

// objectTree is a small ordered map of objectState keyed by arrival order of
// first reference; callers prune from the front once entries are fully
// sent, so a slice with occasional compaction is sufficient (object counts
// in flight per reader are bounded by cache depth, not stream length).
type objectTree struct {
	order   []objectKey
	entries map[objectKey]*objectState
}

func newObjectTree() *objectTree {
	return &objectTree{entries: make(map[objectKey]*objectState)}
}

func (t *objectTree) getOrCreate(k objectKey) *objectState {
	if s, ok := t.entries[k]; ok {
		return s
	}
	s := &objectState{key: k}
	t.entries[k] = s
	t.order = append(t.order, k)
	return s
}

func (t *objectTree) get(k objectKey) (*objectState, bool) {
	s, ok := t.entries[k]
	return s, ok
}

// pruneSent removes a leading contiguous run of fully-sent or
// congestion-dropped objects from the front of the tree (spec.md §4.4 step
// 4). A dropped object has no more bytes coming, so it is just as prunable
// as a fully-sent one; without this an early skip permanently pins first()
// and blocks the "object ends before the tree's first entry" check in
// advanceCursor.
func (t *objectTree) pruneSent() {
	i := 0
	for i < len(t.order) {
		s := t.entries[t.order[i]]
		if !s.isSent && !s.isDropped {
			break
		}
		delete(t.entries, t.order[i])
		i++
	}
	t.order = t.order[i:]
}

// first returns the oldest tracked object, if any.
func (t *objectTree) first() (objectKey, bool) {
	if len(t.order) == 0 {
		return objectKey{}, false
	}
	return t.order[0], true
}
