// Package fragcache implements the per-URL fragment cache: the core
// structure that receives fragments from a consumer, serves readers
// traversing either in key order (stream mode) or arrival order (datagram
// mode), and reclaims storage via archival or real-time purge.
package fragcache

import "time"

// Key identifies a fragment's position within a source.
type Key struct {
	GroupID  uint64
	ObjectID uint64
	Offset   uint64
}

// Less reports whether k sorts strictly before other in key order.
func (k Key) Less(other Key) bool {
	if k.GroupID != other.GroupID {
		return k.GroupID < other.GroupID
	}
	if k.ObjectID != other.ObjectID {
		return k.ObjectID < other.ObjectID
	}
	return k.Offset < other.Offset
}

// Equal reports key equality.
func (k Key) Equal(other Key) bool { return k == other }

// record is one fragment entry in the cache. Records are held in an arena
// (see arena.go, grounded on spec.md §9's guidance for cyclic/doubly-linked
// structures) and referenced by index from both the key-order index and the
// arrival-order list, so no Go pointer cycle is ever formed.
type record struct {
	key  Key
	data []byte

	flags                  uint8
	queueDelay             uint64
	isLastFragment         bool
	nbObjectsPreviousGroup uint64
	cacheTime              time.Time

	// arrival-order doubly linked list, arena indices (-1 = none)
	arrivalPrev int32
	arrivalNext int32

	// free-list link when the slot is not in use
	free bool
}

// dataLen returns the byte length of the fragment payload.
func (r *record) dataLen() int { return len(r.data) }
